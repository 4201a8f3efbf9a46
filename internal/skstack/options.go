// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"errors"
	"log/slog"
	"time"
)

var (
	ErrTimeout              = errors.New("SKSTACK read timeout exceeded")
	ErrDeviceRejected       = errors.New("SKSTACK command failed")
	ErrRetryBudgetExhausted = errors.New("SKSTACK udp retry budget exhausted")
	ErrNotFound             = errors.New("no smart meter found by active scan")
	ErrNoScanResult         = errors.New("no scan result")
	ErrNoAddress            = errors.New("smart meter ipv6 address is not resolved")
	ErrSessionFailed        = errors.New("PANA session failed")
)

// 時刻の取得と待機
type Clock interface {
	Now() time.Time
	Sleep(d time.Duration)
}

type systemClock struct{}

func (systemClock) Now() time.Time        { return time.Now() }
func (systemClock) Sleep(d time.Duration) { time.Sleep(d) }

// タイムアウト値
type Timeouts struct {
	Read       time.Duration // コマンド応答
	Poll       time.Duration // 受信データが無いときの待ち
	Connection time.Duration // PANA認証(EVENT 21 で延長)
	Settle     time.Duration // バッファ破棄前の待ち
	ScanUnit   time.Duration // スキャン時間1あたりの受信待ち
	ScanRetry  time.Duration // スキャン結果が無いときの待ち
	UdpRetry   time.Duration // UDP再送前の待ち
}

func DefaultTimeouts() Timeouts {
	return Timeouts{
		Read:       5 * time.Second,
		Poll:       100 * time.Millisecond,
		Connection: 30 * time.Second,
		Settle:     500 * time.Millisecond,
		ScanUnit:   5 * time.Second,
		ScanRetry:  1 * time.Second,
		UdpRetry:   100 * time.Millisecond,
	}
}

type Options struct {
	Timeouts Timeouts
	Clock    Clock
	Logger   *slog.Logger
	// アクティブスキャン時間(昇順に試す)
	ScanDurations []int
	// EVENT 21 の 01/02 を許す回数
	UdpRetryLimit int
	// PANAセッション有効期限(秒)
	SessionLifetime uint32
}

const DefaultSessionLifetime uint32 = 86400

func DefaultOptions() Options {
	return Options{
		Timeouts:        DefaultTimeouts(),
		Clock:           systemClock{},
		Logger:          slog.Default(),
		ScanDurations:   []int{6, 7, 8, 9},
		UdpRetryLimit:   3,
		SessionLifetime: DefaultSessionLifetime,
	}
}

// 指定されていない項目を既定値で埋める
func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.Timeouts == (Timeouts{}) {
		o.Timeouts = d.Timeouts
	}
	if o.Clock == nil {
		o.Clock = d.Clock
	}
	if o.Logger == nil {
		o.Logger = d.Logger
	}
	if len(o.ScanDurations) == 0 {
		o.ScanDurations = d.ScanDurations
	}
	if o.UdpRetryLimit <= 0 {
		o.UdpRetryLimit = d.UdpRetryLimit
	}
	if o.SessionLifetime == 0 {
		o.SessionLifetime = d.SessionLifetime
	}
	return o
}
