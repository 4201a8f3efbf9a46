// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>

// Package skstack drives a BP35A1 Wi-SUN module through its SKSTACK IP text
// command set: command/response, active scan, PANA session and ECHONET Lite
// over UDP port 0E1A.
//
// A Module is not safe for concurrent use. Every operation blocks, polling
// the serial line until its own wait has concluded, so commands are never
// pipelined.
package skstack

import (
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/ak1211/BRouteBP35A1/internal/echonetlite"
)

// 状態機械が1行を処理した結果
type Step int

const (
	Continue Step = iota // 待ち続ける
	Renew                // 待ち時間を延長して待ち続ける
	Done                 // 待ち終わり
)

// Machine consumes the module's output one line at a time. Event lines can
// arrive at any moment, so whichever machine is waiting sees all of them.
type Machine interface {
	Handle(line string) Step
}

type Module struct {
	port     io.Writer
	lines    *LineReader
	clock    Clock
	timeouts Timeouts
	logger   *slog.Logger
	opts     Options

	scanResult        ScanResult
	ipv6              string
	state             SessionState
	lastCertification time.Time
	sessionLifetime   uint32

	meter echonetlite.Meter
}

func New(port io.ReadWriter, opts Options) *Module {
	opts = opts.withDefaults()
	return &Module{
		port:            port,
		lines:           NewLineReader(port, opts.Clock, opts.Timeouts.Poll, opts.Logger),
		clock:           opts.Clock,
		timeouts:        opts.Timeouts,
		logger:          opts.Logger,
		opts:            opts,
		sessionLifetime: opts.SessionLifetime,
	}
}

// 受信済みのスマートメーターの計測値
func (m *Module) Meter() *echonetlite.Meter {
	return &m.meter
}

// コマンドを送信する(shownはログ表示用)
func (m *Module) writeCommand(command string, shown string) error {
	m.logger.Debug("BP35A1::send", "command", shown)
	if _, err := io.WriteString(m.port, command+"\r\n"); err != nil {
		m.logger.Error("Write", "err", err)
		return err
	}
	return nil
}

// await feeds lines to mc until it reports Done or timeout elapses. Renew
// restarts the timeout window from the current time.
func (m *Module) await(mc Machine, timeout time.Duration) error {
	deadline := m.clock.Now().Add(timeout)
	for {
		remaining := deadline.Sub(m.clock.Now())
		if remaining <= 0 {
			return ErrTimeout
		}
		line := m.lines.ReadLine(remaining)
		if line == "" {
			continue
		}
		m.logger.Debug("BP35A1::receive", "line", line)
		switch mc.Handle(line) {
		case Done:
			return nil
		case Renew:
			deadline = m.clock.Now().Add(timeout)
		}
	}
}

// 受信バッファを破棄する
func (m *Module) ClearBuffer() {
	m.lines.Drain(m.timeouts.Settle)
}

func (m *Module) String() string {
	return fmt.Sprintf("BP35A1{state:%s channel:%s panId:%s ipv6:%s}",
		m.state, m.scanResult.Channel, m.scanResult.PanID, m.ipv6)
}
