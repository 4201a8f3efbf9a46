// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"fmt"
	"strings"
	"time"
)

// アクティブスキャンに応答したスマートメーターの情報
type ScanResult struct {
	Channel string // 16進数
	PanID   string // 16進数
	Addr    string // MACアドレス(16進数)
}

func (s ScanResult) IsZero() bool {
	return s.Channel == "" && s.PanID == "" && s.Addr == ""
}

// ScanMachine collects one scan window: EVENT 20 (beacon received), the
// "Channel:", "Pan ID:" and "Addr:" lines, and EVENT 22 (scan complete).
type ScanMachine struct {
	found   bool
	current ScanResult
	// EVENT 22 を受信した
	Completed bool
	// EVENT 20 の後に EVENT 22 を受信したときの結果
	Result ScanResult
}

func (s *ScanMachine) Found() bool {
	return s.Completed && s.found
}

func (s *ScanMachine) Handle(line string) Step {
	switch {
	case strings.Contains(line, "EVENT 20"):
		s.found = true
	case strings.Contains(line, "EVENT 22"):
		s.Completed = true
		if s.found {
			s.Result = s.current
		}
		return Done
	case strings.Contains(line, "Channel:"):
		s.current.Channel = removePrefix(line, "Channel:")
	case strings.Contains(line, "Pan ID:"):
		s.current.PanID = removePrefix(line, "Pan ID:")
	case strings.Contains(line, "Addr:"):
		s.current.Addr = removePrefix(line, "Addr:")
	}
	return Continue
}

func removePrefix(s string, prefix string) string {
	return strings.TrimSpace(s[strings.Index(s, prefix)+len(prefix):])
}

// Scan runs active scans with ascending durations until one reports a
// smart meter. A rejected SKSCAN ends the scan immediately. The previous
// scan result is only replaced on success.
func (m *Module) Scan() error {
	for _, duration := range m.opts.ScanDurations {
		err := m.SendCommand(fmt.Sprintf("SKSCAN 2 FFFFFFFF %d 0", duration))
		if err != nil {
			return err
		}
		err = m.waitScanResponse(duration)
		if err == nil {
			m.logger.Info("Found smartmeter",
				"channel", m.scanResult.Channel,
				"panId", m.scanResult.PanID,
				"addr", m.scanResult.Addr,
			)
			return nil
		}
		m.logger.Warn("BP35A1::scan result not received", "duration", duration, "err", err)
		m.clock.Sleep(m.timeouts.ScanRetry)
	}
	return ErrNotFound
}

func (m *Module) waitScanResponse(duration int) error {
	mc := ScanMachine{}
	if err := m.await(&mc, time.Duration(duration)*m.timeouts.ScanUnit); err != nil {
		return err
	}
	m.ClearBuffer()
	if !mc.Found() {
		return ErrNotFound
	}
	m.SetScanResult(mc.Result)
	return nil
}

func (m *Module) ScanResult() ScanResult {
	return m.scanResult
}

// 保存済みのスキャン結果を使う
// 以前のスマートメーターのIPv6アドレスは忘れる
func (m *Module) SetScanResult(r ScanResult) {
	m.scanResult = r
	m.ipv6 = ""
}
