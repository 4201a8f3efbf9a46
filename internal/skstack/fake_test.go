// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"
)

// Sleepで進む時計
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 4, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time        { return c.now }
func (c *fakeClock) Sleep(d time.Duration) { c.now = c.now.Add(d) }

type delivery struct {
	at   time.Time
	data []byte
}

// fakePort plays the BP35A1 side of the serial line. Bytes scheduled with
// respond become readable once the fake clock reaches their time, and Read
// returns io.EOF while nothing is readable, as tarm/serial does.
type fakePort struct {
	clock   *fakeClock
	pending []delivery
	buf     []byte
	written []string
	// 書き込まれたコマンドに応答する
	onWrite func(command string)
}

func newFakePort(clock *fakeClock) *fakePort {
	return &fakePort{clock: clock}
}

func (p *fakePort) Read(b []byte) (int, error) {
	for len(p.pending) > 0 && !p.clock.Now().Before(p.pending[0].at) {
		p.buf = append(p.buf, p.pending[0].data...)
		p.pending = p.pending[1:]
	}
	if len(p.buf) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.buf)
	p.buf = p.buf[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	command := strings.TrimSuffix(string(b), "\r\n")
	p.written = append(p.written, command)
	if p.onWrite != nil {
		p.onWrite(command)
	}
	return len(b), nil
}

// respond schedules lines to arrive after the given delay, in order.
func (p *fakePort) respond(after time.Duration, lines ...string) {
	at := p.clock.Now().Add(after)
	if n := len(p.pending); n > 0 && p.pending[n-1].at.After(at) {
		at = p.pending[n-1].at
	}
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteString("\r\n")
	}
	p.pending = append(p.pending, delivery{at: at, data: []byte(sb.String())})
}

// 書き込まれたコマンドのうちprefixで始まるもの
func (p *fakePort) commands(prefix string) []string {
	var found []string
	for _, c := range p.written {
		if strings.HasPrefix(c, prefix) {
			found = append(found, c)
		}
	}
	return found
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestModule(t *testing.T) (*Module, *fakePort, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	port := newFakePort(clock)
	m := New(port, Options{Clock: clock, Logger: discardLogger()})
	return m, port, clock
}

const (
	testMac  = "001D129012345678"
	testIpv6 = "FE80:0000:0000:0000:021D:1290:1234:5678"
)
