// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package skstack

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
)

// LineReader assembles CR/LF terminated lines from a byte stream whose Read
// returns no data (0 or io.EOF) when nothing has arrived yet, as tarm/serial
// does with a read timeout configured.
type LineReader struct {
	rd     io.Reader
	clock  Clock
	poll   time.Duration
	logger *slog.Logger
	peeked []byte // 先読みした1バイト
}

func NewLineReader(rd io.Reader, clock Clock, poll time.Duration, logger *slog.Logger) *LineReader {
	return &LineReader{rd: rd, clock: clock, poll: poll, logger: logger}
}

func (r *LineReader) readByte() (byte, bool) {
	if len(r.peeked) > 0 {
		c := r.peeked[0]
		r.peeked = r.peeked[:0]
		return c, true
	}
	var b [1]byte
	n, err := r.rd.Read(b[:])
	if n == 1 {
		return b[0], true
	}
	if err != nil && !errors.Is(err, io.EOF) { // 読み取りデータ不足以外
		r.logger.Debug("UART read", "err", err)
	}
	return 0, false
}

func (r *LineReader) peekByte() (byte, bool) {
	if len(r.peeked) > 0 {
		return r.peeked[0], true
	}
	c, ok := r.readByte()
	if ok {
		r.peeked = append(r.peeked, c)
	}
	return c, ok
}

// Available reports whether at least one byte can be read right now.
func (r *LineReader) Available() bool {
	_, ok := r.peekByte()
	return ok
}

// ReadLine returns the next non-empty line without its terminator and
// surrounding whitespace, or "" when timeout elapses first. Either CR, LF,
// CRLF or LFCR ends a line. A partial line is dropped on timeout.
func (r *LineReader) ReadLine(timeout time.Duration) string {
	deadline := r.clock.Now().Add(timeout)
	var line []byte
	for r.clock.Now().Before(deadline) {
		c, ok := r.readByte()
		if !ok {
			r.clock.Sleep(r.poll)
			continue
		}
		if c != '\r' && c != '\n' {
			line = append(line, c)
			continue
		}
		// 対になる改行文字を読み捨てる
		pair := byte('\n')
		if c == '\n' {
			pair = '\r'
		}
		if p, ok := r.peekByte(); ok && p == pair {
			r.readByte()
		}
		if s := strings.TrimSpace(string(line)); s != "" {
			return s
		}
		line = line[:0]
	}
	if len(line) > 0 {
		r.logger.Debug("ReadLine: partial line dropped", "line", string(line))
	}
	return ""
}

// Drain waits settle and then discards everything the module has sent.
func (r *LineReader) Drain(settle time.Duration) string {
	r.clock.Sleep(settle)
	var sb strings.Builder
	for {
		c, ok := r.readByte()
		if !ok {
			break
		}
		sb.WriteByte(c)
	}
	if sb.Len() > 0 {
		r.logger.Debug("clearBuffer", "discarded", sb.String())
	}
	return sb.String()
}
