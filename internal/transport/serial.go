// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>

// Package transport opens the byte stream a BP35A1 is attached to. Read on
// every Port returns no data (0 bytes or io.EOF) instead of blocking when
// nothing has arrived, which is what skstack.LineReader polls for.
package transport

import (
	"fmt"
	"io"
	"time"

	"github.com/tarm/serial"
)

// Port is a BP35A1 connection.
type Port interface {
	io.Reader
	io.Writer
	io.Closer
}

// BP35A1の初期設定は115200bps 8N1
const DefaultBaud = 115200

// 受信データが無いときにReadが戻るまでの時間
const serialReadTimeout = 100 * time.Millisecond

// OpenSerial opens a serial device such as /dev/ttyUSB0.
func OpenSerial(name string, baud int) (Port, error) {
	if baud <= 0 {
		baud = DefaultBaud
	}
	config := &serial.Config{
		Name:        name,
		Baud:        baud,
		ReadTimeout: serialReadTimeout,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
	}
	stream, err := serial.OpenPort(config)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", name, err)
	}
	return stream, nil
}
