// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package transport

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var ErrConnectionClosed = errors.New("websocket connection closed")

// WebSocketConn carries the UART of a BP35A1 behind a serial to WebSocket
// bridge (ser2net, esp-link and the like) in binary messages. A goroutine
// receives messages so that Read never blocks.
type WebSocketConn struct {
	conn *websocket.Conn
	rx   chan []byte
	buf  []byte
	// Closeで閉じる
	done      chan struct{}
	closeOnce sync.Once
	// 受信ゴルーチンの終了で閉じる
	finished chan struct{}

	mu  sync.Mutex
	err error
}

func newWebSocketConn(conn *websocket.Conn) *WebSocketConn {
	w := &WebSocketConn{
		conn:     conn,
		rx:       make(chan []byte, 64),
		done:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	go w.receive()
	return w
}

func (w *WebSocketConn) receive() {
	defer close(w.finished)
	defer close(w.rx)
	for {
		messageType, data, err := w.conn.ReadMessage()
		if err != nil {
			w.mu.Lock()
			w.err = err
			w.mu.Unlock()
			return
		}
		// バイナリメッセージのみ扱う
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case w.rx <- data:
		case <-w.done:
			w.mu.Lock()
			w.err = io.ErrClosedPipe
			w.mu.Unlock()
			return
		}
	}
}

// Read returns buffered bytes, or 0 and io.EOF when nothing has arrived.
// After the connection fails it returns ErrConnectionClosed.
func (w *WebSocketConn) Read(p []byte) (int, error) {
	if len(w.buf) == 0 {
		select {
		case data, ok := <-w.rx:
			if !ok {
				w.mu.Lock()
				defer w.mu.Unlock()
				return 0, fmt.Errorf("%w: %v", ErrConnectionClosed, w.err)
			}
			w.buf = data
		default:
			return 0, io.EOF
		}
	}
	n := copy(p, w.buf)
	w.buf = w.buf[n:]
	return n, nil
}

func (w *WebSocketConn) Write(p []byte) (int, error) {
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close also stops the receiving goroutine, even when nobody reads.
func (w *WebSocketConn) Close() error {
	w.closeOnce.Do(func() { close(w.done) })
	return w.conn.Close()
}

// OpenWebSocket connects to a ws:// or wss:// bridge, with HTTP Basic auth
// when username is given.
func OpenWebSocket(ctx context.Context, wsURL, username, password string, skipSSLVerify bool) (*WebSocketConn, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	default:
		return nil, fmt.Errorf("unsupported URL scheme: %s (use ws:// or wss://)", u.Scheme)
	}

	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
	}
	if u.Scheme == "wss" {
		dialer.TLSClientConfig = &tls.Config{
			InsecureSkipVerify: skipSSLVerify,
		}
	}

	headers := http.Header{}
	if username != "" {
		credentials := base64.StdEncoding.EncodeToString([]byte(username + ":" + password))
		headers.Set("Authorization", "Basic "+credentials)
	}

	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	conn, resp, err := dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("WebSocket connection failed (HTTP %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("WebSocket connection failed: %w", err)
	}
	return newWebSocketConn(conn), nil
}
