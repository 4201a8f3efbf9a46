// BP35A1を使ってスマートメータから電力消費量などを得る
// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2025 Akihiro Yamamoto <github.com/ak1211>
package transport

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 受信したバイナリメッセージに応答を返すブリッジ
func newBridge(t *testing.T, reply func(data []byte) [][]byte) (string, chan string) {
	t.Helper()
	authorization := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authorization <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			// テキストメッセージは読み飛ばされる
			if err := conn.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
				return
			}
			for _, msg := range reply(data) {
				if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(server.Close)
	return "ws" + strings.TrimPrefix(server.URL, "http"), authorization
}

// 受信するまでReadを繰り返す
func readAll(t *testing.T, r io.Reader, n int) string {
	t.Helper()
	var sb strings.Builder
	buf := make([]byte, 4)
	deadline := time.Now().Add(5 * time.Second)
	for sb.Len() < n && time.Now().Before(deadline) {
		k, err := r.Read(buf)
		if k == 0 {
			assert.ErrorIs(t, err, io.EOF)
			time.Sleep(10 * time.Millisecond)
			continue
		}
		sb.Write(buf[:k])
	}
	return sb.String()
}

func TestWebSocketRoundTrip(t *testing.T) {
	url, authorization := newBridge(t, func(data []byte) [][]byte {
		if string(data) == "SKVER\r\n" {
			return [][]byte{[]byte("EVER 1.2"), []byte(".10\r\nOK\r\n")}
		}
		return nil
	})

	conn, err := OpenWebSocket(context.Background(), url, "user", "secret", false)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "Basic dXNlcjpzZWNyZXQ=", <-authorization)

	// 何も受信していなければブロックしない
	n, err := conn.Read(make([]byte, 8))
	assert.Equal(t, 0, n)
	assert.ErrorIs(t, err, io.EOF)

	_, err = io.WriteString(conn, "SKVER\r\n")
	require.NoError(t, err)
	want := "EVER 1.2.10\r\nOK\r\n"
	assert.Equal(t, want, readAll(t, conn, len(want)))
}

func TestWebSocketWithoutCredentials(t *testing.T) {
	url, authorization := newBridge(t, func([]byte) [][]byte { return nil })

	conn, err := OpenWebSocket(context.Background(), url, "", "", false)
	require.NoError(t, err)
	defer conn.Close()
	assert.Equal(t, "", <-authorization)
}

func TestWebSocketReadAfterClose(t *testing.T) {
	url, _ := newBridge(t, func([]byte) [][]byte { return nil })
	conn, err := OpenWebSocket(context.Background(), url, "", "", false)
	require.NoError(t, err)

	require.NoError(t, conn.Close())
	assert.Eventually(t, func() bool {
		_, err := conn.Read(make([]byte, 1))
		return errors.Is(err, ErrConnectionClosed)
	}, 5*time.Second, 10*time.Millisecond)
}

// 読まれずに溜まったメッセージがあってもCloseで受信ゴルーチンが終わる
func TestWebSocketCloseWithoutReading(t *testing.T) {
	url, _ := newBridge(t, func([]byte) [][]byte {
		flood := make([][]byte, 100)
		for i := range flood {
			flood[i] = []byte("EVENT 21\r\n")
		}
		return flood
	})
	conn, err := OpenWebSocket(context.Background(), url, "", "", false)
	require.NoError(t, err)

	_, err = io.WriteString(conn, "SKVER\r\n")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return len(conn.rx) == cap(conn.rx) }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, conn.Close())
	select {
	case <-conn.finished:
	case <-time.After(5 * time.Second):
		t.Fatal("receive goroutine did not stop")
	}
}

func TestOpenWebSocketRejectsScheme(t *testing.T) {
	_, err := OpenWebSocket(context.Background(), "http://localhost/serial", "", "", false)
	assert.ErrorContains(t, err, "unsupported URL scheme")
}
