// Package testutil provides fixtures shared by the broker and client test
// suites: an anonymous-memory ring harness and a scriptable fake upstream
// WebSocket server, so tests never depend on a real network endpoint.
package testutil

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/websocket"
)

// FakeUpstream is an httptest-backed WebSocket endpoint. Each accepted
// connection is handed to the test on Accepted, so the test can drive it
// directly (write frames downstream, read what the broker forwarded)
// without scripting canned responses up front.
type FakeUpstream struct {
	srv      *httptest.Server
	Accepted chan *websocket.Conn
}

// NewFakeUpstream starts the server and registers its shutdown with t.
func NewFakeUpstream(t *testing.T) *FakeUpstream {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fu := &FakeUpstream{Accepted: make(chan *websocket.Conn, 16)}
	fu.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fu.Accepted <- conn
	}))
	t.Cleanup(fu.Close)
	return fu
}

// URL returns the ws:// URL the broker's dialer should connect to.
func (f *FakeUpstream) URL() string {
	return "ws" + strings.TrimPrefix(f.srv.URL, "http")
}

// Close tears down the underlying HTTP test server.
func (f *FakeUpstream) Close() {
	f.srv.Close()
}

// RefuseUpstream returns a URL nothing is listening on, for exercising dial
// failure / circuit breaker paths.
func RefuseUpstream() string {
	return "ws://127.0.0.1:1"
}

// Drain discards messages read from conn in the background until it
// errors or closes. Tests that don't care what a connection receives still
// need something reading it so gorilla's default close handler can
// complete a broker-initiated close handshake instead of leaving it to
// hang on an abrupt TCP reset.
func Drain(conn *websocket.Conn) {
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
