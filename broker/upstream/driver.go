// Package upstream wraps the outbound TLS WebSocket connection to an
// external streaming endpoint and bridges its callbacks back onto the
// broker's single reactor goroutine via a channel, per spec.md section 4.5.
package upstream

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sony/gobreaker"

	"github.com/kzhdev/websocket-proxy/config"
)

// EventKind tags an Event delivered on the driver's channel.
type EventKind int

const (
	EventOpened EventKind = iota
	EventClosed
	EventError
	EventData
)

// Event is one callback from spec.md section 4.5, reified as a value so it
// can cross from a per-connection goroutine to the broker's reactor over a
// channel instead of calling back directly.
type Event struct {
	Kind      EventKind
	ID        uint64
	ClientPID uint64 // EventOpened only
	Data      []byte // EventError (message) / EventData (payload)
	Remaining uint32 // EventData only
}

// ErrBreakerOpen names the tripped-breaker condition. Open does not return
// or send this value: when the circuit breaker for a (url, key) pair is
// tripped it sends an EventError whose text reads
// "upstream circuit breaker open for <url>".
var ErrBreakerOpen = errors.New("upstream: circuit breaker open")

type liveConn struct {
	ws   *websocket.Conn
	once sync.Once
}

// Driver owns the outbound Dialer, one breaker per (url,key), and the set of
// currently-open connections addressable by id for Send/Close.
type Driver struct {
	cfg    config.UpstreamConfig
	events chan Event
	dialer *websocket.Dialer

	mu       sync.Mutex // guards breakers/conns: driver goroutines write, reactor reads
	breakers map[string]*gobreaker.CircuitBreaker
	conns    map[uint64]*liveConn
}

// New constructs a driver that delivers callbacks on events. events should
// be read only by the broker's reactor goroutine.
func New(cfg config.UpstreamConfig, events chan Event) *Driver {
	return &Driver{
		cfg: cfg,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.ConnectTimeout,
			TLSClientConfig:  &tls.Config{},
		},
		events:   events,
		breakers: map[string]*gobreaker.CircuitBreaker{},
		conns:    map[uint64]*liveConn{},
	}
}

func (d *Driver) breakerFor(url, key string) *gobreaker.CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	name := url + "|" + key
	b, ok := d.breakers[name]
	if !ok {
		b = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Timeout:     d.cfg.BreakerResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= d.cfg.MaxConsecutiveFailures
			},
		})
		d.breakers[name] = b
	}
	return b
}

// Open dials url asynchronously and reports EventOpened/EventError+EventClosed
// on the events channel, exactly as spec.md section 4.5 describes. id is the
// connection id already allocated by the broker.
func (d *Driver) Open(id uint64, url, key string, clientPID uint64) {
	breaker := d.breakerFor(url, key)
	go func() {
		conn, err := breaker.Execute(func() (interface{}, error) {
			return d.dial(url)
		})
		if err != nil {
			msg := err.Error()
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				msg = fmt.Sprintf("upstream circuit breaker open for %s", url)
			}
			d.events <- Event{Kind: EventError, ID: id, Data: []byte(msg)}
			d.events <- Event{Kind: EventClosed, ID: id}
			return
		}

		ws := conn.(*websocket.Conn)
		d.mu.Lock()
		d.conns[id] = &liveConn{ws: ws}
		d.mu.Unlock()

		d.events <- Event{Kind: EventOpened, ID: id, ClientPID: clientPID}
		d.pump(id, ws)
	}()
}

// dial performs the connect with one resolve retry, recovered from
// original_source/'s websocket.h base class: a single DNS hiccup on the
// subscriber's machine is common enough to be worth retrying once before
// surfacing failure, while the overall attempt still respects
// ConnectTimeout.
func (d *Driver) dial(url string) (*websocket.Conn, error) {
	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.ConnectTimeout)
	defer cancel()

	ws, _, err := d.dialer.DialContext(ctx, url, http.Header{})
	if err != nil && isResolveError(err) {
		select {
		case <-time.After(d.cfg.ResolveRetryBackoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		ws, _, err = d.dialer.DialContext(ctx, url, http.Header{})
	}
	if err != nil {
		return nil, fmt.Errorf("upstream: dial %s: %w", url, err)
	}
	return ws, nil
}

// isResolveError treats any temporary dial error as resolve-class for the
// purpose of the single retry, matching the original's coarse-grained
// classification (it does not distinguish DNS failure from a slow first
// TCP handshake attempt).
func isResolveError(err error) bool {
	type temporary interface{ Temporary() bool }
	if t, ok := err.(temporary); ok {
		return t.Temporary()
	}
	return false
}

// pump reads frames off ws until it errors or closes, translating each into
// EventData/EventError/EventClosed. remaining is always 0: the upstream
// WebSocket library already frames whole messages, so no fragment
// continuation is ever pending; the field exists for symmetry with the
// trickle-read path spec.md describes for black-box libraries that don't.
func (d *Driver) pump(id uint64, ws *websocket.Conn) {
	defer func() {
		d.mu.Lock()
		delete(d.conns, id)
		d.mu.Unlock()
		ws.Close()
		d.events <- Event{Kind: EventClosed, ID: id}
	}()
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				d.events <- Event{Kind: EventError, ID: id, Data: []byte(err.Error())}
			}
			return
		}
		d.events <- Event{Kind: EventData, ID: id, Data: data, Remaining: 0}
	}
}

// Send writes data to the upstream connection for id as a single binary
// message. ok is false if id has no live connection (caller emits WsError).
func (d *Driver) Send(id uint64, data []byte) bool {
	d.mu.Lock()
	lc, ok := d.conns[id]
	d.mu.Unlock()
	if !ok {
		return false
	}
	return lc.ws.WriteMessage(websocket.BinaryMessage, data) == nil
}

// Close initiates a graceful close of the upstream connection for id. The
// actual EventClosed arrives asynchronously once pump's read loop observes
// the close, erasing indices at that well-defined point per spec.md 4.3.
func (d *Driver) Close(id uint64) {
	d.mu.Lock()
	lc, ok := d.conns[id]
	d.mu.Unlock()
	if !ok {
		return
	}
	lc.once.Do(func() {
		deadline := time.Now().Add(5 * time.Second)
		_ = lc.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	})
}
