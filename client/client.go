// Package client is the library linked into each client process. It
// publishes requests onto the client-to-server ring, busy-waits on each
// request's status word for the matching response, and runs a poller
// goroutine that services the server-to-client ring and dispatches to
// application callbacks — the two threads spec.md section 5 describes.
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kzhdev/websocket-proxy/internal/shmring"
)

// ringNames derives the two ring segment names from a prefix, so multiple
// broker identities can coexist on one host (spec.md section 6). cmd/broker
// derives the matching owner-word name from the same prefix independently.
func ringNames(prefix string) (clientToServer, serverToClient string) {
	return prefix + "_client_server", prefix + "_server_client"
}

// Callbacks is the application-facing event surface spec.md section 2
// describes for the client library.
type Callbacks struct {
	OnOpened func(id uint64)
	OnClosed func(id uint64)
	OnError  func(id uint64, message string)
	OnData   func(id uint64, payload []byte, remaining uint32)
}

// Config controls timeouts, the broker's identity prefix, and how to spawn
// it if it isn't already running.
type Config struct {
	Prefix              string
	Name                string // this client's display name, capped to wire.MaxClientName
	BrokerExecutable    string // path the embedder supplies to spawn the broker
	BrokerConfigPath    string
	RegisterTimeout     time.Duration
	RequestTimeout      time.Duration
	OpenTimeout         time.Duration
	HeartbeatInterval   time.Duration
	HeartbeatTimeout    time.Duration
	SpawnWaitTimeout    time.Duration
}

// DefaultConfig returns the timeouts from spec.md sections 4.6 and 6.
func DefaultConfig(prefix, name string) Config {
	return Config{
		Prefix:            prefix,
		Name:              name,
		RegisterTimeout:   20 * time.Second,
		RequestTimeout:    10 * time.Second,
		OpenTimeout:       30 * time.Second,
		HeartbeatInterval: 500 * time.Millisecond,
		HeartbeatTimeout:  15 * time.Second,
		SpawnWaitTimeout:  10 * time.Second,
	}
}

// ErrBrokerLost is returned by any in-flight operation once the client has
// declared the broker lost on a heartbeat timeout.
var ErrBrokerLost = errors.New("client: broker heartbeat timed out")

// Client is safe for concurrent Open/Close/Send/Subscribe/Unsubscribe calls
// from multiple application goroutines; the ring is MPSC-safe for
// publishers, and tracked-id bookkeeping and the first ring attach are
// guarded by mu.
type Client struct {
	cfg    Config
	logger *slog.Logger
	pid    uint64

	csSeg *shmring.Segment
	scSeg *shmring.Segment

	scCursor  uint64
	brokerPID atomic.Uint64
	lastServerHeartbeat atomic.Int64 // unix nanos
	lastPublish         atomic.Int64

	mu      sync.Mutex
	tracked map[uint64]struct{}

	callbacks Callbacks
	stopPoll  chan struct{}
	pollDone  chan struct{}
}

// New constructs a Client. It does not contact the broker until the first
// call that requires registration.
func New(cfg Config, callbacks Callbacks, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		logger:    logger.With("component", "ws-proxy-client"),
		pid:       uint64(os.Getpid()),
		tracked:   map[uint64]struct{}{},
		callbacks: callbacks,
	}
}

// ensureConnected spawns the broker if needed, attaches to both rings, and
// performs the registration handshake if this client hasn't registered
// (or the broker was previously declared lost).
func (c *Client) ensureConnected(ctx context.Context) error {
	if c.brokerPID.Load() != 0 {
		return nil
	}
	c.mu.Lock()
	if c.csSeg == nil {
		if err := c.attachRings(ctx); err != nil {
			c.mu.Unlock()
			return err
		}
		c.scCursor = c.scSeg.Ring.InitialReadingIndex()
		c.stopPoll = make(chan struct{})
		c.pollDone = make(chan struct{})
		go c.poll()
	}
	c.mu.Unlock()
	return c.register(ctx)
}

func (c *Client) attachRings(ctx context.Context) error {
	csName, scName := ringNames(c.cfg.Prefix)
	if !shmring.SegmentExists(csName) || !shmring.SegmentExists(scName) {
		if err := spawnBroker(ctx, c.cfg); err != nil {
			return fmt.Errorf("client: spawn broker: %w", err)
		}
		if err := waitForSegments(ctx, csName, scName, c.cfg.SpawnWaitTimeout); err != nil {
			return err
		}
	}

	csSeg, err := shmring.OpenSegment(csName, 0, 0)
	if err != nil {
		return fmt.Errorf("client: attach client-to-server ring: %w", err)
	}
	scSeg, err := shmring.OpenSegment(scName, 0, 0)
	if err != nil {
		csSeg.Close()
		return fmt.Errorf("client: attach server-to-client ring: %w", err)
	}
	c.csSeg, c.scSeg = csSeg, scSeg
	return nil
}

// Close releases the client's ring attachments and stops the poller. It
// does not unregister from the broker; an embedder that wants a clean
// Unregister should call Unregister itself before Close.
func (c *Client) Close() error {
	if c.stopPoll != nil {
		close(c.stopPoll)
		<-c.pollDone
	}
	if c.csSeg != nil {
		c.csSeg.Close()
	}
	if c.scSeg != nil {
		c.scSeg.Close()
	}
	return nil
}
