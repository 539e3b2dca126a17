// Package broker implements the single long-lived process that multiplexes
// outbound WebSocket connections on behalf of many client processes,
// reachable only through the two shared-memory rings and the owner word.
package broker

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/kzhdev/websocket-proxy/broker/telemetry"
	"github.com/kzhdev/websocket-proxy/broker/upstream"
	"github.com/kzhdev/websocket-proxy/config"
	"github.com/kzhdev/websocket-proxy/internal/shmring"
	"github.com/kzhdev/websocket-proxy/internal/wire"
)

// pollIdleDelay is how long the reactor sleeps between C->S polls when the
// prior iteration found no work; it keeps the loop from pinning a core at
// 100% while still reacting within a millisecond of the next publish.
const pollIdleDelay = 200 * time.Microsecond

// pendingOpen is the state-machine-per-pending-open spec.md section 9
// recommends for runtimes without stackful coroutines: it parks the async
// open's originating client and the in-queue frame slot it must complete.
type pendingOpen struct {
	clientPID uint64
	frame     []byte
	startedAt time.Time
}

// Broker owns both ring segments, the registries, and the upstream driver.
// Every method below runs on the single goroutine started by Run; none of
// it is safe to call concurrently from elsewhere, matching spec.md section 5.
type Broker struct {
	cfg    *config.Config
	logger *slog.Logger
	stats  *Stats
	metrics *telemetry.Metrics

	csRing *shmring.Ring
	scRing *shmring.Ring
	csSeg  *shmring.Segment
	scSeg  *shmring.Segment

	csCursor uint64
	scLastPublish time.Time

	reg      *registry
	connIDs  *wire.ConnIDGenerator
	opens    map[uint64]*pendingOpen // connection id -> parked async opener

	driver *upstream.Driver
	events chan upstream.Event

	pid    uint64
	bootID uuid.UUID
}

// New constructs a Broker bound to the given ring segments. The caller
// retains ownership of csSeg/scSeg and must Close them after Run returns.
func New(cfg *config.Config, csSeg, scSeg *shmring.Segment, logger *slog.Logger) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "broker")

	events := make(chan upstream.Event, 256)
	pid := uint64(os.Getpid())

	b := &Broker{
		cfg:     cfg,
		logger:  logger,
		stats:   NewStats(),
		csRing:  csSeg.Ring,
		scRing:  scSeg.Ring,
		csSeg:   csSeg,
		scSeg:   scSeg,
		reg:     newRegistry(),
		connIDs: wire.NewConnIDGenerator(pid),
		opens:   map[uint64]*pendingOpen{},
		driver:  upstream.New(cfg.Upstream, events),
		events:  events,
		pid:     pid,
		bootID:  uuid.New(),
	}
	if cfg.Metrics.Enabled {
		m, err := telemetry.New(cfg.Metrics.ServiceName)
		if err != nil {
			logger.Warn("metrics disabled: failed to initialize instruments", "error", err)
		} else {
			b.metrics = m
		}
	}
	b.csCursor = b.csRing.InitialReadingIndex()
	logger.Info("broker ready", "pid", pid, "boot_id", b.bootID)
	return b
}

// Run drives the reactor until ctx is cancelled or the clients map has been
// empty for the configured shutdown grace window, then runs shutdown, which
// drains upstream close events for 5 seconds before Run returns.
func (b *Broker) Run(ctx context.Context) error {
	ticker := time.NewTicker(b.cfg.Timing.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return b.shutdown()
		case ev := <-b.events:
			b.handleUpstreamEvent(ev)
			b.drainPoll()
		case <-ticker.C:
			b.heartbeatTick()
			if b.shutdownTimerElapsed() {
				return b.shutdown()
			}
		default:
			if !b.pollOnce() {
				time.Sleep(pollIdleDelay)
			}
		}
	}
}

// drainPoll opportunistically drains any C->S backlog after handling an
// upstream event, so a burst of socket activity doesn't starve client
// requests that arrived in the meantime.
func (b *Broker) drainPoll() {
	for b.pollOnce() {
	}
}

// pollOnce performs one non-blocking read of C->S and dispatches it if
// present, returning whether a message was processed.
func (b *Broker) pollOnce() bool {
	data, next, ok := b.csRing.Read(b.csCursor)
	b.csCursor = next
	if !ok {
		return false
	}
	b.dispatch(data)
	return true
}

// heartbeatTick emits a Heartbeat on S->C if nothing else has been
// published recently, and evicts clients whose heartbeat has gone stale,
// per spec.md section 4.3.
func (b *Broker) heartbeatTick() {
	if time.Since(b.scLastPublish) >= b.cfg.Timing.HeartbeatInterval {
		b.publishHeartbeat()
	}
	deadline := time.Now().Add(-b.cfg.Timing.ClientHeartbeatTTL)
	for pid, c := range b.reg.clients {
		if c.LastHeartbeat.Before(deadline) {
			b.logger.Info("evicting stale client", "pid", pid)
			b.evictClient(pid)
			b.stats.IncrementClientsEvicted()
			b.metrics.ClientRemoved(true)
		}
	}
}

// shutdownTimerElapsed reports whether the clients map has been empty for
// at least the configured grace window, per spec.md section 4.3 step 3.
func (b *Broker) shutdownTimerElapsed() bool {
	if b.reg.shutdownTime.IsZero() || len(b.reg.clients) != 0 {
		return false
	}
	if time.Since(b.reg.shutdownTime) >= b.cfg.Timing.ShutdownGraceWindow {
		b.logger.Info("shutdown grace window elapsed with no clients; exiting")
		return true
	}
	return false
}

// shutdown closes open or connecting upstream connections and handles
// upstream events for 5 seconds. It is called once, from Run, after ctx is
// cancelled or the shutdown grace window elapses. The ring segments are left
// to the caller, as New describes.
func (b *Broker) shutdown() error {
	b.logger.Info("broker shutting down")
	deadline := time.Now().Add(5 * time.Second)
	for id, c := range b.reg.connsByID {
		if c.State == StateConnected || c.State == StateConnecting {
			b.driver.Close(id)
		}
	}
	for time.Now().Before(deadline) {
		select {
		case ev := <-b.events:
			b.handleUpstreamEvent(ev)
		default:
			time.Sleep(10 * time.Millisecond)
		}
	}
	return nil
}
