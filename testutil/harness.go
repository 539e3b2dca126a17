package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kzhdev/websocket-proxy/broker"
	"github.com/kzhdev/websocket-proxy/config"
	"github.com/kzhdev/websocket-proxy/internal/shmring"
	"github.com/kzhdev/websocket-proxy/internal/wire"
)

// testRingSlotCount is small enough to exercise overflow/wrap behavior
// quickly in tests that want it, but generous enough that well-behaved
// request/response tests never see a spurious wrap.
const testRingSlotCount = 64

// BrokerHarness runs a real broker.Broker against a pair of anonymous-memory
// ring segments, so tests can drive the wire protocol directly without a
// real shared-memory name or a second process.
type BrokerHarness struct {
	t  *testing.T
	cs *shmring.Segment
	sc *shmring.Segment

	scCursor uint64
	done     chan struct{}
}

// NewBrokerHarness starts a broker on anonymous rings using cfg, or
// config.Default() with metrics disabled if cfg is nil. The broker and its
// segments are torn down automatically via t.Cleanup.
func NewBrokerHarness(t *testing.T, cfg *config.Config) *BrokerHarness {
	t.Helper()
	if cfg == nil {
		cfg = config.Default()
		cfg.Metrics.Enabled = false
	}

	cs, err := shmring.NewAnonymousSegment(cfg.Rings.SlotSize, testRingSlotCount)
	require.NoError(t, err)
	sc, err := shmring.NewAnonymousSegment(cfg.Rings.SlotSize, testRingSlotCount)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	b := broker.New(cfg, cs, sc, logger)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		b.Run(ctx)
	}()

	h := &BrokerHarness{t: t, cs: cs, sc: sc, scCursor: sc.Ring.InitialReadingIndex(), done: done}
	t.Cleanup(func() {
		cancel()
		<-done
		cs.Close()
		sc.Close()
	})
	return h
}

// Publish reserves encodedSize bytes on the C->S ring, lets fill populate
// the body after the header, and publishes the frame. It returns the slot
// so the caller can await its status.
func (h *BrokerHarness) Publish(originatorPID uint64, msgType wire.MsgType, encodedSize int, fill func(body []byte)) []byte {
	h.t.Helper()
	total := wire.HeaderSize + encodedSize
	ticket, slot, err := h.cs.Ring.Reserve(total)
	require.NoError(h.t, err)
	wire.PutHeader(slot, originatorPID, msgType)
	if fill != nil {
		fill(slot[wire.HeaderSize:])
	}
	h.cs.Ring.Publish(ticket, total)
	return slot
}

// AwaitStatus busy-waits on slot's status word until it leaves Pending or
// timeout elapses, failing the test on timeout.
func (h *BrokerHarness) AwaitStatus(slot []byte, timeout time.Duration) wire.Status {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s := wire.LoadStatus(slot); s != wire.Pending {
			return s
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatal("timed out waiting for status to leave Pending")
	return wire.Pending
}

// Request publishes a request and waits for its status, returning the body
// bytes (still addressable within the slot, valid until the next wrap over
// that slot index) alongside the final status.
func (h *BrokerHarness) Request(originatorPID uint64, msgType wire.MsgType, encodedSize int, fill func(body []byte), timeout time.Duration) ([]byte, wire.Status) {
	slot := h.Publish(originatorPID, msgType, encodedSize, fill)
	status := h.AwaitStatus(slot, timeout)
	return slot[wire.HeaderSize:], status
}

// ReadServerFrame waits for and returns the next S->C frame visible to this
// harness's cursor, failing the test if none arrives within timeout.
func (h *BrokerHarness) ReadServerFrame(timeout time.Duration) []byte {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, next, ok := h.sc.Ring.Read(h.scCursor)
		h.scCursor = next
		if ok {
			return data
		}
		time.Sleep(time.Millisecond)
	}
	h.t.Fatal("timed out waiting for a server frame")
	return nil
}

// TryReadServerFrame returns the next S->C frame if one is already
// available, without blocking or failing the test.
func (h *BrokerHarness) TryReadServerFrame() (data []byte, ok bool) {
	data, next, ok := h.sc.Ring.Read(h.scCursor)
	h.scCursor = next
	return data, ok
}

// ReadServerFrameSkipHeartbeats is ReadServerFrame but discards any
// interleaved Heartbeat frames first. Tests asserting on a specific event
// frame use this instead of ReadServerFrame whenever the broker's
// heartbeat ticker could plausibly fire during the test.
func (h *BrokerHarness) ReadServerFrameSkipHeartbeats(timeout time.Duration) []byte {
	h.t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		data, next, ok := h.sc.Ring.Read(h.scCursor)
		h.scCursor = next
		if !ok {
			time.Sleep(time.Millisecond)
			continue
		}
		if wire.Type(data) == wire.Heartbeat {
			continue
		}
		return data
	}
	h.t.Fatal("timed out waiting for a non-heartbeat server frame")
	return nil
}
