package broker

import (
	"time"

	"github.com/kzhdev/websocket-proxy/broker/upstream"
	"github.com/kzhdev/websocket-proxy/internal/wire"
)

// handleUpstreamEvent routes a callback hopped over from a driver goroutine
// onto the reactor. Every branch treats a missing connection record as a
// no-op: the callback arrived after the connection was already erased,
// which spec.md section 4.5 calls out explicitly ("the broker treats any
// out-of-order callback ... as a no-op").
func (b *Broker) handleUpstreamEvent(ev upstream.Event) {
	switch ev.Kind {
	case upstream.EventOpened:
		b.onOpened(ev.ID, ev.ClientPID)
	case upstream.EventError:
		b.onError(ev.ID, ev.Data)
	case upstream.EventData:
		b.onData(ev.ID, ev.Data, ev.Remaining)
	case upstream.EventClosed:
		b.onClosed(ev.ID)
	}
}

// completePendingOpen finishes the parked request for id with the given
// outcome, filling response fields before the single status-word flip that
// invariant 5 allows.
func (b *Broker) completePendingOpen(id uint64, fill func(resp *wire.OpenWsBody)) *pendingOpen {
	pend, ok := b.opens[id]
	if !ok {
		return nil
	}
	delete(b.opens, id)

	body := pend.frame[wire.HeaderSize:]
	var resp wire.OpenWsBody
	resp.Decode(body)
	resp.ID = id
	resp.ClientPID = pend.clientPID
	fill(&resp)
	resp.Encode(body)
	return pend
}

func (b *Broker) onOpened(id, clientPID uint64) {
	c, ok := b.reg.connsByID[id]
	if !ok {
		return
	}
	c.State = StateConnected
	b.stats.IncrementConnectionsOpened()
	b.metrics.ConnectionOpened(c.URL)

	if pend := b.completePendingOpen(id, func(resp *wire.OpenWsBody) {
		resp.NewConnection = 1
	}); pend != nil {
		b.succeedFrame(pend.frame)
		b.publishOpened(id, pend.clientPID, true)
		b.metrics.UpstreamOpenDuration(float64(time.Since(pend.startedAt).Milliseconds()))
	}

	// The sole attached client may have been evicted while the dial was
	// still in flight; the connection is unwanted the moment it opens.
	if len(c.Clients) == 0 {
		b.beginClose(c)
	}
}

func (b *Broker) onError(id uint64, msg []byte) {
	c, ok := b.reg.connsByID[id]
	if !ok {
		return
	}
	b.publishWsError(id, msg)

	if pend := b.completePendingOpen(id, func(resp *wire.OpenWsBody) {
		resp.SetError(string(msg))
	}); pend != nil {
		b.failFrame(pend.frame, string(msg))
		b.metrics.UpstreamOpenDuration(float64(time.Since(pend.startedAt).Milliseconds()))
	}

	if c.State != StateDisconnected {
		c.State = StateDisconnecting
	}
}

func (b *Broker) onData(id uint64, data []byte, remaining uint32) {
	c, ok := b.reg.connsByID[id]
	if !ok || c.State != StateConnected {
		return
	}
	b.publishWsData(id, data, remaining)
	b.stats.IncrementFramesFromUpstream()
	b.stats.AddBytesFromUpstream(uint64(len(data)))
	b.metrics.FrameFromUpstream(len(data))
}

func (b *Broker) onClosed(id uint64) {
	c, ok := b.reg.connsByID[id]
	if !ok {
		return
	}

	if pend := b.completePendingOpen(id, func(resp *wire.OpenWsBody) {
		resp.SetError("upstream connection failed")
	}); pend != nil {
		b.failFrame(pend.frame, "upstream connection failed")
		b.metrics.UpstreamOpenDuration(float64(time.Since(pend.startedAt).Milliseconds()))
	}

	wasTracked := c.State == StateConnected
	c.State = StateDisconnected
	b.publishClosed(id)
	b.reg.eraseConn(c)
	b.stats.IncrementConnectionsClosed()
	if wasTracked {
		b.metrics.ConnectionClosed(c.URL)
	}
}
