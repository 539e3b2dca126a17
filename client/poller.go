package client

import (
	"time"

	"github.com/kzhdev/websocket-proxy/internal/wire"
)

// pollIdleDelay mirrors the broker's own idle backoff so neither side spins
// a core waiting on the other.
const pollIdleDelay = 200 * time.Microsecond

// poll runs on its own goroutine for the lifetime of the Client, servicing
// the server-to-client ring and detecting broker loss, per spec.md
// section 4.6's two-goroutine design.
func (c *Client) poll() {
	defer close(c.pollDone)
	for {
		select {
		case <-c.stopPoll:
			return
		default:
		}

		progressed := false
		for {
			data, next, ok := c.scSeg.Ring.Read(c.scCursor)
			c.scCursor = next
			if !ok {
				break
			}
			progressed = true
			c.handleServerFrame(data)
		}

		if c.brokerLost() {
			c.declareBrokerLost()
		}

		if !progressed {
			select {
			case <-c.stopPoll:
				return
			case <-time.After(pollIdleDelay):
			}
		}
	}
}

// handleServerFrame dispatches one S->C frame. Frames stamped with a pid
// other than the broker this client last registered with are a leftover
// from a broker that has since restarted under the same ring names, and
// are dropped rather than misattributed (spec.md section 4.6).
func (c *Client) handleServerFrame(frame []byte) {
	if wire.OriginatorPID(frame) != c.brokerPID.Load() {
		return
	}
	c.lastServerHeartbeat.Store(time.Now().UnixNano())

	body := frame[wire.HeaderSize:]
	switch wire.Type(frame) {
	case wire.Heartbeat:
		// liveness only; already recorded above.
	case wire.OpenWs:
		var ev wire.OpenWsBody
		if ev.Decode(body) != nil || ev.ClientPID != c.pid {
			return
		}
		c.mu.Lock()
		c.tracked[ev.ID] = struct{}{}
		c.mu.Unlock()
		if c.callbacks.OnOpened != nil {
			c.callbacks.OnOpened(ev.ID)
		}
	case wire.CloseWs:
		var ev wire.CloseWsBody
		if ev.Decode(body) != nil {
			return
		}
		c.mu.Lock()
		_, tracked := c.tracked[ev.ID]
		delete(c.tracked, ev.ID)
		c.mu.Unlock()
		if tracked && c.callbacks.OnClosed != nil {
			c.callbacks.OnClosed(ev.ID)
		}
	case wire.WsError:
		var ev wire.WsErrorBody
		if ev.Decode(body) != nil {
			return
		}
		c.mu.Lock()
		_, tracked := c.tracked[ev.ID]
		c.mu.Unlock()
		if tracked && c.callbacks.OnError != nil {
			c.callbacks.OnError(ev.ID, string(ev.Message))
		}
	case wire.WsData:
		var ev wire.WsDataBody
		if ev.Decode(body) != nil {
			return
		}
		c.mu.Lock()
		_, tracked := c.tracked[ev.ID]
		c.mu.Unlock()
		if tracked && c.callbacks.OnData != nil {
			c.callbacks.OnData(ev.ID, ev.Payload, ev.Remaining)
		}
	}
}

// declareBrokerLost synthesizes an onClosed for every tracked connection
// and clears broker identity so the next operation re-registers (and, if
// the broker process is truly gone, re-spawns it), per spec.md section 6.
func (c *Client) declareBrokerLost() {
	c.mu.Lock()
	ids := make([]uint64, 0, len(c.tracked))
	for id := range c.tracked {
		ids = append(ids, id)
	}
	c.tracked = map[uint64]struct{}{}
	c.mu.Unlock()

	c.logger.Warn("broker heartbeat timed out; declaring all connections closed")
	c.brokerPID.Store(0)
	c.lastServerHeartbeat.Store(0)
	if c.callbacks.OnClosed != nil {
		for _, id := range ids {
			c.callbacks.OnClosed(id)
		}
	}
}
