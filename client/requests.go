package client

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kzhdev/websocket-proxy/internal/wire"
)

// publishAndWait reserves a slot on the client-to-server ring, fills and
// publishes the request, then busy-waits on the same slot's status word for
// the broker's response, per spec.md invariant 5 (request and response
// share one slot).
func (c *Client) publishAndWait(ctx context.Context, msgType wire.MsgType, encodedSize int, fill func([]byte), timeout time.Duration) ([]byte, wire.Status, error) {
	total := wire.HeaderSize + encodedSize
	ticket, slot, err := c.csSeg.Ring.Reserve(total)
	if err != nil {
		return nil, wire.Pending, err
	}
	wire.PutHeader(slot, c.pid, msgType)
	fill(slot[wire.HeaderSize:])
	c.csSeg.Ring.Publish(ticket, total)
	c.lastPublish.Store(time.Now().UnixNano())

	status, err := c.awaitStatus(ctx, slot, timeout)
	if err != nil {
		return nil, status, err
	}
	return slot[wire.HeaderSize:], status, nil
}

// awaitStatus busy-waits with exponentially increasing backoff (capped at
// one millisecond) until the slot's status leaves PENDING, the context is
// cancelled, the broker is declared lost, or timeout elapses.
func (c *Client) awaitStatus(ctx context.Context, slot []byte, timeout time.Duration) (wire.Status, error) {
	deadline := time.Now().Add(timeout)
	delay := time.Microsecond
	const maxDelay = time.Millisecond
	for {
		if s := wire.LoadStatus(slot); s != wire.Pending {
			return s, nil
		}
		if err := ctx.Err(); err != nil {
			return wire.Pending, err
		}
		if c.brokerLost() {
			return wire.Pending, ErrBrokerLost
		}
		if time.Now().After(deadline) {
			return wire.Pending, context.DeadlineExceeded
		}
		time.Sleep(delay)
		if delay < maxDelay {
			delay *= 2
			if delay > maxDelay {
				delay = maxDelay
			}
		}
	}
}

func (c *Client) brokerLost() bool {
	last := c.lastServerHeartbeat.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) > c.cfg.HeartbeatTimeout
}

// register performs the handshake a freshly attached client must complete
// before any other request is accepted, per spec.md section 4.3.
func (c *Client) register(ctx context.Context) error {
	var req wire.RegisterBody
	req.SetName(c.cfg.Name)
	body, status, err := c.publishAndWait(ctx, wire.Register, wire.RegisterBodySize, func(dst []byte) {
		req.Encode(dst)
	}, c.cfg.RegisterTimeout)
	if err != nil {
		return fmt.Errorf("client: register: %w", err)
	}
	if status != wire.Success {
		return errors.New("client: register rejected by broker")
	}
	var resp wire.RegisterBody
	resp.Decode(body)
	c.brokerPID.Store(resp.ServerPID)
	c.lastServerHeartbeat.Store(time.Now().UnixNano())
	return nil
}

// Unregister tells the broker to detach this client from every connection
// it holds; the broker closes each connection left with no attached client.
// It does not stop the poller or release the ring attachments; call Close
// for that.
func (c *Client) Unregister(ctx context.Context) error {
	if c.brokerPID.Load() == 0 {
		return nil
	}
	_, _, err := c.publishAndWait(ctx, wire.Unregister, wire.UnregisterBodySize, func([]byte) {}, c.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("client: unregister: %w", err)
	}
	c.mu.Lock()
	c.tracked = map[uint64]struct{}{}
	c.mu.Unlock()
	return nil
}

// Open requests a WebSocket connection to url, deduplicated against any
// existing connection with the same (url, key). It returns the connection
// id to pass to CloseWs/Send/Subscribe/Unsubscribe, and whether the
// connection is new: true when the broker dialed a fresh socket or the
// connection was still connecting when this client attached, false when it
// was already open.
func (c *Client) Open(ctx context.Context, url, key string) (id uint64, newConnection bool, err error) {
	if err := c.ensureConnected(ctx); err != nil {
		return 0, false, err
	}
	var req wire.OpenWsBody
	req.SetURL(url)
	req.SetKey(key)
	body, status, err := c.publishAndWait(ctx, wire.OpenWs, wire.OpenWsBodySize, func(dst []byte) {
		req.Encode(dst)
	}, c.cfg.OpenTimeout)
	if err != nil {
		return 0, false, fmt.Errorf("client: open: %w", err)
	}
	var resp wire.OpenWsBody
	resp.Decode(body)
	if status != wire.Success {
		return 0, false, fmt.Errorf("client: open: %s", resp.GetError())
	}
	c.mu.Lock()
	c.tracked[resp.ID] = struct{}{}
	c.mu.Unlock()
	return resp.ID, resp.NewConnection == 1, nil
}

// CloseWs detaches this client from connection id. The broker closes the
// upstream socket once every attached client has detached.
func (c *Client) CloseWs(ctx context.Context, id uint64) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	req := wire.CloseWsBody{ID: id}
	_, _, err := c.publishAndWait(ctx, wire.CloseWs, wire.CloseWsBodySize, func(dst []byte) {
		req.Encode(dst)
	}, c.cfg.RequestTimeout)
	c.mu.Lock()
	delete(c.tracked, id)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("client: close: %w", err)
	}
	return nil
}

// Send forwards data to the upstream socket behind connection id.
func (c *Client) Send(ctx context.Context, id uint64, data []byte) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	req := wire.WsRequestBody{ID: id, Data: data}
	_, status, err := c.publishAndWait(ctx, wire.WsRequest, req.EncodedSize(), func(dst []byte) {
		req.Encode(dst)
	}, c.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("client: send: %w", err)
	}
	if status != wire.Success {
		return errors.New("client: send: broker rejected the frame")
	}
	return nil
}

// Subscribe asks the broker to ensure a subscription for symbol on
// connection id covers at least channelBits, forwarding requestBytes
// upstream only if a new or widened subscription is actually needed. It
// reports whether an existing subscription for symbol already covered all
// of channelBits, in which case nothing was forwarded.
func (c *Client) Subscribe(ctx context.Context, id uint64, symbol string, channelBits uint32, requestBytes []byte) (existing bool, err error) {
	if err := c.ensureConnected(ctx); err != nil {
		return false, err
	}
	var req wire.SubscribeBody
	req.ID = id
	req.SetSymbol(symbol)
	req.ChannelBits = channelBits
	req.RequestBytes = requestBytes
	body, status, err := c.publishAndWait(ctx, wire.Subscribe, req.EncodedSize(), func(dst []byte) {
		req.Encode(dst)
	}, c.cfg.RequestTimeout)
	if err != nil {
		return false, fmt.Errorf("client: subscribe: %w", err)
	}
	if status != wire.Success {
		return false, errors.New("client: subscribe: broker rejected the request")
	}
	var resp wire.SubscribeBody
	resp.Decode(body)
	return resp.Existing == 1, nil
}

// Unsubscribe removes this client from symbol's subscription set on
// connection id. It is idempotent: unsubscribing from an unknown
// connection or symbol succeeds without effect.
func (c *Client) Unsubscribe(ctx context.Context, id uint64, symbol string, requestBytes []byte) error {
	if err := c.ensureConnected(ctx); err != nil {
		return err
	}
	var req wire.UnsubscribeBody
	req.ID = id
	req.SetSymbol(symbol)
	req.RequestBytes = requestBytes
	_, status, err := c.publishAndWait(ctx, wire.Unsubscribe, req.EncodedSize(), func(dst []byte) {
		req.Encode(dst)
	}, c.cfg.RequestTimeout)
	if err != nil {
		return fmt.Errorf("client: unsubscribe: %w", err)
	}
	if status != wire.Success {
		return errors.New("client: unsubscribe: broker rejected the request")
	}
	return nil
}
