package broker

import (
	"time"

	"github.com/kzhdev/websocket-proxy/internal/wire"
)

// dispatch decodes a C->S frame's header and routes it to the matching
// handler. Every handler's last action on a success path is exactly one
// status-word write, per spec.md invariant 5.
func (b *Broker) dispatch(frame []byte) {
	pid := wire.OriginatorPID(frame)
	msgType := wire.Type(frame)
	body := frame[wire.HeaderSize:]

	switch msgType {
	case wire.Register:
		b.handleRegister(frame, pid, body)
	case wire.Unregister:
		b.handleUnregister(frame, pid)
	case wire.Heartbeat:
		b.handleHeartbeat(frame, pid)
	case wire.OpenWs:
		b.handleOpenWs(frame, pid, body)
	case wire.CloseWs:
		b.handleCloseWs(frame, pid, body)
	case wire.WsRequest:
		b.handleWsRequest(frame, pid, body)
	case wire.Subscribe:
		b.handleSubscribe(frame, pid, body)
	case wire.Unsubscribe:
		b.handleUnsubscribe(frame, pid, body)
	default:
		b.logger.Warn("dropping frame with unexpected type on client-to-server ring", "type", msgType)
	}
}

func (b *Broker) failFrame(frame []byte, reason string) {
	wire.StoreStatus(frame, wire.Failed)
	b.stats.IncrementRequestsFailed()
	b.logger.Debug("request failed", "reason", reason)
}

func (b *Broker) succeedFrame(frame []byte) {
	wire.StoreStatus(frame, wire.Success)
}

func (b *Broker) requireRegistered(pid uint64) bool {
	_, ok := b.reg.clients[pid]
	return ok
}

func (b *Broker) handleRegister(frame []byte, pid uint64, rawBody []byte) {
	var req wire.RegisterBody
	if err := req.Decode(rawBody); err != nil {
		b.failFrame(frame, err.Error())
		return
	}
	name := req.GetName()

	rec, exists := b.reg.clients[pid]
	if !exists {
		rec = &ClientRecord{PID: pid, Name: name}
		b.reg.clients[pid] = rec
		b.stats.IncrementClientsRegistered()
		b.metrics.ClientRegistered()
	} else {
		rec.Name = name
	}
	rec.LastHeartbeat = time.Now()
	b.reg.shutdownTime = time.Time{}

	req.ServerPID = b.pid
	req.Encode(rawBody)
	b.succeedFrame(frame)
	b.logger.Debug("client registered", "pid", pid, "name", name)
}

func (b *Broker) handleUnregister(frame []byte, pid uint64) {
	for _, c := range b.reg.connsByID {
		if _, attached := c.Clients[pid]; !attached {
			continue
		}
		delete(c.Clients, pid)
		if len(c.Clients) == 0 {
			b.beginClose(c)
		}
	}
	if _, existed := b.reg.clients[pid]; existed {
		delete(b.reg.clients, pid)
		b.metrics.ClientRemoved(false)
	}
	if len(b.reg.clients) == 0 {
		b.reg.shutdownTime = time.Now()
	}
	b.succeedFrame(frame)
}

func (b *Broker) handleHeartbeat(frame []byte, pid uint64) {
	if rec, ok := b.reg.clients[pid]; ok {
		rec.LastHeartbeat = time.Now()
	}
	b.succeedFrame(frame)
}

func (b *Broker) handleOpenWs(frame []byte, pid uint64, rawBody []byte) {
	if !b.requireRegistered(pid) {
		var resp wire.OpenWsBody
		resp.Decode(rawBody)
		resp.SetError("client not registered")
		resp.Encode(rawBody)
		b.failFrame(frame, "client not registered")
		return
	}
	var req wire.OpenWsBody
	if err := req.Decode(rawBody); err != nil {
		b.failFrame(frame, err.Error())
		return
	}
	url, key := req.GetURL(), req.GetKey()

	if c := b.reg.findConnByKey(url, key); c != nil && (c.State == StateConnecting || c.State == StateConnected) {
		c.Clients[pid] = struct{}{}
		resp := wire.OpenWsBody{ID: c.ID, ClientPID: pid}
		newConnection := c.State == StateConnecting
		if newConnection {
			resp.NewConnection = 1
		}
		resp.Encode(rawBody)
		b.publishOpened(c.ID, pid, newConnection)
		b.succeedFrame(frame)
		return
	}

	id := b.connIDs.Next()
	c := newConnection(id, url, key)
	c.Clients[pid] = struct{}{}
	b.reg.insertConn(c)
	b.opens[id] = &pendingOpen{clientPID: pid, frame: frame, startedAt: time.Now()}
	b.driver.Open(id, url, key, pid)
	// status stays PENDING: the requester busy-waits until onOpened/onError
	// completes the async open (spec.md section 4.4).
}

func (b *Broker) handleCloseWs(frame []byte, pid uint64, rawBody []byte) {
	if !b.requireRegistered(pid) {
		b.failFrame(frame, "client not registered")
		return
	}
	var req wire.CloseWsBody
	if err := req.Decode(rawBody); err != nil {
		b.failFrame(frame, err.Error())
		return
	}
	if c, ok := b.reg.connsByID[req.ID]; ok {
		delete(c.Clients, pid)
		if len(c.Clients) == 0 {
			b.beginClose(c)
		}
	}
	b.succeedFrame(frame)
}

func (b *Broker) handleWsRequest(frame []byte, pid uint64, rawBody []byte) {
	if !b.requireRegistered(pid) {
		b.failFrame(frame, "client not registered")
		return
	}
	var req wire.WsRequestBody
	if err := req.Decode(rawBody); err != nil {
		b.failFrame(frame, err.Error())
		return
	}
	if _, ok := b.reg.connsByID[req.ID]; !ok {
		b.publishWsError(req.ID, []byte("connection not found"))
		b.failFrame(frame, "connection not found")
		return
	}
	if !b.driver.Send(req.ID, req.Data) {
		b.publishWsError(req.ID, []byte("upstream not connected"))
		b.failFrame(frame, "upstream not connected")
		return
	}
	b.succeedFrame(frame)
}

func (b *Broker) handleSubscribe(frame []byte, pid uint64, rawBody []byte) {
	if !b.requireRegistered(pid) {
		b.failFrame(frame, "client not registered")
		return
	}
	var req wire.SubscribeBody
	if err := req.Decode(rawBody); err != nil {
		b.failFrame(frame, err.Error())
		return
	}
	c, ok := b.reg.connsByID[req.ID]
	if !ok {
		b.failFrame(frame, "connection not found")
		return
	}

	symbol := req.GetSymbol()
	resp := req
	sub, exists := c.Subscriptions[symbol]
	switch {
	case !exists:
		sub = newSubscription(symbol, req.ChannelBits)
		c.Subscriptions[symbol] = sub
		sub.Clients[pid] = struct{}{}
		b.driver.Send(req.ID, req.RequestBytes)
		b.metrics.SubscriptionAdded()
		resp.Existing = 0
	case sub.ChannelBits&req.ChannelBits == req.ChannelBits:
		sub.Clients[pid] = struct{}{}
		resp.Existing = 1
	default:
		sub.Clients[pid] = struct{}{}
		sub.ChannelBits |= req.ChannelBits
		b.driver.Send(req.ID, req.RequestBytes)
		resp.Existing = 0
	}
	resp.Encode(rawBody)
	b.succeedFrame(frame)
}

func (b *Broker) handleUnsubscribe(frame []byte, pid uint64, rawBody []byte) {
	if !b.requireRegistered(pid) {
		b.failFrame(frame, "client not registered")
		return
	}
	var req wire.UnsubscribeBody
	if err := req.Decode(rawBody); err != nil {
		b.failFrame(frame, err.Error())
		return
	}
	c, ok := b.reg.connsByID[req.ID]
	if !ok {
		b.succeedFrame(frame) // unknown connection: idempotent no-op
		return
	}
	symbol := req.GetSymbol()
	sub, exists := c.Subscriptions[symbol]
	if !exists {
		b.succeedFrame(frame) // unknown symbol: idempotent no-op (property 6)
		return
	}
	delete(sub.Clients, pid)
	if len(sub.Clients) == 0 {
		delete(c.Subscriptions, symbol)
		b.driver.Send(req.ID, req.RequestBytes)
		b.metrics.SubscriptionRemoved()
	}
	b.succeedFrame(frame)
}

// beginClose transitions c to DISCONNECTING and asks the driver to close
// its socket. If c never finished connecting, driver.Close is a no-op and
// handleUpstreamEvent's EventOpened branch closes it the moment it arrives.
func (b *Broker) beginClose(c *Connection) {
	if c.State == StateDisconnecting || c.State == StateDisconnected {
		return
	}
	c.State = StateDisconnecting
	b.driver.Close(c.ID)
}

// evictClient applies a heartbeat-timeout teardown, which spec.md section
// 4.4 defines as equivalent to an Unregister for that pid.
func (b *Broker) evictClient(pid uint64) {
	for _, c := range b.reg.connsByID {
		if _, attached := c.Clients[pid]; !attached {
			continue
		}
		delete(c.Clients, pid)
		if len(c.Clients) == 0 {
			b.beginClose(c)
		}
	}
	delete(b.reg.clients, pid)
	if len(b.reg.clients) == 0 {
		b.reg.shutdownTime = time.Now()
	}
}
