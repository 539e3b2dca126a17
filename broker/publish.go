package broker

import (
	"time"

	"github.com/kzhdev/websocket-proxy/internal/wire"
)

// reserveAndPublish writes a header for msgType followed by encodedSize
// bytes of body (filled by fill) into the next S->C slot, then makes it
// visible to readers. It is the broker-side S->C analogue of a client's
// request publish: there is no status word to await here since nothing on
// S->C is request/response, so the frame is marked SUCCESS immediately
// (status on S->C frames is unused by clients, but a defined value keeps
// the layout uniform with C->S).
func (b *Broker) reserveAndPublish(msgType wire.MsgType, encodedSize int, fill func(body []byte)) {
	total := wire.HeaderSize + encodedSize
	ticket, slot, err := b.scRing.Reserve(total)
	if err != nil {
		b.logger.Warn("dropping oversized outbound frame", "type", msgType, "size", total, "error", err)
		return
	}
	wire.PutHeader(slot, b.pid, msgType)
	fill(slot[wire.HeaderSize:])
	wire.StoreStatus(slot, wire.Success)
	b.scRing.Publish(ticket, total)
	b.scLastPublish = time.Now()
	b.stats.IncrementFramesToClients()
	b.metrics.FrameToClients(1)
}

func (b *Broker) publishOpened(id, clientPID uint64, newConnection bool) {
	body := wire.OpenWsBody{ID: id, ClientPID: clientPID}
	if newConnection {
		body.NewConnection = 1
	}
	b.reserveAndPublish(wire.OpenWs, wire.OpenWsBodySize, func(dst []byte) { body.Encode(dst) })
}

func (b *Broker) publishClosed(id uint64) {
	body := wire.CloseWsBody{ID: id}
	b.reserveAndPublish(wire.CloseWs, wire.CloseWsBodySize, func(dst []byte) { body.Encode(dst) })
}

func (b *Broker) publishWsError(id uint64, message []byte) {
	body := wire.WsErrorBody{ID: id, Message: message}
	b.reserveAndPublish(wire.WsError, body.EncodedSize(), func(dst []byte) { body.Encode(dst) })
}

func (b *Broker) publishWsData(id uint64, payload []byte, remaining uint32) {
	body := wire.WsDataBody{ID: id, Remaining: remaining, Payload: payload}
	b.reserveAndPublish(wire.WsData, body.EncodedSize(), func(dst []byte) { body.Encode(dst) })
}

func (b *Broker) publishHeartbeat() {
	b.reserveAndPublish(wire.Heartbeat, wire.HeartbeatBodySize, func(dst []byte) {})
}
