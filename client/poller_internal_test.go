package client

import (
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzhdev/websocket-proxy/internal/wire"
)

func newTestClientStruct(cb Callbacks) *Client {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{Prefix: "unused", Name: "n"}, cb, logger)
	c.pid = 777
	c.brokerPID.Store(99)
	return c
}

func buildFrame(t *testing.T, originatorPID uint64, msgType wire.MsgType, encodedSize int, fill func([]byte)) []byte {
	t.Helper()
	buf := make([]byte, wire.HeaderSize+encodedSize)
	wire.PutHeader(buf, originatorPID, msgType)
	fill(buf[wire.HeaderSize:])
	return buf
}

func TestHandleServerFrameDropsMismatchedOriginator(t *testing.T) {
	var gotOpened bool
	c := newTestClientStruct(Callbacks{OnOpened: func(uint64) { gotOpened = true }})

	body := wire.OpenWsBody{ID: 5, ClientPID: c.pid, NewConnection: 1}
	frame := buildFrame(t, 12345 /* not brokerPID 99 */, wire.OpenWs, wire.OpenWsBodySize, func(dst []byte) { body.Encode(dst) })

	c.handleServerFrame(frame)
	assert.False(t, gotOpened, "frame from a stale/foreign originator must be dropped")
	assert.Zero(t, c.lastServerHeartbeat.Load())
}

func TestHandleServerFrameOpenWsIgnoredForOtherClientPID(t *testing.T) {
	var gotOpened bool
	c := newTestClientStruct(Callbacks{OnOpened: func(uint64) { gotOpened = true }})

	body := wire.OpenWsBody{ID: 5, ClientPID: c.pid + 1, NewConnection: 1}
	frame := buildFrame(t, c.brokerPID.Load(), wire.OpenWs, wire.OpenWsBodySize, func(dst []byte) { body.Encode(dst) })

	c.handleServerFrame(frame)
	assert.False(t, gotOpened, "an OpenWs addressed to a different client_pid must be ignored")
	_, tracked := c.tracked[5]
	assert.False(t, tracked)
}

func TestHandleServerFrameOpenWsTracksAndFiresCallback(t *testing.T) {
	var openedID uint64
	c := newTestClientStruct(Callbacks{OnOpened: func(id uint64) { openedID = id }})

	body := wire.OpenWsBody{ID: 5, ClientPID: c.pid, NewConnection: 1}
	frame := buildFrame(t, c.brokerPID.Load(), wire.OpenWs, wire.OpenWsBodySize, func(dst []byte) { body.Encode(dst) })

	c.handleServerFrame(frame)
	assert.Equal(t, uint64(5), openedID)
	_, tracked := c.tracked[5]
	assert.True(t, tracked)
}

func TestHandleServerFrameDataDeliveredOnlyWhenTracked(t *testing.T) {
	var gotData []byte
	c := newTestClientStruct(Callbacks{OnData: func(id uint64, payload []byte, remaining uint32) { gotData = payload }})

	body := wire.WsDataBody{ID: 9, Remaining: 0, Payload: []byte("untracked")}
	frame := buildFrame(t, c.brokerPID.Load(), wire.WsData, body.EncodedSize(), func(dst []byte) { body.Encode(dst) })
	c.handleServerFrame(frame)
	assert.Nil(t, gotData, "data for an id not in the tracked set must be dropped")

	c.tracked[9] = struct{}{}
	c.handleServerFrame(frame)
	assert.Equal(t, "untracked", string(gotData))
}

func TestHandleServerFrameCloseWsUntracksAndFiresOnlyIfTracked(t *testing.T) {
	var closedCount int
	c := newTestClientStruct(Callbacks{OnClosed: func(uint64) { closedCount++ }})

	body := wire.CloseWsBody{ID: 3}
	frame := buildFrame(t, c.brokerPID.Load(), wire.CloseWs, wire.CloseWsBodySize, func(dst []byte) { body.Encode(dst) })

	c.handleServerFrame(frame)
	assert.Equal(t, 0, closedCount, "close for an untracked id fires no callback")

	c.tracked[3] = struct{}{}
	c.handleServerFrame(frame)
	assert.Equal(t, 1, closedCount)
	_, tracked := c.tracked[3]
	assert.False(t, tracked)
}

func TestHandleServerFrameHeartbeatUpdatesLivenessOnly(t *testing.T) {
	c := newTestClientStruct(Callbacks{})
	before := c.lastServerHeartbeat.Load()

	frame := buildFrame(t, c.brokerPID.Load(), wire.Heartbeat, wire.HeartbeatBodySize, func([]byte) {})
	c.handleServerFrame(frame)

	assert.Greater(t, c.lastServerHeartbeat.Load(), before)
}

func TestDeclareBrokerLostSynthesizesOnClosedForAllTracked(t *testing.T) {
	var closedIDs []uint64
	c := newTestClientStruct(Callbacks{OnClosed: func(id uint64) { closedIDs = append(closedIDs, id) }})
	c.tracked[1] = struct{}{}
	c.tracked[2] = struct{}{}

	c.declareBrokerLost()

	assert.ElementsMatch(t, []uint64{1, 2}, closedIDs)
	assert.Empty(t, c.tracked)
	assert.Zero(t, c.brokerPID.Load())
	assert.Zero(t, c.lastServerHeartbeat.Load())
}

func TestBrokerLostDetectsStaleHeartbeat(t *testing.T) {
	c := newTestClientStruct(Callbacks{})
	c.cfg.HeartbeatTimeout = 0 // any positive elapsed time counts as stale
	c.lastServerHeartbeat.Store(1)
	require.True(t, c.brokerLost())
}

func TestBrokerLostFalseBeforeFirstHeartbeatRecorded(t *testing.T) {
	c := newTestClientStruct(Callbacks{})
	c.lastServerHeartbeat.Store(0)
	assert.False(t, c.brokerLost())
}
