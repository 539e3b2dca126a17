package broker_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kzhdev/websocket-proxy/config"
	"github.com/kzhdev/websocket-proxy/internal/wire"
	"github.com/kzhdev/websocket-proxy/testutil"
)

// shortHeartbeatConfig shrinks the heartbeat sweep interval and TTL so a
// stale-client eviction test doesn't have to wait out the production
// defaults (500ms tick / 30s TTL).
func shortHeartbeatConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Timing.HeartbeatInterval = 20 * time.Millisecond
	cfg.Timing.ClientHeartbeatTTL = 150 * time.Millisecond
	return cfg
}

const (
	clientA uint64 = 1001
	clientB uint64 = 1002
	clientC uint64 = 1003
)

func register(t *testing.T, h *testutil.BrokerHarness, pid uint64, name string) wire.RegisterBody {
	t.Helper()
	var req wire.RegisterBody
	req.SetName(name)
	body, status := h.Request(pid, wire.Register, wire.RegisterBodySize, func(dst []byte) { req.Encode(dst) }, time.Second)
	require.Equal(t, wire.Success, status)

	var resp wire.RegisterBody
	require.NoError(t, resp.Decode(body))
	return resp
}

func openWs(t *testing.T, h *testutil.BrokerHarness, pid uint64, url, key string, timeout time.Duration) (wire.OpenWsBody, wire.Status) {
	t.Helper()
	var req wire.OpenWsBody
	req.SetURL(url)
	req.SetKey(key)
	body, status := h.Request(pid, wire.OpenWs, wire.OpenWsBodySize, func(dst []byte) { req.Encode(dst) }, timeout)

	var resp wire.OpenWsBody
	require.NoError(t, resp.Decode(body))
	return resp, status
}

func TestRegisterAssignsServerPIDAndHeartbeatSucceeds(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	resp := register(t, h, clientA, "feed-client")
	assert.NotZero(t, resp.ServerPID)

	_, status := h.Request(clientA, wire.Heartbeat, wire.HeartbeatBodySize, func([]byte) {}, time.Second)
	assert.Equal(t, wire.Success, status)
}

func TestOpenWsFailsForUnregisteredClient(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	resp, status := openWs(t, h, clientA, "ws://example.invalid", "k", time.Second)
	assert.Equal(t, wire.Failed, status)
	assert.Equal(t, "client not registered", resp.GetError())
}

func TestSingleClientOpenRoundTrip(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	register(t, h, clientA, "c1")

	fu := testutil.NewFakeUpstream(t)

	resp, status := openWs(t, h, clientA, fu.URL(), "key-1", 2*time.Second)
	require.Equal(t, wire.Success, status)
	assert.Equal(t, uint8(1), resp.NewConnection)
	assert.Equal(t, clientA, resp.ClientPID)
	assert.NotZero(t, resp.ID)

	serverConn := <-fu.Accepted
	testutil.Drain(serverConn)

	frame := h.ReadServerFrameSkipHeartbeats(time.Second)
	assert.Equal(t, wire.OpenWs, wire.Type(frame))
	var ev wire.OpenWsBody
	require.NoError(t, ev.Decode(frame[wire.HeaderSize:]))
	assert.Equal(t, resp.ID, ev.ID)
	assert.Equal(t, uint8(1), ev.NewConnection)
}

func TestSecondClientAttachesToExistingConnectionWithoutRedialing(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	register(t, h, clientA, "c1")
	register(t, h, clientB, "c2")

	fu := testutil.NewFakeUpstream(t)

	first, status := openWs(t, h, clientA, fu.URL(), "shared-key", 2*time.Second)
	require.Equal(t, wire.Success, status)
	serverConn := <-fu.Accepted
	testutil.Drain(serverConn)
	h.ReadServerFrameSkipHeartbeats(time.Second) // first client's opened broadcast

	second, status := openWs(t, h, clientB, fu.URL(), "shared-key", time.Second)
	require.Equal(t, wire.Success, status)
	assert.Equal(t, first.ID, second.ID, "second client must attach to the already-open connection")
	assert.Equal(t, uint8(0), second.NewConnection)

	// No second dial: FakeUpstream must not have a second connection queued.
	select {
	case <-fu.Accepted:
		t.Fatal("unexpected second upstream dial for the same (url, key)")
	case <-time.After(50 * time.Millisecond):
	}

	broadcast := h.ReadServerFrameSkipHeartbeats(time.Second)
	var ev wire.OpenWsBody
	require.NoError(t, ev.Decode(broadcast[wire.HeaderSize:]))
	assert.Equal(t, second.ID, ev.ID)
	assert.Equal(t, clientB, ev.ClientPID)
	assert.Equal(t, uint8(0), ev.NewConnection)
}

func TestSubscribeNewExistingWidenThreeWayBranch(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	register(t, h, clientA, "c1")
	register(t, h, clientB, "c2")

	fu := testutil.NewFakeUpstream(t)
	opened, status := openWs(t, h, clientA, fu.URL(), "k", 2*time.Second)
	require.Equal(t, wire.Success, status)
	serverConn := <-fu.Accepted
	testutil.Drain(serverConn)
	h.ReadServerFrameSkipHeartbeats(time.Second)

	sub := func(pid uint64, bits uint32) wire.SubscribeBody {
		var req wire.SubscribeBody
		req.ID = opened.ID
		req.ChannelBits = bits
		req.SetSymbol("AAPL")
		req.RequestBytes = []byte("sub")
		body, status := h.Request(pid, wire.Subscribe, req.EncodedSize(), func(dst []byte) { req.Encode(dst) }, time.Second)
		require.Equal(t, wire.Success, status)
		var resp wire.SubscribeBody
		require.NoError(t, resp.Decode(body))
		return resp
	}

	first := sub(clientA, 0b01)
	assert.Equal(t, uint8(0), first.Existing, "first subscribe on a new symbol is never 'existing'")

	subset := sub(clientB, 0b01)
	assert.Equal(t, uint8(1), subset.Existing, "subset of already-covered channels is existing")

	widen := sub(clientA, 0b11)
	assert.Equal(t, uint8(0), widen.Existing, "widening the channel mask is not 'existing'")
}

func TestUnsubscribeIsIdempotentOnUnknownConnectionAndSymbol(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	register(t, h, clientA, "c1")

	var req wire.UnsubscribeBody
	req.ID = 999999
	req.SetSymbol("NOPE")
	_, status := h.Request(clientA, wire.Unsubscribe, req.EncodedSize(), func(dst []byte) { req.Encode(dst) }, time.Second)
	assert.Equal(t, wire.Success, status, "unknown connection id must be a no-op success")

	fu := testutil.NewFakeUpstream(t)
	opened, status := openWs(t, h, clientA, fu.URL(), "k", 2*time.Second)
	require.Equal(t, wire.Success, status)
	serverConn := <-fu.Accepted
	testutil.Drain(serverConn)
	h.ReadServerFrameSkipHeartbeats(time.Second)

	var req2 wire.UnsubscribeBody
	req2.ID = opened.ID
	req2.SetSymbol("NEVERSUBSCRIBED")
	_, status = h.Request(clientA, wire.Unsubscribe, req2.EncodedSize(), func(dst []byte) { req2.Encode(dst) }, time.Second)
	assert.Equal(t, wire.Success, status, "unknown symbol on a real connection must be a no-op success")
}

func TestWsRequestAgainstUnknownConnectionFailsAndEmitsWsError(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	register(t, h, clientA, "c1")

	req := wire.WsRequestBody{ID: 424242, Data: []byte("ping")}
	_, status := h.Request(clientA, wire.WsRequest, req.EncodedSize(), func(dst []byte) { req.Encode(dst) }, time.Second)
	assert.Equal(t, wire.Failed, status)

	frame := h.ReadServerFrameSkipHeartbeats(time.Second)
	assert.Equal(t, wire.WsError, wire.Type(frame))
}

func TestLastClientCloseWsTeardown(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	register(t, h, clientA, "c1")

	fu := testutil.NewFakeUpstream(t)
	opened, status := openWs(t, h, clientA, fu.URL(), "k", 2*time.Second)
	require.Equal(t, wire.Success, status)
	serverConn := <-fu.Accepted
	testutil.Drain(serverConn)
	h.ReadServerFrameSkipHeartbeats(time.Second) // opened broadcast

	closeReq := wire.CloseWsBody{ID: opened.ID}
	_, status = h.Request(clientA, wire.CloseWs, wire.CloseWsBodySize, func(dst []byte) { closeReq.Encode(dst) }, time.Second)
	assert.Equal(t, wire.Success, status, "CloseWs always acks success per spec")

	closedFrame := h.ReadServerFrameSkipHeartbeats(2 * time.Second)
	assert.Equal(t, wire.CloseWs, wire.Type(closedFrame))
	var ev wire.CloseWsBody
	require.NoError(t, ev.Decode(closedFrame[wire.HeaderSize:]))
	assert.Equal(t, opened.ID, ev.ID)
}

func TestUnregisterCascadesCloseToAttachedConnections(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	register(t, h, clientA, "c1")

	fu := testutil.NewFakeUpstream(t)
	opened, status := openWs(t, h, clientA, fu.URL(), "k", 2*time.Second)
	require.Equal(t, wire.Success, status)
	serverConn := <-fu.Accepted
	testutil.Drain(serverConn)
	h.ReadServerFrameSkipHeartbeats(time.Second)

	_, status = h.Request(clientA, wire.Unregister, wire.UnregisterBodySize, func([]byte) {}, time.Second)
	assert.Equal(t, wire.Success, status)

	closedFrame := h.ReadServerFrameSkipHeartbeats(2 * time.Second)
	assert.Equal(t, wire.CloseWs, wire.Type(closedFrame))
	var ev wire.CloseWsBody
	require.NoError(t, ev.Decode(closedFrame[wire.HeaderSize:]))
	assert.Equal(t, opened.ID, ev.ID)
}

func TestOpenWsSurfacesUpstreamDialFailure(t *testing.T) {
	h := testutil.NewBrokerHarness(t, nil)
	register(t, h, clientA, "c1")

	resp, status := openWs(t, h, clientA, testutil.RefuseUpstream(), "k", 3*time.Second)
	assert.Equal(t, wire.Failed, status)
	assert.NotEmpty(t, resp.GetError())
}

func TestHeartbeatEvictionClosesAttachedConnections(t *testing.T) {
	cfg := shortHeartbeatConfig(t)
	h := testutil.NewBrokerHarness(t, cfg)
	register(t, h, clientA, "c1")

	fu := testutil.NewFakeUpstream(t)
	opened, status := openWs(t, h, clientA, fu.URL(), "k", 2*time.Second)
	require.Equal(t, wire.Success, status)
	serverConn := <-fu.Accepted
	testutil.Drain(serverConn)
	h.ReadServerFrameSkipHeartbeats(time.Second)

	// clientA never heartbeats again; the sweep should evict it and tear
	// down its sole connection once ClientHeartbeatTTL elapses.
	closedFrame := h.ReadServerFrameSkipHeartbeats(5 * time.Second)
	assert.Equal(t, wire.CloseWs, wire.Type(closedFrame))
	var ev wire.CloseWsBody
	require.NoError(t, ev.Decode(closedFrame[wire.HeaderSize:]))
	assert.Equal(t, opened.ID, ev.ID)
}
