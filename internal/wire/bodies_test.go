package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterBodyRoundTrip(t *testing.T) {
	var b RegisterBody
	b.SetName("md-feed-client")
	b.ServerPID = 99

	dst := make([]byte, RegisterBodySize)
	b.Encode(dst)

	var got RegisterBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, "md-feed-client", got.GetName())
	assert.Equal(t, uint64(99), got.ServerPID)
}

func TestOpenWsBodyRoundTripSuccess(t *testing.T) {
	var b OpenWsBody
	b.SetURL("wss://example.com/stream")
	b.SetKey("api-key-123")
	b.ID = 7
	b.ClientPID = 55
	b.NewConnection = 1

	dst := make([]byte, OpenWsBodySize)
	b.Encode(dst)

	var got OpenWsBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, "wss://example.com/stream", got.GetURL())
	assert.Equal(t, "api-key-123", got.GetKey())
	assert.Equal(t, uint64(7), got.ID)
	assert.Equal(t, uint64(55), got.ClientPID)
	assert.Equal(t, uint8(1), got.NewConnection)
	assert.Equal(t, "", got.GetError())
}

func TestOpenWsBodySetErrorRoundTrip(t *testing.T) {
	var b OpenWsBody
	b.SetError("dial tcp: connection refused")

	dst := make([]byte, OpenWsBodySize)
	b.Encode(dst)

	var got OpenWsBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, "dial tcp: connection refused", got.GetError())
}

func TestOpenWsBodySetErrorTruncatesAtCapacity(t *testing.T) {
	var b OpenWsBody
	long := make([]byte, MaxErrorText+50)
	for i := range long {
		long[i] = 'x'
	}
	b.SetError(string(long))
	assert.Equal(t, uint16(MaxErrorText), b.ErrorLen)
}

func TestCloseWsBodyRoundTrip(t *testing.T) {
	b := CloseWsBody{ID: 123}
	dst := make([]byte, CloseWsBodySize)
	b.Encode(dst)

	var got CloseWsBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, uint64(123), got.ID)
}

func TestWsRequestBodyRoundTrip(t *testing.T) {
	b := WsRequestBody{ID: 9, Data: []byte(`{"type":"subscribe"}`)}
	dst := make([]byte, b.EncodedSize())
	n := b.Encode(dst)
	assert.Equal(t, b.EncodedSize(), n)

	var got WsRequestBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, uint64(9), got.ID)
	assert.Equal(t, b.Data, got.Data)
}

func TestSubscribeBodyRoundTrip(t *testing.T) {
	b := SubscribeBody{ID: 3, ChannelBits: 0b011, RequestBytes: []byte("sub-req")}
	b.SetSymbol("AAPL")
	dst := make([]byte, b.EncodedSize())
	b.Encode(dst)

	var got SubscribeBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, uint64(3), got.ID)
	assert.Equal(t, "AAPL", got.GetSymbol())
	assert.Equal(t, uint32(0b011), got.ChannelBits)
	assert.Equal(t, []byte("sub-req"), got.RequestBytes)
}

func TestUnsubscribeBodyRoundTrip(t *testing.T) {
	b := UnsubscribeBody{ID: 3, RequestBytes: []byte("unsub-req")}
	b.SetSymbol("MSFT")
	dst := make([]byte, b.EncodedSize())
	b.Encode(dst)

	var got UnsubscribeBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, "MSFT", got.GetSymbol())
	assert.Equal(t, []byte("unsub-req"), got.RequestBytes)
}

func TestWsDataBodyRoundTrip(t *testing.T) {
	b := WsDataBody{ID: 4, Remaining: 2, Payload: []byte("chunk")}
	dst := make([]byte, b.EncodedSize())
	b.Encode(dst)

	var got WsDataBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, uint32(2), got.Remaining)
	assert.Equal(t, []byte("chunk"), got.Payload)
}

func TestWsErrorBodyRoundTrip(t *testing.T) {
	b := WsErrorBody{ID: 5, Message: []byte("upstream closed")}
	dst := make([]byte, b.EncodedSize())
	b.Encode(dst)

	var got WsErrorBody
	require.NoError(t, got.Decode(dst))
	assert.Equal(t, []byte("upstream closed"), got.Message)
}

func TestDecodeRejectsUndersizedBuffer(t *testing.T) {
	var got RegisterBody
	assert.ErrorIs(t, got.Decode(make([]byte, 2)), ErrBufferTooSmall)
}
