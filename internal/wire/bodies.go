package wire

import "encoding/binary"

// Each body type below owns the bytes immediately following a Header inside
// one ring slot. Request and response share the same slot: the handler
// overwrites the response fields in place before flipping Status, so each
// struct below documents which fields are filled by the requester and which
// are filled by the broker.

// RegisterBody: request fills Name; response fills ServerPID.
type RegisterBody struct {
	Name      [MaxClientName]byte // request
	ServerPID uint64              // response
}

const RegisterBodySize = MaxClientName + 8

func (b *RegisterBody) Encode(dst []byte) int {
	copy(dst[:MaxClientName], b.Name[:])
	binary.LittleEndian.PutUint64(dst[MaxClientName:], b.ServerPID)
	return RegisterBodySize
}

func (b *RegisterBody) Decode(src []byte) error {
	if len(src) < RegisterBodySize {
		return ErrBufferTooSmall
	}
	copy(b.Name[:], src[:MaxClientName])
	b.ServerPID = binary.LittleEndian.Uint64(src[MaxClientName:])
	return nil
}

func (b *RegisterBody) SetName(name string) { putFixedString(b.Name[:], name) }
func (b *RegisterBody) GetName() string      { return getFixedString(b.Name[:]) }

// UnregisterBody carries no fields; the originator pid in the header
// identifies the client to remove.
type UnregisterBody struct{}

const UnregisterBodySize = 0

// HeartbeatBody carries no fields.
type HeartbeatBody struct{}

const HeartbeatBodySize = 0

// OpenWsBody: request fills URL/Key; response fills ID, ClientPID,
// NewConnection, and on failure ErrorLen+Error. Also reused verbatim for the
// asynchronous S->C "opened" event (spec.md section 4.5 onOpened).
type OpenWsBody struct {
	URL           [MaxURL]byte
	Key           [MaxKey]byte
	ID            uint64
	ClientPID     uint64
	NewConnection uint8
	_             [3]byte
	ErrorLen      uint16
	Error         [MaxErrorText]byte
}

const OpenWsBodySize = MaxURL + MaxKey + 8 + 8 + 1 + 3 + 2 + MaxErrorText

func (b *OpenWsBody) Encode(dst []byte) int {
	off := 0
	copy(dst[off:off+MaxURL], b.URL[:])
	off += MaxURL
	copy(dst[off:off+MaxKey], b.Key[:])
	off += MaxKey
	binary.LittleEndian.PutUint64(dst[off:], b.ID)
	off += 8
	binary.LittleEndian.PutUint64(dst[off:], b.ClientPID)
	off += 8
	dst[off] = b.NewConnection
	dst[off+1], dst[off+2], dst[off+3] = 0, 0, 0
	off += 4
	binary.LittleEndian.PutUint16(dst[off:], b.ErrorLen)
	off += 2
	copy(dst[off:off+MaxErrorText], b.Error[:])
	off += MaxErrorText
	return off
}

func (b *OpenWsBody) Decode(src []byte) error {
	if len(src) < OpenWsBodySize {
		return ErrBufferTooSmall
	}
	off := 0
	copy(b.URL[:], src[off:off+MaxURL])
	off += MaxURL
	copy(b.Key[:], src[off:off+MaxKey])
	off += MaxKey
	b.ID = binary.LittleEndian.Uint64(src[off:])
	off += 8
	b.ClientPID = binary.LittleEndian.Uint64(src[off:])
	off += 8
	b.NewConnection = src[off]
	off += 4
	b.ErrorLen = binary.LittleEndian.Uint16(src[off:])
	off += 2
	copy(b.Error[:], src[off:off+MaxErrorText])
	return nil
}

func (b *OpenWsBody) SetURL(url string) { putFixedString(b.URL[:], url) }
func (b *OpenWsBody) GetURL() string    { return getFixedString(b.URL[:]) }
func (b *OpenWsBody) SetKey(key string) { putFixedString(b.Key[:], key) }
func (b *OpenWsBody) GetKey() string    { return getFixedString(b.Key[:]) }
func (b *OpenWsBody) SetError(msg string) {
	putFixedString(b.Error[:], msg)
	if len(msg) > MaxErrorText {
		msg = msg[:MaxErrorText]
	}
	b.ErrorLen = uint16(len(msg))
}
func (b *OpenWsBody) GetError() string { return getFixedString(b.Error[:b.ErrorLen]) }

// CloseWsBody: request fills ID. Reused for the upstream-initiated S->C
// CloseWs event (spec.md section 4.5 onClosed), where ID is the only field.
type CloseWsBody struct {
	ID uint64
}

const CloseWsBodySize = 8

func (b *CloseWsBody) Encode(dst []byte) int {
	binary.LittleEndian.PutUint64(dst, b.ID)
	return CloseWsBodySize
}

func (b *CloseWsBody) Decode(src []byte) error {
	if len(src) < CloseWsBodySize {
		return ErrBufferTooSmall
	}
	b.ID = binary.LittleEndian.Uint64(src)
	return nil
}

// WsRequestBody: request fills ID and Data (variable, size-prefixed, placed
// after the fixed 8-byte ID).
type WsRequestBody struct {
	ID   uint64
	Data []byte
}

func (b *WsRequestBody) EncodedSize() int { return 8 + 4 + len(b.Data) }

func (b *WsRequestBody) Encode(dst []byte) int {
	binary.LittleEndian.PutUint64(dst, b.ID)
	return 8 + putVarBytes(dst[8:], b.Data)
}

func (b *WsRequestBody) Decode(src []byte) error {
	if len(src) < 8 {
		return ErrBufferTooSmall
	}
	b.ID = binary.LittleEndian.Uint64(src)
	data, _, err := getVarBytes(src[8:])
	if err != nil {
		return err
	}
	b.Data = data
	return nil
}

// SubscribeBody: request fills ID, Symbol, ChannelBits, RequestBytes;
// response fills Existing.
type SubscribeBody struct {
	ID           uint64
	Symbol       [MaxSymbol]byte
	ChannelBits  uint32
	Existing     uint8
	_            [3]byte
	RequestBytes []byte
}

func (b *SubscribeBody) fixedSize() int { return 8 + MaxSymbol + 4 + 1 + 3 }

func (b *SubscribeBody) EncodedSize() int { return b.fixedSize() + 4 + len(b.RequestBytes) }

func (b *SubscribeBody) Encode(dst []byte) int {
	off := 0
	binary.LittleEndian.PutUint64(dst[off:], b.ID)
	off += 8
	copy(dst[off:off+MaxSymbol], b.Symbol[:])
	off += MaxSymbol
	binary.LittleEndian.PutUint32(dst[off:], b.ChannelBits)
	off += 4
	dst[off] = b.Existing
	dst[off+1], dst[off+2], dst[off+3] = 0, 0, 0
	off += 4
	off += putVarBytes(dst[off:], b.RequestBytes)
	return off
}

func (b *SubscribeBody) Decode(src []byte) error {
	if len(src) < b.fixedSize() {
		return ErrBufferTooSmall
	}
	off := 0
	b.ID = binary.LittleEndian.Uint64(src[off:])
	off += 8
	copy(b.Symbol[:], src[off:off+MaxSymbol])
	off += MaxSymbol
	b.ChannelBits = binary.LittleEndian.Uint32(src[off:])
	off += 4
	b.Existing = src[off]
	off += 4
	data, _, err := getVarBytes(src[off:])
	if err != nil {
		return err
	}
	b.RequestBytes = data
	return nil
}

func (b *SubscribeBody) SetSymbol(sym string) { putFixedString(b.Symbol[:], sym) }
func (b *SubscribeBody) GetSymbol() string    { return getFixedString(b.Symbol[:]) }

// UnsubscribeBody: request fills ID, Symbol, RequestBytes.
type UnsubscribeBody struct {
	ID           uint64
	Symbol       [MaxSymbol]byte
	RequestBytes []byte
}

func (b *UnsubscribeBody) fixedSize() int { return 8 + MaxSymbol }

func (b *UnsubscribeBody) EncodedSize() int { return b.fixedSize() + 4 + len(b.RequestBytes) }

func (b *UnsubscribeBody) Encode(dst []byte) int {
	off := 0
	binary.LittleEndian.PutUint64(dst[off:], b.ID)
	off += 8
	copy(dst[off:off+MaxSymbol], b.Symbol[:])
	off += MaxSymbol
	off += putVarBytes(dst[off:], b.RequestBytes)
	return off
}

func (b *UnsubscribeBody) Decode(src []byte) error {
	if len(src) < b.fixedSize() {
		return ErrBufferTooSmall
	}
	off := 0
	b.ID = binary.LittleEndian.Uint64(src[off:])
	off += 8
	copy(b.Symbol[:], src[off:off+MaxSymbol])
	off += MaxSymbol
	data, _, err := getVarBytes(src[off:])
	if err != nil {
		return err
	}
	b.RequestBytes = data
	return nil
}

func (b *UnsubscribeBody) SetSymbol(sym string) { putFixedString(b.Symbol[:], sym) }
func (b *UnsubscribeBody) GetSymbol() string    { return getFixedString(b.Symbol[:]) }

// WsDataBody is S->C only: a fragment of an upstream frame. Remaining > 0
// means the client must accumulate further WsData frames for this id before
// reconstructing the application-level message.
type WsDataBody struct {
	ID        uint64
	Remaining uint32
	Payload   []byte
}

func (b *WsDataBody) fixedSize() int { return 8 + 4 }

func (b *WsDataBody) EncodedSize() int { return b.fixedSize() + 4 + len(b.Payload) }

func (b *WsDataBody) Encode(dst []byte) int {
	off := 0
	binary.LittleEndian.PutUint64(dst[off:], b.ID)
	off += 8
	binary.LittleEndian.PutUint32(dst[off:], b.Remaining)
	off += 4
	off += putVarBytes(dst[off:], b.Payload)
	return off
}

func (b *WsDataBody) Decode(src []byte) error {
	if len(src) < b.fixedSize() {
		return ErrBufferTooSmall
	}
	off := 0
	b.ID = binary.LittleEndian.Uint64(src[off:])
	off += 8
	b.Remaining = binary.LittleEndian.Uint32(src[off:])
	off += 4
	data, _, err := getVarBytes(src[off:])
	if err != nil {
		return err
	}
	b.Payload = data
	return nil
}

// WsErrorBody is S->C only: an error surfaced for connection ID.
type WsErrorBody struct {
	ID      uint64
	Message []byte
}

func (b *WsErrorBody) EncodedSize() int { return 8 + 4 + len(b.Message) }

func (b *WsErrorBody) Encode(dst []byte) int {
	binary.LittleEndian.PutUint64(dst, b.ID)
	return 8 + putVarBytes(dst[8:], b.Message)
}

func (b *WsErrorBody) Decode(src []byte) error {
	if len(src) < 8 {
		return ErrBufferTooSmall
	}
	b.ID = binary.LittleEndian.Uint64(src)
	data, _, err := getVarBytes(src[8:])
	if err != nil {
		return err
	}
	b.Message = data
	return nil
}
