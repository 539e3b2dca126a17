// Package wire defines the fixed-layout frame format shared by the C->S and
// S->C rings. Every frame is packed, little-endian, and safe to address
// directly inside a shared-memory ring slot: fixed fields live at constant
// offsets, variable trailing data (payloads, request bytes) is
// size-prefixed and placed immediately after the fixed body.
package wire

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

// MsgType tags the body that follows a Header. Values match spec order.
type MsgType uint8

const (
	Register MsgType = iota
	Unregister
	OpenWs
	CloseWs
	Heartbeat
	WsRequest
	WsData
	WsError
	Subscribe
	Unsubscribe
)

func (t MsgType) String() string {
	switch t {
	case Register:
		return "Register"
	case Unregister:
		return "Unregister"
	case OpenWs:
		return "OpenWs"
	case CloseWs:
		return "CloseWs"
	case Heartbeat:
		return "Heartbeat"
	case WsRequest:
		return "WsRequest"
	case WsData:
		return "WsData"
	case WsError:
		return "WsError"
	case Subscribe:
		return "Subscribe"
	case Unsubscribe:
		return "Unsubscribe"
	default:
		return "Unknown"
	}
}

// Status is the tri-state, per-message request/response correlation word.
type Status uint32

const (
	Pending Status = iota
	Success
	Failed
)

// Channel is a bitmask of upstream data channels a subscription carries.
type Channel uint32

const (
	ChannelQuotes Channel = 1 << 0
	ChannelTrades Channel = 1 << 1
)

// Fixed string capacities, per spec.md section 3.
const (
	MaxURL        = 512
	MaxKey        = 512
	MaxSymbol     = 256
	MaxClientName = 32
	MaxErrorText  = 256
)

// HeaderSize is the byte size of the fixed frame header.
const HeaderSize = 16

// Header layout (little-endian, packed):
//
//	offset 0:  OriginatorPID uint64
//	offset 8:  Type          uint8
//	offset 9:  reserved      [3]byte
//	offset 12: Status        uint32 (atomic)
const (
	offOriginator = 0
	offType       = 8
	offStatus     = 12
)

// PutHeader writes a frame header into buf[0:HeaderSize]. Status is set to
// Pending; callers publish before any reader can observe a different value.
func PutHeader(buf []byte, originatorPID uint64, t MsgType) {
	binary.LittleEndian.PutUint64(buf[offOriginator:], originatorPID)
	buf[offType] = byte(t)
	buf[offType+1] = 0
	buf[offType+2] = 0
	buf[offType+3] = 0
	binary.LittleEndian.PutUint32(buf[offStatus:], uint32(Pending))
}

// OriginatorPID reads the originator pid out of a frame header.
func OriginatorPID(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf[offOriginator:])
}

// Type reads the message type tag out of a frame header.
func Type(buf []byte) MsgType {
	return MsgType(buf[offType])
}

func statusPtr(buf []byte) *uint32 {
	return (*uint32)(unsafe.Pointer(&buf[offStatus]))
}

// LoadStatus acquire-loads the status word.
func LoadStatus(buf []byte) Status {
	return Status(atomic.LoadUint32(statusPtr(buf)))
}

// StoreStatus release-stores the status word. Used exactly once per frame by
// the responder, per spec.md invariant 5.
func StoreStatus(buf []byte, s Status) {
	atomic.StoreUint32(statusPtr(buf), uint32(s))
}

// CompareAndSwapStatus attempts the single PENDING->SUCCESS|FAILED
// transition. Returns false if the word had already been flipped.
func CompareAndSwapStatus(buf []byte, old, new Status) bool {
	return atomic.CompareAndSwapUint32(statusPtr(buf), uint32(old), uint32(new))
}

// ErrBufferTooSmall is returned by Encode/Decode helpers given an
// undersized slice.
var ErrBufferTooSmall = errors.New("wire: buffer too small")

// putFixedString zero-fills dst and copies s into it, truncating s if it
// does not fit. dst is not null-terminated explicitly beyond the zero-fill,
// which already leaves a NUL after the copied bytes when s is shorter.
func putFixedString(dst []byte, s string) {
	for i := range dst {
		dst[i] = 0
	}
	n := copy(dst, s)
	_ = n
}

// getFixedString returns the leading NUL-terminated run of src as a string.
func getFixedString(src []byte) string {
	for i, b := range src {
		if b == 0 {
			return string(src[:i])
		}
	}
	return string(src)
}

// putVarBytes writes a uint32 length prefix followed by p into dst,
// returning the number of bytes written. dst must have len(p)+4 capacity.
func putVarBytes(dst []byte, p []byte) int {
	binary.LittleEndian.PutUint32(dst, uint32(len(p)))
	copy(dst[4:], p)
	return 4 + len(p)
}

// getVarBytes reads a uint32-length-prefixed byte slice from src, returning
// a copy of the payload and the number of bytes consumed.
func getVarBytes(src []byte) (payload []byte, consumed int, err error) {
	if len(src) < 4 {
		return nil, 0, ErrBufferTooSmall
	}
	n := binary.LittleEndian.Uint32(src)
	if len(src) < int(4+n) {
		return nil, 0, ErrBufferTooSmall
	}
	payload = make([]byte, n)
	copy(payload, src[4:4+n])
	return payload, 4 + int(n), nil
}
