// Package shmring implements the byte-granular single-producer/multi-producer,
// multi-consumer ring queue that carries frames between the broker and client
// processes. A Ring is a fixed number of fixed-size slots laid out back to
// back inside a byte slice; that slice may be an anonymous make([]byte, ...)
// for tests, or a view over an mmap-ed named shared-memory segment in
// production (see segment_unix.go).
//
// Each slot holds an 8-byte sequence header followed by a 4-byte length and
// the frame bytes themselves. Reservation hands out a monotonically
// increasing ticket via atomic.Uint64.Add, which is MPSC-safe: many producer
// processes can reserve concurrently without coordinating beyond that single
// counter. Publish release-stores the ticket+1 into the slot's sequence word;
// Read acquire-loads it, giving the happens-after pairing the frame format
// requires. Readers keep independent cursors and never coordinate with each
// other; a reader that falls behind more than the slot count simply observes
// a sequence mismatch and catches up, which is the "overwrite the oldest
// unconsumed slot" lossy-overflow behavior by construction.
package shmring

import (
	"encoding/binary"
	"errors"
	"sync/atomic"
	"unsafe"
)

const slotHeaderSize = 12 // 8-byte sequence + 4-byte length

// ErrFrameTooLarge is returned by Reserve when size exceeds the ring's
// per-slot payload capacity.
var ErrFrameTooLarge = errors.New("shmring: frame exceeds slot capacity")

// Ring is a fixed-slot-count circular buffer over a byte slice.
type Ring struct {
	buf       []byte
	slotSize  int // full slot size including header
	slotCount uint64
	cursor    *uint64 // write ticket counter; lives inside buf for shared-memory rings
	localCtr  atomic.Uint64
}

// PayloadCapacity is the maximum frame size (header+body+trailing data) a
// slot can hold.
func (r *Ring) PayloadCapacity() int { return r.slotSize - slotHeaderSize }

// SlotCount returns the number of slots in the ring.
func (r *Ring) SlotCount() uint64 { return r.slotCount }

// New wraps buf as a ring of the given slot size. buf must be at least
// slotSize*slotCount bytes; a separate 8-byte counterRegion (if non-nil;
// segments pass the cursor word from their header) backs the shared write
// cursor so the ring is usable across process boundaries. When counterRegion is nil the cursor is
// process-local, appropriate for anonymous-memory rings used in tests.
func New(buf []byte, slotSize int, slotCount uint64, counterRegion []byte) (*Ring, error) {
	if slotSize <= slotHeaderSize {
		return nil, errors.New("shmring: slot size too small")
	}
	if uint64(len(buf)) < slotSize_mul(slotSize, slotCount) {
		return nil, errors.New("shmring: buffer too small for slot layout")
	}
	r := &Ring{buf: buf, slotSize: slotSize, slotCount: slotCount}
	if counterRegion != nil {
		if len(counterRegion) < 8 {
			return nil, errors.New("shmring: counter region too small")
		}
		r.cursor = (*uint64)(unsafe.Pointer(&counterRegion[0]))
	}
	return r, nil
}

func slotSize_mul(slotSize int, slotCount uint64) uint64 { return uint64(slotSize) * slotCount }

func (r *Ring) nextTicket() uint64 {
	if r.cursor != nil {
		return atomic.AddUint64(r.cursor, 1) - 1
	}
	return r.localCtr.Add(1) - 1
}

func (r *Ring) currentTicket() uint64 {
	if r.cursor != nil {
		return atomic.LoadUint64(r.cursor)
	}
	return r.localCtr.Load()
}

func (r *Ring) slotOffset(ticket uint64) int {
	return int(ticket%r.slotCount) * r.slotSize
}

func (r *Ring) seqPtr(off int) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.buf[off]))
}

// Reserve atomically allocates a slot for a size-byte frame and returns the
// ticket identifying it along with a writable view into the ring. The
// returned slice has length size; the caller fills it and calls Publish with
// the same ticket. Reserve never fails for admissible sizes; if the ring is
// full it silently claims the slot currently held by the oldest unconsumed
// message.
func (r *Ring) Reserve(size int) (ticket uint64, slot []byte, err error) {
	if size > r.PayloadCapacity() {
		return 0, nil, ErrFrameTooLarge
	}
	ticket = r.nextTicket()
	off := r.slotOffset(ticket)
	return ticket, r.buf[off+slotHeaderSize : off+slotHeaderSize+size], nil
}

// Publish makes the slot at ticket visible to readers, release-ordered
// against the writes Reserve's caller made into the returned slice.
func (r *Ring) Publish(ticket uint64, size int) {
	off := r.slotOffset(ticket)
	binary.LittleEndian.PutUint32(r.buf[off+8:], uint32(size))
	atomic.StoreUint64(r.seqPtr(off), ticket+1)
}

// Read returns the frame at cursor if it has been published, or ok=false if
// no new message is available for that cursor yet. next is the cursor value
// to pass on the following call: normally cursor+1, but it skips forward
// when the slot has already been overwritten by a faster producer, which is
// how a lagging reader catches up after lossy overflow.
func (r *Ring) Read(cursor uint64) (data []byte, next uint64, ok bool) {
	off := r.slotOffset(cursor)
	seq := atomic.LoadUint64(r.seqPtr(off))
	switch {
	case seq == cursor+1:
		size := binary.LittleEndian.Uint32(r.buf[off+8:])
		return r.buf[off+slotHeaderSize : off+slotHeaderSize+int(size)], cursor + 1, true
	case seq > cursor+1:
		// This slot was overwritten by the producer before we consumed it;
		// catch up to the oldest ticket still resident anywhere in the ring.
		return nil, r.currentTicket() - r.slotCount, false
	default:
		return nil, cursor, false
	}
}

// InitialReadingIndex returns the cursor a newly attached reader should start
// from, skipping whatever backlog already sits in the ring.
func (r *Ring) InitialReadingIndex() uint64 {
	return r.currentTicket()
}
