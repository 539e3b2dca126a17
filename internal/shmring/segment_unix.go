//go:build linux || darwin

package shmring

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// CreateSegment creates the named backing segment for a ring with the given
// slot layout, failing if one already exists (the broker is the sole
// creator; clients only ever attach via OpenSegment).
func CreateSegment(name string, slotSize int, slotCount uint64) (*Segment, error) {
	path := segmentPath(name)
	size := layoutSize(slotSize, slotCount)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shmring: create segment %s: %w", path, err)
	}
	cleanup := func() {
		file.Close()
		os.Remove(path)
	}
	if err := file.Truncate(size); err != nil {
		cleanup()
		return nil, fmt.Errorf("shmring: truncate segment %s: %w", path, err)
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		cleanup()
		return nil, fmt.Errorf("shmring: mmap segment %s: %w", path, err)
	}
	// The file descriptor is not needed once mapped; the mapping keeps the
	// pages resident independent of the fd.
	file.Close()

	initHeader(mem, slotSize, slotCount)
	r, err := New(mem[segmentHeaderSize:], slotSize, slotCount, mem[hdrOffCursor:hdrOffCursor+8])
	if err != nil {
		unix.Munmap(mem)
		os.Remove(path)
		return nil, err
	}
	return &Segment{
		mem:     mem,
		Ring:    r,
		created: true,
		closer: func() error {
			err := unix.Munmap(mem)
			os.Remove(path)
			return err
		},
	}, nil
}

// OpenSegment attaches to an existing segment created by CreateSegment.
// wantSlotSize/wantSlotCount of 0 disables the layout check, which callers
// use only when they intentionally don't know the layout up front.
func OpenSegment(name string, wantSlotSize int, wantSlotCount uint64) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("shmring: open segment %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("shmring: stat segment %s: %w", path, err)
	}
	size := info.Size()
	if size < int64(segmentHeaderSize) {
		return nil, ErrInvalidSegment
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shmring: mmap segment %s: %w", path, err)
	}

	if err := validateOpenedHeader(mem, wantSlotSize, wantSlotCount); err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	slotSize, slotCount, _ := validateHeader(mem)

	r, err := New(mem[segmentHeaderSize:], slotSize, slotCount, mem[hdrOffCursor:hdrOffCursor+8])
	if err != nil {
		unix.Munmap(mem)
		return nil, err
	}
	return &Segment{
		mem:  mem,
		Ring: r,
		closer: func() error {
			return unix.Munmap(mem)
		},
	}, nil
}

// SegmentExists reports whether a segment with this name has already been
// created, without attaching to it. The client library uses this to decide
// whether it needs to spawn the broker.
func SegmentExists(name string) bool {
	_, err := os.Stat(segmentPath(name))
	return err == nil
}
