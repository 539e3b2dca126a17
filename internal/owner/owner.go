// Package owner implements the single named 8-byte shared word a broker
// uses to guarantee only one instance runs against a given pair of ring
// segments at a time. The word holds the PID of the broker that currently
// owns it; a dead owner's PID is recoverable by any new broker without
// manual cleanup.
package owner

import (
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// ErrOwnerAlive is returned by Acquire when another live broker already
// holds the word.
var ErrOwnerAlive = errors.New("owner: another broker instance is already running")

// Word wraps the mmap-ed 8-byte segment holding the owner PID.
type Word struct {
	mem  []byte
	path string
	ptr  *uint64
}

func segmentPath(name string) string {
	const dir = "/dev/shm"
	if info, err := os.Stat(dir); err == nil && info.IsDir() {
		return dir + "/" + name
	}
	return os.TempDir() + "/" + name
}

// Acquire creates-or-attaches the named owner segment and installs this
// process's PID, following spec's arbitration rule: a live owner causes
// ErrOwnerAlive; a dead owner is taken over via compare-and-swap pinned to
// the observed dead PID, so a concurrent racer that wins leaves this call
// failing instead of corrupting state.
func Acquire(name string) (*Word, error) {
	path := segmentPath(name)
	pid := uint64(os.Getpid())

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("owner: open %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("owner: stat %s: %w", path, err)
	}
	created := info.Size() == 0
	if created {
		if err := file.Truncate(8); err != nil {
			return nil, fmt.Errorf("owner: truncate %s: %w", path, err)
		}
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, 8, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("owner: mmap %s: %w", path, err)
	}

	w := &Word{mem: mem, path: path, ptr: (*uint64)(unsafe.Pointer(&mem[0]))}

	if created {
		atomic.StoreUint64(w.ptr, pid)
		return w, nil
	}

	current := atomic.LoadUint64(w.ptr)
	if current == 0 {
		if atomic.CompareAndSwapUint64(w.ptr, 0, pid) {
			return w, nil
		}
		current = atomic.LoadUint64(w.ptr)
	}

	if current != 0 && pidAlive(current) {
		unix.Munmap(mem)
		return nil, ErrOwnerAlive
	}

	// Dead owner: take over via CAS pinned to the dead pid we observed. A
	// changed expectation means a racing broker already won.
	if !atomic.CompareAndSwapUint64(w.ptr, current, pid) {
		unix.Munmap(mem)
		return nil, ErrOwnerAlive
	}
	return w, nil
}

// pidAlive probes OS liveness the way spec requires: signal 0 delivers no
// actual signal, only existence/permission information.
func pidAlive(pid uint64) bool {
	if pid == 0 {
		return false
	}
	err := unix.Kill(int(pid), 0)
	if err == nil {
		return true
	}
	return !errors.Is(err, unix.ESRCH)
}

// Release zeroes the owner word, but only if this process still holds it —
// a broker that lost a race (and thus never truly owned the word) must not
// clobber whoever took over.
func (w *Word) Release() error {
	pid := uint64(os.Getpid())
	atomic.CompareAndSwapUint64(w.ptr, pid, 0)
	return unix.Munmap(w.mem)
}
