package verbs

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
)

// Access is the permission set attached to a registered region.
type Access uint32

const (
	AccessLocalWrite Access = 1 << iota
	AccessRemoteRead
	AccessRemoteWrite
	AccessRemoteAtomic
)

func (a Access) Has(flags Access) bool {
	return a&flags == flags
}

func (a Access) String() string {
	if a == 0 {
		return "none"
	}
	out := ""
	for _, f := range []struct {
		bit  Access
		name string
	}{
		{AccessLocalWrite, "local_write"},
		{AccessRemoteRead, "remote_read"},
		{AccessRemoteWrite, "remote_write"},
		{AccessRemoteAtomic, "remote_atomic"},
	} {
		if a&f.bit == 0 {
			continue
		}
		if out != "" {
			out += "|"
		}
		out += f.name
	}
	return out
}

// Region is a registered buffer. Once registered, its memory must only be
// touched through the Region accessors; the device agent writes into it
// concurrently on behalf of remote peers.
type Region struct {
	dev    *Device
	mu     sync.RWMutex
	buf    []byte
	addr   uint64
	lkey   uint32
	rkey   uint32
	access Access
	gone   atomic.Bool
}

func (r *Region) Addr() uint64   { return r.addr }
func (r *Region) Len() int       { return len(r.buf) }
func (r *Region) LKey() uint32   { return r.lkey }
func (r *Region) RKey() uint32   { return r.rkey }
func (r *Region) Access() Access { return r.access }

func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if err := r.check(off, len(p)); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copy(p, r.buf[off:]), nil
}

func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if err := r.check(off, len(p)); err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return copy(r.buf[off:], p), nil
}

// Load64 reads a big-endian word.
func (r *Region) Load64(off int64) (uint64, error) {
	if err := r.check(off, 8); err != nil {
		return 0, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return binary.BigEndian.Uint64(r.buf[off : off+8]), nil
}

// Store64 writes a big-endian word.
func (r *Region) Store64(off int64, v uint64) error {
	if err := r.check(off, 8); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	binary.BigEndian.PutUint64(r.buf[off:off+8], v)
	return nil
}

func (r *Region) check(off int64, n int) error {
	if off < 0 || n < 0 || uint64(off)+uint64(n) > uint64(len(r.buf)) {
		return fmt.Errorf("%w: off=%d len=%d size=%d", ErrOutOfRange, off, n, len(r.buf))
	}
	return nil
}

// translate maps a remote virtual address to a region offset.
func (r *Region) translate(addr uint64, n uint64) (int64, bool) {
	if addr < r.addr {
		return 0, false
	}
	off := addr - r.addr
	size := uint64(len(r.buf))
	if off > size || n > size-off {
		return 0, false
	}
	return int64(off), true
}

func (r *Region) snapshot(off int64, n int) []byte {
	out := make([]byte, n)
	r.mu.RLock()
	copy(out, r.buf[off:off+int64(n)])
	r.mu.RUnlock()
	return out
}

func (r *Region) compareAndSwap(off int64, compare, swap uint64) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	word := r.buf[off : off+8]
	orig := binary.BigEndian.Uint64(word)
	if orig == compare {
		binary.BigEndian.PutUint64(word, swap)
	}
	return orig
}
