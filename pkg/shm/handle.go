package shm

import (
	"sync/atomic"
	"unsafe"

	"github.com/srediag/rtcore/api"
	internalshm "github.com/srediag/rtcore/internal/shm"
)

// Handle is a non-owning view of a segment. The storage belongs to the
// registry; releasing the handle detaches this holder only.
type Handle struct {
	reg      *Registry
	key      Key
	region   *internalshm.Region
	slot     int
	creator  bool
	size     int
	released atomic.Bool
}

// Key returns the segment key.
func (h *Handle) Key() Key { return h.key }

// Size returns the data size recorded by the creator. For attachers it may
// exceed the size they asked for.
func (h *Handle) Size() int { return h.size }

// MappedSize returns the data bytes actually mapped, rounded up to a page.
func (h *Handle) MappedSize() int {
	if h.released.Load() {
		return 0
	}
	return len(h.region.Mem) - internalshm.HeaderSize
}

// Creator reports whether this handle brought the segment into existence.
func (h *Handle) Creator() bool { return h.creator }

// AttachCount returns the number of handles attached across all processes.
func (h *Handle) AttachCount() uint64 {
	if h.released.Load() {
		return 0
	}
	return internalshm.HeaderOf(h.region.Mem).Attach()
}

// Released reports whether Release has been called.
func (h *Handle) Released() bool { return h.released.Load() }

// Bytes returns the data area, or nil after release.
func (h *Handle) Bytes() []byte {
	if h.released.Load() {
		return nil
	}
	off := internalshm.HeaderSize
	return h.region.Mem[off : off+h.size : off+h.size]
}

// Reset zeroes the data area. Only the creator may reset, and only while it
// is still attached.
func (h *Handle) Reset() error {
	if h.released.Load() {
		return api.NewError(opReset, h.key.String(), api.ErrAlreadyReleased)
	}
	if !h.creator {
		return api.NewError(opReset, h.key.String(), api.ErrNotCreator)
	}
	clear(h.Bytes())
	return nil
}

// Release detaches the handle. The segment is destroyed when this was the
// last holder and the creator has released. A second Release fails with
// api.ErrAlreadyReleased.
func (h *Handle) Release() error {
	if !h.released.CompareAndSwap(false, true) {
		return h.reg.fail(opRelease, api.Errorf(opRelease, h.key.String(), api.ErrAlreadyReleased, "handle released twice"))
	}
	return h.reg.release(h)
}

// View reinterprets the data area of h as a *T. The parties sharing the
// segment must agree on T's layout; T should hold no Go pointers.
func View[T any](h *Handle) (*T, error) {
	b := h.Bytes()
	if b == nil {
		return nil, api.NewError("view", h.key.String(), api.ErrAlreadyReleased)
	}
	var zero T
	if need := int(unsafe.Sizeof(zero)); need > len(b) {
		return nil, api.Errorf("view", h.key.String(), api.ErrSizeMismatch, "type needs %d bytes, segment has %d", need, len(b))
	}
	return (*T)(unsafe.Pointer(unsafe.SliceData(b))), nil
}
