package shm

import (
	"runtime"
	"unsafe"
)

// Header layout at the start of every segment. All fields are 8-byte
// aligned and accessed atomically; the slot table is only touched while the
// lock word is held.
//
//	0   magic    uint64  Magic once published, MagicDead after teardown
//	8   version  uint32
//	16  size     uint64  data size requested by the creator
//	24  creator  uint64  creator pid
//	32  attach   uint64  attach count
//	40  flags    uint64
//	48  lock     uint32  pid of the lock holder, 0 when free
//	64  slots    [MaxAttachers]uint32 attacher pids
const (
	HeaderSize   = 256
	MaxAttachers = 32

	Magic     uint64 = 0x52544353484d0001
	MagicDead uint64 = 0x52544353484dffff
	Version   uint32 = 1

	FlagCreatorReleased uint64 = 1 << 0

	offMagic   = 0
	offVersion = 8
	offSize    = 16
	offCreator = 24
	offAttach  = 32
	offFlags   = 40
	offLock    = 48
	offSlots   = 64
)

// Header is a view over the first HeaderSize bytes of a mapping.
type Header struct {
	mem []byte
}

// HeaderOf returns the header view of mem, which must be at least HeaderSize long.
func HeaderOf(mem []byte) Header {
	return Header{mem: mem[:HeaderSize:HeaderSize]}
}

func (h Header) ptr(off int) unsafe.Pointer {
	return unsafe.Pointer(&h.mem[off])
}

func (h Header) Magic() uint64   { return AtomicLoadUint64(h.ptr(offMagic)) }
func (h Header) Version() uint32 { return AtomicLoadUint32(h.ptr(offVersion)) }
func (h Header) Size() uint64    { return AtomicLoadUint64(h.ptr(offSize)) }
func (h Header) Creator() uint32 { return uint32(AtomicLoadUint64(h.ptr(offCreator))) }
func (h Header) Attach() uint64  { return AtomicLoadUint64(h.ptr(offAttach)) }
func (h Header) Flags() uint64   { return AtomicLoadUint64(h.ptr(offFlags)) }

// Ready reports whether the creator has published the segment.
func (h Header) Ready() bool { return h.Magic() == Magic }

// Dead reports whether the segment has been torn down.
func (h Header) Dead() bool { return h.Magic() == MagicDead }

// Init fills in a freshly created header. The magic stays unpublished until
// Publish so attachers never observe a half-initialised segment.
func (h Header) Init(size uint64, creator uint32) {
	AtomicStoreUint32(h.ptr(offVersion), Version)
	AtomicStoreUint64(h.ptr(offSize), size)
	AtomicStoreUint64(h.ptr(offCreator), uint64(creator))
	AtomicStoreUint64(h.ptr(offAttach), 0)
	AtomicStoreUint64(h.ptr(offFlags), 0)
	AtomicStoreUint32(h.ptr(offLock), 0)
	for i := 0; i < MaxAttachers; i++ {
		AtomicStoreUint32(h.slot(i), 0)
	}
}

// StampCreator records the creating pid ahead of Init, so an attacher can
// tell a creator that died before publishing from one still initialising.
func (h Header) StampCreator(pid uint32) { AtomicStoreUint64(h.ptr(offCreator), uint64(pid)) }

// KillUnpublished marks a segment that was never published dead. It reports
// false if the segment was published or killed in the meantime, so exactly
// one caller wins.
func (h Header) KillUnpublished() bool {
	return AtomicCompareAndSwapUint64(h.ptr(offMagic), 0, MagicDead)
}

// Publish makes the segment visible to attachers.
func (h Header) Publish() { AtomicStoreUint64(h.ptr(offMagic), Magic) }

// Kill marks the segment dead. Openers that still hold a mapping of it must
// drop it and create a fresh object.
func (h Header) Kill() { AtomicStoreUint64(h.ptr(offMagic), MagicDead) }

// Lock spins until the header lock is taken by pid.
func (h Header) Lock(pid uint32) {
	for i := 0; !AtomicCompareAndSwapUint32(h.ptr(offLock), 0, pid); i++ {
		if i&63 == 63 {
			runtime.Gosched()
		}
	}
}

// Unlock releases the header lock.
func (h Header) Unlock() { AtomicStoreUint32(h.ptr(offLock), 0) }

// LockHolder returns the pid holding the lock, or 0.
func (h Header) LockHolder() uint32 { return AtomicLoadUint32(h.ptr(offLock)) }

func (h Header) slot(i int) unsafe.Pointer {
	return h.ptr(offSlots + 4*i)
}

// Slots returns a copy of the attacher table.
func (h Header) Slots() []uint32 {
	out := make([]uint32, 0, MaxAttachers)
	for i := 0; i < MaxAttachers; i++ {
		if pid := AtomicLoadUint32(h.slot(i)); pid != 0 {
			out = append(out, pid)
		}
	}
	return out
}

// AttachLocked records pid in a free slot and bumps the attach count. The
// caller holds the lock. It returns -1 when the table is full.
func (h Header) AttachLocked(pid uint32) int {
	for i := 0; i < MaxAttachers; i++ {
		if AtomicLoadUint32(h.slot(i)) == 0 {
			AtomicStoreUint32(h.slot(i), pid)
			AtomicAddUint64(h.ptr(offAttach), 1)
			return i
		}
	}
	return -1
}

// DetachLocked frees slot and returns the remaining attach count. When the
// creator detaches, the creator-released flag is set. The caller holds the lock.
func (h Header) DetachLocked(slot int, creator bool) uint64 {
	if slot >= 0 && slot < MaxAttachers && AtomicLoadUint32(h.slot(slot)) != 0 {
		AtomicStoreUint32(h.slot(slot), 0)
		AtomicAddUint64(h.ptr(offAttach), -1)
	}
	if creator {
		AtomicStoreUint64(h.ptr(offFlags), h.Flags()|FlagCreatorReleased)
	}
	return h.Attach()
}

// ReapLocked clears the slots of processes that alive reports gone and
// returns how many were cleared. Slots owned by self are never reaped.
// A reaped creator counts as having released the segment.
func (h Header) ReapLocked(self uint32, alive func(pid uint32) bool) int {
	reaped := 0
	for i := 0; i < MaxAttachers; i++ {
		pid := AtomicLoadUint32(h.slot(i))
		if pid == 0 || pid == self || alive(pid) {
			continue
		}
		AtomicStoreUint32(h.slot(i), 0)
		AtomicAddUint64(h.ptr(offAttach), -1)
		if pid == h.Creator() {
			AtomicStoreUint64(h.ptr(offFlags), h.Flags()|FlagCreatorReleased)
		}
		reaped++
	}
	return reaped
}

// CreatorReleased reports whether the creator has released or exited.
func (h Header) CreatorReleased() bool {
	return h.Flags()&FlagCreatorReleased != 0
}
