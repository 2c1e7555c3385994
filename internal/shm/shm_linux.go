//go:build linux

package shm

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// SysvStore maps System V segments addressed by integer key. It backs the
// kernel backend, where segments are identified by key rather than by name.
type SysvStore struct {
	Mode int
}

// NewSysvStore returns a SysV store creating segments with permission bits 0600.
func NewSysvStore() *SysvStore {
	return &SysvStore{Mode: 0o600}
}

// Kind returns "sysv".
func (s *SysvStore) Kind() string { return "sysv" }

// Open creates the segment with IPC_EXCL or attaches the existing one.
func (s *SysvStore) Open(opts Options) (*Region, error) {
	if opts.Key <= 0 {
		return nil, fmt.Errorf("sysv key %d: %w", opts.Key, unix.EINVAL)
	}
	created := true
	id, err := unix.SysvShmGet(opts.Key, RoundToPage(opts.Size), unix.IPC_CREAT|unix.IPC_EXCL|s.Mode)
	if errors.Is(err, unix.EEXIST) {
		created = false
		id, err = unix.SysvShmGet(opts.Key, 0, 0)
		if errors.Is(err, unix.ENOENT) {
			return nil, ErrVanished
		}
	}
	if err != nil {
		return nil, classify("shmget", err)
	}

	mem, err := unix.SysvShmAttach(id, 0, 0)
	if err != nil {
		if created {
			_, _ = unix.SysvShmCtl(id, unix.IPC_RMID, nil)
		}
		if errors.Is(err, unix.EIDRM) || errors.Is(err, unix.EINVAL) {
			return nil, ErrVanished
		}
		return nil, classify("shmat", err)
	}
	if len(mem) < HeaderSize {
		_ = unix.SysvShmDetach(mem)
		return nil, ErrNotReady
	}
	owner := opts.Creator
	if created {
		HeaderOf(mem).StampCreator(opts.Creator)
	} else {
		var desc unix.SysvShmDesc
		if _, err := unix.SysvShmCtl(id, unix.IPC_STAT, &desc); err == nil {
			owner = uint32(desc.Cpid)
		} else {
			owner = 0
		}
	}
	return &Region{Name: opts.Name, Key: opts.Key, Mem: mem, Created: created, Owner: owner, id: id}, nil
}

// Unmap detaches the segment from this process.
func (s *SysvStore) Unmap(r *Region) error {
	if r == nil || r.Mem == nil {
		return nil
	}
	if err := unix.SysvShmDetach(r.Mem); err != nil {
		return fmt.Errorf("shmdt: %w", err)
	}
	r.Mem = nil
	return nil
}

// Unlink marks the segment for removal. The kernel frees it after the last
// detach and new opens of the key create a fresh segment.
func (s *SysvStore) Unlink(r *Region) error {
	if r.id < 0 {
		return nil
	}
	if _, err := unix.SysvShmCtl(r.id, unix.IPC_RMID, nil); err != nil &&
		!errors.Is(err, unix.EINVAL) && !errors.Is(err, unix.EIDRM) {
		return fmt.Errorf("shmctl IPC_RMID key %d: %w", r.Key, err)
	}
	return nil
}
