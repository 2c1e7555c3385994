// Package shm contains the platform stores backing shared memory segments
// and the layout of the header every segment starts with.
package shm

import (
	"errors"
	"os"
)

// Region is one mapping of a shared memory object into this process.
type Region struct {
	Name    string
	Key     int
	Mem     []byte
	Created bool
	// Owner is the creating pid as reported by the store itself, 0 when the
	// store cannot tell.
	Owner uint32

	// sysv segment id, -1 for other stores
	id int
}

// Options identifies the object to open. Size is the total size including
// the header and is only used when the object is created.
type Options struct {
	Name string
	Key  int
	Size int
	// Creator is stamped into the header of a newly created object before
	// Open returns.
	Creator uint32
}

// Store is the backend primitive. Open is a single race-free decision: it
// either creates the object exclusively (Region.Created) or maps the one that
// already exists.
type Store interface {
	Kind() string
	Open(opts Options) (*Region, error)
	Unmap(r *Region) error
	Unlink(r *Region) error
}

var (
	// ErrVanished is returned when the object disappeared between the failed
	// exclusive create and the open. The caller should retry.
	ErrVanished = errors.New("shared memory object vanished")
	// ErrNotReady is returned when the object exists but its creator has not
	// finished sizing it. The caller should retry.
	ErrNotReady = errors.New("shared memory object not ready")
	// ErrExhausted reports that the backend ran out of memory, slots or
	// space.
	ErrExhausted = errors.New("shared memory exhausted")
	// ErrUnsupported is returned by stores not available on this platform.
	ErrUnsupported = errors.New("shared memory store not supported on this platform")
)

// PageSize is the mapping granularity.
var PageSize = os.Getpagesize()

// RoundToPage rounds n up to a whole number of pages.
func RoundToPage(n int) int {
	if n <= 0 {
		return PageSize
	}
	return (n + PageSize - 1) / PageSize * PageSize
}
