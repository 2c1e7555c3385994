package resource

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/srediag/rtcore/api"
)

// NativeDevices mirrors resources as entries under a directory shared by
// every process on the machine, normally <shm dir>/<prefix>dev. Each entry
// holds the owner's pid; entries whose owner has exited are reclaimed.
type NativeDevices struct {
	Root  string
	pid   int
	alive func(pid int) bool
}

// NewNativeDevices returns a device model rooted at root.
func NewNativeDevices(root string) *NativeDevices {
	return &NativeDevices{Root: root, pid: os.Getpid(), alive: pidExists}
}

// Kind returns "native".
func (d *NativeDevices) Kind() string { return "native" }

func (d *NativeDevices) path(category, name string) string {
	return filepath.Join(d.Root, category, name)
}

func (d *NativeDevices) Register(category, name string) error {
	dir := filepath.Join(d.Root, category)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("device dir: %w", err)
	}
	p := d.path(category, name)
	for attempt := 0; attempt < 2; attempt++ {
		err := d.create(dir, p)
		if err == nil {
			return nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("device %s: %w", p, err)
		}
		ok, err := d.reclaim(dir, p)
		if err != nil {
			return fmt.Errorf("device %s: %w", p, err)
		}
		if !ok {
			break
		}
	}
	return fmt.Errorf("device %s: %w", key(category, name), api.ErrDuplicateName)
}

// create writes the owner pid to a private file and links it in, so p
// never names an entry without an owner.
func (d *NativeDevices) create(dir, p string) error {
	tmp := filepath.Join(dir, "."+filepath.Base(p)+"."+uuid.NewString())
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(d.pid)), 0o644); err != nil {
		return err
	}
	defer os.Remove(tmp)
	return os.Link(tmp, p)
}

// reclaim removes the entry at p if its owner has exited. Reclaimers of a
// category serialise on its lock file and check the entry again under it,
// so an entry just created by a live owner is never removed.
func (d *NativeDevices) reclaim(dir, p string) (bool, error) {
	unlock, err := lockDir(dir)
	if err != nil {
		return false, err
	}
	defer unlock()
	if !d.stale(p) {
		return false, nil
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}
	return true, nil
}

func (d *NativeDevices) Unregister(category, name string) error {
	if err := os.Remove(d.path(category, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("device %s: %w", key(category, name), err)
	}
	return nil
}

// SetName renames an entry. The link fails if the new name exists, so a
// rename never overwrites another owner's device.
func (d *NativeDevices) SetName(category, oldName, newName string) error {
	oldPath, newPath := d.path(category, oldName), d.path(category, newName)
	if err := os.Link(oldPath, newPath); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("device %s: %w", key(category, newName), api.ErrDuplicateName)
		}
		return fmt.Errorf("device %s: %w", key(category, newName), err)
	}
	return os.Remove(oldPath)
}

// Owner returns the pid recorded for a device entry.
func (d *NativeDevices) Owner(category, name string) (int, error) {
	return readOwner(d.path(category, name))
}

// lockFile serialises reclaims within a category directory.
const lockFile = ".lock"

// ownerGrace is how long an entry without a readable pid may exist before
// it counts as abandoned.
const ownerGrace = time.Second

// stale reports whether the entry at p is gone or belongs to an exited
// process.
func (d *NativeDevices) stale(p string) bool {
	pid, err := readOwner(p)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return true
	case errors.Is(err, strconv.ErrSyntax):
		// written in place by a writer that crashed before the pid landed
		info, serr := os.Stat(p)
		return serr == nil && time.Since(info.ModTime()) > ownerGrace
	case err != nil:
		return false
	}
	return pid != d.pid && !d.alive(pid)
}

func readOwner(p string) (int, error) {
	raw, err := os.ReadFile(p)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(raw)))
}

func pidExists(pid int) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		return true
	}
	return ok
}
