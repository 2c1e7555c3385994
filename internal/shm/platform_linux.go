/*
 * Copyright 2025 SREDiag Authors
 * Copyright 2023 CloudWeGo Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

//go:build linux

package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/disk"
	"golang.org/x/sys/unix"
)

// DefaultDir is where POSIX shared memory objects live on Linux.
const DefaultDir = "/dev/shm"

// PosixStore maps files under a tmpfs directory, the same objects
// shm_open(3) creates.
type PosixStore struct {
	Dir    string
	Prefix string
}

// NewPosixStore returns a store rooted at dir. Object names are prefixed with
// prefix so unrelated subsystems do not collide.
func NewPosixStore(dir, prefix string) *PosixStore {
	if dir == "" {
		dir = DefaultDir
	}
	return &PosixStore{Dir: dir, Prefix: prefix}
}

// Kind returns "posix".
func (s *PosixStore) Kind() string { return "posix" }

// Path returns the file backing name.
func (s *PosixStore) Path(name string) string {
	return filepath.Join(s.Dir, s.Prefix+name)
}

// Open creates the object or maps the existing one. The object is built
// under a private name and linked into place, so its path never names a
// file that is still being sized.
func (s *PosixStore) Open(opts Options) (*Region, error) {
	path := s.Path(opts.Name)
	r, err := s.create(path, opts)
	if errors.Is(err, unix.EEXIST) {
		return s.attach(path, opts)
	}
	return r, err
}

// shortGrace is how long a file too short to hold a header may stay before
// it counts as abandoned.
const shortGrace = time.Second

// creatingPrefix marks objects under construction; List skips them.
const creatingPrefix = ".creating."

func (s *PosixStore) create(path string, opts Options) (*Region, error) {
	if _, err := os.Stat(path); err == nil {
		return nil, unix.EEXIST
	}
	tmp := filepath.Join(s.Dir, creatingPrefix+s.Prefix+opts.Name+"."+uuid.NewString())
	fd, err := unix.Open(tmp, unix.O_RDWR|unix.O_CREAT|unix.O_EXCL|unix.O_CLOEXEC, 0o600)
	if err != nil {
		return nil, classify("open", err)
	}
	// the mapping keeps the object alive, the descriptor is not needed
	defer func() {
		_ = unix.Close(fd)
		_ = unix.Unlink(tmp)
	}()

	size := RoundToPage(opts.Size)
	if !canCreateOnDir(s.Dir, uint64(size)) {
		return nil, fmt.Errorf("%w: no space left in %s for %d bytes", ErrExhausted, s.Dir, size)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, classify("ftruncate", err)
	}
	mem, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, classify("mmap", err)
	}
	HeaderOf(mem).StampCreator(opts.Creator)

	if err := unix.Link(tmp, path); err != nil {
		_ = unix.Munmap(mem)
		if errors.Is(err, unix.EEXIST) {
			return nil, unix.EEXIST
		}
		return nil, classify("link", err)
	}
	return &Region{Name: opts.Name, Key: opts.Key, Mem: mem, Created: true, Owner: opts.Creator, id: -1}, nil
}

func (s *PosixStore) attach(path string, opts Options) (*Region, error) {
	fd, err := unix.Open(path, unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, ErrVanished
		}
		return nil, classify("open", err)
	}
	defer func() { _ = unix.Close(fd) }()

	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, classify("fstat", err)
	}
	if st.Size < HeaderSize {
		// our creators link objects in fully sized, so a short file is
		// another writer's, mid-create or crashed
		if time.Since(time.Unix(st.Mtim.Unix())) > shortGrace {
			_ = unix.Unlink(path)
			return nil, ErrVanished
		}
		return nil, ErrNotReady
	}
	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, classify("mmap", err)
	}
	return &Region{Name: opts.Name, Key: opts.Key, Mem: mem, id: -1}, nil
}

// Unmap drops this process's mapping.
func (s *PosixStore) Unmap(r *Region) error {
	if r == nil || r.Mem == nil {
		return nil
	}
	if err := unix.Munmap(r.Mem); err != nil {
		return fmt.Errorf("munmap: %w", err)
	}
	r.Mem = nil
	return nil
}

// Unlink removes the backing file. Existing mappings stay valid.
func (s *PosixStore) Unlink(r *Region) error {
	if err := unix.Unlink(s.Path(r.Name)); err != nil && !errors.Is(err, unix.ENOENT) {
		return fmt.Errorf("unlink %s: %w", s.Path(r.Name), err)
	}
	return nil
}

// List returns the object names under the store's prefix.
func (s *PosixStore) List() ([]string, error) {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), creatingPrefix) || !strings.HasPrefix(e.Name(), s.Prefix) {
			continue
		}
		names = append(names, strings.TrimPrefix(e.Name(), s.Prefix))
	}
	return names, nil
}

// ReadHeader returns a copy of the header bytes of name without attaching.
func (s *PosixStore) ReadHeader(name string) ([]byte, error) {
	f, err := os.Open(s.Path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	buf := make([]byte, HeaderSize)
	n, err := f.ReadAt(buf, 0)
	if n < HeaderSize {
		return nil, fmt.Errorf("short header in %s: %w", name, err)
	}
	return buf, nil
}

func canCreateOnDir(dir string, size uint64) bool {
	usage, err := disk.Usage(dir)
	if err != nil {
		// unknown filesystem, let ftruncate decide
		return true
	}
	return usage.Free >= size
}

func classify(op string, err error) error {
	switch {
	case errors.Is(err, unix.ENOSPC), errors.Is(err, unix.ENOMEM),
		errors.Is(err, unix.EMFILE), errors.Is(err, unix.ENFILE),
		errors.Is(err, unix.EFBIG):
		return fmt.Errorf("%s: %w: %v", op, ErrExhausted, err)
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}
