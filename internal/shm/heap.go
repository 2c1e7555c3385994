package shm

import (
	"sync"
)

// HeapStore keeps segments in process memory. It backs the simulated
// backend; every registry sharing one HeapStore behaves like a separate
// process attached to the same machine.
type HeapStore struct {
	mu      sync.Mutex
	objects map[string][]byte
	limit   int
	used    int
}

// NewHeapStore returns a heap store. limit caps the total bytes held, 0 means
// no cap.
func NewHeapStore(limit int) *HeapStore {
	return &HeapStore{
		objects: make(map[string][]byte),
		limit:   limit,
	}
}

// Kind returns "heap".
func (s *HeapStore) Kind() string { return "heap" }

// Open creates the named object or returns the existing one.
func (s *HeapStore) Open(opts Options) (*Region, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if mem, ok := s.objects[opts.Name]; ok {
		return &Region{Name: opts.Name, Key: opts.Key, Mem: mem, id: -1}, nil
	}
	size := RoundToPage(opts.Size)
	if s.limit > 0 && s.used+size > s.limit {
		return nil, ErrExhausted
	}
	mem := make([]byte, size)
	HeaderOf(mem).StampCreator(opts.Creator)
	s.objects[opts.Name] = mem
	s.used += size
	return &Region{Name: opts.Name, Key: opts.Key, Mem: mem, Created: true, Owner: opts.Creator, id: -1}, nil
}

// Unmap is a no-op for heap objects.
func (s *HeapStore) Unmap(r *Region) error { return nil }

// Unlink drops the object if r still refers to it.
func (s *HeapStore) Unlink(r *Region) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mem, ok := s.objects[r.Name]
	if !ok || len(mem) == 0 || len(r.Mem) == 0 || &mem[0] != &r.Mem[0] {
		return nil
	}
	delete(s.objects, r.Name)
	s.used -= len(mem)
	return nil
}

// Len returns the number of live objects.
func (s *HeapStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
