//go:build !linux

package shm

// DefaultDir has no meaning outside Linux.
const DefaultDir = ""

// PosixStore is unavailable on this platform.
type PosixStore struct {
	Dir    string
	Prefix string
}

func NewPosixStore(dir, prefix string) *PosixStore { return &PosixStore{Dir: dir, Prefix: prefix} }

func (s *PosixStore) Kind() string { return "posix" }
func (s *PosixStore) Path(name string) string { return s.Dir + "/" + s.Prefix + name }
func (s *PosixStore) Open(Options) (*Region, error) { return nil, ErrUnsupported }
func (s *PosixStore) Unmap(*Region) error { return nil }
func (s *PosixStore) Unlink(*Region) error { return nil }
func (s *PosixStore) List() ([]string, error) { return nil, ErrUnsupported }
func (s *PosixStore) ReadHeader(string) ([]byte, error) { return nil, ErrUnsupported }

// SysvStore is unavailable on this platform.
type SysvStore struct {
	Mode int
}

func NewSysvStore() *SysvStore { return &SysvStore{Mode: 0o600} }

func (s *SysvStore) Kind() string { return "sysv" }
func (s *SysvStore) Open(Options) (*Region, error) { return nil, ErrUnsupported }
func (s *SysvStore) Unmap(*Region) error { return nil }
func (s *SysvStore) Unlink(*Region) error { return nil }
