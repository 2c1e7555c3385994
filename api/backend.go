package api

import (
	"fmt"
	"strings"
)

// Backend names the realtime substrate a process runs on. It is chosen once
// at startup and fixed for the lifetime of the process.
type Backend string

const (
	// BackendKernel uses kernel-managed SysV segments and strict realtime
	// threads (locked memory, SCHED_FIFO required).
	BackendKernel Backend = "kernel"
	// BackendPosixRT uses POSIX shared memory and elevated POSIX threads,
	// degrading to ordinary threads when elevation is not permitted.
	BackendPosixRT Backend = "posix-rt"
	// BackendSimulated keeps segments in process memory and drives tasks
	// from a non-realtime tick loop.
	BackendSimulated Backend = "simulated"
)

// ParseBackend validates a backend name.
func ParseBackend(s string) (Backend, error) {
	switch b := Backend(strings.ToLower(strings.TrimSpace(s))); b {
	case BackendKernel, BackendPosixRT, BackendSimulated:
		return b, nil
	case "":
		return BackendSimulated, nil
	default:
		return "", fmt.Errorf("unknown backend %q", s)
	}
}

// Realtime reports whether the backend runs task bodies on dedicated
// OS threads.
func (b Backend) Realtime() bool {
	return b == BackendKernel || b == BackendPosixRT
}

// Decode implements envconfig.Decoder.
func (b *Backend) Decode(value string) error {
	parsed, err := ParseBackend(value)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}
