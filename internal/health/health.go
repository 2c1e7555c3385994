// Package health builds liveness and readiness checks over the state of a
// realtime context.
package health

import (
	"errors"
	"fmt"
	"strings"

	"github.com/heptiolabs/healthcheck"
)

// ErrClosed is reported by the readiness check once the context is closed.
var ErrClosed = errors.New("context closed")

// FaultReporter lists faulted tasks.
type FaultReporter interface {
	Faulted() []string
}

// Closer reports whether a context has been closed.
type Closer interface {
	Closed() bool
}

// NoFaultedTasks fails while any task is faulted. A faulted task stays
// faulted until it is unregistered, so the process is not live.
func NoFaultedTasks(s FaultReporter) healthcheck.Check {
	return func() error {
		if names := s.Faulted(); len(names) > 0 {
			return fmt.Errorf("faulted tasks: %s", strings.Join(names, ", "))
		}
		return nil
	}
}

// Open fails once c is closed.
func Open(c Closer) healthcheck.Check {
	return func() error {
		if c.Closed() {
			return ErrClosed
		}
		return nil
	}
}

// Register adds the standard checks to h.
func Register(h healthcheck.Handler, s FaultReporter, c Closer) {
	h.AddLivenessCheck("tasks", NoFaultedTasks(s))
	h.AddReadinessCheck("context", Open(c))
}
