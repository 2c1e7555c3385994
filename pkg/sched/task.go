package sched

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// State is the lifecycle state of a task.
type State int32

const (
	// Idle is the state of a freshly registered task.
	Idle State = iota
	// Registered is the state of a task stopped after running.
	Registered
	Running
	// Faulted tasks are never scheduled again; unregister and register anew.
	Faulted
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Registered:
		return "registered"
	case Running:
		return "running"
	case Faulted:
		return "faulted"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Body is the periodic function of a task. It receives the task period. A
// non-nil error faults the task.
type Body func(period time.Duration) error

// Stats is a snapshot of a task's runtime statistics.
type Stats struct {
	Invocations uint64
	// Overruns counts boundaries that found the previous invocation still
	// running.
	Overruns uint64
	// Missed counts boundaries skipped because the driver itself woke late.
	Missed      uint64
	LastRuntime time.Duration
	MaxRuntime  time.Duration
	LastJitter  time.Duration
	WorstJitter time.Duration
}

// Task is a registered periodic function.
type Task struct {
	name     string
	period   time.Duration
	priority int
	body     Body
	seq      uint64

	state    atomic.Int32
	inFlight atomic.Bool
	wg       sync.WaitGroup

	invocations atomic.Uint64
	overruns    atomic.Uint64
	missed      atomic.Uint64
	lastRun     atomic.Int64
	maxRun      atomic.Int64
	lastJitter  atomic.Int64
	worstJitter atomic.Int64

	// guarded by Scheduler.mu
	fault        error
	unregistered bool
	// stopping is set while Stop waits for the last invocation
	stopping bool
	next         time.Time
	quit         chan struct{}

	invCounter prometheus.Counter
	ovrCounter prometheus.Counter
	runtime    prometheus.Observer
	jitter     prometheus.Observer
}

// Name returns the task name.
func (t *Task) Name() string { return t.name }

// Period returns the period after rounding to the base period.
func (t *Task) Period() time.Duration { return t.period }

// Priority returns the task priority.
func (t *Task) Priority() int { return t.priority }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// Stats returns a snapshot of the runtime statistics.
func (t *Task) Stats() Stats {
	return Stats{
		Invocations: t.invocations.Load(),
		Overruns:    t.overruns.Load(),
		Missed:      t.missed.Load(),
		LastRuntime: time.Duration(t.lastRun.Load()),
		MaxRuntime:  time.Duration(t.maxRun.Load()),
		LastJitter:  time.Duration(t.lastJitter.Load()),
		WorstJitter: time.Duration(t.worstJitter.Load()),
	}
}

// call runs the body once, turning a panic into an error.
func (t *Task) call() (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.body(t.period)
}

// record updates the statistics of one invocation that was due at due and
// ran from start to end.
func (t *Task) record(due, start, end time.Time) {
	run := end.Sub(start)
	jit := start.Sub(due)
	if jit < 0 {
		jit = -jit
	}
	t.invocations.Add(1)
	t.lastRun.Store(int64(run))
	storeMax(&t.maxRun, int64(run))
	t.lastJitter.Store(int64(jit))
	storeMax(&t.worstJitter, int64(jit))

	t.invCounter.Inc()
	t.runtime.Observe(run.Seconds())
	t.jitter.Observe(jit.Seconds())
}

func (t *Task) addOverruns(n uint64) {
	t.overruns.Add(n)
	t.ovrCounter.Add(float64(n))
}

// closeQuit signals the task's thread to exit. Called with Scheduler.mu held.
func (t *Task) closeQuit() {
	if t.quit != nil {
		close(t.quit)
		t.quit = nil
	}
}

func storeMax(v *atomic.Int64, n int64) {
	for {
		cur := v.Load()
		if n <= cur || v.CompareAndSwap(cur, n) {
			return
		}
	}
}
