package sched

import (
	"errors"
	"sort"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/internal/logging"
	"github.com/srediag/rtcore/internal/metrics"
)

// MaxNameLen is the longest task name accepted.
const MaxNameLen = 47

const (
	opRegister   = "register_task"
	opStart      = "start"
	opStop       = "stop"
	opUnregister = "unregister_task"
	opBase       = "set_base_period"
)

// driver runs the bodies of started tasks. start and stop are called with
// Scheduler.mu held; after stop returns no new invocation of the task
// begins, and the caller waits on Task.wg for the one in flight.
type driver interface {
	start(t *Task) error
	stop(t *Task)
	close()
}

// Scheduler registers and drives periodic tasks on one backend.
type Scheduler struct {
	backend api.Backend
	log     *zap.Logger
	metrics *metrics.Metrics
	limiter *rate.Limiter

	poolSize int

	mu     sync.Mutex
	tasks  map[string]*Task
	seq    uint64
	base   time.Duration
	drv    driver
	closed bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(s *Scheduler) { s.log = log.Named("sched") }
}

// WithMetrics sets the collectors updated by the scheduler.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// WithBasePeriod fixes the base period up front. Without it the first
// registered task sets it.
func WithBasePeriod(d time.Duration) Option {
	return func(s *Scheduler) { s.base = d }
}

// WithPoolSize sets the number of workers running simulated task bodies.
func WithPoolSize(n int) Option {
	return func(s *Scheduler) { s.poolSize = n }
}

// New returns a scheduler for backend.
func New(backend api.Backend, opts ...Option) (*Scheduler, error) {
	s := &Scheduler{
		backend:  backend,
		log:      zap.NewNop(),
		poolSize: 64,
		tasks:    make(map[string]*Task),
		// the first ten overrun reports go through, then one per second
		limiter: rate.NewLimiter(rate.Every(time.Second), 10),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = logging.OrNop(s.log)
	s.metrics = metrics.OrDiscard(s.metrics)

	if s.base != 0 {
		if err := checkBase(s.base); err != nil {
			return nil, err
		}
	}

	var err error
	switch backend {
	case api.BackendSimulated:
		s.drv, err = newTickDriver(s, s.poolSize)
	case api.BackendPosixRT:
		s.drv, err = newThreadDriver(s, false)
	case api.BackendKernel:
		s.drv, err = newThreadDriver(s, true)
	default:
		err = api.Errorf("new_scheduler", string(backend), api.ErrInvalidState, "unknown backend")
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Backend returns the scheduler's backend.
func (s *Scheduler) Backend() api.Backend { return s.backend }

// BasePeriod returns the base period, or 0 if no task has set it yet.
func (s *Scheduler) BasePeriod() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.base
}

// SetBasePeriod fixes the base period. It fails once a different base period
// is in effect.
func (s *Scheduler) SetBasePeriod(d time.Duration) error {
	if err := checkBase(d); err != nil {
		return s.fail(opBase, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.base != 0 && s.base != d {
		return s.fail(opBase, api.Errorf(opBase, d.String(), api.ErrInvalidState, "base period already %s", s.base))
	}
	s.base = d
	return nil
}

func checkBase(d time.Duration) error {
	if d < MinBasePeriod || d > MaxBasePeriod {
		return api.Errorf(opBase, d.String(), api.ErrInvalidPeriod, "base period must be within [%s, %s]", MinBasePeriod, MaxBasePeriod)
	}
	return nil
}

// Register creates a task in the Idle state. The period is rounded to a
// multiple of the base period.
func (s *Scheduler) Register(name string, period time.Duration, priority int, body Body) (*Task, error) {
	switch {
	case name == "" || len(name) > MaxNameLen:
		return nil, s.fail(opRegister, api.Errorf(opRegister, name, api.ErrInvalidName, "name must be 1 to %d bytes", MaxNameLen))
	case period < MinBasePeriod:
		return nil, s.fail(opRegister, api.Errorf(opRegister, name, api.ErrInvalidPeriod, "period %s below %s", period, MinBasePeriod))
	case priority < MinPriority || priority > MaxPriority:
		return nil, s.fail(opRegister, api.Errorf(opRegister, name, api.ErrInvalidPriority, "priority %d outside [%d, %d]", priority, MinPriority, MaxPriority))
	case body == nil:
		return nil, s.fail(opRegister, api.Errorf(opRegister, name, api.ErrInvalidState, "nil body"))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, s.fail(opRegister, api.Errorf(opRegister, name, api.ErrInvalidState, "scheduler closed"))
	}
	if _, ok := s.tasks[name]; ok {
		return nil, s.fail(opRegister, api.NewError(opRegister, name, api.ErrDuplicateName))
	}
	if s.base == 0 {
		s.base = min(period, MaxBasePeriod)
		s.log.Info("base period set by first task", zap.String("task", name), zap.Duration("base", s.base))
	}

	s.seq++
	t := &Task{
		name:       name,
		period:     roundPeriod(period, s.base),
		priority:   priority,
		body:       body,
		seq:        s.seq,
		invCounter: s.metrics.TaskInvocations.WithLabelValues(name),
		ovrCounter: s.metrics.TaskOverruns.WithLabelValues(name),
		runtime:    s.metrics.TaskRuntime.WithLabelValues(name),
		jitter:     s.metrics.TaskJitter.WithLabelValues(name),
	}
	t.state.Store(int32(Idle))
	s.tasks[name] = t

	if t.period != period {
		s.log.Debug("task period rounded", zap.String("task", name), zap.Duration("requested", period), zap.Duration("period", t.period))
	}
	s.log.Debug("task registered", zap.String("task", name), zap.Duration("period", t.period), zap.Int("priority", priority))
	return t, nil
}

// Start moves an Idle or Registered task to Running.
func (s *Scheduler) Start(t *Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.owned(opStart, t); err != nil {
		return s.fail(opStart, err)
	}
	switch t.State() {
	case Faulted:
		return s.fail(opStart, api.Errorf(opStart, t.name, api.ErrFaulted, "%v", t.fault))
	case Running:
		return s.fail(opStart, api.Errorf(opStart, t.name, api.ErrInvalidState, "already running"))
	}
	if t.stopping {
		return s.fail(opStart, api.Errorf(opStart, t.name, api.ErrInvalidState, "stop in progress"))
	}

	t.state.Store(int32(Running))
	if err := s.drv.start(t); err != nil {
		t.state.Store(int32(Registered))
		return s.fail(opStart, api.Errorf(opStart, t.name, api.ErrCreationFailed, "%v", err))
	}
	s.metrics.TasksRunning.Inc()
	s.log.Debug("task started", zap.String("task", t.name))
	return nil
}

// Stop moves a Running task back to Registered. It returns only after any
// in-flight invocation of the body has returned. Stopping a faulted task
// waits the same way and reports api.ErrFaulted.
func (s *Scheduler) Stop(t *Task) error {
	s.mu.Lock()
	if err := s.owned(opStop, t); err != nil {
		s.mu.Unlock()
		return s.fail(opStop, err)
	}
	state := t.State()
	if state != Running && state != Faulted {
		s.mu.Unlock()
		return s.fail(opStop, api.Errorf(opStop, t.name, api.ErrInvalidState, "task is %s", state))
	}
	s.halt(t)
	t.stopping = true
	s.mu.Unlock()

	t.wg.Wait()

	// the last invocation may have faulted while we waited
	s.mu.Lock()
	t.stopping = false
	fault := t.fault
	s.mu.Unlock()
	if fault != nil {
		return api.Errorf(opStop, t.name, api.ErrFaulted, "%v", fault)
	}
	s.log.Debug("task stopped", zap.String("task", t.name))
	return nil
}

// halt stops scheduling t. Called with s.mu held.
func (s *Scheduler) halt(t *Task) {
	s.drv.stop(t)
	if t.State() == Running {
		t.state.Store(int32(Registered))
		s.metrics.TasksRunning.Dec()
	}
}

// Unregister stops t if needed, waits for any in-flight invocation and
// removes it. A second Unregister fails with api.ErrAlreadyReleased.
func (s *Scheduler) Unregister(t *Task) error {
	s.mu.Lock()
	if t.unregistered {
		s.mu.Unlock()
		return s.fail(opUnregister, api.Errorf(opUnregister, t.name, api.ErrAlreadyReleased, "task unregistered twice"))
	}
	if err := s.owned(opUnregister, t); err != nil {
		s.mu.Unlock()
		return s.fail(opUnregister, err)
	}
	s.halt(t)
	t.unregistered = true
	delete(s.tasks, t.name)
	s.mu.Unlock()

	t.wg.Wait()
	s.metrics.ForgetTask(t.name)
	s.log.Debug("task unregistered", zap.String("task", t.name))
	return nil
}

func (s *Scheduler) owned(op string, t *Task) error {
	if t == nil {
		return api.Errorf(op, "", api.ErrNotFound, "nil task")
	}
	if t.unregistered || s.tasks[t.name] != t {
		return api.NewError(op, t.name, api.ErrNotFound)
	}
	return nil
}

// Lookup returns the task registered under name.
func (s *Scheduler) Lookup(name string) (*Task, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[name]
	return t, ok
}

// Tasks returns the registered tasks in dispatch order: priority descending,
// then registration order.
func (s *Scheduler) Tasks() []*Task {
	s.mu.Lock()
	out := make([]*Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		out = append(out, t)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return before(out[i], out[j]) })
	return out
}

// Faulted returns the names of faulted tasks.
func (s *Scheduler) Faulted() []string {
	var names []string
	for _, t := range s.Tasks() {
		if t.State() == Faulted {
			names = append(names, t.name)
		}
	}
	return names
}

// Close unregisters every task and shuts the driver down.
func (s *Scheduler) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	var err error
	for _, t := range s.Tasks() {
		if uerr := s.Unregister(t); uerr != nil && !errors.Is(uerr, api.ErrAlreadyReleased) {
			err = multierr.Append(err, uerr)
		}
	}
	s.drv.close()
	return err
}

// invoke runs one invocation of t due at due and reports whether the task
// is still healthy.
func (s *Scheduler) invoke(t *Task, due time.Time) bool {
	start := time.Now()
	err := t.call()
	t.record(due, start, time.Now())
	if err != nil {
		s.faultTask(t, err)
		return false
	}
	return true
}

func (s *Scheduler) faultTask(t *Task, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t.fault = err
	if t.State() == Running {
		s.drv.stop(t)
		s.metrics.TasksRunning.Dec()
	}
	t.state.Store(int32(Faulted))
	if !t.unregistered {
		s.metrics.TaskFaults.WithLabelValues(t.name).Inc()
	}
	s.log.Error("task faulted", zap.String("task", t.name), zap.Error(err))
}

// overrun records n boundaries that found t still running.
func (s *Scheduler) overrun(t *Task, n uint64) {
	t.addOverruns(n)
	if s.limiter.Allow() {
		s.log.Warn("task overrun",
			zap.String("task", t.name),
			zap.Duration("period", t.period),
			zap.Uint64("overruns", t.overruns.Load()))
	}
}

func (s *Scheduler) fail(op string, err error) error {
	kind := api.KindOf(err)
	s.metrics.SetupErrors.WithLabelValues(op, kind.String()).Inc()
	s.log.Error("scheduler operation failed", zap.String("op", op), zap.Stringer("kind", kind), zap.Error(err))
	return err
}

// before orders tasks for dispatch.
func before(a, b *Task) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	return a.seq < b.seq
}
