package sched

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/internal/metrics"
)

func nop(time.Duration) error { return nil }

type SchedulerSuite struct {
	suite.Suite
	backend api.Backend
	reg     *prometheus.Registry
	m       *metrics.Metrics
	s       *Scheduler
}

func (ts *SchedulerSuite) SetupTest() {
	ts.reg = prometheus.NewRegistry()
	ts.m = metrics.New(ts.reg)
	s, err := New(ts.backend, WithMetrics(ts.m), WithBasePeriod(time.Millisecond))
	ts.Require().NoError(err)
	ts.s = s
}

func (ts *SchedulerSuite) TearDownTest() {
	ts.NoError(ts.s.Close())
}

func TestSimulatedScheduler(t *testing.T) {
	suite.Run(t, &SchedulerSuite{backend: api.BackendSimulated})
}

func (ts *SchedulerSuite) TestRegisterValidation() {
	_, err := ts.s.Register("", time.Millisecond, 10, nop)
	ts.ErrorIs(err, api.ErrInvalidName)
	_, err = ts.s.Register("x", 0, 10, nop)
	ts.ErrorIs(err, api.ErrInvalidPeriod)
	_, err = ts.s.Register("x", time.Nanosecond, 10, nop)
	ts.ErrorIs(err, api.ErrInvalidPeriod)
	_, err = ts.s.Register("x", time.Millisecond, 0, nop)
	ts.ErrorIs(err, api.ErrInvalidPriority)
	_, err = ts.s.Register("x", time.Millisecond, 100, nop)
	ts.ErrorIs(err, api.ErrInvalidPriority)

	task, err := ts.s.Register("x", time.Millisecond, 10, nop)
	ts.Require().NoError(err)
	ts.Equal(Idle, task.State())

	_, err = ts.s.Register("x", 2*time.Millisecond, 20, nop)
	ts.ErrorIs(err, api.ErrDuplicateName)
	ts.Equal(api.KindDuplicateName, api.KindOf(err))
	ts.Contains(err.Error(), `"x"`)
}

func (ts *SchedulerSuite) TestPeriodRounding() {
	ts.Equal(time.Millisecond, ts.s.BasePeriod())
	task, err := ts.s.Register("r", 2400*time.Microsecond, 10, nop)
	ts.Require().NoError(err)
	ts.Equal(2*time.Millisecond, task.Period())

	task, err = ts.s.Register("tiny", 100*time.Microsecond, 10, nop)
	ts.Require().NoError(err)
	ts.Equal(time.Millisecond, task.Period())

	ts.ErrorIs(ts.s.SetBasePeriod(2*time.Millisecond), api.ErrInvalidState)
	ts.NoError(ts.s.SetBasePeriod(time.Millisecond))
	ts.ErrorIs(ts.s.SetBasePeriod(time.Microsecond), api.ErrInvalidPeriod)
}

func (ts *SchedulerSuite) TestStateTransitions() {
	task, err := ts.s.Register("st", time.Millisecond, 10, nop)
	ts.Require().NoError(err)

	ts.ErrorIs(ts.s.Stop(task), api.ErrInvalidState)
	ts.Require().NoError(ts.s.Start(task))
	ts.Equal(Running, task.State())
	ts.ErrorIs(ts.s.Start(task), api.ErrInvalidState)

	ts.Require().NoError(ts.s.Stop(task))
	ts.Equal(Registered, task.State())
	ts.Require().NoError(ts.s.Start(task))
	ts.Require().NoError(ts.s.Stop(task))

	ts.Require().NoError(ts.s.Unregister(task))
	ts.ErrorIs(ts.s.Unregister(task), api.ErrAlreadyReleased)
	ts.ErrorIs(ts.s.Start(task), api.ErrNotFound)
	_, ok := ts.s.Lookup("st")
	ts.False(ok)
}

func (ts *SchedulerSuite) TestStopWaitsForBody() {
	started := make(chan struct{}, 1)
	var finished atomic.Bool
	task, err := ts.s.Register("sleeper", 2*time.Millisecond, 10, func(time.Duration) error {
		select {
		case started <- struct{}{}:
		default:
		}
		time.Sleep(50 * time.Millisecond)
		finished.Store(true)
		return nil
	})
	ts.Require().NoError(err)
	ts.Require().NoError(ts.s.Start(task))

	<-started
	begin := time.Now()
	ts.Require().NoError(ts.s.Stop(task))
	ts.True(finished.Load(), "stop returned before the body")
	ts.GreaterOrEqual(time.Since(begin), 20*time.Millisecond)

	// nothing runs after stop
	n := task.Stats().Invocations
	time.Sleep(20 * time.Millisecond)
	ts.Equal(n, task.Stats().Invocations)
}

func (ts *SchedulerSuite) TestNoOverlapAndBound() {
	var active, maxActive atomic.Int32
	task, err := ts.s.Register("bound", 2*time.Millisecond, 10, func(time.Duration) error {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(3 * time.Millisecond)
		active.Add(-1)
		return nil
	})
	ts.Require().NoError(err)

	begin := time.Now()
	ts.Require().NoError(ts.s.Start(task))
	time.Sleep(200 * time.Millisecond)
	ts.Require().NoError(ts.s.Stop(task))
	elapsed := time.Since(begin)

	stats := task.Stats()
	bound := uint64(elapsed/task.Period()) + 2
	ts.LessOrEqual(stats.Invocations, bound)
	ts.Positive(stats.Invocations)
	ts.Equal(int32(1), maxActive.Load())
	ts.Positive(stats.Overruns)
}

func (ts *SchedulerSuite) TestOverrunScenario() {
	fast, err := ts.s.Register("X", time.Millisecond, 10, nop)
	ts.Require().NoError(err)
	ts.Require().NoError(ts.s.Start(fast))
	time.Sleep(time.Second)
	ts.Require().NoError(ts.s.Stop(fast))
	ts.Zero(fast.Stats().Overruns)
	ts.Positive(fast.Stats().Invocations)
	ts.Require().NoError(ts.s.Unregister(fast))

	slow, err := ts.s.Register("X", time.Millisecond, 10, func(time.Duration) error {
		time.Sleep(5 * time.Millisecond)
		return nil
	})
	ts.Require().NoError(err)
	ts.Require().NoError(ts.s.Start(slow))
	var last uint64
	for i := 0; i < 10; i++ {
		time.Sleep(100 * time.Millisecond)
		cur := slow.Stats().Overruns
		ts.GreaterOrEqual(cur, last)
		last = cur
	}
	ts.Require().NoError(ts.s.Stop(slow))
	ts.Greater(last, uint64(100))
	stats := slow.Stats()
	ts.GreaterOrEqual(stats.MaxRuntime, 5*time.Millisecond)

	var m dto.Metric
	ts.Require().NoError(ts.m.TaskOverruns.WithLabelValues("X").Write(&m))
	ts.Equal(float64(stats.Overruns), m.GetCounter().GetValue())
}

func (ts *SchedulerSuite) TestBodyErrorFaults() {
	var calls atomic.Int32
	boom := errors.New("following error exceeded")
	task, err := ts.s.Register("axis", time.Millisecond, 10, func(time.Duration) error {
		if calls.Add(1) == 3 {
			return boom
		}
		return nil
	})
	ts.Require().NoError(err)
	ts.Require().NoError(ts.s.Start(task))

	ts.Eventually(func() bool { return task.State() == Faulted }, time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	ts.Equal(int32(3), calls.Load(), "faulted task is not scheduled again")
	ts.Equal([]string{"axis"}, ts.s.Faulted())

	ts.ErrorIs(ts.s.Start(task), api.ErrFaulted)
	ts.ErrorIs(ts.s.Stop(task), api.ErrFaulted)
	ts.Equal(Faulted, task.State())

	ts.Require().NoError(ts.s.Unregister(task))
	again, err := ts.s.Register("axis", time.Millisecond, 10, nop)
	ts.Require().NoError(err)
	ts.Equal(Idle, again.State())
	ts.Empty(ts.s.Faulted())
}

func (ts *SchedulerSuite) TestPanicFaults() {
	task, err := ts.s.Register("panicky", time.Millisecond, 10, func(time.Duration) error {
		panic("bad index")
	})
	ts.Require().NoError(err)
	ts.Require().NoError(ts.s.Start(task))
	ts.Eventually(func() bool { return task.State() == Faulted }, time.Second, time.Millisecond)

	other, err := ts.s.Register("healthy", time.Millisecond, 10, nop)
	ts.Require().NoError(err)
	ts.Require().NoError(ts.s.Start(other))
	ts.Eventually(func() bool { return other.Stats().Invocations > 5 }, time.Second, time.Millisecond)
	ts.Equal(Running, other.State())
}

func (ts *SchedulerSuite) TestUnregisterRunning() {
	var calls atomic.Int32
	task, err := ts.s.Register("u", time.Millisecond, 10, func(time.Duration) error {
		calls.Add(1)
		return nil
	})
	ts.Require().NoError(err)
	ts.Require().NoError(ts.s.Start(task))
	ts.Eventually(func() bool { return calls.Load() > 0 }, time.Second, time.Millisecond)

	ts.Require().NoError(ts.s.Unregister(task))
	n := calls.Load()
	time.Sleep(10 * time.Millisecond)
	ts.Equal(n, calls.Load())
	ts.Empty(ts.s.Tasks())
}

// overlap tracks how many invocations of a body run at once.
type overlap struct {
	active, max atomic.Int32
}

func (o *overlap) body(d time.Duration) Body {
	return func(time.Duration) error {
		n := o.active.Add(1)
		for {
			m := o.max.Load()
			if n <= m || o.max.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(d)
		o.active.Add(-1)
		return nil
	}
}

func (ts *SchedulerSuite) TestStartDuringStopIsRejected() {
	var o overlap
	started := make(chan struct{}, 1)
	inner := o.body(50 * time.Millisecond)
	task, err := ts.s.Register("restart", time.Millisecond, 10, func(p time.Duration) error {
		select {
		case started <- struct{}{}:
		default:
		}
		return inner(p)
	})
	ts.Require().NoError(err)
	ts.Require().NoError(ts.s.Start(task))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- ts.s.Stop(task) }()
	time.Sleep(5 * time.Millisecond)

	ts.ErrorIs(ts.s.Start(task), api.ErrInvalidState)
	ts.Require().NoError(<-stopped)
	ts.Equal(int32(1), o.max.Load())

	ts.Require().NoError(ts.s.Start(task))
	ts.Eventually(func() bool { return task.Stats().Invocations > 1 }, time.Second, time.Millisecond)
	ts.Require().NoError(ts.s.Stop(task))
	ts.Equal(int32(1), o.max.Load())
}

func (ts *SchedulerSuite) TestConcurrentControl() {
	var o overlap
	task, err := ts.s.Register("contended", time.Millisecond, 10, o.body(2*time.Millisecond))
	ts.Require().NoError(err)

	var wg sync.WaitGroup
	deadline := time.Now().Add(300 * time.Millisecond)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for time.Now().Before(deadline) {
				var err error
				if i%2 == 0 {
					err = ts.s.Start(task)
				} else {
					err = ts.s.Stop(task)
				}
				if err != nil && !errors.Is(err, api.ErrInvalidState) {
					ts.Failf("unexpected control error", "%v", err)
					return
				}
				time.Sleep(time.Duration(i+1) * time.Millisecond)
			}
		}(i)
	}
	wg.Wait()

	ts.Require().NoError(ts.s.Unregister(task))
	ts.Equal(int32(0), o.active.Load())
	ts.Equal(int32(1), o.max.Load())
	ts.Positive(task.Stats().Invocations)
}

func TestTickDriver_PriorityOrder(t *testing.T) {
	s, err := New(api.BackendSimulated, WithBasePeriod(time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	for _, spec := range []struct {
		name string
		prio int
	}{
		{"low", 5}, {"high-a", 50}, {"mid", 20}, {"high-b", 50}, {"top", 90},
	} {
		_, err := s.Register(spec.name, time.Millisecond, spec.prio, nop)
		require.NoError(t, err)
	}

	drv := s.drv.(*tickDriver)
	s.mu.Lock()
	for _, task := range s.tasks {
		drv.running[task] = struct{}{}
		task.next = time.Time{}
	}
	due := drv.collect(time.Now())
	s.mu.Unlock()

	var names []string
	for _, task := range due {
		names = append(names, task.Name())
	}
	assert.Equal(t, []string{"top", "high-a", "high-b", "mid", "low"}, names)

	s.mu.Lock()
	drv.running = map[*Task]struct{}{}
	s.mu.Unlock()
}

func TestScheduler_FirstTaskSetsBase(t *testing.T) {
	s, err := New(api.BackendSimulated)
	require.NoError(t, err)
	defer s.Close()

	assert.Zero(t, s.BasePeriod())
	_, err = s.Register("servo", 500*time.Microsecond, 50, nop)
	require.NoError(t, err)
	assert.Equal(t, 500*time.Microsecond, s.BasePeriod())

	slow, err := s.Register("slow", 2*time.Second, 10, nop)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, slow.Period())
}

func TestScheduler_UnknownBackend(t *testing.T) {
	_, err := New(api.Backend("rtai"))
	assert.Error(t, err)
	_, err = New(api.BackendSimulated, WithBasePeriod(time.Nanosecond))
	assert.ErrorIs(t, err, api.ErrInvalidPeriod)
}

func TestScheduler_CloseStopsEverything(t *testing.T) {
	s, err := New(api.BackendSimulated, WithBasePeriod(time.Millisecond))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, name := range []string{"a", "b", "c"} {
		task, err := s.Register(name, time.Millisecond, 10, nop)
		require.NoError(t, err)
		require.NoError(t, s.Start(task))
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.Eventually(t, func() bool { return task.Stats().Invocations > 0 }, time.Second, time.Millisecond)
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())
	assert.Empty(t, s.Tasks())
	require.NoError(t, s.Close())

	_, err = s.Register("late", time.Millisecond, 10, nop)
	assert.ErrorIs(t, err, api.ErrInvalidState)
}

func TestPriorityHelpers(t *testing.T) {
	assert.Equal(t, 99, PrioHighest())
	assert.Equal(t, 1, PrioLowest())
	assert.Equal(t, 11, PrioNextHigher(10))
	assert.Equal(t, 99, PrioNextHigher(99))
	assert.Equal(t, 9, PrioNextLower(10))
	assert.Equal(t, 1, PrioNextLower(1))
}

func TestRoundPeriod(t *testing.T) {
	tests := []struct {
		period, base, want time.Duration
	}{
		{time.Millisecond, time.Millisecond, time.Millisecond},
		{1499 * time.Microsecond, time.Millisecond, time.Millisecond},
		{1500 * time.Microsecond, time.Millisecond, 2 * time.Millisecond},
		{10 * time.Microsecond, time.Millisecond, time.Millisecond},
		{3 * time.Millisecond, 50 * time.Microsecond, 3 * time.Millisecond},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, roundPeriod(tt.period, tt.base), "%s on %s", tt.period, tt.base)
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "faulted", Faulted.String())
	assert.Equal(t, "State(9)", State(9).String())
}
