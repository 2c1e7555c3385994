package sched

import (
	"fmt"
	"sync"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// tickDriver is the simulated backend. One loop wakes at the base period,
// orders the due tasks by priority and hands their bodies to a worker pool,
// so a slow body never delays the dispatch of others.
type tickDriver struct {
	s    *Scheduler
	pool *ants.Pool
	due  *queue.PriorityQueue

	// guarded by Scheduler.mu
	running map[*Task]struct{}
	loop    bool

	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// dueItem orders tasks in the priority queue, which pops the smallest item
// first.
type dueItem struct {
	t *Task
}

func (d dueItem) Compare(other queue.Item) int {
	o := other.(dueItem).t
	switch {
	case d.t == o:
		return 0
	case before(d.t, o):
		return -1
	default:
		return 1
	}
}

func newTickDriver(s *Scheduler, size int) (*tickDriver, error) {
	d := &tickDriver{
		s:       s,
		due:     queue.NewPriorityQueue(16, false),
		running: make(map[*Task]struct{}),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	pool, err := ants.NewPool(size,
		ants.WithNonblocking(true),
		ants.WithPanicHandler(func(p any) {
			s.log.Error("worker panic outside task body", zap.Any("panic", p))
		}))
	if err != nil {
		return nil, fmt.Errorf("worker pool: %w", err)
	}
	d.pool = pool
	return d, nil
}

func (d *tickDriver) start(t *Task) error {
	t.next = time.Now().Add(t.period)
	d.running[t] = struct{}{}
	if !d.loop {
		d.loop = true
		go d.run(d.s.base)
	}
	return nil
}

func (d *tickDriver) stop(t *Task) {
	delete(d.running, t)
}

func (d *tickDriver) close() {
	d.once.Do(func() {
		close(d.quit)
		d.s.mu.Lock()
		started := d.loop
		d.s.mu.Unlock()
		if started {
			<-d.done
		}
		d.due.Dispose()
		d.pool.Release()
	})
}

func (d *tickDriver) run(base time.Duration) {
	defer close(d.done)
	ticker := time.NewTicker(base)
	defer ticker.Stop()
	for {
		select {
		case <-d.quit:
			return
		case now := <-ticker.C:
			d.tick(now)
		}
	}
}

// tick dispatches every task due at now.
func (d *tickDriver) tick(now time.Time) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	for _, t := range d.collect(now) {
		d.dispatch(t, now)
	}
}

// collect returns the running tasks due at now in dispatch order. Called
// with Scheduler.mu held.
func (d *tickDriver) collect(now time.Time) []*Task {
	for t := range d.running {
		if !now.Before(t.next) {
			_ = d.due.Put(dueItem{t: t})
		}
	}
	n := d.due.Len()
	if n == 0 {
		return nil
	}
	items, err := d.due.Get(n)
	if err != nil {
		return nil
	}
	out := make([]*Task, len(items))
	for i, it := range items {
		out[i] = it.(dueItem).t
	}
	return out
}

// dispatch handles one due task. Every boundary passed since the last one
// either starts an invocation, counts as an overrun when the previous
// invocation is still running, or counts as missed when the loop itself
// woke late. Called with Scheduler.mu held.
func (d *tickDriver) dispatch(t *Task, now time.Time) {
	due := t.next
	passed := uint64(now.Sub(due)/t.period) + 1
	t.next = due.Add(time.Duration(passed) * t.period)
	latest := due.Add(time.Duration(passed-1) * t.period)

	if t.inFlight.Load() {
		d.s.overrun(t, passed)
		return
	}
	if passed > 1 {
		t.missed.Add(passed - 1)
	}

	t.inFlight.Store(true)
	t.wg.Add(1)
	err := d.pool.Submit(func() {
		defer t.wg.Done()
		defer t.inFlight.Store(false)
		d.s.invoke(t, latest)
	})
	if err != nil {
		t.inFlight.Store(false)
		t.wg.Done()
		t.missed.Add(1)
		d.s.log.Warn("no worker for task", zap.String("task", t.name), zap.Error(err))
	}
}
