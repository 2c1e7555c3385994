package sched

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"go.uber.org/zap"
)

// threadDriver gives each running task its own locked OS thread. With
// strict set, memory is locked up front and every thread must obtain
// SCHED_FIFO; otherwise elevation failures degrade to ordinary threads with
// a warning.
type threadDriver struct {
	s      *Scheduler
	strict bool
	warned sync.Once
}

func newThreadDriver(s *Scheduler, strict bool) (*threadDriver, error) {
	if strict {
		if err := lockMemory(); err != nil {
			return nil, fmt.Errorf("lock memory: %w", err)
		}
	}
	return &threadDriver{s: s, strict: strict}, nil
}

func (d *threadDriver) start(t *Task) error {
	quit := make(chan struct{})
	ready := make(chan error, 1)
	t.quit = quit
	t.wg.Add(1)
	go d.run(t, quit, ready)
	if err := <-ready; err != nil {
		t.quit = nil
		return err
	}
	return nil
}

func (d *threadDriver) stop(t *Task) {
	t.closeQuit()
}

func (d *threadDriver) close() {}

func (d *threadDriver) run(t *Task, quit <-chan struct{}, ready chan<- error) {
	defer t.wg.Done()

	runtime.LockOSThread()
	err := setRealtime(t.priority)
	switch {
	case err == nil:
		// the thread keeps its realtime policy, so it dies with the goroutine
	case d.strict:
		runtime.UnlockOSThread()
		ready <- fmt.Errorf("elevate thread to SCHED_FIFO %d: %w", t.priority, err)
		return
	default:
		defer runtime.UnlockOSThread()
		d.warnOnce(t, err)
	}
	ready <- nil

	next := time.Now().Add(t.period)
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	for {
		select {
		case <-quit:
			return
		case <-timer.C:
		}
		select {
		case <-quit:
			return
		default:
		}

		due := next
		start := time.Now()
		if late := uint64(start.Sub(due) / t.period); late > 0 {
			t.missed.Add(late)
			due = due.Add(time.Duration(late) * t.period)
		}
		if !d.s.invoke(t, due) {
			return
		}

		// boundaries that passed while the body ran are overruns
		end := time.Now()
		next = due.Add(t.period)
		if !end.Before(next) {
			n := uint64(end.Sub(next)/t.period) + 1
			d.s.overrun(t, n)
			next = next.Add(time.Duration(n) * t.period)
		}
		timer.Reset(time.Until(next))
	}
}

func (d *threadDriver) warnOnce(t *Task, err error) {
	d.warned.Do(func() {
		d.s.log.Warn("realtime scheduling unavailable, running tasks on ordinary threads",
			zap.String("task", t.name), zap.Error(err))
	})
}
