// Package latency measures how closely a scheduler meets its periods by
// running a probe task and summarising the jitter of its wake-ups.
package latency

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync/atomic"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/srediag/rtcore/pkg/sched"
)

// Result summarises one probe run. Jitter is the absolute difference
// between the interval separating two wake-ups and the period.
type Result struct {
	Period   time.Duration
	Samples  int
	Mean     time.Duration
	StdDev   time.Duration
	P99      time.Duration
	Max      time.Duration
	Overruns uint64
}

func (r Result) String() string {
	return fmt.Sprintf("period=%s samples=%d mean=%s stddev=%s p99=%s max=%s overruns=%d",
		r.Period, r.Samples, r.Mean, r.StdDev, r.P99, r.Max, r.Overruns)
}

// Config describes a probe run.
type Config struct {
	Name     string
	Period   time.Duration
	Priority int
	Duration time.Duration
}

// Probe records wake-up times from inside a task body. The body only
// stores into preallocated memory.
type Probe struct {
	stamps []int64
	n      atomic.Int64
}

// NewProbe returns a probe able to hold capacity wake-ups.
func NewProbe(capacity int) *Probe {
	return &Probe{stamps: make([]int64, capacity)}
}

// Body is the task body of the probe.
func (p *Probe) Body(time.Duration) error {
	i := p.n.Add(1) - 1
	if int(i) < len(p.stamps) {
		p.stamps[i] = time.Now().UnixNano()
	}
	return nil
}

// Jitter returns the per-interval jitter in seconds.
func (p *Probe) Jitter(period time.Duration) []float64 {
	n := min(int(p.n.Load()), len(p.stamps))
	if n < 2 {
		return nil
	}
	out := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		d := time.Duration(p.stamps[i]-p.stamps[i-1]) - period
		if d < 0 {
			d = -d
		}
		out = append(out, d.Seconds())
	}
	return out
}

// Run registers a probe task on s, lets it run for cfg.Duration or until ctx
// ends, unregisters it and summarises the jitter.
func Run(ctx context.Context, s *sched.Scheduler, cfg Config) (Result, error) {
	if cfg.Name == "" {
		cfg.Name = "latency-probe"
	}
	if cfg.Priority == 0 {
		cfg.Priority = sched.PrioHighest()
	}
	if cfg.Period <= 0 || cfg.Duration <= 0 {
		return Result{}, errors.New("latency: period and duration must be positive")
	}

	probe := NewProbe(int(cfg.Duration/cfg.Period) + 16)
	task, err := s.Register(cfg.Name, cfg.Period, cfg.Priority, probe.Body)
	if err != nil {
		return Result{}, err
	}
	if err := s.Start(task); err != nil {
		_ = s.Unregister(task)
		return Result{}, err
	}

	timer := time.NewTimer(cfg.Duration)
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
	timer.Stop()
	stopErr := s.Stop(task)
	stats := task.Stats()
	if err := s.Unregister(task); err != nil {
		return Result{}, err
	}
	if stopErr != nil {
		return Result{}, stopErr
	}

	res := Summarise(task.Period(), probe.Jitter(task.Period()))
	res.Overruns = stats.Overruns
	return res, nil
}

// Summarise computes statistics over jitter samples given in seconds.
func Summarise(period time.Duration, jitter []float64) Result {
	res := Result{Period: period, Samples: len(jitter)}
	if len(jitter) == 0 {
		return res
	}
	sorted := make([]float64, len(jitter))
	copy(sorted, jitter)
	sort.Float64s(sorted)

	res.Mean = seconds(stat.Mean(sorted, nil))
	if len(sorted) > 1 {
		res.StdDev = seconds(stat.StdDev(sorted, nil))
	}
	res.P99 = seconds(stat.Quantile(0.99, stat.Empirical, sorted, nil))
	res.Max = seconds(sorted[len(sorted)-1])
	return res
}

func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
