package latency

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/pkg/sched"
)

func TestSummarise(t *testing.T) {
	jitter := make([]float64, 100)
	for i := range jitter {
		jitter[i] = float64(i+1) * 1e-6
	}
	res := Summarise(time.Millisecond, jitter)
	assert.Equal(t, 100, res.Samples)
	assert.Equal(t, 50500*time.Nanosecond, res.Mean)
	assert.InDelta(t, float64(99*time.Microsecond), float64(res.P99), float64(time.Microsecond))
	assert.Equal(t, 100*time.Microsecond, res.Max)
	assert.Positive(t, res.StdDev)

	empty := Summarise(time.Millisecond, nil)
	assert.Zero(t, empty.Samples)
	assert.Zero(t, empty.Max)
}

func TestProbe_Jitter(t *testing.T) {
	p := NewProbe(4)
	base := time.Now().UnixNano()
	p.stamps = []int64{base, base + 1_000_000, base + 2_100_000, base + 2_900_000}
	p.n.Store(6) // more wake-ups than capacity

	j := p.Jitter(time.Millisecond)
	require.Len(t, j, 3)
	assert.InDelta(t, 0, j[0], 1e-12)
	assert.InDelta(t, 100e-6, j[1], 1e-12)
	assert.InDelta(t, 200e-6, j[2], 1e-12)
}

func TestRun(t *testing.T) {
	s, err := sched.New(api.BackendSimulated)
	require.NoError(t, err)
	defer s.Close()

	res, err := Run(context.Background(), s, Config{Period: time.Millisecond, Duration: 100 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, time.Millisecond, res.Period)
	assert.Greater(t, res.Samples, 10)
	assert.GreaterOrEqual(t, res.Max, res.P99)
	assert.Contains(t, res.String(), "samples=")

	_, ok := s.Lookup("latency-probe")
	assert.False(t, ok, "probe task is unregistered")
}

func TestRun_Invalid(t *testing.T) {
	s, err := sched.New(api.BackendSimulated)
	require.NoError(t, err)
	defer s.Close()

	_, err = Run(context.Background(), s, Config{Period: 0, Duration: time.Second})
	assert.Error(t, err)
}
