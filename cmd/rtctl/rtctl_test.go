package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/rtcore/pkg/sched"
)

const machineTOML = `
module = "mill"
base_period = "500us"

[[segment]]
name = "mill-hal"
size = 1024

[[thread]]
name = "servo"
period = "1ms"
segment = "mill-hal"

[[thread]]
name = "base"
period = "500us"

[[thread]]
name = "ui"
period = "20ms"
priority = 10
`

func TestParseMachine(t *testing.T) {
	m, err := ParseMachine([]byte(machineTOML))
	require.NoError(t, err)

	assert.Equal(t, "mill", m.Module)
	assert.Equal(t, 500*time.Microsecond, time.Duration(m.BasePeriod))
	require.Len(t, m.Segments, 1)
	assert.Equal(t, SegmentSpec{Name: "mill-hal", Size: 1024}, m.Segments[0])

	require.Len(t, m.Threads, 3)
	assert.Equal(t, time.Millisecond, time.Duration(m.Threads[0].Period))
	assert.Equal(t, sched.PrioHighest(), m.Threads[0].Priority)
	assert.Equal(t, sched.PrioNextLower(sched.PrioHighest()), m.Threads[1].Priority)
	assert.Equal(t, 10, m.Threads[2].Priority)
}

func TestParseMachine_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bad duration", "[[thread]]\nname = \"x\"\nperiod = \"fast\"\n"},
		{"undeclared segment", "[[thread]]\nname = \"x\"\nperiod = \"1ms\"\nsegment = \"nope\"\n"},
		{"not toml", "module = \n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseMachine([]byte(tt.raw))
			assert.Error(t, err)
		})
	}
}

func TestLoadMachine_Default(t *testing.T) {
	m, err := LoadMachine("")
	require.NoError(t, err)
	assert.Equal(t, "rtctl", m.Module)
	assert.NotEmpty(t, m.Threads)
}

func TestRunCmd_Simulated(t *testing.T) {
	t.Setenv("RTCORE_BACKEND", "simulated")
	path := filepath.Join(t.TempDir(), "machine.toml")
	require.NoError(t, os.WriteFile(path, []byte(machineTOML), 0o600))

	var out bytes.Buffer
	err := runCmd(context.Background(), []string{"-machine", path, "-duration", "100ms", "-admin", "127.0.0.1:0"}, &out)
	require.NoError(t, err)

	s := out.String()
	assert.Contains(t, s, "admin listening on 127.0.0.1:")
	assert.Contains(t, s, "running 3 threads on simulated, base period 500µs")
	assert.Contains(t, s, "servo")
	assert.Contains(t, s, "WORST JITTER")
}

func TestRunCmd_Interrupted(t *testing.T) {
	t.Setenv("RTCORE_BACKEND", "simulated")
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var out bytes.Buffer
	require.NoError(t, runCmd(ctx, nil, &out))
	assert.Contains(t, out.String(), "fast")
}

func TestLatencyCmd_Simulated(t *testing.T) {
	t.Setenv("RTCORE_BACKEND", "simulated")
	var out bytes.Buffer
	require.NoError(t, latencyCmd(context.Background(), []string{"-period", "1ms", "-duration", "100ms"}, &out))
	assert.Contains(t, out.String(), "simulated backend:")
}

func TestSetup_BadBackend(t *testing.T) {
	cfg, err := loadConfig()
	require.NoError(t, err)
	_, err = setup(cfg, "vxworks")
	assert.Error(t, err)
}
