package main

import (
	"fmt"
	"os"
	"time"

	"github.com/pelletier/go-toml/v2"

	"github.com/srediag/rtcore/pkg/sched"
)

// Duration is a time.Duration written as a Go duration string in TOML.
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Machine is the layout `rtctl run` brings up.
type Machine struct {
	Module     string        `toml:"module"`
	BasePeriod Duration      `toml:"base_period"`
	Segments   []SegmentSpec `toml:"segment"`
	Threads    []ThreadSpec  `toml:"thread"`
}

// SegmentSpec names a segment to open.
type SegmentSpec struct {
	Name string `toml:"name"`
	Size int    `toml:"size"`
}

// ThreadSpec names a demo thread. Priority 0 means one below the previous
// thread, starting from the highest.
type ThreadSpec struct {
	Name     string   `toml:"name"`
	Period   Duration `toml:"period"`
	Priority int      `toml:"priority"`

	// Segment, when set, receives the invocation count in its first word.
	Segment string `toml:"segment"`
}

func defaultMachine() *Machine {
	return &Machine{
		Module:   "rtctl",
		Segments: []SegmentSpec{{Name: "rtctl", Size: 4096}},
		Threads: []ThreadSpec{
			{Name: "fast", Period: Duration(time.Millisecond), Segment: "rtctl"},
			{Name: "slow", Period: Duration(10 * time.Millisecond)},
		},
	}
}

// LoadMachine reads a machine file. An empty path returns the built-in demo.
func LoadMachine(path string) (*Machine, error) {
	if path == "" {
		return defaultMachine(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseMachine(raw)
}

// ParseMachine decodes and normalises a machine file.
func ParseMachine(raw []byte) (*Machine, error) {
	m := &Machine{}
	if err := toml.Unmarshal(raw, m); err != nil {
		return nil, fmt.Errorf("machine file: %w", err)
	}
	if m.Module == "" {
		m.Module = "rtctl"
	}
	segs := make(map[string]bool, len(m.Segments))
	for _, s := range m.Segments {
		segs[s.Name] = true
	}
	prio := 0
	for i := range m.Threads {
		th := &m.Threads[i]
		if th.Segment != "" && !segs[th.Segment] {
			return nil, fmt.Errorf("machine file: thread %q uses undeclared segment %q", th.Name, th.Segment)
		}
		switch {
		case th.Priority != 0:
		case prio == 0:
			th.Priority = sched.PrioHighest()
		default:
			th.Priority = sched.PrioNextLower(prio)
		}
		prio = th.Priority
	}
	return m, nil
}
