package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"sync/atomic"
	"text/tabwriter"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/srediag/rtcore/adapter"
	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/pkg/rtapi"
	"github.com/srediag/rtcore/pkg/sched"
	"github.com/srediag/rtcore/pkg/shm"
)

func runCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	backend := fs.String("backend", "", "kernel, posix-rt or simulated (default from RTCORE_BACKEND)")
	machineFile := fs.String("machine", "", "TOML machine file (default: built-in demo)")
	duration := fs.Duration("duration", 0, "run time; 0 runs until interrupted")
	admin := fs.String("admin", "", "admin listen address (default from RTCORE_ADMIN_ADDR)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if *admin != "" {
		cfg.AdminAddr = *admin
	}
	machine, err := LoadMachine(*machineFile)
	if err != nil {
		return err
	}
	if machine.BasePeriod > 0 {
		cfg.BasePeriod = time.Duration(machine.BasePeriod)
	}
	log, err := setup(cfg, *backend)
	if err != nil {
		return err
	}
	defer log.Sync()

	rc, err := rtapi.New(rtapi.OptionsFromConfig(cfg, log))
	if err != nil {
		return err
	}
	audit := adapter.NewAudit(log)
	audit.ContextOpened(rc)

	var srv *adapter.AdminServer
	if cfg.AdminAddr != "" {
		srv = adapter.NewAdminServer(cfg.AdminAddr, rc, log)
		if err := srv.Start(); err != nil {
			cerr := rc.Close()
			audit.ContextClosed(rc, cerr)
			return multierr.Append(err, cerr)
		}
		fmt.Fprintf(out, "admin listening on %s\n", srv.Addr())
	}

	tasks, runErr := bringUp(ctx, rc, audit, machine)
	if runErr == nil {
		fmt.Fprintf(out, "running %d threads on %s, base period %v\n", len(tasks), rc.Backend(), rc.Scheduler.BasePeriod())
		sleep(ctx, *duration)
		for _, t := range tasks {
			runErr = multierr.Append(runErr, ignoreFaulted(rc.Scheduler.Stop(t)))
		}
		printStats(out, tasks)
	}

	if srv != nil {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		runErr = multierr.Append(runErr, srv.Shutdown(sctx))
		cancel()
	}
	cerr := rc.Close()
	audit.ContextClosed(rc, cerr)
	return multierr.Append(runErr, cerr)
}

// bringUp initialises the machine module, opens its segments and starts its
// threads.
func bringUp(ctx context.Context, rc *rtapi.Context, audit *adapter.Audit, machine *Machine) ([]*sched.Task, error) {
	mod, err := rc.Init(machine.Module)
	audit.ModuleInit(rc, machine.Module, err)
	if err != nil {
		return nil, err
	}
	inst, err := adapter.NewInstrumentation(adapter.InstrumentationConfig{})
	if err != nil {
		return nil, err
	}

	segs := make(map[string]*shm.Handle, len(machine.Segments))
	for _, s := range machine.Segments {
		h, err := inst.OpenOrCreate(ctx, mod, shm.Name(s.Name), s.Size)
		if err != nil {
			return nil, err
		}
		rc.Logger().Info("segment ready",
			zap.String("name", s.Name),
			zap.Int("size", h.Size()),
			zap.Bool("creator", h.Creator()))
		segs[s.Name] = h
	}

	tasks := make([]*sched.Task, 0, len(machine.Threads))
	for _, th := range machine.Threads {
		body, err := demoBody(segs[th.Segment])
		if err != nil {
			return nil, err
		}
		t, err := inst.RegisterTask(ctx, mod, th.Name, time.Duration(th.Period), th.Priority, body)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	for _, t := range tasks {
		if err := rc.Scheduler.Start(t); err != nil {
			return nil, err
		}
	}
	return tasks, nil
}

// demoBody counts invocations, publishing the count to h when set.
func demoBody(h *shm.Handle) (sched.Body, error) {
	if h == nil {
		var n atomic.Uint64
		return func(time.Duration) error { n.Add(1); return nil }, nil
	}
	word, err := shm.View[atomic.Uint64](h)
	if err != nil {
		return nil, err
	}
	return func(time.Duration) error { word.Add(1); return nil }, nil
}

func ignoreFaulted(err error) error {
	if errors.Is(err, api.ErrFaulted) {
		return nil
	}
	return err
}

func printStats(out io.Writer, tasks []*sched.Task) {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tPERIOD\tPRIO\tSTATE\tRUNS\tOVERRUNS\tMISSED\tTMAX\tWORST JITTER")
	for _, t := range tasks {
		st := t.Stats()
		fmt.Fprintf(tw, "%s\t%v\t%d\t%s\t%d\t%d\t%d\t%v\t%v\n",
			t.Name(), t.Period(), t.Priority(), t.State(),
			st.Invocations, st.Overruns, st.Missed, st.MaxRuntime, st.WorstJitter)
	}
	tw.Flush()
}
