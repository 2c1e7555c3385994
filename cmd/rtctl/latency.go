package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"time"

	"go.uber.org/multierr"

	"github.com/srediag/rtcore/pkg/latency"
	"github.com/srediag/rtcore/pkg/rtapi"
)

func latencyCmd(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("latency", flag.ContinueOnError)
	backend := fs.String("backend", "", "kernel, posix-rt or simulated (default from RTCORE_BACKEND)")
	period := fs.Duration("period", time.Millisecond, "sampling task period")
	duration := fs.Duration("duration", 5*time.Second, "measurement time")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.BasePeriod = *period
	log, err := setup(cfg, *backend)
	if err != nil {
		return err
	}
	defer log.Sync()

	rc, err := rtapi.New(rtapi.OptionsFromConfig(cfg, log))
	if err != nil {
		return err
	}
	res, err := latency.Run(ctx, rc.Scheduler, latency.Config{Period: *period, Duration: *duration})
	if err == nil {
		fmt.Fprintf(out, "%s backend: %s\n", rc.Backend(), res)
	}
	return multierr.Append(err, rc.Close())
}
