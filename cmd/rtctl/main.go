// Command rtctl brings up a realtime context, measures scheduling latency
// and inspects shared segments.
//
//	rtctl run [-machine file.toml] [-duration 10s] [-admin :9100]
//	rtctl latency [-period 1ms] [-duration 5s]
//	rtctl inspect [-dir /dev/shm] [-prefix rtcore.] [-dump name]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/internal/config"
	"github.com/srediag/rtcore/internal/logging"
)

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: rtctl <run|latency|inspect> [flags]")
}

func main() {
	if len(os.Args) < 2 {
		usage(os.Stderr)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runCmd(ctx, os.Args[2:], os.Stdout)
	case "latency":
		err = latencyCmd(ctx, os.Args[2:], os.Stdout)
	case "inspect":
		err = inspectCmd(os.Args[2:], os.Stdout)
	case "-h", "-help", "--help", "help":
		usage(os.Stdout)
		return
	default:
		usage(os.Stderr)
		os.Exit(2)
	}
	if err != nil && !errors.Is(err, flag.ErrHelp) {
		fmt.Fprintln(os.Stderr, "rtctl:", err)
		os.Exit(1)
	}
}

// setup loads the environment configuration, applies the common flags and
// builds the logger.
func setup(cfg *config.Config, backend string) (*zap.Logger, error) {
	if backend != "" {
		b, err := api.ParseBackend(backend)
		if err != nil {
			return nil, err
		}
		cfg.Backend = b
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return logging.New(cfg.Logging())
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// sleep waits for d, or until ctx ends when d is zero.
func sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		<-ctx.Done()
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
