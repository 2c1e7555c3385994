// Package rtapi ties the segment registry, the scheduler and the resource
// registrar together behind one context object.
//
// A process creates a Context at startup with the backend it will use for
// its whole lifetime and passes it to every component. Closing the context
// tears everything down in order: modules, tasks, resources, segments.
package rtapi

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/internal/config"
	"github.com/srediag/rtcore/internal/logging"
	"github.com/srediag/rtcore/internal/metrics"
	internalshm "github.com/srediag/rtcore/internal/shm"
	"github.com/srediag/rtcore/pkg/resource"
	"github.com/srediag/rtcore/pkg/sched"
	"github.com/srediag/rtcore/pkg/shm"
)

// ModuleCategory is the resource category modules register under.
const ModuleCategory = "module"

var (
	backendMu sync.Mutex
	selected  api.Backend

	// simulated contexts of one process share segments as separate
	// processes on a real backend would
	simulatedStore = internalshm.NewHeapStore(0)
)

// lockBackend fixes the process backend on first use. With commit unset it
// only checks b against the fixed backend.
func lockBackend(b api.Backend, commit bool) error {
	backendMu.Lock()
	defer backendMu.Unlock()
	if selected != "" && selected != b {
		return api.Errorf("new_context", string(b), api.ErrBackendLocked, "process already runs %q", selected)
	}
	if commit {
		selected = b
	}
	return nil
}

// Options configures a Context.
type Options struct {
	Backend    api.Backend
	BasePeriod time.Duration
	ShmDir     string
	ShmPrefix  string
	PoolSize   int
	Logger     *zap.Logger
	// Registry receives the context's collectors. A private one is created
	// when nil.
	Registry *prometheus.Registry
}

// OptionsFromConfig converts process configuration into context options.
func OptionsFromConfig(cfg *config.Config, log *zap.Logger) Options {
	return Options{
		Backend:    cfg.Backend,
		BasePeriod: cfg.BasePeriod,
		ShmDir:     cfg.ShmDir,
		ShmPrefix:  cfg.ShmPrefix,
		PoolSize:   cfg.PoolSize,
		Logger:     log,
	}
}

// Context is the per-process handle on the realtime layer.
type Context struct {
	id       uuid.UUID
	backend  api.Backend
	log      *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics

	Segments  *shm.Registry
	Scheduler *sched.Scheduler
	Resources *resource.Registrar

	mu      sync.Mutex
	modules map[string]*Module
	closed  bool
}

// New creates a context. It fails with api.ErrBackendLocked when the process
// already selected a different backend.
func New(opts Options) (*Context, error) {
	backend, err := api.ParseBackend(string(opts.Backend))
	if err != nil {
		return nil, api.Errorf("new_context", string(opts.Backend), api.ErrInvalidState, "%v", err)
	}
	opts.Backend = backend
	if err := lockBackend(opts.Backend, false); err != nil {
		return nil, err
	}
	if opts.ShmDir == "" {
		opts.ShmDir = internalshm.DefaultDir
	}
	if opts.ShmPrefix == "" {
		opts.ShmPrefix = "rtcore."
	}
	if opts.PoolSize <= 0 {
		opts.PoolSize = 64
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}

	id := uuid.New()
	log := logging.OrNop(opts.Logger).With(zap.String("context", id.String()), zap.String("backend", string(opts.Backend)))
	m := metrics.New(opts.Registry)

	var (
		store   internalshm.Store
		devices resource.Devices
	)
	switch opts.Backend {
	case api.BackendSimulated:
		store = simulatedStore
		devices = resource.NewLocalDevices()
	case api.BackendPosixRT:
		store = internalshm.NewPosixStore(opts.ShmDir, opts.ShmPrefix)
		devices = resource.NewNativeDevices(filepath.Join(opts.ShmDir, opts.ShmPrefix+"dev"))
	case api.BackendKernel:
		store = internalshm.NewSysvStore()
		devices = resource.NewNativeDevices(filepath.Join(opts.ShmDir, opts.ShmPrefix+"dev"))
	}

	schedOpts := []sched.Option{sched.WithLogger(log), sched.WithMetrics(m), sched.WithPoolSize(opts.PoolSize)}
	if opts.BasePeriod > 0 {
		schedOpts = append(schedOpts, sched.WithBasePeriod(opts.BasePeriod))
	}
	scheduler, err := sched.New(opts.Backend, schedOpts...)
	if err != nil {
		return nil, err
	}
	// only a context that came up fixes the backend
	if err := lockBackend(opts.Backend, true); err != nil {
		return nil, multierr.Append(err, scheduler.Close())
	}

	c := &Context{
		id:        id,
		backend:   opts.Backend,
		log:       log.Named("rtapi"),
		registry:  opts.Registry,
		metrics:   m,
		Segments:  shm.NewRegistry(store, shm.WithLogger(log), shm.WithMetrics(m)),
		Scheduler: scheduler,
		Resources: resource.New(devices, resource.WithLogger(log), resource.WithMetrics(m)),
		modules:   make(map[string]*Module),
	}
	c.log.Info("context created",
		zap.String("store", c.Segments.Kind()),
		zap.String("devices", devices.Kind()))
	return c, nil
}

// ID returns the context's instance id.
func (c *Context) ID() uuid.UUID { return c.id }

// Backend returns the backend the context runs on.
func (c *Context) Backend() api.Backend { return c.backend }

// Logger returns the context logger.
func (c *Context) Logger() *zap.Logger { return c.log }

// Registry returns the Prometheus registry holding the context's collectors.
func (c *Context) Registry() *prometheus.Registry { return c.registry }

// Closed reports whether Close has been called.
func (c *Context) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close tears down every module, task, resource and segment of the
// context. It is safe to call more than once.
func (c *Context) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	mods := make([]*Module, 0, len(c.modules))
	for _, m := range c.modules {
		mods = append(mods, m)
	}
	c.mu.Unlock()

	var err error
	for _, m := range mods {
		err = multierr.Append(err, m.Exit())
	}
	err = multierr.Append(err, c.Scheduler.Close())
	err = multierr.Append(err, c.Resources.Close())
	err = multierr.Append(err, c.Segments.Close())
	if err != nil {
		c.log.Error("context teardown incomplete", zap.Error(err))
	} else {
		c.log.Info("context closed")
	}
	return err
}
