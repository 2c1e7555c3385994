package rtapi

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/pkg/resource"
	"github.com/srediag/rtcore/pkg/sched"
	"github.com/srediag/rtcore/pkg/shm"
)

// Module owns the tasks, segments and resources a component creates
// through it. Exit releases whatever the component left behind.
type Module struct {
	ctx *Context
	log *zap.Logger
	res *resource.Resource

	mu        sync.Mutex
	tasks     []*sched.Task
	segments  []*shm.Handle
	resources []*resource.Resource
	exited    bool
}

// Init registers a module named name. Module names are unique per context
// and, on native device models, per machine.
func (c *Context) Init(name string) (*Module, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, api.Errorf("init", name, api.ErrInvalidState, "context closed")
	}
	m := &Module{ctx: c, log: c.log.With(zap.String("module", name))}
	res, err := c.Resources.Register(name, ModuleCategory, m.cleanup, m)
	if err != nil {
		return nil, err
	}
	m.res = res
	c.modules[name] = m
	m.log.Debug("module initialised")
	return m, nil
}

// Modules returns the names of the live modules.
func (c *Context) Modules() []string {
	var names []string
	for res := range c.Resources.List(ModuleCategory).All() {
		names = append(names, res.Name())
	}
	return names
}

// Name returns the module name.
func (m *Module) Name() string { return m.res.Name() }

// Context returns the owning context.
func (m *Module) Context() *Context { return m.ctx }

func (m *Module) live(op string) error {
	if m.exited {
		return api.Errorf(op, m.res.Name(), api.ErrAlreadyReleased, "module exited")
	}
	return nil
}

// OpenOrCreate opens a segment owned by the module.
func (m *Module) OpenOrCreate(ctx context.Context, key shm.Key, size int) (*shm.Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.live("open"); err != nil {
		return nil, err
	}
	h, err := m.ctx.Segments.OpenOrCreate(ctx, key, size)
	if err != nil {
		return nil, err
	}
	m.segments = append(m.segments, h)
	return h, nil
}

// RegisterTask registers a task owned by the module.
func (m *Module) RegisterTask(name string, period time.Duration, priority int, body sched.Body) (*sched.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.live("register_task"); err != nil {
		return nil, err
	}
	t, err := m.ctx.Scheduler.Register(name, period, priority, body)
	if err != nil {
		return nil, err
	}
	m.tasks = append(m.tasks, t)
	return t, nil
}

// RegisterResource registers a resource owned by the module.
func (m *Module) RegisterResource(name, category string, release resource.ReleaseFunc, handle any) (*resource.Resource, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.live("register_resource"); err != nil {
		return nil, err
	}
	res, err := m.ctx.Resources.Register(name, category, release, handle)
	if err != nil {
		return nil, err
	}
	m.resources = append(m.resources, res)
	return res, nil
}

// Exit unregisters the module. Tasks, resources and segments the module
// still owns are released with a warning each.
func (m *Module) Exit() error {
	err := m.ctx.Resources.Unregister(m.res)
	m.ctx.mu.Lock()
	if m.ctx.modules[m.res.Name()] == m {
		delete(m.ctx.modules, m.res.Name())
	}
	m.ctx.mu.Unlock()
	return err
}

// cleanup is the module's release function.
func (m *Module) cleanup() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.exited = true

	var err error
	for _, t := range m.tasks {
		if cur, ok := m.ctx.Scheduler.Lookup(t.Name()); !ok || cur != t {
			continue
		}
		m.log.Warn("module exit: unregistering leftover task", zap.String("task", t.Name()))
		if uerr := m.ctx.Scheduler.Unregister(t); uerr != nil && !errors.Is(uerr, api.ErrAlreadyReleased) {
			err = multierr.Append(err, uerr)
		}
	}
	for _, res := range m.resources {
		if res.Released() {
			continue
		}
		m.log.Warn("module exit: releasing leftover resource", zap.Stringer("resource", res))
		if uerr := m.ctx.Resources.Unregister(res); uerr != nil && !errors.Is(uerr, api.ErrAlreadyReleased) {
			err = multierr.Append(err, uerr)
		}
	}
	for _, h := range m.segments {
		if h.Released() {
			continue
		}
		m.log.Warn("module exit: releasing leftover segment", zap.Stringer("key", h.Key()))
		if rerr := h.Release(); rerr != nil && !errors.Is(rerr, api.ErrAlreadyReleased) {
			err = multierr.Append(err, rerr)
		}
	}
	m.tasks, m.resources, m.segments = nil, nil, nil
	return err
}
