package resource

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	cmap "github.com/orcaman/concurrent-map/v2"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/internal/logging"
	"github.com/srediag/rtcore/internal/metrics"
)

// MaxNameLen is the longest resource name accepted.
const MaxNameLen = 47

const (
	opRegister   = "register_resource"
	opFind       = "find"
	opUnregister = "unregister_resource"
	opRename     = "set_name"
)

// ReleaseFunc frees whatever a resource holds. It may be nil.
type ReleaseFunc func() error

// Resource is a registered, named component.
type Resource struct {
	reg      *Registrar
	category string
	handle   any
	release  ReleaseFunc

	mu   sync.Mutex
	name string

	once     sync.Once
	released atomic.Bool
	err      error
}

// Name returns the current name.
func (r *Resource) Name() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.name
}

// Category returns the category.
func (r *Resource) Category() string { return r.category }

// Handle returns the opaque backend handle passed at registration.
func (r *Resource) Handle() any { return r.handle }

// Released reports whether the resource has been unregistered.
func (r *Resource) Released() bool { return r.released.Load() }

func (r *Resource) String() string { return key(r.category, r.Name()) }

// runRelease calls the release function at most once and returns its error
// on every call.
func (r *Resource) runRelease() error {
	r.once.Do(func() {
		if r.release == nil {
			return
		}
		defer func() {
			if p := recover(); p != nil {
				r.err = fmt.Errorf("release panicked: %v", p)
			}
		}()
		r.err = r.release()
	})
	return r.err
}

// Registrar tracks resources by category and name.
type Registrar struct {
	table   cmap.ConcurrentMap[string, *Resource]
	devices Devices
	log     *zap.Logger
	metrics *metrics.Metrics
}

// Option configures a Registrar.
type Option func(*Registrar)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registrar) { r.log = log.Named("resource") }
}

// WithMetrics sets the collectors updated by the registrar.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registrar) { r.metrics = m }
}

// New returns a registrar mirroring registrations to devices. A nil devices
// uses a LocalDevices.
func New(devices Devices, opts ...Option) *Registrar {
	if devices == nil {
		devices = NewLocalDevices()
	}
	r := &Registrar{
		table:   cmap.New[*Resource](),
		devices: devices,
		log:     zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrNop(r.log)
	r.metrics = metrics.OrDiscard(r.metrics)
	return r
}

// Devices returns the device model.
func (r *Registrar) Devices() Devices { return r.devices }

// Len returns the number of registered resources.
func (r *Registrar) Len() int { return r.table.Count() }

func validate(op, category, name string) error {
	switch {
	case category == "" || strings.ContainsAny(category, "/\x00"):
		return api.Errorf(op, name, api.ErrInvalidName, "bad category %q", category)
	case name == "" || len(name) > MaxNameLen:
		return api.Errorf(op, name, api.ErrInvalidName, "name must be 1 to %d bytes", MaxNameLen)
	case strings.ContainsAny(name, "/\x00"):
		return api.Errorf(op, name, api.ErrInvalidName, "name contains '/' or NUL")
	}
	return nil
}

// Register adds a resource. It fails with api.ErrDuplicateName if the name
// is taken within category, here or, with a native device model, by another
// process.
func (r *Registrar) Register(name, category string, release ReleaseFunc, handle any) (*Resource, error) {
	if err := validate(opRegister, category, name); err != nil {
		return nil, r.fail(opRegister, err)
	}
	res := &Resource{
		reg:      r,
		name:     name,
		category: category,
		handle:   handle,
		release:  release,
	}
	k := key(category, name)
	if !r.table.SetIfAbsent(k, res) {
		return nil, r.fail(opRegister, api.Errorf(opRegister, name, api.ErrDuplicateName, "already registered in %q", category))
	}
	if err := r.devices.Register(category, name); err != nil {
		r.table.RemoveCb(k, sameResource(res))
		if errors.Is(err, api.ErrDuplicateName) {
			return nil, r.fail(opRegister, api.Errorf(opRegister, name, api.ErrDuplicateName, "%v", err))
		}
		return nil, r.fail(opRegister, api.Errorf(opRegister, name, api.ErrCreationFailed, "%v", err))
	}

	r.metrics.Resources.WithLabelValues(category).Inc()
	r.log.Debug("resource registered", zap.String("name", name), zap.String("category", category))
	return res, nil
}

// Find returns the resource registered under name in category.
func (r *Registrar) Find(name, category string) (*Resource, error) {
	res, ok := r.table.Get(key(category, name))
	if !ok {
		return nil, api.Errorf(opFind, name, api.ErrNotFound, "no resource in %q", category)
	}
	return res, nil
}

// Unregister runs the release function exactly once and removes the
// resource. A second Unregister fails with api.ErrAlreadyReleased. The
// entry is removed even when the release function fails.
func (r *Registrar) Unregister(res *Resource) error {
	if res == nil {
		return r.fail(opUnregister, api.Errorf(opUnregister, "", api.ErrNotFound, "nil resource"))
	}
	if res.reg != r {
		return r.fail(opUnregister, api.Errorf(opUnregister, res.Name(), api.ErrNotFound, "resource belongs to another registrar"))
	}
	if !res.released.CompareAndSwap(false, true) {
		return r.fail(opUnregister, api.Errorf(opUnregister, res.Name(), api.ErrAlreadyReleased, "resource unregistered twice"))
	}

	var err error
	if rerr := res.runRelease(); rerr != nil {
		err = multierr.Append(err, api.Errorf(opUnregister, res.Name(), rerr, "release of %s", res))
	}
	r.metrics.ResourceReleases.Inc()

	res.mu.Lock()
	name := res.name
	res.mu.Unlock()
	r.table.RemoveCb(key(res.category, name), sameResource(res))
	if derr := r.devices.Unregister(res.category, name); derr != nil {
		err = multierr.Append(err, derr)
	}
	r.metrics.Resources.WithLabelValues(res.category).Dec()

	if err != nil {
		r.log.Warn("resource release failed", zap.Stringer("resource", res), zap.Error(err))
		return err
	}
	r.log.Debug("resource unregistered", zap.Stringer("resource", res))
	return nil
}

// Rename changes a resource's name within its category.
func (r *Registrar) Rename(res *Resource, newName string) error {
	if err := validate(opRename, res.category, newName); err != nil {
		return r.fail(opRename, err)
	}
	res.mu.Lock()
	defer res.mu.Unlock()
	if res.released.Load() {
		return r.fail(opRename, api.Errorf(opRename, res.name, api.ErrAlreadyReleased, "resource unregistered"))
	}
	if res.name == newName {
		return nil
	}

	nk := key(res.category, newName)
	if !r.table.SetIfAbsent(nk, res) {
		return r.fail(opRename, api.Errorf(opRename, newName, api.ErrDuplicateName, "already registered in %q", res.category))
	}
	if err := r.devices.SetName(res.category, res.name, newName); err != nil {
		r.table.RemoveCb(nk, sameResource(res))
		sentinel := api.ErrCreationFailed
		if errors.Is(err, api.ErrDuplicateName) {
			sentinel = api.ErrDuplicateName
		}
		return r.fail(opRename, api.Errorf(opRename, newName, sentinel, "%v", err))
	}
	r.table.RemoveCb(key(res.category, res.name), sameResource(res))
	r.log.Debug("resource renamed", zap.String("from", res.name), zap.String("to", newName), zap.String("category", res.category))
	res.name = newName
	return nil
}

// List returns an iterator over a snapshot of the resources in category,
// ordered by name. An empty category lists every resource.
func (r *Registrar) List(category string) *Iterator {
	var items []*Resource
	for _, res := range r.table.Items() {
		if category == "" || res.category == category {
			items = append(items, res)
		}
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].category != items[j].category {
			return items[i].category < items[j].category
		}
		return items[i].Name() < items[j].Name()
	})
	return &Iterator{items: items}
}

// Close unregisters every resource still registered, as on process exit.
func (r *Registrar) Close() error {
	var err error
	for it := r.List(""); it.Next(); {
		res := it.Resource()
		r.log.Warn("releasing leftover resource", zap.Stringer("resource", res))
		if uerr := r.Unregister(res); uerr != nil && !errors.Is(uerr, api.ErrAlreadyReleased) {
			err = multierr.Append(err, uerr)
		}
	}
	return err
}

func (r *Registrar) fail(op string, err error) error {
	kind := api.KindOf(err)
	r.metrics.SetupErrors.WithLabelValues(op, kind.String()).Inc()
	r.log.Error("resource operation failed", zap.String("op", op), zap.Stringer("kind", kind), zap.Error(err))
	return err
}

func sameResource(res *Resource) cmap.RemoveCb[string, *Resource] {
	return func(_ string, v *Resource, exists bool) bool {
		return exists && v == res
	}
}
