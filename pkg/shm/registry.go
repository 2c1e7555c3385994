package shm

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/srediag/rtcore/api"
	"github.com/srediag/rtcore/internal/logging"
	"github.com/srediag/rtcore/internal/metrics"
	internalshm "github.com/srediag/rtcore/internal/shm"
)

const (
	opOpen    = "open"
	opRelease = "release"
	opReset   = "reset"
)

// errDead is returned by an attempt that mapped a torn-down segment. The
// next attempt creates a fresh one.
var errDead = errors.New("segment is being destroyed")

// Registry opens and releases segments on one store.
type Registry struct {
	store   internalshm.Store
	log     *zap.Logger
	metrics *metrics.Metrics
	alive   func(pid uint32) bool
	pid     uint32
	timeout time.Duration

	mu      sync.Mutex
	handles map[*Handle]struct{}
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(r *Registry) { r.log = log.Named("shm") }
}

// WithMetrics sets the collectors updated by the registry.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithPID overrides the pid recorded in segment headers. Registries sharing
// a heap store use distinct pids to stand in for separate processes.
func WithPID(pid uint32) Option {
	return func(r *Registry) { r.pid = pid }
}

// WithAlive overrides the check used to reap attach slots of exited
// processes.
func WithAlive(alive func(pid uint32) bool) Option {
	return func(r *Registry) { r.alive = alive }
}

// WithAttachTimeout bounds how long OpenOrCreate waits for a concurrent
// creator to publish the segment.
func WithAttachTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// NewRegistry returns a registry backed by store.
func NewRegistry(store internalshm.Store, opts ...Option) *Registry {
	r := &Registry{
		store:   store,
		log:     zap.NewNop(),
		alive:   pidAlive,
		pid:     uint32(os.Getpid()),
		timeout: 2 * time.Second,
		handles: make(map[*Handle]struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.log = logging.OrNop(r.log)
	r.metrics = metrics.OrDiscard(r.metrics)
	return r
}

// Kind returns the name of the backing store.
func (r *Registry) Kind() string { return r.store.Kind() }

// Len returns the number of handles this registry has open.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// OpenOrCreate creates the segment for key with size data bytes, or attaches
// to the existing one. The create-vs-attach decision is made by the store's
// exclusive create, so exactly one concurrent caller becomes the creator.
//
// An existing segment at least as large as size is attached and the handle
// reports the existing size. A smaller one fails with api.ErrSizeMismatch.
func (r *Registry) OpenOrCreate(ctx context.Context, key Key, size int) (*Handle, error) {
	if err := key.Validate(); err != nil {
		return nil, r.fail(opOpen, err)
	}
	if size <= 0 {
		return nil, r.fail(opOpen, api.Errorf(opOpen, key.String(), api.ErrSizeMismatch, "size must be positive, got %d", size))
	}

	var h *Handle
	op := func() error {
		var err error
		h, err = r.attempt(key, size)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(r.backoff(), ctx)); err != nil {
		var apiErr *api.Error
		if !errors.As(err, &apiErr) {
			err = api.Errorf(opOpen, key.String(), api.ErrCreationFailed, "%v", err)
		}
		return nil, r.fail(opOpen, err)
	}

	r.mu.Lock()
	r.handles[h] = struct{}{}
	r.mu.Unlock()

	role := "attacher"
	if h.creator {
		role = "creator"
	}
	r.metrics.SegmentsOpen.Inc()
	r.metrics.SegmentAttaches.WithLabelValues(role).Inc()
	r.log.Debug("segment opened",
		zap.Stringer("key", key),
		zap.String("role", role),
		zap.Int("size", h.size),
		zap.Int("mapped", h.MappedSize()))
	return h, nil
}

func (r *Registry) backoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = r.timeout
	b.Reset()
	return b
}

// attempt makes one open decision. Transient outcomes are returned as plain
// errors and retried; everything else is permanent.
func (r *Registry) attempt(key Key, size int) (*Handle, error) {
	region, err := r.store.Open(internalshm.Options{
		Name:    key.object(),
		Key:     key.sysv(),
		Size:    internalshm.HeaderSize + size,
		Creator: r.pid,
	})
	switch {
	case errors.Is(err, internalshm.ErrVanished), errors.Is(err, internalshm.ErrNotReady):
		return nil, err
	case err != nil:
		return nil, backoff.Permanent(api.Errorf(opOpen, key.String(), api.ErrCreationFailed, "%v", err))
	}

	hdr := internalshm.HeaderOf(region.Mem)
	if region.Created {
		hdr.Init(uint64(size), r.pid)
		hdr.Lock(r.pid)
		slot := hdr.AttachLocked(r.pid)
		hdr.Unlock()
		hdr.Publish()
		return r.newHandle(key, region, slot, true, size), nil
	}

	if !hdr.Ready() {
		if hdr.Dead() {
			_ = r.store.Unmap(region)
			return nil, errDead
		}
		creator := hdr.Creator()
		if creator == 0 {
			creator = region.Owner
		}
		if creator != 0 && creator != r.pid && !r.alive(creator) && hdr.KillUnpublished() {
			r.log.Warn("creator exited before publishing, recreating",
				zap.Stringer("key", key),
				zap.Uint32("creator", creator))
			_ = r.store.Unlink(region)
			_ = r.store.Unmap(region)
			r.metrics.SegmentsUnlinked.Inc()
			return nil, errDead
		}
		_ = r.store.Unmap(region)
		return nil, internalshm.ErrNotReady
	}

	hdr.Lock(r.pid)
	if hdr.Dead() {
		hdr.Unlock()
		_ = r.store.Unmap(region)
		return nil, errDead
	}
	if n := hdr.ReapLocked(r.pid, r.alive); n > 0 {
		r.metrics.SegmentsReaped.Add(float64(n))
		r.log.Warn("reaped attach slots of exited processes", zap.Stringer("key", key), zap.Int("count", n))
	}
	if hdr.Attach() == 0 {
		// every holder is gone: destroy the orphan and create afresh
		hdr.Kill()
		hdr.Unlock()
		_ = r.store.Unlink(region)
		_ = r.store.Unmap(region)
		r.metrics.SegmentsUnlinked.Inc()
		return nil, errDead
	}

	existing := int(hdr.Size())
	if existing < size || internalshm.HeaderSize+existing > len(region.Mem) {
		hdr.Unlock()
		_ = r.store.Unmap(region)
		return nil, backoff.Permanent(api.Errorf(opOpen, key.String(), api.ErrSizeMismatch,
			"existing segment has %d bytes, requested %d", existing, size))
	}
	slot := hdr.AttachLocked(r.pid)
	hdr.Unlock()
	if slot < 0 {
		_ = r.store.Unmap(region)
		return nil, backoff.Permanent(api.Errorf(opOpen, key.String(), api.ErrCreationFailed,
			"all %d attach slots in use", internalshm.MaxAttachers))
	}
	return r.newHandle(key, region, slot, false, existing), nil
}

func (r *Registry) newHandle(key Key, region *internalshm.Region, slot int, creator bool, size int) *Handle {
	return &Handle{
		reg:     r,
		key:     key,
		region:  region,
		slot:    slot,
		creator: creator,
		size:    size,
	}
}

// release detaches h and destroys the segment when h was the last holder.
func (r *Registry) release(h *Handle) error {
	r.mu.Lock()
	delete(r.handles, h)
	r.mu.Unlock()

	hdr := internalshm.HeaderOf(h.region.Mem)
	hdr.Lock(r.pid)
	if n := hdr.ReapLocked(r.pid, r.alive); n > 0 {
		r.metrics.SegmentsReaped.Add(float64(n))
	}
	left := hdr.DetachLocked(h.slot, h.creator)
	destroy := left == 0 && hdr.CreatorReleased()
	if destroy {
		hdr.Kill()
	}
	hdr.Unlock()

	var err error
	if destroy {
		err = multierr.Append(err, r.store.Unlink(h.region))
		r.metrics.SegmentsUnlinked.Inc()
	}
	err = multierr.Append(err, r.store.Unmap(h.region))

	r.metrics.SegmentsOpen.Dec()
	r.metrics.SegmentReleases.Inc()
	r.log.Debug("segment released",
		zap.Stringer("key", h.key),
		zap.Uint64("attached", left),
		zap.Bool("destroyed", destroy))
	if err != nil {
		return api.Errorf(opRelease, h.key.String(), api.ErrCreationFailed, "%v", err)
	}
	return nil
}

// Close releases every handle still open, as on process exit.
func (r *Registry) Close() error {
	r.mu.Lock()
	open := make([]*Handle, 0, len(r.handles))
	for h := range r.handles {
		open = append(open, h)
	}
	r.mu.Unlock()

	var err error
	for _, h := range open {
		r.log.Warn("releasing leftover segment", zap.Stringer("key", h.key))
		err = multierr.Append(err, h.Release())
	}
	return err
}

func (r *Registry) fail(op string, err error) error {
	kind := api.KindOf(err)
	r.metrics.SetupErrors.WithLabelValues(op, kind.String()).Inc()
	r.log.Error("segment operation failed", zap.String("op", op), zap.Stringer("kind", kind), zap.Error(err))
	return err
}

func pidAlive(pid uint32) bool {
	ok, err := process.PidExists(int32(pid))
	if err != nil {
		// unknown means alive; never reap on doubt
		return true
	}
	return ok
}
