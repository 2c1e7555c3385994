package rtapi

import (
	"context"
	"time"

	"github.com/srediag/rtcore/pkg/resource"
	"github.com/srediag/rtcore/pkg/sched"
	"github.com/srediag/rtcore/pkg/shm"
)

// SegmentRegistry is what upper layers need from the segment registry.
type SegmentRegistry interface {
	OpenOrCreate(ctx context.Context, key shm.Key, size int) (*shm.Handle, error)
	Kind() string
	Close() error
}

// TaskScheduler is what upper layers need from the scheduler.
type TaskScheduler interface {
	Register(name string, period time.Duration, priority int, body sched.Body) (*sched.Task, error)
	Start(t *sched.Task) error
	Stop(t *sched.Task) error
	Unregister(t *sched.Task) error
	Lookup(name string) (*sched.Task, bool)
	BasePeriod() time.Duration
	Faulted() []string
	Close() error
}

// ResourceRegistrar is what upper layers need from the resource registrar.
type ResourceRegistrar interface {
	Register(name, category string, release resource.ReleaseFunc, handle any) (*resource.Resource, error)
	Find(name, category string) (*resource.Resource, error)
	Unregister(res *resource.Resource) error
	Rename(res *resource.Resource, newName string) error
	List(category string) *resource.Iterator
	Close() error
}

var (
	_ SegmentRegistry   = (*shm.Registry)(nil)
	_ TaskScheduler     = (*sched.Scheduler)(nil)
	_ ResourceRegistrar = (*resource.Registrar)(nil)
)
