package resource

import (
	"fmt"
	"sync"

	"github.com/srediag/rtcore/api"
)

// Devices is the backend's device model: the capability set a resource
// registration is mirrored to.
type Devices interface {
	Kind() string
	Register(category, name string) error
	Unregister(category, name string) error
	SetName(category, oldName, newName string) error
}

// LocalDevices is the device model of backends with no native device
// concept. It only keeps bookkeeping.
type LocalDevices struct {
	mu      sync.Mutex
	entries map[string]struct{}
}

// NewLocalDevices returns an empty local device model.
func NewLocalDevices() *LocalDevices {
	return &LocalDevices{entries: make(map[string]struct{})}
}

// Kind returns "local".
func (d *LocalDevices) Kind() string { return "local" }

func (d *LocalDevices) Register(category, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	k := key(category, name)
	if _, ok := d.entries[k]; ok {
		return fmt.Errorf("device %s: %w", k, api.ErrDuplicateName)
	}
	d.entries[k] = struct{}{}
	return nil
}

func (d *LocalDevices) Unregister(category, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, key(category, name))
	return nil
}

func (d *LocalDevices) SetName(category, oldName, newName string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	nk := key(category, newName)
	if _, ok := d.entries[nk]; ok {
		return fmt.Errorf("device %s: %w", nk, api.ErrDuplicateName)
	}
	delete(d.entries, key(category, oldName))
	d.entries[nk] = struct{}{}
	return nil
}

// Len returns the number of registered devices.
func (d *LocalDevices) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

func key(category, name string) string {
	return category + "/" + name
}
