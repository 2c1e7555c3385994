// Package shm is the segment registry: it maps a stable key to a block of
// shared memory and resolves the create-vs-attach race between independent
// processes.
//
// Exactly one caller of OpenOrCreate for a key becomes the creator and sees
// zeroed memory; every other caller attaches to that same instance. The
// backing object is destroyed when the last handle is released.
//
// Example usage:
//
//	reg := shm.NewRegistry(store, shm.WithLogger(log))
//	h, err := reg.OpenOrCreate(ctx, shm.Name("hal"), 4096)
//	if err != nil {
//		return err
//	}
//	defer h.Release()
//	state, err := shm.View[HalState](h)
//
// The registry never locks segment contents. Layouts and their consistency
// schemes belong to the components sharing them.
package shm
