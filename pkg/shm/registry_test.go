package shm

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srediag/rtcore/api"
	internalshm "github.com/srediag/rtcore/internal/shm"
)

func alwaysAlive(uint32) bool { return true }

// newProcess returns a registry standing in for a separate process attached
// to store.
func newProcess(store internalshm.Store, pid uint32, alive func(uint32) bool) *Registry {
	return NewRegistry(store, WithPID(pid), WithAlive(alive))
}

func TestRegistry_CreateThenAttach(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	a := newProcess(store, 1, alwaysAlive)
	b := newProcess(store, 2, alwaysAlive)
	ctx := context.Background()

	ha, err := a.OpenOrCreate(ctx, Name("hal"), 100)
	require.NoError(t, err)
	assert.True(t, ha.Creator())
	assert.Equal(t, 100, ha.Size())
	assert.GreaterOrEqual(t, ha.MappedSize(), 100)
	assert.Equal(t, make([]byte, 100), ha.Bytes())

	hb, err := b.OpenOrCreate(ctx, Name("hal"), 64)
	require.NoError(t, err)
	assert.False(t, hb.Creator())
	assert.Equal(t, 100, hb.Size(), "attacher reports the existing size")
	assert.Equal(t, uint64(2), ha.AttachCount())

	copy(ha.Bytes()[10:], "spindle")
	assert.Equal(t, []byte("spindle"), hb.Bytes()[10:17])

	require.NoError(t, ha.Release())
	assert.Equal(t, 1, store.Len(), "creator release keeps the segment while attached")
	require.NoError(t, hb.Release())
	assert.Equal(t, 0, store.Len())
}

func TestRegistry_ExactlyOneCreator(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	const n = 16

	var (
		wg      sync.WaitGroup
		handles = make([]*Handle, n)
		errs    = make([]error, n)
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			reg := newProcess(store, uint32(i+1), alwaysAlive)
			handles[i], errs[i] = reg.OpenOrCreate(context.Background(), ID(0x48414c32), 256)
		}(i)
	}
	wg.Wait()

	creators := 0
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		if handles[i].Creator() {
			creators++
		}
	}
	assert.Equal(t, 1, creators)
	assert.Equal(t, uint64(n), handles[0].AttachCount())

	handles[3].Bytes()[0] = 0xaa
	for _, h := range handles {
		assert.Equal(t, byte(0xaa), h.Bytes()[0])
	}
	for _, h := range handles {
		require.NoError(t, h.Release())
	}
	assert.Equal(t, 0, store.Len())
}

func TestRegistry_SizeMismatch(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	a := newProcess(store, 1, alwaysAlive)
	b := newProcess(store, 2, alwaysAlive)

	h, err := a.OpenOrCreate(context.Background(), Name("small"), 64)
	require.NoError(t, err)
	defer h.Release()

	_, err = b.OpenOrCreate(context.Background(), Name("small"), 128)
	require.Error(t, err)
	assert.ErrorIs(t, err, api.ErrSizeMismatch)
	assert.Equal(t, api.KindSizeMismatch, api.KindOf(err))
	assert.Contains(t, err.Error(), "small")
	assert.Equal(t, uint64(1), h.AttachCount())
}

func TestRegistry_DoubleRelease(t *testing.T) {
	reg := newProcess(internalshm.NewHeapStore(0), 1, alwaysAlive)
	h, err := reg.OpenOrCreate(context.Background(), Name("twice"), 8)
	require.NoError(t, err)

	require.NoError(t, h.Release())
	err = h.Release()
	assert.ErrorIs(t, err, api.ErrAlreadyReleased)
	assert.True(t, h.Released())
	assert.Nil(t, h.Bytes())
}

func TestRegistry_InvalidInput(t *testing.T) {
	reg := newProcess(internalshm.NewHeapStore(0), 1, alwaysAlive)
	ctx := context.Background()
	tests := []struct {
		name string
		key  Key
		size int
		want error
	}{
		{"empty name", Name(""), 8, api.ErrInvalidKey},
		{"long name", Name("abcdefghijklmnopqrstuvwxyz0123456789"), 8, api.ErrInvalidKey},
		{"slash", Name("a/b"), 8, api.ErrInvalidKey},
		{"zero id", ID(0), 8, api.ErrInvalidKey},
		{"negative id", ID(-4), 8, api.ErrInvalidKey},
		{"id past key_t", ID(1 << 31), 8, api.ErrInvalidKey},
		{"reserved prefix", Name("id.00000001"), 8, api.ErrInvalidKey},
		{"hidden name", Name(".creating.x"), 8, api.ErrInvalidKey},
		{"zero size", Name("ok"), 0, api.ErrSizeMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := reg.OpenOrCreate(ctx, tt.key, tt.size)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Equal(t, 0, reg.Len())
}

func TestRegistry_CreationFailed(t *testing.T) {
	reg := newProcess(internalshm.NewHeapStore(internalshm.PageSize), 1, alwaysAlive)
	h, err := reg.OpenOrCreate(context.Background(), Name("first"), 8)
	require.NoError(t, err)
	defer h.Release()

	_, err = reg.OpenOrCreate(context.Background(), Name("second"), 8)
	assert.ErrorIs(t, err, api.ErrCreationFailed)
	assert.Contains(t, err.Error(), "second")
}

func TestHandle_Reset(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	a := newProcess(store, 1, alwaysAlive)
	b := newProcess(store, 2, alwaysAlive)

	ha, err := a.OpenOrCreate(context.Background(), Name("reset"), 32)
	require.NoError(t, err)
	hb, err := b.OpenOrCreate(context.Background(), Name("reset"), 32)
	require.NoError(t, err)
	defer hb.Release()

	copy(hb.Bytes(), "dirty")
	assert.ErrorIs(t, hb.Reset(), api.ErrNotCreator)
	require.NoError(t, ha.Reset())
	assert.Equal(t, make([]byte, 32), hb.Bytes())

	// creator-only operations end when the creator releases
	require.NoError(t, ha.Release())
	assert.ErrorIs(t, ha.Reset(), api.ErrAlreadyReleased)
	assert.True(t, hb.Info().CreatorReleased)
}

func TestRegistry_ReapsExitedCreator(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	dead := map[uint32]bool{}
	alive := func(pid uint32) bool { return !dead[pid] }

	crashed := newProcess(store, 10, alive)
	h, err := crashed.OpenOrCreate(context.Background(), Name("orphan"), 16)
	require.NoError(t, err)
	h.Bytes()[0] = 1
	dead[10] = true

	survivor := newProcess(store, 11, alive)
	h2, err := survivor.OpenOrCreate(context.Background(), Name("orphan"), 16)
	require.NoError(t, err)
	defer h2.Release()
	assert.True(t, h2.Creator(), "orphaned segment is recreated")
	assert.Equal(t, byte(0), h2.Bytes()[0])
}

func TestRegistry_ReapKeepsSharedSegment(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	dead := map[uint32]bool{}
	alive := func(pid uint32) bool { return !dead[pid] }

	creator := newProcess(store, 20, alive)
	other := newProcess(store, 21, alive)
	third := newProcess(store, 22, alive)

	hc, err := creator.OpenOrCreate(context.Background(), Name("shared"), 16)
	require.NoError(t, err)
	ho, err := other.OpenOrCreate(context.Background(), Name("shared"), 16)
	require.NoError(t, err)
	hc.Bytes()[0] = 7
	dead[20] = true

	ht, err := third.OpenOrCreate(context.Background(), Name("shared"), 16)
	require.NoError(t, err)
	assert.False(t, ht.Creator())
	assert.Equal(t, byte(7), ht.Bytes()[0])
	assert.Equal(t, uint64(2), ht.AttachCount())
	assert.True(t, ht.Info().CreatorReleased)

	require.NoError(t, ho.Release())
	require.NoError(t, ht.Release())
	assert.Equal(t, 0, store.Len())
}

// crashBeforePublish leaves an object in store the way a creator that died
// between create and Publish would.
func crashBeforePublish(t *testing.T, store internalshm.Store, name string, pid uint32) {
	t.Helper()
	region, err := store.Open(internalshm.Options{Name: name, Size: internalshm.HeaderSize + 64, Creator: pid})
	require.NoError(t, err)
	require.True(t, region.Created)
	internalshm.HeaderOf(region.Mem).Init(64, pid)
}

func TestRegistry_RecreatesUnpublishedOfExitedCreator(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	crashBeforePublish(t, store, "hal", 4242)

	reg := newProcess(store, 1, func(pid uint32) bool { return pid != 4242 })
	for i := 0; i < 3; i++ {
		h, err := reg.OpenOrCreate(context.Background(), Name("hal"), 64)
		require.NoError(t, err, "attempt %d", i)
		assert.True(t, h.Creator())
		assert.True(t, h.Info().Ready)
		require.NoError(t, h.Release())
	}
	assert.Equal(t, 0, store.Len())
}

func TestRegistry_WaitsForLiveCreator(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	crashBeforePublish(t, store, "hal", 4242)

	reg := NewRegistry(store, WithPID(1), WithAlive(alwaysAlive), WithAttachTimeout(20*time.Millisecond))
	_, err := reg.OpenOrCreate(context.Background(), Name("hal"), 64)
	assert.ErrorIs(t, err, api.ErrCreationFailed)
	assert.Equal(t, 1, store.Len(), "a creator still initialising keeps its object")
}

func TestRegistry_StampedCreatorBeforeInit(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	region, err := store.Open(internalshm.Options{Name: "hal", Size: internalshm.HeaderSize + 64, Creator: 4242})
	require.NoError(t, err)
	assert.Equal(t, uint32(4242), internalshm.HeaderOf(region.Mem).Creator())

	reg := newProcess(store, 1, func(pid uint32) bool { return pid != 4242 })
	h, err := reg.OpenOrCreate(context.Background(), Name("hal"), 64)
	require.NoError(t, err)
	defer h.Release()
	assert.True(t, h.Creator())
}

func TestRegistry_Close(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	reg := newProcess(store, 1, alwaysAlive)
	for _, name := range []string{"a", "b", "c"} {
		_, err := reg.OpenOrCreate(context.Background(), Name(name), 8)
		require.NoError(t, err)
	}
	assert.Equal(t, 3, reg.Len())
	require.NoError(t, reg.Close())
	assert.Equal(t, 0, reg.Len())
	assert.Equal(t, 0, store.Len())
}

type servoState struct {
	Seq      uint64
	Position [3]float64
	Enabled  uint32
}

func TestView(t *testing.T) {
	store := internalshm.NewHeapStore(0)
	a := newProcess(store, 1, alwaysAlive)
	b := newProcess(store, 2, alwaysAlive)

	ha, err := a.OpenOrCreate(context.Background(), Name("servo"), 64)
	require.NoError(t, err)
	defer ha.Release()
	hb, err := b.OpenOrCreate(context.Background(), Name("servo"), 64)
	require.NoError(t, err)

	wa, err := View[servoState](ha)
	require.NoError(t, err)
	wa.Position[1] = 12.5
	wa.Seq = 3

	rb, err := View[servoState](hb)
	require.NoError(t, err)
	assert.Equal(t, 12.5, rb.Position[1])
	assert.Equal(t, uint64(3), rb.Seq)

	_, err = View[[128]byte](ha)
	assert.ErrorIs(t, err, api.ErrSizeMismatch)

	require.NoError(t, hb.Release())
	_, err = View[servoState](hb)
	assert.ErrorIs(t, err, api.ErrAlreadyReleased)
}

func TestDump(t *testing.T) {
	reg := newProcess(internalshm.NewHeapStore(0), 1, alwaysAlive)
	h, err := reg.OpenOrCreate(context.Background(), Name("dump"), 20)
	require.NoError(t, err)
	defer h.Release()
	copy(h.Bytes(), "HAL")

	var out bytes.Buffer
	require.NoError(t, Dump(&out, h, 0))
	lines := bytes.Split(bytes.TrimSpace(out.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)
	assert.True(t, bytes.HasPrefix(lines[0], []byte("00000000  48 41 4c 00")))
	assert.True(t, bytes.HasSuffix(lines[0], []byte("|HAL.............|")))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "hal", Name("hal").String())
	assert.Equal(t, "0x0000002a", ID(42).String())
	assert.Equal(t, 42, ID(42).sysv())
	assert.Equal(t, Name("hal").sysv(), Name("hal").sysv())
	assert.NotEqual(t, Name("hal").sysv(), Name("hal2").sysv())
	assert.Positive(t, Name("hal").sysv())
	assert.Equal(t, MaxID, ID(MaxID).sysv())
	assert.NoError(t, ID(MaxID).Validate())

	assert.Equal(t, ID(42), ObjectKey(ID(42).object()))
	assert.Equal(t, Name("hal"), ObjectKey("hal"))
	assert.Equal(t, Name("id.zz"), ObjectKey("id.zz"))
}

func TestRegistry_IDAndNameDoNotAlias(t *testing.T) {
	reg := newProcess(internalshm.NewHeapStore(0), 1, alwaysAlive)
	h, err := reg.OpenOrCreate(context.Background(), ID(1), 16)
	require.NoError(t, err)
	defer h.Release()

	_, err = reg.OpenOrCreate(context.Background(), Name("id.00000001"), 16)
	assert.ErrorIs(t, err, api.ErrInvalidKey)
	assert.Equal(t, uint64(1), h.AttachCount())
}
