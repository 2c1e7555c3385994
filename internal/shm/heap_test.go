package shm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeapStore_CreateThenAttach(t *testing.T) {
	s := NewHeapStore(0)
	r1, err := s.Open(Options{Name: "seg", Size: HeaderSize + 100})
	require.NoError(t, err)
	assert.True(t, r1.Created)
	assert.Equal(t, PageSize, len(r1.Mem))

	r2, err := s.Open(Options{Name: "seg", Size: HeaderSize + 100})
	require.NoError(t, err)
	assert.False(t, r2.Created)

	r1.Mem[HeaderSize] = 7
	assert.Equal(t, byte(7), r2.Mem[HeaderSize])
	assert.Equal(t, 1, s.Len())

	require.NoError(t, s.Unlink(r2))
	assert.Equal(t, 0, s.Len())

	// a stale region does not remove a newer object of the same name
	r3, err := s.Open(Options{Name: "seg", Size: HeaderSize})
	require.NoError(t, err)
	assert.True(t, r3.Created)
	require.NoError(t, s.Unlink(r1))
	assert.Equal(t, 1, s.Len())
}

func TestHeapStore_Limit(t *testing.T) {
	s := NewHeapStore(PageSize)
	_, err := s.Open(Options{Name: "a", Size: 10})
	require.NoError(t, err)
	_, err = s.Open(Options{Name: "b", Size: 10})
	assert.ErrorIs(t, err, ErrExhausted)
}

func TestRoundToPage(t *testing.T) {
	assert.Equal(t, PageSize, RoundToPage(0))
	assert.Equal(t, PageSize, RoundToPage(1))
	assert.Equal(t, PageSize, RoundToPage(PageSize))
	assert.Equal(t, 2*PageSize, RoundToPage(PageSize+1))
}
