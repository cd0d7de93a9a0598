package counttable

import (
	"sync/atomic"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocateReset(t *testing.T) {
	tab, err := New(2)
	require.NoError(t, err)

	t.Cleanup(func() { _ = tab.Close() })

	a, err := tab.Allocate()
	require.NoError(t, err)

	b, err := tab.Allocate()
	require.NoError(t, err)

	assert.Equal(t, uintptr(EntrySize), b-a)
	assert.Equal(t, 2, tab.Used())

	_, err = tab.Allocate()
	assert.ErrorIs(t, err, ErrFull)

	atomic.AddUint32((*uint32)(unsafe.Pointer(b)), 7) //nolint:govet

	v, err := tab.Load(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), v)

	v, err = tab.Load(a)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	require.NoError(t, tab.Reset(b))

	v, err = tab.Load(b)
	require.NoError(t, err)
	assert.Equal(t, uint32(0), v)

	assert.ErrorIs(t, tab.Reset(a+1), ErrForeign)
	assert.ErrorIs(t, tab.Reset(b+EntrySize), ErrForeign)
}

func TestBadSize(t *testing.T) {
	_, err := New(0)
	assert.Error(t, err)
}
