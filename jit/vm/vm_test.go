package vm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveProtect(t *testing.T) {
	ps := PageSize()

	b, err := Reserve(4 * ps)
	require.NoError(t, err)

	defer func() {
		assert.NoError(t, Free(b))
	}()

	require.NoError(t, Protect(b[ps:2*ps], ProtRW))

	b[ps] = 7
	assert.Equal(t, byte(7), b[ps])

	require.NoError(t, Protect(b[ps:2*ps], ProtRX))
	assert.Equal(t, byte(7), b[ps])
}

func TestAlloc(t *testing.T) {
	b, err := Alloc(100)
	require.NoError(t, err)

	b[99] = 1

	assert.NoError(t, Free(b))
}

func TestAlignUpAndString(t *testing.T) {
	assert.Equal(t, 16, AlignUp(1, 16))
	assert.Equal(t, 16, AlignUp(16, 16))
	assert.Equal(t, 0, AlignUp(0, 16))

	assert.Equal(t, "r-x", ProtRX.String())
	assert.Equal(t, "---", ProtNone.String())
}
