package artifact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInMemoryStore_WriteReadRoundTrip(t *testing.T) {
	store := NewInMemoryStore()

	handle, err := store.Write("run-1", []byte("payload"))
	require.NoError(t, err)
	require.NotEmpty(t, handle)

	data, err := store.Read("run-1", handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), data)
}

func TestInMemoryStore_HandlesAreUnique(t *testing.T) {
	store := NewInMemoryStore()

	h1, err := store.Write("run-1", []byte("a"))
	require.NoError(t, err)
	h2, err := store.Write("run-1", []byte("b"))
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)

	a, err := store.Read("run-1", h1)
	require.NoError(t, err)
	b, err := store.Read("run-1", h2)
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), a)
	assert.Equal(t, []byte("b"), b)
}

func TestInMemoryStore_ReadNotFound(t *testing.T) {
	store := NewInMemoryStore()

	_, err := store.Read("run-1", "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	handle, err := store.Write("run-1", []byte("x"))
	require.NoError(t, err)

	_, err = store.Read("run-2", handle)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestInMemoryStore_CopiesOnWriteAndRead(t *testing.T) {
	store := NewInMemoryStore()

	src := []byte("original")
	handle, err := store.Write("run-1", src)
	require.NoError(t, err)

	// Mutating the source slice after Write must not leak into the store.
	src[0] = 'X'

	got, err := store.Read("run-1", handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), got)

	// Mutating a read result must not leak either.
	got[0] = 'Y'
	again, err := store.Read("run-1", handle)
	require.NoError(t, err)
	assert.Equal(t, []byte("original"), again)
}
