package secrets

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newBox(t *testing.T, fill byte) *Box {
	t.Helper()
	b, err := New(bytes.Repeat([]byte{fill}, 32))
	require.NoError(t, err)
	return b
}

func TestSealOpen(t *testing.T) {
	box := newBox(t, 1)

	sealed, err := box.Seal(".WBAuth=abc123")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "abc123")

	again, err := box.Seal(".WBAuth=abc123")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ per seal")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, ".WBAuth=abc123", plain)
}

func TestEmptyStaysEmpty(t *testing.T) {
	box := newBox(t, 1)

	sealed, err := box.Seal("")
	require.NoError(t, err)
	assert.Empty(t, sealed)

	plain, err := box.Open("")
	require.NoError(t, err)
	assert.Empty(t, plain)
}

func TestOpenRejectsForeignKeyAndGarbage(t *testing.T) {
	sealed, err := newBox(t, 1).Seal("cookie")
	require.NoError(t, err)

	_, err = newBox(t, 2).Open(sealed)
	assert.Error(t, err)

	_, err = newBox(t, 1).Open("!!not base64!!")
	assert.ErrorIs(t, err, ErrCiphertext)

	_, err = newBox(t, 1).Open("AAAA")
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}
