package ledger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashIdentifier(t *testing.T) {
	h, err := NewHasher("test-key")
	require.NoError(t, err)

	first, err := h.HashIdentifier("192.168.1.1")
	require.NoError(t, err)
	second, err := h.HashIdentifier("192.168.1.1")
	require.NoError(t, err)
	other, err := h.HashIdentifier("192.168.1.2")
	require.NoError(t, err)

	assert.Len(t, first, 64)
	assert.Equal(t, first, second)
	assert.NotEqual(t, first, other)
	assert.NotContains(t, first, "192.168")
}

func TestHashIdentifierDependsOnKey(t *testing.T) {
	a, err := NewHasher("key-a")
	require.NoError(t, err)
	b, err := NewHasher("key-b")
	require.NoError(t, err)

	ha, _ := a.HashIdentifier("203.0.113.5")
	hb, _ := b.HashIdentifier("203.0.113.5")

	assert.NotEqual(t, ha, hb)
}

func TestNewHasherRejectsLongKey(t *testing.T) {
	_, err := NewHasher(strings.Repeat("k", 65))
	assert.ErrorIs(t, err, ErrHashKeyTooLong)
}
