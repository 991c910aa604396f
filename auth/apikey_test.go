package auth

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewAPIKey_HashMatchesPlaintext(t *testing.T) {
	key, hash, err := NewAPIKey()
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	recomputed, err := HashAPIKey(key)
	require.NoError(t, err)
	assert.Equal(t, hash, recomputed)
}

func TestNewAPIKey_DistinctEachCall(t *testing.T) {
	key1, hash1, err := NewAPIKey()
	require.NoError(t, err)
	key2, hash2, err := NewAPIKey()
	require.NoError(t, err)

	assert.NotEqual(t, key1, key2)
	assert.NotEqual(t, hash1, hash2)
}

func TestHashAPIKey_Deterministic(t *testing.T) {
	h1, err := HashAPIKey("same-key")
	require.NoError(t, err)
	h2, err := HashAPIKey("same-key")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}
