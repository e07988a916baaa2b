package password

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func init() {
	Cost = bcrypt.MinCost
}

func TestHashAndVerify(t *testing.T) {
	hash, err := Hash("s3cret")
	require.NoError(t, err)
	assert.True(t, IsHash(hash))

	legacy, err := Verify(hash, "s3cret")
	assert.NoError(t, err)
	assert.False(t, legacy)

	_, err = Verify(hash, "wrong")
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestHash_Empty(t *testing.T) {
	_, err := Hash("")
	assert.ErrorIs(t, err, ErrEmpty)
}

func TestVerify_Legacy(t *testing.T) {
	legacy, err := Verify("plain-pass", "plain-pass")
	assert.NoError(t, err)
	assert.True(t, legacy)

	_, err = Verify("plain-pass", "other")
	assert.ErrorIs(t, err, ErrMismatch)

	_, err = Verify("", "")
	assert.ErrorIs(t, err, ErrMismatch)
}

func TestEnsureHashed(t *testing.T) {
	hash, err := EnsureHashed("abc123")
	require.NoError(t, err)
	assert.True(t, IsHash(hash))

	same, err := EnsureHashed(hash)
	require.NoError(t, err)
	assert.Equal(t, hash, same)

	empty, err := EnsureHashed("")
	require.NoError(t, err)
	assert.Empty(t, empty)
}
