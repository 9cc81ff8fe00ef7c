package secret

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBox_SealOpen(t *testing.T) {
	box, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	sealed, err := box.Seal("session-string")
	require.NoError(t, err)
	assert.NotContains(t, sealed, "session-string")

	again, err := box.Seal("session-string")
	require.NoError(t, err)
	assert.NotEqual(t, sealed, again, "nonce must differ between seals")

	plain, err := box.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, "session-string", plain)
}

func TestBox_OpenWithWrongKey(t *testing.T) {
	a, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)
	b, err := NewBox("fedcba9876543210fedcba9876543210")
	require.NoError(t, err)

	sealed, err := a.Seal("secret")
	require.NoError(t, err)

	_, err = b.Open(sealed)
	assert.Error(t, err)
}

func TestBox_Rejects(t *testing.T) {
	_, err := NewBox("short")
	assert.Error(t, err)

	box, err := NewBox("0123456789abcdef0123456789abcdef")
	require.NoError(t, err)

	_, err = box.Open("not base64!")
	assert.Error(t, err)

	_, err = box.Open("AAAA")
	assert.ErrorContains(t, err, "too short")
}

func TestPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$"))

	ok, err := CheckPassword("hunter2", hash)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = CheckPassword("hunter3", hash)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = CheckPassword("hunter2", "plain")
	assert.Error(t, err)
}
