package encryption

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(b byte) []byte {
	return bytes.Repeat([]byte{b}, 32)
}

func TestEncryptRoundTrip(t *testing.T) {
	c, err := New(testKey(0x11))
	require.NoError(t, err)

	salt := []byte("0123456789abcdef0123456789abcdef")
	sealed, err := c.Encrypt(salt)
	require.NoError(t, err)
	assert.NotEqual(t, salt, sealed)

	opened, err := c.Decrypt(sealed)
	require.NoError(t, err)
	assert.Equal(t, salt, opened)
}

func TestDecryptWithWrongKey(t *testing.T) {
	c1, err := New(testKey(0x11))
	require.NoError(t, err)
	c2, err := New(testKey(0x22))
	require.NoError(t, err)

	sealed, err := c1.Encrypt([]byte("salt"))
	require.NoError(t, err)

	_, err = c2.Decrypt(sealed)
	assert.Error(t, err)
}

func TestDecryptRejectsTamperedCiphertext(t *testing.T) {
	c, err := New(testKey(0x11))
	require.NoError(t, err)

	sealed, err := c.Encrypt([]byte("salt"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff

	_, err = c.Decrypt(sealed)
	assert.Error(t, err)
}

func TestDecryptRejectsShortCiphertext(t *testing.T) {
	c, err := New(testKey(0x11))
	require.NoError(t, err)

	_, err = c.Decrypt([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestNewRejectsBadKeyLength(t *testing.T) {
	_, err := New([]byte("short"))
	assert.Error(t, err)
}

func TestLoadKey(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		t.Setenv(EnvStateKey, "")
		_, err := LoadKey()
		assert.ErrorIs(t, err, ErrNoKey)
	})

	t.Run("not hex", func(t *testing.T) {
		t.Setenv(EnvStateKey, "zz")
		_, err := LoadKey()
		assert.Error(t, err)
	})

	t.Run("wrong length", func(t *testing.T) {
		t.Setenv(EnvStateKey, "deadbeef")
		_, err := LoadKey()
		assert.Error(t, err)
	})

	t.Run("valid", func(t *testing.T) {
		t.Setenv(EnvStateKey, hex.EncodeToString(testKey(0x33)))
		key, err := LoadKey()
		require.NoError(t, err)
		assert.Equal(t, testKey(0x33), key)
	})
}
