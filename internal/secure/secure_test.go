package secure

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSaltedHash(t *testing.T) {
	h1 := SaltedHash([]byte("ciallo"))
	h2 := SaltedHash([]byte("ciallo"))
	require.Len(t, h1, 32)
	require.Equal(t, h1, h2)
	require.NotEqual(t, h1, SaltedHash([]byte("ciallo ")))

	// the definition is SHA-256(data || salt), nothing fancier
	want := sha256.Sum256(append([]byte("ciallo"), Salt...))
	require.Equal(t, want[:], h1)
}

func TestDeriveSessionKeyDeterministic(t *testing.T) {
	const (
		token    = "ciallo"
		clientID = "0058454c-ba2f-40de-8390-c1bcfc65754f"
	)
	k1, err := DeriveSessionKey(token, clientID)
	require.NoError(t, err)
	k2, err := DeriveSessionKey(token, clientID)
	require.NoError(t, err)
	require.Len(t, k1, SessionKeyLen)
	require.Equal(t, k1, k2)

	k3, err := DeriveSessionKey(token, "another-client")
	require.NoError(t, err)
	require.NotEqual(t, k1, k3)

	k4, err := DeriveSessionKey("other-token", clientID)
	require.NoError(t, err)
	require.NotEqual(t, k1, k4)
}

func TestCipherRoundTrip(t *testing.T) {
	key, err := DeriveSessionKey("ciallo", "0058454c-ba2f-40de-8390-c1bcfc65754f")
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)

	plaintext := []byte("Hello, world!")
	sealed, err := c.Seal(plaintext)
	require.NoError(t, err)
	require.NotEqual(t, plaintext, sealed)

	opened, err := c.Open(sealed)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)

	// tampering must not decrypt
	sealed[len(sealed)-1] ^= 0x01
	_, err = c.Open(sealed)
	require.Error(t, err)
}

func TestCipherRejectsBadKey(t *testing.T) {
	_, err := NewCipher([]byte("short"))
	require.Error(t, err)
}
