// Package secure holds the token hashing and session-key material shared by
// both halves of the handshake.
package secure

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Salt appended to the token before hashing. This is not a password hash;
// it only keeps the raw token out of captures and logs.
var Salt = []byte(".Kita_Ikuyo.^_^.")

// SessionKeyLen is the size of a derived session key in bytes.
const SessionKeyLen = 32

// SaltedHash returns SHA-256(data || Salt).
func SaltedHash(data []byte) []byte {
	h := sha256.New()
	h.Write(data)
	h.Write(Salt)
	return h.Sum(nil)
}

// DeriveSessionKey computes the 32-byte session key for a client: HKDF-SHA256
// with no salt, the shared token as input key material and the client id as
// the info string. Client and server derive identical keys from identical
// inputs.
func DeriveSessionKey(token, clientID string) ([]byte, error) {
	r := hkdf.New(sha256.New, []byte(token), nil, []byte(clientID))
	key := make([]byte, SessionKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, err
	}
	return key, nil
}

// A Cipher is an AES-256-GCM context keyed by a session key. The current
// protocol derives and exchanges the key but does not run Data payloads
// through it; the context is here for the handshake contract and for
// deployments that wrap payloads themselves.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(sessionKey []byte) (*Cipher, error) {
	if len(sessionKey) != SessionKeyLen {
		return nil, errors.New("secure: session key must be 32 bytes")
	}
	block, err := aes.NewCipher(sessionKey)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plaintext and prepends the random nonce.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a Seal output, reading the nonce from its head.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	ns := c.aead.NonceSize()
	if len(sealed) < ns {
		return nil, errors.New("secure: sealed data too short")
	}
	return c.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
}
