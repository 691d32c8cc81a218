package encryption

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
)

// EnvStateKey names the environment variable holding the hex encoded
// AES-256 key used to seal patient salts at rest.
const EnvStateKey = "DEID_STATE_KEY"

// ErrNoKey reports that no state encryption key is configured. Callers
// treat it as "run unencrypted", not as a failure.
var ErrNoKey = errors.New("state encryption key not configured")

// Cipher seals hash salts before they reach a persistent store.
// AES-256-GCM with the nonce prefixed to the ciphertext. There is no
// key rotation: salts sealed under one key must stay readable for as
// long as the patient state lives, or date shifts silently change.
type Cipher struct {
	gcm cipher.AEAD
}

func New(key []byte) (*Cipher, error) {
	if len(key) != 32 {
		return nil, errors.New("state encryption key must be exactly 32 bytes for AES-256")
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{gcm: gcm}, nil
}

// LoadKey reads the state encryption key from the environment. Returns
// ErrNoKey when the variable is unset.
func LoadKey() ([]byte, error) {
	raw := os.Getenv(EnvStateKey)
	if raw == "" {
		return nil, ErrNoKey
	}

	key, err := hex.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a valid hex string: %v", EnvStateKey, err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("%s must be exactly 32 bytes (64 hex characters)", EnvStateKey)
	}
	return key, nil
}

func (c *Cipher) Encrypt(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return c.gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *Cipher) Decrypt(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}

	nonce := ciphertext[:c.gcm.NonceSize()]
	sealed := ciphertext[c.gcm.NonceSize():]

	plaintext, err := c.gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to unseal: %w", err)
	}
	return plaintext, nil
}
