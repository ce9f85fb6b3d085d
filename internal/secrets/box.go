// Package secrets provides authenticated symmetric encryption for agent
// credential blobs. Ciphertexts are nacl/secretbox sealed JSON with a
// random 24-byte nonce prepended, base64 encoded for storage.
package secrets

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"

	"golang.org/x/crypto/nacl/secretbox"
)

var (
	ErrBadKey        = errors.New("secrets: encryption key must be 32 bytes (base64)")
	ErrDecryptFailed = errors.New("secrets: decryption failed")
)

// Box seals and opens credential maps with a single symmetric key.
type Box struct {
	key [32]byte
}

// NewBox parses a base64-encoded 32-byte key.
func NewBox(encodedKey string) (*Box, error) {
	raw, err := base64.StdEncoding.DecodeString(encodedKey)
	if err != nil || len(raw) != 32 {
		return nil, ErrBadKey
	}
	b := &Box{}
	copy(b.key[:], raw)
	return b, nil
}

// GenerateKey returns a fresh base64 key, for bootstrap tooling.
func GenerateKey() (string, error) {
	var k [32]byte
	if _, err := rand.Read(k[:]); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(k[:]), nil
}

// EncryptJSON seals a credential map.
func (b *Box) EncryptJSON(data map[string]any) (string, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", err
	}
	sealed := secretbox.Seal(nonce[:], raw, &nonce, &b.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptJSON opens a ciphertext produced by EncryptJSON.
func (b *Box) DecryptJSON(ciphertext string) (map[string]any, error) {
	sealed, err := base64.StdEncoding.DecodeString(ciphertext)
	if err != nil || len(sealed) < 24 {
		return nil, ErrDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	raw, ok := secretbox.Open(nil, sealed[24:], &nonce, &b.key)
	if !ok {
		return nil, ErrDecryptFailed
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, ErrDecryptFailed
	}
	return out, nil
}
