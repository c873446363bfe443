// Package cryptox implements the value cipher used for locally retained
// secrets. The master key never touches persistent storage: it lives in a
// session-scoped KeyStore and every purpose gets its own HKDF-derived key.
package cryptox

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/dmitrijs2005/gophmarket/internal/common"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize       = 32
	formatVersion = "v1:"
)

var (
	// ErrNoKey is returned by DecryptValue when the session key is gone,
	// e.g. after ClearEncryptionKey or in a new session.
	ErrNoKey = errors.New("encryption key not available")

	// ErrMalformed is returned for ciphertexts that were not produced by EncryptValue.
	ErrMalformed = errors.New("malformed ciphertext")
)

// KeyStore is a non-persistent byte store. Get returns (nil, nil) when the
// key is absent.
type KeyStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// Cipher encrypts short values with AES-256-GCM.
type Cipher struct {
	keys    KeyStore
	keyName string
	purpose []byte

	mu sync.Mutex
}

// NewCipher returns a Cipher whose master key is stored under keyName in keys.
// purpose separates keys of unrelated consumers sharing the same master key.
func NewCipher(keys KeyStore, keyName, purpose string) *Cipher {
	return &Cipher{keys: keys, keyName: keyName, purpose: []byte(purpose)}
}

// EncryptValue seals plain and returns a printable ciphertext. The master
// key is created on first use.
func (c *Cipher) EncryptValue(ctx context.Context, plain []byte) (string, error) {
	key, err := c.derivedKey(ctx, true)
	if err != nil {
		return "", err
	}
	defer common.WipeByteArray(key)

	sealed, err := Seal(key, plain)
	if err != nil {
		return "", err
	}
	return formatVersion + base64.StdEncoding.EncodeToString(sealed), nil
}

// DecryptValue reverses EncryptValue.
func (c *Cipher) DecryptValue(ctx context.Context, encoded string) ([]byte, error) {
	raw, ok := strings.CutPrefix(encoded, formatVersion)
	if !ok {
		return nil, ErrMalformed
	}
	sealed, err := base64.StdEncoding.DecodeString(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	key, err := c.derivedKey(ctx, false)
	if err != nil {
		return nil, err
	}
	defer common.WipeByteArray(key)

	return Open(key, sealed)
}

// ClearEncryptionKey drops the master key. Every value encrypted so far
// becomes unreadable.
func (c *Cipher) ClearEncryptionKey(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.keys.Delete(ctx, c.keyName)
}

func (c *Cipher) derivedKey(ctx context.Context, create bool) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	master, err := c.keys.Get(ctx, c.keyName)
	if err != nil {
		return nil, fmt.Errorf("read encryption key: %w", err)
	}
	if len(master) == 0 {
		if !create {
			return nil, ErrNoKey
		}
		master = common.GenerateRandByteArray(keySize)
		if err := c.keys.Set(ctx, c.keyName, master); err != nil {
			return nil, fmt.Errorf("store encryption key: %w", err)
		}
	}
	defer common.WipeByteArray(master)

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, c.purpose), key); err != nil {
		return nil, err
	}
	return key, nil
}

// Seal encrypts plaintext with AES-GCM under key. The random nonce is
// prepended to the returned ciphertext.
func Seal(key, plaintext []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := common.GenerateRandByteArray(aead.NonceSize())
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a payload produced by Seal.
func Open(key, payload []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(payload) < aead.NonceSize() {
		return nil, ErrMalformed
	}
	nonce, ciphertext := payload[:aead.NonceSize()], payload[aead.NonceSize():]
	return aead.Open(nil, nonce, ciphertext, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
