package cryptox

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeys struct {
	m      map[string][]byte
	getErr error
}

func newMemKeys() *memKeys { return &memKeys{m: map[string][]byte{}} }

func (k *memKeys) Get(_ context.Context, key string) ([]byte, error) {
	if k.getErr != nil {
		return nil, k.getErr
	}
	v, ok := k.m[key]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), v...), nil
}

func (k *memKeys) Set(_ context.Context, key string, value []byte) error {
	k.m[key] = append([]byte(nil), value...)
	return nil
}

func (k *memKeys) Delete(_ context.Context, key string) error {
	delete(k.m, key)
	return nil
}

func TestCipher_RoundTrip(t *testing.T) {
	ctx := context.Background()
	c := NewCipher(newMemKeys(), "master", "credentials")

	enc, err := c.EncryptValue(ctx, []byte("hunter2"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(enc, formatVersion))
	assert.NotContains(t, enc, "hunter2")

	plain, err := c.DecryptValue(ctx, enc)
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), plain)
}

func TestCipher_NonceIsRandom(t *testing.T) {
	ctx := context.Background()
	c := NewCipher(newMemKeys(), "master", "credentials")

	a, err := c.EncryptValue(ctx, []byte("same"))
	require.NoError(t, err)
	b, err := c.EncryptValue(ctx, []byte("same"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestCipher_ClearEncryptionKeyMakesValuesUnreadable(t *testing.T) {
	ctx := context.Background()
	c := NewCipher(newMemKeys(), "master", "credentials")

	enc, err := c.EncryptValue(ctx, []byte("secret"))
	require.NoError(t, err)
	require.NoError(t, c.ClearEncryptionKey(ctx))

	_, err = c.DecryptValue(ctx, enc)
	require.ErrorIs(t, err, ErrNoKey)
}

func TestCipher_PurposeSeparatesKeys(t *testing.T) {
	ctx := context.Background()
	keys := newMemKeys()
	a := NewCipher(keys, "master", "credentials")
	b := NewCipher(keys, "master", "other")

	enc, err := a.EncryptValue(ctx, []byte("secret"))
	require.NoError(t, err)

	_, err = b.DecryptValue(ctx, enc)
	require.Error(t, err)
}

func TestCipher_Malformed(t *testing.T) {
	ctx := context.Background()
	c := NewCipher(newMemKeys(), "master", "credentials")

	_, err := c.DecryptValue(ctx, "plain-text")
	require.ErrorIs(t, err, ErrMalformed)

	_, err = c.DecryptValue(ctx, formatVersion+"%%%")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestCipher_KeyStoreErrorPropagates(t *testing.T) {
	keys := newMemKeys()
	keys.getErr = errors.New("redis down")
	c := NewCipher(keys, "master", "credentials")

	_, err := c.EncryptValue(context.Background(), []byte("x"))
	require.Error(t, err)
}

func TestSealOpen(t *testing.T) {
	key := make([]byte, keySize)
	sealed, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	plain, err := Open(key, sealed)
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), plain)

	_, err = Open(key, []byte{1, 2})
	require.ErrorIs(t, err, ErrMalformed)
}
