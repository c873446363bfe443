package storage

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseEphemeral(t *testing.T, s Ephemeral) {
	t.Helper()
	ctx := context.Background()

	v, err := s.Get(ctx, "missing")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set(ctx, "key", []byte("value")))
	v, err = s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Equal(t, []byte("value"), v)

	require.NoError(t, s.Delete(ctx, "key"))
	v, err = s.Get(ctx, "key")
	require.NoError(t, err)
	assert.Nil(t, v)

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Set(ctx, "b", []byte("2")))
	require.NoError(t, s.Clear(ctx))
	v, err = s.Get(ctx, "a")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestMemoryEphemeral(t *testing.T) {
	exerciseEphemeral(t, NewMemoryEphemeral())
}

func TestMemoryEphemeral_ReturnsCopies(t *testing.T) {
	s := NewMemoryEphemeral()
	ctx := context.Background()

	buf := []byte("key")
	require.NoError(t, s.Set(ctx, "k", buf))
	buf[0] = 'X'

	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("key"), v)
}

func TestRedisEphemeral(t *testing.T) {
	mr := miniredis.RunT(t)

	s, err := NewRedisEphemeral(context.Background(), RedisOptions{Addr: mr.Addr(), TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	exerciseEphemeral(t, s)
}

func TestRedisEphemeral_KeysExpireWithSession(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := NewRedisEphemeral(ctx, RedisOptions{Addr: mr.Addr(), Prefix: "t:", TTL: time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set(ctx, "enc-key", []byte("k")))
	assert.True(t, mr.Exists("t:enc-key"))

	mr.FastForward(2 * time.Minute)
	v, err := s.Get(ctx, "enc-key")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRedisEphemeral_ReadsKeepKeysAlive(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	s, err := NewRedisEphemeral(ctx, RedisOptions{Addr: mr.Addr(), Prefix: "t:", TTL: 25 * time.Minute})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set(ctx, "enc-key", []byte("k")))
	for i := range 6 {
		mr.FastForward(10 * time.Minute)
		v, err := s.Get(ctx, "enc-key")
		require.NoError(t, err)
		require.Equal(t, []byte("k"), v, "read %d", i+1)
	}

	mr.FastForward(30 * time.Minute)
	v, err := s.Get(ctx, "enc-key")
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestRedisEphemeral_ClearOnlyTouchesPrefix(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()
	require.NoError(t, mr.Set("foreign", "keep"))

	s, err := NewRedisEphemeral(ctx, RedisOptions{Addr: mr.Addr(), Prefix: "t:"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Clear(ctx))

	assert.False(t, mr.Exists("t:a"))
	assert.True(t, mr.Exists("foreign"))
}

func TestNewRedisEphemeral_Unreachable(t *testing.T) {
	_, err := NewRedisEphemeral(context.Background(), RedisOptions{Addr: "127.0.0.1:1"})
	require.Error(t, err)
}
