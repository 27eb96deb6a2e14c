package share

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryMarkerStore(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryMarkerStore(2)
	require.NoError(t, err)

	set, err := s.IsSet(ctx, "u1", "sharedMessageSent_42_u2")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.Set(ctx, "u1", "sharedMessageSent_42_u2"))
	set, _ = s.IsSet(ctx, "u1", "sharedMessageSent_42_u2")
	assert.True(t, set)

	set, _ = s.IsSet(ctx, "u3", "sharedMessageSent_42_u2")
	assert.False(t, set, "expected markers to be scoped by owner")
}

func TestMemoryMarkerStore_evicts(t *testing.T) {
	ctx := context.Background()
	s, err := NewMemoryMarkerStore(2)
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "u1", "a"))
	require.NoError(t, s.Set(ctx, "u1", "b"))
	// touch a so b is the least recently used
	set, _ := s.IsSet(ctx, "u1", "a")
	require.True(t, set)
	require.NoError(t, s.Set(ctx, "u1", "c"))

	assert.Equal(t, 2, s.Len())
	set, _ = s.IsSet(ctx, "u1", "b")
	assert.False(t, set, "expected least recently used marker to be evicted")
	set, _ = s.IsSet(ctx, "u1", "a")
	assert.True(t, set)
	set, _ = s.IsSet(ctx, "u1", "c")
	assert.True(t, set)
}

func TestNewMemoryMarkerStore_defaultSize(t *testing.T) {
	s, err := NewMemoryMarkerStore(-1)
	require.NoError(t, err)
	assert.NotNil(t, s)
}

func TestRedisMarkerStore(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisMarkerStore(mr.Addr(), "", time.Hour)
	defer s.Close()
	ctx := context.Background()

	require.NoError(t, s.Ping(ctx))

	set, err := s.IsSet(ctx, "u1", "sharedMessageSent_42_u2")
	require.NoError(t, err)
	assert.False(t, set)

	require.NoError(t, s.Set(ctx, "u1", "sharedMessageSent_42_u2"))
	set, err = s.IsSet(ctx, "u1", "sharedMessageSent_42_u2")
	require.NoError(t, err)
	assert.True(t, set)

	key := "flickchat:share:u1:sharedMessageSent_42_u2"
	assert.True(t, mr.Exists(key), "expected key to be namespaced by owner")
	val, err := mr.Get(key)
	require.NoError(t, err)
	assert.Equal(t, "true", val)
	assert.Equal(t, time.Hour, mr.TTL(key))

	mr.FastForward(time.Hour + time.Second)
	set, err = s.IsSet(ctx, "u1", "sharedMessageSent_42_u2")
	require.NoError(t, err)
	assert.False(t, set, "expected marker to expire")
}

func TestRedisMarkerStore_defaultTTL(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisMarkerStore(mr.Addr(), "", 0)
	defer s.Close()

	require.NoError(t, s.Set(context.Background(), "u1", "k"))
	assert.Equal(t, DefaultMarkerTTL, mr.TTL("flickchat:share:u1:k"))
}

func TestRedisMarkerStore_unavailable(t *testing.T) {
	mr := miniredis.RunT(t)
	s := NewRedisMarkerStore(mr.Addr(), "", time.Hour)
	defer s.Close()
	mr.Close()

	_, err := s.IsSet(context.Background(), "u1", "k")
	assert.Error(t, err)
}
