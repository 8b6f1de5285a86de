package cachecoord_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neelabh-cache/cachecoord"
	"github.com/neelabh-cache/cachecoord/handle"
	"github.com/neelabh-cache/cachecoord/handle/inmemory"
	"github.com/neelabh-cache/cachecoord/item"
)

func TestExpireSwitchesToAbsolute(t *testing.T) {
	ctx := context.Background()
	h := inmemory.New("only", item.None, 0)
	c, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:    "test",
		Handles: []handle.Handle{h},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	it, err := item.New(time.Now(), "k", "", "v", item.None, 0)
	require.NoError(t, err)
	_, err = c.Add(ctx, it)
	require.NoError(t, err)

	require.NoError(t, c.Expire(ctx, "k", "", item.Absolute, time.Hour))

	stored, found, err := h.GetItem(ctx, "k", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, item.Absolute, stored.Mode)
	assert.Equal(t, time.Hour, stored.Timeout)
}

func TestExpireOnMissingKeyIsNoop(t *testing.T) {
	ctx := context.Background()
	h := inmemory.New("only", item.None, 0)
	c, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:    "test",
		Handles: []handle.Handle{h},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	assert.NoError(t, c.Expire(ctx, "missing", "", item.Absolute, time.Hour))
}

func TestRemoveExpirationClearsTimeout(t *testing.T) {
	ctx := context.Background()
	h := inmemory.New("only", item.None, 0)
	c, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:    "test",
		Handles: []handle.Handle{h},
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	it, err := item.New(time.Now(), "k", "", "v", item.Absolute, time.Millisecond)
	require.NoError(t, err)
	_, err = c.Add(ctx, it)
	require.NoError(t, err)

	require.NoError(t, c.RemoveExpiration(ctx, "k", ""))

	time.Sleep(5 * time.Millisecond)
	stored, found, err := h.GetItem(ctx, "k", "")
	require.NoError(t, err)
	require.True(t, found, "item must survive past the original absolute timeout once expiration is removed")
	assert.Equal(t, item.None, stored.Mode)
}
