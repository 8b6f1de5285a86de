package cachecoord_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neelabh-cache/cachecoord"
	"github.com/neelabh-cache/cachecoord/backplane"
	"github.com/neelabh-cache/cachecoord/handle"
	"github.com/neelabh-cache/cachecoord/handle/inmemory"
	"github.com/neelabh-cache/cachecoord/handle/rediskv"
	"github.com/neelabh-cache/cachecoord/item"
)

// Scenario 4 (spec §8): two coordinators in separate processes share a
// Redis bottom tier and a Redis backplane. A Put on one must evict the
// other's local in-memory copy via the backplane, not leave it stale.
func TestScenario4CrossProcessBackplaneInvalidation(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)

	client1 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client1.Close()
	client2 := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	defer client2.Close()

	local1 := inmemory.New("local1", item.None, 0)
	bottom1 := rediskv.New("shared", item.None, 0, rediskv.Options{Client: client1, Namespace: "ns", IsBackplaneSource: true})
	bp1 := backplane.NewRedis(ctx, client1, "ns", nil)

	coord1, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:       "proc1",
		Handles:    []handle.Handle{local1, bottom1},
		MaxRetries: 3,
		UpdateMode: cachecoord.UpdateModeUp,
		Backplane:  bp1,
	})
	require.NoError(t, err)
	defer coord1.Close(ctx)

	local2 := inmemory.New("local2", item.None, 0)
	bottom2 := rediskv.New("shared", item.None, 0, rediskv.Options{Client: client2, Namespace: "ns", IsBackplaneSource: true})
	bp2 := backplane.NewRedis(ctx, client2, "ns", nil)

	coord2, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:       "proc2",
		Handles:    []handle.Handle{local2, bottom2},
		MaxRetries: 3,
		UpdateMode: cachecoord.UpdateModeUp,
		Backplane:  bp2,
	})
	require.NoError(t, err)
	defer coord2.Close(ctx)

	it, err := item.New(time.Now(), "shared-key", "", "v1", item.None, 0)
	require.NoError(t, err)
	_, err = coord1.Add(ctx, it)
	require.NoError(t, err)

	value, found, err := coord2.Get(ctx, "shared-key", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v1", value)

	_, found, _ = local2.GetItem(ctx, "shared-key", "")
	assert.True(t, found, "coord2's Get must have promoted the value into its own local tier")

	require.NoError(t, coord1.Put(ctx, mustItem(t, "shared-key", "v2")))

	waitUntilTrue(t, time.Second, func() bool {
		_, found, _ := local2.GetItem(context.Background(), "shared-key", "")
		return !found
	})

	value, found, err = coord2.Get(ctx, "shared-key", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v2", value, "coord2 must observe proc1's Put via the shared Redis bottom tier after its stale local copy was evicted")
}

func mustItem(t *testing.T, key string, value interface{}) *item.Item {
	t.Helper()
	it, err := item.New(time.Now(), key, "", value, item.None, 0)
	require.NoError(t, err)
	return it
}

func waitUntilTrue(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}
