package rediskv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neelabh-cache/cachecoord/handle"
	"github.com/neelabh-cache/cachecoord/item"
)

func newTestHandle(t *testing.T) (*Handle, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	h := New("t", item.None, 0, Options{Client: client, Namespace: "ns"})
	return h, mr
}

func TestRedisAddThenGet(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	it, err := item.New(time.Now(), "k", "", "v", item.None, 0)
	require.NoError(t, err)

	ok, err := h.Add(ctx, it)
	require.NoError(t, err)
	assert.True(t, ok)

	got, found, err := h.GetItem(ctx, "k", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", got.Value)
}

func TestRedisAddDoesNotOverwriteExisting(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	first, _ := item.New(time.Now(), "k", "", "first", item.None, 0)
	second, _ := item.New(time.Now(), "k", "", "second", item.None, 0)

	ok, err := h.Add(ctx, first)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = h.Add(ctx, second)
	require.NoError(t, err)
	assert.False(t, ok)

	got, found, _ := h.GetItem(ctx, "k", "")
	require.True(t, found)
	assert.Equal(t, "first", got.Value)
}

func TestRedisDefaultExpirationAppliedAtStore(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	hDefault := New("t2", item.Absolute, 10*time.Minute, Options{Client: h.client, Namespace: "ns"})
	it, err := item.NewWithDefaults(time.Now(), "k", "", "v")
	require.NoError(t, err)
	_, err = hDefault.Add(ctx, it)
	require.NoError(t, err)

	stored, found, err := hDefault.GetItem(ctx, "k", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, item.Absolute, stored.Mode)
	assert.Equal(t, 10*time.Minute, stored.Timeout)
}

func TestRedisExpiredGetIsTreatedAsMiss(t *testing.T) {
	h, mr := newTestHandle(t)
	ctx := context.Background()

	it, err := item.New(time.Now(), "k", "", "v", item.Absolute, time.Millisecond)
	require.NoError(t, err)
	_, err = h.Add(ctx, it)
	require.NoError(t, err)

	mr.FastForward(10 * time.Millisecond)

	_, found, err := h.GetItem(ctx, "k", "")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisRegionIsolation(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	global, _ := item.New(time.Now(), "k", "", "global-value", item.None, 0)
	regioned, _ := item.New(time.Now(), "k", "r1", "region-value", item.None, 0)

	_, err := h.Add(ctx, global)
	require.NoError(t, err)
	_, err = h.Add(ctx, regioned)
	require.NoError(t, err)

	got, found, _ := h.GetItem(ctx, "k", "")
	require.True(t, found)
	assert.Equal(t, "global-value", got.Value)

	got, found, _ = h.GetItem(ctx, "k", "r1")
	require.True(t, found)
	assert.Equal(t, "region-value", got.Value)
}

func TestRedisClearRegionOnlyAffectsThatRegion(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	a, _ := item.New(time.Now(), "k1", "r1", "v1", item.None, 0)
	b, _ := item.New(time.Now(), "k2", "r2", "v2", item.None, 0)
	_, _ = h.Add(ctx, a)
	_, _ = h.Add(ctx, b)

	require.NoError(t, h.ClearRegion(ctx, "r1"))

	_, found, _ := h.GetItem(ctx, "k1", "r1")
	assert.False(t, found)
	_, found, _ = h.GetItem(ctx, "k2", "r2")
	assert.True(t, found)

	stats := h.Stats()
	assert.EqualValues(t, 1, stats.ClearRegionCalls)
	assert.EqualValues(t, 0, stats.ClearCalls)
}

func TestRedisCountExcludesRegionBookkeepingKeys(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	a, _ := item.New(time.Now(), "k1", "r1", "v1", item.None, 0)
	b, _ := item.New(time.Now(), "k2", "", "v2", item.None, 0)
	_, _ = h.Add(ctx, a)
	_, _ = h.Add(ctx, b)

	n, err := h.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestRedisUpdateItemDidNotExist(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	result, err := h.Update(ctx, "missing", "", func(current interface{}) (interface{}, bool) {
		return current, true
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, handle.UpdateItemDidNotExist, result.Outcome)
}

func TestRedisUpdateFactoryReturnedNull(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	it, _ := item.New(time.Now(), "k", "", "v", item.None, 0)
	_, _ = h.Add(ctx, it)

	result, err := h.Update(ctx, "k", "", func(current interface{}) (interface{}, bool) {
		return nil, false
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, handle.UpdateFactoryReturnedNull, result.Outcome)
}

func TestRedisUpdateSuccess(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	it, _ := item.New(time.Now(), "k", "", "a", item.None, 0)
	_, _ = h.Add(ctx, it)

	result, err := h.Update(ctx, "k", "", func(current interface{}) (interface{}, bool) {
		return current.(string) + "b", true
	}, 3)
	require.NoError(t, err)
	require.Equal(t, handle.UpdateSuccess, result.Outcome)
	assert.Equal(t, "ab", result.NewItem.Value)

	got, found, _ := h.GetItem(ctx, "k", "")
	require.True(t, found)
	assert.Equal(t, "ab", got.Value)
}

func TestRedisUpdateUnderConcurrency(t *testing.T) {
	h, _ := newTestHandle(t)
	ctx := context.Background()

	it, _ := item.New(time.Now(), "counter", "", float64(0), item.None, 0)
	_, _ = h.Add(ctx, it)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				result, err := h.Update(ctx, "counter", "", func(current interface{}) (interface{}, bool) {
					return current.(float64) + 1, true
				}, 100)
				require.NoError(t, err)
				if result.Outcome == handle.UpdateSuccess {
					return
				}
			}
		}()
	}
	wg.Wait()

	got, found, _ := h.GetItem(ctx, "counter", "")
	require.True(t, found)
	assert.Equal(t, float64(n), got.Value)
}
