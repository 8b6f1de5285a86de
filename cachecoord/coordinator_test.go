package cachecoord_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/neelabh-cache/cachecoord"
	"github.com/neelabh-cache/cachecoord/handle"
	"github.com/neelabh-cache/cachecoord/handle/inmemory"
	"github.com/neelabh-cache/cachecoord/item"
)

func newTwoTierCoordinator(t *testing.T, updateMode cachecoord.UpdateMode) (*cachecoord.Coordinator, *inmemory.Handle, *inmemory.Handle) {
	t.Helper()
	h1 := inmemory.New("h1", item.None, 0)
	h2 := inmemory.New("h2", item.None, 0)

	c, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:       "test",
		Handles:    []handle.Handle{h1, h2},
		MaxRetries: 3,
		UpdateMode: updateMode,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, h1, h2
}

// Scenario 1 (spec §8): two in-memory handles, update_mode=Up.
func TestScenario1AddGetRemove(t *testing.T) {
	ctx := context.Background()
	c, h1, h2 := newTwoTierCoordinator(t, cachecoord.UpdateModeUp)

	it, err := item.New(time.Now(), "k", "", "v", item.None, 0)
	require.NoError(t, err)

	ok, err := c.Add(ctx, it)
	require.NoError(t, err)
	assert.True(t, ok)

	_, found, _ := h1.GetItem(ctx, "k", "")
	assert.False(t, found, "post-add eviction must remove stale copies from upper handles")
	_, found, _ = h2.GetItem(ctx, "k", "")
	assert.True(t, found, "bottom handle must hold the newly added item")

	value, found, err := c.Get(ctx, "k", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "v", value)

	_, found, _ = h1.GetItem(ctx, "k", "")
	assert.True(t, found, "a read hit at the bottom must promote into upper handles")

	removed, err := c.Remove(ctx, "k", "")
	require.NoError(t, err)
	assert.True(t, removed)

	_, found, _ = h1.GetItem(ctx, "k", "")
	assert.False(t, found)
	_, found, _ = h2.GetItem(ctx, "k", "")
	assert.False(t, found)
}

// Scenario 2 (spec §8): add then update, checking eviction from upper handles.
func TestScenario2Update(t *testing.T) {
	ctx := context.Background()
	c, h1, h2 := newTwoTierCoordinator(t, cachecoord.UpdateModeUp)

	it, err := item.New(time.Now(), "k", "", "a", item.None, 0)
	require.NoError(t, err)
	_, err = c.Add(ctx, it)
	require.NoError(t, err)

	value, err := c.Update(ctx, "k", "", func(current interface{}) (interface{}, bool) {
		return current.(string) + "b", true
	}, 3)
	require.NoError(t, err)
	assert.Equal(t, "ab", value)

	got, found, err := c.Get(ctx, "k", "")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "ab", got)

	_, found, _ = h1.GetItem(ctx, "k", "")
	assert.False(t, found)
	_, found, _ = h2.GetItem(ctx, "k", "")
	assert.True(t, found)
}

// A negative maxRetries on a per-call method means "use the coordinator's
// configured budget" (spec §2/§6 treat the per-call override as optional).
func TestUpdateNegativeMaxRetriesFallsBackToCoordinatorBudget(t *testing.T) {
	ctx := context.Background()
	h := inmemory.New("only", item.None, 0)
	c, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:       "test",
		Handles:    []handle.Handle{h},
		MaxRetries: 0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	_, err = c.Update(ctx, "absent", "", func(current interface{}) (interface{}, bool) {
		return current, true
	}, -1)
	require.Error(t, err, "Update on an absent key must fail when the coordinator's budget is used")

	value, ok, err := c.TryGetOrAdd(ctx, "k", "", func() (interface{}, error) {
		return "v", nil
	}, -1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}

// Scenario 3 (spec §8): three handles with distinct default expiration
// policies, each applied independently at store time via Put's fan-out.
func TestScenario3PerHandleDefaultExpiration(t *testing.T) {
	ctx := context.Background()
	h1 := inmemory.New("fast", item.Absolute, 10*time.Second)
	h2 := inmemory.New("warm", item.Absolute, 10*time.Minute)
	h3 := inmemory.New("cold", item.Sliding, 10*24*time.Hour)

	c, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:       "test",
		Handles:    []handle.Handle{h1, h2, h3},
		MaxRetries: 3,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	it, err := item.NewWithDefaults(time.Now(), "k", "", "v")
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, it))

	cases := []struct {
		h              *inmemory.Handle
		wantMode       item.Mode
		wantTimeout    time.Duration
	}{
		{h1, item.Absolute, 10 * time.Second},
		{h2, item.Absolute, 10 * time.Minute},
		{h3, item.Sliding, 10 * 24 * time.Hour},
	}
	for _, tc := range cases {
		stored, found, err := tc.h.GetItem(ctx, "k", "")
		require.NoError(t, err)
		require.True(t, found)
		assert.Equal(t, tc.wantMode, stored.Mode)
		assert.Equal(t, tc.wantTimeout, stored.Timeout)
	}
}

// Scenario 5 (spec §8): concurrent GetOrAdd callers must invoke the factory
// at most once per call, and all observe a non-null value.
func TestScenario5GetOrAddConcurrentFactoryOnce(t *testing.T) {
	ctx := context.Background()
	h := inmemory.New("only", item.None, 0)
	c, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:       "test",
		Handles:    []handle.Handle{h},
		MaxRetries: 5,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	const callers = 6
	var invocations int64
	var maxTriesSeen int64

	var wg sync.WaitGroup
	results := make([]interface{}, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			var tries int64
			value, err := c.GetOrAdd(ctx, "shared-key", "", func() (interface{}, error) {
				atomic.AddInt64(&invocations, 1)
				tries = atomic.AddInt64(&tries, 1)
				time.Sleep(time.Millisecond)
				return "computed-value", nil
			}, 5)
			assert.NoError(t, err)
			results[idx] = value
			for {
				cur := atomic.LoadInt64(&maxTriesSeen)
				if tries <= cur || atomic.CompareAndSwapInt64(&maxTriesSeen, cur, tries) {
					break
				}
			}
		}(i)
	}
	wg.Wait()

	assert.LessOrEqual(t, atomic.LoadInt64(&invocations), int64(callers))
	assert.LessOrEqual(t, atomic.LoadInt64(&maxTriesSeen), int64(1))
	for _, v := range results {
		assert.Equal(t, "computed-value", v)
	}
}

// Scenario 6 (spec §8): max_retries=0, update on an absent key.
func TestScenario6UpdateAbsentKeyMaxRetriesZero(t *testing.T) {
	ctx := context.Background()
	h := inmemory.New("only", item.None, 0)
	c, err := cachecoord.New(cachecoord.CoordinatorConfiguration{
		Name:       "test",
		Handles:    []handle.Handle{h},
		MaxRetries: 0,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(ctx) })

	_, err = c.Update(ctx, "absent", "", func(current interface{}) (interface{}, bool) {
		return current, true
	}, 0)
	require.Error(t, err)

	value, ok, err := c.TryUpdate(ctx, "absent", "", func(current interface{}) (interface{}, bool) {
		return current, true
	}, 0)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, value)
}

func TestPutFansOutToEveryHandle(t *testing.T) {
	ctx := context.Background()
	c, h1, h2 := newTwoTierCoordinator(t, cachecoord.UpdateModeNone)

	it, err := item.New(time.Now(), "k", "", "v", item.None, 0)
	require.NoError(t, err)
	require.NoError(t, c.Put(ctx, it))

	_, found, _ := h1.GetItem(ctx, "k", "")
	assert.True(t, found)
	_, found, _ = h2.GetItem(ctx, "k", "")
	assert.True(t, found)

	assert.EqualValues(t, 1, h1.Stats().PutCalls)
	assert.EqualValues(t, 1, h2.Stats().PutCalls)
}

func TestObserverEventsFireOnLocalOperations(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTwoTierCoordinator(t, cachecoord.UpdateModeUp)

	var addFired, getFired, updateFired, removeFired bool
	c.OnAdd(func(ev cachecoord.AddEvent) { addFired = true; assert.Equal(t, cachecoord.OriginLocal, ev.Origin) })
	c.OnGet(func(ev cachecoord.GetEvent) { getFired = true })
	c.OnUpdate(func(ev cachecoord.UpdateEvent) { updateFired = true })
	c.OnRemove(func(ev cachecoord.RemoveEvent) { removeFired = true })

	it, err := item.New(time.Now(), "k", "", "v", item.None, 0)
	require.NoError(t, err)
	_, err = c.Add(ctx, it)
	require.NoError(t, err)
	_, _, err = c.Get(ctx, "k", "")
	require.NoError(t, err)
	_, err = c.Update(ctx, "k", "", func(current interface{}) (interface{}, bool) { return "v2", true }, 3)
	require.NoError(t, err)
	_, err = c.Remove(ctx, "k", "")
	require.NoError(t, err)

	assert.True(t, addFired)
	assert.True(t, getFired)
	assert.True(t, updateFired)
	assert.True(t, removeFired)
}

func TestDisposedCoordinatorRejectsOperations(t *testing.T) {
	ctx := context.Background()
	c, _, _ := newTwoTierCoordinator(t, cachecoord.UpdateModeNone)
	require.NoError(t, c.Close(ctx))

	_, _, err := c.Get(ctx, "k", "")
	assert.Error(t, err)

	// Close must be idempotent.
	assert.NoError(t, c.Close(ctx))
}

func TestConstructionRequiresAtLeastOneHandle(t *testing.T) {
	_, err := cachecoord.New(cachecoord.CoordinatorConfiguration{Name: "empty"})
	assert.Error(t, err)
}
