// Package rediskv implements handle.Handle over Redis, for the bottommost,
// authoritative tier of a pipeline shared across processes. Keys are
// namespaced per handle so multiple coordinators (or multiple handles
// within one coordinator) can safely share a single Redis database (spec
// §4.8 "namespacing scheme").
package rediskv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/neelabh-cache/cachecoord/cachelog"
	"github.com/neelabh-cache/cachecoord/cacheerr"
	"github.com/neelabh-cache/cachecoord/handle"
	"github.com/neelabh-cache/cachecoord/item"
	"github.com/neelabh-cache/cachecoord/metrics"
	"github.com/neelabh-cache/cachecoord/retry"
)

// wireItem is the JSON envelope stored in Redis. item.Item's Value is
// interface{}, so it round-trips through json.RawMessage rather than a
// concrete Go type the decoder would have to know in advance; callers are
// expected to agree on a marshalable value shape, same as the teacher's
// RedisMemory implementation.
type wireItem struct {
	Key                    string          `json:"key"`
	Region                 string          `json:"region,omitempty"`
	Value                  json.RawMessage `json:"value"`
	Mode                   item.Mode       `json:"mode"`
	Timeout                int64           `json:"timeout_ns"`
	CreatedUTC             int64           `json:"created_utc_unixnano"`
	LastAccessed           int64           `json:"last_accessed_unixnano"`
	UsesExpirationDefaults bool            `json:"uses_expiration_defaults"`
}

func toWire(it *item.Item) (*wireItem, error) {
	raw, err := json.Marshal(it.Value)
	if err != nil {
		return nil, err
	}
	return &wireItem{
		Key:                    it.Key,
		Region:                 it.Region,
		Value:                  raw,
		Mode:                   it.Mode,
		Timeout:                int64(it.Timeout),
		CreatedUTC:             it.CreatedUTC.UnixNano(),
		LastAccessed:           it.LastAccessed.UnixNano(),
		UsesExpirationDefaults: it.UsesExpirationDefaults,
	}, nil
}

func fromWire(w *wireItem) *item.Item {
	var v interface{}
	_ = json.Unmarshal(w.Value, &v)
	return &item.Item{
		Key:                    w.Key,
		Region:                 w.Region,
		Value:                  v,
		Mode:                   w.Mode,
		Timeout:                time.Duration(w.Timeout),
		CreatedUTC:             time.Unix(0, w.CreatedUTC).UTC(),
		LastAccessed:           time.Unix(0, w.LastAccessed).UTC(),
		UsesExpirationDefaults: w.UsesExpirationDefaults,
	}
}

// Options configures a Handle.
type Options struct {
	// Client is a pre-constructed go-redis client. Required.
	Client *redis.Client
	// Namespace scopes every key this handle touches; combined with Name to
	// form the full key prefix "<namespace>:<name>:".
	Namespace string
	Logger    cachelog.Logger

	// IsBackplaneSource marks this handle as the one whose local writes
	// publish to the backplane (spec §3 HandleConfiguration).
	IsBackplaneSource bool

	// Retry configures the backoff wrapped around individual Redis round
	// trips, the same way RedisDiscovery.connectWithRetry retries a flaky
	// connection instead of failing on the first network blip. The zero
	// value uses retry.DefaultConfig().
	Retry retry.Config
}

// Handle is a Redis-backed handle.Handle. It is always distributed, and it
// is the backplane source only when Options.IsBackplaneSource is set (pair
// it with backplane.Redis, which shares the same client, to get
// cross-process invalidation).
type Handle struct {
	*handle.BaseHandle

	client   *redis.Client
	prefix   string
	logger   cachelog.Logger
	name     string
	retryCfg retry.Config
}

// New constructs a Redis-backed handle.
func New(name string, defaultMode item.Mode, defaultTimeout time.Duration, opts Options) *Handle {
	cfg := handle.Configuration{
		Name:              name,
		DefaultMode:       defaultMode,
		DefaultTimeout:    defaultTimeout,
		IsBackplaneSource: opts.IsBackplaneSource,
		IsDistributed:     true,
	}
	logger := opts.Logger
	if logger == nil {
		logger = cachelog.NoOp{}
	}
	retryCfg := opts.Retry
	if retryCfg.MaxAttempts == 0 {
		retryCfg = retry.DefaultConfig()
	}
	return &Handle{
		BaseHandle: handle.NewBaseHandle(cfg),
		client:     opts.Client,
		prefix:     fmt.Sprintf("%s:%s:", opts.Namespace, name),
		logger:     cachelog.WithComponent(logger, "handle/"+name),
		name:       name,
		retryCfg:   retryCfg,
	}
}

func (h *Handle) dataKey(key, region string) string {
	if region == "" {
		return h.prefix + "k:" + key
	}
	return h.prefix + "r:" + region + ":" + key
}

func (h *Handle) regionSetKey(region string) string {
	return h.prefix + "rset:" + region
}

func (h *Handle) scanPattern() string { return h.prefix + "*" }

func (h *Handle) metric(name string, labels ...string) {
	if r := metrics.Global(); r != nil {
		r.Counter(name, append([]string{"handle", h.name}, labels...)...)
	}
}

func wrapRedisErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return cacheerr.New(op, cacheerr.ErrTransientBackend, "redis operation failed").WithCause(err)
}

// GetItem fetches and decodes the item for key/region, treating expiry as a
// miss and lazily deleting the stale entry.
func (h *Handle) GetItem(ctx context.Context, key, region string) (*item.Item, bool, error) {
	raw, err := retry.DoValue(ctx, h.retryCfg, func() (string, error) {
		v, err := h.client.Get(ctx, h.dataKey(key, region)).Result()
		if err == redis.Nil {
			return "", retry.Permanent(err)
		}
		return v, err
	})
	if errors.Is(err, redis.Nil) {
		h.RecordMiss()
		h.metric("cache.misses")
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapRedisErr("rediskv.GetItem", err)
	}

	var w wireItem
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, false, cacheerr.New("rediskv.GetItem", cacheerr.ErrTransientBackend, "corrupt stored item").WithCause(err)
	}
	it := fromWire(&w)
	if it.IsExpired(time.Now()) {
		_, _ = h.client.Del(ctx, h.dataKey(key, region)).Result()
		h.RecordMiss()
		h.metric("cache.misses")
		h.PublishRemoval(handle.RemovalEvent{Key: key, Region: region, Reason: handle.RemovedByExpiry, Value: it.Value})
		return nil, false, nil
	}
	h.RecordHit()
	h.metric("cache.hits")
	return it, true, nil
}

func (h *Handle) store(ctx context.Context, it *item.Item) error {
	w, err := toWire(it)
	if err != nil {
		return cacheerr.New("rediskv.store", cacheerr.ErrInvalidArgument, "value is not JSON-marshalable").WithCause(err)
	}
	buf, err := json.Marshal(w)
	if err != nil {
		return cacheerr.New("rediskv.store", cacheerr.ErrInvalidArgument, "failed to encode item").WithCause(err)
	}

	ttl := redisTTL(it)
	err = retry.Do(ctx, h.retryCfg, func() error {
		pipe := h.client.TxPipeline()
		pipe.Set(ctx, h.dataKey(it.Key, it.Region), buf, ttl)
		if it.Region != "" {
			pipe.SAdd(ctx, h.regionSetKey(it.Region), it.Key)
			if ttl > 0 {
				pipe.Expire(ctx, h.regionSetKey(it.Region), ttl)
			}
		}
		_, err := pipe.Exec(ctx)
		return err
	})
	if err != nil {
		return wrapRedisErr("rediskv.store", err)
	}
	return nil
}

// redisTTL maps an item's expiration to a Redis TTL so expired entries are
// reclaimed by Redis itself in addition to lazy deletion on read. Sliding
// expiration still needs GetItem's lazy check since Redis can't extend a
// TTL on read without an extra round trip per get; we set the TTL
// generously here and rely on IsExpired for the authoritative check.
func redisTTL(it *item.Item) time.Duration {
	switch it.Mode {
	case item.Absolute:
		remaining := it.Timeout - time.Since(it.CreatedUTC)
		if remaining <= 0 {
			remaining = time.Millisecond
		}
		return remaining
	case item.Sliding:
		return it.Timeout
	default:
		return 0
	}
}

// Add stores it only if key/region is absent, applying this handle's
// default expiration first.
func (h *Handle) Add(ctx context.Context, it *item.Item) (bool, error) {
	it = h.ApplyDefaults(time.Now(), it)
	w, err := toWire(it)
	if err != nil {
		return false, cacheerr.New("rediskv.Add", cacheerr.ErrInvalidArgument, "value is not JSON-marshalable").WithCause(err)
	}
	buf, err := json.Marshal(w)
	if err != nil {
		return false, cacheerr.New("rediskv.Add", cacheerr.ErrInvalidArgument, "failed to encode item").WithCause(err)
	}

	h.RecordAdd()
	ok, err := retry.DoValue(ctx, h.retryCfg, func() (bool, error) {
		return h.client.SetNX(ctx, h.dataKey(it.Key, it.Region), buf, redisTTL(it)).Result()
	})
	if err != nil {
		return false, wrapRedisErr("rediskv.Add", err)
	}
	if ok && it.Region != "" {
		_, _ = h.client.SAdd(ctx, h.regionSetKey(it.Region), it.Key).Result()
	}
	return ok, nil
}

// Put unconditionally stores it, applying this handle's default expiration.
func (h *Handle) Put(ctx context.Context, it *item.Item) error {
	it = h.ApplyDefaults(time.Now(), it)
	h.RecordPut()
	return h.store(ctx, it)
}

// Remove deletes the item for key/region.
func (h *Handle) Remove(ctx context.Context, key, region string) (bool, error) {
	n, err := retry.DoValue(ctx, h.retryCfg, func() (int64, error) {
		return h.client.Del(ctx, h.dataKey(key, region)).Result()
	})
	if err != nil {
		return false, wrapRedisErr("rediskv.Remove", err)
	}
	if region != "" {
		_, _ = h.client.SRem(ctx, h.regionSetKey(region), key).Result()
	}
	h.RecordRemove()
	return n > 0, nil
}

// Exists reports whether key/region is present (Redis's own TTL means an
// expired key is simply absent, no lazy check needed here).
func (h *Handle) Exists(ctx context.Context, key, region string) (bool, error) {
	n, err := retry.DoValue(ctx, h.retryCfg, func() (int64, error) {
		return h.client.Exists(ctx, h.dataKey(key, region)).Result()
	})
	if err != nil {
		return false, wrapRedisErr("rediskv.Exists", err)
	}
	return n > 0, nil
}

// Clear deletes every key under this handle's namespace prefix.
func (h *Handle) Clear(ctx context.Context) error {
	h.RecordClear()
	return h.scanDelete(ctx, h.scanPattern())
}

// ClearRegion deletes every key recorded in region's set, then the set
// itself.
func (h *Handle) ClearRegion(ctx context.Context, region string) error {
	h.RecordClearRegion()
	setKey := h.regionSetKey(region)
	members, err := retry.DoValue(ctx, h.retryCfg, func() ([]string, error) {
		return h.client.SMembers(ctx, setKey).Result()
	})
	if err != nil {
		return wrapRedisErr("rediskv.ClearRegion", err)
	}
	if len(members) == 0 {
		return nil
	}
	keys := make([]string, 0, len(members)+1)
	for _, m := range members {
		keys = append(keys, h.dataKey(m, region))
	}
	keys = append(keys, setKey)
	err = retry.Do(ctx, h.retryCfg, func() error {
		return h.client.Del(ctx, keys...).Err()
	})
	if err != nil {
		return wrapRedisErr("rediskv.ClearRegion", err)
	}
	return nil
}

func (h *Handle) scanDelete(ctx context.Context, pattern string) error {
	var cursor uint64
	for {
		var keys []string
		var next uint64
		err := retry.Do(ctx, h.retryCfg, func() error {
			var serr error
			keys, next, serr = h.client.Scan(ctx, cursor, pattern, 200).Result()
			return serr
		})
		if err != nil {
			return wrapRedisErr("rediskv.scanDelete", err)
		}
		if len(keys) > 0 {
			if err := retry.Do(ctx, h.retryCfg, func() error {
				return h.client.Del(ctx, keys...).Err()
			}); err != nil {
				return wrapRedisErr("rediskv.scanDelete", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Count scans this handle's namespace prefix and counts data keys (region
// set bookkeeping keys are excluded).
func (h *Handle) Count(ctx context.Context) (int, error) {
	var cursor uint64
	n := 0
	for {
		var keys []string
		var next uint64
		err := retry.Do(ctx, h.retryCfg, func() error {
			var serr error
			keys, next, serr = h.client.Scan(ctx, cursor, h.scanPattern(), 200).Result()
			return serr
		})
		if err != nil {
			return 0, wrapRedisErr("rediskv.Count", err)
		}
		for _, k := range keys {
			if len(k) <= len(h.prefix) {
				continue
			}
			suffix := k[len(h.prefix):]
			if strings.HasPrefix(suffix, "k:") || (strings.HasPrefix(suffix, "r:") && !strings.HasPrefix(suffix, "rset:")) {
				n++
			}
		}
		cursor = next
		if cursor == 0 {
			return n, nil
		}
	}
}

// Update performs a WATCH/MULTI optimistic read-modify-write: Redis aborts
// the transaction if the key changed since the WATCH, which this loop
// treats as a version conflict and retries up to maxRetries times (spec
// §4.9).
func (h *Handle) Update(ctx context.Context, key, region string, f func(current interface{}) (interface{}, bool), maxRetries int) (handle.UpdateResult, error) {
	dk := h.dataKey(key, region)
	tries := 0
	conflict := false

	for {
		if err := ctx.Err(); err != nil {
			return handle.UpdateResult{}, cacheerr.New("rediskv.Update", cacheerr.ErrCanceled, "context canceled").WithCause(err)
		}

		var outcome handle.UpdateResult
		var txErr error

		err := h.client.Watch(ctx, func(tx *redis.Tx) error {
			raw, err := tx.Get(ctx, dk).Result()
			if err == redis.Nil {
				outcome = handle.UpdateResult{Outcome: handle.UpdateItemDidNotExist, TriesNeeded: tries}
				return nil
			}
			if err != nil {
				txErr = err
				return err
			}
			var w wireItem
			if err := json.Unmarshal([]byte(raw), &w); err != nil {
				txErr = err
				return err
			}
			current := fromWire(&w)
			if current.IsExpired(time.Now()) {
				outcome = handle.UpdateResult{Outcome: handle.UpdateItemDidNotExist, TriesNeeded: tries}
				return nil
			}

			newValue, keep := f(current.Value)
			if !keep {
				outcome = handle.UpdateResult{Outcome: handle.UpdateFactoryReturnedNull, TriesNeeded: tries}
				return nil
			}

			newItem := *current
			newItem.Value = newValue
			nw, err := toWire(&newItem)
			if err != nil {
				txErr = err
				return err
			}
			buf, err := json.Marshal(nw)
			if err != nil {
				txErr = err
				return err
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.Set(ctx, dk, buf, redisTTL(&newItem))
				return nil
			})
			if err != nil {
				return err
			}
			outcome = handle.UpdateResult{Outcome: handle.UpdateSuccess, NewItem: &newItem, TriesNeeded: tries + 1}
			return nil
		}, dk)

		tries++

		if err == redis.TxFailedErr {
			conflict = true
			if tries > maxRetries {
				return handle.UpdateResult{Outcome: handle.UpdateTooManyRetries, VersionConflictOccured: true, TriesNeeded: tries}, nil
			}
			continue
		}
		if err != nil {
			if txErr != nil {
				return handle.UpdateResult{}, wrapRedisErr("rediskv.Update", txErr)
			}
			return handle.UpdateResult{}, wrapRedisErr("rediskv.Update", err)
		}

		if outcome.Outcome == handle.UpdateSuccess {
			h.RecordUpdate()
		}
		outcome.VersionConflictOccured = conflict
		return outcome, nil
	}
}

// Close closes the underlying Redis client. Coordinator.Close calls Close on
// every handle it was given, so a client shared with other handles or the
// backplane is closed as well.
func (h *Handle) Close(ctx context.Context) error {
	return h.client.Close()
}
