// Package inmemory implements handle.Handle over a process-local map. It is
// the fastest, least durable tier in a typical pipeline and is never
// distributed: Configuration().IsDistributed is always false.
package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/neelabh-cache/cachecoord/cachelog"
	"github.com/neelabh-cache/cachecoord/cacheerr"
	"github.com/neelabh-cache/cachecoord/handle"
	"github.com/neelabh-cache/cachecoord/item"
	"github.com/neelabh-cache/cachecoord/metrics"
)

type entry struct {
	it  *item.Item
	gen uint64 // bumped on every write, used for optimistic retry in Update
}

func regionKey(key, region string) string {
	if region == "" {
		return "\x00" + key
	}
	return region + "\x00" + key
}

// Handle is an in-memory, non-distributed handle.Handle.
type Handle struct {
	*handle.BaseHandle

	mu     sync.RWMutex
	store  map[string]entry
	logger cachelog.Logger
	name   string

	isBackplaneSource bool
	closed            bool
}

// Option customizes a Handle at construction time.
type Option func(*Handle)

// WithLogger attaches a structured logger, wrapped with this handle's name
// as its component.
func WithLogger(l cachelog.Logger) Option {
	return func(h *Handle) { h.logger = cachelog.WithComponent(l, "handle/"+h.name) }
}

// WithBackplaneSource marks this handle as the backplane's source handle
// (spec §3 HandleConfiguration.is_backplane_source). Since an in-memory
// handle is never distributed, a coordinator configured this way treats it
// as part of sync_including_source for Remove/Clear/ClearRegion events
// (spec §4.7).
func WithBackplaneSource() Option {
	return func(h *Handle) { h.isBackplaneSource = true }
}

// New creates an in-memory handle with the given name and default
// expiration policy, applied to any item stored without an explicit mode.
func New(name string, defaultMode item.Mode, defaultTimeout time.Duration, opts ...Option) *Handle {
	h := &Handle{
		store:  make(map[string]entry),
		name:   name,
		logger: cachelog.NoOp{},
	}
	for _, opt := range opts {
		opt(h)
	}
	h.BaseHandle = handle.NewBaseHandle(handle.Configuration{
		Name:              name,
		DefaultMode:       defaultMode,
		DefaultTimeout:    defaultTimeout,
		IsBackplaneSource: h.isBackplaneSource,
		IsDistributed:     false,
	})
	return h
}

func (h *Handle) metric(name string, labels ...string) {
	if r := metrics.Global(); r != nil {
		r.Counter(name, append([]string{"handle", h.name}, labels...)...)
	}
}

// GetItem returns the stored item if present and not expired.
func (h *Handle) GetItem(ctx context.Context, key, region string) (*item.Item, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, cacheerr.New("inmemory.GetItem", cacheerr.ErrCanceled, "context canceled").WithCause(err)
	}
	h.mu.RLock()
	e, ok := h.store[regionKey(key, region)]
	h.mu.RUnlock()
	if !ok {
		h.RecordMiss()
		h.metric("cache.misses")
		return nil, false, nil
	}
	now := time.Now()
	if e.it.IsExpired(now) {
		h.mu.Lock()
		if cur, still := h.store[regionKey(key, region)]; still && cur.gen == e.gen {
			delete(h.store, regionKey(key, region))
		}
		h.mu.Unlock()
		h.RecordMiss()
		h.metric("cache.misses")
		h.PublishRemoval(handle.RemovalEvent{Key: key, Region: region, Reason: handle.RemovedByExpiry, Value: e.it.Value})
		return nil, false, nil
	}
	h.RecordHit()
	h.metric("cache.hits")
	return e.it, true, nil
}

// Add stores it only if the key is absent or expired, applying this
// handle's default expiration first.
func (h *Handle) Add(ctx context.Context, it *item.Item) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, cacheerr.New("inmemory.Add", cacheerr.ErrCanceled, "context canceled").WithCause(err)
	}
	it = h.ApplyDefaults(time.Now(), it)
	rk := regionKey(it.Key, it.Region)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.RecordAdd()

	if cur, ok := h.store[rk]; ok && !cur.it.IsExpired(time.Now()) {
		return false, nil
	}
	h.store[rk] = entry{it: it, gen: h.nextGenLocked(rk)}
	h.logger.Debug("add", map[string]interface{}{"key": it.Key, "region": it.Region})
	return true, nil
}

// Put unconditionally stores it, applying this handle's default expiration.
func (h *Handle) Put(ctx context.Context, it *item.Item) error {
	if err := ctx.Err(); err != nil {
		return cacheerr.New("inmemory.Put", cacheerr.ErrCanceled, "context canceled").WithCause(err)
	}
	it = h.ApplyDefaults(time.Now(), it)
	rk := regionKey(it.Key, it.Region)

	h.mu.Lock()
	defer h.mu.Unlock()
	h.RecordPut()
	h.store[rk] = entry{it: it, gen: h.nextGenLocked(rk)}
	return nil
}

func (h *Handle) nextGenLocked(rk string) uint64 {
	return h.store[rk].gen + 1
}

// Remove deletes the item for key/region, reporting whether it existed.
func (h *Handle) Remove(ctx context.Context, key, region string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, cacheerr.New("inmemory.Remove", cacheerr.ErrCanceled, "context canceled").WithCause(err)
	}
	rk := regionKey(key, region)
	h.mu.Lock()
	_, existed := h.store[rk]
	delete(h.store, rk)
	h.mu.Unlock()
	h.RecordRemove()
	return existed, nil
}

// Exists reports whether key/region is present and unexpired.
func (h *Handle) Exists(ctx context.Context, key, region string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, cacheerr.New("inmemory.Exists", cacheerr.ErrCanceled, "context canceled").WithCause(err)
	}
	h.mu.RLock()
	e, ok := h.store[regionKey(key, region)]
	h.mu.RUnlock()
	if !ok {
		return false, nil
	}
	return !e.it.IsExpired(time.Now()), nil
}

// Clear removes every item across every region.
func (h *Handle) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return cacheerr.New("inmemory.Clear", cacheerr.ErrCanceled, "context canceled").WithCause(err)
	}
	h.mu.Lock()
	h.store = make(map[string]entry)
	h.mu.Unlock()
	h.RecordClear()
	return nil
}

// ClearRegion removes every item belonging to region.
func (h *Handle) ClearRegion(ctx context.Context, region string) error {
	if err := ctx.Err(); err != nil {
		return cacheerr.New("inmemory.ClearRegion", cacheerr.ErrCanceled, "context canceled").WithCause(err)
	}
	h.mu.Lock()
	for rk, e := range h.store {
		if e.it.Region == region {
			delete(h.store, rk)
		}
	}
	h.mu.Unlock()
	h.RecordClearRegion()
	return nil
}

// Count returns the number of unexpired items currently stored.
func (h *Handle) Count(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, cacheerr.New("inmemory.Count", cacheerr.ErrCanceled, "context canceled").WithCause(err)
	}
	now := time.Now()
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, e := range h.store {
		if !e.it.IsExpired(now) {
			n++
		}
	}
	return n, nil
}

// Update performs an optimistic read-modify-write against the entry's
// generation counter, retrying up to maxRetries times on a concurrent
// write (spec §4.9 handle-internal update contract).
func (h *Handle) Update(ctx context.Context, key, region string, f func(current interface{}) (interface{}, bool), maxRetries int) (handle.UpdateResult, error) {
	rk := regionKey(key, region)
	tries := 0
	conflict := false

	for {
		if err := ctx.Err(); err != nil {
			return handle.UpdateResult{}, cacheerr.New("inmemory.Update", cacheerr.ErrCanceled, "context canceled").WithCause(err)
		}

		h.mu.RLock()
		e, ok := h.store[rk]
		h.mu.RUnlock()
		if !ok || e.it.IsExpired(time.Now()) {
			return handle.UpdateResult{Outcome: handle.UpdateItemDidNotExist, TriesNeeded: tries}, nil
		}

		newValue, keep := f(e.it.Value)
		if !keep {
			return handle.UpdateResult{Outcome: handle.UpdateFactoryReturnedNull, TriesNeeded: tries}, nil
		}

		tries++
		h.mu.Lock()
		cur, stillThere := h.store[rk]
		if !stillThere || cur.gen != e.gen {
			h.mu.Unlock()
			conflict = true
			if tries > maxRetries {
				return handle.UpdateResult{Outcome: handle.UpdateTooManyRetries, VersionConflictOccured: true, TriesNeeded: tries}, nil
			}
			continue
		}
		newItem := *e.it
		newItem.Value = newValue
		h.store[rk] = entry{it: &newItem, gen: cur.gen + 1}
		h.mu.Unlock()
		h.RecordUpdate()
		return handle.UpdateResult{Outcome: handle.UpdateSuccess, NewItem: &newItem, VersionConflictOccured: conflict, TriesNeeded: tries}, nil
	}
}

// Close releases this handle's storage. Idempotent.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	h.store = nil
	return nil
}
