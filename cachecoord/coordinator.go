// Package cachecoord composes an ordered list of heterogeneous cache
// handles into one logical multi-tier cache. It owns the read/write
// pipeline (promotion on hit, bottom-write + evict on write), the atomic
// per-key update engine, the expiration subsystem, and reconciliation with
// a pub/sub backplane for cross-process invalidation. See SPEC_FULL.md for
// the full component design.
package cachecoord

import (
	"context"
	"fmt"
	"time"

	"github.com/neelabh-cache/cachecoord/backplane"
	"github.com/neelabh-cache/cachecoord/cachelog"
	"github.com/neelabh-cache/cachecoord/cacheerr"
	"github.com/neelabh-cache/cachecoord/handle"
	"github.com/neelabh-cache/cachecoord/item"
	"github.com/neelabh-cache/cachecoord/metrics"
)

// UpdateMode controls whether a successful update or a handle-internal
// removal evicts stale copies from the handles above the handle that
// changed (spec §3 CoordinatorConfiguration.update_mode).
type UpdateMode int

const (
	// UpdateModeNone means upper handles are reconciled only lazily, by the
	// next read's promotion-with-add.
	UpdateModeNone UpdateMode = iota
	// UpdateModeUp evicts from every handle above the one that changed,
	// immediately after the change.
	UpdateModeUp
)

// CoordinatorConfiguration describes how to build a Coordinator (spec §3).
// Handles is ordered top-down: index 0 is the fastest/topmost tier, the
// last index is the bottommost/authoritative tier.
type CoordinatorConfiguration struct {
	Name       string
	Handles    []handle.Handle
	MaxRetries int
	UpdateMode UpdateMode
	Backplane  backplane.Backplane

	Logger  cachelog.Logger
	Metrics metrics.Registry

	// StrictAddOrUpdate makes AddOrUpdate fail with InvalidState instead of
	// returning a nil value when its retry budget is exhausted. The
	// original implementation this was distilled from returns the value
	// type's default silently; we treat that as a policy decision left to
	// the caller rather than baking in either behavior (spec §9 Open
	// Questions — "a stricter implementation may prefer to fail with
	// InvalidState").
	StrictAddOrUpdate bool
}

// Option customizes a Coordinator at construction time.
type Option func(*CoordinatorConfiguration)

// WithLogger attaches a structured logger.
func WithLogger(l cachelog.Logger) Option {
	return func(c *CoordinatorConfiguration) { c.Logger = l }
}

// WithMetrics installs a metrics registry scoped to this coordinator
// instance, independent of the process-wide metrics.Global().
func WithMetrics(r metrics.Registry) Option {
	return func(c *CoordinatorConfiguration) { c.Metrics = r }
}

// WithStrictAddOrUpdate enables the stricter AddOrUpdate failure policy.
func WithStrictAddOrUpdate() Option {
	return func(c *CoordinatorConfiguration) { c.StrictAddOrUpdate = true }
}

// sourceIdentified is implemented by backplane transports that tag
// outbound events with a per-process instance ID (backplane.Redis does);
// the coordinator uses it to recognize and ignore its own echo rather than
// treating its own publish as a remote event.
type sourceIdentified interface {
	SourceID() string
}

// Coordinator is the multi-tier cache coordinator (spec §2 "the hard
// core"). Construct with New; a Coordinator must be closed with Close once
// it is no longer needed so handles and the backplane release their
// resources.
type Coordinator struct {
	name       string
	handles    []handle.Handle
	maxRetries int
	updateMode UpdateMode

	bp            backplane.Backplane
	bpSourceIndex int // -1 if no handle is the backplane source
	bpInstanceID  string
	bpUnsubscribe func()

	syncExcludingSource []int
	syncIncludingSource []int

	logger  cachelog.Logger
	metrics metrics.Registry

	strictAddOrUpdate bool

	handleUnsubs []func()

	disposed bool

	onGet             *subscribers[GetEvent]
	onAdd             *subscribers[AddEvent]
	onPut             *subscribers[PutEvent]
	onUpdate          *subscribers[UpdateEvent]
	onRemove          *subscribers[RemoveEvent]
	onClear           *subscribers[ClearEvent]
	onClearRegion     *subscribers[ClearRegionEvent]
	onRemoveByHandle  *subscribers[RemoveByHandleEvent]
}

// New constructs a Coordinator from cfg, applying opts, and subscribes to
// the backplane (if configured) and to every handle's removal events.
func New(cfg CoordinatorConfiguration, opts ...Option) (*Coordinator, error) {
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Handles) == 0 {
		return nil, cacheerr.New("cachecoord.New", cacheerr.ErrInvalidState, "coordinator requires at least one handle")
	}
	if cfg.MaxRetries < 0 {
		return nil, cacheerr.New("cachecoord.New", cacheerr.ErrInvalidArgument, "max_retries must be >= 0")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = cachelog.NoOp{}
	}
	logger = cachelog.WithComponent(logger, "cachecoord")

	c := &Coordinator{
		name:              cfg.Name,
		handles:           cfg.Handles,
		maxRetries:        cfg.MaxRetries,
		updateMode:        cfg.UpdateMode,
		bp:                cfg.Backplane,
		bpSourceIndex:     -1,
		logger:            logger,
		metrics:           cfg.Metrics,
		strictAddOrUpdate: cfg.StrictAddOrUpdate,
		onGet:             newSubscribers[GetEvent](),
		onAdd:             newSubscribers[AddEvent](),
		onPut:             newSubscribers[PutEvent](),
		onUpdate:          newSubscribers[UpdateEvent](),
		onRemove:          newSubscribers[RemoveEvent](),
		onClear:           newSubscribers[ClearEvent](),
		onClearRegion:     newSubscribers[ClearRegionEvent](),
		onRemoveByHandle:  newSubscribers[RemoveByHandleEvent](),
	}

	for i, h := range cfg.Handles {
		if h.Configuration().IsBackplaneSource {
			if c.bpSourceIndex != -1 {
				return nil, cacheerr.New("cachecoord.New", cacheerr.ErrInvalidArgument, "more than one handle is marked as the backplane source")
			}
			c.bpSourceIndex = i
		}
	}
	if cfg.Backplane != nil && c.bpSourceIndex == -1 {
		return nil, cacheerr.New("cachecoord.New", cacheerr.ErrInvalidArgument, "backplane configured but no handle is marked as its source")
	}

	c.computeSyncSets()

	for i, h := range cfg.Handles {
		idx := i
		unsub := h.RemovalSubscribe(func(ev handle.RemovalEvent) { c.handleRemoval(idx, ev) })
		c.handleUnsubs = append(c.handleUnsubs, unsub)
	}

	if c.bp != nil {
		if si, ok := c.bp.(sourceIdentified); ok {
			c.bpInstanceID = si.SourceID()
		}
		c.bpUnsubscribe = c.bp.Subscribe(c.handleBackplaneEvent)
	}

	return c, nil
}

func (c *Coordinator) computeSyncSets() {
	for i := range c.handles {
		if i == c.bpSourceIndex {
			continue
		}
		c.syncExcludingSource = append(c.syncExcludingSource, i)
		c.syncIncludingSource = append(c.syncIncludingSource, i)
	}
	if c.bpSourceIndex >= 0 && !c.handles[c.bpSourceIndex].Configuration().IsDistributed {
		c.syncIncludingSource = append(c.syncIncludingSource, c.bpSourceIndex)
	}
}

func (c *Coordinator) checkDisposed() error {
	if c.disposed {
		return cacheerr.New("cachecoord", cacheerr.ErrDisposed, "coordinator has been closed")
	}
	return nil
}

func validateKey(op, key string) error {
	if key == "" {
		return cacheerr.New(op, cacheerr.ErrInvalidArgument, "key must not be empty")
	}
	return nil
}

func (c *Coordinator) logHandleErr(op string, idx int, err error) {
	if err == nil {
		return
	}
	c.logger.Warn("handle operation failed", map[string]interface{}{
		"op":           op,
		"handle_index": idx,
		"handle":       c.handles[idx].Configuration().Name,
		"error":        err.Error(),
	})
}

// resolveMaxRetries lets Update/AddOrUpdate/GetOrAdd callers pass a negative
// maxRetries to fall back to the coordinator's configured retry budget
// (spec §2/§6 treat the per-call max_retries as optional, overriding the
// coordinator's own budget only when explicitly given).
func (c *Coordinator) resolveMaxRetries(maxRetries int) int {
	if maxRetries < 0 {
		return c.maxRetries
	}
	return maxRetries
}

func (c *Coordinator) metric(name string, labels ...string) {
	if c.metrics != nil {
		c.metrics.Counter(name, append([]string{"coordinator", c.name}, labels...)...)
		return
	}
	if g := metrics.Global(); g != nil {
		g.Counter(name, append([]string{"coordinator", c.name}, labels...)...)
	}
}

// evict removes key/region from every handle in indices, logging but
// ignoring individual failures (spec §4.2/§4.3 eviction steps).
func (c *Coordinator) evict(ctx context.Context, indices []int, key, region string) {
	for _, i := range indices {
		if _, err := c.handles[i].Remove(ctx, key, region); err != nil {
			c.logHandleErr("evict", i, err)
		}
	}
}

func (c *Coordinator) evictOtherThan(ctx context.Context, except int, key, region string) {
	for i := range c.handles {
		if i == except {
			continue
		}
		if _, err := c.handles[i].Remove(ctx, key, region); err != nil {
			c.logHandleErr("evict", i, err)
		}
	}
}

// getItemInternal is the read pipeline shared by GetItem, Get, and the
// update/expire operations that need the current item without
// re-implementing promotion (spec §4.1).
func (c *Coordinator) getItemInternal(ctx context.Context, key, region string) (*item.Item, bool, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, false, err
	}
	if err := validateKey("cachecoord.GetItem", key); err != nil {
		return nil, false, err
	}

	for i, h := range c.handles {
		it, found, err := h.GetItem(ctx, key, region)
		if err != nil {
			c.logHandleErr("get_item", i, err)
			continue
		}
		if !found {
			continue
		}

		now := time.Now()
		it = it.WithAccess(now)

		for j := 0; j < i; j++ {
			if _, err := c.handles[j].Add(ctx, it); err != nil {
				c.logHandleErr("promote", j, err)
			}
		}

		c.onGet.publish(GetEvent{Key: key, Region: region})
		return it, true, nil
	}

	return nil, false, nil
}

// GetItem returns the full item (including expiration metadata) for
// key/region, promoting it into every handle above the one it was found
// in.
func (c *Coordinator) GetItem(ctx context.Context, key, region string) (*item.Item, bool, error) {
	return c.getItemInternal(ctx, key, region)
}

// Get returns just the stored value for key/region.
func (c *Coordinator) Get(ctx context.Context, key, region string) (interface{}, bool, error) {
	it, found, err := c.getItemInternal(ctx, key, region)
	if err != nil || !found {
		return nil, found, err
	}
	return it.Value, true, nil
}

// Exists reports whether key/region is present in any handle, without
// triggering promotion.
func (c *Coordinator) Exists(ctx context.Context, key, region string) (bool, error) {
	if err := c.checkDisposed(); err != nil {
		return false, err
	}
	if err := validateKey("cachecoord.Exists", key); err != nil {
		return false, err
	}
	for i, h := range c.handles {
		ok, err := h.Exists(ctx, key, region)
		if err != nil {
			c.logHandleErr("exists", i, err)
			continue
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// Add stores it only if key/region is absent at the bottommost handle
// (spec §4.2 "bottom-write + evict"). Regardless of the bottom handle's
// result, every other handle is evicted so a stale copy can't survive a
// failed or superseding write.
func (c *Coordinator) Add(ctx context.Context, it *item.Item) (bool, error) {
	if err := c.checkDisposed(); err != nil {
		return false, err
	}
	if err := validateKey("cachecoord.Add", it.Key); err != nil {
		return false, err
	}

	bottom := len(c.handles) - 1
	ok, err := c.handles[bottom].Add(ctx, it)
	if err != nil {
		c.logHandleErr("add", bottom, err)
		ok = false
	}

	c.evictOtherThan(ctx, bottom, it.Key, it.Region)

	if ok {
		if c.bp != nil && c.bpSourceIndex == bottom {
			if perr := c.bp.NotifyChange(ctx, it.Key, it.Region, backplane.ActionAdd); perr != nil {
				c.logger.Warn("backplane publish failed", map[string]interface{}{"op": "add", "error": perr.Error()})
			}
		}
		c.metric("add.success")
		c.onAdd.publish(AddEvent{Key: it.Key, Region: it.Region, Origin: OriginLocal})
	} else {
		c.metric("add.failure")
	}

	return ok, nil
}

// Put unconditionally stores it on every handle (spec §4.2 fan-out write).
func (c *Coordinator) Put(ctx context.Context, it *item.Item) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	if err := validateKey("cachecoord.Put", it.Key); err != nil {
		return err
	}

	for i, h := range c.handles {
		if err := h.Put(ctx, it); err != nil {
			c.logHandleErr("put", i, err)
		}
	}

	if c.bp != nil {
		if err := c.bp.NotifyChange(ctx, it.Key, it.Region, backplane.ActionPut); err != nil {
			c.logger.Warn("backplane publish failed", map[string]interface{}{"op": "put", "error": err.Error()})
		}
	}
	c.metric("put")
	c.onPut.publish(PutEvent{Key: it.Key, Region: it.Region, Origin: OriginLocal})
	return nil
}

// Remove deletes key/region from every handle, OR-accumulating whether any
// handle actually held it.
func (c *Coordinator) Remove(ctx context.Context, key, region string) (bool, error) {
	if err := c.checkDisposed(); err != nil {
		return false, err
	}
	if err := validateKey("cachecoord.Remove", key); err != nil {
		return false, err
	}

	any := false
	for i, h := range c.handles {
		ok, err := h.Remove(ctx, key, region)
		if err != nil {
			c.logHandleErr("remove", i, err)
			continue
		}
		any = any || ok
	}

	if any {
		if c.bp != nil {
			if err := c.bp.NotifyRemove(ctx, key, region); err != nil {
				c.logger.Warn("backplane publish failed", map[string]interface{}{"op": "remove", "error": err.Error()})
			}
		}
		c.onRemove.publish(RemoveEvent{Key: key, Region: region, Origin: OriginLocal})
	}
	return any, nil
}

// Clear removes every item from every handle.
func (c *Coordinator) Clear(ctx context.Context) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	for i, h := range c.handles {
		if err := h.Clear(ctx); err != nil {
			c.logHandleErr("clear", i, err)
		}
	}
	if c.bp != nil {
		if err := c.bp.NotifyClear(ctx); err != nil {
			c.logger.Warn("backplane publish failed", map[string]interface{}{"op": "clear", "error": err.Error()})
		}
	}
	c.onClear.publish(ClearEvent{Origin: OriginLocal})
	return nil
}

// ClearRegion removes every item belonging to region from every handle.
func (c *Coordinator) ClearRegion(ctx context.Context, region string) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	if region == "" {
		return cacheerr.New("cachecoord.ClearRegion", cacheerr.ErrInvalidArgument, "region must not be empty")
	}
	for i, h := range c.handles {
		if err := h.ClearRegion(ctx, region); err != nil {
			c.logHandleErr("clear_region", i, err)
		}
	}
	if c.bp != nil {
		if err := c.bp.NotifyClearRegion(ctx, region); err != nil {
			c.logger.Warn("backplane publish failed", map[string]interface{}{"op": "clear_region", "error": err.Error()})
		}
	}
	c.onClearRegion.publish(ClearRegionEvent{Region: region, Origin: OriginLocal})
	return nil
}

// HealthCheck probes every handle (and the backplane, if one implements a
// health check) and returns the first failure encountered, wrapped with
// which handle failed.
func (c *Coordinator) HealthCheck(ctx context.Context) error {
	if err := c.checkDisposed(); err != nil {
		return err
	}
	for i, h := range c.handles {
		if hc, ok := h.(interface{ HealthCheck(context.Context) error }); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return cacheerr.New("cachecoord.HealthCheck", cacheerr.ErrTransientBackend,
					fmt.Sprintf("handle %q unhealthy", h.Configuration().Name)).WithCause(err)
			}
			continue
		}
		if _, err := h.Count(ctx); err != nil {
			return cacheerr.New("cachecoord.HealthCheck", cacheerr.ErrTransientBackend,
				fmt.Sprintf("handle %q unhealthy", h.Configuration().Name)).WithCause(err)
		}
	}
	if hc, ok := c.bp.(interface{ HealthCheck(context.Context) error }); ok {
		if err := hc.HealthCheck(ctx); err != nil {
			return cacheerr.New("cachecoord.HealthCheck", cacheerr.ErrTransientBackend, "backplane unhealthy").WithCause(err)
		}
	}
	return nil
}

// Close disposes every handle in reverse construction order, unsubscribes
// from the backplane, and marks the coordinator disposed so further calls
// fail with ErrDisposed. Idempotent.
func (c *Coordinator) Close(ctx context.Context) error {
	if c.disposed {
		return nil
	}
	c.disposed = true

	if c.bpUnsubscribe != nil {
		c.bpUnsubscribe()
	}
	for _, unsub := range c.handleUnsubs {
		unsub()
	}

	var firstErr error
	for i := len(c.handles) - 1; i >= 0; i-- {
		if err := c.handles[i].Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.bp != nil {
		if err := c.bp.Close(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
