// Package handle defines the contract every cache backend must satisfy to be
// composed into a Coordinator (spec §6 "Handle contract"), plus BaseHandle,
// a small mixin concrete handles embed for the common obligations of §4.8:
// default-expiration application, stats counters, and the cache-specific
// removal event.
package handle

import (
	"context"
	"sync"
	"time"

	"github.com/neelabh-cache/cachecoord/item"
)

// Configuration describes a handle's static identity (spec §3
// HandleConfiguration).
type Configuration struct {
	Name              string
	DefaultMode       item.Mode
	DefaultTimeout    time.Duration
	IsBackplaneSource bool
	IsDistributed     bool
}

// RemovalReason classifies why a handle removed an item on its own,
// independent of a coordinator-issued Remove (spec §4.8).
type RemovalReason int

const (
	// RemovedByCapacity means an LRU/size-bound eviction.
	RemovedByCapacity RemovalReason = iota
	// RemovedByExpiry means the handle's own TTL sweep found the item expired.
	RemovedByExpiry
	// RemovedByDependency means an external dependency invalidated the entry.
	RemovedByDependency
)

// RemovalEvent is published by a handle when it removes an item without
// being asked to by the coordinator.
type RemovalEvent struct {
	Key    string
	Region string
	Reason RemovalReason
	Value  interface{}
}

// UpdateOutcome tags the four possible results of a handle's internal
// read-modify-write (spec §3 UpdateItemResult, §4.9).
type UpdateOutcome int

const (
	// UpdateSuccess means the handle committed a new item.
	UpdateSuccess UpdateOutcome = iota
	// UpdateItemDidNotExist means the key was absent.
	UpdateItemDidNotExist
	// UpdateTooManyRetries means the optimistic-retry budget was exhausted
	// with an unresolved conflict.
	UpdateTooManyRetries
	// UpdateFactoryReturnedNull means the caller's update function produced
	// a nil value.
	UpdateFactoryReturnedNull
)

// UpdateResult is the tagged return value of Handle.Update.
type UpdateResult struct {
	Outcome                UpdateOutcome
	NewItem                *item.Item // set iff Outcome == UpdateSuccess
	VersionConflictOccured bool
	TriesNeeded            int
}

// Handle is the contract a cache backend must implement to be composed into
// a Coordinator. Every method is suspendable (may block on network I/O or an
// internal lock) and must accept cancellation via ctx.
type Handle interface {
	Configuration() Configuration

	GetItem(ctx context.Context, key, region string) (*item.Item, bool, error)
	Add(ctx context.Context, it *item.Item) (bool, error)
	Put(ctx context.Context, it *item.Item) error
	Remove(ctx context.Context, key, region string) (bool, error)
	Exists(ctx context.Context, key, region string) (bool, error)
	Clear(ctx context.Context) error
	ClearRegion(ctx context.Context, region string) error
	Count(ctx context.Context) (int, error)

	// Update performs a read-modify-write against the handle's own storage,
	// retrying on optimistic-concurrency conflicts up to maxRetries times
	// (spec §4.9).
	Update(ctx context.Context, key, region string, f func(current interface{}) (interface{}, bool), maxRetries int) (UpdateResult, error)

	Stats() Stats

	// RemovalSubscribe registers fn to be invoked (synchronously, from
	// whichever goroutine the handle detects the removal on) whenever this
	// handle removes an item on its own initiative. Returns an unsubscribe
	// function.
	RemovalSubscribe(fn func(RemovalEvent)) (unsubscribe func())

	Close(ctx context.Context) error
}

// Stats holds the per-handle counters from spec §3 Statistics. It is a
// plain value type; BaseHandle keeps one behind a mutex and hands out
// snapshots.
type Stats struct {
	Hits             uint64
	Misses           uint64
	AddCalls         uint64
	PutCalls         uint64
	RemoveCalls      uint64
	ClearCalls       uint64
	ClearRegionCalls uint64
	UpdateCalls      uint64
	Items            uint64
}

// BaseHandle is embedded by concrete handles to share the obligations common
// to every handle (spec §4.8): applying the handle's own default expiration
// to incoming items whose UsesExpirationDefaults is true, tracking Stats,
// and fanning out cache-specific removal events to subscribers. It owns no
// storage itself.
type BaseHandle struct {
	cfg Configuration

	mu    sync.Mutex
	stats Stats

	subMu sync.Mutex
	subs  map[int]func(RemovalEvent)
	nextID int
}

// NewBaseHandle constructs a BaseHandle for the given configuration.
func NewBaseHandle(cfg Configuration) *BaseHandle {
	return &BaseHandle{cfg: cfg, subs: make(map[int]func(RemovalEvent))}
}

// Configuration returns the handle's static identity.
func (b *BaseHandle) Configuration() Configuration { return b.cfg }

// ApplyDefaults resolves it against this handle's configured default
// mode/timeout, honoring an item's explicit expiration choice (spec §4.6).
func (b *BaseHandle) ApplyDefaults(now time.Time, it *item.Item) *item.Item {
	return it.ApplyHandleDefaults(now, b.cfg.DefaultMode, b.cfg.DefaultTimeout)
}

// Stats returns a snapshot of the counters accumulated so far.
func (b *BaseHandle) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// SetItemCount lets a concrete handle report its current size for the Items
// gauge (handles otherwise don't expose internal storage to BaseHandle).
func (b *BaseHandle) SetItemCount(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stats.Items = n
}

func (b *BaseHandle) RecordHit()             { b.bump(func(s *Stats) { s.Hits++ }) }
func (b *BaseHandle) RecordMiss()            { b.bump(func(s *Stats) { s.Misses++ }) }
func (b *BaseHandle) RecordAdd()             { b.bump(func(s *Stats) { s.AddCalls++ }) }
func (b *BaseHandle) RecordPut()             { b.bump(func(s *Stats) { s.PutCalls++ }) }
func (b *BaseHandle) RecordRemove()          { b.bump(func(s *Stats) { s.RemoveCalls++ }) }
func (b *BaseHandle) RecordClear()           { b.bump(func(s *Stats) { s.ClearCalls++ }) }
func (b *BaseHandle) RecordClearRegion()     { b.bump(func(s *Stats) { s.ClearRegionCalls++ }) }
func (b *BaseHandle) RecordUpdate()          { b.bump(func(s *Stats) { s.UpdateCalls++ }) }

func (b *BaseHandle) bump(f func(*Stats)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	f(&b.stats)
}

// RemovalSubscribe registers a removal-event subscriber.
func (b *BaseHandle) RemovalSubscribe(fn func(RemovalEvent)) func() {
	b.subMu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = fn
	b.subMu.Unlock()

	return func() {
		b.subMu.Lock()
		delete(b.subs, id)
		b.subMu.Unlock()
	}
}

// PublishRemoval notifies every subscriber of a cache-specific removal.
// Subscribers are invoked synchronously and must not block; a panicking
// subscriber is recovered so it cannot corrupt the handle's state (spec §7
// "Observer callbacks that throw must not interrupt the operation").
func (b *BaseHandle) PublishRemoval(ev RemovalEvent) {
	b.subMu.Lock()
	subs := make([]func(RemovalEvent), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.subMu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() { _ = recover() }()
			fn(ev)
		}()
	}
}
