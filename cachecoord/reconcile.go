package cachecoord

import (
	"context"
	"time"

	"github.com/neelabh-cache/cachecoord/backplane"
	"github.com/neelabh-cache/cachecoord/handle"
)

// handleRemoval reacts to a handle removing an item on its own initiative
// (capacity eviction, internal TTL sweep). When update_mode is Up, every
// handle above the emitting one is evicted so it doesn't keep serving a
// copy the source of truth no longer has (spec §4.8).
func (c *Coordinator) handleRemoval(emittingIndex int, ev handle.RemovalEvent) {
	if c.updateMode == UpdateModeUp {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		for j := 0; j < emittingIndex; j++ {
			if _, err := c.handles[j].Remove(ctx, ev.Key, ev.Region); err != nil {
				c.logHandleErr("handle_removal_evict", j, err)
			}
		}
	}
	c.onRemoveByHandle.publish(RemoveByHandleEvent{
		Key:         ev.Key,
		Region:      ev.Region,
		Reason:      ev.Reason,
		HandleIndex: emittingIndex + 1,
		Value:       ev.Value,
	})
}

// handleBackplaneEvent reconciles a remote backplane event against the
// local handle set (spec §4.7). Events this instance itself published are
// recognized via SourceID and ignored — the coordinator already applied
// the corresponding local eviction before publishing, so reacting again
// would be redundant, not incorrect, but is skipped to avoid double work
// and a spurious Remote-origin observer event for a Local change.
func (c *Coordinator) handleBackplaneEvent(ev backplane.Event) {
	if c.bpInstanceID != "" && ev.SourceID == c.bpInstanceID {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	switch ev.Kind {
	case backplane.EventChange:
		c.evict(ctx, c.syncExcludingSource, ev.Key, ev.Region)
		switch ev.Action {
		case backplane.ActionAdd:
			c.onAdd.publish(AddEvent{Key: ev.Key, Region: ev.Region, Origin: OriginRemote})
		case backplane.ActionPut:
			c.onPut.publish(PutEvent{Key: ev.Key, Region: ev.Region, Origin: OriginRemote})
		case backplane.ActionUpdate:
			c.onUpdate.publish(UpdateEvent{Key: ev.Key, Region: ev.Region, Origin: OriginRemote})
		}
	case backplane.EventRemove:
		c.evict(ctx, c.syncIncludingSource, ev.Key, ev.Region)
		c.onRemove.publish(RemoveEvent{Key: ev.Key, Region: ev.Region, Origin: OriginRemote})
	case backplane.EventClear:
		for _, i := range c.syncIncludingSource {
			if err := c.handles[i].Clear(ctx); err != nil {
				c.logHandleErr("remote_clear", i, err)
			}
		}
		c.onClear.publish(ClearEvent{Origin: OriginRemote})
	case backplane.EventClearRegion:
		for _, i := range c.syncIncludingSource {
			if err := c.handles[i].ClearRegion(ctx, ev.Region); err != nil {
				c.logHandleErr("remote_clear_region", i, err)
			}
		}
		c.onClearRegion.publish(ClearRegionEvent{Region: ev.Region, Origin: OriginRemote})
	}
}
