package cachecoord

import (
	"context"
	"time"

	"github.com/neelabh-cache/cachecoord/backplane"
	"github.com/neelabh-cache/cachecoord/cacheerr"
	"github.com/neelabh-cache/cachecoord/handle"
	"github.com/neelabh-cache/cachecoord/item"
)

// ValueFunc transforms a key's current value into its next value. Returning
// ok == false tells the handle not to commit (spec's "FactoryReturnedNull").
type ValueFunc func(current interface{}) (next interface{}, ok bool)

// doUpdate delegates to the bottommost handle's own optimistic-retry loop
// and reconciles the rest of the pipeline based on the outcome (spec §4.3).
// It is the single implementation shared by Update and TryUpdate.
func (c *Coordinator) doUpdate(ctx context.Context, key, region string, f ValueFunc, maxRetries int) (interface{}, handle.UpdateOutcome, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, 0, err
	}
	if err := validateKey("cachecoord.Update", key); err != nil {
		return nil, 0, err
	}
	if len(c.handles) == 0 {
		return nil, handle.UpdateItemDidNotExist, nil
	}
	maxRetries = c.resolveMaxRetries(maxRetries)

	bottom := len(c.handles) - 1
	result, err := c.handles[bottom].Update(ctx, key, region, func(current interface{}) (interface{}, bool) {
		return f(current)
	}, maxRetries)
	if err != nil {
		c.logHandleErr("update", bottom, err)
		return nil, 0, err
	}

	switch result.Outcome {
	case handle.UpdateSuccess:
		if c.updateMode == UpdateModeUp {
			for j := 0; j < bottom; j++ {
				if _, rerr := c.handles[j].Remove(ctx, key, region); rerr != nil {
					c.logHandleErr("update_evict", j, rerr)
				}
			}
		}
		for j := bottom + 1; j < len(c.handles); j++ {
			if _, aerr := c.handles[j].Add(ctx, result.NewItem); aerr != nil {
				c.logHandleErr("update_propagate", j, aerr)
			}
		}
		if c.bp != nil && c.bpSourceIndex == bottom {
			if perr := c.bp.NotifyChange(ctx, key, region, backplane.ActionUpdate); perr != nil {
				c.logger.Warn("backplane publish failed", map[string]interface{}{"op": "update", "error": perr.Error()})
			}
		}
		c.metric("update.success")
		c.onUpdate.publish(UpdateEvent{Key: key, Region: region, Value: result.NewItem.Value, Origin: OriginLocal})
		return result.NewItem.Value, handle.UpdateSuccess, nil

	case handle.UpdateFactoryReturnedNull:
		c.logger.Warn("update factory returned null", map[string]interface{}{"key": key, "region": region})
		c.metric("update.factory_null")
		return nil, handle.UpdateFactoryReturnedNull, nil

	case handle.UpdateTooManyRetries, handle.UpdateItemDidNotExist:
		c.evictOtherThan(ctx, bottom, key, region)
		c.metric("update.failure")
		return nil, result.Outcome, nil

	default:
		return nil, result.Outcome, nil
	}
}

// Update performs an atomic read-modify-write, failing loudly with
// InvalidState when the handle reports anything short of success (spec
// §4.3, the "strict" variant).
func (c *Coordinator) Update(ctx context.Context, key, region string, f ValueFunc, maxRetries int) (interface{}, error) {
	value, outcome, err := c.doUpdate(ctx, key, region, f, maxRetries)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case handle.UpdateSuccess:
		return value, nil
	case handle.UpdateFactoryReturnedNull:
		return nil, cacheerr.New("cachecoord.Update", cacheerr.ErrInvalidState, "value factory returned null").WithKey(key, region)
	case handle.UpdateTooManyRetries:
		return nil, cacheerr.New("cachecoord.Update", cacheerr.ErrInvalidState, "too many retries").WithKey(key, region)
	default: // ItemDidNotExist
		return nil, cacheerr.New("cachecoord.Update", cacheerr.ErrInvalidState, "key did not exist").WithKey(key, region)
	}
}

// TryUpdate performs an atomic read-modify-write, returning ok == false
// instead of an error for any outcome short of success.
func (c *Coordinator) TryUpdate(ctx context.Context, key, region string, f ValueFunc, maxRetries int) (value interface{}, ok bool, err error) {
	value, outcome, err := c.doUpdate(ctx, key, region, f, maxRetries)
	if err != nil {
		return nil, false, err
	}
	return value, outcome == handle.UpdateSuccess, nil
}

// AddOrUpdate implements the create-or-update state machine of spec §4.4:
// try to create; if another writer got there first, update instead; retry
// on the rare race where both lose. The factory/updater f is applied only
// when an update is actually attempted.
func (c *Coordinator) AddOrUpdate(ctx context.Context, it *item.Item, f ValueFunc, maxRetries int) (interface{}, error) {
	maxRetries = c.resolveMaxRetries(maxRetries)
	for attempt := 0; attempt <= maxRetries; attempt++ {
		ok, err := c.Add(ctx, it)
		if err != nil {
			return nil, err
		}
		if ok {
			return it.Value, nil
		}

		value, updated, err := c.TryUpdate(ctx, it.Key, it.Region, f, maxRetries)
		if err != nil {
			return nil, err
		}
		if updated {
			return value, nil
		}
	}

	if c.strictAddOrUpdate {
		return nil, cacheerr.New("cachecoord.AddOrUpdate", cacheerr.ErrInvalidState, "exhausted retries without adding or updating").WithKey(it.Key, it.Region)
	}
	return nil, nil
}

type getOrAddOutcome int

const (
	getOrAddSuccess getOrAddOutcome = iota
	getOrAddFactoryNull
	getOrAddExhausted
)

// doGetOrAdd implements spec §4.5's loop, invoking factory at most once
// per call via the factoryInvoked flag and the cached newItem kept across
// iterations, regardless of how many internal retries occur.
func (c *Coordinator) doGetOrAdd(ctx context.Context, key, region string, factory func() (interface{}, error), maxRetries int) (interface{}, getOrAddOutcome, error) {
	if err := c.checkDisposed(); err != nil {
		return nil, 0, err
	}
	if err := validateKey("cachecoord.GetOrAdd", key); err != nil {
		return nil, 0, err
	}
	maxRetries = c.resolveMaxRetries(maxRetries)

	var newItem *item.Item
	var factoryInvoked bool

	for attempt := 0; attempt <= maxRetries; attempt++ {
		it, found, err := c.getItemInternal(ctx, key, region)
		if err != nil {
			return nil, 0, err
		}
		if found {
			return it.Value, getOrAddSuccess, nil
		}

		if !factoryInvoked {
			factoryInvoked = true
			value, ferr := factory()
			if ferr != nil {
				return nil, 0, ferr
			}
			if value == nil {
				return nil, getOrAddFactoryNull, nil
			}
			ni, ierr := item.NewWithDefaults(time.Now(), key, region, value)
			if ierr != nil {
				return nil, 0, ierr
			}
			newItem = ni
		}

		added, err := c.Add(ctx, newItem)
		if err != nil {
			return nil, 0, err
		}
		if added {
			return newItem.Value, getOrAddSuccess, nil
		}
	}

	return nil, getOrAddExhausted, nil
}

// GetOrAdd returns the current value for key/region, creating it from
// factory if absent. Fails with InvalidState if the factory returns nil or
// the retry budget is exhausted without observing a value (spec §4.5).
func (c *Coordinator) GetOrAdd(ctx context.Context, key, region string, factory func() (interface{}, error), maxRetries int) (interface{}, error) {
	value, outcome, err := c.doGetOrAdd(ctx, key, region, factory, maxRetries)
	if err != nil {
		return nil, err
	}
	switch outcome {
	case getOrAddSuccess:
		return value, nil
	case getOrAddFactoryNull:
		return nil, cacheerr.New("cachecoord.GetOrAdd", cacheerr.ErrInvalidState, "value factory returned null").WithKey(key, region)
	default:
		return nil, cacheerr.New("cachecoord.GetOrAdd", cacheerr.ErrInvalidState, "could not get nor add").WithKey(key, region)
	}
}

// TryGetOrAdd is the non-throwing variant of GetOrAdd.
func (c *Coordinator) TryGetOrAdd(ctx context.Context, key, region string, factory func() (interface{}, error), maxRetries int) (value interface{}, ok bool, err error) {
	value, outcome, err := c.doGetOrAdd(ctx, key, region, factory, maxRetries)
	if err != nil {
		return nil, false, err
	}
	return value, outcome == getOrAddSuccess, nil
}
