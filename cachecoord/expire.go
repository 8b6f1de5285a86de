package cachecoord

import (
	"context"
	"time"

	"github.com/neelabh-cache/cachecoord/item"
)

// Expire reads the item for key/region, applies the given expiration
// mode/timeout, and writes the transformed item back to every handle. A
// missing key is a no-op (spec §4.6).
func (c *Coordinator) Expire(ctx context.Context, key, region string, mode item.Mode, timeout time.Duration) error {
	it, found, err := c.getItemInternal(ctx, key, region)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	now := time.Now()
	var next *item.Item
	switch mode {
	case item.Absolute:
		next, err = it.WithAbsoluteExpiration(now, timeout)
	case item.Sliding:
		next, err = it.WithSlidingExpiration(now, timeout)
	case item.None:
		next = it.WithNoExpiration()
	default:
		next = it.WithDefaultExpiration()
	}
	if err != nil {
		return err
	}

	return c.Put(ctx, next)
}

// RemoveExpiration clears any expiration on key/region, restoring
// (None, 0) so the item never expires by time.
func (c *Coordinator) RemoveExpiration(ctx context.Context, key, region string) error {
	return c.Expire(ctx, key, region, item.None, 0)
}
