package backplane

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"github.com/neelabh-cache/cachecoord/cachelog"
)

// wireEvent is the JSON payload published on the Redis channel.
type wireEvent struct {
	Kind     EventKind `json:"kind"`
	SourceID string    `json:"source_id"`
	Key      string    `json:"key,omitempty"`
	Region   string    `json:"region,omitempty"`
	Action   Action    `json:"action,omitempty"`
}

// Redis implements Backplane over a go-redis Pub/Sub channel, grounded on
// core.RedisClient's namespacing and the ag-ui SDK's Transport/Subscribe
// pattern. Channel name is "<namespace>:backplane" (spec §4.8).
type Redis struct {
	client   *redis.Client
	channel  string
	sourceID string
	logger   cachelog.Logger

	pubsub *redis.PubSub
	cancel context.CancelFunc

	mu     sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

// NewRedis constructs a Redis backplane publishing and subscribing on
// "<namespace>:backplane". Each instance gets a random UUID as its source
// ID so it can recognize (and, where desired, ignore) its own events.
func NewRedis(ctx context.Context, client *redis.Client, namespace string, logger cachelog.Logger) *Redis {
	if logger == nil {
		logger = cachelog.NoOp{}
	}
	channel := fmt.Sprintf("%s:backplane", namespace)
	r := &Redis{
		client:   client,
		channel:  channel,
		sourceID: uuid.NewString(),
		logger:   cachelog.WithComponent(logger, "backplane/redis"),
		subs:     make(map[int]func(Event)),
	}

	runCtx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.pubsub = client.Subscribe(runCtx, channel)
	go r.loop(runCtx)
	return r
}

// SourceID returns this instance's backplane identity.
func (r *Redis) SourceID() string { return r.sourceID }

func (r *Redis) loop(ctx context.Context) {
	ch := r.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var w wireEvent
			if err := json.Unmarshal([]byte(msg.Payload), &w); err != nil {
				r.logger.Warn("discarding malformed backplane message", map[string]interface{}{"error": err.Error()})
				continue
			}
			ev := Event{Kind: w.Kind, SourceID: w.SourceID, Key: w.Key, Region: w.Region, Action: w.Action}
			r.dispatch(ev)
		}
	}
}

func (r *Redis) dispatch(ev Event) {
	r.mu.Lock()
	subs := make([]func(Event), 0, len(r.subs))
	for _, fn := range r.subs {
		subs = append(subs, fn)
	}
	r.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() { _ = recover() }()
			fn(ev)
		}()
	}
}

func (r *Redis) publish(ctx context.Context, w wireEvent) error {
	w.SourceID = r.sourceID
	buf, err := json.Marshal(w)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, r.channel, buf).Err()
}

func (r *Redis) NotifyChange(ctx context.Context, key, region string, action Action) error {
	return r.publish(ctx, wireEvent{Kind: EventChange, Key: key, Region: region, Action: action})
}

func (r *Redis) NotifyRemove(ctx context.Context, key, region string) error {
	return r.publish(ctx, wireEvent{Kind: EventRemove, Key: key, Region: region})
}

func (r *Redis) NotifyClear(ctx context.Context) error {
	return r.publish(ctx, wireEvent{Kind: EventClear})
}

func (r *Redis) NotifyClearRegion(ctx context.Context, region string) error {
	return r.publish(ctx, wireEvent{Kind: EventClearRegion, Region: region})
}

func (r *Redis) Subscribe(fn func(Event)) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Close stops the subscription loop and closes the Pub/Sub connection. It
// does not close the underlying client, which may be shared with a
// rediskv.Handle.
func (r *Redis) Close(ctx context.Context) error {
	r.cancel()
	return r.pubsub.Close()
}
