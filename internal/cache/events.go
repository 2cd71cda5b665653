package cache

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"crash/internal/game"

	"github.com/redis/go-redis/v9"
)

const (
	REDIS_KEY_EVENTS   = "crash:events"
	REDIS_KEY_SNAPSHOT = "crash:snapshot"
	SNAPSHOT_TTL       = time.Minute
)

// EventBus carries game events between instances over Redis pub/sub. The
// latest round event is also kept as a snapshot for late joiners.
type EventBus struct {
	client *redis.Client
}

func NewEventBus(client *redis.Client) *EventBus {
	return &EventBus{client: client}
}

func isRoundEvent(typ string) bool {
	switch typ {
	case game.EVENT_ROUND_PRE, game.EVENT_ROUND_TICK, game.EVENT_ROUND_CRASH:
		return true
	}
	return false
}

// Publish never blocks the scheduler on a Redis failure; it logs and moves on.
func (b *EventBus) Publish(ctx context.Context, e game.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		log.Printf("[CACHE] Marshal event %s: %v", e.Type, err)
		return
	}

	pipe := b.client.TxPipeline()
	pipe.Publish(ctx, REDIS_KEY_EVENTS, data)
	if isRoundEvent(e.Type) {
		pipe.Set(ctx, REDIS_KEY_SNAPSHOT, data, SNAPSHOT_TTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Printf("[CACHE] Publish event %s: %v", e.Type, err)
	}
}

// Subscribe hands every event on the bus to relay until ctx is done.
func (b *EventBus) Subscribe(ctx context.Context, relay func([]byte)) error {
	sub := b.client.Subscribe(ctx, REDIS_KEY_EVENTS)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return err
	}
	log.Printf("[CACHE] Subscribed to %s", REDIS_KEY_EVENTS)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			relay([]byte(msg.Payload))
		}
	}
}

// Snapshot returns the last round event published by any instance.
func (b *EventBus) Snapshot(ctx context.Context) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, REDIS_KEY_SNAPSHOT).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}
