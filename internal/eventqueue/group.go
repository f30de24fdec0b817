package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Group blocks across several named queues at once, the scheduler's
// "block on either the shared or the private queue" step (§4.8 main loop
// step 2). It uses Redis's multi-key BLPOP form, which pops from whichever
// named list has an entry first.
type Group struct {
	client *redis.Client
	names  []string
}

func NewGroup(client *redis.Client, names ...string) *Group {
	return &Group{client: client, names: names}
}

// Receive blocks up to timeout across every queue in the group. timeout <
// 0 performs a single non-blocking pass over all queues in order.
func (g *Group) Receive(ctx context.Context, timeout time.Duration) (Event, error) {
	if len(g.names) == 0 {
		return Event{}, ErrEmpty
	}

	if timeout < 0 {
		for _, name := range g.names {
			res, err := g.client.LPop(ctx, name).Result()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return Event{}, fmt.Errorf("eventqueue: group lpop %s: %w", name, err)
			}
			return Event{QueueName: name, Payload: json.RawMessage(res)}, nil
		}
		return Event{}, ErrEmpty
	}

	res, err := g.client.BLPop(ctx, timeout, g.names...).Result()
	if errors.Is(err, redis.Nil) {
		return Event{}, ErrEmpty
	}
	if err != nil {
		return Event{}, fmt.Errorf("eventqueue: group blpop: %w", err)
	}
	return Event{QueueName: res[0], Payload: json.RawMessage(res[1])}, nil
}
