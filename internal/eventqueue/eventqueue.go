// Package eventqueue is the shared event queue (C10): a named-list FIFO
// with a blocking-pop primitive, backed by Redis lists. The scheduler
// service (C8) uses one queue per zone (for unclaimed-account
// announcements) and one private queue per process (for directed
// commands); the syncback processor's worker-finished signal reuses the
// same primitive.
package eventqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrEmpty is returned by Receive when timeout is negative (non-blocking) and
// the queue has no event, or when timeout elapses with nothing received.
var ErrEmpty = errors.New("eventqueue: no event available")

// Queue is a single named FIFO list.
type Queue struct {
	client *redis.Client
	name   string
}

func NewQueue(client *redis.Client, name string) *Queue {
	return &Queue{client: client, name: name}
}

func (q *Queue) Name() string { return q.name }

// Send appends payload (marshaled to JSON) to the queue.
func (q *Queue) Send(ctx context.Context, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("eventqueue: marshal: %w", err)
	}
	if err := q.client.RPush(ctx, q.name, data).Err(); err != nil {
		return fmt.Errorf("eventqueue: rpush %s: %w", q.name, err)
	}
	return nil
}

// Event is a received queue entry: the raw JSON payload and which queue it
// came from (relevant when received through a Group).
type Event struct {
	QueueName string
	Payload   json.RawMessage
}

// Unmarshal decodes the event payload into v.
func (e Event) Unmarshal(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Receive pops the next event with three timeout modes (§4.10):
//   - timeout == 0: block until an event is available.
//   - timeout > 0: block up to timeout; return ErrEmpty on expiry.
//   - timeout < 0: non-blocking; return ErrEmpty immediately if empty.
func (q *Queue) Receive(ctx context.Context, timeout time.Duration) (Event, error) {
	if timeout < 0 {
		res, err := q.client.LPop(ctx, q.name).Result()
		if errors.Is(err, redis.Nil) {
			return Event{}, ErrEmpty
		}
		if err != nil {
			return Event{}, fmt.Errorf("eventqueue: lpop %s: %w", q.name, err)
		}
		return Event{QueueName: q.name, Payload: json.RawMessage(res)}, nil
	}

	res, err := q.client.BLPop(ctx, timeout, q.name).Result()
	if errors.Is(err, redis.Nil) {
		return Event{}, ErrEmpty
	}
	if err != nil {
		return Event{}, fmt.Errorf("eventqueue: blpop %s: %w", q.name, err)
	}
	// BLPop returns [key, value].
	return Event{QueueName: res[0], Payload: json.RawMessage(res[1])}, nil
}

// Requeue re-appends an event, used when the scheduler can't claim an
// account announced on the shared queue (over capacity / load too high)
// and must put it back for another process to pick up.
func (q *Queue) Requeue(ctx context.Context, e Event) error {
	if err := q.client.RPush(ctx, q.name, []byte(e.Payload)).Err(); err != nil {
		return fmt.Errorf("eventqueue: requeue %s: %w", q.name, err)
	}
	return nil
}

// Len reports the current queue length.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.LLen(ctx, q.name).Result()
	if err != nil {
		return 0, fmt.Errorf("eventqueue: llen %s: %w", q.name, err)
	}
	return n, nil
}
