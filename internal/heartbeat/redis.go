package heartbeat

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV implements KVStore against a shared Redis instance, per §6's
// key-value schema:
//   - "{account_id}:{folder_id}" -> hash {ts, state}, the per-folder record
//   - "{account_id}" -> sorted set of folder ids scored by ts, the per-account index
//   - "account_index" -> sorted set of account ids scored by their oldest folder ts
type RedisKV struct {
	client *redis.Client
	prefix string
}

// NewRedisKV wraps client. prefix namespaces every key (e.g. "hb:"),
// letting heartbeats and the event queue share one Redis instance without
// key collisions.
func NewRedisKV(client *redis.Client, prefix string) *RedisKV {
	return &RedisKV{client: client, prefix: prefix}
}

func (r *RedisKV) folderKey(accountID, folderID string) string {
	return r.prefix + accountID + ":" + folderID
}

func (r *RedisKV) accountIndexKey(accountID string) string {
	return r.prefix + accountID
}

func (r *RedisKV) globalIndexKey() string {
	return r.prefix + "account_index"
}

func (r *RedisKV) SetFolderHeartbeat(ctx context.Context, accountID, folderID, state string, ts time.Time) error {
	unix := float64(ts.UnixNano()) / 1e9

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.folderKey(accountID, folderID), "ts", unix, "state", state)
	pipe.ZAdd(ctx, r.accountIndexKey(accountID), redis.Z{Score: unix, Member: folderID})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("heartbeat: redis set: %w", err)
	}

	// The global index tracks each account's OLDEST folder heartbeat, so
	// recompute it from the per-account sorted set's minimum score.
	oldest, err := r.client.ZRangeWithScores(ctx, r.accountIndexKey(accountID), 0, 0).Result()
	if err != nil {
		return fmt.Errorf("heartbeat: redis recompute oldest: %w", err)
	}
	if len(oldest) > 0 {
		if err := r.client.ZAdd(ctx, r.globalIndexKey(), redis.Z{Score: oldest[0].Score, Member: accountID}).Err(); err != nil {
			return fmt.Errorf("heartbeat: redis update global index: %w", err)
		}
	}
	return nil
}

func (r *RedisKV) FolderHeartbeat(ctx context.Context, accountID, folderID string) (time.Time, string, bool, error) {
	vals, err := r.client.HGetAll(ctx, r.folderKey(accountID, folderID)).Result()
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("heartbeat: redis get: %w", err)
	}
	if len(vals) == 0 {
		return time.Time{}, "", false, nil
	}
	sec, err := strconv.ParseFloat(vals["ts"], 64)
	if err != nil {
		return time.Time{}, "", false, fmt.Errorf("heartbeat: redis parse ts: %w", err)
	}
	return timeFromUnixFloat(sec), vals["state"], true, nil
}

func (r *RedisKV) OldestAccountHeartbeat(ctx context.Context, accountID string) (time.Time, bool, error) {
	z, err := r.client.ZRangeWithScores(ctx, r.accountIndexKey(accountID), 0, 0).Result()
	if err != nil {
		return time.Time{}, false, fmt.Errorf("heartbeat: redis oldest: %w", err)
	}
	if len(z) == 0 {
		return time.Time{}, false, nil
	}
	return timeFromUnixFloat(z[0].Score), true, nil
}

func (r *RedisKV) RemoveAccount(ctx context.Context, accountID string) error {
	folders, err := r.client.ZRange(ctx, r.accountIndexKey(accountID), 0, -1).Result()
	if err != nil {
		return fmt.Errorf("heartbeat: redis list folders: %w", err)
	}
	pipe := r.client.TxPipeline()
	for _, f := range folders {
		pipe.Del(ctx, r.folderKey(accountID, f))
	}
	pipe.Del(ctx, r.accountIndexKey(accountID))
	pipe.ZRem(ctx, r.globalIndexKey(), accountID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("heartbeat: redis remove account: %w", err)
	}
	return nil
}

func timeFromUnixFloat(sec float64) time.Time {
	whole := int64(sec)
	frac := sec - float64(whole)
	return time.Unix(whole, int64(frac*1e9)).UTC()
}
