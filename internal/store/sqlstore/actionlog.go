package sqlstore

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/closeio/syncengine/internal/store"
)

type actionLogRepo struct{ s *SQLStore }

const actionLogColumns = `id, namespace_id, action, record_id, extra_args, status, retries, discriminator, created_at, updated_at`

func scanActionLog(row interface{ Scan(...any) error }) (*store.ActionLog, error) {
	var a store.ActionLog
	var extra string
	if err := row.Scan(&a.ID, &a.NamespaceID, &a.Action, &a.RecordID, &extra, &a.Status, &a.Retries, &a.Discriminator, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	a.ExtraArgs = []byte(extra)
	return &a, nil
}

// PendingNamespaces returns up to sampleSize distinct namespace ids, owned
// by this process's shard set, that have pending ActionLog entries (§4.9
// step 1: "Randomly sample up to 500 namespaces"). A namespace belongs to
// shard namespace_id % totalShards; ownership of shardIDs was already
// resolved by the caller from syncback_id % total_processes == process_number.
func (r *actionLogRepo) PendingNamespaces(ctx context.Context, shardIDs []int, totalShards int, sampleSize int) ([]int64, error) {
	rows, err := r.s.db.QueryContext(ctx, `
		SELECT DISTINCT namespace_id FROM action_log WHERE status = 'pending'
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	shardSet := make(map[int]struct{}, len(shardIDs))
	for _, id := range shardIDs {
		shardSet[id] = struct{}{}
	}

	var all []int64
	for rows.Next() {
		var ns int64
		if err := rows.Scan(&ns); err != nil {
			return nil, err
		}
		if len(shardSet) > 0 && totalShards > 0 {
			shard := int(ns % int64(totalShards))
			if _, owned := shardSet[shard]; !owned {
				continue
			}
		}
		all = append(all, ns)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rand.Shuffle(len(all), func(i, j int) { all[i], all[j] = all[j], all[i] })
	if len(all) > sampleSize {
		all = all[:sampleSize]
	}
	return all, nil
}

func (r *actionLogRepo) NextPending(ctx context.Context, namespaceID int64, limit int) ([]*store.ActionLog, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`
		SELECT `+actionLogColumns+` FROM action_log
		WHERE namespace_id = ? AND status = 'pending'
		ORDER BY id ASC LIMIT ?
	`), namespaceID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.ActionLog
	for rows.Next() {
		a, err := scanActionLog(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (r *actionLogRepo) CountRecentRetries(ctx context.Context, namespaceID int64, window int64) (bool, error) {
	cutoff := time.Now().Add(-time.Duration(window) * time.Second).UTC()
	var n int
	err := r.s.db.QueryRowContext(ctx, r.s.rebind(`
		SELECT COUNT(*) FROM action_log WHERE namespace_id = ? AND retries > 0 AND updated_at > ?
	`), namespaceID, cutoff).Scan(&n)
	return n > 0, err
}

func idList(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func (r *actionLogRepo) MarkSuccessful(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE action_log SET status = 'successful', updated_at = '%s' WHERE id IN (%s)`,
		time.Now().UTC().Format(time.RFC3339Nano), idList(ids),
	))
	return err
}

// IncrementRetries bumps retries for each id and returns the highest
// resulting retry count across the set, so the caller can decide whether
// ACTION_MAX_NR_OF_RETRIES has been reached.
func (r *actionLogRepo) IncrementRetries(ctx context.Context, ids []int64) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	if _, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE action_log SET retries = retries + 1, updated_at = '%s' WHERE id IN (%s)`,
		time.Now().UTC().Format(time.RFC3339Nano), idList(ids),
	)); err != nil {
		return 0, err
	}
	var max int
	err := r.s.db.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT COALESCE(MAX(retries), 0) FROM action_log WHERE id IN (%s)`, idList(ids),
	)).Scan(&max)
	return max, err
}

func (r *actionLogRepo) MarkFailed(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.s.db.ExecContext(ctx, fmt.Sprintf(
		`UPDATE action_log SET status = 'failed', updated_at = '%s' WHERE id IN (%s)`,
		time.Now().UTC().Format(time.RFC3339Nano), idList(ids),
	))
	return err
}

// RecentlyCompleted implements the move skip-policy: skip if any
// move/change_labels action on the same record completed successfully
// within the last `window` seconds (§4.9 skip policies).
func (r *actionLogRepo) RecentlyCompleted(ctx context.Context, recordID int64, kinds []store.ActionKind, window int64) (bool, error) {
	if len(kinds) == 0 {
		return false, nil
	}
	cutoff := time.Now().Add(-time.Duration(window) * time.Second).UTC()
	placeholders := make([]string, len(kinds))
	args := make([]any, 0, len(kinds)+2)
	args = append(args, recordID)
	for i, k := range kinds {
		placeholders[i] = "?"
		args = append(args, string(k))
	}
	args = append(args, cutoff)
	var n int
	err := r.s.db.QueryRowContext(ctx, r.s.rebind(fmt.Sprintf(`
		SELECT COUNT(*) FROM action_log
		WHERE record_id = ? AND action IN (%s) AND status = 'successful' AND updated_at > ?
	`, strings.Join(placeholders, ","))), args...).Scan(&n)
	return n > 0, err
}
