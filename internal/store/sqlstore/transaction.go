package sqlstore

import (
	"context"
	"time"

	"github.com/closeio/syncengine/internal/store"
)

type transactionRepo struct{ s *SQLStore }

func (r *transactionRepo) Append(ctx context.Context, t *store.Transaction) error {
	t.ID = r.s.nextID()
	t.CreatedAt = time.Now().UTC()
	_, err := r.s.db.ExecContext(ctx, r.s.rebind(`
		INSERT INTO transactions (id, namespace_id, object_type, object_public_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), t.ID, t.NamespaceID, t.ObjectType, t.ObjectPublicID, string(t.Kind), t.CreatedAt)
	return err
}

// Purge deletes transaction rows older than the retention window, mirroring
// the original's purge-transaction-log administrative task; the core only
// ever appends to this table otherwise.
func (r *transactionRepo) Purge(ctx context.Context, olderThanSeconds int64, limit int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second).UTC()
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`
		DELETE FROM transactions WHERE id IN (
			SELECT id FROM transactions WHERE created_at < ? LIMIT ?
		)
	`), cutoff, limit)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
