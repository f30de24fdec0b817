package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/closeio/syncengine/internal/store"
)

type threadRepo struct{ s *SQLStore }

const threadColumns = `id, public_id, namespace_id, thread_key, subject, snippet, message_count, deleted_at, created_at, updated_at`

func scanThread(row interface{ Scan(...any) error }) (*store.Thread, error) {
	var t store.Thread
	var deletedAt sql.NullTime
	if err := row.Scan(&t.ID, &t.PublicID, &t.NamespaceID, &t.ThreadKey, &t.Subject, &t.Snippet, &t.MessageCount, &deletedAt, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	if deletedAt.Valid {
		t.DeletedAt = deletedAt.Time
	}
	return &t, nil
}

// Get returns the Thread by id, or nil if it does not exist.
func (r *threadRepo) Get(ctx context.Context, id int64) (*store.Thread, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+threadColumns+` FROM threads WHERE id = ?`), id)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

// GetByKey returns the most recent non-full Thread for (namespace, key);
// §3 caps a Thread at MaxMessagesPerThread, beyond which a new Thread is
// constructed sharing the same key.
func (r *threadRepo) GetByKey(ctx context.Context, namespaceID int64, key string) (*store.Thread, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`
		SELECT `+threadColumns+` FROM threads
		WHERE namespace_id = ? AND thread_key = ? AND message_count < ? AND deleted_at IS NULL
		ORDER BY id DESC LIMIT 1
	`), namespaceID, key, store.MaxMessagesPerThread)
	t, err := scanThread(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return t, err
}

func (r *threadRepo) Create(ctx context.Context, t *store.Thread) error {
	t.ID = r.s.nextID()
	t.PublicID = newPublicID()
	now := time.Now().UTC()
	t.CreatedAt, t.UpdatedAt = now, now

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		INSERT INTO threads (id, public_id, namespace_id, thread_key, subject, snippet, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 0, ?, ?)
	`), t.ID, t.PublicID, t.NamespaceID, t.ThreadKey, t.Subject, t.Snippet, t.CreatedAt, t.UpdatedAt); err != nil {
		return err
	}
	if err := r.s.appendTransaction(ctx, tx, t.NamespaceID, "thread", t.PublicID, store.TxInsert); err != nil {
		return err
	}
	return tx.Commit()
}

// threadIdentity fetches the (namespace_id, public_id) pair appendTransaction
// needs, within the caller's transaction.
func (r *threadRepo) threadIdentity(ctx context.Context, tx *sql.Tx, threadID int64) (int64, string, error) {
	var namespaceID int64
	var publicID string
	err := tx.QueryRowContext(ctx, r.s.rebind(`SELECT namespace_id, public_id FROM threads WHERE id = ?`), threadID).
		Scan(&namespaceID, &publicID)
	return namespaceID, publicID, err
}

func (r *threadRepo) AddMessage(ctx context.Context, threadID, messageID int64) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.s.rebind(`UPDATE messages SET thread_id = ? WHERE id = ?`), threadID, messageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE threads SET message_count = message_count + 1, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), threadID); err != nil {
		return err
	}
	namespaceID, publicID, err := r.threadIdentity(ctx, tx, threadID)
	if err != nil {
		return err
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "thread", publicID, store.TxUpdate); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *threadRepo) RemoveMessage(ctx context.Context, threadID, messageID int64) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.s.rebind(`UPDATE messages SET thread_id = NULL WHERE id = ?`), messageID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE threads SET message_count = message_count - 1, updated_at = ? WHERE id = ? AND message_count > 0
	`), time.Now().UTC(), threadID); err != nil {
		return err
	}
	namespaceID, publicID, err := r.threadIdentity(ctx, tx, threadID)
	if err != nil {
		return err
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "thread", publicID, store.TxUpdate); err != nil {
		return err
	}
	return tx.Commit()
}

// Recompute refreshes subject/snippet from the thread's surviving
// non-draft messages (§4.7 step 2), newest message winning.
func (r *threadRepo) Recompute(ctx context.Context, threadID int64) error {
	var subject, snippet sql.NullString
	err := r.s.db.QueryRowContext(ctx, r.s.rebind(`
		SELECT subject, subject FROM messages
		WHERE thread_id = ? AND is_draft = FALSE AND deleted_at IS NULL
		ORDER BY received_date DESC LIMIT 1
	`), threadID).Scan(&subject, &snippet)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE threads SET subject = ?, snippet = ?, updated_at = ? WHERE id = ?
	`), subject.String, snippet.String, time.Now().UTC(), threadID); err != nil {
		return err
	}
	namespaceID, publicID, err := r.threadIdentity(ctx, tx, threadID)
	if err != nil {
		return err
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "thread", publicID, store.TxUpdate); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *threadRepo) Tombstone(ctx context.Context, threadID int64) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE threads SET deleted_at = ?, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), time.Now().UTC(), threadID); err != nil {
		return err
	}
	namespaceID, publicID, err := r.threadIdentity(ctx, tx, threadID)
	if err != nil {
		return err
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "thread", publicID, store.TxDelete); err != nil {
		return err
	}
	return tx.Commit()
}

// SweepExpired hard-deletes tombstoned Threads older than the ttl with no
// remaining messages (§4.7 step 4).
func (r *threadRepo) SweepExpired(ctx context.Context, olderThanSeconds int64, limit int) (int, error) {
	cutoff := time.Now().Add(-time.Duration(olderThanSeconds) * time.Second).UTC()

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, r.s.rebind(`
		SELECT id, namespace_id, public_id FROM threads
		WHERE deleted_at IS NOT NULL AND deleted_at < ? AND message_count = 0 LIMIT ?
	`), cutoff, limit)
	if err != nil {
		return 0, err
	}
	type expired struct {
		id          int64
		namespaceID int64
		publicID    string
	}
	var victims []expired
	for rows.Next() {
		var v expired
		if err := rows.Scan(&v.id, &v.namespaceID, &v.publicID); err != nil {
			rows.Close()
			return 0, err
		}
		victims = append(victims, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}
	if len(victims) == 0 {
		return 0, tx.Commit()
	}

	for _, v := range victims {
		if _, err := tx.ExecContext(ctx, r.s.rebind(`DELETE FROM threads WHERE id = ?`), v.id); err != nil {
			return 0, err
		}
		if err := r.s.appendTransaction(ctx, tx, v.namespaceID, "thread", v.publicID, store.TxDelete); err != nil {
			return 0, err
		}
	}
	return len(victims), tx.Commit()
}
