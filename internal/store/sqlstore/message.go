package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/closeio/syncengine/internal/store"
)

type messageRepo struct{ s *SQLStore }

const messageColumns = `id, public_id, namespace_id, data_sha256, message_id_header, subject, from_addr,
	received_date, is_read, is_starred, is_draft, size, thread_id, version, deleted_at, created_at, updated_at`

func scanMessage(row interface{ Scan(...any) error }) (*store.Message, error) {
	var m store.Message
	var receivedDate, deletedAt sql.NullTime
	var threadID sql.NullInt64
	if err := row.Scan(&m.ID, &m.PublicID, &m.NamespaceID, &m.DataSHA256, &m.MessageIDHeader, &m.Subject, &m.FromAddr,
		&receivedDate, &m.IsRead, &m.IsStarred, &m.IsDraft, &m.Size, &threadID, &m.Version, &deletedAt, &m.CreatedAt, &m.UpdatedAt); err != nil {
		return nil, err
	}
	if receivedDate.Valid {
		m.ReceivedDate = receivedDate.Time
	}
	if deletedAt.Valid {
		m.DeletedAt = deletedAt.Time
	}
	m.ThreadID = threadID.Int64
	return &m, nil
}

func (r *messageRepo) Get(ctx context.Context, id int64) (*store.Message, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+messageColumns+` FROM messages WHERE id = ?`), id)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

func (r *messageRepo) GetByDataSHA256(ctx context.Context, namespaceID int64, sha string) (*store.Message, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+messageColumns+` FROM messages WHERE namespace_id = ? AND data_sha256 = ?`), namespaceID, sha)
	m, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return m, err
}

// ListTombstonedBefore returns up to `limit` Messages whose deleted_at is at
// or before cutoff (a Unix timestamp), for the delete handler's sweep
// (§4.7 step 1, MAX_FETCH default 1000).
func (r *messageRepo) ListTombstonedBefore(ctx context.Context, cutoff int64, limit int) ([]*store.Message, error) {
	cutoffTime := time.Unix(cutoff, 0).UTC()
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`
		SELECT `+messageColumns+` FROM messages
		WHERE deleted_at IS NOT NULL AND deleted_at <= ?
		ORDER BY deleted_at ASC LIMIT ?
	`), cutoffTime, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *messageRepo) ImapUIDCount(ctx context.Context, messageID int64) (int, error) {
	var n int
	err := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT COUNT(*) FROM imap_uids WHERE message_id = ?`), messageID).Scan(&n)
	return n, err
}

// ImapUIDs returns every ImapUid row referencing messageID, used by the
// syncback processor to resolve which account/folder/UID a move or flag
// change action applies to.
func (r *messageRepo) ImapUIDs(ctx context.Context, messageID int64) ([]*store.ImapUid, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`
		SELECT account_id, folder_id, uid, message_id, is_seen, is_flagged, is_draft, is_deleted,
			gmail_thrid, gmail_msgid, created_at
		FROM imap_uids WHERE message_id = ?
	`), messageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*store.ImapUid
	for rows.Next() {
		var u store.ImapUid
		var uid int64
		var thrID, msgID sql.NullInt64
		if err := rows.Scan(&u.AccountID, &u.FolderID, &uid, &u.MessageID, &u.IsSeen, &u.IsFlagged, &u.IsDraft, &u.IsDeleted,
			&thrID, &msgID, &u.CreatedAt); err != nil {
			return nil, err
		}
		u.UID = uint32(uid)
		u.GmailThrID = uint64(thrID.Int64)
		u.GmailMsgID = uint64(msgID.Int64)
		out = append(out, &u)
	}
	return out, rows.Err()
}

// Undelete clears deleted_at, reversing a tombstone when ImapUids
// reappeared before the TTL expired (§4.7 step 2, P7).
func (r *messageRepo) Undelete(ctx context.Context, messageID int64) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE messages SET deleted_at = NULL, updated_at = ? WHERE id = ?
	`), time.Now().UTC(), messageID); err != nil {
		return err
	}
	var publicID string
	var namespaceID int64
	if err := tx.QueryRowContext(ctx, r.s.rebind(`SELECT public_id, namespace_id FROM messages WHERE id = ?`), messageID).Scan(&publicID, &namespaceID); err != nil {
		return err
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "message", publicID, store.TxUpdate); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *messageRepo) HardDelete(ctx context.Context, messageID int64) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var publicID string
	var namespaceID int64
	if err := tx.QueryRowContext(ctx, r.s.rebind(`SELECT public_id, namespace_id FROM messages WHERE id = ?`), messageID).Scan(&publicID, &namespaceID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		return err
	}
	if _, err := tx.ExecContext(ctx, r.s.rebind(`DELETE FROM messages WHERE id = ?`), messageID); err != nil {
		return err
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "message", publicID, store.TxDelete); err != nil {
		return err
	}
	return tx.Commit()
}

// DistinctSHA256InUse returns every data_sha256 still referenced by a
// non-tombstoned Message in the namespace, used by the delete handler to
// decide which blob store entries are safe to remove (§4.7 step 3).
func (r *messageRepo) DistinctSHA256InUse(ctx context.Context, namespaceID int64) (map[string]struct{}, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`
		SELECT DISTINCT data_sha256 FROM messages WHERE namespace_id = ? AND deleted_at IS NULL
	`), namespaceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var sha string
		if err := rows.Scan(&sha); err != nil {
			return nil, err
		}
		out[sha] = struct{}{}
	}
	return out, rows.Err()
}
