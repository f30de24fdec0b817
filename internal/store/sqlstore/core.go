package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/closeio/syncengine/internal/store"
)

// LocalUIDs returns the set of UIDs currently known locally for
// (account, folder), optionally limited to the most recent `limit`.
func (s *SQLStore) LocalUIDs(ctx context.Context, accountID, folderID int64, limit int) (map[uint32]struct{}, error) {
	q := `SELECT uid FROM imap_uids WHERE account_id = ? AND folder_id = ? ORDER BY uid DESC`
	args := []any{accountID, folderID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[uint32]struct{})
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			return nil, err
		}
		out[uint32(uid)] = struct{}{}
	}
	return out, rows.Err()
}

func (s *SQLStore) LastSeenUID(ctx context.Context, accountID, folderID int64) (uint32, error) {
	var uid sql.NullInt64
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT MAX(uid) FROM imap_uids WHERE account_id = ? AND folder_id = ?
	`), accountID, folderID).Scan(&uid)
	if err != nil {
		return 0, err
	}
	return uint32(uid.Int64), nil
}

func (s *SQLStore) GetFolderInfo(ctx context.Context, accountID, folderID int64) (*store.ImapFolderInfo, error) {
	var info store.ImapFolderInfo
	var lastSlow sql.NullTime
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT account_id, folder_id, uidvalidity, uidnext, highestmodseq, last_slow_refresh
		FROM imap_folder_info WHERE account_id = ? AND folder_id = ?
	`), accountID, folderID).Scan(&info.AccountID, &info.FolderID, &info.UIDValidity, &info.UIDNext, &info.HighestModSeq, &lastSlow)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if lastSlow.Valid {
		info.LastSlowRefresh = lastSlow.Time
	}
	return &info, nil
}

func (s *SQLStore) UpsertFolderInfo(ctx context.Context, info *store.ImapFolderInfo) error {
	existing, err := s.GetFolderInfo(ctx, info.AccountID, info.FolderID)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO imap_folder_info (account_id, folder_id, uidvalidity, uidnext, highestmodseq, last_slow_refresh)
			VALUES (?, ?, ?, ?, ?, ?)
		`), info.AccountID, info.FolderID, info.UIDValidity, info.UIDNext, info.HighestModSeq, nullTime(info.LastSlowRefresh))
		return err
	}
	_, err = s.db.ExecContext(ctx, s.rebind(`
		UPDATE imap_folder_info SET uidvalidity = ?, uidnext = ?, highestmodseq = ?, last_slow_refresh = ?
		WHERE account_id = ? AND folder_id = ?
	`), info.UIDValidity, info.UIDNext, info.HighestModSeq, nullTime(info.LastSlowRefresh), info.AccountID, info.FolderID)
	return err
}

func (s *SQLStore) GetSyncStatus(ctx context.Context, accountID, folderID int64) (*store.ImapFolderSyncStatus, error) {
	var st store.ImapFolderSyncStatus
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT account_id, folder_id, state, sync_should_run, uid_invalid_count, metrics_fetched, updated_at
		FROM imap_folder_sync_status WHERE account_id = ? AND folder_id = ?
	`), accountID, folderID).Scan(&st.AccountID, &st.FolderID, &st.State, &st.SyncShouldRun, &st.UIDInvalidCount, &st.MetricsFetched, &st.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		st = store.ImapFolderSyncStatus{
			AccountID: accountID, FolderID: folderID, State: store.StateInitial,
			SyncShouldRun: true, UpdatedAt: time.Now().UTC(),
		}
		_, err = s.db.ExecContext(ctx, s.rebind(`
			INSERT INTO imap_folder_sync_status (account_id, folder_id, state, sync_should_run, uid_invalid_count, metrics_fetched, updated_at)
			VALUES (?, ?, ?, ?, 0, 0, ?)
		`), accountID, folderID, st.State, st.SyncShouldRun, st.UpdatedAt)
		if err != nil {
			return nil, err
		}
		return &st, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SetSyncState updates the engine state; the state row write is the
// "atomic with their persisted status row" transition §5 requires.
func (s *SQLStore) SetSyncState(ctx context.Context, accountID, folderID int64, state store.EngineState) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE imap_folder_sync_status SET state = ?, updated_at = ? WHERE account_id = ? AND folder_id = ?
	`), state, time.Now().UTC(), accountID, folderID)
	return err
}

func (s *SQLStore) IncrementUIDInvalidCount(ctx context.Context, accountID, folderID int64) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, s.rebind(`
		UPDATE imap_folder_sync_status SET uid_invalid_count = uid_invalid_count + 1, updated_at = ?
		WHERE account_id = ? AND folder_id = ?
	`), time.Now().UTC(), accountID, folderID); err != nil {
		return 0, err
	}
	var n int
	if err := tx.QueryRowContext(ctx, s.rebind(`
		SELECT uid_invalid_count FROM imap_folder_sync_status WHERE account_id = ? AND folder_id = ?
	`), accountID, folderID).Scan(&n); err != nil {
		return 0, err
	}
	return n, tx.Commit()
}

func (s *SQLStore) ResetUIDInvalidCount(ctx context.Context, accountID, folderID int64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		UPDATE imap_folder_sync_status SET uid_invalid_count = 0 WHERE account_id = ? AND folder_id = ?
	`), accountID, folderID)
	return err
}

// CreateImapMessage creates a Message (deduplicated on DataSHA256, per I4),
// an ImapUid row, and initial flags for a newly-downloaded message.
func (s *SQLStore) CreateImapMessage(ctx context.Context, accountID, folderID int64, namespaceID int64, nm *store.NewMessage) (*store.Message, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	var msg store.Message
	row := tx.QueryRowContext(ctx, s.rebind(`
		SELECT id, public_id, namespace_id, data_sha256, message_id_header, subject, from_addr,
		       received_date, is_read, is_starred, is_draft, size, thread_id, version, deleted_at, created_at, updated_at
		FROM messages WHERE namespace_id = ? AND data_sha256 = ?
	`), namespaceID, nm.DataSHA256)
	existing, scanErr := scanMessageRow(row)
	now := time.Now().UTC()

	switch {
	case scanErr == nil:
		msg = *existing
	case errors.Is(scanErr, sql.ErrNoRows):
		msg = store.Message{
			ID: s.nextID(), PublicID: newPublicID(), NamespaceID: namespaceID,
			DataSHA256: nm.DataSHA256, MessageIDHeader: nm.MessageIDHeader,
			Subject: nm.Subject, FromAddr: nm.FromAddr, ReceivedDate: nm.ReceivedDate,
			IsRead: nm.Seen, IsStarred: nm.Flagged, IsDraft: nm.Draft,
			Size: nm.Size, Version: 1, CreatedAt: now, UpdatedAt: now,
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			INSERT INTO messages (id, public_id, namespace_id, data_sha256, message_id_header, subject, from_addr,
				received_date, is_read, is_starred, is_draft, size, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`), msg.ID, msg.PublicID, msg.NamespaceID, msg.DataSHA256, msg.MessageIDHeader, msg.Subject, msg.FromAddr,
			msg.ReceivedDate, msg.IsRead, msg.IsStarred, msg.IsDraft, msg.Size, msg.Version, msg.CreatedAt, msg.UpdatedAt); err != nil {
			return nil, err
		}
		if err := s.appendTransaction(ctx, tx, namespaceID, "message", msg.PublicID, store.TxInsert); err != nil {
			return nil, err
		}
	default:
		return nil, scanErr
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO imap_uids (account_id, folder_id, uid, message_id, is_seen, is_flagged, is_draft, is_deleted, gmail_thrid, gmail_msgid, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, FALSE, ?, ?, ?)
	`), accountID, folderID, nm.UID, msg.ID, nm.Seen, nm.Flagged, nm.Draft, nm.GmailThrID, nm.GmailMsgID, now); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &msg, nil
}

func scanMessageRow(row *sql.Row) (*store.Message, error) {
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

// UpdateMetadata applies a batch of per-UID flag changes (is_seen,
// is_flagged, is_deleted on the ImapUid row), then re-derives
// Message.is_read/is_starred as "any(uid.seen)" / "any(uid.flagged)"
// across the message's surviving ImapUids (§3 Message invariant).
// FlagMap's label and Gmail id fields are not applied, and is_draft and
// categories are not touched.
func (s *SQLStore) UpdateMetadata(ctx context.Context, accountID, folderID int64, role store.FolderRole, changes []store.FlagMap) error {
	if len(changes) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, c := range changes {
		var messageID int64
		err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT message_id FROM imap_uids WHERE account_id = ? AND folder_id = ? AND uid = ?
		`), accountID, folderID, c.UID).Scan(&messageID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return err
		}

		setClauses := []string{}
		args := []any{}
		if c.Seen != nil {
			setClauses = append(setClauses, "is_seen = ?")
			args = append(args, *c.Seen)
		}
		if c.Flagged != nil {
			setClauses = append(setClauses, "is_flagged = ?")
			args = append(args, *c.Flagged)
		}
		if c.Deleted != nil {
			setClauses = append(setClauses, "is_deleted = ?")
			args = append(args, *c.Deleted)
		}
		if len(setClauses) > 0 {
			q := "UPDATE imap_uids SET " + join(setClauses, ", ") + " WHERE account_id = ? AND folder_id = ? AND uid = ?"
			args = append(args, accountID, folderID, c.UID)
			if _, err := tx.ExecContext(ctx, s.rebind(q), args...); err != nil {
				return err
			}
		}

		var anySeen, anyFlagged bool
		if err := tx.QueryRowContext(ctx, s.rebind(`
			SELECT COALESCE(MAX(CASE WHEN is_seen THEN 1 ELSE 0 END), 0), COALESCE(MAX(CASE WHEN is_flagged THEN 1 ELSE 0 END), 0)
			FROM imap_uids WHERE message_id = ?
		`), messageID).Scan(&anySeen, &anyFlagged); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE messages SET is_read = ?, is_starred = ?, updated_at = ?, version = version + 1 WHERE id = ?
		`), anySeen, anyFlagged, time.Now().UTC(), messageID); err != nil {
			return err
		}
		var publicID string
		var namespaceID int64
		if err := tx.QueryRowContext(ctx, s.rebind(`SELECT public_id, namespace_id FROM messages WHERE id = ?`), messageID).Scan(&publicID, &namespaceID); err != nil {
			return err
		}
		if err := s.appendTransaction(ctx, tx, namespaceID, "message", publicID, store.TxUpdate); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func join(parts []string, sep string) string {
	out := ""
	for i, p := range parts {
		if i > 0 {
			out += sep
		}
		out += p
	}
	return out
}

// RemoveDeletedUIDs implements §4.3's RemoveDeletedUIDs: per-UID, deletes
// the ImapUid row; if the owning Message is a draft with no other UIDs it
// is deleted synchronously (and its Thread if left empty); otherwise the
// Message is tombstoned (I3).
func (s *SQLStore) RemoveDeletedUIDs(ctx context.Context, accountID, folderID int64, uids map[uint32]struct{}) error {
	for uid := range uids {
		if err := s.removeOneUID(ctx, accountID, folderID, uid); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLStore) removeOneUID(ctx context.Context, accountID, folderID int64, uid uint32) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var messageID int64
	var isDraft bool
	err = tx.QueryRowContext(ctx, s.rebind(`
		SELECT message_id, is_draft FROM imap_uids WHERE account_id = ? AND folder_id = ? AND uid = ?
	`), accountID, folderID, uid).Scan(&messageID, &isDraft)
	if errors.Is(err, sql.ErrNoRows) {
		return nil
	}
	if err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, s.rebind(`
		DELETE FROM imap_uids WHERE account_id = ? AND folder_id = ? AND uid = ?
	`), accountID, folderID, uid); err != nil {
		return err
	}

	var remaining int
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM imap_uids WHERE message_id = ?`), messageID).Scan(&remaining); err != nil {
		return err
	}

	var publicID string
	var namespaceID int64
	var threadID sql.NullInt64
	if err := tx.QueryRowContext(ctx, s.rebind(`SELECT public_id, namespace_id, thread_id FROM messages WHERE id = ?`), messageID).Scan(&publicID, &namespaceID, &threadID); err != nil {
		return err
	}

	if remaining == 0 && isDraft {
		if threadID.Valid {
			if _, err := tx.ExecContext(ctx, s.rebind(`
				UPDATE threads SET message_count = message_count - 1, updated_at = ? WHERE id = ? AND message_count > 0
			`), time.Now().UTC(), threadID.Int64); err != nil {
				return err
			}
		}
		if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM messages WHERE id = ?`), messageID); err != nil {
			return err
		}
		if threadID.Valid {
			var threadPublicID string
			var count int
			if err := tx.QueryRowContext(ctx, s.rebind(`SELECT public_id, message_count FROM threads WHERE id = ?`), threadID.Int64).Scan(&threadPublicID, &count); err == nil && count == 0 {
				if _, err := tx.ExecContext(ctx, s.rebind(`DELETE FROM threads WHERE id = ?`), threadID.Int64); err != nil {
					return err
				}
				if err := s.appendTransaction(ctx, tx, namespaceID, "thread", threadPublicID, store.TxDelete); err != nil {
					return err
				}
			}
		}
		return closeTxWithTransaction(ctx, tx, s, namespaceID, publicID, store.TxDelete)
	}

	if remaining == 0 {
		if _, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE messages SET deleted_at = ?, updated_at = ? WHERE id = ?
		`), time.Now().UTC(), time.Now().UTC(), messageID); err != nil {
			return err
		}
		return closeTxWithTransaction(ctx, tx, s, namespaceID, publicID, store.TxUpdate)
	}

	return tx.Commit()
}

func closeTxWithTransaction(ctx context.Context, tx *sql.Tx, s *SQLStore, namespaceID int64, publicID string, kind store.TransactionKind) error {
	if err := s.appendTransaction(ctx, tx, namespaceID, "message", publicID, kind); err != nil {
		return err
	}
	return tx.Commit()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}
