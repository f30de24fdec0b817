package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/closeio/syncengine/internal/store"
)

type accountRepo struct{ s *SQLStore }

func scanAccount(row interface{ Scan(...any) error }) (*store.Account, error) {
	var a store.Account
	var throttled sql.NullTime
	err := row.Scan(
		&a.ID, &a.PublicID, &a.NamespaceID, &a.Provider, &a.EmailAddress,
		&a.SyncHost, &a.DesiredSyncHost, &a.SyncState, &a.SyncShouldRun,
		&a.LastSyncError, &a.FolderPrefix, &a.FolderSeparator, &throttled,
		&a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if throttled.Valid {
		a.ThrottledUntil = throttled.Time
	}
	return &a, nil
}

const accountColumns = `id, public_id, namespace_id, provider, email_address,
	sync_host, desired_sync_host, sync_state, sync_should_run,
	last_sync_error, folder_prefix, folder_separator, throttled_until,
	created_at, updated_at`

func (r *accountRepo) Get(ctx context.Context, id int64) (*store.Account, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE id = ?`), id)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *accountRepo) GetByPublicID(ctx context.Context, publicID string) (*store.Account, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE public_id = ?`), publicID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *accountRepo) GetByNamespaceID(ctx context.Context, namespaceID int64) (*store.Account, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+accountColumns+` FROM accounts WHERE namespace_id = ?`), namespaceID)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return a, err
}

func (r *accountRepo) List(ctx context.Context) ([]*store.Account, error) {
	rows, err := r.s.db.QueryContext(ctx, `SELECT `+accountColumns+` FROM accounts`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListEffectiveHost returns accounts whose effective owner is
// hostProcessID, per §4.8's three allowed (desired_sync_host, sync_host)
// combinations: both equal to us, desired empty and sync_host equal to us,
// or desired equal to us and sync_host empty (not yet claimed, but directed
// here and eligible to be claimed by this poll).
func (r *accountRepo) ListEffectiveHost(ctx context.Context, hostProcessID string) ([]*store.Account, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`
		SELECT `+accountColumns+` FROM accounts
		WHERE sync_should_run = TRUE AND sync_state != 'marked_for_deletion' AND (
			sync_host = ?
			OR (desired_sync_host = ? AND sync_host = '')
			OR (desired_sync_host = '' AND sync_host = ?)
		)
	`), hostProcessID, hostProcessID, hostProcessID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// accountIdentity fetches the (namespace_id, public_id) pair appendTransaction
// needs, within the caller's transaction so it sees the locked row.
func (r *accountRepo) accountIdentity(ctx context.Context, tx *sql.Tx, accountID int64) (int64, string, error) {
	var namespaceID int64
	var publicID string
	err := tx.QueryRowContext(ctx, r.s.rebind(`SELECT namespace_id, public_id FROM accounts WHERE id = ?`), accountID).
		Scan(&namespaceID, &publicID)
	return namespaceID, publicID, err
}

// ClaimAccount enforces I1: exactly one process owns an account at a time.
// It locks the row (SELECT ... FOR UPDATE on Postgres; sqlite's single
// writer serializes this implicitly) then writes sync_host only if
// currently unclaimed, already ours, or steal is explicitly allowed.
func (r *accountRepo) ClaimAccount(ctx context.Context, accountID int64, processID string, allowSteal bool) (bool, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	lockQuery := `SELECT sync_host FROM accounts WHERE id = ?`
	if r.s.db.Dialect == "postgres" {
		lockQuery += ` FOR UPDATE`
	}
	var currentHost string
	if err := tx.QueryRowContext(ctx, r.s.rebind(lockQuery), accountID).Scan(&currentHost); err != nil {
		return false, fmt.Errorf("claim account: %w", err)
	}

	if currentHost != "" && currentHost != processID && !allowSteal {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, r.s.rebind(`UPDATE accounts SET sync_host = ?, updated_at = ? WHERE id = ?`),
		processID, time.Now().UTC(), accountID); err != nil {
		return false, err
	}

	namespaceID, publicID, err := r.accountIdentity(ctx, tx, accountID)
	if err != nil {
		return false, fmt.Errorf("claim account: %w", err)
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "account", publicID, store.TxUpdate); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ReleaseAccount clears sync_host, but only if this process still owns it
// (a host never clears another host's claim).
func (r *accountRepo) ReleaseAccount(ctx context.Context, accountID int64, processID string) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE accounts SET sync_host = '', updated_at = ? WHERE id = ? AND sync_host = ?
	`), time.Now().UTC(), accountID, processID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}

	namespaceID, publicID, err := r.accountIdentity(ctx, tx, accountID)
	if err != nil {
		return fmt.Errorf("release account: %w", err)
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "account", publicID, store.TxUpdate); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *accountRepo) MarkInvalid(ctx context.Context, accountID int64, reason string) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE accounts SET sync_state = 'invalid', sync_should_run = FALSE, last_sync_error = ?, updated_at = ? WHERE id = ?
	`), reason, time.Now().UTC(), accountID); err != nil {
		return err
	}

	namespaceID, publicID, err := r.accountIdentity(ctx, tx, accountID)
	if err != nil {
		return fmt.Errorf("mark invalid: %w", err)
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "account", publicID, store.TxUpdate); err != nil {
		return err
	}
	return tx.Commit()
}

func (r *accountRepo) SetSyncShouldRun(ctx context.Context, accountID int64, run bool) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE accounts SET sync_should_run = ?, updated_at = ? WHERE id = ?
	`), run, time.Now().UTC(), accountID); err != nil {
		return err
	}

	namespaceID, publicID, err := r.accountIdentity(ctx, tx, accountID)
	if err != nil {
		return fmt.Errorf("set sync should run: %w", err)
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "account", publicID, store.TxUpdate); err != nil {
		return err
	}
	return tx.Commit()
}
