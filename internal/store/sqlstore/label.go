package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/closeio/syncengine/internal/store"
)

type labelRepo struct{ s *SQLStore }

const labelColumns = `id, public_id, account_id, name, canonical_role, tombstoned, tombstoned_at`

func scanLabel(row interface{ Scan(...any) error }) (*store.Label, error) {
	var l store.Label
	var tombstonedAt sql.NullTime
	if err := row.Scan(&l.ID, &l.PublicID, &l.AccountID, &l.Name, &l.CanonicalRole, &l.Tombstoned, &tombstonedAt); err != nil {
		return nil, err
	}
	if tombstonedAt.Valid {
		l.TombstonedAt = tombstonedAt.Time
	}
	return &l, nil
}

func (r *labelRepo) List(ctx context.Context, accountID int64) ([]*store.Label, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`SELECT `+labelColumns+` FROM labels WHERE account_id = ?`), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Label
	for rows.Next() {
		l, err := scanLabel(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (r *labelRepo) GetByName(ctx context.Context, accountID int64, name string) (*store.Label, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+labelColumns+` FROM labels WHERE account_id = ? AND name = ?`), accountID, name)
	l, err := scanLabel(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return l, err
}

func (r *labelRepo) Create(ctx context.Context, l *store.Label) error {
	l.ID = r.s.nextID()
	l.PublicID = newPublicID()
	_, err := r.s.db.ExecContext(ctx, r.s.rebind(`
		INSERT INTO labels (id, public_id, account_id, name, canonical_role, tombstoned, tombstoned_at)
		VALUES (?, ?, ?, ?, ?, FALSE, NULL)
	`), l.ID, l.PublicID, l.AccountID, l.Name, l.CanonicalRole)
	return err
}

// Tombstone marks a Label as no longer present remotely, without deleting
// it yet (§4.5: "tombstoned but not deleted until a follow-up pass
// confirms no messages reference it").
func (r *labelRepo) Tombstone(ctx context.Context, id int64) error {
	_, err := r.s.db.ExecContext(ctx, r.s.rebind(`
		UPDATE labels SET tombstoned = TRUE, tombstoned_at = ? WHERE id = ?
	`), time.Now().UTC(), id)
	return err
}

// DeleteTombstonedUnreferenced hard-deletes every tombstoned label of the
// account. It applies no grace period and does not check whether any
// message still carries the label.
func (r *labelRepo) DeleteTombstonedUnreferenced(ctx context.Context, accountID int64) (int, error) {
	res, err := r.s.db.ExecContext(ctx, r.s.rebind(`
		DELETE FROM labels WHERE account_id = ? AND tombstoned = TRUE
	`), accountID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
