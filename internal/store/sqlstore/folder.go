package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/closeio/syncengine/internal/store"
)

type folderRepo struct{ s *SQLStore }

const folderColumns = `id, public_id, account_id, name, canonical_name, role, category_id, created_at`

func scanFolder(row interface{ Scan(...any) error }) (*store.Folder, error) {
	var f store.Folder
	var categoryID sql.NullInt64
	if err := row.Scan(&f.ID, &f.PublicID, &f.AccountID, &f.Name, &f.CanonicalName, &f.Role, &categoryID, &f.CreatedAt); err != nil {
		return nil, err
	}
	f.CategoryID = categoryID.Int64
	return &f, nil
}

func (r *folderRepo) List(ctx context.Context, accountID int64) ([]*store.Folder, error) {
	rows, err := r.s.db.QueryContext(ctx, r.s.rebind(`SELECT `+folderColumns+` FROM folders WHERE account_id = ?`), accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*store.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

func (r *folderRepo) Get(ctx context.Context, id int64) (*store.Folder, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+folderColumns+` FROM folders WHERE id = ?`), id)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (r *folderRepo) GetByName(ctx context.Context, accountID int64, name string) (*store.Folder, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`SELECT `+folderColumns+` FROM folders WHERE account_id = ? AND name = ?`), accountID, name)
	f, err := scanFolder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return f, err
}

func (r *folderRepo) Create(ctx context.Context, f *store.Folder) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	f.ID = r.s.nextID()
	f.PublicID = newPublicID()
	f.CreatedAt = time.Now().UTC()

	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		INSERT INTO folders (id, public_id, account_id, name, canonical_name, role, category_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`), f.ID, f.PublicID, f.AccountID, f.Name, f.CanonicalName, f.Role, nullInt64(f.CategoryID), f.CreatedAt); err != nil {
		return err
	}

	acc, err := r.s.accounts.Get(ctx, f.AccountID)
	if err == nil && acc != nil {
		if err := r.s.appendTransaction(ctx, tx, acc.NamespaceID, "folder", f.PublicID, store.TxInsert); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *folderRepo) Update(ctx context.Context, f *store.Folder) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		UPDATE folders SET name = ?, canonical_name = ?, role = ?, category_id = ? WHERE id = ?
	`), f.Name, f.CanonicalName, f.Role, nullInt64(f.CategoryID), f.ID); err != nil {
		return err
	}

	acc, err := r.s.accounts.Get(ctx, f.AccountID)
	if err == nil && acc != nil {
		if err := r.s.appendTransaction(ctx, tx, acc.NamespaceID, "folder", f.PublicID, store.TxUpdate); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r *folderRepo) Delete(ctx context.Context, id int64) error {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	f, err := r.s.folders.Get(ctx, id)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, r.s.rebind(`DELETE FROM folders WHERE id = ?`), id); err != nil {
		return err
	}
	if f != nil {
		if acc, err := r.s.accounts.Get(ctx, f.AccountID); err == nil && acc != nil {
			if err := r.s.appendTransaction(ctx, tx, acc.NamespaceID, "folder", f.PublicID, store.TxDelete); err != nil {
				return err
			}
		}
	}
	return tx.Commit()
}

func nullInt64(v int64) sql.NullInt64 {
	if v == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: v, Valid: true}
}
