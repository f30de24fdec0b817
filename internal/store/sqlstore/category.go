package sqlstore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/closeio/syncengine/internal/store"
)

type categoryRepo struct{ s *SQLStore }

const categoryColumns = `id, public_id, namespace_id, canonical_name, display_name, type`

func scanCategory(row interface{ Scan(...any) error }) (*store.Category, error) {
	var c store.Category
	if err := row.Scan(&c.ID, &c.PublicID, &c.NamespaceID, &c.CanonicalName, &c.DisplayName, &c.Type); err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *categoryRepo) GetOrCreate(ctx context.Context, namespaceID int64, canonicalName, displayName string, typ store.FolderRole) (*store.Category, error) {
	row := r.s.db.QueryRowContext(ctx, r.s.rebind(`
		SELECT `+categoryColumns+` FROM categories WHERE namespace_id = ? AND canonical_name = ? AND display_name = ?
	`), namespaceID, canonicalName, displayName)
	c, err := scanCategory(row)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	c = &store.Category{
		ID:            r.s.nextID(),
		PublicID:      newPublicID(),
		NamespaceID:   namespaceID,
		CanonicalName: canonicalName,
		DisplayName:   displayName,
		Type:          typ,
	}

	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, r.s.rebind(`
		INSERT INTO categories (id, public_id, namespace_id, canonical_name, display_name, type)
		VALUES (?, ?, ?, ?, ?, ?)
	`), c.ID, c.PublicID, c.NamespaceID, c.CanonicalName, c.DisplayName, c.Type); err != nil {
		return nil, err
	}
	if err := r.s.appendTransaction(ctx, tx, namespaceID, "category", c.PublicID, store.TxInsert); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return c, nil
}

// SweepUnreferenced deletes Categories that no Folder references (§4.7
// step 4).
func (r *categoryRepo) SweepUnreferenced(ctx context.Context, namespaceID int64) (int, error) {
	tx, err := r.s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, r.s.rebind(`
		SELECT id, public_id FROM categories WHERE namespace_id = ? AND id NOT IN (
			SELECT category_id FROM folders WHERE category_id IS NOT NULL
		)
	`), namespaceID)
	if err != nil {
		return 0, err
	}
	type unreferenced struct {
		id       int64
		publicID string
	}
	var victims []unreferenced
	for rows.Next() {
		var v unreferenced
		if err := rows.Scan(&v.id, &v.publicID); err != nil {
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
		if _, err := tx.ExecContext(ctx, r.s.rebind(`DELETE FROM categories WHERE id = ?`), v.id); err != nil {
			return 0, err
		}
		if err := r.s.appendTransaction(ctx, tx, namespaceID, "category", v.publicID, store.TxDelete); err != nil {
			return 0, err
		}
	}
	return len(victims), tx.Commit()
}
