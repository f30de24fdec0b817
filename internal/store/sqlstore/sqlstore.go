// Package sqlstore implements internal/store.Store over database/sql,
// targeting either modernc.org/sqlite (single-process/dev/test) or Postgres
// via pgx (production, multi-process). It is grounded in the teacher's
// internal/message/store.go and internal/draft/store.go hand-scanning
// style, generalized from a single desktop account to the full entity set
// in §3, and in internal/database/migrations.go's versioned-migration
// pattern (see internal/dbutil).
package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/dbutil"
	"github.com/closeio/syncengine/internal/logging"
	"github.com/closeio/syncengine/internal/store"
)

// SQLStore is the database/sql-backed implementation of store.Store.
type SQLStore struct {
	db  *dbutil.DB
	log zerolog.Logger

	idMu   sync.Mutex
	lastID int64

	accounts     *accountRepo
	folders      *folderRepo
	labels       *labelRepo
	threads      *threadRepo
	categories   *categoryRepo
	actionLogs   *actionLogRepo
	transactions *transactionRepo
	messages     *messageRepo
}

// Open opens (and migrates) a SQLStore at the given database URL.
func Open(url string) (*SQLStore, error) {
	db, err := dbutil.Open(url)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlstore: migrate: %w", err)
	}
	s := &SQLStore{db: db, log: logging.WithComponent("sqlstore")}
	s.accounts = &accountRepo{s: s}
	s.folders = &folderRepo{s: s}
	s.labels = &labelRepo{s: s}
	s.threads = &threadRepo{s: s}
	s.categories = &categoryRepo{s: s}
	s.actionLogs = &actionLogRepo{s: s}
	s.transactions = &transactionRepo{s: s}
	s.messages = &messageRepo{s: s}
	return s, nil
}

func (s *SQLStore) Close() error { return s.db.Close() }

func (s *SQLStore) Accounts() store.AccountRepo         { return s.accounts }
func (s *SQLStore) Folders() store.FolderRepo           { return s.folders }
func (s *SQLStore) Labels() store.LabelRepo             { return s.labels }
func (s *SQLStore) Threads() store.ThreadRepo           { return s.threads }
func (s *SQLStore) Categories() store.CategoryRepo      { return s.categories }
func (s *SQLStore) ActionLogs() store.ActionLogRepo     { return s.actionLogs }
func (s *SQLStore) Transactions() store.TransactionRepo { return s.transactions }
func (s *SQLStore) Messages() store.MessageRepo         { return s.messages }

// nextID allocates a process-local, time-ordered, collision-avoiding
// integer id, following spilld processor.go's monotonic ReadyDate pattern
// (UnixNano with a mutex-guarded bump on collision) rather than relying on
// database-specific autoincrement/serial syntax that would otherwise
// diverge between sqlite and Postgres.
func (s *SQLStore) nextID() int64 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	n := time.Now().UnixNano()
	if n <= s.lastID {
		n = s.lastID + 1
	}
	s.lastID = n
	return n
}

func newPublicID() string { return uuid.NewString() }

func (s *SQLStore) rebind(q string) string { return s.db.Rebind(q) }

// appendTransaction records one Transaction row in the given unit of work;
// call sites that mutate a user-visible entity (Account, Folder, Message,
// Thread, Category) call this once per mutation, never for
// ImapFolderInfo/ImapFolderSyncStatus which are internal bookkeeping.
func (s *SQLStore) appendTransaction(ctx context.Context, tx *sql.Tx, namespaceID int64, objectType, objectPublicID string, kind store.TransactionKind) error {
	_, err := tx.ExecContext(ctx, s.rebind(`
		INSERT INTO transactions (id, namespace_id, object_type, object_public_id, kind, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), s.nextID(), namespaceID, objectType, objectPublicID, string(kind), time.Now().UTC())
	return err
}
