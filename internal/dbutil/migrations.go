package dbutil

import "fmt"

// Migration is one forward-only schema change.
type Migration struct {
	Version int
	SQL     string
}

// Migrate runs every pending migration in order, recording each applied
// version in a migrations table, following the teacher's
// database.Migrate/applyMigration pattern.
func (db *DB) Migrate() error {
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS migrations (
			version INTEGER PRIMARY KEY,
			applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`); err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}

	var current int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM migrations").Scan(&current); err != nil {
		return fmt.Errorf("failed to get current migration version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		if err := db.applyMigration(m); err != nil {
			return fmt.Errorf("failed to apply migration %d: %w", m.Version, err)
		}
	}
	return nil
}

func (db *DB) applyMigration(m Migration) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration SQL failed: %w", err)
	}
	if _, err := tx.Exec(db.Rebind("INSERT INTO migrations (version) VALUES (?)"), m.Version); err != nil {
		return fmt.Errorf("failed to record migration: %w", err)
	}
	return tx.Commit()
}

// migrations holds every schema version for the core's entities (§3).
// Timestamp/integer types are written so they parse under both sqlite and
// Postgres (TIMESTAMP, BIGINT, TEXT, INTEGER are portable across both).
var migrations = []Migration{
	{
		Version: 1,
		SQL: `
CREATE TABLE accounts (
	id BIGINT PRIMARY KEY,
	public_id TEXT NOT NULL UNIQUE,
	namespace_id BIGINT NOT NULL,
	provider TEXT NOT NULL,
	email_address TEXT NOT NULL,
	sync_host TEXT NOT NULL DEFAULT '',
	desired_sync_host TEXT NOT NULL DEFAULT '',
	sync_state TEXT NOT NULL DEFAULT 'running',
	sync_should_run BOOLEAN NOT NULL DEFAULT TRUE,
	last_sync_error TEXT NOT NULL DEFAULT '',
	folder_prefix TEXT NOT NULL DEFAULT '',
	folder_separator TEXT NOT NULL DEFAULT '',
	throttled_until TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX idx_accounts_sync_host ON accounts(sync_host);

CREATE TABLE folders (
	id BIGINT PRIMARY KEY,
	public_id TEXT NOT NULL UNIQUE,
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	name TEXT NOT NULL,
	canonical_name TEXT NOT NULL DEFAULT '',
	role TEXT NOT NULL DEFAULT 'none',
	category_id BIGINT,
	created_at TIMESTAMP NOT NULL,
	UNIQUE(account_id, name)
);

CREATE TABLE labels (
	id BIGINT PRIMARY KEY,
	public_id TEXT NOT NULL UNIQUE,
	account_id BIGINT NOT NULL REFERENCES accounts(id),
	name TEXT NOT NULL,
	canonical_role TEXT NOT NULL DEFAULT '',
	tombstoned BOOLEAN NOT NULL DEFAULT FALSE,
	tombstoned_at TIMESTAMP,
	UNIQUE(account_id, name)
);

CREATE TABLE imap_folder_info (
	account_id BIGINT NOT NULL,
	folder_id BIGINT NOT NULL,
	uidvalidity BIGINT NOT NULL DEFAULT 0,
	uidnext BIGINT NOT NULL DEFAULT 0,
	highestmodseq BIGINT NOT NULL DEFAULT 0,
	last_slow_refresh TIMESTAMP,
	PRIMARY KEY (account_id, folder_id)
);

CREATE TABLE imap_folder_sync_status (
	account_id BIGINT NOT NULL,
	folder_id BIGINT NOT NULL,
	state TEXT NOT NULL DEFAULT 'initial',
	sync_should_run BOOLEAN NOT NULL DEFAULT TRUE,
	uid_invalid_count INTEGER NOT NULL DEFAULT 0,
	metrics_fetched BIGINT NOT NULL DEFAULT 0,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, folder_id)
);

CREATE TABLE messages (
	id BIGINT PRIMARY KEY,
	public_id TEXT NOT NULL UNIQUE,
	namespace_id BIGINT NOT NULL,
	data_sha256 TEXT NOT NULL,
	message_id_header TEXT NOT NULL DEFAULT '',
	subject TEXT NOT NULL DEFAULT '',
	from_addr TEXT NOT NULL DEFAULT '',
	received_date TIMESTAMP,
	is_read BOOLEAN NOT NULL DEFAULT FALSE,
	is_starred BOOLEAN NOT NULL DEFAULT FALSE,
	is_draft BOOLEAN NOT NULL DEFAULT FALSE,
	size INTEGER NOT NULL DEFAULT 0,
	thread_id BIGINT,
	version BIGINT NOT NULL DEFAULT 0,
	deleted_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX idx_messages_namespace_sha ON messages(namespace_id, data_sha256);
CREATE INDEX idx_messages_deleted_at ON messages(deleted_at);
CREATE INDEX idx_messages_thread ON messages(thread_id);

CREATE TABLE imap_uids (
	account_id BIGINT NOT NULL,
	folder_id BIGINT NOT NULL,
	uid BIGINT NOT NULL,
	message_id BIGINT NOT NULL REFERENCES messages(id),
	is_seen BOOLEAN NOT NULL DEFAULT FALSE,
	is_flagged BOOLEAN NOT NULL DEFAULT FALSE,
	is_draft BOOLEAN NOT NULL DEFAULT FALSE,
	is_deleted BOOLEAN NOT NULL DEFAULT FALSE,
	gmail_thrid BIGINT NOT NULL DEFAULT 0,
	gmail_msgid BIGINT NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, folder_id, uid)
);
CREATE INDEX idx_imap_uids_message ON imap_uids(message_id);

CREATE TABLE threads (
	id BIGINT PRIMARY KEY,
	public_id TEXT NOT NULL UNIQUE,
	namespace_id BIGINT NOT NULL,
	thread_key TEXT NOT NULL,
	subject TEXT NOT NULL DEFAULT '',
	snippet TEXT NOT NULL DEFAULT '',
	message_count INTEGER NOT NULL DEFAULT 0,
	deleted_at TIMESTAMP,
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	UNIQUE(namespace_id, thread_key, id)
);
CREATE INDEX idx_threads_namespace_key ON threads(namespace_id, thread_key);

CREATE TABLE categories (
	id BIGINT PRIMARY KEY,
	public_id TEXT NOT NULL UNIQUE,
	namespace_id BIGINT NOT NULL,
	canonical_name TEXT NOT NULL,
	display_name TEXT NOT NULL,
	type TEXT NOT NULL DEFAULT 'none',
	UNIQUE(namespace_id, canonical_name, display_name)
);

CREATE TABLE action_log (
	id BIGINT PRIMARY KEY,
	namespace_id BIGINT NOT NULL,
	action TEXT NOT NULL,
	record_id BIGINT NOT NULL,
	extra_args TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'pending',
	retries INTEGER NOT NULL DEFAULT 0,
	discriminator TEXT NOT NULL DEFAULT 'generic',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX idx_action_log_namespace_status ON action_log(namespace_id, status);
CREATE INDEX idx_action_log_record ON action_log(namespace_id, record_id, action);

CREATE TABLE transactions (
	id BIGINT PRIMARY KEY,
	namespace_id BIGINT NOT NULL,
	object_type TEXT NOT NULL,
	object_public_id TEXT NOT NULL,
	kind TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX idx_transactions_namespace ON transactions(namespace_id, id);
`,
	},
}
