package store

import (
	"context"
	"time"
)

// FlagMap carries per-UID flag/label deltas applied by UpdateMetadata.
type FlagMap struct {
	UID        uint32
	Seen       *bool
	Flagged    *bool
	Deleted    *bool
	GmailThrID uint64
	GmailMsgID uint64
	LabelsAdd  []string
	LabelsRemove []string
}

// NewMessage is the raw-message payload CreateImapMessage persists.
type NewMessage struct {
	UID          uint32
	Raw          []byte // full MIME body; caller has already pushed it to the blob store under its sha256
	DataSHA256   string
	Subject      string
	FromAddr     string
	MessageIDHeader string
	InReplyTo    string
	References   []string
	ReceivedDate time.Time
	Size         int
	Seen         bool
	Flagged      bool
	Draft        bool
	GmailThrID   uint64
	GmailMsgID   uint64
	Labels       []string
}

// Store is the transactional interface over the core's entities (C3).
// All methods that mutate user-visible entities also append a Transaction
// row in the same unit of work.
type Store interface {
	// LocalUIDs returns the set of UIDs currently known locally for
	// (account, folder), optionally limited to the most recent `limit`.
	LocalUIDs(ctx context.Context, accountID, folderID int64, limit int) (map[uint32]struct{}, error)

	// LastSeenUID returns the max UID known locally, or 0 if none.
	LastSeenUID(ctx context.Context, accountID, folderID int64) (uint32, error)

	// GetFolderInfo returns the ImapFolderInfo row, or nil if none exists.
	GetFolderInfo(ctx context.Context, accountID, folderID int64) (*ImapFolderInfo, error)

	// UpsertFolderInfo creates or updates the ImapFolderInfo row.
	UpsertFolderInfo(ctx context.Context, info *ImapFolderInfo) error

	// GetSyncStatus returns the ImapFolderSyncStatus row, creating a fresh
	// one in StateInitial if it does not exist.
	GetSyncStatus(ctx context.Context, accountID, folderID int64) (*ImapFolderSyncStatus, error)

	// SetSyncState atomically updates the engine state (state transitions
	// are atomic with their persisted status row, per §5).
	SetSyncState(ctx context.Context, accountID, folderID int64, state EngineState) error

	// IncrementUIDInvalidCount bumps the consecutive-resync counter and
	// returns the new value.
	IncrementUIDInvalidCount(ctx context.Context, accountID, folderID int64) (int, error)

	// ResetUIDInvalidCount clears the consecutive-resync counter after a
	// successful non-resync pass.
	ResetUIDInvalidCount(ctx context.Context, accountID, folderID int64) error

	// CreateImapMessage creates a Message (deduplicated on DataSHA256), its
	// ImapUid row and flags for a newly-downloaded message; NewMessage.Labels
	// is not read.
	CreateImapMessage(ctx context.Context, accountID, folderID int64, namespaceID int64, msg *NewMessage) (*Message, error)

	// UpdateMetadata applies a batch of per-UID flag changes and re-derives
	// Message.is_read/is_starred; FlagMap's label and Gmail id fields,
	// is_draft and categories are not touched.
	UpdateMetadata(ctx context.Context, accountID, folderID int64, role FolderRole, changes []FlagMap) error

	// RemoveDeletedUIDs removes UIDs no longer present remotely: deletes the
	// ImapUid row; if the owning Message is a draft with no other UIDs it is
	// deleted synchronously (and its Thread if left empty); otherwise the
	// Message is tombstoned.
	RemoveDeletedUIDs(ctx context.Context, accountID, folderID int64, uids map[uint32]struct{}) error

	// Accounts, Folders, Labels, Threads, Categories, ActionLog and
	// Transaction repositories, used by the scheduler/monitor/syncback/gc
	// components.
	Accounts() AccountRepo
	Folders() FolderRepo
	Labels() LabelRepo
	Threads() ThreadRepo
	Categories() CategoryRepo
	ActionLogs() ActionLogRepo
	Transactions() TransactionRepo
	Messages() MessageRepo

	Close() error
}

// AccountRepo is the Account repository.
type AccountRepo interface {
	Get(ctx context.Context, id int64) (*Account, error)
	GetByPublicID(ctx context.Context, publicID string) (*Account, error)
	GetByNamespaceID(ctx context.Context, namespaceID int64) (*Account, error)
	List(ctx context.Context) ([]*Account, error)
	// ListEffectiveHost returns accounts whose effective owner is hostProcessID:
	// sync_should_run is true and (desired_sync_host, sync_host) match one of
	// the three combinations the scheduler recognizes as "mine" (§4.8).
	ListEffectiveHost(ctx context.Context, hostProcessID string) ([]*Account, error)
	// ClaimAccount sets sync_host = processID under a row lock, but only if
	// the account is currently unclaimed or SyncStealAccounts permits a steal.
	// Returns false if the claim lost a race to another process.
	ClaimAccount(ctx context.Context, accountID int64, processID string, allowSteal bool) (bool, error)
	// ReleaseAccount clears sync_host, but only if it still equals processID.
	ReleaseAccount(ctx context.Context, accountID int64, processID string) error
	MarkInvalid(ctx context.Context, accountID int64, reason string) error
	SetSyncShouldRun(ctx context.Context, accountID int64, run bool) error
}

// FolderRepo is the Folder repository.
type FolderRepo interface {
	List(ctx context.Context, accountID int64) ([]*Folder, error)
	Get(ctx context.Context, id int64) (*Folder, error)
	GetByName(ctx context.Context, accountID int64, name string) (*Folder, error)
	Create(ctx context.Context, f *Folder) error
	Update(ctx context.Context, f *Folder) error
	Delete(ctx context.Context, id int64) error
}

// LabelRepo is the Label repository (Gmail only).
type LabelRepo interface {
	List(ctx context.Context, accountID int64) ([]*Label, error)
	GetByName(ctx context.Context, accountID int64, name string) (*Label, error)
	Create(ctx context.Context, l *Label) error
	Tombstone(ctx context.Context, id int64) error
	DeleteTombstonedUnreferenced(ctx context.Context, accountID int64) (int, error)
}

// ThreadRepo is the Thread repository.
type ThreadRepo interface {
	Get(ctx context.Context, id int64) (*Thread, error)
	GetByKey(ctx context.Context, namespaceID int64, key string) (*Thread, error)
	Create(ctx context.Context, t *Thread) error
	AddMessage(ctx context.Context, threadID, messageID int64) error
	RemoveMessage(ctx context.Context, threadID, messageID int64) error
	Recompute(ctx context.Context, threadID int64) error
	Tombstone(ctx context.Context, threadID int64) error
	SweepExpired(ctx context.Context, olderThanSeconds int64, limit int) (int, error)
}

// CategoryRepo is the Category repository.
type CategoryRepo interface {
	GetOrCreate(ctx context.Context, namespaceID int64, canonicalName, displayName string, typ FolderRole) (*Category, error)
	SweepUnreferenced(ctx context.Context, namespaceID int64) (int, error)
}

// ActionLogRepo is the ActionLog repository used by the syncback processor.
type ActionLogRepo interface {
	// PendingNamespaces returns distinct namespace ids with pending entries
	// whose namespace_id % totalShards falls in shardIDs (the shards this
	// syncback process owns), sampled down to sampleSize.
	PendingNamespaces(ctx context.Context, shardIDs []int, totalShards int, sampleSize int) ([]int64, error)
	// NextPending fetches up to `limit` pending entries for a namespace,
	// ordered by id.
	NextPending(ctx context.Context, namespaceID int64, limit int) ([]*ActionLog, error)
	// CountRecentRetries reports whether any entry for the namespace has
	// retries>0 and was updated within the window (skip-policy check).
	CountRecentRetries(ctx context.Context, namespaceID int64, window int64) (bool, error)
	MarkSuccessful(ctx context.Context, ids []int64) error
	IncrementRetries(ctx context.Context, ids []int64) (int, error)
	MarkFailed(ctx context.Context, ids []int64) error
	// RecentlyCompleted reports whether a move/change_labels action on
	// recordID completed successfully within the window seconds.
	RecentlyCompleted(ctx context.Context, recordID int64, kinds []ActionKind, window int64) (bool, error)
}

// TransactionRepo is the Transaction repository.
type TransactionRepo interface {
	Append(ctx context.Context, tx *Transaction) error
	Purge(ctx context.Context, olderThanSeconds int64, limit int) (int, error)
}

// MessageRepo is the Message repository, exposed for the delete handler and
// tests; regular sync code goes through Store's higher-level methods.
type MessageRepo interface {
	Get(ctx context.Context, id int64) (*Message, error)
	GetByDataSHA256(ctx context.Context, namespaceID int64, sha string) (*Message, error)
	ListTombstonedBefore(ctx context.Context, cutoff int64, limit int) ([]*Message, error)
	ImapUIDCount(ctx context.Context, messageID int64) (int, error)
	// ImapUIDs returns every ImapUid row a Message currently has (it may
	// appear in more than one folder), for resolving which remote
	// account/folder/UID a syncback action's move/flag change applies to.
	ImapUIDs(ctx context.Context, messageID int64) ([]*ImapUid, error)
	Undelete(ctx context.Context, messageID int64) error
	HardDelete(ctx context.Context, messageID int64) error
	DistinctSHA256InUse(ctx context.Context, namespaceID int64) (map[string]struct{}, error)
}
