// Package store is the transactional local store adapter (C3): persistence
// of Account, Folder, Label, ImapFolderInfo, ImapFolderSyncStatus, ImapUid,
// Message, Thread, Category, ActionLog and Transaction.
package store

import "time"

// SyncState is one of Account's lifecycle states.
type SyncState string

const (
	SyncRunning          SyncState = "running"
	SyncInvalid          SyncState = "invalid"
	SyncStopped          SyncState = "stopped"
	SyncMarkedForDeletion SyncState = "marked_for_deletion"
)

// ProviderKind names the remote mail provider, driving folder-name
// normalization and capability assumptions (see internal/provider).
type ProviderKind string

const (
	ProviderGmail     ProviderKind = "gmail"
	ProviderGeneric   ProviderKind = "generic_imap"
	ProviderMicrosoft ProviderKind = "microsoft"
)

// Account is a mail account under sync.
type Account struct {
	ID               int64        `json:"-"`
	PublicID         string       `json:"id"`
	NamespaceID      int64        `json:"namespace_id"`
	Provider         ProviderKind `json:"provider"`
	EmailAddress     string       `json:"email_address"`
	SyncHost         string       `json:"sync_host"`         // owning process identifier, "" if unclaimed
	DesiredSyncHost  string       `json:"desired_sync_host"` // operator directive
	SyncState        SyncState    `json:"sync_state"`
	SyncShouldRun    bool         `json:"sync_should_run"`
	LastSyncError    string       `json:"last_sync_error,omitempty"`
	FolderPrefix     string       `json:"folder_prefix,omitempty"`
	FolderSeparator  string       `json:"folder_separator,omitempty"`
	ThrottledUntil   time.Time    `json:"throttled_until,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// FolderRole is the canonical role of a Folder/Category.
type FolderRole string

const (
	RoleInbox   FolderRole = "inbox"
	RoleSent    FolderRole = "sent"
	RoleDrafts  FolderRole = "drafts"
	RoleTrash   FolderRole = "trash"
	RoleSpam    FolderRole = "spam"
	RoleArchive FolderRole = "archive"
	RoleAll     FolderRole = "all"
	RoleImportant FolderRole = "important"
	RoleStarred FolderRole = "starred"
	RoleNone    FolderRole = "none"
)

// Folder belongs to an Account; mirrors a remote IMAP mailbox.
type Folder struct {
	ID         int64      `json:"-"`
	PublicID   string     `json:"id"`
	AccountID  int64      `json:"account_id"`
	Name       string     `json:"name"`       // remote display name (IMAP mailbox path)
	CanonicalName string  `json:"canonical_name"`
	Role       FolderRole `json:"role"`
	CategoryID int64      `json:"category_id"`
	CreatedAt  time.Time  `json:"created_at"`
}

// Label is a Gmail-only server-side tag.
type Label struct {
	ID          int64      `json:"-"`
	PublicID    string     `json:"id"`
	AccountID   int64      `json:"account_id"`
	Name        string     `json:"name"`
	CanonicalRole FolderRole `json:"canonical_role,omitempty"`
	Tombstoned  bool       `json:"tombstoned"`
	TombstonedAt time.Time `json:"tombstoned_at,omitempty"`
}

// ImapFolderInfo remembers per-(Account,Folder) IMAP session state.
type ImapFolderInfo struct {
	AccountID       int64     `json:"account_id"`
	FolderID        int64     `json:"folder_id"`
	UIDValidity     uint32    `json:"uidvalidity"`
	UIDNext         uint32    `json:"uidnext"`
	HighestModSeq   uint64    `json:"highestmodseq"`
	LastSlowRefresh time.Time `json:"last_slow_refresh"`
}

// EngineState is a Folder sync engine's current state machine position.
type EngineState string

const (
	StateInitial           EngineState = "initial"
	StateInitialUIDInvalid EngineState = "initial_uidinvalid"
	StatePoll              EngineState = "poll"
	StatePollUIDInvalid    EngineState = "poll_uidinvalid"
	StateFinish            EngineState = "finish"
)

// ImapFolderSyncStatus tracks a Folder sync engine's live state.
type ImapFolderSyncStatus struct {
	AccountID     int64       `json:"account_id"`
	FolderID      int64       `json:"folder_id"`
	State         EngineState `json:"state"`
	SyncShouldRun bool        `json:"sync_should_run"`
	UIDInvalidCount int       `json:"uid_invalid_count"` // consecutive resyncs; >5 stops the engine
	MetricsFetched  int64     `json:"metrics_fetched"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// ImapUid is the (Account, Folder, UID) triple owning a back-reference to a Message.
type ImapUid struct {
	AccountID int64     `json:"account_id"`
	FolderID  int64     `json:"folder_id"`
	UID       uint32    `json:"uid"`
	MessageID int64     `json:"message_id"`
	IsSeen    bool      `json:"is_seen"`
	IsFlagged bool      `json:"is_flagged"`
	IsDraft   bool      `json:"is_draft"`
	IsDeleted bool      `json:"is_deleted"` // \Deleted flag, pending expunge
	GmailThrID uint64   `json:"gmail_thrid,omitempty"`
	GmailMsgID uint64   `json:"gmail_msgid,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Message is content-identified by DataSHA256, the key into the blob store.
type Message struct {
	ID           int64     `json:"-"`
	PublicID     string    `json:"id"`
	NamespaceID  int64     `json:"namespace_id"`
	DataSHA256   string    `json:"data_sha256"`
	MessageIDHeader string `json:"message_id_header,omitempty"`
	Subject      string    `json:"subject"`
	FromAddr     string    `json:"from_addr"`
	ReceivedDate time.Time `json:"received_date"`
	IsRead       bool      `json:"is_read"`
	IsStarred    bool      `json:"is_starred"`
	IsDraft      bool      `json:"is_draft"`
	Size         int       `json:"size"`
	ThreadID     int64     `json:"thread_id,omitempty"`
	Version      int64     `json:"version"`
	DeletedAt    time.Time `json:"deleted_at,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Tombstoned reports whether the message has a DeletedAt marker set.
func (m *Message) Tombstoned() bool { return !m.DeletedAt.IsZero() }

// Thread groups Messages by provider thread key (§3: max 500 messages).
const MaxMessagesPerThread = 500

type Thread struct {
	ID          int64     `json:"-"`
	PublicID    string    `json:"id"`
	NamespaceID int64     `json:"namespace_id"`
	ThreadKey   string    `json:"thread_key"` // X-GM-THRID or generic heuristic key
	Subject     string    `json:"subject"`
	Snippet     string    `json:"snippet"`
	MessageCount int      `json:"message_count"`
	DeletedAt   time.Time `json:"deleted_at,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Category is a namespace-scoped label/folder handle exposed to the API.
type Category struct {
	ID            int64      `json:"-"`
	PublicID      string     `json:"id"`
	NamespaceID   int64      `json:"namespace_id"`
	CanonicalName string     `json:"canonical_name"`
	DisplayName   string     `json:"display_name"`
	Type          FolderRole `json:"type"`
}

// ActionStatus is an ActionLog entry's application status.
type ActionStatus string

const (
	ActionPending    ActionStatus = "pending"
	ActionSuccessful ActionStatus = "successful"
	ActionFailed     ActionStatus = "failed"
)

// ActionKind enumerates every syncback mutation the core applies remotely.
type ActionKind string

const (
	ActionSaveDraft      ActionKind = "save_draft"
	ActionDeleteDraft    ActionKind = "delete_draft"
	ActionUpdateDraft    ActionKind = "update_draft"
	ActionSaveSentEmail  ActionKind = "save_sent_email"
	ActionDeleteSentEmail ActionKind = "delete_sent_email"
	ActionMarkUnread     ActionKind = "mark_unread"
	ActionMarkStarred    ActionKind = "mark_starred"
	ActionMove           ActionKind = "move"
	ActionChangeLabels   ActionKind = "change_labels"
	ActionCreateFolder   ActionKind = "create_folder"
	ActionUpdateFolder   ActionKind = "update_folder"
	ActionDeleteFolder   ActionKind = "delete_folder"
	ActionCreateLabel    ActionKind = "create_label"
	ActionUpdateLabel    ActionKind = "update_label"
	ActionDeleteLabel    ActionKind = "delete_label"
	ActionCreateEvent    ActionKind = "create_event"
	ActionUpdateEvent    ActionKind = "update_event"
	ActionDeleteEvent    ActionKind = "delete_event"
)

// ActionLog is an append-only record of an intended remote mutation.
type ActionLog struct {
	ID            int64        `json:"id"`
	NamespaceID   int64        `json:"namespace_id"`
	Action        ActionKind   `json:"action"`
	RecordID      int64        `json:"record_id"`
	ExtraArgs     []byte       `json:"extra_args,omitempty"` // JSON
	Status        ActionStatus `json:"status"`
	Retries       int          `json:"retries"`
	Discriminator string       `json:"discriminator"` // "generic" or "eas"
	CreatedAt     time.Time    `json:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at"`
}

// TransactionKind is the kind of mutation a Transaction records.
type TransactionKind string

const (
	TxInsert TransactionKind = "insert"
	TxUpdate TransactionKind = "update"
	TxDelete TransactionKind = "delete"
)

// Transaction is an append-only record of an entity mutation, consumed by
// an external delta-feed API; the core only writes these.
type Transaction struct {
	ID           int64           `json:"id"`
	NamespaceID  int64           `json:"namespace_id"`
	ObjectType   string          `json:"object_type"`
	ObjectPublicID string        `json:"object_public_id"`
	Kind         TransactionKind `json:"kind"`
	CreatedAt    time.Time       `json:"created_at"`
}
