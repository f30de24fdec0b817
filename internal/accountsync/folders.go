// Package accountsync is the account sync monitor (C6): one Monitor
// supervises every syncable Folder within a single Account, spawning a
// foldersync.Engine per folder and a delete handler for the account.
//
// Grounded in aerion's internal/sync/scheduler.go Scheduler (per-account
// state tracking via a mutex-guarded map of running state) generalized
// from "one account, one inbox, one ticker" into "one account, N folders,
// one engine goroutine per folder, wait-for-poll-state handshake between
// spawns" (§4.6 point 2), and on spilld's boxmgmt.go per-id lazy registry
// pattern for the folder-engine-by-id map.
package accountsync

import (
	"context"
	"fmt"
	"strings"

	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/store"
)

// detectRole maps a remote mailbox's SPECIAL-USE attributes and, failing
// that, its name, onto a store.FolderRole. Grounded in aerion's client.go
// determineFolderType, adapted to operate on imapsession.Mailbox's string
// attribute slice instead of raw imap.MailboxAttr values.
func detectRole(mb *imapsession.Mailbox) store.FolderRole {
	for _, attr := range mb.Attributes {
		switch strings.ToLower(attr) {
		case `\all`:
			return store.RoleAll
		case `\archive`:
			return store.RoleArchive
		case `\drafts`:
			return store.RoleDrafts
		case `\junk`:
			return store.RoleSpam
		case `\sent`:
			return store.RoleSent
		case `\trash`:
			return store.RoleTrash
		case `\flagged`:
			return store.RoleStarred
		}
	}
	switch strings.ToLower(mb.Name) {
	case "inbox":
		return store.RoleInbox
	case "sent", "sent mail", "sent items":
		return store.RoleSent
	case "drafts":
		return store.RoleDrafts
	case "trash", "deleted items", "deleted messages":
		return store.RoleTrash
	case "spam", "junk", "junk e-mail":
		return store.RoleSpam
	case "archive", "all mail", "[gmail]/all mail":
		return store.RoleArchive
	}
	return store.RoleNone
}

// reconcileFolders lists remote mailboxes and reconciles them against the
// persisted Folder rows (§4.6 point 1): creates missing rows; for generic
// IMAP accounts, removes Folder rows whose mailbox no longer exists
// remotely; for Gmail, absent mailboxes
// instead tombstone the corresponding Label rather than deleting the
// Folder outright, since Gmail "folders" are labels under the hood.
func (m *Monitor) reconcileFolders(ctx context.Context) ([]*store.Folder, error) {
	conn, err := m.Pool.GetConnection(ctx, m.AccountPublicID)
	if err != nil {
		return nil, fmt.Errorf("accountsync: get connection: %w", err)
	}
	defer m.Pool.Release(conn)

	remote, err := conn.Client().ListMailboxes(ctx)
	if err != nil {
		return nil, fmt.Errorf("accountsync: list mailboxes: %w", err)
	}

	existing, err := m.Store.Folders().List(ctx, m.AccountID)
	if err != nil {
		return nil, fmt.Errorf("accountsync: list folders: %w", err)
	}
	byName := make(map[string]*store.Folder, len(existing))
	for _, f := range existing {
		byName[f.Name] = f
	}

	firstTimeSyncingFolders := len(existing) == 0

	seen := make(map[string]struct{}, len(remote))
	var folders []*store.Folder
	var newNames []string
	for _, mb := range remote {
		seen[mb.Name] = struct{}{}
		if f, ok := byName[mb.Name]; ok {
			folders = append(folders, f)
			continue
		}
		f := &store.Folder{
			AccountID:     m.AccountID,
			Name:          mb.Name,
			CanonicalName: strings.ToLower(mb.Name),
			Role:          detectRole(mb),
		}
		if err := m.Store.Folders().Create(ctx, f); err != nil {
			return nil, fmt.Errorf("accountsync: create folder %s: %w", mb.Name, err)
		}
		folders = append(folders, f)
		newNames = append(newNames, mb.Name)
	}

	for name, f := range byName {
		if _, ok := seen[name]; ok {
			continue
		}
		if m.IsGmail {
			label, err := m.Store.Labels().GetByName(ctx, m.AccountID, name)
			if err != nil {
				m.Log.Warn().Err(err).Str("folder", name).Msg("lookup label for absent gmail folder")
				continue
			}
			if label != nil {
				if err := m.Store.Labels().Tombstone(ctx, label.ID); err != nil {
					m.Log.Warn().Err(err).Str("label", name).Msg("tombstone absent gmail label")
				}
			}
			continue
		}
		if err := m.Store.Folders().Delete(ctx, f.ID); err != nil {
			m.Log.Warn().Err(err).Str("folder", name).Msg("delete absent folder")
		}
	}

	// A freshly-seen Gmail label is only suspected of being a rename once
	// this account has synced folders before (a brand new account's very
	// first reconcile sees every label as "new" and would otherwise sweep
	// every folder needlessly) — matches gmail.py's
	// first_time_syncing_folders guard around starting LabelRenameHandler.
	if m.IsGmail && !firstTimeSyncingFolders && m.labelRenameHandler != nil {
		for _, name := range newNames {
			m.wg.Add(1)
			go func(label string) {
				defer m.wg.Done()
				if err := m.labelRenameHandler.HandleRename(ctx, folders, label); err != nil {
					m.Log.Warn().Err(err).Str("label", label).Msg("label rename sweep failed")
				}
			}(name)
		}
	}

	return folders, nil
}
