package foldersync

import (
	"context"
	"fmt"

	"golang.org/x/sync/semaphore"

	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/store"
)

// LabelRenameHandler reacts to a Gmail "folder rename", which IMAP exposes
// only as a label-text change rather than a dedicated event: it re-SEARCHes
// every syncable folder for the new label name and refreshes affected
// message metadata, all under a single-holder semaphore (§4.5 Gmail
// extensions) so two renames observed back to back collapse into one pass
// instead of duplicating the work. Grounded in aerion's idle.go
// running/stopCh single-holder guard, generalized from "one IDLE connection
// per account" to "one rename sweep per account."
type LabelRenameHandler struct {
	sem             *semaphore.Weighted
	pool            *imapsession.Pool
	store           store.Store
	accountID       int64
	accountPublicID string
	log             zerolog.Logger
}

// NewLabelRenameHandler builds a handler sharing sem with every other
// LabelRenameHandler constructed for the same account (accountsync.Monitor's
// LabelRenameSemaphore), so overlapping renames observed back to back
// collapse onto one in-flight sweep rather than each handler guarding its
// own private lock.
func NewLabelRenameHandler(pool *imapsession.Pool, st store.Store, accountID int64, accountPublicID string, sem *semaphore.Weighted, log zerolog.Logger) *LabelRenameHandler {
	return &LabelRenameHandler{
		sem:             sem,
		pool:            pool,
		store:           st,
		accountID:       accountID,
		accountPublicID: accountPublicID,
		log:             log,
	}
}

// HandleRename sweeps folders for newLabelName. If a sweep is already in
// flight for this account, the call is dropped rather than queued — the
// in-flight sweep will observe the same new label and any overlapping
// rename naturally resolves to the same result.
func (h *LabelRenameHandler) HandleRename(ctx context.Context, folders []*store.Folder, newLabelName string) error {
	if !h.sem.TryAcquire(1) {
		h.log.Debug().Str("label", newLabelName).Msg("label rename sweep already running, dropping duplicate")
		return nil
	}
	defer h.sem.Release(1)

	if _, err := h.store.Labels().GetByName(ctx, h.accountID, newLabelName); err != nil {
		return fmt.Errorf("foldersync: lookup label: %w", err)
	}

	for _, f := range folders {
		if err := h.sweepFolder(ctx, f, newLabelName); err != nil {
			h.log.Warn().Err(err).Str("folder", f.Name).Msg("label rename sweep failed for folder")
		}
	}
	return nil
}

func (h *LabelRenameHandler) sweepFolder(ctx context.Context, f *store.Folder, label string) error {
	conn, err := h.pool.GetConnection(ctx, h.accountPublicID)
	if err != nil {
		return err
	}
	defer h.pool.Release(conn)

	if _, err := conn.Client().SelectMailbox(ctx, f.Name); err != nil {
		return err
	}
	uids, err := conn.Client().SearchAll(ctx)
	if err != nil {
		return err
	}
	if len(uids) == 0 {
		return nil
	}

	set := imapUIDSet(uids)
	msgs, err := conn.Client().FetchRange(ctx, set, imapsession.UIDFetchOptions{WithGmail: true})
	if err != nil {
		return err
	}

	var changes []store.FlagMap
	for _, m := range msgs {
		for _, l := range m.GmailLabels {
			if l == label {
				changes = append(changes, store.FlagMap{UID: uint32(m.UID), LabelsAdd: []string{label}})
				break
			}
		}
	}
	if len(changes) == 0 {
		return nil
	}
	return h.store.UpdateMetadata(ctx, h.accountID, f.ID, f.Role, changes)
}
