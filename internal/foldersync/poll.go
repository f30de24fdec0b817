package foldersync

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/store"
)

// runPoll implements §4.5's poll state handler: check_uid_changes, then
// either IDLE (Inbox with IDLE support) or sleep poll_frequency before the
// next tick. Returns the sleep duration the caller should honor (IDLE
// itself blocks inline, so it returns 0 once it unblocks).
func (e *Engine) runPoll(ctx context.Context) (time.Duration, error) {
	conn, err := e.Pool.GetConnection(ctx, e.AccountPublicID)
	if err != nil {
		return 0, fmt.Errorf("foldersync: get connection: %w", err)
	}

	if err := e.checkUIDChanges(ctx, conn.Client()); err != nil {
		e.Pool.Release(conn)
		return 0, err
	}

	if e.IsInbox && conn.Client().SupportsIdle() {
		e.Pool.Release(conn)
		return 0, e.idleOnce(ctx)
	}
	e.Pool.Release(conn)

	if e.IsInbox {
		return e.Config.PollIntervalInbox, nil
	}
	return e.Config.PollIntervalOther, nil
}

// idleOnce blocks in IDLE on a dedicated connection for IdleDuration plus
// up to a quarter of it in random jitter; runPoll returns no further sleep
// after it, so this is the whole wait before the next poll tick.
func (e *Engine) idleOnce(ctx context.Context) error {
	idleFor := e.Config.IdleDuration + time.Duration(rand.Int63n(int64(e.Config.IdleDuration/4)+1))
	idleCtx, cancel := context.WithTimeout(ctx, idleFor)
	defer cancel()

	conn, err := e.Pool.GetConnection(ctx, e.AccountPublicID)
	if err != nil {
		return fmt.Errorf("foldersync: get connection for idle: %w", err)
	}
	defer e.Pool.Release(conn)

	raw := conn.Client().RawClient()
	idleCmd, err := raw.Idle()
	if err != nil {
		// "Unexpected IDLE response" and similar must not bubble up as a
		// hard failure; the connection simply stays out of IDLE for this
		// cycle and the next poll tick tries normally (§4.5 edge cases).
		e.Log.Debug().Err(err).Msg("idle start failed, falling back to plain sleep")
		return sleepWithJitter(ctx, e.Config.IdleDuration, e.Config.IdleDuration/4)
	}
	<-idleCtx.Done()
	if err := idleCmd.Close(); err != nil {
		e.Log.Debug().Err(err).Msg("idle close")
	}
	return nil
}

// checkUIDChanges fetches UIDNEXT/HIGHESTMODSEQ and applies whichever
// reconciliation path the server supports (§4.5 poll state point 1).
func (e *Engine) checkUIDChanges(ctx context.Context, c *imapsession.Client) error {
	mb, err := c.GetMailboxStatus(ctx, e.Folder.Name)
	if err != nil {
		return fmt.Errorf("foldersync: status: %w", err)
	}

	info, err := e.Store.GetFolderInfo(ctx, e.AccountID, e.Folder.ID)
	if err != nil {
		return fmt.Errorf("foldersync: get folder info: %w", err)
	}
	if info != nil && mb.UIDValidity > info.UIDValidity {
		return &imapsession.UIDInvalidError{Folder: e.Folder.Name, Stored: info.UIDValidity, Current: mb.UIDValidity}
	}

	if err := e.downloadNewUIDs(ctx, c, info, mb); err != nil {
		return err
	}

	if c.SupportsCondStore() {
		if err := e.applyModSeqChanges(ctx, c, info, mb); err != nil {
			return err
		}
	} else {
		if err := e.refreshFlags(ctx, c); err != nil {
			return err
		}
	}

	return e.Store.UpsertFolderInfo(ctx, &store.ImapFolderInfo{
		AccountID:     e.AccountID,
		FolderID:      e.Folder.ID,
		UIDValidity:   mb.UIDValidity,
		UIDNext:       mb.UIDNext,
		HighestModSeq: mb.HighestModSeq,
	})
}

// downloadNewUIDs fetches anything above lastSeenUID — the cheap path that
// runs regardless of CONDSTORE support.
func (e *Engine) downloadNewUIDs(ctx context.Context, c *imapsession.Client, info *store.ImapFolderInfo, mb *imapsession.Mailbox) error {
	if info != nil && mb.UIDNext == info.UIDNext {
		return nil
	}
	lastSeen, err := e.Store.LastSeenUID(ctx, e.AccountID, e.Folder.ID)
	if err != nil {
		return fmt.Errorf("foldersync: last seen uid: %w", err)
	}

	all, err := c.SearchAll(ctx)
	if err != nil {
		return fmt.Errorf("foldersync: search all: %w", err)
	}
	var newUIDs []uint32
	for _, u := range all {
		if uint32(u) > lastSeen {
			newUIDs = append(newUIDs, uint32(u))
		}
	}
	sort.Slice(newUIDs, func(i, j int) bool { return newUIDs[i] < newUIDs[j] })
	return e.downloadUIDs(ctx, c, newUIDs)
}

// applyModSeqChanges is the CONDSTORE-accelerated path: SEARCH MODSEQ for
// the UIDs changed since the stored HIGHESTMODSEQ, then FETCH their flags
// in batches of ModSeqBatchSize in ascending UID order, then a UID-set diff
// to catch expunges. The batches are not ordered by modseq and nothing is
// checkpointed between them: the new HIGHESTMODSEQ is stored only once, by
// checkUIDChanges after the whole pass. A decreased server HIGHESTMODSEQ is
// accepted by lowering the stored value without resyncing (§4.5 edge case).
func (e *Engine) applyModSeqChanges(ctx context.Context, c *imapsession.Client, info *store.ImapFolderInfo, mb *imapsession.Mailbox) error {
	var storedModSeq uint64
	if info != nil {
		storedModSeq = info.HighestModSeq
	}
	if mb.HighestModSeq <= storedModSeq {
		if mb.HighestModSeq < storedModSeq {
			e.Log.Debug().Uint64("server", mb.HighestModSeq).Uint64("stored", storedModSeq).Msg("server HIGHESTMODSEQ decreased, adjusting stored value")
		}
		return e.diffExpunges(ctx, c)
	}

	changed, err := c.SearchModifiedSince(ctx, storedModSeq)
	if err != nil {
		return fmt.Errorf("foldersync: search modseq: %w", err)
	}
	sort.Slice(changed, func(i, j int) bool { return changed[i] < changed[j] })

	for start := 0; start < len(changed); start += e.Config.ModSeqBatchSize {
		end := start + e.Config.ModSeqBatchSize
		if end > len(changed) {
			end = len(changed)
		}
		batch := changed[start:end]

		set := imap.UIDSet{}
		for _, u := range batch {
			set.AddNum(u)
		}
		msgs, err := c.FetchRange(ctx, set, imapsession.UIDFetchOptions{WithGmail: e.IsGmail})
		if err != nil {
			return fmt.Errorf("foldersync: fetch changed: %w", err)
		}
		if err := e.applyFlagChanges(ctx, msgs); err != nil {
			return err
		}
	}

	return e.diffExpunges(ctx, c)
}

// diffExpunges diffs the full remote UID set against local to catch
// expunges that a CHANGEDSINCE FETCH alone wouldn't surface (CONDSTORE
// doesn't report deletions).
func (e *Engine) diffExpunges(ctx context.Context, c *imapsession.Client) error {
	if err := globalCoordLock.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("foldersync: acquire coordination lock: %w", err)
	}
	defer globalCoordLock.Release(1)

	remote, err := c.SearchAll(ctx)
	if err != nil {
		return fmt.Errorf("foldersync: search all: %w", err)
	}
	remoteSet := make(map[uint32]struct{}, len(remote))
	for _, u := range remote {
		remoteSet[uint32(u)] = struct{}{}
	}

	local, err := e.Store.LocalUIDs(ctx, e.AccountID, e.Folder.ID, 0)
	if err != nil {
		return fmt.Errorf("foldersync: local uids: %w", err)
	}

	missing := map[uint32]struct{}{}
	for uid := range local {
		if _, ok := remoteSet[uid]; !ok {
			missing[uid] = struct{}{}
		}
	}
	if len(remoteSet) == 0 && len(local) > 0 {
		return nil
	}
	if len(missing) == 0 {
		return nil
	}
	return e.Store.RemoveDeletedUIDs(ctx, e.AccountID, e.Folder.ID, missing)
}

// applyFlagChanges translates fetched flag/label state into FlagMap deltas
// and calls UpdateMetadata in one batch.
func (e *Engine) applyFlagChanges(ctx context.Context, msgs []*imapsession.FetchedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	changes := make([]store.FlagMap, 0, len(msgs))
	for _, m := range msgs {
		seen, flagged, deleted := false, false, false
		for _, f := range m.Flags {
			switch f {
			case imap.FlagSeen:
				seen = true
			case imap.FlagFlagged:
				flagged = true
			case imap.FlagDeleted:
				deleted = true
			}
		}
		changes = append(changes, store.FlagMap{
			UID:        uint32(m.UID),
			Seen:       &seen,
			Flagged:    &flagged,
			Deleted:    &deleted,
			GmailThrID: m.GmailThreadID,
			GmailMsgID: m.GmailMsgID,
			LabelsAdd:  m.GmailLabels,
		})
	}
	return e.Store.UpdateMetadata(ctx, e.AccountID, e.Folder.ID, e.Folder.Role, changes)
}

// refreshFlags is the non-CONDSTORE fallback: diffs the full remote UID set
// against local on every call (the only expunge-detection path available
// without CONDSTORE, P1), then periodically re-fetches flags for the most
// recent UIDs on a slow (SlowFlagsRefreshLimit/3600s) and fast
// (FastFlagsRefreshLimit/30s) cadence, skipping the write entirely when the
// response is identical to the previous refresh's response, whichever
// cadence produced it (§4.5 point 1).
func (e *Engine) refreshFlags(ctx context.Context, c *imapsession.Client) error {
	if err := e.diffExpunges(ctx, c); err != nil {
		return err
	}

	now := time.Now()

	limit := 0
	if now.Sub(e.lastSlowRefresh) >= e.Config.SlowFlagsCadence {
		limit = e.Config.SlowFlagsRefreshLimit
		e.lastSlowRefresh = now
	} else if now.Sub(e.lastFastRefresh) >= e.Config.FastFlagsCadence {
		limit = e.Config.FastFlagsRefreshLimit
		e.lastFastRefresh = now
	} else {
		return nil
	}

	all, err := c.SearchAll(ctx)
	if err != nil {
		return fmt.Errorf("foldersync: search all: %w", err)
	}
	sort.Slice(all, func(i, j int) bool { return all[i] > all[j] })
	if len(all) > limit {
		all = all[:limit]
	}
	if len(all) == 0 {
		return nil
	}

	set := imap.UIDSet{}
	for _, u := range all {
		set.AddNum(u)
	}
	msgs, err := c.FetchRange(ctx, set, imapsession.UIDFetchOptions{})
	if err != nil {
		return fmt.Errorf("foldersync: fetch for flag refresh: %w", err)
	}

	digest := flagsDigest(msgs)
	if digest == e.lastFlagsDigest {
		return nil
	}
	e.lastFlagsDigest = digest
	return e.applyFlagChanges(ctx, msgs)
}

func flagsDigest(msgs []*imapsession.FetchedMessage) string {
	s := ""
	for _, m := range msgs {
		s += fmt.Sprintf("%d:%v;", m.UID, m.Flags)
	}
	return s
}
