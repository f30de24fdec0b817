package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/emersion/go-imap/v2"

	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/store"
	"github.com/closeio/syncengine/internal/syncback"
)

// imapExecutor is the syncback.ActionExecutor bundled with this process. It
// covers the four coalescible actions (move, mark_unread, mark_starred,
// change_labels), which are also the only ones that mutate an existing
// Message's remote flags/location rather than create or remove a
// provider-side object. Draft/sent-email bookkeeping and folder/label/event
// CRUD need their own remote object lifecycle (building a MIME draft,
// reconciling a server-side label's public id, ...) that nothing in this
// process currently assembles, so they report ErrNotImplemented; building
// those out is tracked separately rather than left silently unhandled.
type imapExecutor struct {
	Store store.Store
	Pool  *imapsession.Pool
}

type moveArgs struct {
	Folder string `json:"folder"`
}

type markUnreadArgs struct {
	Unread bool `json:"unread"`
}

type markStarredArgs struct {
	Starred bool `json:"starred"`
}

type changeLabelsArgs struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

func (e *imapExecutor) Execute(ctx context.Context, account *store.Account, task *syncback.Task) error {
	switch task.Kind {
	case store.ActionMove:
		return e.executeMove(ctx, account, task)
	case store.ActionMarkUnread:
		return e.executeFlag(ctx, account, task, imap.FlagSeen, markUnreadFlagValue)
	case store.ActionMarkStarred:
		return e.executeFlag(ctx, account, task, imap.FlagFlagged, markStarredFlagValue)
	case store.ActionChangeLabels:
		return e.executeChangeLabels(ctx, account, task)
	default:
		return fmt.Errorf("%w: %s", syncback.ErrNotImplemented, task.Kind)
	}
}

func markUnreadFlagValue(raw json.RawMessage) (bool, error) {
	var args markUnreadArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return false, err
	}
	// \Seen means read, so "unread" wants the flag removed.
	return !args.Unread, nil
}

func markStarredFlagValue(raw json.RawMessage) (bool, error) {
	var args markStarredArgs
	if err := json.Unmarshal(raw, &args); err != nil {
		return false, err
	}
	return args.Starred, nil
}

// executeFlag applies a single IMAP flag to every remote location of a
// Message, set if wantSet(task.ExtraArgs) is true, cleared otherwise.
func (e *imapExecutor) executeFlag(ctx context.Context, account *store.Account, task *syncback.Task, flag imap.Flag, want func(json.RawMessage) (bool, error)) error {
	set, err := want(task.ExtraArgs)
	if err != nil {
		return fmt.Errorf("syncbackd: decode args: %w", err)
	}

	return e.forEachLocation(ctx, account, task.RecordID, func(c *imapsession.Client, folderName string, uids imap.UIDSet) error {
		if _, err := c.SelectMailbox(ctx, folderName); err != nil {
			return err
		}
		if set {
			return c.AddFlags(ctx, uids, []imap.Flag{flag})
		}
		return c.RemoveFlags(ctx, uids, []imap.Flag{flag})
	})
}

// executeMove moves every remote location of a Message into the
// destination folder named in ExtraArgs.
func (e *imapExecutor) executeMove(ctx context.Context, account *store.Account, task *syncback.Task) error {
	var args moveArgs
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("syncbackd: decode move args: %w", err)
	}
	if args.Folder == "" {
		return fmt.Errorf("syncbackd: move: empty destination folder")
	}

	return e.forEachLocation(ctx, account, task.RecordID, func(c *imapsession.Client, folderName string, uids imap.UIDSet) error {
		if folderName == args.Folder {
			return nil
		}
		if _, err := c.SelectMailbox(ctx, folderName); err != nil {
			return err
		}
		return c.MoveUIDs(ctx, uids, args.Folder)
	})
}

// executeChangeLabels applies a net label add/remove via the Gmail
// X-GM-LABELS extension. Non-Gmail accounts have no such concept and
// change_labels actions should never be scheduled against them.
func (e *imapExecutor) executeChangeLabels(ctx context.Context, account *store.Account, task *syncback.Task) error {
	if account.Provider != store.ProviderGmail {
		return fmt.Errorf("%w: change_labels on non-gmail account", syncback.ErrNotImplemented)
	}
	var args changeLabelsArgs
	if err := json.Unmarshal(task.ExtraArgs, &args); err != nil {
		return fmt.Errorf("syncbackd: decode change_labels args: %w", err)
	}
	if len(args.Add) == 0 && len(args.Remove) == 0 {
		return nil
	}

	return e.forEachLocation(ctx, account, task.RecordID, func(c *imapsession.Client, folderName string, uids imap.UIDSet) error {
		if _, err := c.SelectMailbox(ctx, folderName); err != nil {
			return err
		}
		if len(args.Add) > 0 {
			if err := c.AddFlags(ctx, uids, gmailLabelFlags(args.Add)); err != nil {
				return err
			}
		}
		if len(args.Remove) > 0 {
			if err := c.RemoveFlags(ctx, uids, gmailLabelFlags(args.Remove)); err != nil {
				return err
			}
		}
		return nil
	})
}

// gmailLabelFlags wraps label names as IMAP flags for Store, matching
// foldersync's reading of X-GM-LABELS as plain flag values.
func gmailLabelFlags(labels []string) []imap.Flag {
	flags := make([]imap.Flag, len(labels))
	for i, l := range labels {
		flags[i] = imap.Flag(l)
	}
	return flags
}

// forEachLocation resolves a Message's current ImapUid rows, groups them by
// folder (a Message can exist in more than one Gmail label/folder at once),
// and runs fn once per folder over a single pooled connection for the
// task's account. ImapUid.AccountID is not consulted: every location is
// reached through that one account's connection.
func (e *imapExecutor) forEachLocation(ctx context.Context, account *store.Account, messageID int64, fn func(c *imapsession.Client, folderName string, uids imap.UIDSet) error) error {
	locations, err := e.Store.Messages().ImapUIDs(ctx, messageID)
	if err != nil {
		return fmt.Errorf("syncbackd: imap uids: %w", err)
	}
	if len(locations) == 0 {
		return nil
	}

	byFolder := make(map[int64][]uint32)
	var order []int64
	for _, loc := range locations {
		if _, seen := byFolder[loc.FolderID]; !seen {
			order = append(order, loc.FolderID)
		}
		byFolder[loc.FolderID] = append(byFolder[loc.FolderID], loc.UID)
	}

	conn, err := e.Pool.GetConnection(ctx, account.PublicID)
	if err != nil {
		return fmt.Errorf("syncbackd: get connection: %w", err)
	}
	defer e.Pool.Release(conn)

	for _, folderID := range order {
		folder, err := e.Store.Folders().Get(ctx, folderID)
		if err != nil {
			return err
		}
		if folder == nil {
			continue
		}
		uidSet := imap.UIDSet{}
		for _, uid := range byFolder[folderID] {
			uidSet.AddNum(imap.UID(uid))
		}
		if err := fn(conn.Client(), folder.Name, uidSet); err != nil {
			return err
		}
	}
	return nil
}
