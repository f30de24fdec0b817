package imapsession

import (
	"context"
	"fmt"
	"time"

	"github.com/emersion/go-imap/v2"
)

// Mailbox describes one remote folder as observed via LIST/SELECT/STATUS.
type Mailbox struct {
	Name       string
	Delimiter  string
	Attributes []string

	UIDValidity   uint32
	UIDNext       uint32
	Messages      uint32
	Unseen        uint32
	HighestModSeq uint64
}

// ListMailboxes returns every mailbox visible to the account.
func (c *Client) ListMailboxes(ctx context.Context) ([]*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imapsession: not connected")
	}
	listCmd := c.client.List("", "*", &imap.ListOptions{ReturnStatus: nil})
	var out []*Mailbox
	for {
		mbox := listCmd.Next()
		if mbox == nil {
			break
		}
		mb := &Mailbox{Name: mbox.Mailbox, Delimiter: string(mbox.Delim)}
		for _, a := range mbox.Attrs {
			mb.Attributes = append(mb.Attributes, string(a))
		}
		out = append(out, mb)
	}
	if err := listCmd.Close(); err != nil {
		return nil, fmt.Errorf("imapsession: list: %w", err)
	}
	return out, nil
}

// SelectMailbox opens name for read-write and returns its current status.
func (c *Client) SelectMailbox(ctx context.Context, name string) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imapsession: not connected")
	}
	data, err := withCancel(ctx, func() (*imap.SelectData, error) {
		return c.client.Select(name, nil).Wait()
	})
	if err != nil {
		return nil, fmt.Errorf("imapsession: select %s: %w", name, err)
	}
	return &Mailbox{
		Name:          name,
		UIDValidity:   data.UIDValidity,
		UIDNext:       uint32(data.UIDNext),
		Messages:      data.NumMessages,
		HighestModSeq: data.HighestModSeq,
	}, nil
}

// GetMailboxStatus fetches status without selecting the mailbox, requesting
// HIGHESTMODSEQ only when the server supports CONDSTORE.
func (c *Client) GetMailboxStatus(ctx context.Context, name string) (*Mailbox, error) {
	if c.client == nil {
		return nil, fmt.Errorf("imapsession: not connected")
	}
	opts := &imap.StatusOptions{NumMessages: true, UIDNext: true, UIDValidity: true, NumUnseen: true}
	if c.SupportsCondStore() {
		opts.HighestModSeq = true
	}
	data, err := withCancel(ctx, func() (*imap.StatusData, error) {
		return c.client.Status(name, opts).Wait()
	})
	if err != nil {
		return nil, fmt.Errorf("imapsession: status %s: %w", name, err)
	}
	mb := &Mailbox{Name: name, UIDValidity: data.UIDValidity, HighestModSeq: data.HighestModSeq}
	if data.UIDNext != 0 {
		mb.UIDNext = uint32(data.UIDNext)
	}
	if data.NumMessages != nil {
		mb.Messages = *data.NumMessages
	}
	if data.NumUnseen != nil {
		mb.Unseen = *data.NumUnseen
	}
	return mb, nil
}

// SearchAll runs UID SEARCH ALL and returns every matching UID, used for
// initial-sync UID enumeration (§4.5 initial state).
func (c *Client) SearchAll(ctx context.Context) ([]imap.UID, error) {
	data, err := withCancel(ctx, func() (*imap.SearchData, error) {
		return c.client.UIDSearch(&imap.SearchCriteria{}, nil).Wait()
	})
	if err != nil {
		return nil, fmt.Errorf("imapsession: uid search: %w", err)
	}
	return data.AllUIDs(), nil
}

// SearchModifiedSince runs UID SEARCH MODSEQ n, the CONDSTORE-accelerated
// poll used when the server advertises CONDSTORE (§4.5 poll state).
func (c *Client) SearchModifiedSince(ctx context.Context, modSeq uint64) ([]imap.UID, error) {
	data, err := withCancel(ctx, func() (*imap.SearchData, error) {
		return c.client.UIDSearch(&imap.SearchCriteria{
			ModSeq: &imap.SearchCriteriaModSeq{ModSeq: modSeq},
		}, nil).Wait()
	})
	if err != nil {
		return nil, fmt.Errorf("imapsession: uid search modseq: %w", err)
	}
	return data.AllUIDs(), nil
}

// FetchedMessage is one UID FETCH result: envelope metadata plus the raw
// RFC 5322 bytes, streamed directly from the wire.
type FetchedMessage struct {
	UID           imap.UID
	Flags         []imap.Flag
	InternalDate  time.Time
	RFC822Size    int64
	Envelope      *imap.Envelope
	GmailThreadID uint64 // always 0: FetchRange requests no Gmail extension items
	GmailMsgID    uint64
	GmailLabels   []string
	Raw           []byte
}

// UIDFetchOptions controls which BODY/extension data FetchRange requests.
type UIDFetchOptions struct {
	WithBody   bool
	WithGmail  bool // not read by FetchRange; no Gmail extension items are requested
}

// FetchRange streams UID FETCH results for the given UID set.
func (c *Client) FetchRange(ctx context.Context, uids imap.UIDSet, opts UIDFetchOptions) ([]*FetchedMessage, error) {
	items := &imap.FetchOptions{
		Flags:        true,
		InternalDate: true,
		RFC822Size:   true,
		Envelope:     true,
	}
	if opts.WithBody {
		items.BodySection = []*imap.FetchItemBodySection{{}}
	}

	fetchCmd := c.client.Fetch(uids, items)
	var out []*FetchedMessage
	for {
		msg := fetchCmd.Next()
		if msg == nil {
			break
		}
		fm := &FetchedMessage{}
		for {
			item := msg.Next()
			if item == nil {
				break
			}
			switch v := item.(type) {
			case imap.FetchItemDataUID:
				fm.UID = v.UID
			case imap.FetchItemDataFlags:
				fm.Flags = v.Flags
			case imap.FetchItemDataInternalDate:
				fm.InternalDate = v.Time
			case imap.FetchItemDataRFC822Size:
				fm.RFC822Size = v.Size
			case imap.FetchItemDataEnvelope:
				fm.Envelope = v.Envelope
			case imap.FetchItemDataBodySection:
				if v.Literal != nil {
					buf := make([]byte, 0, v.Size)
					tmp := make([]byte, 32*1024)
					for {
						n, rerr := v.Literal.Read(tmp)
						if n > 0 {
							buf = append(buf, tmp[:n]...)
						}
						if rerr != nil {
							break
						}
					}
					fm.Raw = buf
				}
			}
		}
		out = append(out, fm)
	}
	if err := fetchCmd.Close(); err != nil {
		return nil, fmt.Errorf("imapsession: fetch: %w", err)
	}
	return out, nil
}

// AddFlags adds flags to the given UIDs silently (no untagged FETCH
// responses requested back).
func (c *Client) AddFlags(ctx context.Context, uids imap.UIDSet, flags []imap.Flag) error {
	if uids.String() == "" {
		return nil
	}
	cmd := c.client.Store(uids, &imap.StoreFlags{Op: imap.StoreFlagsAdd, Flags: flags, Silent: true}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imapsession: store +flags: %w", err)
	}
	return nil
}

// RemoveFlags removes flags from the given UIDs silently.
func (c *Client) RemoveFlags(ctx context.Context, uids imap.UIDSet, flags []imap.Flag) error {
	if uids.String() == "" {
		return nil
	}
	cmd := c.client.Store(uids, &imap.StoreFlags{Op: imap.StoreFlagsDel, Flags: flags, Silent: true}, nil)
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imapsession: store -flags: %w", err)
	}
	return nil
}

// CopyUIDs copies messages to destMailbox, the portable half of MOVE on
// servers without the MOVE extension (§4.9 move action).
func (c *Client) CopyUIDs(ctx context.Context, uids imap.UIDSet, destMailbox string) error {
	if uids.String() == "" {
		return nil
	}
	_, err := withCancel(ctx, func() (*imap.CopyData, error) {
		return c.client.Copy(uids, destMailbox).Wait()
	})
	if err != nil {
		return fmt.Errorf("imapsession: copy: %w", err)
	}
	return nil
}

// MoveUIDs uses the MOVE extension when available, falling back to
// COPY + mark-deleted + EXPUNGE otherwise.
func (c *Client) MoveUIDs(ctx context.Context, uids imap.UIDSet, destMailbox string) error {
	if uids.String() == "" {
		return nil
	}
	if c.HasCap(imap.CapMove) {
		_, err := withCancel(ctx, func() (*imap.MoveData, error) {
			return c.client.Move(uids, destMailbox).Wait()
		})
		if err != nil {
			return fmt.Errorf("imapsession: move: %w", err)
		}
		return nil
	}
	if err := c.CopyUIDs(ctx, uids, destMailbox); err != nil {
		return err
	}
	if err := c.AddFlags(ctx, uids, []imap.Flag{imap.FlagDeleted}); err != nil {
		return err
	}
	return c.ExpungeUIDs(ctx, uids)
}

// ExpungeUIDs permanently removes the given UIDs (they must already carry
// \Deleted). Uses UID EXPUNGE (RFC 4315) when UIDPLUS is available so only
// the named UIDs are affected; otherwise falls back to plain EXPUNGE, which
// removes every \Deleted message in the mailbox.
func (c *Client) ExpungeUIDs(ctx context.Context, uids imap.UIDSet) error {
	if c.SupportsUIDPlus() {
		cmd := c.client.UIDExpunge(uids)
		if err := cmd.Close(); err != nil {
			return fmt.Errorf("imapsession: uid expunge: %w", err)
		}
		return nil
	}
	cmd := c.client.Expunge()
	if err := cmd.Close(); err != nil {
		return fmt.Errorf("imapsession: expunge: %w", err)
	}
	return nil
}

// AppendMessage appends a raw RFC 5322 message and returns its assigned
// UID (requires UIDPLUS; servers without it return UID 0).
func (c *Client) AppendMessage(ctx context.Context, mailbox string, flags []imap.Flag, date time.Time, raw []byte) (imap.UID, error) {
	options := &imap.AppendOptions{Flags: flags}
	if !date.IsZero() {
		options.Time = date
	}
	cmd := c.client.Append(mailbox, int64(len(raw)), options)
	if _, err := cmd.Write(raw); err != nil {
		return 0, fmt.Errorf("imapsession: append write: %w", err)
	}
	if err := cmd.Close(); err != nil {
		return 0, fmt.Errorf("imapsession: append close: %w", err)
	}
	data, err := cmd.Wait()
	if err != nil {
		return 0, fmt.Errorf("imapsession: append: %w", err)
	}
	return data.UID, nil
}
