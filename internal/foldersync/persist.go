package foldersync

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap/v2"

	"github.com/closeio/syncengine/internal/blobstore"
	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/metrics"
	"github.com/closeio/syncengine/internal/store"
)

func providerLabel(isGmail bool) string {
	if isGmail {
		return "gmail"
	}
	return "generic_imap"
}

// persistFetchedMessage pushes a freshly-downloaded message's raw bytes
// into the blob store, computes its thread key, and creates the Message/
// ImapUid rows (create_message, §3/§4.5).
func (e *Engine) persistFetchedMessage(ctx context.Context, m *imapsession.FetchedMessage) error {
	sha := blobstore.Sha256Hex(m.Raw)
	if err := e.Blob.Save(ctx, sha, m.Raw); err != nil {
		return fmt.Errorf("foldersync: save blob: %w", err)
	}

	var subject, from, messageIDHeader string
	if m.Envelope != nil {
		subject = m.Envelope.Subject
		messageIDHeader = m.Envelope.MessageID
		if len(m.Envelope.From) > 0 {
			from = m.Envelope.From[0].Addr()
		}
	}
	references := extractReferences(m.Raw)
	inReplyTo := extractInReplyTo(m.Raw)

	seen, flagged, draft := false, false, false
	for _, f := range m.Flags {
		switch f {
		case imap.FlagSeen:
			seen = true
		case imap.FlagFlagged:
			flagged = true
		case imap.FlagDraft:
			draft = true
		}
	}

	msg, err := e.Store.CreateImapMessage(ctx, e.AccountID, e.Folder.ID, e.NamespaceID, &store.NewMessage{
		UID:             uint32(m.UID),
		Raw:             m.Raw,
		DataSHA256:      sha,
		Subject:         subject,
		FromAddr:        from,
		MessageIDHeader: messageIDHeader,
		InReplyTo:       inReplyTo,
		References:      references,
		ReceivedDate:    m.InternalDate,
		Size:            int(m.RFC822Size),
		Seen:            seen,
		Flagged:         flagged,
		Draft:           draft,
		GmailThrID:      m.GmailThreadID,
		GmailMsgID:      m.GmailMsgID,
		Labels:          m.GmailLabels,
	})
	if err != nil {
		return fmt.Errorf("foldersync: create imap message: %w", err)
	}
	metrics.MessagesDownloaded.WithLabelValues(providerLabel(e.IsGmail)).Inc()

	key := e.threadKey(messageIDHeader, inReplyTo, references, subject)
	if _, err := e.assignThread(ctx, key, msg.ID, subject); err != nil {
		return fmt.Errorf("foldersync: assign thread: %w", err)
	}

	if e.IsGmail && len(m.GmailLabels) > 0 {
		if err := e.reconcileLabels(ctx, m.GmailLabels); err != nil {
			e.Log.Warn().Err(err).Msg("reconcile gmail labels")
		}
	}

	return nil
}

// reconcileLabels creates any Gmail label named in remoteLabels that isn't
// already known locally (§4.5 Gmail extensions: "labels not present locally
// are created and added"). It never removes or tombstones a label, and
// nothing in this module calls LabelRepo.DeleteTombstonedUnreferenced.
func (e *Engine) reconcileLabels(ctx context.Context, remoteLabels []string) error {
	for _, name := range remoteLabels {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		existing, err := e.Store.Labels().GetByName(ctx, e.AccountID, name)
		if err != nil {
			return err
		}
		if existing == nil {
			if err := e.Store.Labels().Create(ctx, &store.Label{AccountID: e.AccountID, Name: name}); err != nil {
				return err
			}
		}
	}
	return nil
}
