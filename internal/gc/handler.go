// Package gc is the delete handler (C7): a per-account background sweep
// that hard-deletes Messages whose tombstone has outlived message_ttl,
// reclaims blob store entries no Message references any longer, and
// purges unreferenced Categories and expired empty Threads (§4.7).
//
// Grounded in spilld's spilldb/processor/processor.go Processor.Run, minus
// its buffered wakeup channel: nothing here marks a Message "ready to
// delete" eagerly, so only the ticker drives the loop. The rest of the
// shape — ticker-or-done select, bounded collect, WaitGroup-parallel
// per-item work — is kept as-is.
package gc

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/blobstore"
	"github.com/closeio/syncengine/internal/metrics"
	"github.com/closeio/syncengine/internal/store"
)

// MaxFetch bounds how many tombstoned Messages a single sweep inspects
// (§4.7 step 1).
const MaxFetch = 1000

// Handler is the per-account delete handler; it satisfies
// accountsync.DeleteHandler's Run(ctx) error.
type Handler struct {
	Store store.Store
	Blob  blobstore.Store

	NamespaceID int64
	MessageTTL  time.Duration
	ThreadTTL   time.Duration

	Log zerolog.Logger
}

// Run sweeps every MessageTTL until ctx is cancelled, grounded in
// processor.Run's ticker-select-collect-process loop.
func (h *Handler) Run(ctx context.Context) error {
	interval := h.MessageTTL
	if interval <= 0 {
		interval = 120 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		if err := h.sweepOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			h.Log.Warn().Err(err).Msg("gc sweep failed")
		}
	}
}

// sweepOnce runs one pass of all three sweeps (§4.7).
func (h *Handler) sweepOnce(ctx context.Context) error {
	deletedSHAs, err := h.sweepMessages(ctx)
	if err != nil {
		return err
	}
	if len(deletedSHAs) > 0 {
		if err := h.sweepOrphanedBlobs(ctx, deletedSHAs); err != nil {
			h.Log.Warn().Err(err).Msg("gc blob sweep failed")
		}
	}

	if n, err := h.Store.Categories().SweepUnreferenced(ctx, h.NamespaceID); err != nil {
		h.Log.Warn().Err(err).Msg("gc category sweep failed")
	} else if n > 0 {
		h.Log.Debug().Int("count", n).Msg("swept unreferenced categories")
	}

	threadTTL := h.ThreadTTL
	if threadTTL <= 0 {
		threadTTL = 7 * 24 * time.Hour
	}
	if n, err := h.Store.Threads().SweepExpired(ctx, int64(threadTTL.Seconds()), MaxFetch); err != nil {
		h.Log.Warn().Err(err).Msg("gc thread sweep failed")
	} else if n > 0 {
		h.Log.Debug().Int("count", n).Msg("swept expired threads")
	}

	return nil
}

// sweepMessages hard-deletes Messages tombstoned before message_ttl ago
// (§4.7 step 1-2), returning the set of data_sha256 values it deleted so
// the caller can check whether any are now orphaned in the blob store.
func (h *Handler) sweepMessages(ctx context.Context) (map[string]struct{}, error) {
	cutoff := time.Now().Add(-h.MessageTTL).Unix()
	msgs, err := h.Store.Messages().ListTombstonedBefore(ctx, cutoff, MaxFetch)
	if err != nil {
		return nil, err
	}

	deleted := make(map[string]struct{}, len(msgs))
	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, m := range msgs {
		wg.Add(1)
		go func(m *store.Message) {
			defer wg.Done()
			sha, hardDeleted, err := h.finalizeMessage(ctx, m)
			if err != nil {
				h.Log.Warn().Err(err).Int64("message_id", m.ID).Msg("gc finalize message failed")
				return
			}
			if hardDeleted {
				metrics.GCMessagesDeleted.WithLabelValues(h.namespaceLabel()).Inc()
				mu.Lock()
				deleted[sha] = struct{}{}
				mu.Unlock()
			}
		}(m)
	}
	wg.Wait()

	return deleted, nil
}

// finalizeMessage re-checks a single tombstoned Message: if ImapUids
// reappeared since it was marked deleted it is undeleted (§4.7 step 2,
// P7); otherwise it is unlinked from its Thread (tombstoning the Thread
// if that leaves it empty, else recomputing subject/snippet from the
// surviving messages) and hard-deleted.
func (h *Handler) finalizeMessage(ctx context.Context, m *store.Message) (sha string, hardDeleted bool, err error) {
	count, err := h.Store.Messages().ImapUIDCount(ctx, m.ID)
	if err != nil {
		return "", false, err
	}
	if count > 0 {
		return "", false, h.Store.Messages().Undelete(ctx, m.ID)
	}

	if m.ThreadID != 0 {
		if err := h.Store.Threads().RemoveMessage(ctx, m.ThreadID, m.ID); err != nil {
			return "", false, err
		}
		if err := h.finalizeThread(ctx, m.ThreadID); err != nil {
			return "", false, err
		}
	}

	if err := h.Store.Messages().HardDelete(ctx, m.ID); err != nil {
		return "", false, err
	}
	return m.DataSHA256, true, nil
}

// finalizeThread tombstones a Thread once it has no messages left,
// otherwise recomputes its denormalized subject/snippet (§4.7 step 2).
func (h *Handler) finalizeThread(ctx context.Context, threadID int64) error {
	thread, err := h.Store.Threads().Get(ctx, threadID)
	if err != nil {
		return err
	}
	if thread == nil {
		return nil
	}
	if thread.MessageCount <= 0 {
		return h.Store.Threads().Tombstone(ctx, threadID)
	}
	return h.Store.Threads().Recompute(ctx, threadID)
}

// sweepOrphanedBlobs deletes blob store entries for any sha256 deleted
// this pass that no remaining Message in the namespace references
// (§4.7 step 3).
func (h *Handler) sweepOrphanedBlobs(ctx context.Context, candidates map[string]struct{}) error {
	inUse, err := h.Store.Messages().DistinctSHA256InUse(ctx, h.NamespaceID)
	if err != nil {
		return err
	}

	var orphaned []string
	for sha := range candidates {
		if _, stillUsed := inUse[sha]; !stillUsed {
			orphaned = append(orphaned, sha)
		}
	}
	if len(orphaned) == 0 {
		return nil
	}
	metrics.GCBlobsOrphaned.WithLabelValues(h.namespaceLabel()).Add(float64(len(orphaned)))
	return h.Blob.DeleteMany(ctx, orphaned)
}

func (h *Handler) namespaceLabel() string {
	return strconv.FormatInt(h.NamespaceID, 10)
}
