// Package foldersync is the folder sync engine (C5): one Engine runs the
// initial/poll state machine for a single (Account, Folder) pair, driving
// it from an IMAP session pool into the local store.
//
// Grounded directly on aerion's internal/sync/engine.go SyncMessages and
// SyncFolders (UIDVALIDITY-change resync branch, mass-deletion safeguards,
// descending-UID header-fetch batching, connection-error recovery loop),
// generalized from a single linear pass into the distilled state machine
// with explicit initial/poll/*_uidinvalid/finish states and the
// 5-consecutive-resync circuit breaker.
package foldersync

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/blobstore"
	"github.com/closeio/syncengine/internal/heartbeat"
	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/metrics"
	"github.com/closeio/syncengine/internal/retry"
	"github.com/closeio/syncengine/internal/store"
)

// globalCoordLock is the package-level global coordination semaphore (§5):
// held while an Engine diffs the full remote UID set against the local one
// (the initial state's pass and the poll state's diffExpunges), so two
// folders never race on the same
// O(n)-sized reconciliation pass at once.
var globalCoordLock = semaphore.NewWeighted(1)

// Config carries every tunable named in §4.5/§4.8's throttle rules.
type Config struct {
	PollIntervalInbox time.Duration
	PollIntervalOther time.Duration
	IdleDuration      time.Duration

	SlowFlagsRefreshLimit int
	SlowFlagsCadence      time.Duration
	FastFlagsRefreshLimit int
	FastFlagsCadence      time.Duration

	ModSeqBatchSize int

	ThrottleCount int
	ThrottleWait  time.Duration

	MaxUIDInvalidRetries int

	LargeMailboxUIDThreshold int
	LargeMailboxWindow       time.Duration
}

// DefaultConfig matches the numbers named in §4.5.
func DefaultConfig() Config {
	return Config{
		PollIntervalInbox:        10 * time.Second,
		PollIntervalOther:        30 * time.Second,
		IdleDuration:             60 * time.Second,
		SlowFlagsRefreshLimit:    2000,
		SlowFlagsCadence:         3600 * time.Second,
		FastFlagsRefreshLimit:    100,
		FastFlagsCadence:         30 * time.Second,
		ModSeqBatchSize:          200,
		ThrottleCount:            200,
		ThrottleWait:             60 * time.Second,
		MaxUIDInvalidRetries:     5,
		LargeMailboxUIDThreshold: 1_000_000,
		LargeMailboxWindow:       30 * 24 * time.Hour,
	}
}

// Engine runs the state machine for one (Account, Folder) pair.
type Engine struct {
	Store store.Store
	Pool  *imapsession.Pool
	HB    *heartbeat.Publisher
	Blob  blobstore.Store

	AccountID       int64
	AccountPublicID string
	NamespaceID     int64
	IsThrottled     bool

	Folder   *store.Folder
	IsInbox  bool
	IsGmail  bool
	IsAllMail bool

	Config Config
	Log    zerolog.Logger

	// lastFlagRefresh tracks the slow/fast flag-refresh cadences (§4.5
	// poll state point 1, non-CONDSTORE fallback), in-process only —
	// restarting the engine simply runs an immediate refresh.
	lastSlowRefresh time.Time
	lastFastRefresh time.Time
	lastFlagsDigest string

	downloadedSinceThrottle int
}

// ErrUidInvalid is the sentinel a handler returns to signal that select-time
// UIDVALIDITY tracking observed a bump; Run appends "_uidinvalid" to the
// current state rather than treating this as a normal error.
var ErrUidInvalid = fmt.Errorf("foldersync: uidvalidity changed")

// Run drives the engine until ctx is cancelled, sync_should_run flips to
// false, or a handler moves the engine into the finish state.
func (e *Engine) Run(ctx context.Context) error {
	status, err := e.Store.GetSyncStatus(ctx, e.AccountID, e.Folder.ID)
	if err != nil {
		return fmt.Errorf("foldersync: get sync status: %w", err)
	}

	policy := retry.Default()
	policy.ClassesToFail = []error{context.Canceled}

	state := status.State
	if state == "" {
		state = store.StateInitial
	}

	failures := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		status, err := e.Store.GetSyncStatus(ctx, e.AccountID, e.Folder.ID)
		if err != nil {
			return fmt.Errorf("foldersync: get sync status: %w", err)
		}
		if !status.SyncShouldRun {
			return e.Store.SetSyncState(ctx, e.AccountID, e.Folder.ID, store.StateFinish)
		}

		next, sleepFor, tickErr := e.tick(ctx, state)
		if tickErr != nil {
			failures++
			if failures >= policy.MaxConsecutiveBeforeLogging {
				e.Log.Error().Err(tickErr).Str("state", string(state)).Int("failures", failures).Msg("folder sync tick failing repeatedly")
			} else {
				e.Log.Debug().Err(tickErr).Str("state", string(state)).Msg("folder sync tick failed, retrying")
			}
			if serr := sleepWithJitter(ctx, policy.Backoff, policy.Jitter); serr != nil {
				return serr
			}
			continue
		}
		failures = 0
		state = next
		if state == store.StateFinish {
			return nil
		}

		if sleepFor > 0 {
			if err := sleepWithJitter(ctx, sleepFor, sleepFor/4); err != nil {
				return err
			}
		}
	}
}

// tick dispatches to the handler for the current state and translates
// ErrUidInvalid into the *_uidinvalid transition shared by both
// initial/poll.
func (e *Engine) tick(ctx context.Context, state store.EngineState) (next store.EngineState, sleepFor time.Duration, err error) {
	metrics.FolderSyncTicks.WithLabelValues(string(state)).Inc()
	if e.HB != nil {
		if err := e.HB.Publish(ctx, fmt.Sprint(e.AccountID), fmt.Sprint(e.Folder.ID), string(state)); err != nil {
			e.Log.Debug().Err(err).Msg("heartbeat publish failed")
		}
	}

	var handlerErr error
	var resetsCounter bool
	switch state {
	case store.StateInitial:
		handlerErr = e.runInitial(ctx)
		next = store.StatePoll
		resetsCounter = true
	case store.StateInitialUIDInvalid:
		next, handlerErr = e.runUidInvalid(ctx, store.StateInitial)
	case store.StatePoll:
		sleepFor, handlerErr = e.runPoll(ctx)
		next = store.StatePoll
		resetsCounter = true
	case store.StatePollUIDInvalid:
		next, handlerErr = e.runUidInvalid(ctx, store.StatePoll)
	default:
		return store.StateFinish, 0, nil
	}

	if handlerErr == nil {
		// Only a successful non-resync pass clears the consecutive-resync
		// counter (store.go's ResetUIDInvalidCount doc comment) — resetting
		// it from the *_uidinvalid branch too would make MaxUIDInvalidRetries
		// unreachable, since runUidInvalid's own success path always
		// precedes this point.
		if resetsCounter {
			if err := e.Store.ResetUIDInvalidCount(ctx, e.AccountID, e.Folder.ID); err != nil {
				e.Log.Warn().Err(err).Msg("reset uidinvalid count")
			}
		}
		if err := e.Store.SetSyncState(ctx, e.AccountID, e.Folder.ID, next); err != nil {
			return next, sleepFor, err
		}
		return next, sleepFor, nil
	}

	if handlerErr == ErrUidInvalid || isUidInvalid(handlerErr) {
		invalidState := state + "_uidinvalid"
		if err := e.Store.SetSyncState(ctx, e.AccountID, e.Folder.ID, invalidState); err != nil {
			return invalidState, 0, err
		}
		return invalidState, 0, nil
	}

	return state, 0, handlerErr
}

func isUidInvalid(err error) bool {
	return imapsession.IsUIDInvalid(err)
}

// runUidInvalid implements the shared "*_uidinvalid" handler: compare
// stored vs. current UIDVALIDITY; if truly greater, discard every ImapUid
// for this folder and fall back to backState. Past MaxUIDInvalidRetries
// consecutive resyncs, the folder sync gives up (and for Inbox, marks the
// whole account invalid) — §4.5.
func (e *Engine) runUidInvalid(ctx context.Context, backState store.EngineState) (store.EngineState, error) {
	count, err := e.Store.IncrementUIDInvalidCount(ctx, e.AccountID, e.Folder.ID)
	if err != nil {
		return backState, fmt.Errorf("foldersync: increment uidinvalid count: %w", err)
	}
	if count > e.Config.MaxUIDInvalidRetries {
		e.Log.Error().Str("folder", e.Folder.Name).Int("count", count).Msg("folder sync exiting after repeated UIDVALIDITY resyncs")
		if e.IsInbox {
			if merr := e.Store.Accounts().MarkInvalid(ctx, e.AccountID, "repeated UIDVALIDITY resyncs on Inbox"); merr != nil {
				e.Log.Error().Err(merr).Msg("mark account invalid")
			}
		}
		return store.StateFinish, nil
	}

	conn, err := e.Pool.GetConnection(ctx, e.AccountPublicID)
	if err != nil {
		return backState, fmt.Errorf("foldersync: get connection: %w", err)
	}
	defer e.Pool.Release(conn)

	mb, err := conn.Client().GetMailboxStatus(ctx, e.Folder.Name)
	if err != nil {
		return backState, fmt.Errorf("foldersync: status %s: %w", e.Folder.Name, err)
	}

	info, err := e.Store.GetFolderInfo(ctx, e.AccountID, e.Folder.ID)
	if err != nil {
		return backState, fmt.Errorf("foldersync: get folder info: %w", err)
	}

	if info != nil && mb.UIDValidity <= info.UIDValidity {
		// False alarm: the server re-announced the same (or a stale lower)
		// UIDVALIDITY, not a genuine reset. Resume where we left off.
		return backState, nil
	}
	metrics.UIDValidityResyncs.WithLabelValues(string(e.Folder.Role)).Inc()

	locals, err := e.Store.LocalUIDs(ctx, e.AccountID, e.Folder.ID, 0)
	if err != nil {
		return backState, fmt.Errorf("foldersync: local uids: %w", err)
	}
	if len(locals) > 0 {
		if err := e.Store.RemoveDeletedUIDs(ctx, e.AccountID, e.Folder.ID, locals); err != nil {
			return backState, fmt.Errorf("foldersync: discard uids on uidvalidity change: %w", err)
		}
	}

	if err := e.Store.UpsertFolderInfo(ctx, &store.ImapFolderInfo{
		AccountID:   e.AccountID,
		FolderID:    e.Folder.ID,
		UIDValidity: mb.UIDValidity,
		UIDNext:     mb.UIDNext,
	}); err != nil {
		return backState, fmt.Errorf("foldersync: upsert folder info after uidvalidity change: %w", err)
	}

	return store.StateInitial, nil
}

func sleepWithJitter(ctx context.Context, base, jitter time.Duration) error {
	delay := base
	if jitter > 0 {
		delay += time.Duration(rand.Int63n(int64(jitter) + 1))
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
