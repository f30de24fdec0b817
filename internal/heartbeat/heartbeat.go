// Package heartbeat is the heartbeat publisher (C4): a coarse liveness
// signal keyed by (account, folder) written to a shared key-value store on
// every significant folder sync engine step. External monitoring consumes
// it; the core never reads its own heartbeats back to make decisions.
package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/logging"
)

// AliveExpiry is the default window after which a heartbeat is considered
// stale (§4.4).
const AliveExpiry = 480 * time.Second

// KVStore is the minimal key-value interface the publisher needs: a
// per-folder timestamp entry, a per-account sorted set of folder
// timestamps, and a global sorted set of oldest-heartbeat-per-account
// (§6's key-value schema). RedisKV is the production implementation;
// MemoryKV backs tests.
type KVStore interface {
	// SetFolderHeartbeat records ts as folder's latest heartbeat and adds it
	// to account's sorted set keyed by folder.
	SetFolderHeartbeat(ctx context.Context, accountID, folderID, state string, ts time.Time) error
	// FolderHeartbeat returns the most recent (ts, state) for (account, folder).
	FolderHeartbeat(ctx context.Context, accountID, folderID string) (ts time.Time, state string, ok bool, err error)
	// OldestAccountHeartbeat returns the oldest folder heartbeat timestamp
	// recorded for accountID, i.e. the account's worst-case liveness.
	OldestAccountHeartbeat(ctx context.Context, accountID string) (time.Time, bool, error)
	// RemoveAccount drops every heartbeat key for accountID (on account removal).
	RemoveAccount(ctx context.Context, accountID string) error
}

// Publisher writes heartbeats and answers liveness queries (§4.4).
type Publisher struct {
	kv     KVStore
	expiry time.Duration
	log    zerolog.Logger
}

func NewPublisher(kv KVStore) *Publisher {
	return &Publisher{kv: kv, expiry: AliveExpiry, log: logging.WithComponent("heartbeat")}
}

// WithExpiry overrides AliveExpiry, mainly for tests.
func (p *Publisher) WithExpiry(d time.Duration) *Publisher {
	p.expiry = d
	return p
}

// Publish records a heartbeat for (accountID, folderID) with the given
// engine state (§4.5's state machine states serialize to the `state`
// string, e.g. "poll", "initial_uidinvalid").
func (p *Publisher) Publish(ctx context.Context, accountID, folderID, state string) error {
	if err := p.kv.SetFolderHeartbeat(ctx, accountID, folderID, state, time.Now().UTC()); err != nil {
		return fmt.Errorf("heartbeat: publish %s/%s: %w", accountID, folderID, err)
	}
	return nil
}

// IsAlive reports whether (accountID, folderID) has heartbeated within the
// configured expiry window.
func (p *Publisher) IsAlive(ctx context.Context, accountID, folderID string) (bool, error) {
	ts, _, ok, err := p.kv.FolderHeartbeat(ctx, accountID, folderID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return time.Since(ts) < p.expiry, nil
}

// IsAccountAlive reports whether every folder heartbeated for accountID is
// within the expiry window, i.e. the account's oldest heartbeat is fresh.
func (p *Publisher) IsAccountAlive(ctx context.Context, accountID string) (bool, error) {
	oldest, ok, err := p.kv.OldestAccountHeartbeat(ctx, accountID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return time.Since(oldest) < p.expiry, nil
}

func (p *Publisher) RemoveAccount(ctx context.Context, accountID string) error {
	return p.kv.RemoveAccount(ctx, accountID)
}
