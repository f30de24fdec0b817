// Package config loads operator-visible tuning knobs from the environment.
//
// Every value has a default matching the numbers named in the sync engine
// design; nothing here is required to be set for a local/dev run.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds every environment-driven knob the core consults.
type Config struct {
	// BaseAliveThreshold is how long a heartbeat is considered live.
	BaseAliveThreshold time.Duration
	// ThrottleCount is how many messages may be downloaded before a throttled
	// account pauses.
	ThrottleCount int
	// ThrottleWait is how long a throttled account pauses for.
	ThrottleWait time.Duration
	// MaxAccountsPerProcess caps how many accounts one scheduler process owns.
	MaxAccountsPerProcess int
	// SyncStealAccounts allows a process to claim accounts that already have
	// a sync_host assigned to a different, presumed-dead process.
	SyncStealAccounts bool
	// SyncbackAssignments maps a syncback_id to the shard ids it owns.
	SyncbackAssignments map[string][]int
	// ImportAttachedEvents controls whether calendar invites found in mail
	// are imported (consumed only by the events pipeline, not by this core;
	// carried through because it is a real operator knob referenced by it).
	ImportAttachedEvents bool
	// CompressRawMIME controls whether blob store writes are zstd-compressed.
	CompressRawMIME bool

	// PollInterval is the scheduler's base poll interval (§4.8).
	PollInterval time.Duration
	// MessageTTL is how long a tombstoned Message waits before hard deletion.
	MessageTTL time.Duration
	// ThreadTTL is how long an empty, tombstoned Thread is kept before purge.
	ThreadTTL time.Duration

	// SyncbackFetchBatchSize is how many pending ActionLog entries one
	// namespace scan fetches per round (§4.9).
	SyncbackFetchBatchSize int
	// SyncbackBatchSize caps how many coalesced Tasks one SyncbackBatchTask
	// carries for a namespace.
	SyncbackBatchSize int
	// SyncbackNumWorkers is the size of the syncback processor's worker pool.
	SyncbackNumWorkers int
	// SyncbackTaskTimeout bounds a single Task's execution, multiplied by the
	// number of ActionLog entries it coalesces.
	SyncbackTaskTimeout time.Duration
	// SyncbackMaxRetries is how many times a failing action is retried before
	// being marked failed permanently.
	SyncbackMaxRetries int
	// SyncbackRetryInterval is the cooldown before a namespace with a recent
	// retry is scanned again.
	SyncbackRetryInterval time.Duration
	// InvalidAccountGracePeriod is how long an invalid/stopped account's
	// pending actions are merely skipped before being marked failed outright.
	InvalidAccountGracePeriod time.Duration
	// SyncbackMoveCooldown is how long after a successful move/change_labels
	// a further move on the same record is skipped (dedup against echoes).
	SyncbackMoveCooldown time.Duration
	// SyncbackSampleSize bounds how many pending namespaces one scheduling
	// round samples.
	SyncbackSampleSize int

	// DatabaseURL is the store connection string (postgres:// or sqlite file path).
	DatabaseURL string
	// RedisURL backs the heartbeat publisher and shared event queue.
	RedisURL string
	// BlobStoreDir is the filesystem root for the default blob store backend.
	BlobStoreDir string

	// Zone scopes the shared event queue so unrelated fleets don't contend.
	Zone string
	// Hostname is this process's host component of Account.sync_host.
	Hostname string
}

// Default returns a Config populated with the spec's documented defaults.
func Default() *Config {
	hostname, _ := os.Hostname()
	return &Config{
		BaseAliveThreshold:    480 * time.Second,
		ThrottleCount:         200,
		ThrottleWait:          60 * time.Second,
		MaxAccountsPerProcess: 150,
		SyncStealAccounts:     false,
		SyncbackAssignments:   map[string][]int{},
		ImportAttachedEvents:  false,
		CompressRawMIME:       true,
		PollInterval:          time.Second,
		MessageTTL:            120 * time.Second,
		ThreadTTL:             7 * 24 * time.Hour,

		SyncbackFetchBatchSize:    100,
		SyncbackBatchSize:         20,
		SyncbackNumWorkers:        500,
		SyncbackTaskTimeout:       60 * time.Second,
		SyncbackMaxRetries:        5,
		SyncbackRetryInterval:     120 * time.Second,
		InvalidAccountGracePeriod: 2 * time.Hour,
		SyncbackMoveCooldown:      90 * time.Second,
		SyncbackSampleSize:        500,

		DatabaseURL:           "sqlite://syncengine.db",
		RedisURL:              "redis://127.0.0.1:6379/0",
		BlobStoreDir:          "./blobs",
		Zone:                  "default",
		Hostname:              hostname,
	}
}

// FromEnv loads a Config from the environment, falling back to Default()
// values for anything unset.
func FromEnv() *Config {
	c := Default()

	if v := os.Getenv("BASE_ALIVE_THRESHOLD"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.BaseAliveThreshold = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("THROTTLE_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ThrottleCount = n
		}
	}
	if v := os.Getenv("THROTTLE_WAIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.ThrottleWait = time.Duration(n) * time.Second
		}
	}
	if v := os.Getenv("MAX_ACCOUNTS_PER_PROCESS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxAccountsPerProcess = n
		}
	}
	if v := os.Getenv("SYNC_STEAL_ACCOUNTS"); v != "" {
		c.SyncStealAccounts = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("IMPORT_ATTACHED_EVENTS"); v != "" {
		c.ImportAttachedEvents = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("COMPRESS_RAW_MIME"); v != "" {
		c.CompressRawMIME = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}
	if v := os.Getenv("BLOB_STORE_DIR"); v != "" {
		c.BlobStoreDir = v
	}
	if v := os.Getenv("SYNCENGINE_ZONE"); v != "" {
		c.Zone = v
	}
	if v := os.Getenv("SYNCENGINE_HOSTNAME"); v != "" {
		c.Hostname = v
	}

	return c
}
