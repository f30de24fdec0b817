// Package metrics exposes Prometheus counters and gauges for the core's
// ambient volume/rate signals — folder sync ticks, UID downloads,
// syncback retries, scheduler claims. Liveness is the heartbeat
// publisher's job (internal/heartbeat); metrics here never feed back into
// sync decisions, matching the same "instrumentation only" boundary.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	FolderSyncTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "foldersync",
		Name:      "ticks_total",
		Help:      "Folder sync engine state-machine ticks, by state.",
	}, []string{"state"})

	MessagesDownloaded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "foldersync",
		Name:      "messages_downloaded_total",
		Help:      "Messages fetched from the remote and persisted.",
	}, []string{"provider"})

	UIDValidityResyncs = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "foldersync",
		Name:      "uidvalidity_resyncs_total",
		Help:      "Resyncs triggered by a UIDVALIDITY change, by folder role.",
	}, []string{"role"})

	SyncbackTasksExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "syncback",
		Name:      "tasks_executed_total",
		Help:      "Syncback tasks run, by action kind and result.",
	}, []string{"action", "result"})

	SyncbackRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "syncback",
		Name:      "retries_total",
		Help:      "Syncback task retries, by action kind.",
	}, []string{"action"})

	SchedulerAccountsOwned = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncengine",
		Subsystem: "scheduler",
		Name:      "accounts_owned",
		Help:      "Accounts currently owned (monitored) by this process.",
	}, []string{"process_id"})

	SchedulerClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "scheduler",
		Name:      "claims_total",
		Help:      "Account claim attempts, by outcome.",
	}, []string{"outcome"})

	GCMessagesDeleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "gc",
		Name:      "messages_deleted_total",
		Help:      "Messages hard-deleted by the gc sweep, by account.",
	}, []string{"account"})

	GCBlobsOrphaned = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncengine",
		Subsystem: "gc",
		Name:      "blobs_deleted_total",
		Help:      "Blob store entries deleted as orphaned.",
	}, []string{"account"})
)
