package syncback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/config"
	"github.com/closeio/syncengine/internal/metrics"
	"github.com/closeio/syncengine/internal/store"
)

// moveLikeKinds are the actions the 90s completion-cooldown skip policy
// applies to (§4.9 skip policies: "a move was already applied to this
// record recently").
var moveLikeKinds = []store.ActionKind{store.ActionMove, store.ActionChangeLabels}

// Service is the per-process syncback processor (C9). It owns a static set
// of shards (syncback_id -> shard_ids, filtered by shard_id % total ==
// process_number), scans them for pending ActionLog entries, coalesces
// same-record entries into Tasks, and executes them against Executor with
// bounded concurrency.
type Service struct {
	Store    store.Store
	Executor ActionExecutor
	Config   *config.Config

	TotalShards    int
	OwnedShardIDs  []int
	TotalProcesses int
	ProcessNumber  int

	Log zerolog.Logger

	tasksCh chan accountBatch

	runningMu sync.Mutex
	running   map[int64]struct{} // ActionLog ids currently in flight

	acctSemMu sync.Mutex
	acctSem   map[int64]*semaphore.Weighted

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

type accountBatch struct {
	Account *store.Account
	Tasks   []*Task
}

// NewService builds a Service owning the shards assigned to ownerID in
// cfg.SyncbackAssignments that this process is responsible for (§4.9
// Assignment: "owns every shard whose shard_id % total_processes ==
// process_number").
func NewService(st store.Store, executor ActionExecutor, cfg *config.Config, ownerID string, totalProcesses, processNumber, totalShards int, log zerolog.Logger) *Service {
	var owned []int
	for _, shardID := range cfg.SyncbackAssignments[ownerID] {
		if totalProcesses > 0 && shardID%totalProcesses == processNumber {
			owned = append(owned, shardID)
		}
	}
	return &Service{
		Store:          st,
		Executor:       executor,
		Config:         cfg,
		TotalShards:    totalShards,
		OwnedShardIDs:  owned,
		TotalProcesses: totalProcesses,
		ProcessNumber:  processNumber,
		Log:            log,
		tasksCh:        make(chan accountBatch, cfg.SyncbackNumWorkers),
		running:        make(map[int64]struct{}),
		acctSem:        make(map[int64]*semaphore.Weighted),
	}
}

func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	workers := s.Config.SyncbackNumWorkers
	if workers <= 0 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.worker(ctx)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.scheduleLoop(ctx)
	}()
}

func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Service) scheduleLoop(ctx context.Context) {
	interval := s.Config.PollInterval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if err := s.scanOnce(ctx); err != nil {
			s.Log.Warn().Err(err).Msg("syncback scan failed")
		}
	}
}

// scanOnce implements §4.9's scheduling loop: sample owned-shard
// namespaces with pending work, fetch a batch per namespace, coalesce, and
// enqueue one accountBatch per namespace.
func (s *Service) scanOnce(ctx context.Context) error {
	namespaces, err := s.Store.ActionLogs().PendingNamespaces(ctx, s.OwnedShardIDs, s.TotalShards, s.Config.SyncbackSampleSize)
	if err != nil {
		return fmt.Errorf("syncback: pending namespaces: %w", err)
	}

	for _, ns := range namespaces {
		if err := s.scanNamespace(ctx, ns); err != nil {
			s.Log.Warn().Err(err).Int64("namespace_id", ns).Msg("syncback namespace scan failed")
		}
	}
	return nil
}

func (s *Service) scanNamespace(ctx context.Context, namespaceID int64) error {
	account, err := s.Store.Accounts().GetByNamespaceID(ctx, namespaceID)
	if err != nil {
		return err
	}
	if account == nil {
		return nil
	}

	if skip, failNow := s.accountSkipPolicy(account); skip {
		if failNow {
			s.failStaleInvalidAccount(ctx, namespaceID)
		}
		return nil
	}

	if recentRetry, err := s.Store.ActionLogs().CountRecentRetries(ctx, namespaceID, int64(s.Config.SyncbackRetryInterval.Seconds())); err != nil {
		return err
	} else if recentRetry {
		return nil
	}

	entries, err := s.Store.ActionLogs().NextPending(ctx, namespaceID, s.Config.SyncbackFetchBatchSize)
	if err != nil {
		return err
	}
	entries = s.filterRunning(entries)
	if len(entries) == 0 {
		return nil
	}

	tasks := BuildTasks(entries)
	tasks = s.applyMoveCooldown(ctx, tasks)
	if len(tasks) == 0 {
		return nil
	}

	s.markRunning(tasks)
	for _, chunk := range ChunkTasks(tasks, s.Config.SyncbackBatchSize) {
		batch := accountBatch{Account: account, Tasks: chunk}
		select {
		case s.tasksCh <- batch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// accountSkipPolicy reports whether namespace's actions should be skipped
// this round, and whether a long-stale invalid/stopped account should
// instead have its pending actions marked failed outright (§4.9 skip
// policies + INVALID_ACCOUNT_GRACE_PERIOD).
func (s *Service) accountSkipPolicy(account *store.Account) (skip, failNow bool) {
	if account.SyncState != store.SyncInvalid && account.SyncState != store.SyncStopped {
		return false, false
	}
	grace := s.Config.InvalidAccountGracePeriod
	if time.Since(account.UpdatedAt) > grace {
		return true, true
	}
	return true, false
}

func (s *Service) failStaleInvalidAccount(ctx context.Context, namespaceID int64) {
	entries, err := s.Store.ActionLogs().NextPending(ctx, namespaceID, s.Config.SyncbackFetchBatchSize)
	if err != nil || len(entries) == 0 {
		return
	}
	ids := make([]int64, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	if err := s.Store.ActionLogs().MarkFailed(ctx, ids); err != nil {
		s.Log.Warn().Err(err).Int64("namespace_id", namespaceID).Msg("syncback: mark failed for stale account failed")
	}
}

// applyMoveCooldown drops move tasks whose record completed a move or
// change_labels action successfully within SyncbackMoveCooldown (§4.9:
// dedup against a move that already landed).
func (s *Service) applyMoveCooldown(ctx context.Context, tasks []*Task) []*Task {
	var out []*Task
	for _, t := range tasks {
		if t.Kind == store.ActionMove {
			done, err := s.Store.ActionLogs().RecentlyCompleted(ctx, t.RecordID, moveLikeKinds, int64(s.Config.SyncbackMoveCooldown.Seconds()))
			if err == nil && done {
				continue
			}
		}
		out = append(out, t)
	}
	return out
}

func (s *Service) filterRunning(entries []*store.ActionLog) []*store.ActionLog {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	var out []*store.ActionLog
	for _, e := range entries {
		if _, busy := s.running[e.ID]; !busy {
			out = append(out, e)
		}
	}
	return out
}

func (s *Service) markRunning(tasks []*Task) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	for _, t := range tasks {
		for _, id := range t.ActionLogIDs {
			s.running[id] = struct{}{}
		}
	}
}

func (s *Service) clearRunning(task *Task) {
	s.runningMu.Lock()
	defer s.runningMu.Unlock()
	for _, id := range task.ActionLogIDs {
		delete(s.running, id)
	}
}

func (s *Service) accountSemaphore(accountID int64) *semaphore.Weighted {
	s.acctSemMu.Lock()
	defer s.acctSemMu.Unlock()
	sem, ok := s.acctSem[accountID]
	if !ok {
		sem = semaphore.NewWeighted(1)
		s.acctSem[accountID] = sem
	}
	return sem
}

// worker executes accountBatches off tasksCh, holding the per-account
// semaphore so only one batch per account runs at a time (§4.9 Execution:
// "it holds [the account's] semaphore for the duration").
func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case batch := <-s.tasksCh:
			s.runBatch(ctx, batch)
		}
	}
}

func (s *Service) runBatch(ctx context.Context, batch accountBatch) {
	sem := s.accountSemaphore(batch.Account.ID)
	if err := sem.Acquire(ctx, 1); err != nil {
		for _, t := range batch.Tasks {
			s.clearRunning(t)
		}
		return
	}
	defer sem.Release(1)

	for i, task := range batch.Tasks {
		if err := s.runTask(ctx, batch.Account, task); err != nil {
			s.clearRunning(task)
			// a batch stops at the first failure on this account (§4.9);
			// un-mark the rest so a later scan can pick them up again.
			for _, remaining := range batch.Tasks[i+1:] {
				s.clearRunning(remaining)
			}
			return
		}
		s.clearRunning(task)
	}
}

func (s *Service) runTask(ctx context.Context, account *store.Account, task *Task) error {
	timeout := s.Config.SyncbackTaskTimeout * time.Duration(len(task.ActionLogIDs))
	if timeout <= 0 {
		timeout = s.Config.SyncbackTaskTimeout
	}
	taskCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	err := s.Executor.Execute(taskCtx, account, task)
	if err == nil {
		if markErr := s.Store.ActionLogs().MarkSuccessful(ctx, task.ActionLogIDs); markErr != nil {
			s.Log.Warn().Err(markErr).Msg("syncback: mark successful failed")
		}
		metrics.SyncbackTasksExecuted.WithLabelValues(string(task.Kind), "success").Inc()
		return nil
	}

	s.Log.Warn().Err(err).Str("action", string(task.Kind)).Int64("record_id", task.RecordID).Msg("syncback task failed")
	metrics.SyncbackTasksExecuted.WithLabelValues(string(task.Kind), "failure").Inc()
	metrics.SyncbackRetries.WithLabelValues(string(task.Kind)).Inc()
	retries, incErr := s.Store.ActionLogs().IncrementRetries(ctx, task.ActionLogIDs)
	if incErr != nil {
		s.Log.Warn().Err(incErr).Msg("syncback: increment retries failed")
	}
	if retries >= s.Config.SyncbackMaxRetries {
		if failErr := s.Store.ActionLogs().MarkFailed(ctx, task.ActionLogIDs); failErr != nil {
			s.Log.Warn().Err(failErr).Msg("syncback: mark failed failed")
		}
	}
	return err
}
