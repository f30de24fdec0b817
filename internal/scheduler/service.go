// Package scheduler is the per-process scheduler service (C8): it owns
// every Account whose effective sync_host resolves to this process,
// starting and stopping an accountsync.Monitor for each, and coordinates
// claiming unclaimed accounts with every other process in the zone over
// a pair of shared/private event queues (C10).
//
// This is the component requiring the most generalization beyond any
// single teacher file, since aerion's own scheduler.go is single-process
// and single-account with no notion of claiming or of a shared queue.
// Grounded in aerion's Scheduler.run() ticker-loop shape for the main
// poll/block loop, spilld's boxmgmt.go per-id registry pattern for
// "accounts this process currently owns", and vmail's
// pool_worker/pool_listener/service split as the structural template for
// "claim from shared queue, then hand off to a started monitor goroutine".
package scheduler

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/accountsync"
	"github.com/closeio/syncengine/internal/blobstore"
	"github.com/closeio/syncengine/internal/config"
	"github.com/closeio/syncengine/internal/eventqueue"
	"github.com/closeio/syncengine/internal/gc"
	"github.com/closeio/syncengine/internal/heartbeat"
	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/metrics"
	"github.com/closeio/syncengine/internal/store"
)

// LoadSignal reports the process's recent load, e.g. a 15-minute average
// of pending syncback/queue depth. It is "a registered provider" per
// §4.8 — the scheduler never computes this itself.
type LoadSignal interface {
	Load15m(ctx context.Context) (float64, error)
}

// LoadSignalFunc adapts a function to a LoadSignal.
type LoadSignalFunc func(ctx context.Context) (float64, error)

func (f LoadSignalFunc) Load15m(ctx context.Context) (float64, error) { return f(ctx) }

// zeroLoad is the default LoadSignal when none is registered: always
// reports zero load, so claiming is gated only by MAX_ACCOUNTS_PER_PROCESS.
var zeroLoad = LoadSignalFunc(func(ctx context.Context) (float64, error) { return 0, nil })

// loadThreshold is the 15-minute pending-average ceiling above which this
// process stops claiming new accounts (§4.8 point 2).
const loadThreshold = 10.0

// claimEvent is the shared-queue payload announcing an unclaimed account.
type claimEvent struct {
	AccountID int64 `json:"account_id"`
}

// privateCommand is a directed command on this process's private queue,
// e.g. "migrate an account off" (§4.8).
type privateCommand struct {
	Kind      string `json:"kind"`
	AccountID int64  `json:"account_id"`
}

const (
	commandRelease = "release"
)

// Service is one scheduler process.
type Service struct {
	Store store.Store
	Pool  *imapsession.Pool
	Blob  blobstore.Store
	HB    *heartbeat.Publisher

	Config     *config.Config
	ProcessID  string // "{hostname}:{process_number}"
	LoadSignal LoadSignal

	Shared  *eventqueue.Queue // per-zone, unclaimed-account announcements
	Private *eventqueue.Queue // directed commands to this process

	Log zerolog.Logger

	// sem is the process-wide scheduler semaphore (§5's fifth named
	// lock): poll acquires it so only one reconcile cycle runs at a
	// time even if called concurrently (e.g. a manual admin poll).
	sem *semaphore.Weighted

	mu       sync.Mutex
	monitors map[int64]*accountsync.Monitor
	accounts map[int64]*store.Account

	group  *eventqueue.Group
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewService constructs a Service. processID should be "{hostname}:{n}".
// The shared queue is scoped per zone so unrelated fleets don't contend;
// the private queue is scoped per process.
func NewService(st store.Store, pool *imapsession.Pool, blob blobstore.Store, hb *heartbeat.Publisher, redisClient *redis.Client, cfg *config.Config, zone, processID string, log zerolog.Logger) *Service {
	shared := eventqueue.NewQueue(redisClient, "sched:shared:"+zone)
	private := eventqueue.NewQueue(redisClient, "sched:private:"+processID)
	return &Service{
		Store:      st,
		Pool:       pool,
		Blob:       blob,
		HB:         hb,
		Config:     cfg,
		ProcessID:  processID,
		LoadSignal: zeroLoad,
		Shared:     shared,
		Private:    private,
		Log:        log,
		sem:        semaphore.NewWeighted(1),
		monitors:   make(map[int64]*accountsync.Monitor),
		accounts:   make(map[int64]*store.Account),
		group:      eventqueue.NewGroup(redisClient, shared.Name(), private.Name()),
	}
}

// Start begins the reconcile-then-block main loop (§4.8).
func (s *Service) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.poll(ctx); err != nil {
		cancel()
		return fmt.Errorf("scheduler: initial poll: %w", err)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(ctx)
	}()
	return nil
}

// Stop cascades to every owned Monitor (§4.8 "Termination"): each monitor
// in turn stops its folder engines and delete handler.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, m := range s.monitors {
		m.Stop()
		delete(s.monitors, id)
	}
}

func (s *Service) run(ctx context.Context) {
	for {
		timeout := randomizedPollInterval(s.Config.PollInterval)
		ev, err := s.group.Receive(ctx, timeout)
		if ctx.Err() != nil {
			return
		}
		if err == eventqueue.ErrEmpty {
			if err := s.poll(ctx); err != nil {
				s.Log.Warn().Err(err).Msg("scheduler poll failed")
			}
			continue
		}
		if err != nil {
			s.Log.Warn().Err(err).Msg("scheduler event receive failed")
			continue
		}

		if ev.QueueName == s.Private.Name() {
			s.handlePrivate(ctx, ev)
			s.flushPrivate(ctx)
			if err := s.poll(ctx); err != nil {
				s.Log.Warn().Err(err).Msg("scheduler poll failed")
			}
			continue
		}
		s.handleClaim(ctx, ev)
	}
}

// canClaim reports whether this process may claim another account, per
// §4.8 point 2's two gates: below MAX_ACCOUNTS_PER_PROCESS, and the
// 15-minute pending-average load under loadThreshold.
func canClaim(owned, maxAccounts int, load15m float64) bool {
	return owned < maxAccounts && load15m < loadThreshold
}

// randomizedPollInterval spreads scheduler wakeups across [5s, interval]
// to avoid every process in a zone waking up in lockstep (§4.8 point 2).
func randomizedPollInterval(interval time.Duration) time.Duration {
	const floor = 5 * time.Second
	if interval <= floor {
		return floor
	}
	spread := interval - floor
	return floor + time.Duration(rand.Int63n(int64(spread)))
}

// handleClaim attempts to claim the account announced on the shared
// queue, subject to the capacity and load gates in §4.8 point 2;
// otherwise it re-enqueues the event for another process.
func (s *Service) handleClaim(ctx context.Context, ev eventqueue.Event) {
	var claim claimEvent
	if err := ev.Unmarshal(&claim); err != nil {
		s.Log.Warn().Err(err).Msg("scheduler: malformed claim event")
		return
	}

	s.mu.Lock()
	owned := len(s.monitors)
	s.mu.Unlock()

	load, err := s.LoadSignal.Load15m(ctx)
	if err != nil {
		s.Log.Warn().Err(err).Msg("scheduler: load signal failed")
		load = 0
	}
	if !canClaim(owned, s.Config.MaxAccountsPerProcess, load) {
		metrics.SchedulerClaims.WithLabelValues("throttled").Inc()
		s.requeueShared(ctx, ev)
		return
	}

	ok, err := s.Store.Accounts().ClaimAccount(ctx, claim.AccountID, s.ProcessID, s.Config.SyncStealAccounts)
	if err != nil {
		metrics.SchedulerClaims.WithLabelValues("error").Inc()
		s.Log.Warn().Err(err).Int64("account_id", claim.AccountID).Msg("scheduler: claim failed")
		return
	}
	if !ok {
		metrics.SchedulerClaims.WithLabelValues("lost_race").Inc()
		return
	}

	account, err := s.Store.Accounts().Get(ctx, claim.AccountID)
	if err != nil || account == nil {
		s.Log.Warn().Err(err).Int64("account_id", claim.AccountID).Msg("scheduler: claimed account lookup failed")
		return
	}
	metrics.SchedulerClaims.WithLabelValues("claimed").Inc()
	s.startMonitor(ctx, account)
	metrics.SchedulerAccountsOwned.WithLabelValues(s.ProcessID).Set(float64(s.OwnedAccountCount()))
}

func (s *Service) requeueShared(ctx context.Context, ev eventqueue.Event) {
	if err := s.Shared.Requeue(ctx, ev); err != nil {
		s.Log.Warn().Err(err).Msg("scheduler: requeue to shared failed")
	}
}

// handlePrivate applies a single directed command (§4.8's "migrate an
// account off" example, generalized to a release command any operator
// tool can enqueue).
func (s *Service) handlePrivate(ctx context.Context, ev eventqueue.Event) {
	var cmd privateCommand
	if err := ev.Unmarshal(&cmd); err != nil {
		s.Log.Warn().Err(err).Msg("scheduler: malformed private command")
		return
	}
	switch cmd.Kind {
	case commandRelease:
		s.stopMonitor(cmd.AccountID)
		if err := s.Store.Accounts().ReleaseAccount(ctx, cmd.AccountID, s.ProcessID); err != nil {
			s.Log.Warn().Err(err).Int64("account_id", cmd.AccountID).Msg("scheduler: release failed")
		}
	default:
		s.Log.Warn().Str("kind", cmd.Kind).Msg("scheduler: unknown private command")
	}
}

// flushPrivate drains any further private-queue events accumulated while
// this one was handled, non-blocking (§4.8 point 2: "flush remaining
// private events and re-poll").
func (s *Service) flushPrivate(ctx context.Context) {
	for {
		ev, err := s.Private.Receive(ctx, -1)
		if err == eventqueue.ErrEmpty || err != nil {
			return
		}
		s.handlePrivate(ctx, ev)
	}
}

// poll reconciles the set of accounts this process should own against
// the set it currently runs (§4.8 point 1): starts missing ones, stops
// extras. Guarded by the process-wide scheduler semaphore (§5) so a
// manually-triggered reconcile never overlaps the main loop's own.
func (s *Service) poll(ctx context.Context) error {
	if err := s.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer s.sem.Release(1)

	desired, err := s.Store.Accounts().ListEffectiveHost(ctx, s.ProcessID)
	if err != nil {
		return fmt.Errorf("scheduler: list effective host: %w", err)
	}
	desiredIDs := make(map[int64]struct{}, len(desired))
	for _, a := range desired {
		desiredIDs[a.ID] = struct{}{}
		s.mu.Lock()
		_, running := s.monitors[a.ID]
		s.mu.Unlock()
		if !running {
			s.startMonitor(ctx, a)
		}
	}

	s.mu.Lock()
	var extra []int64
	for id := range s.monitors {
		if _, want := desiredIDs[id]; !want {
			extra = append(extra, id)
		}
	}
	s.mu.Unlock()
	for _, id := range extra {
		s.stopMonitor(id)
	}

	return nil
}

func (s *Service) startMonitor(ctx context.Context, a *store.Account) {
	s.mu.Lock()
	if _, running := s.monitors[a.ID]; running {
		s.mu.Unlock()
		return
	}
	deleteHandler := &gc.Handler{
		Store:       s.Store,
		Blob:        s.Blob,
		NamespaceID: a.NamespaceID,
		MessageTTL:  s.Config.MessageTTL,
		ThreadTTL:   s.Config.ThreadTTL,
		Log:         s.Log.With().Str("account", a.PublicID).Logger(),
	}
	m := accountsync.NewMonitor(s.Store, s.Pool, s.Blob, s.HB, a.ID, a.PublicID, a.NamespaceID, a.Provider == store.ProviderGmail, s.Log.With().Str("account", a.PublicID).Logger())
	m.DeleteHandler = deleteHandler
	s.monitors[a.ID] = m
	s.accounts[a.ID] = a
	s.mu.Unlock()

	if err := m.Start(ctx); err != nil {
		s.Log.Warn().Err(err).Str("account", a.PublicID).Msg("scheduler: monitor start failed")
		s.mu.Lock()
		delete(s.monitors, a.ID)
		delete(s.accounts, a.ID)
		s.mu.Unlock()
	}
}

func (s *Service) stopMonitor(accountID int64) {
	s.mu.Lock()
	m, ok := s.monitors[accountID]
	if ok {
		delete(s.monitors, accountID)
		delete(s.accounts, accountID)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	m.Stop()
	if err := s.Store.Accounts().ReleaseAccount(context.Background(), accountID, s.ProcessID); err != nil {
		s.Log.Warn().Err(err).Int64("account_id", accountID).Msg("scheduler: release on stop failed")
	}
	metrics.SchedulerAccountsOwned.WithLabelValues(s.ProcessID).Set(float64(s.OwnedAccountCount()))
}

// OwnedAccountCount reports how many accounts this process currently
// supervises, surfaced via internal/metrics.
func (s *Service) OwnedAccountCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.monitors)
}

// OwnedAccounts returns the Accounts this process currently supervises.
func (s *Service) OwnedAccounts() []*store.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Account, 0, len(s.accounts))
	for _, a := range s.accounts {
		out = append(out, a)
	}
	return out
}
