package accountsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/rs/zerolog"

	"github.com/closeio/syncengine/internal/blobstore"
	"github.com/closeio/syncengine/internal/foldersync"
	"github.com/closeio/syncengine/internal/heartbeat"
	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/store"
)

// DeleteHandler is the subset of the C7 delete handler Monitor needs; kept
// as a narrow interface so accountsync never imports internal/gc directly
// (the caller wires a concrete *gc.Handler in).
type DeleteHandler interface {
	Run(ctx context.Context) error
}

// RefreshFrequency is how often the folder list is re-checked for new
// mailboxes (§4.6 point 3).
const RefreshFrequency = 30 * time.Second

// Monitor is the per-account supervisor (C6).
type Monitor struct {
	Store store.Store
	Pool  *imapsession.Pool
	Blob  blobstore.Store
	HB    *heartbeat.Publisher

	AccountID       int64
	AccountPublicID string
	NamespaceID     int64
	IsGmail         bool

	EngineConfig  foldersync.Config
	DeleteHandler DeleteHandler

	Log zerolog.Logger

	labelRenameSem     *semaphore.Weighted // §5's label-rename semaphore, one per account
	labelRenameHandler *foldersync.LabelRenameHandler

	mu      sync.Mutex
	engines map[int64]*runningEngine
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type runningEngine struct {
	folder *store.Folder
	cancel context.CancelFunc
}

// NewMonitor constructs a Monitor; call Start to begin supervising.
func NewMonitor(st store.Store, pool *imapsession.Pool, blob blobstore.Store, hb *heartbeat.Publisher, accountID int64, accountPublicID string, namespaceID int64, isGmail bool, log zerolog.Logger) *Monitor {
	m := &Monitor{
		Store:           st,
		Pool:            pool,
		Blob:            blob,
		HB:              hb,
		AccountID:       accountID,
		AccountPublicID: accountPublicID,
		NamespaceID:     namespaceID,
		IsGmail:         isGmail,
		EngineConfig:    foldersync.DefaultConfig(),
		Log:             log,
		labelRenameSem:  semaphore.NewWeighted(1),
		engines:         make(map[int64]*runningEngine),
	}
	if isGmail {
		m.labelRenameHandler = foldersync.NewLabelRenameHandler(pool, st, accountID, accountPublicID, m.labelRenameSem, log)
	}
	return m
}

// LabelRenameSemaphore exposes the account's single-holder label-rename
// lock (§5) so a foldersync.LabelRenameHandler built for this account
// shares it rather than constructing its own.
func (m *Monitor) LabelRenameSemaphore() *semaphore.Weighted { return m.labelRenameSem }

// Start lists folders, spawns an engine per syncable folder (waiting
// briefly for each to reach poll before starting the next), starts the
// delete handler, and begins the periodic folder-list refresh (§4.6).
func (m *Monitor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	folders, err := m.reconcileFolders(ctx)
	if err != nil {
		m.failIfFatal(ctx, err)
		cancel()
		return fmt.Errorf("accountsync: reconcile folders: %w", err)
	}

	for _, f := range folders {
		m.spawnAndWaitForPoll(ctx, f)
	}

	if m.DeleteHandler != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if err := m.DeleteHandler.Run(ctx); err != nil && ctx.Err() == nil {
				m.Log.Warn().Err(err).Msg("delete handler exited")
			}
		}()
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.refreshLoop(ctx)
	}()

	return nil
}

// Stop cancels every Folder engine, the delete handler, and the refresh
// loop, then waits for them to exit (§4.6 point 5).
func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

// failIfFatal marks the account invalid and stops this Monitor's own sync
// (never any other account's) when err is a ValidationError or IMAPDisabled
// classification — §4.6's "Failures" rule.
func (m *Monitor) failIfFatal(ctx context.Context, err error) {
	if !errors.Is(err, imapsession.ErrValidation) && !errors.Is(err, imapsession.ErrIMAPDisabled) {
		return
	}
	if merr := m.Store.Accounts().MarkInvalid(ctx, m.AccountID, err.Error()); merr != nil {
		m.Log.Error().Err(merr).Msg("mark account invalid")
	}
	go m.Stop()
}

func (m *Monitor) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(RefreshFrequency)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			folders, err := m.reconcileFolders(ctx)
			if err != nil {
				m.Log.Warn().Err(err).Msg("folder refresh failed")
				continue
			}
			m.mu.Lock()
			for _, f := range folders {
				if _, running := m.engines[f.ID]; !running {
					m.mu.Unlock()
					m.spawnAndWaitForPoll(ctx, f)
					m.mu.Lock()
				}
			}
			m.mu.Unlock()
		}
	}
}

// spawnAndWaitForPoll starts an engine for f (if not already running with
// sync_should_run), then polls ImapFolderSyncStatus for up to
// pollHandshakeTimeout for it to reach StatePoll (or exit) before
// returning, implementing §4.6 point 2's spawn handshake.
const pollHandshakeTimeout = 30 * time.Second

func (m *Monitor) spawnAndWaitForPoll(ctx context.Context, f *store.Folder) {
	status, err := m.Store.GetSyncStatus(ctx, m.AccountID, f.ID)
	if err != nil {
		m.Log.Warn().Err(err).Str("folder", f.Name).Msg("get sync status")
		return
	}
	if !status.SyncShouldRun {
		return
	}

	m.mu.Lock()
	if _, running := m.engines[f.ID]; running {
		m.mu.Unlock()
		return
	}
	engineCtx, cancel := context.WithCancel(ctx)
	m.engines[f.ID] = &runningEngine{folder: f, cancel: cancel}
	m.mu.Unlock()

	eng := &foldersync.Engine{
		Store:           m.Store,
		Pool:            m.Pool,
		HB:              m.HB,
		Blob:            m.Blob,
		AccountID:       m.AccountID,
		AccountPublicID: m.AccountPublicID,
		NamespaceID:     m.NamespaceID,
		Folder:          f,
		IsInbox:         f.Role == store.RoleInbox,
		IsGmail:         m.IsGmail,
		IsAllMail:       m.IsGmail && f.Role == store.RoleArchive,
		Config:          m.EngineConfig,
		Log:             m.Log.With().Str("folder", f.Name).Logger(),
	}

	done := make(chan struct{})
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer close(done)
		defer func() {
			m.mu.Lock()
			delete(m.engines, f.ID)
			m.mu.Unlock()
		}()
		if err := eng.Run(engineCtx); err != nil && engineCtx.Err() == nil {
			m.Log.Warn().Err(err).Str("folder", f.Name).Msg("folder sync engine exited")
			m.failIfFatal(ctx, err)
		}
	}()

	deadline := time.After(pollHandshakeTimeout)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-deadline:
			return
		case <-ticker.C:
			status, err := m.Store.GetSyncStatus(ctx, m.AccountID, f.ID)
			if err == nil && (status.State == store.StatePoll || status.State == store.StateFinish) {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}
