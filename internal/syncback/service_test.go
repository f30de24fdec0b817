package syncback

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/closeio/syncengine/internal/config"
	"github.com/closeio/syncengine/internal/logging"
	"github.com/closeio/syncengine/internal/store"
)

func testService() *Service {
	cfg := config.Default()
	return &Service{Config: cfg, Log: logging.WithComponent("test")}
}

func TestAccountSkipPolicyDoesNotSkipRunningAccount(t *testing.T) {
	s := testService()
	acct := &store.Account{SyncState: store.SyncRunning}
	skip, failNow := s.accountSkipPolicy(acct)
	require.False(t, skip)
	require.False(t, failNow)
}

func TestAccountSkipPolicySkipsInvalidWithinGrace(t *testing.T) {
	s := testService()
	acct := &store.Account{SyncState: store.SyncInvalid, UpdatedAt: time.Now()}
	skip, failNow := s.accountSkipPolicy(acct)
	require.True(t, skip)
	require.False(t, failNow)
}

func TestAccountSkipPolicyFailsStaleInvalidAccount(t *testing.T) {
	s := testService()
	acct := &store.Account{SyncState: store.SyncStopped, UpdatedAt: time.Now().Add(-3 * time.Hour)}
	skip, failNow := s.accountSkipPolicy(acct)
	require.True(t, skip)
	require.True(t, failNow)
}

func TestNewServiceOwnsOnlyShardsMatchingProcessNumber(t *testing.T) {
	cfg := config.Default()
	cfg.SyncbackAssignments = map[string][]int{
		"zone-a": {0, 1, 2, 3, 4, 5},
	}
	s := NewService(nil, nil, cfg, "zone-a", 3, 1, 6, logging.WithComponent("test"))
	require.ElementsMatch(t, []int{1, 4}, s.OwnedShardIDs)
}

func TestFilterRunningExcludesInFlightIDs(t *testing.T) {
	s := testService()
	s.running = map[int64]struct{}{2: {}}
	entries := []*store.ActionLog{
		{ID: 1}, {ID: 2}, {ID: 3},
	}
	out := s.filterRunning(entries)
	require.Len(t, out, 2)
	require.Equal(t, int64(1), out[0].ID)
	require.Equal(t, int64(3), out[1].ID)
}

func TestMarkAndClearRunningRoundTrip(t *testing.T) {
	s := testService()
	s.running = make(map[int64]struct{})
	task := &Task{ActionLogIDs: []int64{7, 8}}
	s.markRunning([]*Task{task})
	require.Len(t, s.running, 2)
	s.clearRunning(task)
	require.Empty(t, s.running)
}
