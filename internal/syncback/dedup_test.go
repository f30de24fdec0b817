package syncback

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/closeio/syncengine/internal/store"
)

func actionLog(id, recordID int64, action store.ActionKind, extra string) *store.ActionLog {
	return &store.ActionLog{
		ID:        id,
		RecordID:  recordID,
		Action:    action,
		ExtraArgs: []byte(extra),
		Status:    store.ActionPending,
		UpdatedAt: time.Now(),
	}
}

func TestBuildTasksCoalescesMoveToLatestWins(t *testing.T) {
	entries := []*store.ActionLog{
		actionLog(1, 42, store.ActionMove, `{"folder":"Archive"}`),
		actionLog(2, 42, store.ActionMove, `{"folder":"Trash"}`),
	}
	tasks := BuildTasks(entries)
	require.Len(t, tasks, 1)
	require.Equal(t, store.ActionMove, tasks[0].Kind)
	require.JSONEq(t, `{"folder":"Trash"}`, string(tasks[0].ExtraArgs))
	require.Equal(t, []int64{1, 2}, tasks[0].ActionLogIDs)
}

func TestBuildTasksKeepsDifferentRecordsSeparate(t *testing.T) {
	entries := []*store.ActionLog{
		actionLog(1, 1, store.ActionMarkUnread, `{"unread":true}`),
		actionLog(2, 2, store.ActionMarkUnread, `{"unread":false}`),
	}
	tasks := BuildTasks(entries)
	require.Len(t, tasks, 2)
}

func TestBuildTasksDoesNotCoalesceNonCoalescibleActions(t *testing.T) {
	entries := []*store.ActionLog{
		actionLog(1, 9, store.ActionCreateFolder, `{"name":"A"}`),
		actionLog(2, 9, store.ActionCreateFolder, `{"name":"B"}`),
	}
	tasks := BuildTasks(entries)
	require.Len(t, tasks, 2)
	require.Equal(t, []int64{1}, tasks[0].ActionLogIDs)
	require.Equal(t, []int64{2}, tasks[1].ActionLogIDs)
}

func TestFoldLabelChangesCancelsOutAddThenRemove(t *testing.T) {
	entries := []*store.ActionLog{
		actionLog(1, 5, store.ActionChangeLabels, `{"add":["Important"]}`),
		actionLog(2, 5, store.ActionChangeLabels, `{"remove":["Important"]}`),
	}
	tasks := BuildTasks(entries)
	require.Len(t, tasks, 1)

	var args changeLabelsArgs
	require.NoError(t, json.Unmarshal(tasks[0].ExtraArgs, &args))
	require.Empty(t, args.Add)
	require.Empty(t, args.Remove)
}

func TestFoldLabelChangesNetsSurvivingChanges(t *testing.T) {
	entries := []*store.ActionLog{
		actionLog(1, 5, store.ActionChangeLabels, `{"add":["Important","Work"]}`),
		actionLog(2, 5, store.ActionChangeLabels, `{"remove":["Important"],"add":["Personal"]}`),
	}
	tasks := BuildTasks(entries)
	require.Len(t, tasks, 1)

	var args changeLabelsArgs
	require.NoError(t, json.Unmarshal(tasks[0].ExtraArgs, &args))
	require.ElementsMatch(t, []string{"Work", "Personal"}, args.Add)
	require.Empty(t, args.Remove)
}

func TestFoldLabelChangesReplaysSequentially(t *testing.T) {
	entries := []*store.ActionLog{
		actionLog(1, 5, store.ActionChangeLabels, `{"add":["Important"]}`),
		actionLog(2, 5, store.ActionChangeLabels, `{"remove":["Important"]}`),
		actionLog(3, 5, store.ActionChangeLabels, `{"add":["Important"]}`),
	}
	tasks := BuildTasks(entries)
	require.Len(t, tasks, 1)

	var args changeLabelsArgs
	require.NoError(t, json.Unmarshal(tasks[0].ExtraArgs, &args))
	require.Equal(t, []string{"Important"}, args.Add)
	require.Empty(t, args.Remove)
}

func TestChunkTasksSplitsAtSize(t *testing.T) {
	tasks := make([]*Task, 45)
	for i := range tasks {
		tasks[i] = &Task{RecordID: int64(i)}
	}
	chunks := ChunkTasks(tasks, 20)
	require.Len(t, chunks, 3)
	require.Len(t, chunks[0], 20)
	require.Len(t, chunks[1], 20)
	require.Len(t, chunks[2], 5)
}

func TestChunkTasksHandlesEmpty(t *testing.T) {
	require.Empty(t, ChunkTasks(nil, 20))
}
