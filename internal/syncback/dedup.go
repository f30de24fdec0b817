// Package syncback is the syncback processor (C9): it applies
// locally-scheduled mutations (move, mark_unread, change_labels, folder
// and label CRUD, draft and sent-email bookkeeping, event CRUD) to the
// remote provider, reading pending work off ActionLog and coalescing
// same-record entries before execution (§4.9).
package syncback

import (
	"encoding/json"
	"sort"

	"github.com/closeio/syncengine/internal/store"
)

// Task is one unit of work handed to an ActionExecutor: either a single
// ActionLog entry, or several coalesced into one (move/mark_unread/
// mark_starred latest-wins, change_labels net-effect folding — §4.9
// "Merging and deduplication").
type Task struct {
	Kind         store.ActionKind
	RecordID     int64
	ExtraArgs    json.RawMessage
	ActionLogIDs []int64
}

// groupKey is the (record_id, action) a run of entries coalesces by; the
// namespace is already fixed by the caller (one BatchTask per namespace).
type groupKey struct {
	RecordID int64
	Action   store.ActionKind
}

// coalescible actions fold into a single Task per record per §4.9; every
// other action kind keeps one Task per entry.
var coalescible = map[store.ActionKind]bool{
	store.ActionMove:         true,
	store.ActionMarkUnread:   true,
	store.ActionMarkStarred:  true,
	store.ActionChangeLabels: true,
}

// changeLabelsArgs is change_labels' ExtraArgs shape.
type changeLabelsArgs struct {
	Add    []string `json:"add,omitempty"`
	Remove []string `json:"remove,omitempty"`
}

// BuildTasks groups entries by (record_id, action) preserving discovery
// order, then coalesces each group per §4.9. entries must already belong
// to a single namespace.
func BuildTasks(entries []*store.ActionLog) []*Task {
	order := make([]groupKey, 0, len(entries))
	groups := make(map[groupKey][]*store.ActionLog)
	for _, e := range entries {
		k := groupKey{RecordID: e.RecordID, Action: e.Action}
		if _, ok := groups[k]; !ok {
			order = append(order, k)
		}
		groups[k] = append(groups[k], e)
	}

	tasks := make([]*Task, 0, len(order))
	for _, k := range order {
		group := groups[k]
		if coalescible[k.Action] {
			tasks = append(tasks, coalesceGroup(k, group))
		} else {
			for _, e := range group {
				tasks = append(tasks, &Task{
					Kind:         e.Action,
					RecordID:     e.RecordID,
					ExtraArgs:    e.ExtraArgs,
					ActionLogIDs: []int64{e.ID},
				})
			}
		}
	}
	return tasks
}

func coalesceGroup(k groupKey, group []*store.ActionLog) *Task {
	ids := make([]int64, len(group))
	for i, e := range group {
		ids[i] = e.ID
	}

	if k.Action == store.ActionChangeLabels {
		return &Task{
			Kind:         k.Action,
			RecordID:     k.RecordID,
			ExtraArgs:    foldLabelChanges(group),
			ActionLogIDs: ids,
		}
	}

	// move/mark_unread/mark_starred: latest extra_args wins, all ids carried.
	latest := group[len(group)-1]
	return &Task{
		Kind:         k.Action,
		RecordID:     k.RecordID,
		ExtraArgs:    latest.ExtraArgs,
		ActionLogIDs: ids,
	}
}

// foldLabelChanges computes the net add/remove set across a group of
// change_labels entries by replaying each entry's delta against a running
// presence set in discovery order, then diffing that set's final state
// against its initial state: the net add/remove is the symmetric
// difference between the label set before the group and after it, not a
// whole-group union of every add/remove seen (a label added, removed, then
// added again nets to "added", even though it appears in both the group's
// add list and its remove list).
func foldLabelChanges(group []*store.ActionLog) json.RawMessage {
	initial := make(map[string]bool)
	current := make(map[string]bool)

	present := func(l string) bool {
		v, ok := current[l]
		if !ok {
			initial[l] = false
			current[l] = false
			return false
		}
		return v
	}

	for _, e := range group {
		var args changeLabelsArgs
		if err := json.Unmarshal(e.ExtraArgs, &args); err != nil {
			continue
		}
		for _, l := range args.Add {
			present(l)
			current[l] = true
		}
		for _, l := range args.Remove {
			present(l)
			current[l] = false
		}
	}

	var finalAdd, finalRemove []string
	for l, was := range initial {
		is := current[l]
		if is && !was {
			finalAdd = append(finalAdd, l)
		} else if was && !is {
			finalRemove = append(finalRemove, l)
		}
	}
	sort.Strings(finalAdd)
	sort.Strings(finalRemove)

	out, _ := json.Marshal(changeLabelsArgs{Add: finalAdd, Remove: finalRemove})
	return out
}

// ChunkTasks splits tasks into groups of at most size (§4.9 step 3:
// a SyncbackBatchTask holds <= batch_size=20 tasks).
func ChunkTasks(tasks []*Task, size int) [][]*Task {
	if size <= 0 {
		size = len(tasks)
	}
	var chunks [][]*Task
	for len(tasks) > 0 {
		n := size
		if n > len(tasks) {
			n = len(tasks)
		}
		chunks = append(chunks, tasks[:n])
		tasks = tasks[n:]
	}
	return chunks
}
