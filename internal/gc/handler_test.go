package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/closeio/syncengine/internal/blobstore"
	"github.com/closeio/syncengine/internal/store"
)

// fakeMessages and fakeThreads implement just enough of MessageRepo/ThreadRepo
// for the delete handler's own logic to be exercised without a real database.

type fakeMessages struct {
	byID       map[int64]*store.Message
	uidCounts  map[int64]int
	hardDeleted []int64
	undeleted   []int64
}

func (f *fakeMessages) Get(ctx context.Context, id int64) (*store.Message, error) { return f.byID[id], nil }
func (f *fakeMessages) GetByDataSHA256(ctx context.Context, namespaceID int64, sha string) (*store.Message, error) {
	return nil, nil
}
func (f *fakeMessages) ListTombstonedBefore(ctx context.Context, cutoff int64, limit int) ([]*store.Message, error) {
	var out []*store.Message
	for _, m := range f.byID {
		if !m.DeletedAt.IsZero() && m.DeletedAt.Unix() <= cutoff {
			out = append(out, m)
		}
	}
	return out, nil
}
func (f *fakeMessages) ImapUIDCount(ctx context.Context, messageID int64) (int, error) {
	return f.uidCounts[messageID], nil
}
func (f *fakeMessages) ImapUIDs(ctx context.Context, messageID int64) ([]*store.ImapUid, error) {
	return nil, nil
}
func (f *fakeMessages) Undelete(ctx context.Context, messageID int64) error {
	f.undeleted = append(f.undeleted, messageID)
	f.byID[messageID].DeletedAt = time.Time{}
	return nil
}
func (f *fakeMessages) HardDelete(ctx context.Context, messageID int64) error {
	f.hardDeleted = append(f.hardDeleted, messageID)
	delete(f.byID, messageID)
	return nil
}
func (f *fakeMessages) DistinctSHA256InUse(ctx context.Context, namespaceID int64) (map[string]struct{}, error) {
	out := make(map[string]struct{})
	for _, m := range f.byID {
		if m.DeletedAt.IsZero() {
			out[m.DataSHA256] = struct{}{}
		}
	}
	return out, nil
}

type fakeThreads struct {
	byID        map[int64]*store.Thread
	tombstoned  []int64
	recomputed  []int64
}

func (f *fakeThreads) Get(ctx context.Context, id int64) (*store.Thread, error) { return f.byID[id], nil }
func (f *fakeThreads) GetByKey(ctx context.Context, namespaceID int64, key string) (*store.Thread, error) {
	return nil, nil
}
func (f *fakeThreads) Create(ctx context.Context, t *store.Thread) error { return nil }
func (f *fakeThreads) AddMessage(ctx context.Context, threadID, messageID int64) error { return nil }
func (f *fakeThreads) RemoveMessage(ctx context.Context, threadID, messageID int64) error {
	if t, ok := f.byID[threadID]; ok && t.MessageCount > 0 {
		t.MessageCount--
	}
	return nil
}
func (f *fakeThreads) Recompute(ctx context.Context, threadID int64) error {
	f.recomputed = append(f.recomputed, threadID)
	return nil
}
func (f *fakeThreads) Tombstone(ctx context.Context, threadID int64) error {
	f.tombstoned = append(f.tombstoned, threadID)
	return nil
}
func (f *fakeThreads) SweepExpired(ctx context.Context, olderThanSeconds int64, limit int) (int, error) {
	return 0, nil
}

type fakeCategories struct{}

func (fakeCategories) GetOrCreate(ctx context.Context, namespaceID int64, canonicalName, displayName string, typ store.FolderRole) (*store.Category, error) {
	return nil, nil
}
func (fakeCategories) SweepUnreferenced(ctx context.Context, namespaceID int64) (int, error) {
	return 0, nil
}

type fakeBlob struct {
	deleted []string
}

func (b *fakeBlob) Save(ctx context.Context, key string, data []byte) error { return nil }
func (b *fakeBlob) Get(ctx context.Context, key string) ([]byte, error)    { return nil, nil }
func (b *fakeBlob) Delete(ctx context.Context, key string) error           { return nil }
func (b *fakeBlob) DeleteMany(ctx context.Context, keys []string) error {
	b.deleted = append(b.deleted, keys...)
	return nil
}

var _ blobstore.Store = (*fakeBlob)(nil)

// fakeStore implements only the methods gc.Handler actually calls; every
// other Store method panics if reached.
type fakeStore struct {
	store.Store
	messages   *fakeMessages
	threads    *fakeThreads
	categories fakeCategories
}

func (s *fakeStore) Messages() store.MessageRepo   { return s.messages }
func (s *fakeStore) Threads() store.ThreadRepo     { return s.threads }
func (s *fakeStore) Categories() store.CategoryRepo { return s.categories }

func newHandler() (*Handler, *fakeStore, *fakeBlob) {
	st := &fakeStore{
		messages: &fakeMessages{byID: map[int64]*store.Message{}, uidCounts: map[int64]int{}},
		threads:  &fakeThreads{byID: map[int64]*store.Thread{}},
	}
	blob := &fakeBlob{}
	h := &Handler{Store: st, Blob: blob, NamespaceID: 1, MessageTTL: 120 * time.Second, ThreadTTL: 7 * 24 * time.Hour}
	return h, st, blob
}

func TestFinalizeMessageUndeletesWhenUidsReappeared(t *testing.T) {
	h, st, _ := newHandler()
	st.messages.byID[1] = &store.Message{ID: 1, DataSHA256: "abc", DeletedAt: time.Now().Add(-time.Hour)}
	st.messages.uidCounts[1] = 2

	sha, hardDeleted, err := h.finalizeMessage(context.Background(), st.messages.byID[1])
	require.NoError(t, err)
	require.False(t, hardDeleted)
	require.Empty(t, sha)
	require.Contains(t, st.messages.undeleted, int64(1))
}

func TestFinalizeMessageHardDeletesAndTombstonesEmptyThread(t *testing.T) {
	h, st, _ := newHandler()
	st.threads.byID[10] = &store.Thread{ID: 10, MessageCount: 1}
	st.messages.byID[1] = &store.Message{ID: 1, ThreadID: 10, DataSHA256: "abc", DeletedAt: time.Now().Add(-time.Hour)}

	sha, hardDeleted, err := h.finalizeMessage(context.Background(), st.messages.byID[1])
	require.NoError(t, err)
	require.True(t, hardDeleted)
	require.Equal(t, "abc", sha)
	require.Contains(t, st.messages.hardDeleted, int64(1))
	require.Contains(t, st.threads.tombstoned, int64(10))
	require.Empty(t, st.threads.recomputed)
}

func TestFinalizeMessageRecomputesThreadWhenMessagesRemain(t *testing.T) {
	h, st, _ := newHandler()
	st.threads.byID[10] = &store.Thread{ID: 10, MessageCount: 2}
	st.messages.byID[1] = &store.Message{ID: 1, ThreadID: 10, DataSHA256: "abc", DeletedAt: time.Now().Add(-time.Hour)}

	_, hardDeleted, err := h.finalizeMessage(context.Background(), st.messages.byID[1])
	require.NoError(t, err)
	require.True(t, hardDeleted)
	require.Contains(t, st.threads.recomputed, int64(10))
	require.Empty(t, st.threads.tombstoned)
}

func TestSweepOrphanedBlobsSkipsSHAsStillInUse(t *testing.T) {
	h, st, blob := newHandler()
	st.messages.byID[2] = &store.Message{ID: 2, DataSHA256: "still-used"}

	err := h.sweepOrphanedBlobs(context.Background(), map[string]struct{}{"still-used": {}, "orphaned": {}})
	require.NoError(t, err)
	require.Equal(t, []string{"orphaned"}, blob.deleted)
}
