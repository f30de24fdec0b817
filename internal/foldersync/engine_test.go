package foldersync

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeSubjectStripsRepeatedPrefixes(t *testing.T) {
	require.Equal(t, "quarterly report", normalizeSubject("Re: Re: Fwd: quarterly report"))
	require.Equal(t, "hello", normalizeSubject("hello"))
	require.Equal(t, "", normalizeSubject("   "))
}

func TestThreadKeyPrefersReferencesThenInReplyToThenSubject(t *testing.T) {
	e := &Engine{}

	require.Equal(t, "<ref1@x>", e.threadKey("<msg@x>", "<irt@x>", []string{"<ref1@x>", "<ref2@x>"}, "hi"))
	require.Equal(t, "<irt@x>", e.threadKey("<msg@x>", "<irt@x>", nil, "hi"))
	require.Equal(t, "subj:hi", e.threadKey("<msg@x>", "", nil, "Re: hi"))
	require.Equal(t, "<msg@x>", e.threadKey("<msg@x>", "", nil, "   "))
}

func TestSortableUint32DescendingOrder(t *testing.T) {
	uids := []uint32{3, 1, 5, 2}
	sort.Sort(sort.Reverse(sortableUint32(uids)))
	require.Equal(t, []uint32{5, 3, 2, 1}, uids)
}

func TestOrderForDownloadSortsDescending(t *testing.T) {
	e := &Engine{Config: DefaultConfig()}
	uids := []uint32{10, 40, 20, 30}
	e.orderForDownload(uids)
	require.Equal(t, []uint32{40, 30, 20, 10}, uids)
}
