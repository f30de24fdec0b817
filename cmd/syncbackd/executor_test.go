package main

import (
	"testing"

	"github.com/emersion/go-imap/v2"
	"github.com/stretchr/testify/require"
)

func TestMarkUnreadFlagValueInvertsUnreadToSeenWant(t *testing.T) {
	set, err := markUnreadFlagValue([]byte(`{"unread": true}`))
	require.NoError(t, err)
	require.False(t, set, "unread=true means \\Seen should be cleared")

	set, err = markUnreadFlagValue([]byte(`{"unread": false}`))
	require.NoError(t, err)
	require.True(t, set)
}

func TestMarkStarredFlagValuePassesThrough(t *testing.T) {
	set, err := markStarredFlagValue([]byte(`{"starred": true}`))
	require.NoError(t, err)
	require.True(t, set)

	set, err = markStarredFlagValue([]byte(`{"starred": false}`))
	require.NoError(t, err)
	require.False(t, set)
}

func TestGmailLabelFlagsWrapsEachLabelAsAFlag(t *testing.T) {
	flags := gmailLabelFlags([]string{"Work", "Important"})
	require.Equal(t, []imap.Flag{imap.Flag("Work"), imap.Flag("Important")}, flags)
}
