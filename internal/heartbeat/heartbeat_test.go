package heartbeat

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPublishAndIsAlive(t *testing.T) {
	kv := NewMemoryKV()
	pub := NewPublisher(kv)

	require.NoError(t, pub.Publish(context.Background(), "acct1", "INBOX", "poll"))

	alive, err := pub.IsAlive(context.Background(), "acct1", "INBOX")
	require.NoError(t, err)
	require.True(t, alive)
}

func TestIsAliveMissingFolder(t *testing.T) {
	kv := NewMemoryKV()
	pub := NewPublisher(kv)

	alive, err := pub.IsAlive(context.Background(), "acct1", "INBOX")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestIsAliveExpired(t *testing.T) {
	kv := NewMemoryKV()
	pub := NewPublisher(kv).WithExpiry(10 * time.Millisecond)

	require.NoError(t, pub.Publish(context.Background(), "acct1", "INBOX", "poll"))
	time.Sleep(20 * time.Millisecond)

	alive, err := pub.IsAlive(context.Background(), "acct1", "INBOX")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestIsAccountAliveUsesOldestFolder(t *testing.T) {
	kv := NewMemoryKV()
	pub := NewPublisher(kv).WithExpiry(50 * time.Millisecond)

	require.NoError(t, pub.Publish(context.Background(), "acct1", "INBOX", "poll"))
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, pub.Publish(context.Background(), "acct1", "Archive", "poll"))

	// INBOX is 30ms old, Archive is fresh; oldest (INBOX) still within 50ms expiry.
	alive, err := pub.IsAccountAlive(context.Background(), "acct1")
	require.NoError(t, err)
	require.True(t, alive)

	time.Sleep(30 * time.Millisecond)
	alive, err = pub.IsAccountAlive(context.Background(), "acct1")
	require.NoError(t, err)
	require.False(t, alive)
}

func TestRemoveAccount(t *testing.T) {
	kv := NewMemoryKV()
	pub := NewPublisher(kv)

	require.NoError(t, pub.Publish(context.Background(), "acct1", "INBOX", "poll"))
	require.NoError(t, pub.RemoveAccount(context.Background(), "acct1"))

	alive, err := pub.IsAlive(context.Background(), "acct1", "INBOX")
	require.NoError(t, err)
	require.False(t, alive)
}
