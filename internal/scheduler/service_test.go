package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCanClaimRespectsCapacityAndLoadGates(t *testing.T) {
	require.True(t, canClaim(10, 150, 0))
	require.False(t, canClaim(150, 150, 0), "at capacity must not claim")
	require.False(t, canClaim(10, 150, 10), "load at threshold must not claim")
	require.True(t, canClaim(10, 150, 9.9))
}

func TestRandomizedPollIntervalStaysWithinBounds(t *testing.T) {
	interval := 60 * time.Second
	for i := 0; i < 100; i++ {
		d := randomizedPollInterval(interval)
		require.GreaterOrEqual(t, d, 5*time.Second)
		require.LessOrEqual(t, d, interval)
	}
}

func TestRandomizedPollIntervalFloorsShortIntervals(t *testing.T) {
	require.Equal(t, 5*time.Second, randomizedPollInterval(2*time.Second))
}
