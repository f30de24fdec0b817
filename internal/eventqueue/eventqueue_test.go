package eventqueue

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type claimEvent struct {
	AccountID string `json:"account_id"`
}

func TestEventUnmarshal(t *testing.T) {
	e := Event{QueueName: "zone-1", Payload: []byte(`{"account_id":"acct-42"}`)}

	var payload claimEvent
	require.NoError(t, e.Unmarshal(&payload))
	require.Equal(t, "acct-42", payload.AccountID)
}
