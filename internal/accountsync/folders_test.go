package accountsync

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/closeio/syncengine/internal/imapsession"
	"github.com/closeio/syncengine/internal/store"
)

func TestDetectRolePrefersSpecialUseAttribute(t *testing.T) {
	mb := &imapsession.Mailbox{Name: "Some Weird Name", Attributes: []string{`\Sent`}}
	require.Equal(t, store.RoleSent, detectRole(mb))
}

func TestDetectRoleFallsBackToName(t *testing.T) {
	require.Equal(t, store.RoleInbox, detectRole(&imapsession.Mailbox{Name: "INBOX"}))
	require.Equal(t, store.RoleTrash, detectRole(&imapsession.Mailbox{Name: "Trash"}))
	require.Equal(t, store.RoleNone, detectRole(&imapsession.Mailbox{Name: "Projects/2026"}))
}
