package syncback

import (
	"context"
	"errors"

	"github.com/closeio/syncengine/internal/store"
)

// ErrNotImplemented is returned by an ActionExecutor for an ActionKind it
// does not handle; the batch is failed out rather than retried forever.
var ErrNotImplemented = errors.New("syncback: action not implemented")

// ErrTransient signals the remote call failed in a way worth retrying
// (connection reset, throttling) rather than a permanent rejection.
var ErrTransient = errors.New("syncback: transient failure")

// ActionExecutor applies one coalesced Task against the remote provider
// for the given account. Concrete providers (IMAP move/flag, folder and
// label CRUD, draft/sent-email bookkeeping, calendar CRUD) are wired in by
// the process that constructs a Service; this package only defines the
// boundary, mirroring accountsync.DeleteHandler's narrow-interface shape.
type ActionExecutor interface {
	Execute(ctx context.Context, account *store.Account, task *Task) error
}

// ActionExecutorFunc adapts a plain function to an ActionExecutor.
type ActionExecutorFunc func(ctx context.Context, account *store.Account, task *Task) error

func (f ActionExecutorFunc) Execute(ctx context.Context, account *store.Account, task *Task) error {
	return f(ctx, account, task)
}
