package executor

import (
	"context"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
)

// Caller is the minimal shape a transport needs to expose for DaemonExecutor
// to forward commands over it. internal/ipc/client implements this against
// the IPC server's HTTP route, so DaemonExecutor never needs to import that
// package directly and no cycle forms between executor and ipc/client (which
// itself depends on executor's Command/Result wire types).
type Caller interface {
	Call(ctx context.Context, cmd Command) (Result, error)
}

// DaemonExecutor forwards every command to a running daemon over IPC,
// giving the CLI the exact same Executor surface as LocalExecutor so
// callers never branch on deployment mode — the same indirection the
// teacher's client_sync.go gets from its local/proxy split.
type DaemonExecutor struct {
	caller Caller
}

// NewDaemon creates a DaemonExecutor bound to an IPC caller.
func NewDaemon(caller Caller) *DaemonExecutor {
	return &DaemonExecutor{caller: caller}
}

func (e *DaemonExecutor) Execute(ctx context.Context, cmd Command) (Result, error) {
	if e.caller == nil {
		return Result{}, ccbterr.New(ccbterr.InternalError, "daemon executor has no caller configured")
	}
	res, err := e.caller.Call(ctx, cmd)
	if err != nil {
		return Result{}, ccbterr.Wrap(ccbterr.Unavailable, "call daemon", err)
	}
	return res, nil
}
