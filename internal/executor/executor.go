// Package executor implements the command executor (C11): a single command
// surface ("folder.add", "torrent.list", ...) that both the CLI and the IPC
// server (C12) dispatch through, with two interchangeable adapters — one
// executes in-process against a session manager, the other forwards to a
// running daemon over IPC. This local/remote indirection mirrors the
// teacher's client_sync.go, which lets the same call run either against a
// local scan or proxy to the main server depending on deployment role.
package executor

import (
	"context"
	"fmt"

	"github.com/ccbt-project/ccbt/internal/ccbterr"
)

// Command is a named operation with loosely-typed arguments, the wire shape
// the IPC server also accepts as a JSON request body.
type Command struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args,omitempty"`
}

// Result is a command's outcome. Code is empty on success; on failure it is
// one of ccbterr.Kind's stable strings so callers never need to
// string-match Message.
type Result struct {
	OK      bool        `json:"ok"`
	Code    string      `json:"code,omitempty"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Executor runs a Command and returns its Result. Implementations never
// return a Go error for expected failure modes (bad args, not found, auth) —
// those are encoded in Result.Code; a Go error return is reserved for
// transport-level failures (e.g. the daemon adapter's HTTP call itself
// failing).
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Result, error)
}

// okResult builds a success Result.
func okResult(data interface{}) Result {
	return Result{OK: true, Data: data}
}

// errResult converts an error into a Result, using ccbterr.KindOf to find
// its stable code when the error is (or wraps) a *ccbterr.Error.
func errResult(err error) Result {
	return Result{OK: false, Code: string(ccbterr.KindOf(err)), Message: err.Error()}
}

// argString extracts a required string argument.
func argString(args map[string]interface{}, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", ccbterr.New(ccbterr.ValidationError, fmt.Sprintf("missing required argument %q", key))
	}
	s, ok := v.(string)
	if !ok {
		return "", ccbterr.New(ccbterr.ValidationError, fmt.Sprintf("argument %q must be a string", key))
	}
	return s, nil
}

// argStringOpt extracts an optional string argument, returning def if absent.
func argStringOpt(args map[string]interface{}, key, def string) string {
	v, ok := args[key]
	if !ok {
		return def
	}
	if s, ok := v.(string); ok {
		return s
	}
	return def
}

// argBoolOpt extracts an optional bool argument, returning def if absent.
func argBoolOpt(args map[string]interface{}, key string, def bool) bool {
	v, ok := args[key]
	if !ok {
		return def
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return def
}
