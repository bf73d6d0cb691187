package executor

import (
	"context"
	"errors"
	"testing"
)

type fakeCaller struct {
	res Result
	err error
	got Command
}

func (f *fakeCaller) Call(ctx context.Context, cmd Command) (Result, error) {
	f.got = cmd
	return f.res, f.err
}

func TestDaemonExecutorForwardsCommand(t *testing.T) {
	fc := &fakeCaller{res: Result{OK: true, Data: "pong"}}
	e := NewDaemon(fc)

	cmd := Command{Name: "folder.list"}
	res, err := e.Execute(context.Background(), cmd)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK || res.Data != "pong" {
		t.Fatalf("expected forwarded result, got %+v", res)
	}
	if fc.got.Name != "folder.list" {
		t.Fatalf("expected command to be forwarded verbatim, got %+v", fc.got)
	}
}

func TestDaemonExecutorWrapsTransportError(t *testing.T) {
	fc := &fakeCaller{err: errors.New("connection refused")}
	e := NewDaemon(fc)

	_, err := e.Execute(context.Background(), Command{Name: "folder.list"})
	if err == nil {
		t.Fatal("expected transport error to propagate")
	}
}

func TestDaemonExecutorRequiresCaller(t *testing.T) {
	e := NewDaemon(nil)
	_, err := e.Execute(context.Background(), Command{Name: "folder.list"})
	if err == nil {
		t.Fatal("expected error when no caller is configured")
	}
}
