package server

import (
	"context"
	"testing"
)

func TestInFlight_StartAndDone(t *testing.T) {
	f := NewInFlight()

	ctx, done, err := f.Start(context.Background(), "exec-1", "alice")
	if err != nil {
		t.Fatal(err)
	}

	ae, ok := f.Get("exec-1")
	if !ok {
		t.Fatal("expected execution to be tracked")
	}
	if ae.Client != "alice" {
		t.Errorf("client = %q, want alice", ae.Client)
	}

	done()

	if _, ok := f.Get("exec-1"); ok {
		t.Error("expected execution to be removed after done")
	}
	if ctx.Err() == nil {
		t.Error("expected context to be released after done")
	}
}

func TestInFlight_DuplicateID(t *testing.T) {
	f := NewInFlight()

	_, done, err := f.Start(context.Background(), "dup", "")
	if err != nil {
		t.Fatal(err)
	}
	defer done()

	if _, _, err := f.Start(context.Background(), "dup", ""); err == nil {
		t.Error("expected error for an id that is already running")
	}
}

func TestInFlight_Cancel(t *testing.T) {
	f := NewInFlight()

	ctx, done, err := f.Start(context.Background(), "exec-2", "")
	if err != nil {
		t.Fatal(err)
	}
	defer done()

	if !f.Cancel("exec-2") {
		t.Fatal("expected Cancel to find the execution")
	}
	if ctx.Err() != context.Canceled {
		t.Errorf("ctx.Err() = %v, want context.Canceled", ctx.Err())
	}
	if f.Cancel("missing") {
		t.Error("Cancel of an unknown id should report false")
	}
}

func TestInFlight_CancelAll(t *testing.T) {
	f := NewInFlight()

	var ctxs []context.Context
	for i := 0; i < 3; i++ {
		ctx, done, err := f.Start(context.Background(), "exec-"+string(rune('a'+i)), "")
		if err != nil {
			t.Fatal(err)
		}
		defer done()
		ctxs = append(ctxs, ctx)
	}

	if n := len(f.List()); n != 3 {
		t.Fatalf("List() = %d executions, want 3", n)
	}

	f.CancelAll()

	for i, ctx := range ctxs {
		if ctx.Err() == nil {
			t.Errorf("execution %d not cancelled", i)
		}
	}
}
