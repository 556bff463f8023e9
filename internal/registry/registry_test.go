package registry

import (
	"context"
	"testing"
	"time"
)

func TestRegisterAndCancel(t *testing.T) {
	r := New()
	ctx, err := r.Register(context.Background(), "run-1")
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if !r.IsRunning("run-1") {
		t.Fatal("expected run-1 to be live")
	}

	if ok := r.Cancel("run-1"); !ok {
		t.Fatal("Cancel returned false for a live run")
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("cancel did not propagate to the run context")
	}
}

func TestDuplicateRegister(t *testing.T) {
	r := New()
	if _, err := r.Register(context.Background(), "run-1"); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := r.Register(context.Background(), "run-1"); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
}

func TestCancelUnknownRun(t *testing.T) {
	r := New()
	if r.Cancel("nope") {
		t.Fatal("Cancel returned true for an unknown run")
	}
}

func TestRemove(t *testing.T) {
	r := New()
	r.Register(context.Background(), "run-1")
	r.Remove("run-1")
	if r.IsRunning("run-1") {
		t.Fatal("run still live after Remove")
	}
	if len(r.ListRunning()) != 0 {
		t.Fatal("ListRunning not empty after Remove")
	}
}

func TestListRunningSorted(t *testing.T) {
	r := New()
	r.Register(context.Background(), "b")
	r.Register(context.Background(), "a")
	r.Register(context.Background(), "c")
	ids := r.ListRunning()
	if len(ids) != 3 || ids[0] != "a" || ids[1] != "b" || ids[2] != "c" {
		t.Fatalf("ListRunning = %v, want [a b c]", ids)
	}
}

func TestCancelAll(t *testing.T) {
	r := New()
	ctx1, _ := r.Register(context.Background(), "run-1")
	ctx2, _ := r.Register(context.Background(), "run-2")
	r.CancelAll()
	for _, ctx := range []context.Context{ctx1, ctx2} {
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
			t.Fatal("CancelAll did not reach every unit")
		}
	}
}
