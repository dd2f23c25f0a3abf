package sessions

import (
	"context"
	"testing"
	"time"
)

func TestRegistry_RegisterAndUnregister(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	unregister := r.Register("u1", Handle{})
	if got := r.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	unregister()
	if got := r.Count(); got != 0 {
		t.Fatalf("Count after unregister = %d, want 0", got)
	}

	// Calling unregister twice must not panic or go negative.
	unregister()
	if got := r.Count(); got != 0 {
		t.Fatalf("Count after double unregister = %d, want 0", got)
	}
}

func TestRegistry_DuplicateUserCancelsOldSession(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	oldCanceled := false
	oldUnregister := r.Register("u1", Handle{Cancel: func() { oldCanceled = true }})

	newCanceled := false
	r.Register("u1", Handle{Cancel: func() { newCanceled = true }})

	if !oldCanceled {
		t.Fatal("old session was not canceled on duplicate register")
	}
	if newCanceled {
		t.Fatal("new session was canceled")
	}
	if got := r.Count(); got != 1 {
		t.Fatalf("Count = %d, want 1", got)
	}

	// The evicted session's own teardown must not remove the new entry.
	oldUnregister()
	if got := r.Count(); got != 1 {
		t.Fatalf("Count after old unregister = %d, want 1", got)
	}
}

func TestRegistry_WarnAllAndCancelAll(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	var warned []string
	canceled := 0
	r.Register("u1", Handle{
		Warn:   func(msg string) error { warned = append(warned, msg); return nil },
		Cancel: func() { canceled++ },
	})
	r.Register("u2", Handle{
		Warn:   func(msg string) error { warned = append(warned, msg); return nil },
		Cancel: func() { canceled++ },
	})

	if got := r.WarnAll("draining"); got != 2 {
		t.Fatalf("WarnAll = %d, want 2", got)
	}
	if len(warned) != 2 || warned[0] != "draining" {
		t.Fatalf("warned = %v", warned)
	}

	if got := r.CancelAll(); got != 2 {
		t.Fatalf("CancelAll = %d, want 2", got)
	}
	if canceled != 2 {
		t.Fatalf("canceled = %d, want 2", canceled)
	}
}

func TestRegistry_WaitDrains(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	unregister := r.Register("u1", Handle{})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if r.Wait(ctx) {
		t.Fatal("Wait returned true while a session is still registered")
	}

	unregister()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	if !r.Wait(ctx2) {
		t.Fatal("Wait returned false after all sessions unregistered")
	}
}

func TestRegistry_NilSafe(t *testing.T) {
	t.Parallel()

	var r *Registry
	unregister := r.Register("u1", Handle{})
	unregister()
	if got := r.Count(); got != 0 {
		t.Fatalf("Count = %d, want 0", got)
	}
	if !r.Wait(context.Background()) {
		t.Fatal("nil registry Wait = false, want true")
	}
}
