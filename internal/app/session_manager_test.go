package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/carevox/internal/app"
)

func TestSessionManager_StartRelease(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(0)
	ctx, release, err := sm.Start(context.Background(), app.SessionInfo{SessionID: "s1", RemoteAddr: "10.0.0.1:5000"})
	if err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if sm.Active() != 1 {
		t.Fatalf("Active() = %d, want 1", sm.Active())
	}
	info := sm.Sessions()[0]
	if info.SessionID != "s1" || info.RemoteAddr != "10.0.0.1:5000" || info.StartedAt.IsZero() {
		t.Errorf("Sessions()[0] = %+v", info)
	}

	release()
	release() // idempotent
	if sm.Active() != 0 {
		t.Errorf("Active() after release = %d, want 0", sm.Active())
	}
	if ctx.Err() == nil {
		t.Error("session context should be cancelled on release")
	}
}

func TestSessionManager_Capacity(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(2)
	var releases []func()
	for _, id := range []string{"a", "b"} {
		_, rel, err := sm.Start(context.Background(), app.SessionInfo{SessionID: id})
		if err != nil {
			t.Fatalf("Start(%s): %v", id, err)
		}
		releases = append(releases, rel)
	}

	_, _, err := sm.Start(context.Background(), app.SessionInfo{SessionID: "c"})
	if !errors.Is(err, app.ErrAtCapacity) {
		t.Fatalf("third Start: want ErrAtCapacity, got %v", err)
	}

	releases[0]()
	if _, rel, err := sm.Start(context.Background(), app.SessionInfo{SessionID: "c"}); err != nil {
		t.Errorf("Start after release: %v", err)
	} else {
		rel()
	}
	releases[1]()
}

func TestSessionManager_DuplicateID(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(0)
	_, rel, err := sm.Start(context.Background(), app.SessionInfo{SessionID: "dup"})
	if err != nil {
		t.Fatal(err)
	}
	defer rel()
	if _, _, err := sm.Start(context.Background(), app.SessionInfo{SessionID: "dup"}); err == nil {
		t.Error("duplicate session id should be rejected")
	}
}

func TestSessionManager_AttachReportsStatus(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(0)
	_, release, err := sm.Start(context.Background(), app.SessionInfo{SessionID: "s1"})
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	if got := sm.Sessions()[0]; got.State != app.StateConnecting || got.Agent != "" {
		t.Errorf("before Attach: %+v", got)
	}

	state := "listening"
	sm.Attach("s1", func() (string, string) { return "Cardiology", state })
	sm.Attach("unknown", func() (string, string) { return "x", "y" })
	if got := sm.Sessions()[0]; got.Agent != "Cardiology" || got.State != "listening" {
		t.Errorf("after Attach: %+v", got)
	}
	state = "responding"
	if got := sm.Sessions()[0]; got.State != "responding" {
		t.Errorf("status must be read on every call, got %+v", got)
	}
	if len(sm.Sessions()) != 1 {
		t.Error("Attach must not admit unknown sessions")
	}
}

func TestSessionManager_SessionsOrdered(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(0)
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i, id := range []string{"late", "early", "mid"} {
		offsets := []time.Duration{2 * time.Minute, 0, time.Minute}
		_, rel, err := sm.Start(context.Background(), app.SessionInfo{SessionID: id, StartedAt: base.Add(offsets[i])})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(rel)
	}

	got := sm.Sessions()
	want := []string{"early", "mid", "late"}
	for i := range want {
		if got[i].SessionID != want[i] {
			t.Errorf("Sessions()[%d] = %q, want %q", i, got[i].SessionID, want[i])
		}
	}
}

func TestSessionManager_Drain(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(0)
	var wg sync.WaitGroup
	for _, id := range []string{"x", "y"} {
		ctx, rel, err := sm.Start(context.Background(), app.SessionInfo{SessionID: id})
		if err != nil {
			t.Fatal(err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-ctx.Done()
			rel()
		}()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := sm.Drain(ctx); err != nil {
		t.Fatalf("Drain() error: %v", err)
	}
	wg.Wait()
	if sm.Active() != 0 {
		t.Errorf("Active() after Drain = %d", sm.Active())
	}

	if _, _, err := sm.Start(context.Background(), app.SessionInfo{SessionID: "z"}); !errors.Is(err, app.ErrDraining) {
		t.Errorf("Start while draining: want ErrDraining, got %v", err)
	}
}

func TestSessionManager_DrainDeadline(t *testing.T) {
	t.Parallel()

	sm := app.NewSessionManager(0)
	_, rel, err := sm.Start(context.Background(), app.SessionInfo{SessionID: "stuck"})
	if err != nil {
		t.Fatal(err)
	}
	defer rel()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := sm.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Drain() with a session that never releases: want DeadlineExceeded, got %v", err)
	}
}
