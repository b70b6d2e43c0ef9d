package retention

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/myelo/internal/checkpoint"
	"github.com/zulandar/myelo/internal/conversation"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type fakeLister struct {
	sessions []checkpoint.SessionInfo
	err      error
}

func (f *fakeLister) Sessions(context.Context) ([]checkpoint.SessionInfo, error) {
	return f.sessions, f.err
}

type fakeEraser struct {
	mu     sync.Mutex
	erased []string
	fail   map[string]error
}

func (f *fakeEraser) Erase(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return err
	}
	f.erased = append(f.erased, id)
	return nil
}

func (f *fakeEraser) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.erased)
}

func newSweeper(t *testing.T, l Lister, e Eraser, schedule string) *Sweeper {
	t.Helper()
	s, err := New(Opts{
		Store:    l,
		Eraser:   e,
		Schedule: schedule,
		MaxIdle:  24 * time.Hour,
		Now:      func() time.Time { return base },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

// ----------------------------------------------------------------------------
// New
// ----------------------------------------------------------------------------

func TestNew_Validation(t *testing.T) {
	l, e := &fakeLister{}, &fakeEraser{}
	tests := []struct {
		name string
		opts Opts
		want string
	}{
		{"no store", Opts{Eraser: e, Schedule: "0 3 * * *", MaxIdle: time.Hour}, "store is required"},
		{"no eraser", Opts{Store: l, Schedule: "0 3 * * *", MaxIdle: time.Hour}, "eraser is required"},
		{"no max idle", Opts{Store: l, Eraser: e, Schedule: "0 3 * * *"}, "max idle must be positive"},
		{"bad schedule", Opts{Store: l, Eraser: e, Schedule: "every night", MaxIdle: time.Hour}, "schedule"},
		{"six fields", Opts{Store: l, Eraser: e, Schedule: "0 0 3 * * *", MaxIdle: time.Hour}, "schedule"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want %q", err, tt.want)
			}
		})
	}
}

func TestNext_DailySchedule(t *testing.T) {
	s := newSweeper(t, &fakeLister{}, &fakeEraser{}, "0 3 * * *")
	got := s.Next(base)
	want := time.Date(2026, 3, 2, 3, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Next = %v, want %v", got, want)
	}
}

// ----------------------------------------------------------------------------
// Sweep
// ----------------------------------------------------------------------------

func TestSweep_ErasesOnlyIdleSessions(t *testing.T) {
	l := &fakeLister{sessions: []checkpoint.SessionInfo{
		{SessionID: "alice", UpdatedAt: base.Add(-48 * time.Hour)},
		{SessionID: "bob", UpdatedAt: base.Add(-time.Hour)},
		{SessionID: "carol", UpdatedAt: base.Add(-24*time.Hour - time.Second)},
		{SessionID: "dave", UpdatedAt: base.Add(-24 * time.Hour)},
	}}
	e := &fakeEraser{}
	s := newSweeper(t, l, e, "0 3 * * *")

	rep, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if rep.Checked != 4 {
		t.Errorf("Checked = %d, want 4", rep.Checked)
	}
	if strings.Join(rep.Erased, ",") != "alice,carol" {
		t.Errorf("Erased = %v, want [alice carol]", rep.Erased)
	}
	if strings.Join(e.erased, ",") != "alice,carol" {
		t.Errorf("eraser saw %v", e.erased)
	}
}

func TestSweep_ContinuesPastFailures(t *testing.T) {
	l := &fakeLister{sessions: []checkpoint.SessionInfo{
		{SessionID: "alice", UpdatedAt: base.Add(-48 * time.Hour)},
		{SessionID: "bob", UpdatedAt: base.Add(-48 * time.Hour)},
	}}
	e := &fakeEraser{fail: map[string]error{"alice": errors.New("locked")}}
	s := newSweeper(t, l, e, "0 3 * * *")

	rep, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.Erased) != 1 || rep.Erased[0] != "bob" {
		t.Errorf("Erased = %v", rep.Erased)
	}
	if rep.Failed["alice"] == nil {
		t.Errorf("Failed = %v, want alice", rep.Failed)
	}
}

func TestSweep_ListError(t *testing.T) {
	s := newSweeper(t, &fakeLister{err: errors.New("db down")}, &fakeEraser{}, "0 3 * * *")
	if _, err := s.Sweep(context.Background()); err == nil || !strings.Contains(err.Error(), "db down") {
		t.Fatalf("err = %v", err)
	}
}

func TestSweep_BadgerStore(t *testing.T) {
	store, err := checkpoint.OpenBadger(checkpoint.BadgerStoreOpts{InMemory: true})
	if err != nil {
		t.Fatalf("OpenBadger: %v", err)
	}
	defer store.Close()
	ctx := context.Background()
	if _, err := store.Append(ctx, "old", checkpoint.SourceLoop, []conversation.Message{conversation.User("hi")}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	eraser := eraserFunc(func(ctx context.Context, id string) error {
		_, err := store.DeleteAll(ctx, id)
		return err
	})
	s, err := New(Opts{
		Store:    store,
		Eraser:   eraser,
		Schedule: "0 3 * * *",
		MaxIdle:  time.Hour,
		Now:      func() time.Time { return time.Now().Add(2 * time.Hour) },
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	rep, err := s.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if len(rep.Erased) != 1 || rep.Erased[0] != "old" {
		t.Fatalf("Erased = %v", rep.Erased)
	}
	if _, err := store.Latest(ctx, "old"); !errors.Is(err, checkpoint.ErrNoCheckpoint) {
		t.Errorf("Latest after sweep: err = %v, want ErrNoCheckpoint", err)
	}
}

type eraserFunc func(ctx context.Context, id string) error

func (f eraserFunc) Erase(ctx context.Context, id string) error { return f(ctx, id) }

// ----------------------------------------------------------------------------
// Run
// ----------------------------------------------------------------------------

func TestRun_SweepsOnScheduleUntilCancel(t *testing.T) {
	l := &fakeLister{sessions: []checkpoint.SessionInfo{{SessionID: "alice", UpdatedAt: time.Unix(0, 0)}}}
	e := &fakeEraser{}
	s, err := New(Opts{Store: l, Eraser: e, Schedule: "* * * * *", MaxIdle: time.Hour})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	// Fire almost immediately: pretend it is one millisecond before the next minute.
	s.now = func() time.Time {
		return time.Now().Truncate(time.Minute).Add(time.Minute - time.Millisecond)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for e.count() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("sweeper never ran")
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
