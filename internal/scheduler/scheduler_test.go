package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/perzivalh/perzivalh-os-sub001/internal/models"
	"github.com/perzivalh/perzivalh-os-sub001/internal/store"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
	if err := s.AddJob("@hourly", func() {}); err != nil {
		t.Errorf("Expected descriptor to be accepted, got %v", err)
	}
	if err := s.AddJob("not a cron", func() {}); err == nil {
		t.Error("Expected error for invalid expression")
	}
}

func TestSessionSweeper(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	for _, id := range []string{"59170000001", "59170000002"} {
		if err := st.SaveSession(ctx, models.NewSession(id, "botpoditov2")); err != nil {
			t.Fatal(err)
		}
	}

	w := NewSessionSweeper(st, time.Hour)
	if n, err := w.Sweep(ctx); err != nil || n != 0 {
		t.Fatalf("fresh sessions swept: n=%d err=%v", n, err)
	}

	w.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	n, err := w.Sweep(ctx)
	if err != nil || n != 2 {
		t.Fatalf("expected 2 idle sessions swept, got n=%d err=%v", n, err)
	}
	left, _ := st.ListSessions(ctx)
	if len(left) != 0 {
		t.Errorf("sessions left: %d", len(left))
	}
}

func TestScheduleSweeperRejectsBadCron(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	w := NewSessionSweeper(store.NewInMemoryStore(), 0)
	if w.retention != DefaultSweepRetention {
		t.Errorf("retention = %v", w.retention)
	}
	if err := s.ScheduleSweeper("61 * * * *", w); err == nil {
		t.Error("expected invalid schedule error")
	}
	if err := s.ScheduleSweeper("", w); err != nil {
		t.Errorf("default schedule rejected: %v", err)
	}
}
