package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
)

func TestSchedulerFiresAfterDelay(t *testing.T) {
	c := cron.New()
	c.Start()
	defer c.Stop()

	var mu sync.Mutex
	var got []string
	fired := make(chan struct{})

	s := newScheduler(c, func(_ context.Context, roomID, body string) error {
		mu.Lock()
		got = append(got, roomID+":"+body)
		mu.Unlock()
		close(fired)
		return nil
	})

	num, at := s.Schedule("room-1", "alice", "reminder text", 20*time.Millisecond)
	if num != 1 {
		t.Fatalf("expected schedule number 1, got %d", num)
	}
	if !at.After(time.Now()) {
		t.Fatal("expected the fire time to be in the future")
	}

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled message never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "room-1:reminder text" {
		t.Fatalf("unexpected fired messages: %v", got)
	}
}

func TestSchedulerCancelPreventsFiring(t *testing.T) {
	c := cron.New()
	c.Start()
	defer c.Stop()

	fired := make(chan struct{}, 1)
	s := newScheduler(c, func(_ context.Context, _, _ string) error {
		fired <- struct{}{}
		return nil
	})

	num, _ := s.Schedule("room-1", "alice", "should not fire", 30*time.Millisecond)
	if err := s.Cancel(num); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	select {
	case <-fired:
		t.Fatal("cancelled schedule fired anyway")
	case <-time.After(100 * time.Millisecond):
	}

	if len(s.List()) != 0 {
		t.Fatalf("expected no pending entries after cancel, got %v", s.List())
	}
}

func TestSchedulerCancelUnknownNumberFails(t *testing.T) {
	c := cron.New()
	c.Start()
	defer c.Stop()

	s := newScheduler(c, func(context.Context, string, string) error { return nil })
	if err := s.Cancel(999); err == nil {
		t.Fatal("expected an error cancelling an unknown schedule number")
	}
}

func TestSchedulerListOrdersBySequenceNumber(t *testing.T) {
	c := cron.New()
	c.Start()
	defer c.Stop()

	s := newScheduler(c, func(context.Context, string, string) error { return nil })
	s.Schedule("room-1", "alice", "first", time.Hour)
	s.Schedule("room-1", "alice", "second", time.Hour)
	s.Schedule("room-1", "alice", "third", time.Hour)

	list := s.List()
	if len(list) != 3 {
		t.Fatalf("expected 3 pending entries, got %d", len(list))
	}
	for i, e := range list {
		if e.num != i+1 {
			t.Fatalf("expected entries ordered by schedule number, got %+v", list)
		}
	}
}
