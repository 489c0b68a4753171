package supervisor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const scheduledSendTimeout = 15 * time.Second

// oneShotSchedule fires exactly once, at At, then never again — robfig/cron
// has no built-in one-shot kind, so Next reports a sentinel far-future time
// once the fire has already happened.
type oneShotSchedule struct {
	at    time.Time
	fired bool
}

func (s *oneShotSchedule) Next(t time.Time) time.Time {
	if s.fired || t.After(s.at) {
		s.fired = true
		return s.at.Add(100 * 365 * 24 * time.Hour)
	}
	return s.at
}

// scheduledMessage is one pending !schedule entry, kept around so
// !list_schedules and !cancel_schedule have something to report against.
type scheduledMessage struct {
	num     int
	cronID  cron.EntryID
	roomID  string
	body    string
	at      time.Time
	creator string
}

// scheduler owns the cron.Cron runtime and the bookkeeping needed for
// !schedule / !list_schedules / !cancel_schedule.
type scheduler struct {
	cron *cron.Cron
	send func(ctx context.Context, roomID, body string) error

	mu      sync.Mutex
	entries map[int]*scheduledMessage
	nextNum int
}

func newScheduler(c *cron.Cron, send func(ctx context.Context, roomID, body string) error) *scheduler {
	return &scheduler{cron: c, send: send, entries: make(map[int]*scheduledMessage)}
}

// Schedule registers a one-shot message to be posted into roomID after delay,
// returning the user-facing schedule number.
func (s *scheduler) Schedule(roomID, creator, body string, delay time.Duration) (int, time.Time) {
	s.mu.Lock()
	s.nextNum++
	num := s.nextNum
	s.mu.Unlock()

	at := time.Now().Add(delay)
	entry := &scheduledMessage{num: num, roomID: roomID, body: body, at: at, creator: creator}

	cronID := s.cron.Schedule(&oneShotSchedule{at: at}, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), scheduledSendTimeout)
		defer cancel()
		_ = s.send(ctx, roomID, body)
		s.mu.Lock()
		delete(s.entries, num)
		s.mu.Unlock()
	}))
	entry.cronID = cronID

	s.mu.Lock()
	s.entries[num] = entry
	s.mu.Unlock()
	return num, at
}

// List returns every still-pending scheduled message, ordered by schedule number.
func (s *scheduler) List() []*scheduledMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*scheduledMessage, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].num < out[j].num })
	return out
}

// Cancel removes a scheduled message by its user-facing number.
func (s *scheduler) Cancel(num int) error {
	s.mu.Lock()
	entry, ok := s.entries[num]
	if ok {
		delete(s.entries, num)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: no schedule numbered %d", num)
	}
	s.cron.Remove(entry.cronID)
	return nil
}
