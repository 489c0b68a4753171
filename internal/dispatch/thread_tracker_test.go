package dispatch

import (
	"fmt"
	"testing"

	"github.com/haasonsaas/mindroom/pkg/models"
)

func observeHuman(t *ThreadTracker, threadID, eventID, sender, body string) {
	t.Observe(models.Message{EventID: eventID, ThreadID: threadID, SenderID: sender, Body: body}, sender, false, true)
}

func TestHistoryReturnsLastMessagesOldestFirst(t *testing.T) {
	tr := NewThreadTracker()
	observeHuman(tr, "T1", "e1", "alice", "first")
	observeHuman(tr, "T1", "e2", "bob", "second")
	observeHuman(tr, "T1", "e3", "alice", "third")

	got := tr.History("T1", 2)
	if len(got) != 2 {
		t.Fatalf("History = %v, want 2 entries", got)
	}
	if got[0].Body != "second" || got[1].Body != "third" {
		t.Fatalf("History = %v, want [second third]", got)
	}
	if got[1].SenderID != "alice" {
		t.Fatalf("sender = %q, want alice", got[1].SenderID)
	}
}

func TestHistoryLimitZeroAndUnknownThread(t *testing.T) {
	tr := NewThreadTracker()
	observeHuman(tr, "T1", "e1", "alice", "hi")

	if got := tr.History("T1", 0); got != nil {
		t.Fatalf("expected no history for limit 0, got %v", got)
	}
	if got := tr.History("T2", 5); got != nil {
		t.Fatalf("expected no history for unknown thread, got %v", got)
	}
}

func TestObserveDeduplicatesEventIDs(t *testing.T) {
	tr := NewThreadTracker()
	// Every bot in the room observes the same event once; the buffer must
	// record it a single time.
	for i := 0; i < 3; i++ {
		observeHuman(tr, "T1", "e1", "alice", "hello")
	}
	if got := tr.History("T1", 10); len(got) != 1 {
		t.Fatalf("expected 1 buffered message, got %v", got)
	}
}

func TestObserveEditRewritesStoredBody(t *testing.T) {
	tr := NewThreadTracker()
	observeHuman(tr, "T1", "e1", "alice", "write fizzbuz")
	tr.Observe(models.Message{
		EventID:  "e2",
		ThreadID: "T1",
		SenderID: "alice",
		Body:     "write fizzbuzz",
		IsEdit:   true,
		Replaces: "e1",
	}, "alice", false, true)

	got := tr.History("T1", 10)
	if len(got) != 1 {
		t.Fatalf("expected the edit to rewrite in place, got %v", got)
	}
	if got[0].Body != "write fizzbuzz" || got[0].EventID != "e1" {
		t.Fatalf("expected rewritten original entry, got %+v", got[0])
	}
}

func TestObserveBoundsBuffer(t *testing.T) {
	tr := NewThreadTracker()
	for i := 0; i < maxThreadHistory+10; i++ {
		observeHuman(tr, "T1", fmt.Sprintf("e%d", i), "alice", fmt.Sprintf("msg %d", i))
	}
	got := tr.History("T1", maxThreadHistory+10)
	if len(got) != maxThreadHistory {
		t.Fatalf("buffer length = %d, want %d", len(got), maxThreadHistory)
	}
	if got[len(got)-1].Body != fmt.Sprintf("msg %d", maxThreadHistory+9) {
		t.Fatalf("expected newest message retained, got %+v", got[len(got)-1])
	}
	if got[0].Body != "msg 10" {
		t.Fatalf("expected oldest entries evicted, got %+v", got[0])
	}
}

func TestObserveIgnoresUnclassifiedSenders(t *testing.T) {
	tr := NewThreadTracker()
	tr.Observe(models.Message{EventID: "e1", ThreadID: "T1", SenderID: "router", Body: "Stopped."}, "router", false, false)

	if got := tr.History("T1", 10); got != nil {
		t.Fatalf("expected router post to be ignored, got %v", got)
	}
	if tr.HumanCount("T1") != 0 {
		t.Fatalf("expected no human senders recorded")
	}
}
