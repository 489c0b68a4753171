package memory

import (
	"context"
	"testing"
	"time"
)

func TestNoopStoreRecallReturnsNothing(t *testing.T) {
	var store NoopStore
	snippets, err := store.Recall(context.Background(), Scope{AgentID: "coder", RoomID: "lobby"}, "query", 5)
	if err != nil {
		t.Fatalf("Recall: %v", err)
	}
	if snippets != nil {
		t.Fatalf("expected nil snippets, got %v", snippets)
	}
}

func TestNoopStoreCommitDropsSilently(t *testing.T) {
	var store NoopStore
	err := store.Commit(context.Background(), Scope{AgentID: "coder", RoomID: "lobby"}, Record{
		ThreadID:  "t1",
		Content:   "said something",
		Timestamp: time.Now(),
	})
	if err != nil {
		t.Fatalf("Commit: %v", err)
	}
}

// compile-time assertion that NoopStore satisfies Store.
var _ Store = NoopStore{}
