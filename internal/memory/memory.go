// Package memory defines the Memory contract: Recall/Commit scoped to
// (agent, room, team). The concrete memory store is an external
// collaborator; this package only names the shape the Reply Pipeline
// depends on.
package memory

import (
	"context"
	"time"
)

// Scope identifies whose memory a Recall/Commit call reads or writes.
type Scope struct {
	AgentID string
	RoomID  string
	TeamID  string
}

// Record is one episodic memory entry committed after a reply completes.
type Record struct {
	ThreadID  string
	Content   string
	Timestamp time.Time
}

// Store is the memory contract. Commit errors are logged and dropped by
// the caller; they never surface to the user.
type Store interface {
	Recall(ctx context.Context, scope Scope, query string, k int) ([]string, error)
	Commit(ctx context.Context, scope Scope, record Record) error
}

// NoopStore is a Store that recalls nothing and drops every commit — the
// default when memory is disabled in config (memory.enabled=false).
type NoopStore struct{}

// Recall implements Store.
func (NoopStore) Recall(ctx context.Context, scope Scope, query string, k int) ([]string, error) {
	return nil, nil
}

// Commit implements Store.
func (NoopStore) Commit(ctx context.Context, scope Scope, record Record) error {
	return nil
}
