package registry

import (
	"testing"

	"github.com/haasonsaas/mindroom/internal/config"
	"github.com/haasonsaas/mindroom/pkg/models"
)

func snapshotWithTwoAgents() *config.Snapshot {
	return &config.Snapshot{
		RouterID: "router",
		Entities: map[string]models.Entity{
			"router": {ID: "router", Kind: models.EntityRouter, Rooms: []string{"lobby"}},
			"coder":  {ID: "coder", Kind: models.EntityAgent, Rooms: []string{"lobby"}},
			"writer": {ID: "writer", Kind: models.EntityAgent, Rooms: []string{"lobby"}},
			"ship":   {ID: "ship", Kind: models.EntityTeam, Rooms: []string{"lobby"}, Members: []string{"coder", "writer"}},
		},
		Rooms: map[string]models.Room{
			"lobby": {ID: "lobby"},
		},
	}
}

func TestApplyAndGet(t *testing.T) {
	r := New()
	r.Apply(snapshotWithTwoAgents())

	if _, ok := r.Get("missing"); ok {
		t.Fatal("expected missing entity to be absent")
	}
	e, ok := r.Get("coder")
	if !ok || e.Kind != models.EntityAgent {
		t.Fatalf("expected coder agent, got %+v ok=%v", e, ok)
	}

	router, ok := r.Router()
	if !ok || router.ID != "router" {
		t.Fatalf("expected router entity, got %+v ok=%v", router, ok)
	}
}

func TestAgentsInRoomCount(t *testing.T) {
	r := New()
	r.Apply(snapshotWithTwoAgents())

	agents := r.AgentsInRoom("lobby")
	if len(agents) != 2 {
		t.Fatalf("expected 2 agents in room, got %d", len(agents))
	}

	teams := r.Teams()
	if len(teams) != 1 || teams[0].ID != "ship" {
		t.Fatalf("expected single team 'ship', got %+v", teams)
	}
}

func TestCloneIsolatesCallers(t *testing.T) {
	r := New()
	r.Apply(snapshotWithTwoAgents())

	e, _ := r.Get("coder")
	e.Rooms[0] = "mutated"

	e2, _ := r.Get("coder")
	if e2.Rooms[0] != "lobby" {
		t.Fatalf("mutation leaked into registry: %+v", e2)
	}
}

type fakeBot struct{ id string }

func (f *fakeBot) EntityID() string               { return f.id }
func (f *fakeBot) Stop(timeoutSeconds float64) error { return nil }

func TestSetGetRemoveBot(t *testing.T) {
	r := New()
	b := &fakeBot{id: "coder"}
	r.SetBot("coder", b)

	got, ok := r.Bot("coder")
	if !ok || got.EntityID() != "coder" {
		t.Fatalf("expected bot to be tracked, got %+v ok=%v", got, ok)
	}

	r.RemoveBot("coder")
	if _, ok := r.Bot("coder"); ok {
		t.Fatal("expected bot to be removed")
	}
}

func TestApplyReplacesSnapshotAtomically(t *testing.T) {
	r := New()
	r.Apply(snapshotWithTwoAgents())

	reduced := snapshotWithTwoAgents()
	delete(reduced.Entities, "writer")
	r.Apply(reduced)

	if _, ok := r.Get("writer"); ok {
		t.Fatal("expected writer to be removed after Apply")
	}
	if _, ok := r.Get("coder"); !ok {
		t.Fatal("expected coder to remain")
	}
}
