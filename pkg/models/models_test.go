package models

import "testing"

func TestEntityCloneIsIndependent(t *testing.T) {
	original := Entity{
		ID:               "coder",
		Kind:             EntityAgent,
		Rooms:            []string{"lobby"},
		ToolIDs:          []string{"search"},
		KnowledgeBaseIDs: []string{"kb1"},
		Members:          []string{"agentA"},
	}
	clone := original.Clone()
	clone.Rooms[0] = "other-room"
	clone.ToolIDs[0] = "other-tool"

	if original.Rooms[0] != "lobby" {
		t.Fatalf("mutating clone.Rooms affected original: %v", original.Rooms)
	}
	if original.ToolIDs[0] != "search" {
		t.Fatalf("mutating clone.ToolIDs affected original: %v", original.ToolIDs)
	}
}

func TestEntityInRoom(t *testing.T) {
	e := Entity{Rooms: []string{"lobby", "general"}}
	if !e.InRoom("lobby") {
		t.Fatalf("expected InRoom(lobby) true")
	}
	if e.InRoom("missing") {
		t.Fatalf("expected InRoom(missing) false")
	}
}
