package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"reflect"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/mindroom/pkg/models"
)

// ChangeKind classifies how an entity differs between two snapshots.
type ChangeKind string

const (
	Added   ChangeKind = "added"
	Removed ChangeKind = "removed"
	Changed ChangeKind = "changed"
)

// Diff is the result of comparing two snapshots, keyed by entity id.
type Diff map[string]ChangeKind

// IsEmpty reports whether the diff contains no changes.
func (d Diff) IsEmpty() bool { return len(d) == 0 }

// ComputeDiff classifies every entity id present in old or new as
// Added/Removed/Changed by structural equality after normalization.
// A nil old snapshot (initial load) yields Added for every entity in new.
func ComputeDiff(old, new *Snapshot) Diff {
	diff := Diff{}
	if new == nil {
		if old == nil {
			return diff
		}
		for id := range old.Entities {
			diff[id] = Removed
		}
		return diff
	}
	if old == nil {
		for id := range new.Entities {
			diff[id] = Added
		}
		return diff
	}
	for id, newEntity := range new.Entities {
		oldEntity, existed := old.Entities[id]
		if !existed {
			diff[id] = Added
			continue
		}
		if !reflect.DeepEqual(normalize(oldEntity, old), normalize(newEntity, new)) {
			diff[id] = Changed
		}
	}
	for id := range old.Entities {
		if _, stillPresent := new.Entities[id]; !stillPresent {
			diff[id] = Removed
		}
	}
	return diff
}

// normalizedEntity is the structural-equality comparator shape used by
// ComputeDiff: slice order and nil-vs-empty differences are erased so that
// rewriting a config document in a different field order never registers
// as a change. The referenced model/tool/knowledge-base definitions fold
// in as fingerprints, so editing a definition's body flags every entity
// referencing it as Changed even when the reference id itself is stable.
type normalizedEntity struct {
	ID, DisplayName, ModelRef, Instructions   string
	NumHistoryRuns                            int
	LearningMode, Mode                        string
	Rooms, ToolIDs, KnowledgeBaseIDs, Members []string
	ModelDef                                  string
	ToolDefs, KnowledgeBaseDefs               []string
}

func normalize(e models.Entity, snap *Snapshot) normalizedEntity {
	return normalizedEntity{
		ID:                e.ID,
		DisplayName:       e.DisplayName,
		ModelRef:          e.ModelRef,
		Instructions:      e.Instructions,
		NumHistoryRuns:    e.NumHistoryRuns,
		LearningMode:      string(e.LearningMode),
		Mode:              string(e.Mode),
		Rooms:             sortedCopy(e.Rooms),
		ToolIDs:           sortedCopy(e.ToolIDs),
		KnowledgeBaseIDs:  sortedCopy(e.KnowledgeBaseIDs),
		Members:           sortedCopy(e.Members),
		ModelDef:          modelDef(snap, e.ModelRef),
		ToolDefs:          defFingerprints(e.ToolIDs, func(id string) string { return toolDef(snap, id) }),
		KnowledgeBaseDefs: defFingerprints(e.KnowledgeBaseIDs, func(id string) string { return knowledgeBaseDef(snap, id) }),
	}
}

func modelDef(snap *Snapshot, ref string) string {
	if ref == "" || snap == nil || snap.Raw == nil {
		return ""
	}
	for _, m := range snap.Raw.Models {
		if m.ID == ref {
			return m.ID + "|" + m.Provider + "|" + m.Name
		}
	}
	return ""
}

func toolDef(snap *Snapshot, id string) string {
	if snap == nil || snap.Raw == nil {
		return ""
	}
	for _, t := range snap.Raw.Tools {
		if t.ID == id {
			return t.ID + "|" + t.Description
		}
	}
	return ""
}

func knowledgeBaseDef(snap *Snapshot, id string) string {
	if snap == nil || snap.Raw == nil {
		return ""
	}
	for _, kb := range snap.Raw.KnowledgeBases {
		if kb.ID == id {
			return kb.ID + "|" + kb.Path
		}
	}
	return ""
}

func defFingerprints(ids []string, lookup func(id string) string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, lookup(id))
	}
	sort.Strings(out)
	return out
}

func sortedCopy(in []string) []string {
	out := append([]string(nil), in...)
	sort.Strings(out)
	return out
}

// Watcher polls a config source every PollInterval, comparing a content
// fingerprint (sha256 of the file contents). On a genuine content change it
// calls Load and, on success, invokes the callback with the new snapshot.
// A failed Load logs the error and leaves the previous snapshot active.
type Watcher struct {
	Path         string
	PollInterval time.Duration
	Logger       *slog.Logger

	current *Snapshot
}

// NewWatcher constructs a Watcher for path, defaulting PollInterval to 1s.
func NewWatcher(path string, logger *slog.Logger) *Watcher {
	return &Watcher{Path: path, PollInterval: time.Second, Logger: logger}
}

// Watch loads the initial snapshot, then watches the file (and its
// directory, to survive editors that replace-on-save) via fsnotify,
// gated by the fingerprint comparison so no-op writes never trigger a
// reload. It blocks until ctx is cancelled.
func (w *Watcher) Watch(ctx context.Context, callback func(*Snapshot)) error {
	initial, err := Load(w.Path)
	if err != nil {
		return err
	}
	w.current = initial
	callback(initial)

	notify, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer notify.Close()

	dir := filepath.Dir(w.Path)
	if err := notify.Add(dir); err != nil {
		return err
	}

	ticker := time.NewTicker(w.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-notify.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.Path) {
				continue
			}
			w.reload(callback)
		case err, ok := <-notify.Errors:
			if !ok {
				return nil
			}
			if w.Logger != nil {
				w.Logger.Error("config watcher error", "error", err)
			}
		case <-ticker.C:
			w.reload(callback)
		}
	}
}

func (w *Watcher) reload(callback func(*Snapshot)) {
	fp, err := fingerprintFile(w.Path)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Error("config fingerprint failed", "error", err)
		}
		return
	}
	if w.current != nil && fp == w.current.Fingerprint {
		return
	}
	next, err := Load(w.Path)
	if err != nil {
		if w.Logger != nil {
			w.Logger.Error("config reload failed, keeping previous snapshot", "error", err)
		}
		return
	}
	w.current = next
	callback(next)
}
