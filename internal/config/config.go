// Package config parses, validates, and watches the MindRoom configuration
// document: the single canonical source that describes every agent, team,
// router, room, model, tool, and knowledge base the orchestrator manages.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/mindroom/pkg/models"
)

// Config is the root of the configuration document. It is decoded with
// unknown-field rejection, then validated into an immutable Snapshot.
type Config struct {
	Agents         []AgentConfig         `yaml:"agents" json:"agents"`
	Teams          []TeamConfig          `yaml:"teams" json:"teams"`
	Router         RouterConfig          `yaml:"router" json:"router"`
	Rooms          []RoomConfig          `yaml:"rooms" json:"rooms"`
	Models         []ModelConfig         `yaml:"models,omitempty" json:"models,omitempty"`
	Tools          []ToolConfig          `yaml:"tools,omitempty" json:"tools,omitempty"`
	KnowledgeBases []KnowledgeBaseConfig `yaml:"knowledge_bases,omitempty" json:"knowledge_bases,omitempty"`
	Memory         MemoryConfig          `yaml:"memory,omitempty" json:"memory,omitempty"`
	Defaults       DefaultsConfig        `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	BotAccounts    []string              `yaml:"bot_accounts,omitempty" json:"bot_accounts,omitempty"`
	Matrix         MatrixConfig          `yaml:"matrix" json:"matrix"`
	Observability  ObservabilityConfig   `yaml:"observability,omitempty" json:"observability,omitempty"`
}

// AgentConfig is the raw document shape for one agent entity.
type AgentConfig struct {
	ID               string   `yaml:"id" json:"id"`
	DisplayName      string   `yaml:"display_name" json:"display_name"`
	Rooms            []string `yaml:"rooms,omitempty" json:"rooms,omitempty"`
	ModelRef         string   `yaml:"model_ref,omitempty" json:"model_ref,omitempty"`
	ToolIDs          []string `yaml:"tool_ids,omitempty" json:"tool_ids,omitempty"`
	KnowledgeBaseIDs []string `yaml:"knowledge_base_ids,omitempty" json:"knowledge_base_ids,omitempty"`
	Instructions     string   `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	NumHistoryRuns   int      `yaml:"num_history_runs,omitempty" json:"num_history_runs,omitempty"`
	LearningMode     string   `yaml:"learning_mode,omitempty" json:"learning_mode,omitempty"`
}

// TeamConfig is the raw document shape for one team entity.
type TeamConfig struct {
	ID          string   `yaml:"id" json:"id"`
	DisplayName string   `yaml:"display_name" json:"display_name"`
	Rooms       []string `yaml:"rooms,omitempty" json:"rooms,omitempty"`
	Agents      []string `yaml:"agents" json:"agents"`
	Mode        string   `yaml:"mode,omitempty" json:"mode,omitempty"`
}

// RouterConfig is the raw document shape for the (singular) router entity.
type RouterConfig struct {
	ID             string   `yaml:"id" json:"id"`
	DisplayName    string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Rooms          []string `yaml:"rooms,omitempty" json:"rooms,omitempty"`
	ModelRef       string   `yaml:"model_ref,omitempty" json:"model_ref,omitempty"`
	SuggestTimeout Duration `yaml:"suggest_timeout,omitempty" json:"suggest_timeout,omitempty"`
}

// RoomConfig is a known chat room. Members lists the authorized senders:
// entity ids plus human user ids. An empty list means no authorization
// gate for the room.
type RoomConfig struct {
	ID          string   `yaml:"id" json:"id"`
	DisplayName string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Members     []string `yaml:"members,omitempty" json:"members,omitempty"`
	ModelRef    string   `yaml:"model_ref,omitempty" json:"model_ref,omitempty"`
}

// ModelConfig names an LLM backend binding, resolved by the external LLM
// backend collaborator; the core only validates references to it.
type ModelConfig struct {
	ID       string `yaml:"id" json:"id"`
	Provider string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Name     string `yaml:"name,omitempty" json:"name,omitempty"`
}

// ToolConfig names a tool id, resolved by the external tool registry
// collaborator; the core only validates references to it.
type ToolConfig struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
}

// KnowledgeBaseConfig names a knowledge base id, resolved by the external
// knowledge-base indexer collaborator.
type KnowledgeBaseConfig struct {
	ID   string `yaml:"id" json:"id"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}

// MemoryConfig configures the external memory collaborator's scope defaults.
type MemoryConfig struct {
	Enabled        bool `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	DefaultRecallK int  `yaml:"default_recall_k,omitempty" json:"default_recall_k,omitempty"`
}

// DefaultsConfig holds fleet-wide defaults applied when an entity omits a field.
type DefaultsConfig struct {
	NumHistoryRuns       int      `yaml:"num_history_runs,omitempty" json:"num_history_runs,omitempty"`
	LearningMode         string   `yaml:"learning_mode,omitempty" json:"learning_mode,omitempty"`
	ToolResultDisplayMax int      `yaml:"tool_result_display_max,omitempty" json:"tool_result_display_max,omitempty"`
	EditThrottle         Duration `yaml:"edit_throttle,omitempty" json:"edit_throttle,omitempty"`
	ConcurrencyBudget    int      `yaml:"concurrency_budget,omitempty" json:"concurrency_budget,omitempty"`
	BacklogQueueSize     int      `yaml:"backlog_queue_size,omitempty" json:"backlog_queue_size,omitempty"`
	RouterTimeout        Duration `yaml:"router_timeout,omitempty" json:"router_timeout,omitempty"`
}

// MatrixConfig configures the chat client contract implementation.
type MatrixConfig struct {
	HomeserverURL  string `yaml:"homeserver_url" json:"homeserver_url"`
	CredentialPath string `yaml:"credential_path,omitempty" json:"credential_path,omitempty"`
}

// ObservabilityConfig configures the ambient logging/metrics/tracing stack.
type ObservabilityConfig struct {
	LogLevel      string `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	LogFormat     string `yaml:"log_format,omitempty" json:"log_format,omitempty"`
	MetricsAddr   string `yaml:"metrics_addr,omitempty" json:"metrics_addr,omitempty"`
	TraceEndpoint string `yaml:"trace_endpoint,omitempty" json:"trace_endpoint,omitempty"`
}

// Duration wraps time.Duration so the document can write "500ms" / "10s".
type Duration time.Duration

// UnmarshalYAML implements custom parsing for human-readable duration strings.
func (d *Duration) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Defaults applied when the document omits a DefaultsConfig field.
const (
	DefaultNumHistoryRuns       = 10
	DefaultToolResultDisplayMax = 500
	DefaultEditThrottle         = 500 * time.Millisecond
	DefaultConcurrencyBudget    = 4
	DefaultBacklogQueueSize     = 32
	DefaultRouterTimeout        = 10 * time.Second
	DefaultResponseTrackerCap   = 10000
)

// Snapshot is the immutable, validated view of a loaded Config. It is the
// only representation the rest of the orchestrator ever consumes.
type Snapshot struct {
	Fingerprint   string
	Entities      map[string]models.Entity
	RouterID      string
	Rooms         map[string]models.Room
	BotAccounts   map[string]struct{}
	Defaults      DefaultsConfig
	Matrix        MatrixConfig
	Observability ObservabilityConfig
	Raw           *Config
}

// Load reads path (resolving $include directives), decodes it with strict
// unknown-field rejection, validates its schema and cross-references, and
// returns an immutable Snapshot. Any failure returns a ConfigInvalid error.
func Load(path string) (*Snapshot, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, newConfigError("load", err)
	}
	if err := validateRawSchema(raw); err != nil {
		return nil, newConfigError("schema", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, newConfigError("decode", err)
	}
	snap, err := buildSnapshot(cfg)
	if err != nil {
		return nil, newConfigError("validate", err)
	}
	if fp, ferr := fingerprintFile(path); ferr == nil {
		snap.Fingerprint = fp
	}
	return snap, nil
}

func fingerprintFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func applyDefault[T comparable](value, fallback T) T {
	var zero T
	if value == zero {
		return fallback
	}
	return value
}

func buildSnapshot(cfg *Config) (*Snapshot, error) {
	defaults := cfg.Defaults
	defaults.NumHistoryRuns = applyDefault(defaults.NumHistoryRuns, DefaultNumHistoryRuns)
	defaults.ToolResultDisplayMax = applyDefault(defaults.ToolResultDisplayMax, DefaultToolResultDisplayMax)
	defaults.EditThrottle = applyDefault(defaults.EditThrottle, Duration(DefaultEditThrottle))
	defaults.ConcurrencyBudget = applyDefault(defaults.ConcurrencyBudget, DefaultConcurrencyBudget)
	defaults.BacklogQueueSize = applyDefault(defaults.BacklogQueueSize, DefaultBacklogQueueSize)
	defaults.RouterTimeout = applyDefault(defaults.RouterTimeout, Duration(DefaultRouterTimeout))
	if defaults.LearningMode == "" {
		defaults.LearningMode = string(models.LearningOnDemand)
	}

	rooms := make(map[string]models.Room, len(cfg.Rooms))
	for _, r := range cfg.Rooms {
		if strings.TrimSpace(r.ID) == "" {
			return nil, fmt.Errorf("room with empty id")
		}
		if _, dup := rooms[r.ID]; dup {
			return nil, fmt.Errorf("duplicate room id %q", r.ID)
		}
		rooms[r.ID] = models.Room{ID: r.ID, DisplayName: r.DisplayName, Members: r.Members, ModelRef: r.ModelRef}
	}

	entities := make(map[string]models.Entity, len(cfg.Agents)+len(cfg.Teams)+1)
	agentIDs := make(map[string]struct{}, len(cfg.Agents))

	for _, a := range cfg.Agents {
		if strings.TrimSpace(a.ID) == "" {
			return nil, fmt.Errorf("agent with empty id")
		}
		if _, dup := entities[a.ID]; dup {
			return nil, fmt.Errorf("duplicate entity id %q", a.ID)
		}
		for _, rid := range a.Rooms {
			if _, ok := rooms[rid]; !ok {
				return nil, fmt.Errorf("agent %q references unknown room %q", a.ID, rid)
			}
		}
		learning := models.LearningMode(applyDefault(a.LearningMode, defaults.LearningMode))
		entities[a.ID] = models.Entity{
			ID:               a.ID,
			Kind:             models.EntityAgent,
			DisplayName:      a.DisplayName,
			Rooms:            a.Rooms,
			ModelRef:         a.ModelRef,
			ToolIDs:          a.ToolIDs,
			KnowledgeBaseIDs: a.KnowledgeBaseIDs,
			Instructions:     a.Instructions,
			NumHistoryRuns:   applyDefault(a.NumHistoryRuns, defaults.NumHistoryRuns),
			LearningMode:     learning,
		}
		agentIDs[a.ID] = struct{}{}
	}

	for _, t := range cfg.Teams {
		if strings.TrimSpace(t.ID) == "" {
			return nil, fmt.Errorf("team with empty id")
		}
		if _, dup := entities[t.ID]; dup {
			return nil, fmt.Errorf("duplicate entity id %q", t.ID)
		}
		if len(t.Agents) == 0 {
			return nil, fmt.Errorf("team %q must name at least one agent", t.ID)
		}
		for _, member := range t.Agents {
			if _, ok := agentIDs[member]; !ok {
				return nil, fmt.Errorf("team %q references unknown agent %q", t.ID, member)
			}
		}
		for _, rid := range t.Rooms {
			if _, ok := rooms[rid]; !ok {
				return nil, fmt.Errorf("team %q references unknown room %q", t.ID, rid)
			}
		}
		mode := models.TeamMode(applyDefault(t.Mode, string(models.TeamCollaborate)))
		entities[t.ID] = models.Entity{
			ID:          t.ID,
			Kind:        models.EntityTeam,
			DisplayName: t.DisplayName,
			Rooms:       t.Rooms,
			Members:     t.Agents,
			Mode:        mode,
		}
	}

	if strings.TrimSpace(cfg.Router.ID) == "" {
		return nil, fmt.Errorf("exactly one router is required")
	}
	if _, dup := entities[cfg.Router.ID]; dup {
		return nil, fmt.Errorf("router id %q collides with an agent/team id", cfg.Router.ID)
	}
	for _, rid := range cfg.Router.Rooms {
		if _, ok := rooms[rid]; !ok {
			return nil, fmt.Errorf("router references unknown room %q", rid)
		}
	}
	entities[cfg.Router.ID] = models.Entity{
		ID:          cfg.Router.ID,
		Kind:        models.EntityRouter,
		DisplayName: applyDefault(cfg.Router.DisplayName, "Router"),
		Rooms:       cfg.Router.Rooms,
		ModelRef:    cfg.Router.ModelRef,
	}

	toolIDs := make(map[string]struct{}, len(cfg.Tools))
	for _, t := range cfg.Tools {
		toolIDs[t.ID] = struct{}{}
	}
	modelIDs := make(map[string]struct{}, len(cfg.Models))
	for _, m := range cfg.Models {
		modelIDs[m.ID] = struct{}{}
	}
	kbIDs := make(map[string]struct{}, len(cfg.KnowledgeBases))
	for _, kb := range cfg.KnowledgeBases {
		kbIDs[kb.ID] = struct{}{}
	}
	for _, e := range entities {
		if e.ModelRef != "" && len(modelIDs) > 0 {
			if _, ok := modelIDs[e.ModelRef]; !ok {
				return nil, fmt.Errorf("entity %q references unknown model %q", e.ID, e.ModelRef)
			}
		}
		for _, tid := range e.ToolIDs {
			if _, ok := toolIDs[tid]; !ok {
				return nil, fmt.Errorf("entity %q references unknown tool %q", e.ID, tid)
			}
		}
		for _, kbid := range e.KnowledgeBaseIDs {
			if _, ok := kbIDs[kbid]; !ok {
				return nil, fmt.Errorf("entity %q references unknown knowledge base %q", e.ID, kbid)
			}
		}
	}

	botAccounts := make(map[string]struct{}, len(cfg.BotAccounts))
	for _, b := range cfg.BotAccounts {
		botAccounts[b] = struct{}{}
	}

	if strings.TrimSpace(cfg.Matrix.HomeserverURL) == "" {
		return nil, fmt.Errorf("matrix.homeserver_url is required")
	}

	return &Snapshot{
		Entities:      entities,
		RouterID:      cfg.Router.ID,
		Rooms:         rooms,
		BotAccounts:   botAccounts,
		Defaults:      defaults,
		Matrix:        cfg.Matrix,
		Observability: cfg.Observability,
		Raw:           cfg,
	}, nil
}

// Entity returns a copy of the named entity, if present.
func (s *Snapshot) Entity(id string) (models.Entity, bool) {
	e, ok := s.Entities[id]
	if ok {
		return e.Clone(), true
	}
	return models.Entity{}, false
}

// Room returns the named room config, if known.
func (s *Snapshot) Room(id string) (models.Room, bool) {
	r, ok := s.Rooms[id]
	return r, ok
}

// IsBotAccount reports whether userID is a foreign bot excluded from
// human-participant detection.
func (s *Snapshot) IsBotAccount(userID string) bool {
	_, ok := s.BotAccounts[userID]
	return ok
}

// EntitiesInRoom returns every entity (agent/team/router) that lists roomID.
func (s *Snapshot) EntitiesInRoom(roomID string) []models.Entity {
	var out []models.Entity
	for _, e := range s.Entities {
		if e.InRoom(roomID) {
			out = append(out, e.Clone())
		}
	}
	return out
}

func newConfigError(stage string, err error) error {
	return &Error{Stage: stage, Err: err}
}

// Error wraps a ConfigInvalid failure with the stage it occurred in.
type Error struct {
	Stage string
	Err   error
}

func (e *Error) Error() string { return fmt.Sprintf("config %s: %v", e.Stage, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

// ResolveIncludePath resolves a relative include path against the config's directory.
func ResolveIncludePath(baseDir, include string) string {
	if filepath.IsAbs(include) {
		return include
	}
	return filepath.Join(baseDir, include)
}
