package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/haasonsaas/mindroom/internal/bot"
	"github.com/haasonsaas/mindroom/internal/config"
	"github.com/haasonsaas/mindroom/internal/dispatch"
	"github.com/haasonsaas/mindroom/internal/errkind"
	"github.com/haasonsaas/mindroom/internal/llm"
	"github.com/haasonsaas/mindroom/internal/matrixclient"
	"github.com/haasonsaas/mindroom/internal/memory"
	"github.com/haasonsaas/mindroom/internal/observability"
	"github.com/haasonsaas/mindroom/internal/registry"
	"github.com/haasonsaas/mindroom/internal/reply"
	"github.com/haasonsaas/mindroom/internal/tools"
	"github.com/haasonsaas/mindroom/internal/tracker"
	"github.com/haasonsaas/mindroom/pkg/models"
)

const shutdownTimeoutSeconds = 10

// Config bundles the external collaborators and boot parameters the
// Lifecycle Supervisor wires together. Everything not set falls back to
// what New constructs (NoopStore for Memory, a bare StaticRegistry for
// Tools), so a minimal deployment can omit them.
type Config struct {
	ConfigPath      string
	CredentialsPath string

	LLM    llm.Provider
	Tools  tools.Registry
	Memory memory.Store

	Metrics *observability.Metrics
	Logger  *slog.Logger
}

// Supervisor is the Lifecycle Supervisor: it owns the process-wide shared
// state (Registry, ResponseTracker, StopManager, ThreadTracker), boots one
// Bot+Pipeline per configured entity, reconciles them against hot config
// reloads, and drives graceful shutdown.
type Supervisor struct {
	cfg         Config
	logger      *slog.Logger
	credentials CredentialStore

	registry *registry.Registry
	tracker  *tracker.ResponseTracker
	stop     *tracker.StopManager
	threads  *dispatch.ThreadTracker
	commands *commandTable
	cron     *cron.Cron

	obsOnce       sync.Once
	tracer        *observability.Tracer
	traceShutdown func(context.Context) error

	mu              sync.Mutex
	snapshot        *config.Snapshot
	pipelines       map[string]*reply.Pipeline
	backlogs        map[string]*entityBacklog
	overloadNotices map[string]time.Time
	degraded        map[string]*time.Timer
	abort           context.CancelFunc
	bootErr         error
	bootAborted     bool
}

func (s *Supervisor) recordBootErr(isInitialBoot bool, err error) {
	if !isInitialBoot {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.bootErr == nil {
		s.bootErr = err
	}
}

// New constructs a Supervisor. Call Run to boot and block until shutdown.
func New(cfg Config) *Supervisor {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Memory == nil {
		cfg.Memory = memory.NoopStore{}
	}
	if cfg.Tools == nil {
		cfg.Tools = tools.NewStaticRegistry(nil)
	}

	s := &Supervisor{
		cfg:             cfg,
		logger:          cfg.Logger,
		registry:        registry.New(),
		tracker:         tracker.NewResponseTracker(0),
		stop:            tracker.NewStopManager(),
		threads:         dispatch.NewThreadTracker(),
		pipelines:       make(map[string]*reply.Pipeline),
		backlogs:        make(map[string]*entityBacklog),
		overloadNotices: make(map[string]time.Time),
		degraded:        make(map[string]*time.Timer),
		cron:            cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow))),
	}
	s.commands = newCommandTable(s)
	return s
}

// Run loads credentials, watches the config file for the life of ctx,
// booting/reconciling/tearing-down bots as entities are added, changed, or
// removed, and blocks until ctx is cancelled. It returns a process exit
// code (0 clean shutdown, 1 config error at boot, 2 chat client auth
// failure).
func (s *Supervisor) Run(ctx context.Context) (exitCode int, err error) {
	if s.cfg.CredentialsPath != "" {
		creds, credErr := LoadFileCredentialStore(s.cfg.CredentialsPath)
		if credErr != nil {
			return 1, fmt.Errorf("supervisor: load credentials: %w", credErr)
		}
		s.credentials = creds
	}

	s.cron.Start()

	// A boot-time chat auth failure aborts the watch so the process can
	// report exit code 2 instead of idling on a half-started fleet.
	watchCtx, abort := context.WithCancel(ctx)
	defer abort()
	s.mu.Lock()
	s.abort = abort
	s.mu.Unlock()

	watcher := config.NewWatcher(s.cfg.ConfigPath, s.logger)
	watchErr := watcher.Watch(watchCtx, func(snap *config.Snapshot) {
		s.onSnapshot(watchCtx, snap)
	})

	s.shutdown()

	if watchErr != nil {
		// Watch only returns an error for the initial Load; a reload
		// failure after a successful boot is logged internally and keeps
		// the prior snapshot running instead of propagating.
		return 1, fmt.Errorf("supervisor: initial config load: %w", watchErr)
	}
	s.mu.Lock()
	aborted := s.bootAborted
	s.mu.Unlock()
	if bootErr := s.BootErr(); aborted && bootErr != nil {
		if errkind.Is(bootErr, errkind.ChatFatal) {
			return 2, fmt.Errorf("supervisor: chat client auth failure during boot: %w", bootErr)
		}
		return 1, fmt.Errorf("supervisor: boot failed: %w", bootErr)
	}
	return 0, nil
}

// onSnapshot applies a new config snapshot: the Registry is always
// replaced wholesale, but only Added/Removed entities touch any Bot's
// lifecycle — unchanged entities are left running untouched.
func (s *Supervisor) onSnapshot(ctx context.Context, snap *config.Snapshot) {
	s.mu.Lock()
	prev := s.snapshot
	s.snapshot = snap
	s.mu.Unlock()

	diff := config.ComputeDiff(prev, snap)
	s.registry.Apply(snap)

	if prev == nil {
		s.bootObservability(ctx, snap)
	}

	if diff.IsEmpty() && prev != nil {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ConfigReloaded(false)
		}
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.ConfigReloaded(true)
	}

	isInitialBoot := prev == nil
	for id, kind := range diff {
		switch kind {
		case config.Removed:
			s.stopEntity(id)
		case config.Added:
			s.startEntity(ctx, id, isInitialBoot)
		case config.Changed:
			// The chat connection survives a Changed entity; Decide and
			// the Reply Pipeline read the latest Entity from the Registry,
			// already updated above, and the pipeline knobs captured at
			// start time are rebuilt against the new snapshot.
			s.refreshPipeline(id)
		}
		if kind != config.Removed {
			s.reconcileRooms(ctx, id)
		}
	}

	// A partial boot failure leaves the healthy bots running (entities whose
	// chat client failed to start retry bringup on their 60s degraded timers;
	// entities without credentials are not retried); only a total failure
	// aborts the process so it can report a boot exit code.
	if isInitialBoot && s.BootErr() != nil && len(s.registry.Bots()) == 0 {
		s.mu.Lock()
		s.bootAborted = true
		abort := s.abort
		s.mu.Unlock()
		if abort != nil {
			abort()
		}
	}
}

// bootObservability starts the /metrics endpoint and the OTLP tracer if
// the snapshot configures them. Runs once, on the initial snapshot; later
// reloads cannot move the metrics listener or the trace collector without
// a process restart.
func (s *Supervisor) bootObservability(ctx context.Context, snap *config.Snapshot) {
	s.obsOnce.Do(func() {
		if addr := snap.Observability.MetricsAddr; addr != "" {
			go func() {
				if err := observability.StartMetricsServer(ctx, addr, s.logger); err != nil {
					s.logger.Error("metrics server failed", "addr", addr, "error", err)
				}
			}()
		}
		if endpoint := snap.Observability.TraceEndpoint; endpoint != "" {
			s.tracer, s.traceShutdown = observability.NewTracer(observability.TraceConfig{
				ServiceName: "mindroomd",
				Endpoint:    endpoint,
			})
		}
	})
}

// BootErr reports the first error encountered while starting a Bot during
// the initial config load, if any: a chat-client failure (ChatFatal) or a
// missing credential (ConfigInvalid). Run uses it to choose between exit
// code 2 (chat client auth failure) and 1 when the boot was aborted.
func (s *Supervisor) BootErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bootErr
}

func (s *Supervisor) startEntity(ctx context.Context, id string, isInitialBoot bool) {
	entity, ok := s.registry.Get(id)
	if !ok {
		return
	}
	if s.credentials == nil {
		err := errkind.Newf(errkind.ConfigInvalid, "bot.start", "no credential store configured, cannot start bot %q", id)
		s.logger.Error(err.Error())
		s.recordBootErr(isInitialBoot, err)
		return
	}
	cred, ok := s.credentials.Lookup(id)
	if !ok {
		err := errkind.Newf(errkind.ConfigInvalid, "bot.start", "no credentials for entity %q", id)
		s.logger.Error(err.Error())
		s.recordBootErr(isInitialBoot, err)
		return
	}

	s.mu.Lock()
	homeserver := ""
	if s.snapshot != nil {
		homeserver = s.snapshot.Matrix.HomeserverURL
	}
	s.mu.Unlock()

	mc, err := matrixclient.New(matrixclient.Config{
		Homeserver:  homeserver,
		UserID:      cred.UserID,
		AccessToken: cred.AccessToken,
		DeviceID:    cred.DeviceID,
		Logger:      s.logger,
	})
	if err != nil {
		s.logger.Error("failed to construct chat client", "entity_id", id, "error", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordError("bot", "auth")
		}
		s.recordBootErr(isInitialBoot, errkind.New(errkind.ChatFatal, "bot.start", fmt.Errorf("entity %q: %w", id, err)))
		s.scheduleBringupRetry(ctx, id)
		return
	}

	b := bot.New(bot.Config{
		EntityID:  id,
		Client:    mc,
		Logger:    s.logger,
		Metrics:   s.cfg.Metrics,
		OnMessage: s.makeMessageHandler(id),
		OnInvite:  s.makeInviteHandler(id),
	})
	if err := b.Start(ctx); err != nil {
		s.logger.Error("failed to start bot", "entity_id", id, "error", err)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.RecordError("bot", "auth")
		}
		s.recordBootErr(isInitialBoot, errkind.New(errkind.ChatFatal, "bot.start", fmt.Errorf("entity %q: %w", id, err)))
		s.scheduleBringupRetry(ctx, id)
		return
	}

	s.registry.SetBot(id, b)
	s.mu.Lock()
	s.pipelines[id] = s.newPipelineLocked(b)
	concurrencyBudget, queueDepth := config.DefaultConcurrencyBudget, config.DefaultBacklogQueueSize
	if s.snapshot != nil {
		concurrencyBudget = s.snapshot.Defaults.ConcurrencyBudget
		queueDepth = s.snapshot.Defaults.BacklogQueueSize
	}
	s.backlogs[id] = newEntityBacklog(concurrencyBudget, queueDepth)
	s.mu.Unlock()

	s.logger.Info("bot started", "entity_id", id, "kind", entity.Kind)
}

// newPipelineLocked builds the Reply Pipeline bound to b under the
// current snapshot's defaults. Caller must hold s.mu.
func (s *Supervisor) newPipelineLocked(b *bot.Bot) *reply.Pipeline {
	p := &reply.Pipeline{
		LLM:          s.cfg.LLM,
		Tools:        s.cfg.Tools,
		Memory:       s.cfg.Memory,
		Chat:         chatSenderAdapter{bot: b},
		Stop:         s.stop,
		Metrics:      s.cfg.Metrics,
		Tracer:       s.tracer,
		Logger:       s.logger,
		EditInterval: editInterval(s.snapshot),
	}
	if s.snapshot != nil {
		p.ToolResultMax = s.snapshot.Defaults.ToolResultDisplayMax
	}
	return p
}

// refreshPipeline rebuilds a Changed entity's pipeline against the new
// snapshot without touching its chat connection. In-flight replies keep
// the pipeline pointer they started with; new dispatches get the fresh
// configuration.
func (s *Supervisor) refreshPipeline(id string) {
	rb, ok := s.registry.Bot(id)
	if !ok {
		return
	}
	b, ok := rb.(*bot.Bot)
	if !ok {
		return
	}
	s.mu.Lock()
	if _, exists := s.pipelines[id]; exists {
		s.pipelines[id] = s.newPipelineLocked(b)
	}
	s.mu.Unlock()
}

func editInterval(snap *config.Snapshot) time.Duration {
	if snap == nil || snap.Defaults.EditThrottle == 0 {
		return 0
	}
	return time.Duration(snap.Defaults.EditThrottle)
}

const degradedRetryInterval = 60 * time.Second

// scheduleBringupRetry arms the 60s degraded-entity timer after a failed
// bot start. The retry is skipped if the entity has since been removed by
// a reload, or is already running.
func (s *Supervisor) scheduleBringupRetry(ctx context.Context, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, armed := s.degraded[id]; armed {
		return
	}
	s.degraded[id] = time.AfterFunc(degradedRetryInterval, func() {
		s.mu.Lock()
		delete(s.degraded, id)
		s.mu.Unlock()

		if ctx.Err() != nil {
			return
		}
		if _, configured := s.registry.Get(id); !configured {
			return
		}
		if _, running := s.registry.Bot(id); running {
			return
		}
		s.logger.Info("retrying degraded entity bringup", "entity_id", id)
		s.startEntity(ctx, id, false)
		s.reconcileRooms(ctx, id)
	})
}

func (s *Supervisor) cancelBringupRetry(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if timer, ok := s.degraded[id]; ok {
		timer.Stop()
		delete(s.degraded, id)
	}
}

func (s *Supervisor) stopEntity(id string) {
	s.cancelBringupRetry(id)
	b, ok := s.registry.Bot(id)
	if ok {
		if err := b.Stop(shutdownTimeoutSeconds); err != nil {
			s.logger.Warn("error stopping bot", "entity_id", id, "error", err)
		}
	}
	s.registry.RemoveBot(id)
	s.mu.Lock()
	delete(s.pipelines, id)
	delete(s.backlogs, id)
	s.mu.Unlock()
}

func (s *Supervisor) reconcileRooms(ctx context.Context, id string) {
	entity, ok := s.registry.Get(id)
	if !ok {
		return
	}
	b, ok := s.registry.Bot(id)
	if !ok {
		return
	}

	snap := s.currentSnapshot()
	isRouter := snap != nil && snap.RouterID == id

	for _, roomID := range entity.Rooms {
		err := joinRoom(ctx, b, roomID)
		if err == nil {
			continue
		}
		if !isRouter {
			s.logger.Warn("failed to join room", "entity_id", id, "room_id", roomID, "error", err)
			continue
		}
		// The router owns room existence: a failed join means the room
		// may not exist yet, so create it before giving up.
		name := roomID
		if room, ok := snap.Room(roomID); ok && room.DisplayName != "" {
			name = room.DisplayName
		}
		if _, cerr := createRoom(ctx, b, roomID, name); cerr != nil {
			s.logger.Warn("failed to join or create room", "entity_id", id, "room_id", roomID,
				"join_error", err, "create_error", cerr)
		}
	}

	if isRouter && snap != nil {
		s.inviteRoomMembers(ctx, b, entity.Rooms, snap)
	}
}

func createRoom(ctx context.Context, b registry.Bot, roomRef, name string) (string, error) {
	creator, ok := b.(interface {
		CreateRoom(ctx context.Context, roomRef, name string) (string, error)
	})
	if !ok {
		return "", fmt.Errorf("supervisor: bot cannot create rooms")
	}
	return creator.CreateRoom(ctx, roomRef, name)
}

// inviteRoomMembers has the router invite every configured room member:
// "@"-prefixed entries are Matrix user ids invited as-is, anything else
// is an entity id resolved to its chat account through the credential
// store.
func (s *Supervisor) inviteRoomMembers(ctx context.Context, b registry.Bot, rooms []string, snap *config.Snapshot) {
	inviter, ok := b.(interface {
		InviteUser(ctx context.Context, roomID, userID string) error
	})
	if !ok {
		return
	}
	for _, roomID := range rooms {
		room, ok := snap.Room(roomID)
		if !ok {
			continue
		}
		for _, member := range room.Members {
			userID := member
			if !strings.HasPrefix(member, "@") {
				if s.credentials == nil {
					continue
				}
				cred, ok := s.credentials.Lookup(member)
				if !ok {
					continue
				}
				userID = cred.UserID
			}
			if err := inviter.InviteUser(ctx, roomID, userID); err != nil {
				s.logger.Warn("failed to invite room member", "room_id", roomID, "user_id", userID, "error", err)
			}
		}
	}
}

func joinRoom(ctx context.Context, b registry.Bot, roomID string) error {
	joiner, ok := b.(interface {
		JoinRoom(ctx context.Context, roomID string) error
	})
	if !ok {
		return nil
	}
	return joiner.JoinRoom(ctx, roomID)
}

func (s *Supervisor) pipelineFor(id string) (*reply.Pipeline, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.pipelines[id]
	return p, ok
}

func (s *Supervisor) backlogFor(id string) (*entityBacklog, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.backlogs[id]
	return b, ok
}

// withBacklog runs fn subject to id's per-entity concurrency budget and
// backlog queue: if id's backlog is already at capacity (in-flight +
// queued), fn is dropped with an "overloaded" log entry/metric, and the
// room is told about the degraded mode at most once per minute.
func (s *Supervisor) withBacklog(ctx context.Context, id, roomID string, fn func(ctx context.Context)) {
	b, ok := s.backlogFor(id)
	if !ok {
		fn(ctx)
		return
	}
	if !b.tryAdmit() {
		s.logger.Warn("entity overloaded, dropping message", "entity_id", id, "room_id", roomID,
			"error", errkind.Newf(errkind.Overloaded, "dispatch", "entity %q backlog full", id))
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.BacklogOverflowed(id)
		}
		if roomID != "" && s.shouldNotifyOverload(roomID, time.Now()) {
			s.notifyOverload(ctx, id, roomID)
		}
		return
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.SetBacklogDepth(id, b.depth())
	}
	defer func() {
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.SetBacklogDepth(id, b.depth())
		}
	}()
	b.run(ctx, fn)
}

// shouldNotifyOverload reports whether an overloaded notice may be posted
// to roomID now, limited to one per minute per room, and records the
// notice time when it may.
func (s *Supervisor) shouldNotifyOverload(roomID string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if last, ok := s.overloadNotices[roomID]; ok && now.Sub(last) < time.Minute {
		return false
	}
	s.overloadNotices[roomID] = now
	return true
}

func (s *Supervisor) notifyOverload(ctx context.Context, entityID, roomID string) {
	b, ok := s.registry.Bot(entityID)
	if !ok {
		return
	}
	snd, ok := b.(sender)
	if !ok {
		return
	}
	if _, err := snd.Send(ctx, roomID, "Currently handling a backlog of requests — some messages may go unanswered until it drains.", matrixclient.SendOptions{}); err != nil {
		s.logger.Warn("failed to post overload notice", "entity_id", entityID, "room_id", roomID, "error", err)
	}
}

func (s *Supervisor) currentSnapshot() *config.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot
}

// shutdown stops every running bot and the scheduled-message cron, honoring
// the shared StopManager so any in-flight ReplyTask is cancelled first.
func (s *Supervisor) shutdown() {
	s.logger.Info("shutting down")
	s.stop.CancelAll()

	s.mu.Lock()
	for id, timer := range s.degraded {
		timer.Stop()
		delete(s.degraded, id)
	}
	s.mu.Unlock()

	cronCtx := s.cron.Stop()
	select {
	case <-cronCtx.Done():
	case <-time.After(shutdownTimeoutSeconds * time.Second):
	}

	var wg sync.WaitGroup
	for id, b := range s.registry.Bots() {
		wg.Add(1)
		go func(id string, b registry.Bot) {
			defer wg.Done()
			if err := b.Stop(shutdownTimeoutSeconds); err != nil {
				s.logger.Warn("error stopping bot during shutdown", "entity_id", id, "error", err)
			}
		}(id, b)
	}
	wg.Wait()

	if s.traceShutdown != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeoutSeconds*time.Second)
		if err := s.traceShutdown(flushCtx); err != nil {
			s.logger.Warn("trace flush failed", "error", err)
		}
		cancel()
	}
	s.logger.Info("shutdown complete")
}

// makeMessageHandler returns the bot.Handler bound to one entity's chat
// identity: every bot observes every event in its own rooms and runs it
// through the same shared Dispatch Engine and idempotency ledger.
func (s *Supervisor) makeMessageHandler(selfID string) bot.Handler {
	return func(ctx context.Context, msg models.Message) {
		snap := s.currentSnapshot()
		if snap == nil {
			return
		}

		engine := &dispatch.Engine{
			SelfID:        selfID,
			Snapshot:      snap,
			Registry:      s.registry,
			Tracker:       s.tracker,
			Threads:       s.threads,
			Router:        s.routerFor(snap),
			RouterTimeout: time.Duration(snap.Defaults.RouterTimeout),
		}

		decision := engine.Decide(ctx, msg)
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.DispatchDecided(decision.Rule, string(decision.Outcome))
		}

		switch decision.Outcome {
		case dispatch.OutcomeIgnore:
			return
		case dispatch.OutcomeRouterCommand:
			if selfID != snap.RouterID {
				return
			}
			s.commands.Handle(ctx, msg)
		case dispatch.OutcomeHandleWith:
			if !s.tracker.Mark(decision.TrackerKey, decision.EntityID) {
				return
			}
			s.withBacklog(ctx, decision.EntityID, msg.RoomID, func(ctx context.Context) {
				s.runSingle(ctx, decision.EntityID, msg)
			})
		case dispatch.OutcomeHandleWithTeam:
			key := decision.TeamID
			if key == "" {
				key = teamMarkKey(decision.TeamMembers)
			}
			if !s.tracker.Mark(decision.TrackerKey, key) {
				return
			}
			s.withBacklog(ctx, teamPipelineKey(decision), msg.RoomID, func(ctx context.Context) {
				s.runTeam(ctx, decision, msg)
			})
		}
	}
}

func (s *Supervisor) makeInviteHandler(selfID string) bot.InviteHandler {
	return func(ctx context.Context, roomID string) {
		b, ok := s.registry.Bot(selfID)
		if !ok {
			return
		}
		if err := joinRoom(ctx, b, roomID); err != nil {
			s.logger.Warn("failed to accept invite", "entity_id", selfID, "room_id", roomID, "error", err)
		}
	}
}

func (s *Supervisor) routerFor(snap *config.Snapshot) dispatch.Router {
	if s.cfg.LLM == nil || snap.RouterID == "" {
		return nil
	}
	routerEntity, ok := snap.Entities[snap.RouterID]
	if !ok {
		return nil
	}
	return &dispatch.LLMRouter{Provider: s.cfg.LLM, Entity: routerEntity}
}

// teamPipelineKey resolves which entity's pipeline/backlog a team reply
// runs under: a registered Team's own, or the first mentioned agent's for
// an ad hoc rule-6 multi-mention that has no Team entity of its own.
func teamPipelineKey(decision dispatch.Decision) string {
	if decision.TeamID != "" {
		return decision.TeamID
	}
	if len(decision.TeamMembers) > 0 {
		return decision.TeamMembers[0]
	}
	return ""
}

func teamMarkKey(members []string) string {
	key := ""
	for _, m := range members {
		key += m + "\x00"
	}
	return key
}

func (s *Supervisor) runSingle(ctx context.Context, entityID string, msg models.Message) {
	entity, ok := s.registry.Get(entityID)
	if !ok {
		return
	}
	p, ok := s.pipelineFor(entityID)
	if !ok {
		s.logger.Warn("no pipeline for entity, dropping message", "entity_id", entityID)
		return
	}
	req := s.buildRequest(entity, msg)
	if _, err := p.Run(ctx, req); err != nil {
		s.logger.Error("reply pipeline failed", "entity_id", entityID, "error", err)
	}
}

func (s *Supervisor) runTeam(ctx context.Context, decision dispatch.Decision, msg models.Message) {
	if len(decision.TeamMembers) == 0 {
		return
	}

	// A registered Team has its own bot/chat identity, same as any agent
	// or the router, and posts the combined reply as itself. An ad hoc
	// rule-6 multi-mention has no backing Team entity or bot, so it
	// proxies through the first mentioned agent's own identity instead.
	pipelineKey := teamPipelineKey(decision)
	lead, ok := s.pipelineFor(pipelineKey)
	if !ok {
		s.logger.Warn("no pipeline for team reply, dropping message", "entity_id", pipelineKey)
		return
	}

	members := make([]models.Entity, 0, len(decision.TeamMembers))
	for _, id := range decision.TeamMembers {
		if e, ok := s.registry.Get(id); ok {
			members = append(members, e)
		}
	}

	team := models.Entity{ID: decision.TeamID, Kind: models.EntityTeam, Mode: decision.TeamMode}
	if decision.TeamID != "" {
		if e, ok := s.registry.Get(decision.TeamID); ok {
			team = e
		}
	}

	req := reply.TeamRequest{
		Msg:     msg,
		Team:    team,
		Members: members,
		Mode:    decision.TeamMode,
		History: s.historyFor(msg, team.NumHistoryRuns),
	}
	if _, err := lead.RunTeam(ctx, req); err != nil {
		s.logger.Error("team reply pipeline failed", "team_id", decision.TeamID, "error", err)
	}
}

func (s *Supervisor) buildRequest(entity models.Entity, msg models.Message) reply.Request {
	return reply.Request{
		Msg:       msg,
		Entity:    entity,
		History:   s.historyFor(msg, entity.NumHistoryRuns),
		ToolSpecs: s.toolSpecsFor(entity),
	}
}

// historyFor gathers the last limit messages of msg's thread from the
// shared ThreadTracker, excluding msg itself (it is the prompt input, not
// history). A non-positive limit falls back to the snapshot default.
func (s *Supervisor) historyFor(msg models.Message, limit int) []llm.HistoryMessage {
	if limit <= 0 {
		limit = config.DefaultNumHistoryRuns
		if snap := s.currentSnapshot(); snap != nil {
			limit = snap.Defaults.NumHistoryRuns
		}
	}
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = msg.EventID
	}
	buffered := s.threads.History(threadID, limit)
	out := make([]llm.HistoryMessage, 0, len(buffered))
	for _, m := range buffered {
		// Skip the triggering message — and, for an edit-triggered
		// dispatch, the rewritten original it replaces.
		if m.EventID == msg.EventID || (msg.IsEdit && m.EventID == msg.Replaces) {
			continue
		}
		out = append(out, llm.HistoryMessage{SenderID: m.SenderID, Body: m.Body})
	}
	return out
}

// toolSpecsFor resolves an entity's configured tool ids to the descriptions
// carried in the raw config document (the Tool Registry contract only
// exposes Lookup/Invoke, not metadata, so specs come from config instead).
func (s *Supervisor) toolSpecsFor(entity models.Entity) []llm.ToolSpec {
	if len(entity.ToolIDs) == 0 {
		return nil
	}
	snap := s.currentSnapshot()
	if snap == nil || snap.Raw == nil {
		return nil
	}
	descriptions := make(map[string]string, len(snap.Raw.Tools))
	for _, t := range snap.Raw.Tools {
		descriptions[t.ID] = t.Description
	}
	specs := make([]llm.ToolSpec, 0, len(entity.ToolIDs))
	for _, id := range entity.ToolIDs {
		specs = append(specs, llm.ToolSpec{ID: id, Description: descriptions[id]})
	}
	return specs
}
