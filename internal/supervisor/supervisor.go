// Package supervisor implements the Session Supervisor (spec.md §4.7):
// for every session it owns a Message Store, an Event Bus, a Tool
// Runner scope, and an Agent Loop, restarting the loop under a
// rest_for_one policy if its engine goroutine ever crashes. It also
// implements tool.TaskExecutor, spawning nested sub-agent sessions for
// the Task tool and forwarding their events as sub_agent_event
// notifications on the parent's bus.
//
// Grounded on the teacher's internal/session/processor.go (Processor,
// sessionState, one map of active sessions guarded by a mutex) and
// internal/executor/subagent.go (SubagentExecutor.ExecuteSubtask:
// child-session creation, model-alias resolution, per-subtask
// Processor) — generalized from a single shared Processor serializing
// all sessions to one Supervisor owning one Agent Loop goroutine per
// session, matching this module's single-writer-per-session store.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/matteing/opal/internal/agent"
	"github.com/matteing/opal/internal/agentloop"
	"github.com/matteing/opal/internal/compact"
	"github.com/matteing/opal/internal/discovery"
	"github.com/matteing/opal/internal/event"
	"github.com/matteing/opal/internal/logging"
	"github.com/matteing/opal/internal/permission"
	"github.com/matteing/opal/internal/provider"
	"github.com/matteing/opal/internal/storage"
	"github.com/matteing/opal/internal/store"
	"github.com/matteing/opal/internal/tool"
	"github.com/matteing/opal/internal/toolrunner"
	"github.com/matteing/opal/pkg/types"
)

// maxRestarts bounds rest_for_one: a session whose engine keeps
// crashing is left with its crashed Loop rather than restarted forever.
const maxRestarts = 5

// defaultProviderID/defaultModelID mirror the teacher's Processor
// defaults, used when neither a session/start param nor the merged
// config names a model.
const (
	defaultProviderID = "anthropic"
	defaultModelID    = "claude-sonnet-4-20250514"
)

// Config holds a Supervisor's process-wide, shared dependencies.
type Config struct {
	// DataDir is the root under which sessions persist, at
	// DataDir/sessions/<id>.jsonl (spec.md §6).
	DataDir string

	AppConfig *types.Config
	Providers *provider.Registry
	Agents    *agent.Registry
	Storage   *storage.Storage
}

// StartOptions are session/start's parameters (spec.md §6), plus the
// parent id used internally for sub-agent sessions.
type StartOptions struct {
	SessionID    string // resume this session id if its file exists
	Directory    string
	Model        string // "provider/model"
	SystemPrompt string
	AgentName    string // agent.Registry name; "" uses the primary default
	ParentID     *string

	// QuestionHandler, if set, is wired into the Agent Loop's
	// agentloop.Deps.QuestionHandler for this session (and carried
	// across rest_for_one restarts), bridging a tool's ad hoc
	// client/input question to the transport that owns the session.
	QuestionHandler func(ctx context.Context, question string) (string, error)
}

// Info is the client-visible summary returned by session/list.
type Info struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Modified int64   `json:"modified"`
	ParentID *string `json:"parent_id,omitempty"`
}

// Supervisor owns every session live in this process.
type Supervisor struct {
	cfg Config

	mu       sync.RWMutex
	sessions map[string]*Session
}

// New creates a Supervisor. cfg.Providers and cfg.Agents must be non-nil.
func New(cfg Config) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		sessions: make(map[string]*Session),
	}
}

// Session is everything the Supervisor owns for one conversation.
type Session struct {
	ID        string
	ParentID  *string
	Directory string

	Store   *store.Store
	Bus     *event.Bus
	Tools   *tool.Registry
	Checker *permission.Checker
	Loop    *agentloop.Loop

	// ContextFiles and Skills are this session's discovery scan results
	// (SPEC_FULL.md §C.2-3), snapshotted once at Start and re-published
	// as context_discovered/skill_loaded events whenever watch detects
	// an edit.
	ContextFiles []discovery.ContextFile
	Skills       []discovery.Skill

	// KeepRecentTokens is the active agent's compaction budget override
	// (agent.Agent.KeepRecentTokens), used as session/compact's default
	// when the caller doesn't pass keep_recent explicitly; 0 defers to
	// the compact package's own default.
	KeepRecentTokens int

	sup *Supervisor

	mu              sync.Mutex
	runner          *toolrunner.Runner
	title           string
	created         int64
	updated         int64
	restarts        int
	watcher         *discovery.Watcher
	questionHandler func(ctx context.Context, question string) (string, error)
	thinkingLevel   string

	cancelBase context.CancelFunc
	watchStop  chan struct{}
	watchDone  chan struct{}
}

// ThinkingLevel returns this session's current thinking/set level ("" if
// never set).
func (s *Session) ThinkingLevel() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.thinkingLevel
}

// SetThinkingLevel records level for future reads by ThinkingLevel.
// No provider in this registry distinguishes a "thinking budget" from
// its model selection, so this is bookkeeping only (echoed back by
// thinking/set and agent/state), not yet threaded into the provider
// request the way model/set's ProviderID/Model are.
func (s *Session) SetThinkingLevel(level string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinkingLevel = level
}

// Info returns a client-visible snapshot of the session.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{ID: s.ID, Title: s.title, Modified: s.updated, ParentID: s.ParentID}
}

// Runner returns the session's current Tool Runner scope. It may be
// swapped out from under a caller by a rest_for_one restart, so callers
// needing to act on a single instance (e.g. CancelAll) should fetch it
// fresh rather than caching it.
func (s *Session) Runner() *toolrunner.Runner {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runner
}

// Start creates a new session, or resumes a persisted one if
// opts.SessionID names an existing session file, and launches its
// Agent Loop engine goroutine.
func (sup *Supervisor) Start(ctx context.Context, opts StartOptions) (*Session, error) {
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	directory := opts.Directory
	if directory == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("supervisor: resolve working directory: %w", err)
		}
		directory = wd
	}

	st := store.New(sessionID)
	now := time.Now().UnixMilli()
	title := ""
	resumed := false
	if path := sup.sessionFile(sessionID); opts.SessionID != "" && fileExists(path) {
		if err := st.Load(path); err != nil {
			return nil, fmt.Errorf("supervisor: load session %s: %w", sessionID, err)
		}
		resumed = true
		if t, ok := st.Metadata()["title"].(string); ok {
			title = t
		}
	}

	var ag *agent.Agent
	if opts.AgentName != "" {
		a, err := sup.cfg.Agents.Get(opts.AgentName)
		if err != nil {
			return nil, fmt.Errorf("supervisor: %w", err)
		}
		ag = a
	}

	providerID, modelID := sup.resolveModel(opts.Model)

	if !resumed {
		systemPrompt := opts.SystemPrompt
		if systemPrompt == "" && ag != nil {
			systemPrompt = ag.Prompt
		}
		if systemPrompt != "" {
			if _, err := st.Append(&types.Message{Role: types.RoleSystem, Content: systemPrompt}); err != nil {
				return nil, fmt.Errorf("supervisor: append system prompt: %w", err)
			}
		}
	}

	bus := event.NewBus(sessionID)
	tools := tool.DefaultRegistry(directory, sup.cfg.Storage)
	tools.RegisterTaskTool(sup.cfg.Agents)
	checker := permission.NewChecker(bus)
	runner := toolrunner.NewRunner(sessionID, tools, checker, bus, directory)
	compactor := compact.NewCompactor(st, sup.cfg.Providers)

	baseCtx, cancel := context.WithCancel(ctx)

	sess := &Session{
		ID:         sessionID,
		ParentID:   opts.ParentID,
		Directory:  directory,
		Store:      st,
		Bus:        bus,
		Tools:      tools,
		Checker:    checker,
		sup:        sup,
		runner:     runner,
		title:      title,
		created:    now,
		updated:    now,
		cancelBase:      cancel,
		watchStop:       make(chan struct{}),
		watchDone:       make(chan struct{}),
		questionHandler: opts.QuestionHandler,
	}

	tools.SetTaskExecutor(sup)

	sess.ContextFiles = discovery.ScanContextFiles(directory)
	sess.Skills = discovery.ScanSkills(directory)
	for _, cf := range sess.ContextFiles {
		bus.Publish(event.Event{SessionID: sessionID, Type: event.ContextDiscovered,
			Fields: map[string]any{"path": cf.Path}})
	}
	for _, sk := range sess.Skills {
		bus.Publish(event.Event{SessionID: sessionID, Type: event.SkillLoaded,
			Fields: map[string]any{"name": sk.Name, "description": sk.Description, "path": sk.Path}})
	}
	if watcher, err := discovery.Watch(watchedPaths(sess.ContextFiles, sess.Skills), func(path string) {
		sess.Bus.Publish(event.Event{SessionID: sessionID, Type: event.ContextDiscovered,
			Fields: map[string]any{"path": path, "changed": true}})
	}); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("supervisor: context watch unavailable")
	} else {
		sess.watcher = watcher
	}

	permCfg := sup.cfg.AppConfig.Permission
	var disabledTools []string
	if ag != nil {
		permCfg = agentPermissionConfig(ag)
		for _, id := range tools.IDs() {
			if !ag.ToolEnabled(id) {
				disabledTools = append(disabledTools, id)
			}
		}
		runner.SetDoomLoopThreshold(ag.DoomLoopThreshold)
		sess.KeepRecentTokens = ag.KeepRecentTokens
	}

	deps := agentloop.Deps{
		SessionID:       sessionID,
		Store:           st,
		Bus:             bus,
		Providers:       sup.cfg.Providers,
		Runner:          runner,
		Compactor:       compactor,
		Tools:           tools,
		Checker:         checker,
		WorkingDir:      directory,
		Permission:      permCfg,
		ProviderID:      providerID,
		Model:           modelID,
		OnSave:          func() { sess.persist() },
		OnAutoTitle:     func(text string) { sess.autoTitle(text) },
		QuestionHandler: sess.questionHandler,
	}
	loop := agentloop.New(deps)
	loop.SetDisabledTools(disabledTools)
	sess.Loop = loop

	loop.Start(baseCtx)
	if resumed {
		loop.Recover()
	}

	sup.mu.Lock()
	sup.sessions[sessionID] = sess
	sup.mu.Unlock()

	go sup.watchCrash(sess)

	if err := sess.persist(); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("supervisor: initial persist failed")
	}

	return sess, nil
}

// Get returns a live session by id.
func (sup *Supervisor) Get(sessionID string) (*Session, bool) {
	sup.mu.RLock()
	defer sup.mu.RUnlock()
	sess, ok := sup.sessions[sessionID]
	return sess, ok
}

// Close tears down a session: its Agent Loop is drained, its Tool
// Runner scope cancelled, and its final state persisted. The Message
// Store's file on disk is left in place for a future Start to resume.
func (sup *Supervisor) Close(sessionID string) error {
	sup.mu.Lock()
	sess, ok := sup.sessions[sessionID]
	if ok {
		delete(sup.sessions, sessionID)
	}
	sup.mu.Unlock()
	if !ok {
		return fmt.Errorf("supervisor: session not found: %s", sessionID)
	}

	close(sess.watchStop)
	<-sess.watchDone

	if sess.watcher != nil {
		sess.watcher.Stop()
	}
	sess.Runner().CancelAll()
	sess.Loop.Close()
	sess.cancelBase()

	if err := sess.persist(); err != nil {
		logging.Warn().Err(err).Str("session_id", sessionID).Msg("supervisor: final persist failed")
	}
	sess.Bus.Close()
	return nil
}

// CloseAll tears down every live session, for a graceful process
// shutdown (spec.md §6: stdin EOF triggers this). Errors are collected
// rather than stopping early, so one misbehaving session doesn't leave
// the rest unflushed.
func (sup *Supervisor) CloseAll() []error {
	sup.mu.RLock()
	ids := make([]string, 0, len(sup.sessions))
	for id := range sup.sessions {
		ids = append(ids, id)
	}
	sup.mu.RUnlock()

	var errs []error
	for _, id := range ids {
		if err := sup.Close(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errs
}

// List returns every session this process knows about: live sessions
// held in memory, plus any persisted session file under DataDir not
// currently live.
func (sup *Supervisor) List() ([]Info, error) {
	byID := make(map[string]Info)

	sup.mu.RLock()
	for id, sess := range sup.sessions {
		byID[id] = sess.Info()
	}
	sup.mu.RUnlock()

	dir := filepath.Join(sup.cfg.DataDir, "sessions")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return sortedInfos(byID), nil
		}
		return nil, fmt.Errorf("supervisor: list sessions: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		id := strings.TrimSuffix(e.Name(), ".jsonl")
		if _, ok := byID[id]; ok {
			continue
		}
		info, err := peekSessionHeader(filepath.Join(dir, e.Name()))
		if err != nil {
			logging.Warn().Err(err).Str("session_id", id).Msg("supervisor: skipping unreadable session file")
			continue
		}
		byID[id] = info
	}
	return sortedInfos(byID), nil
}

func sortedInfos(byID map[string]Info) []Info {
	out := make([]Info, 0, len(byID))
	for _, info := range byID {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Modified > out[j].Modified })
	return out
}

// Branch repoints a session's store cursor to entry_id.
func (sup *Supervisor) Branch(sessionID, entryID string) error {
	sess, ok := sup.Get(sessionID)
	if !ok {
		return fmt.Errorf("supervisor: session not found: %s", sessionID)
	}
	if err := sess.Store.Branch(entryID); err != nil {
		return err
	}
	return sess.persist()
}

// sessionFile returns the on-disk path a session would persist to.
func (sup *Supervisor) sessionFile(sessionID string) string {
	return filepath.Join(sup.cfg.DataDir, "sessions", sessionID+".jsonl")
}

// persist saves the session's store and refreshes its tracked title and
// modified time. Safe to call from the Agent Loop's OnSave hook.
func (s *Session) persist() error {
	s.mu.Lock()
	s.updated = time.Now().UnixMilli()
	title := s.title
	s.mu.Unlock()

	s.Store.SetMetadata(map[string]any{"title": title})
	dir := filepath.Join(s.sup.cfg.DataDir, "sessions")
	return s.Store.Save(dir)
}

// autoTitle sets the session's title the first time, from the opening
// prompt's text, truncated to a short summary.
func (s *Session) autoTitle(text string) {
	s.mu.Lock()
	if s.title != "" {
		s.mu.Unlock()
		return
	}
	s.title = truncateTitle(text)
	s.mu.Unlock()
	if err := s.persist(); err != nil {
		logging.Warn().Err(err).Str("session_id", s.ID).Msg("supervisor: auto-title persist failed")
	}
}

func truncateTitle(text string) string {
	text = strings.TrimSpace(strings.SplitN(text, "\n", 2)[0])
	const maxLen = 60
	r := []rune(text)
	if len(r) <= maxLen {
		return text
	}
	return string(r[:maxLen]) + "…"
}

// watchCrash waits for the session's Agent Loop to crash or for the
// session to be closed. On crash it applies the rest_for_one restart
// policy: the Tool Runner scope is torn down first, then a fresh Loop
// is built over the surviving Store and Recover()ed.
func (sup *Supervisor) watchCrash(sess *Session) {
	defer close(sess.watchDone)
	for {
		select {
		case <-sess.watchStop:
			return
		case <-sess.Loop.Crashed():
			sess.mu.Lock()
			sess.restarts++
			restarts := sess.restarts
			sess.mu.Unlock()

			if restarts > maxRestarts {
				logging.Error().Str("session_id", sess.ID).Int("restarts", restarts).
					Msg("supervisor: session exceeded restart budget, leaving crashed")
				return
			}
			logging.Warn().Str("session_id", sess.ID).Int("restarts", restarts).
				Msg("supervisor: agent loop crashed, restarting (rest_for_one)")
			sup.restart(sess)
		}
	}
}

func (sup *Supervisor) restart(sess *Session) {
	sess.mu.Lock()
	oldRunner := sess.runner
	sess.mu.Unlock()
	oldRunner.CancelAll()

	newRunner := toolrunner.NewRunner(sess.ID, sess.Tools, sess.Checker, sess.Bus, sess.Directory)
	compactor := compact.NewCompactor(sess.Store, sup.cfg.Providers)

	prevState := sess.Loop.State()
	sess.mu.Lock()
	questionHandler := sess.questionHandler
	sess.mu.Unlock()
	deps := agentloop.Deps{
		SessionID:       sess.ID,
		Store:           sess.Store,
		Bus:             sess.Bus,
		Providers:       sup.cfg.Providers,
		Runner:          newRunner,
		Compactor:       compactor,
		Tools:           sess.Tools,
		Checker:         sess.Checker,
		WorkingDir:      sess.Directory,
		Permission:      sup.cfg.AppConfig.Permission,
		ProviderID:      prevState.ProviderID,
		Model:           prevState.Model,
		OnSave:          func() { sess.persist() },
		OnAutoTitle:     func(text string) { sess.autoTitle(text) },
		QuestionHandler: questionHandler,
	}

	newLoop := agentloop.New(deps)
	newLoop.SetDisabledTools(prevState.DisabledTools)

	ctx, cancel := context.WithCancel(context.Background())
	newLoop.Start(ctx)
	newLoop.Recover()

	sess.mu.Lock()
	sess.runner = newRunner
	sess.cancelBase = cancel
	sess.mu.Unlock()

	sess.Loop = newLoop
}

// resolveModel splits a "provider/model" string, aliasing bare
// "sonnet"/"opus"/"haiku" shorthands the way the teacher's
// SubagentExecutor.resolveModel does, and falls back to the merged
// config's default model, then the package defaults.
func (sup *Supervisor) resolveModel(modelParam string) (providerID, modelID string) {
	providerID, modelID = defaultProviderID, defaultModelID
	if sup.cfg.AppConfig != nil && sup.cfg.AppConfig.Model != "" {
		if p, m, ok := strings.Cut(sup.cfg.AppConfig.Model, "/"); ok {
			providerID, modelID = p, m
		}
	}

	switch modelParam {
	case "":
		return providerID, modelID
	case "sonnet":
		return providerID, "claude-sonnet-4-20250514"
	case "opus":
		return providerID, "claude-opus-4-20250514"
	case "haiku":
		return providerID, "claude-haiku-3-20240307"
	}
	if p, m, ok := strings.Cut(modelParam, "/"); ok {
		return p, m
	}
	return providerID, modelParam
}

// ExecuteSubtask implements tool.TaskExecutor: it spawns a child
// session for the named subagent, runs one turn to completion, and
// returns its final assistant text. Every event the child's Agent Loop
// publishes is forwarded on the parent's bus as a sub_agent_event
// carrying the child session id and the originating tool call id.
func (sup *Supervisor) ExecuteSubtask(ctx context.Context, parentSessionID, agentName, prompt string, opts tool.TaskOptions) (*tool.TaskResult, error) {
	parent, ok := sup.Get(parentSessionID)
	if !ok {
		return nil, fmt.Errorf("supervisor: parent session not found: %s", parentSessionID)
	}

	ag, err := sup.cfg.Agents.Get(agentName)
	if err != nil {
		return nil, fmt.Errorf("supervisor: agent not found: %s: %w", agentName, err)
	}
	if !ag.IsSubagent() {
		return nil, fmt.Errorf("supervisor: agent %s cannot run as a subagent (mode=%s)", agentName, ag.Mode)
	}

	callID, _ := tool.CallIDFromContext(ctx)
	parentSession := parentSessionID

	child, err := sup.Start(ctx, StartOptions{
		Directory: parent.Directory,
		Model:     opts.Model,
		AgentName: agentName,
		ParentID:  &parentSession,
	})
	if err != nil {
		return nil, fmt.Errorf("supervisor: create child session: %w", err)
	}
	defer sup.Close(child.ID)

	unsubscribe := child.Bus.Subscribe(func(e event.Event) {
		parent.Bus.Publish(event.Event{
			SessionID: parentSessionID,
			Type:      event.SubAgentEvent,
			Fields: map[string]any{
				"sub_session_id": child.ID,
				"call_id":        callID,
				"event":          e,
			},
		})
	})
	defer unsubscribe()

	done := make(chan struct{})
	var finalErr error
	unsubDone := child.Bus.Subscribe(func(e event.Event) {
		switch e.Type {
		case event.AgentEnd, event.AgentAbort:
			select {
			case <-done:
			default:
				close(done)
			}
		case event.Error:
			if msg, ok := e.Fields["message"].(string); ok {
				finalErr = fmt.Errorf("subtask agent error: %s", msg)
			} else {
				finalErr = fmt.Errorf("subtask agent error")
			}
			select {
			case <-done:
			default:
				close(done)
			}
		}
	})
	defer unsubDone()

	if err := child.Loop.Prompt(prompt); err != nil {
		return nil, fmt.Errorf("supervisor: start subtask: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		child.Loop.Abort()
		return nil, ctx.Err()
	}

	if finalErr != nil {
		return &tool.TaskResult{
			Output:    finalErr.Error(),
			SessionID: child.ID,
			Error:     finalErr.Error(),
		}, nil
	}

	path := child.Store.Path()
	output := lastAssistantText(path)

	return &tool.TaskResult{
		Output:    output,
		SessionID: child.ID,
		AgentID:   agentName,
	}, nil
}

// agentPermissionConfig translates an agent's permission defaults into
// the types.PermissionConfig shape the Tool Runner consumes.
func agentPermissionConfig(ag *agent.Agent) *types.PermissionConfig {
	return &types.PermissionConfig{
		Edit:        string(ag.Permission.Edit),
		Bash:        ag.Permission.Bash,
		WebFetch:    string(ag.Permission.WebFetch),
		ExternalDir: string(ag.Permission.ExternalDir),
		DoomLoop:    string(ag.Permission.DoomLoop),
	}
}

func lastAssistantText(path []*types.Message) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i].Role == types.RoleAssistant && path[i].Content != "" {
			return path[i].Content
		}
	}
	return ""
}

// watchedPaths flattens the discovered context files' and skills' paths
// so discovery.Watch knows which files to re-scan on write.
func watchedPaths(files []discovery.ContextFile, skills []discovery.Skill) []string {
	paths := make([]string, 0, len(files)+len(skills))
	for _, f := range files {
		paths = append(paths, f.Path)
	}
	for _, s := range skills {
		paths = append(paths, s.Path)
	}
	return paths
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// peekSessionHeader reads just the first line of a persisted session
// file to answer session/list without loading the whole message tree.
func peekSessionHeader(path string) (Info, error) {
	f, err := os.Open(path)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	var hdr struct {
		SessionID string         `json:"session_id"`
		Metadata  map[string]any `json:"metadata"`
	}
	if err := dec.Decode(&hdr); err != nil {
		return Info{}, fmt.Errorf("decode header: %w", err)
	}

	title, _ := hdr.Metadata["title"].(string)
	stat, err := os.Stat(path)
	var modified int64
	if err == nil {
		modified = stat.ModTime().UnixMilli()
	}
	return Info{ID: hdr.SessionID, Title: title, Modified: modified}, nil
}
