// Package agentloop implements the Agent Loop state machine of
// spec.md §4.6: the single-writer engine that turns a user prompt into
// a sequence of provider stream segments and tool executions against
// one session's Message Store, publishing progress on its Event Bus.
//
// Grounded on the teacher's internal/session/loop.go (runLoop, the
// step/retry/compaction-check structure) and internal/session/processor.go
// (one owning goroutine serializing all work against a session), adapted
// from opencode's single bundled turn-runner into the spec's explicit
// state machine with steering and crash recovery.
package agentloop

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/matteing/opal/internal/compact"
	"github.com/matteing/opal/internal/event"
	"github.com/matteing/opal/internal/logging"
	"github.com/matteing/opal/internal/permission"
	"github.com/matteing/opal/internal/provider"
	"github.com/matteing/opal/internal/store"
	"github.com/matteing/opal/internal/tool"
	"github.com/matteing/opal/internal/toolrunner"
	"github.com/matteing/opal/pkg/types"
)

// Status is one of the Agent Loop's states, per spec.md §4.6.
type Status string

const (
	StatusIdle         Status = "idle"
	StatusStreaming    Status = "streaming"
	StatusWaitingTools Status = "waiting_tools"
	StatusAborting     Status = "aborting"
	StatusRetrying     Status = "retrying"
	StatusError        Status = "error"
	StatusRecovered    Status = "recovered"
)

// maxTurnSteps bounds how many provider-call/tool-phase iterations one
// turn may run before the loop gives up, guarding against a model stuck
// calling tools forever. Grounded on the teacher's MaxSteps guard in
// internal/session/loop.go.
const maxTurnSteps = 50

// maxRetryAttempts bounds how many times one provider call is retried
// on a transient failure before the turn gives up and enters the error
// state, per spec.md §4.3.
const maxRetryAttempts = 3

// AgentState is the externally-visible snapshot of one session's Agent
// Loop, returned by agent/state and mirrored into agent/event fields.
type AgentState struct {
	SessionID     string            `json:"session_id"`
	Status        Status            `json:"status"`
	ProviderID    string            `json:"provider_id"`
	Model         string            `json:"model"`
	Tools         []string          `json:"tools,omitempty"`
	DisabledTools []string          `json:"disabled_tools,omitempty"`
	PendingSteers []string          `json:"pending_steers,omitempty"`
	TokenUsage    types.TokenUsage  `json:"token_usage"`
	LastError     string            `json:"last_error,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty"`
}

func (s AgentState) clone() AgentState {
	out := s
	out.Tools = append([]string(nil), s.Tools...)
	out.DisabledTools = append([]string(nil), s.DisabledTools...)
	out.PendingSteers = append([]string(nil), s.PendingSteers...)
	return out
}

// Deps bundles the collaborators one Loop drives. Store and Providers
// are required, and Runner is required once a turn reaches a tool
// phase. Bus may be nil except for Recover, which publishes on it
// unconditionally. A nil Compactor makes Compact fail, and a nil Tools
// offers the provider no tools.
type Deps struct {
	SessionID  string
	Store      *store.Store
	Bus        *event.Bus
	Providers  *provider.Registry
	Runner     *toolrunner.Runner
	Compactor  *compact.Compactor
	Tools      *tool.Registry
	Checker    *permission.Checker
	WorkingDir string
	Permission *types.PermissionConfig

	ProviderID string
	Model      string

	// QuestionHandler bridges a tool's ad hoc client/input question to
	// the transport layer. May be nil.
	QuestionHandler func(ctx context.Context, question string) (string, error)

	// OnSave is invoked after a turn ends (success, error, or abort) so
	// the owner can persist the session. Persistence failures are the
	// owner's concern; the loop only logs if OnSave itself panics.
	OnSave func()

	// OnAutoTitle is invoked with the first user message's text when a
	// turn completes successfully and that message is the only user
	// message on the path; a first turn that fails is never titled
	// later. Nil disables auto-titling.
	OnAutoTitle func(text string)
}

// intentKind distinguishes queued work handled by the Loop's single
// engine goroutine.
type intentKind int

const (
	intentPrompt intentKind = iota
	intentCompact
	intentClose
)

type intent struct {
	kind       intentKind
	text       string
	compactOpt compact.Options
	resultCh   chan compactOutcome
}

type compactOutcome struct {
	result *compact.Result
	err    error
}

// Loop is one session's Agent Loop: a single engine goroutine that
// processes prompts, steers, and compaction requests against its Store,
// Runner, and Providers, publishing progress on its Bus. All exported
// methods are safe to call from any goroutine.
type Loop struct {
	deps Deps

	intents chan intent
	wg      sync.WaitGroup

	mu         sync.Mutex
	state      AgentState
	cancelTurn context.CancelFunc
	baseCtx    context.Context

	segRunner segmentRunner

	// crashed is closed if the engine goroutine recovers from a panic
	// rather than exiting via intentClose. The Session Supervisor
	// watches it to drive the rest_for_one restart policy (spec.md
	// §4.7): the Tool Runner scope is torn down and a fresh Loop is
	// built over the same Store, then Recover() repairs orphan calls.
	crashed chan struct{}
}

// New constructs a Loop. Start must be called before any prompt is
// delivered.
func New(deps Deps) *Loop {
	l := &Loop{
		deps:    deps,
		intents: make(chan intent, 32),
		state: AgentState{
			SessionID:  deps.SessionID,
			Status:     StatusIdle,
			ProviderID: deps.ProviderID,
			Model:      deps.Model,
			WorkingDir: deps.WorkingDir,
		},
	}
	l.segRunner = liveSegmentRunner{loop: l}
	l.crashed = make(chan struct{})
	return l
}

// Crashed returns a channel closed if the engine goroutine ever recovers
// from a panic. A Loop that has crashed accepts no further intents and
// must be discarded; callers (the Session Supervisor) should build a
// replacement Loop over the same Store and call Recover() on it.
func (l *Loop) Crashed() <-chan struct{} {
	return l.crashed
}

// Start launches the engine goroutine. ctx bounds the Loop's entire
// lifetime; cancelling it aborts any in-flight turn and stops the
// engine once drained.
func (l *Loop) Start(ctx context.Context) {
	l.baseCtx = ctx
	l.wg.Add(1)
	go l.run()
}

// Close stops accepting new work and waits for the engine to drain.
func (l *Loop) Close() {
	l.intents <- intent{kind: intentClose}
	l.wg.Wait()
}

// State returns a snapshot of the current Agent Loop state.
func (l *Loop) State() AgentState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state.clone()
}

// SetModel updates the provider/model used by subsequent turns. Takes
// effect immediately; it does not affect an in-flight stream.
func (l *Loop) SetModel(providerID, modelID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.ProviderID = providerID
	l.state.Model = modelID
}

// SetDisabledTools replaces the set of tool names excluded from the
// next provider request's tool list.
func (l *Loop) SetDisabledTools(names []string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.DisabledTools = append([]string(nil), names...)
}

// ClearError moves a Loop out of the error state back to idle, per
// spec.md §4.6's error-state exit (a fresh prompt, model change, or
// compaction). Safe to call when the Loop is not in error state.
func (l *Loop) ClearError() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state.Status == StatusError {
		l.state.Status = StatusIdle
		l.state.LastError = ""
	}
}

// Prompt starts a new turn if idle, or queues text as a steer if a turn
// is already in progress, per spec.md §4.6's steering semantics: a
// steer that arrives while idle becomes a prompt.
func (l *Loop) Prompt(text string) error {
	return l.submit(text)
}

// Steer is Prompt's counterpart for agent/steer: identical behavior,
// kept as a distinct method name for callers that want to be explicit
// about intent.
func (l *Loop) Steer(text string) error {
	return l.submit(text)
}

func (l *Loop) submit(text string) error {
	l.mu.Lock()
	switch l.state.Status {
	case StatusIdle, StatusRecovered:
		l.mu.Unlock()
		select {
		case l.intents <- intent{kind: intentPrompt, text: text}:
			return nil
		default:
			return fmt.Errorf("agentloop: intent queue full")
		}
	case StatusError:
		l.mu.Unlock()
		return fmt.Errorf("agentloop: session is in error state; clear it before prompting")
	default:
		l.state.PendingSteers = append(l.state.PendingSteers, text)
		l.mu.Unlock()
		l.publish(event.StatusUpdate, map[string]any{"queued_steer": true})
		return nil
	}
}

// Abort cancels the in-flight turn, if any. It is a synchronous
// signal, not a queued intent: it must preempt whatever the engine
// goroutine is currently blocked on.
func (l *Loop) Abort() {
	l.mu.Lock()
	cancel := l.cancelTurn
	if l.state.Status == StatusStreaming || l.state.Status == StatusWaitingTools || l.state.Status == StatusRetrying {
		l.state.Status = StatusAborting
	}
	l.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if l.deps.Runner != nil {
		l.deps.Runner.CancelAll()
	}
}

// Compact runs the session's Compactor and, if it removed anything,
// replaces the corresponding Store segment, per spec.md §4.5. Routed
// through the engine's intent queue so it never races an in-flight
// turn's appends.
func (l *Loop) Compact(ctx context.Context, opts compact.Options) (*compact.Result, error) {
	if l.deps.Compactor == nil {
		return nil, fmt.Errorf("agentloop: no compactor configured")
	}
	out := make(chan compactOutcome, 1)
	select {
	case l.intents <- intent{kind: intentCompact, compactOpt: opts, resultCh: out}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-out:
		return res.result, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Recover performs eager orphan repair against the Store's current
// path and publishes agent_recovered, per spec.md §4.6's crash-recovery
// behavior. Call once after loading a persisted session, before Start.
func (l *Loop) Recover() {
	l.mu.Lock()
	l.state.Status = StatusRecovered
	l.mu.Unlock()

	repaired := l.repairOrphans()

	l.bus().PublishSync(event.Event{
		Type:   event.AgentRecovered,
		Fields: map[string]any{"repaired_tool_calls": repaired},
	})

	l.mu.Lock()
	l.state.Status = StatusIdle
	l.mu.Unlock()
}

func (l *Loop) bus() *event.Bus { return l.deps.Bus }

func (l *Loop) publish(t event.Type, fields map[string]any) {
	if l.deps.Bus == nil {
		return
	}
	l.deps.Bus.Publish(event.Event{Type: t, Fields: fields})
}

// run is the Loop's single engine goroutine: every intent is processed
// to completion before the next is dequeued, which is what makes the
// Store's append sequence single-writer per session.
func (l *Loop) run() {
	defer l.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			logging.Error().
				Interface("panic", r).
				Str("session_id", l.deps.SessionID).
				Msg("agentloop: engine goroutine panicked, stopping")
			close(l.crashed)
		}
	}()
	for it := range l.intents {
		switch it.kind {
		case intentPrompt:
			l.runTurn(it.text)
		case intentCompact:
			res, err := l.doCompact(it.compactOpt)
			it.resultCh <- compactOutcome{result: res, err: err}
		case intentClose:
			return
		}
	}
}

func (l *Loop) doCompact(opts compact.Options) (*compact.Result, error) {
	ctx := l.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}
	res, err := l.deps.Compactor.Compact(ctx, opts)
	if err != nil {
		return nil, err
	}
	if res.Compacted {
		l.ClearError()
		l.publish(event.StatusUpdate, map[string]any{
			"compacted":   true,
			"removed_ids": res.RemovedIDs,
		})
	}
	return res, nil
}

// repairOrphans finds assistant tool_calls on the Store's current path
// with no matching tool_result and appends synthetic, is_error results
// for each, per spec.md §4.6. Idempotent: a second call against an
// already-repaired path finds nothing to do.
func (l *Loop) repairOrphans() int {
	path := l.deps.Store.Path()
	orphans := collectOrphanCalls(path)
	if len(orphans) == 0 {
		return 0
	}
	synth := make([]*types.Message, len(orphans))
	for i, tc := range orphans {
		synth[i] = &types.Message{
			Role:    types.RoleToolResult,
			CallID:  tc.CallID,
			Content: "Aborted",
			IsError: true,
		}
	}
	if _, err := l.deps.Store.AppendMany(synth); err != nil {
		logging.Error().Err(err).Str("session_id", l.deps.SessionID).Msg("agentloop: orphan repair append failed")
		return 0
	}
	return len(orphans)
}

func collectOrphanCalls(path []*types.Message) []types.ToolCall {
	hasResult := make(map[string]bool)
	for _, m := range path {
		if m.Role == types.RoleToolResult && m.CallID != "" {
			hasResult[m.CallID] = true
		}
	}
	var orphans []types.ToolCall
	for _, m := range path {
		if m.Role != types.RoleAssistant {
			continue
		}
		for _, tc := range m.ToolCalls {
			if !hasResult[tc.CallID] {
				orphans = append(orphans, tc)
			}
		}
	}
	return orphans
}

// runTurn executes one full turn: orphan repair, the user message
// append, and the stream/tool-phase loop until the assistant produces a
// stop_reason of "stop" with no pending steers left to inject, per
// spec.md §4.6's turn procedure.
func (l *Loop) runTurn(firstText string) {
	parent := l.baseCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	l.mu.Lock()
	l.cancelTurn = cancel
	l.state.Status = StatusStreaming
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.cancelTurn = nil
		l.mu.Unlock()
		cancel()
		l.runSave()
	}()

	l.publish(event.AgentStart, nil)
	l.repairOrphans()

	firstUser, err := l.deps.Store.Append(&types.Message{Role: types.RoleUser, Content: firstText})
	if err != nil {
		l.failTurn(fmt.Errorf("append user message: %w", err))
		return
	}

	isFirstEverTurn := l.isFirstUserTurn(firstUser)

	steps := 0
	for {
		if ctx.Err() != nil {
			l.handleAbort()
			return
		}

		// Drain any steers queued while this turn was busy, injecting
		// each as its own user message before the next provider call.
		for _, steerText := range l.drainSteers() {
			if _, err := l.deps.Store.Append(&types.Message{Role: types.RoleUser, Content: steerText}); err != nil {
				l.failTurn(fmt.Errorf("append steer message: %w", err))
				return
			}
		}

		steps++
		if steps > maxTurnSteps {
			l.failTurn(fmt.Errorf("turn exceeded %d steps without reaching a stop", maxTurnSteps))
			return
		}

		l.setStatus(StatusStreaming)
		outcome, perr := l.runProviderSegment(ctx)
		if ctx.Err() != nil {
			l.handleAbort()
			return
		}
		if perr != nil {
			l.failTurn(perr)
			return
		}

		assistant := &types.Message{
			Role:      types.RoleAssistant,
			Content:   outcome.content,
			Thinking:  outcome.thinking,
			ToolCalls: outcome.toolCalls,
		}
		if _, err := l.deps.Store.Append(assistant); err != nil {
			l.failTurn(fmt.Errorf("append assistant message: %w", err))
			return
		}
		l.recordUsage(outcome.usage)

		if outcome.stopReason == provider.StopReasonToolCalls && len(outcome.toolCalls) > 0 {
			aborted := l.runToolPhase(ctx, assistant.ID, outcome.toolCalls)
			l.publish(event.TurnEnd, nil)
			if aborted {
				l.handleAbort()
				return
			}
			continue
		}

		l.publish(event.TurnEnd, nil)

		l.mu.Lock()
		pending := len(l.state.PendingSteers)
		l.mu.Unlock()
		if pending > 0 {
			continue
		}
		break
	}

	l.setStatus(StatusIdle)
	usage := l.State().TokenUsage
	l.publish(event.AgentEnd, map[string]any{"usage": usage})

	if isFirstEverTurn && l.deps.OnAutoTitle != nil {
		go l.deps.OnAutoTitle(firstText)
	}
}

// isFirstUserTurn reports whether msg is the only user message on the
// current path, used to gate auto-titling to a session's first turn.
func (l *Loop) isFirstUserTurn(msg *types.Message) bool {
	path := l.deps.Store.Path()
	count := 0
	for _, m := range path {
		if m.Role == types.RoleUser {
			count++
		}
	}
	return count == 1 && msg != nil
}

func (l *Loop) drainSteers() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.state.PendingSteers
	l.state.PendingSteers = nil
	return out
}

func (l *Loop) setStatus(s Status) {
	l.mu.Lock()
	l.state.Status = s
	l.mu.Unlock()
}

func (l *Loop) recordUsage(u *types.TokenUsage) {
	if u == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state.TokenUsage.Input = u.Input
	l.state.TokenUsage.Output += u.Output
	l.state.TokenUsage.Reasoning += u.Reasoning
	l.state.TokenUsage.Cache.Read = u.Cache.Read
	l.state.TokenUsage.Cache.Write = u.Cache.Write
}

// handleAbort finalizes an in-flight turn that was cancelled: any
// assistant tool_calls without a result get a synthetic, is_error
// "Aborted" tool_result, partial unflushed content is dropped, and
// agent_abort is published. Per spec.md §4.6's abort behavior.
func (l *Loop) handleAbort() {
	l.repairOrphans()
	l.setStatus(StatusIdle)
	l.publish(event.AgentAbort, nil)
}

// failTurn transitions the Loop into the error state and publishes an
// error event, per spec.md §4.6/§4.3. The session remains addressable;
// a new prompt, model change, or compaction is required to leave the
// error state.
func (l *Loop) failTurn(err error) {
	msg := err.Error()
	l.mu.Lock()
	l.state.Status = StatusError
	l.state.LastError = msg
	l.mu.Unlock()
	l.publish(event.Error, map[string]any{"message": msg})
}

func (l *Loop) runSave() {
	if l.deps.OnSave == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logging.Error().Interface("panic", r).Str("session_id", l.deps.SessionID).Msg("agentloop: OnSave panicked")
		}
	}()
	l.deps.OnSave()
}

// segmentOutcome is the accumulated result of consuming one provider
// stream segment to completion.
type segmentOutcome struct {
	content    string
	thinking   string
	toolCalls  []types.ToolCall
	stopReason provider.StopReason
	usage      *types.TokenUsage
}

// runProviderSegment resolves the current provider/model, issues one
// completion request, and retries transient failures with exponential
// backoff per spec.md §4.3, resetting the attempt counter whenever a
// segment completes without error. Returns a non-nil error only once
// retries are exhausted or the failure is classified permanent.
func (l *Loop) runProviderSegment(ctx context.Context) (segmentOutcome, error) {
	state := l.State()
	prov, err := l.deps.Providers.Get(state.ProviderID)
	if err != nil {
		return segmentOutcome{}, fmt.Errorf("resolve provider %q: %w", state.ProviderID, err)
	}

	req := &provider.CompletionRequest{
		Model:    state.Model,
		Messages: provider.ConvertMessages(l.deps.Store.Path()),
		Tools:    l.resolveToolInfos(),
	}

	attempt := 0
	for {
		outcome, perr, err := l.segRunner.run(ctx, prov, req)
		if err != nil {
			if wrapped, retry := l.shouldRetry(ctx, err.Error(), "", &attempt); retry {
				continue
			} else if wrapped != nil {
				return segmentOutcome{}, wrapped
			}
			return segmentOutcome{}, err
		}

		if ctx.Err() != nil {
			return outcome, nil
		}
		if perr != nil {
			if wrapped, retry := l.shouldRetry(ctx, perr.Message, perr.Code, &attempt); retry {
				continue
			} else if wrapped != nil {
				return segmentOutcome{}, wrapped
			}
			return segmentOutcome{}, perr
		}
		return outcome, nil
	}
}

// segmentRunner executes one provider completion call and consumes its
// resulting stream into a segmentOutcome. The live implementation
// drives a real provider.Stream; tests substitute a fake that skips
// Eino's StreamReader entirely, mirroring stream.go's own chunkReceiver
// seam one level up (a *provider.Stream can't be constructed without a
// real Eino stream reader, so the fake has to sit above it).
type segmentRunner interface {
	run(ctx context.Context, prov provider.Provider, req *provider.CompletionRequest) (segmentOutcome, *provider.ProviderError, error)
}

type liveSegmentRunner struct{ loop *Loop }

func (r liveSegmentRunner) run(ctx context.Context, prov provider.Provider, req *provider.CompletionRequest) (segmentOutcome, *provider.ProviderError, error) {
	stream, err := provider.StreamChat(ctx, prov, req)
	if err != nil {
		return segmentOutcome{}, nil, err
	}
	outcome, perr := r.loop.consumeStream(stream)
	return outcome, perr, nil
}

// shouldRetry classifies a failure and, if transient and attempts
// remain, sleeps the backoff delay and reports the caller should retry.
// If the failure is permanent or attempts are exhausted, it returns a
// wrapping error; ctx cancellation during the sleep also ends retrying.
func (l *Loop) shouldRetry(ctx context.Context, message, code string, attempt *int) (error, bool) {
	kind := provider.ClassifyError(message, code)
	if kind == provider.Permanent {
		return fmt.Errorf("%s", message), false
	}
	*attempt++
	if *attempt > maxRetryAttempts {
		return fmt.Errorf("exhausted %d retry attempts: %s", maxRetryAttempts, message), false
	}
	l.setStatus(StatusRetrying)
	l.publish(event.StatusUpdate, map[string]any{"retrying": true, "attempt": *attempt, "reason": message})
	delay := provider.RetryDelay(*attempt, provider.DefaultBaseDelay, provider.DefaultMaxDelay)
	select {
	case <-time.After(delay):
		return nil, true
	case <-ctx.Done():
		return nil, false
	}
}

// resolveToolInfos returns the tool registry's infos, excluding any
// tool named in the Loop's current DisabledTools.
func (l *Loop) resolveToolInfos() []*schema.ToolInfo {
	if l.deps.Tools == nil {
		return nil
	}
	infos, err := l.deps.Tools.ToolInfos()
	if err != nil {
		logging.Error().Err(err).Str("session_id", l.deps.SessionID).Msg("agentloop: ToolInfos failed")
		return nil
	}
	l.mu.Lock()
	disabled := l.state.DisabledTools
	l.mu.Unlock()
	if len(disabled) == 0 {
		return infos
	}
	skip := make(map[string]bool, len(disabled))
	for _, name := range disabled {
		skip[name] = true
	}
	filtered := infos[:0]
	for _, ti := range infos {
		if !skip[ti.Name] {
			filtered = append(filtered, ti)
		}
	}
	return filtered
}

// consumeStream drains one Stream to completion (or to cancellation),
// translating each StreamEvent into message_start/message_delta and
// thinking/tool_call publishes, and accumulating the final assistant
// content.
func (l *Loop) consumeStream(stream *provider.Stream) (segmentOutcome, *provider.ProviderError) {
	var content, thinking strings.Builder
	var toolCalls []types.ToolCall
	var usage *types.TokenUsage
	var stopReason provider.StopReason
	var perr *provider.ProviderError
	textStarted := false
	thinkingStarted := false

	for ev := range stream.Events() {
		switch ev.Type {
		case provider.EventTextStart:
			if !textStarted {
				textStarted = true
				l.publish(event.MessageStart, nil)
			}
		case provider.EventTextDelta:
			content.WriteString(ev.Text)
			l.publish(event.MessageDelta, map[string]any{"text": ev.Text})
		case provider.EventThinkingStart:
			if !thinkingStarted {
				thinkingStarted = true
				l.publish(event.ThinkingStart, nil)
			}
		case provider.EventThinkingDelta:
			thinking.WriteString(ev.Text)
			l.publish(event.ThinkingDelta, map[string]any{"text": ev.Text})
		case provider.EventToolCallDone:
			toolCalls = append(toolCalls, types.ToolCall{
				CallID:    ev.CallID,
				Name:      ev.Name,
				Arguments: ev.Arguments,
			})
		case provider.EventUsage:
			usage = ev.Usage
			l.publish(event.UsageUpdate, map[string]any{"usage": ev.Usage})
		case provider.EventResponseDone:
			stopReason = ev.StopReason
			if ev.Usage != nil {
				usage = ev.Usage
			}
		case provider.EventError:
			perr = ev.Err
		}
	}

	return segmentOutcome{
		content:    content.String(),
		thinking:   thinking.String(),
		toolCalls:  toolCalls,
		stopReason: stopReason,
		usage:      usage,
	}, perr
}

// runToolPhase dispatches assistant's tool_calls through the Tool
// Runner and appends one tool_result message per call, in order. If
// ctx was cancelled mid-batch, every result is overwritten with a
// synthetic is_error "Aborted" result per spec.md §4.6, and true is
// returned so the caller can finalize the abort.
func (l *Loop) runToolPhase(ctx context.Context, assistantID string, calls []types.ToolCall) bool {
	l.setStatus(StatusWaitingTools)

	batch := toolrunner.Batch{
		MessageID:       assistantID,
		Calls:           calls,
		Permission:      l.deps.Permission,
		QuestionHandler: l.deps.QuestionHandler,
	}
	results := l.deps.Runner.ExecuteBatch(ctx, batch)

	aborted := ctx.Err() != nil
	if aborted {
		for i, c := range calls {
			results[i] = types.ToolResult{CallID: c.CallID, IsError: true, Output: "Aborted"}
		}
	}

	msgs := make([]*types.Message, len(results))
	for i, r := range results {
		msgs[i] = &types.Message{
			Role:     types.RoleToolResult,
			CallID:   r.CallID,
			Content:  r.Output,
			IsError:  r.IsError,
			Metadata: r.Metadata,
		}
		if r.IsError && msgs[i].Content == "" {
			msgs[i].Content = r.Error
		}
	}
	if _, err := l.deps.Store.AppendMany(msgs); err != nil {
		logging.Error().Err(err).Str("session_id", l.deps.SessionID).Msg("agentloop: append tool results failed")
	}
	return aborted
}
