package agentloop

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	einomodel "github.com/cloudwego/eino/components/model"
	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matteing/opal/internal/event"
	"github.com/matteing/opal/internal/permission"
	"github.com/matteing/opal/internal/provider"
	"github.com/matteing/opal/internal/store"
	"github.com/matteing/opal/internal/tool"
	"github.com/matteing/opal/internal/toolrunner"
	"github.com/matteing/opal/pkg/types"
)

// fakeProvider satisfies provider.Provider without ever issuing a real
// completion call: every test replaces the Loop's segmentRunner, so
// CreateCompletion is never invoked, but Providers.Get still needs a
// registered provider to resolve.
type fakeProvider struct{ id string }

func (f *fakeProvider) ID() string                                   { return f.id }
func (f *fakeProvider) Name() string                                 { return f.id }
func (f *fakeProvider) Models() []types.Model                        { return nil }
func (f *fakeProvider) ChatModel() einomodel.ToolCallingChatModel     { return nil }
func (f *fakeProvider) CreateCompletion(ctx context.Context, req *provider.CompletionRequest) (*provider.CompletionStream, error) {
	panic("fakeProvider.CreateCompletion should never be called: the test segmentRunner bypasses it")
}

// segStep is one scripted response from scriptedRunner.run.
type segStep struct {
	outcome segmentOutcome
	perr    *provider.ProviderError
	err     error
	block   chan struct{} // if set, run() waits for this to close (or ctx.Done) before returning
}

// scriptedRunner replays a canned sequence of segmentRunner results,
// letting tests drive the turn loop deterministically without a real
// Eino stream. Mirrors stream_test.go's fakeReceiver one layer up.
type scriptedRunner struct {
	mu    sync.Mutex
	steps []segStep
	i     int
}

func (s *scriptedRunner) run(ctx context.Context, prov provider.Provider, req *provider.CompletionRequest) (segmentOutcome, *provider.ProviderError, error) {
	s.mu.Lock()
	if s.i >= len(s.steps) {
		s.mu.Unlock()
		return segmentOutcome{stopReason: provider.StopReasonStop}, nil, nil
	}
	st := s.steps[s.i]
	s.i++
	s.mu.Unlock()

	if st.block != nil {
		select {
		case <-st.block:
		case <-ctx.Done():
			return segmentOutcome{}, nil, nil
		}
	}
	return st.outcome, st.perr, st.err
}

// fakeTool is a minimal tool.Tool used to exercise the tool phase.
type fakeTool struct {
	id    string
	delay time.Duration
}

func (f *fakeTool) ID() string                       { return f.id }
func (f *fakeTool) Description() string              { return "fake tool for agentloop tests" }
func (f *fakeTool) Parameters() json.RawMessage      { return json.RawMessage(`{}`) }
func (f *fakeTool) EinoTool() einotool.InvokableTool { return nil }

func (f *fakeTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *tool.Context) (*tool.Result, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return &tool.Result{Output: f.id + "-result"}, nil
}

type harness struct {
	loop   *Loop
	store  *store.Store
	bus    *event.Bus
	runner *scriptedRunner

	logMu sync.Mutex
	log   []event.Event
}

func newHarness(t *testing.T, steps []segStep, tools ...*fakeTool) *harness {
	t.Helper()
	st := store.New("sess-agentloop")
	bus := event.NewBus("sess-agentloop")
	providers := provider.NewRegistry(nil)
	providers.Register(&fakeProvider{id: "fp"})

	toolReg := tool.NewRegistry("/tmp", nil)
	for _, ft := range tools {
		toolReg.Register(ft)
	}
	checker := permission.NewChecker(bus)
	runner := toolrunner.NewRunner("sess-agentloop", toolReg, checker, bus, "/tmp")

	loop := New(Deps{
		SessionID:  "sess-agentloop",
		Store:      st,
		Bus:        bus,
		Providers:  providers,
		Runner:     runner,
		Tools:      toolReg,
		Checker:    checker,
		WorkingDir: "/tmp",
		ProviderID: "fp",
		Model:      "m1",
	})
	sr := &scriptedRunner{steps: steps}
	loop.segRunner = sr

	h := &harness{loop: loop, store: st, bus: bus, runner: sr}
	// Subscribed once, before Start, so no event published once the
	// engine goroutine begins can race past an as-yet-unregistered
	// subscriber.
	bus.Subscribe(func(e event.Event) {
		h.logMu.Lock()
		h.log = append(h.log, e)
		h.logMu.Unlock()
	})
	return h
}

// waitFor polls h's event log until one of type want has been
// recorded, returning the full log observed so far.
func (h *harness) waitFor(t *testing.T, want event.Type, timeout time.Duration) []event.Event {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		h.logMu.Lock()
		for _, e := range h.log {
			if e.Type == want {
				out := append([]event.Event(nil), h.log...)
				h.logMu.Unlock()
				return out
			}
		}
		h.logMu.Unlock()
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for event %q", want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestPrompt_SimpleTurn_PublishesAgentStartAndEnd(t *testing.T) {
	h := newHarness(t, []segStep{
		{outcome: segmentOutcome{content: "hi there", stopReason: provider.StopReasonStop}},
	})
	h.loop.Start(context.Background())
	defer h.loop.Close()

	require.NoError(t, h.loop.Prompt("hello"))
	events := h.waitFor(t, event.AgentEnd, 2*time.Second)

	var seenTypes []event.Type
	for _, e := range events {
		seenTypes = append(seenTypes, e.Type)
	}
	assert.Contains(t, seenTypes, event.AgentStart)
	// message_start/message_delta are published by consumeStream, which
	// the scripted segment runner bypasses, so this harness sees neither.
	assert.NotContains(t, seenTypes, event.MessageStart)
	assert.NotContains(t, seenTypes, event.MessageDelta)
	assert.Contains(t, seenTypes, event.AgentEnd)

	path := h.store.Path()
	require.Len(t, path, 2)
	assert.Equal(t, types.RoleUser, path[0].Role)
	assert.Equal(t, types.RoleAssistant, path[1].Role)
	assert.Equal(t, "hi there", path[1].Content)
	assert.Equal(t, StatusIdle, h.loop.State().Status)
}

func TestPrompt_ToolCallThenStop(t *testing.T) {
	h := newHarness(t, []segStep{
		{outcome: segmentOutcome{
			toolCalls:  []types.ToolCall{{CallID: "c1", Name: "echo"}},
			stopReason: provider.StopReasonToolCalls,
		}},
		{outcome: segmentOutcome{content: "done", stopReason: provider.StopReasonStop}},
	}, &fakeTool{id: "echo"})
	h.loop.Start(context.Background())
	defer h.loop.Close()

	require.NoError(t, h.loop.Prompt("run echo"))
	h.waitFor(t, event.AgentEnd, 2*time.Second)

	path := h.store.Path()
	require.Len(t, path, 4)
	assert.Equal(t, types.RoleUser, path[0].Role)
	assert.Equal(t, types.RoleAssistant, path[1].Role)
	require.Len(t, path[1].ToolCalls, 1)
	assert.Equal(t, types.RoleToolResult, path[2].Role)
	assert.Equal(t, "c1", path[2].CallID)
	assert.Equal(t, "echo-result", path[2].Content)
	assert.False(t, path[2].IsError)
	assert.Equal(t, types.RoleAssistant, path[3].Role)
	assert.Equal(t, "done", path[3].Content)
}

func TestAbort_DuringToolExecution_ProducesSyntheticAbortedResult(t *testing.T) {
	h := newHarness(t, []segStep{
		{outcome: segmentOutcome{
			toolCalls:  []types.ToolCall{{CallID: "c1", Name: "slow"}},
			stopReason: provider.StopReasonToolCalls,
		}},
	}, &fakeTool{id: "slow", delay: 2 * time.Second})
	h.loop.Start(context.Background())
	defer h.loop.Close()

	require.NoError(t, h.loop.Prompt("run slow"))

	// Wait for the tool phase to begin, then abort mid-execution.
	deadline := time.After(1 * time.Second)
	for h.loop.State().Status != StatusWaitingTools {
		select {
		case <-deadline:
			t.Fatal("tool phase never started")
		case <-time.After(5 * time.Millisecond):
		}
	}
	h.loop.Abort()

	h.waitFor(t, event.AgentAbort, 3*time.Second)

	path := h.store.Path()
	require.Len(t, path, 3)
	assert.Equal(t, types.RoleToolResult, path[2].Role)
	assert.True(t, path[2].IsError)
	assert.Equal(t, "Aborted", path[2].Content)
	assert.Equal(t, StatusIdle, h.loop.State().Status)
}

func TestSteer_WhileStreaming_InjectedBeforeNextSegment(t *testing.T) {
	block := make(chan struct{})
	h := newHarness(t, []segStep{
		{block: block, outcome: segmentOutcome{content: "first", stopReason: provider.StopReasonStop}},
		{outcome: segmentOutcome{content: "second", stopReason: provider.StopReasonStop}},
	})
	h.loop.Start(context.Background())
	defer h.loop.Close()

	require.NoError(t, h.loop.Prompt("go"))

	deadline := time.After(1 * time.Second)
	for h.loop.State().Status != StatusStreaming {
		select {
		case <-deadline:
			t.Fatal("turn never reached streaming")
		case <-time.After(5 * time.Millisecond):
		}
	}

	require.NoError(t, h.loop.Steer("extra context"))
	close(block)

	h.waitFor(t, event.AgentEnd, 2*time.Second)

	path := h.store.Path()
	require.Len(t, path, 4)
	assert.Equal(t, types.RoleUser, path[0].Role)
	assert.Equal(t, "go", path[0].Content)
	assert.Equal(t, types.RoleAssistant, path[1].Role)
	assert.Equal(t, "first", path[1].Content)
	assert.Equal(t, types.RoleUser, path[2].Role)
	assert.Equal(t, "extra context", path[2].Content)
	assert.Equal(t, types.RoleAssistant, path[3].Role)
	assert.Equal(t, "second", path[3].Content)
}

func TestProviderError_Permanent_EntersErrorState(t *testing.T) {
	h := newHarness(t, []segStep{
		{err: &permanentErr{msg: "401 invalid api key"}},
	})
	h.loop.Start(context.Background())
	defer h.loop.Close()

	require.NoError(t, h.loop.Prompt("hello"))
	h.waitFor(t, event.Error, 2*time.Second)

	state := h.loop.State()
	assert.Equal(t, StatusError, state.Status)
	assert.Contains(t, state.LastError, "invalid api key")

	// A prompt while in error state is refused until cleared.
	err := h.loop.Prompt("try again")
	assert.Error(t, err)

	h.loop.ClearError()
	assert.Equal(t, StatusIdle, h.loop.State().Status)
}

type permanentErr struct{ msg string }

func (e *permanentErr) Error() string { return e.msg }

func TestRecover_RepairsOrphanToolCallsAndPublishesAgentRecovered(t *testing.T) {
	st := store.New("sess-recover")
	u, err := st.Append(&types.Message{Role: types.RoleUser, Content: "hi"})
	require.NoError(t, err)
	_, err = st.Append(&types.Message{
		Role:      types.RoleAssistant,
		ToolCalls: []types.ToolCall{{CallID: "orphan-1", Name: "echo"}},
	})
	require.NoError(t, err)
	_ = u

	bus := event.NewBus("sess-recover")
	providers := provider.NewRegistry(nil)
	loop := New(Deps{SessionID: "sess-recover", Store: st, Bus: bus, Providers: providers, ProviderID: "fp", Model: "m1"})

	var mu sync.Mutex
	var gotRecovered bool
	unsub := bus.Subscribe(func(e event.Event) {
		if e.Type == event.AgentRecovered {
			mu.Lock()
			gotRecovered = true
			mu.Unlock()
		}
	})
	defer unsub()

	loop.Recover()
	// PublishSync queues the event before Recover returns, but the
	// subscriber's own goroutine runs the handler asynchronously.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return gotRecovered
	}, time.Second, 5*time.Millisecond)

	path := st.Path()
	require.Len(t, path, 3)
	assert.Equal(t, types.RoleToolResult, path[2].Role)
	assert.Equal(t, "orphan-1", path[2].CallID)
	assert.True(t, path[2].IsError)
	assert.Equal(t, StatusIdle, loop.State().Status)

	// Idempotent: calling Recover again finds nothing new to repair.
	loop.Recover()
	assert.Len(t, st.Path(), 3)
}
