package toolrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/matteing/opal/internal/event"
	"github.com/matteing/opal/internal/permission"
	"github.com/matteing/opal/internal/tool"
	"github.com/matteing/opal/pkg/types"
)

// defaultConcurrencyLimit bounds how many calls in one batch execute at
// once. A single turn rarely emits more than a handful of tool calls,
// so this mainly guards against a pathological turn exhausting file
// descriptors or subprocess slots.
const defaultConcurrencyLimit = 8

// confirmGated names the tools whose authorization the Runner itself
// must gate, mapped to the permission type governing them. bash is
// deliberately absent: BashTool resolves its own per-pattern ask
// against the Checker it was constructed with, since a single
// edit/webfetch-style permission type can't express bash's
// command-pattern granularity.
var confirmGated = map[string]permission.PermissionType{
	"edit":     permission.PermEdit,
	"write":    permission.PermEdit,
	"webfetch": permission.PermWebFetch,
}

// Runner executes tool call batches for one session.
type Runner struct {
	sessionID string
	registry  *tool.Registry
	checker   *permission.Checker
	bus       *event.Bus
	workDir   string
	limit     int
	doom      *permission.DoomLoopDetector

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewRunner creates a Runner bound to one session's registry, checker,
// and event bus. It carries its own DoomLoopDetector at the package
// default threshold; SetDoomLoopThreshold overrides it per agent.
func NewRunner(sessionID string, registry *tool.Registry, checker *permission.Checker, bus *event.Bus, workDir string) *Runner {
	return &Runner{
		sessionID: sessionID,
		registry:  registry,
		checker:   checker,
		bus:       bus,
		workDir:   workDir,
		limit:     defaultConcurrencyLimit,
		doom:      permission.NewDoomLoopDetector(0),
	}
}

// SetDoomLoopThreshold rebuilds the Runner's doom-loop detector at n
// identical calls in a row; n <= 0 resets it to the package default.
// Called once per session by the supervisor when the active agent
// overrides the default via agent.Agent.DoomLoopThreshold.
func (r *Runner) SetDoomLoopThreshold(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.doom = permission.NewDoomLoopDetector(n)
}

// Batch is one assistant turn's tool calls plus the context their
// execution and publishes should carry.
type Batch struct {
	MessageID       string
	Agent           string
	Calls           []types.ToolCall
	Permission      *types.PermissionConfig
	QuestionHandler func(ctx context.Context, question string) (string, error)
}

// ExecuteBatch runs every call in b concurrently (bounded by the
// Runner's limit) and returns results in the same order as b.Calls,
// per spec.md §4.4's execute_batch. A panic or error in one call never
// aborts the others.
func (r *Runner) ExecuteBatch(ctx context.Context, b Batch) []types.ToolResult {
	ctx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.cancel = nil
		r.mu.Unlock()
		cancel()
	}()

	results := make([]types.ToolResult, len(b.Calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.limit)

	for i, call := range b.Calls {
		i, call := i, call
		g.Go(func() error {
			results[i] = r.executeOne(gctx, b, call)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// CancelAll cooperatively cancels every call in the Runner's current
// in-flight batch, per spec.md §4.4's cancel_all. A no-op if no batch
// is running.
func (r *Runner) CancelAll() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (r *Runner) executeOne(ctx context.Context, b Batch, call types.ToolCall) types.ToolResult {
	result := types.ToolResult{CallID: call.CallID}

	t, ok := r.registry.Get(call.Name)
	if !ok {
		result.IsError = true
		result.Error = fmt.Sprintf("tool not found: %s", call.Name)
		return result
	}

	r.publish(event.ToolExecutionStart, map[string]any{
		"call_id": call.CallID,
		"tool":    call.Name,
	})

	if permType, gated := confirmGated[call.Name]; gated && r.checker != nil {
		action := resolvePermissionAction(b.Permission, permType)
		req := permission.Request{
			Type:      permType,
			SessionID: r.sessionID,
			MessageID: b.MessageID,
			CallID:    call.CallID,
			Title:     fmt.Sprintf("Run %s", call.Name),
		}
		if err := r.checker.Check(ctx, req, action); err != nil {
			result.IsError = true
			result.Error = err.Error()
			r.publish(event.ToolExecutionEnd, map[string]any{
				"call_id": call.CallID, "tool": call.Name, "is_error": true,
			})
			return result
		}
	}

	if r.doom != nil && r.checker != nil && r.doom.Check(r.sessionID, call.Name, call.Arguments) {
		action := resolvePermissionAction(b.Permission, permission.PermDoomLoop)
		req := permission.Request{
			Type:      permission.PermDoomLoop,
			SessionID: r.sessionID,
			MessageID: b.MessageID,
			CallID:    call.CallID,
			Title:     fmt.Sprintf("%s called with the same arguments repeatedly", call.Name),
		}
		if err := r.checker.Check(ctx, req, action); err != nil {
			result.IsError = true
			result.Error = err.Error()
			r.publish(event.ToolExecutionEnd, map[string]any{
				"call_id": call.CallID, "tool": call.Name, "is_error": true,
			})
			return result
		}
		r.doom.Reset(r.sessionID)
	}

	toolCtx := &tool.Context{
		SessionID:       r.sessionID,
		MessageID:       b.MessageID,
		CallID:          call.CallID,
		Agent:           b.Agent,
		WorkDir:         r.workDir,
		AbortCh:         ctx.Done(),
		QuestionHandler: b.QuestionHandler,
	}

	res, err := r.safeExecute(ctx, t, call.Arguments, toolCtx)
	switch {
	case err != nil:
		result.IsError = true
		result.Error = err.Error()
	case res != nil:
		result.Output = res.Output
		result.Title = res.Title
		result.Metadata = res.Metadata
		result.IsError = res.Error != nil
		if result.IsError && result.Output == "" {
			result.Output = res.Error.Error()
		}
		if len(res.Attachments) > 0 {
			result.Attachments = make([]types.Attachment, len(res.Attachments))
			for i, a := range res.Attachments {
				result.Attachments[i] = types.Attachment{
					Filename:  a.Filename,
					MediaType: a.MediaType,
					URL:       a.URL,
				}
			}
		}
	}

	r.publish(event.ToolExecutionEnd, map[string]any{
		"call_id": call.CallID, "tool": call.Name, "is_error": result.IsError,
	})
	return result
}

// safeExecute recovers a panicking tool implementation, converting it
// into an error result so one bad tool can't fail the rest of the
// batch (spec.md §4.4 step 4).
func (r *Runner) safeExecute(ctx context.Context, t tool.Tool, args json.RawMessage, toolCtx *tool.Context) (res *tool.Result, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("tool %s panicked: %v", t.ID(), p)
		}
	}()
	return t.Execute(ctx, args, toolCtx)
}

func (r *Runner) publish(typ event.Type, fields map[string]any) {
	if r.bus == nil {
		return
	}
	r.bus.Publish(event.Event{Type: typ, Fields: fields})
}

// resolvePermissionAction maps a PermissionConfig's string policy to a
// PermissionAction, defaulting to ask when unset or unrecognized.
func resolvePermissionAction(cfg *types.PermissionConfig, t permission.PermissionType) permission.PermissionAction {
	if cfg == nil {
		return permission.ActionAsk
	}
	var raw string
	switch t {
	case permission.PermEdit:
		raw = cfg.Edit
	case permission.PermWebFetch:
		raw = cfg.WebFetch
	case permission.PermExternalDir:
		raw = cfg.ExternalDir
	case permission.PermDoomLoop:
		raw = cfg.DoomLoop
	}
	switch raw {
	case "allow":
		return permission.ActionAllow
	case "deny":
		return permission.ActionDeny
	default:
		return permission.ActionAsk
	}
}
