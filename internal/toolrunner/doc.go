// Package toolrunner executes one assistant turn's tool calls with
// bounded parallelism, per-call confirmation, panic containment, and
// ordered result capture.
//
// # Overview
//
// A turn's tool calls are resolved, authorized, and executed
// concurrently via a Runner bound to one session. Results are returned
// in call order regardless of completion order, so the caller can zip
// them back onto the calls that produced them without bookkeeping.
//
//	runner := toolrunner.NewRunner(sessionID, registry, checker, bus, workDir)
//	results := runner.ExecuteBatch(ctx, toolrunner.Batch{
//	    MessageID: msg.ID,
//	    Calls:     msg.ToolCalls,
//	})
//
// # Per-call protocol
//
// Each call is resolved against the tool registry, authorized against
// the confirmation policy for tools that don't already gate themselves
// (the bash tool resolves its own per-pattern asks through the same
// Checker), executed under the batch's context, and its panics or
// errors converted into an is_error result rather than failing the
// batch. tool_execution_start/tool_execution_end are published around
// every call that resolves to a registered tool, in that order, for a
// given call ID; a call naming an unknown tool gets an error result and
// no events.
//
// # Cancellation
//
// CancelAll cancels every call in the most recent in-flight batch for
// the Runner's session. Already-produced outputs are discarded by the
// caller; the batch's result slice is still returned, with any
// not-yet-finished calls reporting a cancellation error.
package toolrunner
