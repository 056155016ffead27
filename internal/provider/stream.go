package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cloudwego/eino/schema"

	"github.com/matteing/opal/pkg/types"
)

// EventType identifies the kind of one StreamEvent, matching spec.md
// §4.3's tagged-variant StreamEvent exactly.
type EventType string

const (
	EventTextStart      EventType = "text_start"
	EventTextDelta      EventType = "text_delta"
	EventTextDone       EventType = "text_done"
	EventThinkingStart  EventType = "thinking_start"
	EventThinkingDelta  EventType = "thinking_delta"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallDelta  EventType = "tool_call_delta"
	EventToolCallDone   EventType = "tool_call_done"
	EventResponseDone   EventType = "response_done"
	EventUsage          EventType = "usage"
	EventError          EventType = "error"
)

// StopReason is response_done's classification of why the provider
// stopped generating.
type StopReason string

const (
	StopReasonStop      StopReason = "stop"
	StopReasonToolCalls StopReason = "tool_calls"
)

// StreamEvent is one item of a provider's parsed stream, per spec.md
// §4.3. Only the fields relevant to Type are populated.
type StreamEvent struct {
	Type EventType

	// text_start/text_delta/text_done, thinking_start/thinking_delta
	Text string

	// tool_call_start/tool_call_delta/tool_call_done
	CallID    string
	Name      string
	CallIndex *int
	Arguments json.RawMessage // tool_call_done: finalized, parsed-tolerant
	Delta     string          // tool_call_delta: raw argument bytes appended so far is not re-sent; this is the incremental chunk

	// response_done
	StopReason StopReason

	// usage / response_done
	Usage *types.TokenUsage

	// error
	Err *ProviderError
}

// ProviderError is the payload of an error StreamEvent, classified by
// the retry classifier in retry.go.
type ProviderError struct {
	Message string
	Code    string
	Kind    RetryKind
}

func (e *ProviderError) Error() string { return e.Message }

// Stream is a lazy, finite, cancellable sequence of StreamEvents plus
// an idempotent cancel action, per spec.md §4.3. Cancel is safe to call
// from any goroutine and safe to call more than once.
type Stream struct {
	events <-chan StreamEvent
	cancel context.CancelFunc
	once   sync.Once
}

// Events returns the channel of parsed stream events. The channel is
// closed once the underlying provider stream terminates (normally,
// by error, or by cancellation).
func (s *Stream) Events() <-chan StreamEvent { return s.events }

// Cancel terminates the stream promptly. Idempotent; safe from any
// goroutine. Any partial state already delivered on Events() remains
// the caller's responsibility to unwind.
func (s *Stream) Cancel() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// chunkReceiver is the minimal surface translate needs from a raw
// provider stream: *CompletionStream satisfies it directly, and tests
// supply a fake without constructing a real Eino StreamReader.
type chunkReceiver interface {
	Recv() (*schema.Message, error)
	Close()
}

// NewStream starts a goroutine translating an Eino CompletionStream
// into the spec's StreamEvent sequence and returns the cancellable
// handle. Grounded on the teacher's internal/session/stream.go
// processStream/processMessageChunk accumulation logic (content
// prefix-or-delta detection, ToolCalls[].Index tracking, Arguments
// delta concatenation), generalized from "mutate types.Part state on a
// shared sessionState" to "emit immutable StreamEvents on a channel".
func NewStream(ctx context.Context, raw *CompletionStream) *Stream {
	return newStream(ctx, raw)
}

func newStream(ctx context.Context, raw chunkReceiver) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	out := make(chan StreamEvent, 16)

	go translate(ctx, raw, out)

	return &Stream{events: out, cancel: cancel}
}

type toolAccum struct {
	callID    string
	name      string
	index     int
	started   bool
	arguments strings.Builder
}

func translate(ctx context.Context, raw chunkReceiver, out chan<- StreamEvent) {
	defer close(out)

	var closeOnce sync.Once
	closeRaw := func() { closeOnce.Do(raw.Close) }
	defer closeRaw()

	// A blocked Recv() only returns once the underlying transport is
	// closed; watch ctx so Cancel() unblocks it promptly instead of
	// waiting for the next chunk that may never arrive.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			closeRaw()
		case <-watchDone:
		}
	}()

	send := func(e StreamEvent) bool {
		select {
		case out <- e:
			return true
		case <-ctx.Done():
			return false
		}
	}

	textStarted := false
	thinkingStarted := false
	var accumulatedText strings.Builder
	toolsByIndex := make(map[int]*toolAccum)
	toolsByID := make(map[string]*toolAccum)
	var usage *types.TokenUsage
	var stopReason StopReason = StopReasonStop

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := raw.Recv()
		// Cancel closes raw, so Recv may come back with EOF or an error;
		// a cancelled stream ends here without emitting further events.
		if ctx.Err() != nil {
			return
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			send(StreamEvent{Type: EventError, Err: classifyProviderError(err)})
			return
		}

		if msg.Content != "" {
			delta := msg.Content
			if accumulatedText.Len() > 0 {
				prior := accumulatedText.String()
				if strings.HasPrefix(msg.Content, prior) {
					delta = msg.Content[len(prior):]
				}
			}
			if !textStarted {
				textStarted = true
				send(StreamEvent{Type: EventTextStart})
			}
			if delta != "" {
				accumulatedText.WriteString(delta)
				send(StreamEvent{Type: EventTextDelta, Text: delta})
			}
		}

		if msg.ReasoningContent != "" {
			if !thinkingStarted {
				thinkingStarted = true
				send(StreamEvent{Type: EventThinkingStart})
			}
			send(StreamEvent{Type: EventThinkingDelta, Text: msg.ReasoningContent})
		}

		for _, tc := range msg.ToolCalls {
			acc := resolveToolAccum(tc, toolsByIndex, toolsByID)
			if acc == nil {
				continue
			}
			if !acc.started && tc.ID != "" && tc.Function.Name != "" {
				acc.started = true
				acc.callID = tc.ID
				acc.name = tc.Function.Name
				idx := acc.index
				send(StreamEvent{Type: EventToolCallStart, CallID: acc.callID, Name: acc.name, CallIndex: &idx})
			}
			if tc.Function.Arguments != "" {
				acc.arguments.WriteString(tc.Function.Arguments)
				send(StreamEvent{Type: EventToolCallDelta, CallID: acc.callID, Delta: tc.Function.Arguments})
			}
		}

		if msg.ResponseMeta != nil {
			if msg.ResponseMeta.Usage != nil {
				usage = &types.TokenUsage{
					Input:  msg.ResponseMeta.Usage.PromptTokens,
					Output: msg.ResponseMeta.Usage.CompletionTokens,
				}
			}
			if fr := normalizeFinishReason(msg.ResponseMeta.FinishReason); fr != "" {
				stopReason = fr
			}
		}
	}

	if textStarted {
		send(StreamEvent{Type: EventTextDone, Text: accumulatedText.String()})
	}

	// Finalize every tool call seen, in index order, tolerating
	// malformed accumulated JSON by keeping the raw text (spec.md
	// §4.6 step 4: "tolerating malformed JSON by keeping the raw text").
	finalized := finalizeToolAccums(toolsByIndex)
	if len(finalized) > 0 {
		stopReason = StopReasonToolCalls
	}
	for _, acc := range finalized {
		raw := acc.arguments.String()
		args := json.RawMessage(raw)
		if !json.Valid(args) {
			encoded, _ := json.Marshal(raw)
			args = encoded
		}
		send(StreamEvent{Type: EventToolCallDone, CallID: acc.callID, Name: acc.name, Arguments: args})
	}

	if usage != nil {
		send(StreamEvent{Type: EventUsage, Usage: usage})
	}

	send(StreamEvent{Type: EventResponseDone, StopReason: stopReason, Usage: usage})
}

func resolveToolAccum(tc schema.ToolCall, byIndex map[int]*toolAccum, byID map[string]*toolAccum) *toolAccum {
	if tc.Index != nil {
		idx := *tc.Index
		acc, ok := byIndex[idx]
		if !ok {
			acc = &toolAccum{index: idx}
			byIndex[idx] = acc
		}
		if tc.ID != "" {
			byID[tc.ID] = acc
		}
		return acc
	}
	if tc.ID != "" {
		if acc, ok := byID[tc.ID]; ok {
			return acc
		}
		acc := &toolAccum{index: len(byIndex), callID: tc.ID}
		byID[tc.ID] = acc
		byIndex[acc.index] = acc
		return acc
	}
	return nil
}

func finalizeToolAccums(byIndex map[int]*toolAccum) []*toolAccum {
	indexes := make([]int, 0, len(byIndex))
	for i := range byIndex {
		indexes = append(indexes, i)
	}
	// Simple insertion sort: call counts per turn are small.
	for i := 1; i < len(indexes); i++ {
		for j := i; j > 0 && indexes[j-1] > indexes[j]; j-- {
			indexes[j-1], indexes[j] = indexes[j], indexes[j-1]
		}
	}
	out := make([]*toolAccum, 0, len(indexes))
	for _, i := range indexes {
		acc := byIndex[i]
		if acc.started {
			out = append(out, acc)
		}
	}
	return out
}

// normalizeFinishReason maps provider-specific finish reason strings to
// spec.md's two-valued StopReason, following the teacher's own
// normalization ("tool_use" -> "tool-calls") generalized to every
// tool-calls spelling the example providers use.
func normalizeFinishReason(reason string) StopReason {
	switch reason {
	case "":
		return ""
	case "tool_use", "tool-calls", "tool_calls":
		return StopReasonToolCalls
	default:
		return StopReasonStop
	}
}

// ParseStreamEvent is the provider interface's parse_stream_event
// operation for providers that hand back raw JSON chunks instead of an
// Eino stream (e.g. an adapter consuming a raw SSE body directly). It
// is pure and returns an empty slice for unrecognized input, per
// spec.md §4.3.
func ParseStreamEvent(raw []byte) []StreamEvent {
	var chunk struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		Error json.RawMessage `json:"error"`
	}
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil
	}
	switch EventType(chunk.Type) {
	case EventTextDelta, EventThinkingDelta:
		return []StreamEvent{{Type: EventType(chunk.Type), Text: chunk.Text}}
	case EventTextStart, EventThinkingStart, EventResponseDone:
		return []StreamEvent{{Type: EventType(chunk.Type)}}
	case EventError:
		return []StreamEvent{{Type: EventError, Err: &ProviderError{Message: fmt.Sprintf("%s", chunk.Error)}}}
	default:
		return nil
	}
}
