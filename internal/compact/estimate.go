package compact

import "github.com/matteing/opal/pkg/types"

// BytesPerToken and MessageOverhead implement spec.md §4.5's estimator
// heuristic: roughly 4 bytes per token, plus a fixed per-message
// framing cost. Tool-call framing is charged the same overhead again,
// once per call, on top of its name and JSON-encoded arguments.
const (
	BytesPerToken   = 4
	MessageOverhead = 10
)

// EstimateText estimates the token cost of a raw string.
func EstimateText(s string) int {
	if s == "" {
		return 0
	}
	return len(s) / BytesPerToken
}

// EstimateMessage estimates one message's token cost: its content,
// thinking text, and every tool call's name + arguments, each framed
// with MessageOverhead.
func EstimateMessage(msg *types.Message) int {
	if msg == nil {
		return 0
	}
	tokens := MessageOverhead
	tokens += EstimateText(msg.Content)
	tokens += EstimateText(msg.Thinking)
	for _, tc := range msg.ToolCalls {
		tokens += MessageOverhead
		tokens += EstimateText(tc.Name)
		tokens += EstimateText(string(tc.Arguments))
	}
	return tokens
}

// EstimatePath sums EstimateMessage over a path.
func EstimatePath(path []*types.Message) int {
	total := 0
	for _, m := range path {
		total += EstimateMessage(m)
	}
	return total
}

// HybridEstimate combines the provider's last reported prompt-token
// count with a heuristic estimate of the messages appended since that
// report, per spec.md §4.5.
func HybridEstimate(lastReportedTokens int, sinceReport []*types.Message) int {
	return lastReportedTokens + EstimatePath(sinceReport)
}
