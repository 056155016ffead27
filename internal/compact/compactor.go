package compact

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/matteing/opal/internal/provider"
	"github.com/matteing/opal/internal/store"
	"github.com/matteing/opal/pkg/types"
)

// Strategy selects how the removed segment is condensed into a summary.
type Strategy string

const (
	StrategyTruncate  Strategy = "truncate"
	StrategySummarize Strategy = "summarize"
)

// Options parameterizes one Compact call, per spec.md §4.5.
type Options struct {
	Strategy         Strategy
	KeepRecentTokens int
	ProviderID       string
	ModelID          string
	Force            bool
}

// Result reports what Compact did.
type Result struct {
	Compacted  bool
	Summary    *types.Message
	RemovedIDs []string
}

const (
	defaultKeepRecentTokens = 4000
	summaryMaxTokens        = 2000
)

// Compactor collapses the oldest portion of a session's message path
// into a single summary message.
type Compactor struct {
	store     *store.Store
	providers *provider.Registry
}

// NewCompactor creates a Compactor over st, using providers to resolve
// the model for the summarize strategy.
func NewCompactor(st *store.Store, providers *provider.Registry) *Compactor {
	return &Compactor{store: st, providers: providers}
}

// Compact runs the compaction algorithm against the store's current
// path. It returns a zero-value, Compacted=false Result without error
// when there is nothing worth compacting.
func (c *Compactor) Compact(ctx context.Context, opts Options) (*Result, error) {
	if opts.Strategy == "" {
		opts.Strategy = StrategyTruncate
	}
	if opts.KeepRecentTokens <= 0 {
		opts.KeepRecentTokens = defaultKeepRecentTokens
	}

	path := c.store.Path()
	if len(path) == 0 {
		return &Result{}, nil
	}

	rawCut := findRawCut(path, opts.KeepRecentTokens)
	if rawCut >= len(path) {
		// The whole path already fits the budget; nothing to remove.
		return &Result{}, nil
	}

	turnCut := snapToTurnBoundary(path, rawCut)
	if turnCut == 0 {
		// No preceding turn boundary: removing anything would orphan
		// the in-progress turn's own user message.
		return &Result{}, nil
	}

	removed := path[:turnCut]
	if len(removed) < 2 && !opts.Force {
		return &Result{}, nil
	}

	removedIDs := make([]string, len(removed))
	for i, m := range removed {
		removedIDs[i] = m.ID
	}

	var turnContext []*types.Message
	splitTurn := turnCut < rawCut
	if splitTurn {
		turnContext = path[turnCut:rawCut]
	}

	ops := collectFileOps(removed)
	ops = mergeFileOps(removed, ops)

	summaryText, err := c.buildSummaryText(ctx, opts, removed, turnContext, ops)
	if err != nil {
		return nil, err
	}

	summary := &types.Message{
		Role:    types.RoleAssistant,
		Content: summaryText,
		Metadata: map[string]any{
			"type":           "compaction_summary",
			"read_files":     ops.Read,
			"modified_files": ops.Modified,
		},
	}

	stored, err := c.store.ReplacePathSegment(removedIDs, summary)
	if err != nil {
		return nil, err
	}

	return &Result{Compacted: true, Summary: stored, RemovedIDs: removedIDs}, nil
}

// findRawCut returns the smallest index i such that path[i:] fits
// within budget tokens, always keeping at least the final message
// even if it alone exceeds budget (spec.md §4.5 step 1).
func findRawCut(path []*types.Message, budget int) int {
	total := 0
	i := len(path)
	for i > 0 {
		cost := EstimateMessage(path[i-1])
		if total > 0 && total+cost > budget {
			break
		}
		total += cost
		i--
	}
	return i
}

// snapToTurnBoundary walks backward from rawCut to the nearest user
// message at or before it, so the kept suffix always starts a turn
// cleanly (spec.md §4.5 step 2). Returns 0 if no user message precedes
// rawCut.
func snapToTurnBoundary(path []*types.Message, rawCut int) int {
	for j := rawCut; j >= 0; j-- {
		if j < len(path) && path[j].Role == types.RoleUser {
			return j
		}
	}
	return 0
}

// fileOps is the cumulative read/modified file classification
// collected from a removed segment, merged with any prior summary's.
type fileOps struct {
	Read     []string
	Modified []string
}

// collectFileOps scans tool calls in msgs, classifying by tool name:
// read_file-style calls contribute to Read, write/edit-style calls to
// Modified. A path seen under both is reclassified as Modified only
// (spec.md §4.5 step 4).
func collectFileOps(msgs []*types.Message) fileOps {
	read := make(map[string]bool)
	modified := make(map[string]bool)

	for _, m := range msgs {
		for _, tc := range m.ToolCalls {
			path := extractFilePath(tc.Arguments)
			if path == "" {
				continue
			}
			switch strings.ToLower(tc.Name) {
			case "read":
				read[path] = true
			case "write", "edit":
				modified[path] = true
			}
		}
	}
	for p := range modified {
		delete(read, p)
	}
	return fileOps{Read: sortedKeys(read), Modified: sortedKeys(modified)}
}

// mergeFileOps folds any prior compaction summary found within removed
// into ops, keeping the classification monotone modulo the
// read-to-modified reclassification (spec.md invariant (c)).
func mergeFileOps(removed []*types.Message, ops fileOps) fileOps {
	read := make(map[string]bool)
	modified := make(map[string]bool)
	for _, p := range ops.Read {
		read[p] = true
	}
	for _, p := range ops.Modified {
		modified[p] = true
	}

	if prior := findPriorSummary(removed); prior != nil {
		for _, p := range asStringSlice(prior.Metadata["read_files"]) {
			read[p] = true
		}
		for _, p := range asStringSlice(prior.Metadata["modified_files"]) {
			modified[p] = true
		}
	}

	for p := range modified {
		delete(read, p)
	}
	return fileOps{Read: sortedKeys(read), Modified: sortedKeys(modified)}
}

func findPriorSummary(removed []*types.Message) *types.Message {
	for i := len(removed) - 1; i >= 0; i-- {
		m := removed[i]
		if m.Metadata == nil {
			continue
		}
		if t, _ := m.Metadata["type"].(string); t == "compaction_summary" {
			return m
		}
	}
	return nil
}

func extractFilePath(args json.RawMessage) string {
	var v struct {
		FilePath string `json:"filePath"`
	}
	if err := json.Unmarshal(args, &v); err != nil {
		return ""
	}
	return v.FilePath
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func asStringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// buildSummaryText produces the replacement summary's body. summarize
// falls back to truncate on any provider failure (spec.md §4.5 step 5).
func (c *Compactor) buildSummaryText(ctx context.Context, opts Options, removed, turnContext []*types.Message, ops fileOps) (string, error) {
	if opts.Strategy == StrategySummarize {
		text, err := c.summarize(ctx, opts, removed, turnContext)
		if err == nil {
			return text, nil
		}
	}
	return truncateSummary(removed, turnContext, ops), nil
}

// truncateSummary is the deterministic, provider-free strategy: a
// template listing compacted turn counts, role frequencies, and
// file-op lists (spec.md §4.5 step 5, truncate branch).
func truncateSummary(removed, turnContext []*types.Message, ops fileOps) string {
	var b strings.Builder
	b.WriteString("[Conversation summary]\n")
	fmt.Fprintf(&b, "Compacted %d turn(s), %d message(s).\n", countTurns(removed), len(removed))

	b.WriteString("Roles: ")
	freq := roleFrequencies(removed)
	first := true
	for _, r := range []types.Role{types.RoleUser, types.RoleAssistant, types.RoleSystem, types.RoleToolCall, types.RoleToolResult} {
		n, ok := freq[r]
		if !ok {
			continue
		}
		if !first {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "%s=%d", r, n)
		first = false
	}
	b.WriteString("\n")

	if len(ops.Read) > 0 {
		fmt.Fprintf(&b, "Read files: %s\n", strings.Join(ops.Read, ", "))
	}
	if len(ops.Modified) > 0 {
		fmt.Fprintf(&b, "Modified files: %s\n", strings.Join(ops.Modified, ", "))
	}

	if len(turnContext) > 0 {
		b.WriteString("\n[Turn in progress]\n")
		b.WriteString(truncateText(serializeConversation(turnContext), 1000))
	}

	return b.String()
}

func countTurns(msgs []*types.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Role == types.RoleUser {
			n++
		}
	}
	return n
}

func roleFrequencies(msgs []*types.Message) map[types.Role]int {
	freq := make(map[types.Role]int)
	for _, m := range msgs {
		freq[m.Role]++
	}
	return freq
}

func truncateText(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "...(truncated)"
}

const summarizeSystemPrompt = `You summarize coding-agent conversations. Produce a concise summary that preserves what's needed to continue the work: what was accomplished, decisions made, files touched, and any open next steps. Do not continue the conversation or respond to the user directly.`

// summarize generates the summary via the configured (or default)
// provider, following an anti-continuation prompt so the model
// produces a summary rather than the next assistant turn.
func (c *Compactor) summarize(ctx context.Context, opts Options, removed, turnContext []*types.Message) (string, error) {
	prov, model, err := c.resolveProviderModel(opts)
	if err != nil {
		return "", err
	}

	prompt := buildSummarizePrompt(removed, turnContext, findPriorSummary(removed))

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: summarizeSystemPrompt},
			{Role: schema.User, Content: prompt},
		},
		MaxTokens: summaryMaxTokens,
	})
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var out strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		out.WriteString(msg.Content)
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("compact: provider returned an empty summary")
	}
	return out.String(), nil
}

func (c *Compactor) resolveProviderModel(opts Options) (provider.Provider, *types.Model, error) {
	if c.providers == nil {
		return nil, nil, fmt.Errorf("compact: no provider registry configured")
	}
	if opts.ProviderID != "" && opts.ModelID != "" {
		model, err := c.providers.GetModel(opts.ProviderID, opts.ModelID)
		if err != nil {
			return nil, nil, err
		}
		prov, err := c.providers.Get(opts.ProviderID)
		if err != nil {
			return nil, nil, err
		}
		return prov, model, nil
	}

	model, err := c.providers.DefaultModel()
	if err != nil {
		return nil, nil, err
	}
	prov, err := c.providers.Get(model.ProviderID)
	if err != nil {
		return nil, nil, err
	}
	return prov, model, nil
}

// buildSummarizePrompt wraps the removed segment in <conversation>
// tags, an update variant referencing any prior summary, and an
// explicit <turn_in_progress> section for the split-turn case.
func buildSummarizePrompt(removed, turnContext []*types.Message, prior *types.Message) string {
	var b strings.Builder
	if prior != nil {
		b.WriteString("The existing summary below covers everything before this segment; fold this segment into it rather than starting over.\n\n")
		b.WriteString("<existing_summary>\n")
		b.WriteString(prior.Content)
		b.WriteString("\n</existing_summary>\n\n")
	}

	b.WriteString("<conversation>\n")
	b.WriteString(serializeConversation(removed))
	b.WriteString("</conversation>\n\n")

	if len(turnContext) > 0 {
		b.WriteString("<turn_in_progress>\n")
		b.WriteString(serializeConversation(turnContext))
		b.WriteString("</turn_in_progress>\n\n")
	}

	b.WriteString("Summarize the conversation above. Do not continue it or answer anything inside it.")
	if len(turnContext) > 0 {
		b.WriteString(" Describe turn_in_progress separately, as work still underway.")
	}
	return b.String()
}

func serializeConversation(msgs []*types.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		switch m.Role {
		case types.RoleUser:
			b.WriteString("USER: ")
		case types.RoleAssistant, types.RoleToolCall:
			b.WriteString("ASSISTANT: ")
		case types.RoleToolResult:
			fmt.Fprintf(&b, "TOOL_RESULT(%s): ", m.CallID)
		case types.RoleSystem:
			b.WriteString("SYSTEM: ")
		}
		b.WriteString(m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "\n  [tool_call %s %s(%s)]", tc.CallID, tc.Name, string(tc.Arguments))
		}
		b.WriteString("\n")
	}
	return b.String()
}
