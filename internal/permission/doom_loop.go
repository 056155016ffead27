package permission

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync"
)

// defaultDoomLoopThreshold is the number of identical calls before
// triggering when an agent doesn't override it via
// agent.Agent.DoomLoopThreshold (see internal/toolrunner.Runner's
// SetDoomLoopThreshold, which builds one detector per session).
const defaultDoomLoopThreshold = 3

// historyCap bounds how many call hashes a session keeps: the
// detector only ever looks back threshold-1 entries, so this just
// guards against unbounded growth in a long-running session.
const historyCap = 10

// DoomLoopDetector tracks repeated tool calls to detect infinite loops,
// one history per session ID so sibling sessions (including sub-agent
// children spawned by the Task tool) never share state.
type DoomLoopDetector struct {
	mu        sync.RWMutex
	threshold int
	history   map[string][]string // sessionID -> last N tool call hashes
}

// NewDoomLoopDetector creates a detector that trips after threshold
// identical calls in a row for the same session. threshold <= 0 falls
// back to defaultDoomLoopThreshold.
func NewDoomLoopDetector(threshold int) *DoomLoopDetector {
	if threshold <= 0 {
		threshold = defaultDoomLoopThreshold
	}
	return &DoomLoopDetector{
		threshold: threshold,
		history:   make(map[string][]string),
	}
}

// Check reports whether toolName+input repeats the same call
// threshold times in a row for sessionID, and always records the call
// in that session's history regardless of the outcome.
func (d *DoomLoopDetector) Check(sessionID, toolName string, input any) bool {
	hash := d.hashCall(toolName, input)

	d.mu.Lock()
	defer d.mu.Unlock()

	history := d.history[sessionID]
	loop := false

	if len(history) >= d.threshold-1 {
		allSame := true
		start := len(history) - (d.threshold - 1)
		for i := start; i < len(history); i++ {
			if history[i] != hash {
				allSame = false
				break
			}
		}
		loop = allSame
	}

	d.history[sessionID] = append(history, hash)
	if len(d.history[sessionID]) > historyCap {
		d.history[sessionID] = d.history[sessionID][len(d.history[sessionID])-historyCap:]
	}

	return loop
}

// hashCall creates a hash of the tool name and input.
func (d *DoomLoopDetector) hashCall(toolName string, input any) string {
	data, _ := json.Marshal(map[string]any{
		"tool":  toolName,
		"input": input,
	})
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Clear clears the history for a session.
func (d *DoomLoopDetector) Clear(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.history, sessionID)
}

// Reset resets the detector for a session after a different call breaks the loop.
func (d *DoomLoopDetector) Reset(sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.history[sessionID] = nil
}
