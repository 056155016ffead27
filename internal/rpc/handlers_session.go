package rpc

import (
	"context"
	"encoding/json"
	"os"

	"github.com/oklog/ulid/v2"

	"github.com/matteing/opal/internal/compact"
	"github.com/matteing/opal/internal/opalerr"
	"github.com/matteing/opal/internal/supervisor"
)

type sessionStartParams struct {
	Model        string          `json:"model,omitempty"`
	SystemPrompt string          `json:"system_prompt,omitempty"`
	WorkingDir   string          `json:"working_dir,omitempty"`
	Tools        map[string]bool `json:"tools,omitempty"`
	McpServers   []string        `json:"mcp_servers,omitempty"`
	Session      string          `json:"session,omitempty"`
	SessionID    string          `json:"session_id,omitempty"`
}

// handleSessionStart implements session/start. mcp_servers is accepted
// and echoed back but never dialed (spec.md's MCP tool discovery is an
// external collaborator, out of this module's scope).
func handleSessionStart(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p sessionStartParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "invalid session/start params")
	}

	sessionID := p.SessionID
	if sessionID == "" {
		sessionID = p.Session
	}
	if sessionID == "" {
		sessionID = ulid.Make().String()
	}

	dir := p.WorkingDir
	if dir == "" {
		dir = s.dir
	}

	sess, err := s.sup.Start(ctx, supervisor.StartOptions{
		SessionID:       sessionID,
		Directory:       dir,
		Model:           p.Model,
		SystemPrompt:    p.SystemPrompt,
		QuestionHandler: s.questionHandlerFor(sessionID),
	})
	if err != nil {
		return nil, opalerr.Wrap(opalerr.StorageError, err, "")
	}

	sess.Checker.SetConfirmer(s.confirmerFor(sess.ID))
	s.subscribeEvents(sess)

	if len(p.Tools) > 0 {
		var disabled []string
		for id, enabled := range p.Tools {
			if !enabled {
				disabled = append(disabled, id)
			}
		}
		sess.Loop.SetDisabledTools(disabled)
	}

	nodeName, _ := os.Hostname()

	return map[string]any{
		"session_id":       sess.ID,
		"session_dir":      s.sessionsDir(),
		"context_files":    orEmptySlice(sess.ContextFiles),
		"available_skills": orEmptySlice(sess.Skills),
		"mcp_servers":      p.McpServers,
		"node_name":        nodeName,
		"auth":             s.authInfo(ctx),
	}, nil
}

func orEmptySlice[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

type sessionIDParams struct {
	SessionID string `json:"session_id"`
}

type agentPromptParams struct {
	SessionID string `json:"session_id"`
	Text      string `json:"text"`
}

func handleAgentPrompt(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p agentPromptParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	sess, err := s.sessionOrErr(p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Loop.Prompt(p.Text); err != nil {
		return nil, opalerr.Wrap(opalerr.RpcServerError, err, "")
	}
	return map[string]any{}, nil
}

func handleAgentSteer(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p agentPromptParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	sess, err := s.sessionOrErr(p.SessionID)
	if err != nil {
		return nil, err
	}
	if err := sess.Loop.Steer(p.Text); err != nil {
		return nil, opalerr.Wrap(opalerr.RpcServerError, err, "")
	}
	return map[string]any{}, nil
}

func handleAgentAbort(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	sess, err := s.sessionOrErr(p.SessionID)
	if err != nil {
		return nil, err
	}
	sess.Loop.Abort()
	return map[string]any{}, nil
}

func handleAgentState(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p sessionIDParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	sess, err := s.sessionOrErr(p.SessionID)
	if err != nil {
		return nil, err
	}
	state := sess.Loop.State()
	return map[string]any{
		"session_id":     state.SessionID,
		"status":         state.Status,
		"model":          state.Model,
		"provider_id":    state.ProviderID,
		"message_count":  len(sess.Store.Path()),
		"tools":          state.Tools,
		"disabled_tools": state.DisabledTools,
		"token_usage":    state.TokenUsage,
		"thinking_level": sess.ThinkingLevel(),
	}, nil
}

func handleSessionList(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	infos, err := s.sup.List()
	if err != nil {
		return nil, opalerr.Wrap(opalerr.StorageError, err, "")
	}
	return map[string]any{"sessions": infos}, nil
}

type sessionBranchParams struct {
	SessionID string `json:"session_id"`
	EntryID   string `json:"entry_id"`
}

func handleSessionBranch(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p sessionBranchParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	if err := s.sup.Branch(p.SessionID, p.EntryID); err != nil {
		return nil, opalerr.Wrap(opalerr.NotFound, err, "")
	}
	return map[string]any{}, nil
}

type sessionCompactParams struct {
	SessionID  string `json:"session_id"`
	KeepRecent int    `json:"keep_recent,omitempty"`
}

func handleSessionCompact(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p sessionCompactParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	sess, err := s.sessionOrErr(p.SessionID)
	if err != nil {
		return nil, err
	}
	opts := compact.Options{Force: true, KeepRecentTokens: sess.KeepRecentTokens}
	if p.KeepRecent > 0 {
		opts.KeepRecentTokens = p.KeepRecent
	}
	if _, err := sess.Loop.Compact(ctx, opts); err != nil {
		return nil, opalerr.Wrap(opalerr.RpcServerError, err, "")
	}
	return map[string]any{}, nil
}

func handlePing(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	return map[string]any{}, nil
}
