package rpc

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/matteing/opal/internal/agentloop"
	"github.com/matteing/opal/internal/opalerr"
)

type modelsListParams struct {
	Providers []string `json:"providers,omitempty"`
}

func handleModelsList(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p modelsListParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}

	all := s.providers.AllModels()
	if len(p.Providers) == 0 {
		return map[string]any{"models": all}, nil
	}

	want := make(map[string]bool, len(p.Providers))
	for _, id := range p.Providers {
		want[id] = true
	}
	filtered := make([]any, 0, len(all))
	for _, m := range all {
		if want[m.ProviderID] {
			filtered = append(filtered, m)
		}
	}
	return map[string]any{"models": filtered}, nil
}

type modelSetParams struct {
	SessionID string `json:"session_id"`
	ModelID   string `json:"model_id"`
	Thinking  string `json:"thinking_level,omitempty"`
}

// handleModelSet implements model/set. model_id is "provider/model", the
// same convention agent/state and session/start use.
func handleModelSet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p modelSetParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	sess, err := s.sessionOrErr(p.SessionID)
	if err != nil {
		return nil, err
	}

	providerID, modelID := p.ModelID, ""
	if idx := strings.Index(p.ModelID, "/"); idx >= 0 {
		providerID, modelID = p.ModelID[:idx], p.ModelID[idx+1:]
	}
	sess.Loop.SetModel(providerID, modelID)
	if p.Thinking != "" {
		sess.SetThinkingLevel(p.Thinking)
	}

	return map[string]any{"model": p.ModelID}, nil
}

type thinkingSetParams struct {
	SessionID string `json:"session_id"`
	Level     string `json:"level"`
}

func handleThinkingSet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p thinkingSetParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	sess, err := s.sessionOrErr(p.SessionID)
	if err != nil {
		return nil, err
	}
	sess.SetThinkingLevel(p.Level)
	return map[string]any{"thinking_level": p.Level}, nil
}

type tasksListParams struct {
	SessionID string `json:"session_id"`
}

// handleTasksList implements tasks/list by treating every session whose
// ParentID points at session_id as a subagent task (internal/tool's
// TaskExecutor spawns exactly such child sessions — see
// supervisor.ExecuteSubtask), rather than tracking tasks separately.
func handleTasksList(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p tasksListParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}

	infos, err := s.sup.List()
	if err != nil {
		return nil, opalerr.Wrap(opalerr.StorageError, err, "")
	}

	tasks := make([]map[string]any, 0)
	for _, info := range infos {
		if info.ParentID == nil || *info.ParentID != p.SessionID {
			continue
		}
		status := "done"
		if child, ok := s.sup.Get(info.ID); ok && child.Loop.State().Status != agentloop.StatusIdle {
			status = "running"
		}
		tasks = append(tasks, map[string]any{
			"id":        info.ID,
			"parent_id": *info.ParentID,
			"title":     info.Title,
			"status":    status,
		})
	}

	return map[string]any{"tasks": tasks}, nil
}
