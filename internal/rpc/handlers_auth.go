package rpc

import (
	"context"
	"encoding/json"
	"errors"
	"os"

	"github.com/matteing/opal/internal/opalerr"
	"github.com/matteing/opal/internal/provider"
	"github.com/matteing/opal/internal/storage"
)

// authRecord generalizes cmd/opal/commands/auth.go's Auth/AuthProvider
// file format (previously hand-rolled os.ReadFile/WriteFile JSON) onto
// internal/storage's generic keyed store.
type authRecord struct {
	Providers map[string]authProviderRecord `json:"providers"`
}

type authProviderRecord struct {
	APIKey string `json:"api_key,omitempty"`
}

var authPath = []string{"auth"}

func (s *Server) loadAuth(ctx context.Context) authRecord {
	var rec authRecord
	if err := s.storage.Get(ctx, authPath, &rec); err != nil {
		return authRecord{Providers: make(map[string]authProviderRecord)}
	}
	if rec.Providers == nil {
		rec.Providers = make(map[string]authProviderRecord)
	}
	return rec
}

// authInfo is the shared {provider: status} summary used by both
// session/start's "auth" result field and auth/status.
func (s *Server) authInfo(ctx context.Context) map[string]any {
	rec := s.loadAuth(ctx)
	envProviders := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
		"ark":       "ARK_API_KEY",
	}

	status := make(map[string]any)
	for name, envVar := range envProviders {
		configured := os.Getenv(envVar) != ""
		if p, ok := rec.Providers[name]; ok && p.APIKey != "" {
			configured = true
		}
		status[name] = configured
	}
	for name, p := range rec.Providers {
		if p.APIKey != "" {
			status[name] = true
		}
	}
	return status
}

func handleAuthStatus(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	return map[string]any{"providers": s.authInfo(ctx)}, nil
}

var errNoOAuthGrounding = errors.New("device-code OAuth login is not implemented; use auth/set_key with an api_key")

func handleAuthLogin(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	return nil, opalerr.Wrap(opalerr.InvalidParams, errNoOAuthGrounding, "")
}

func handleAuthPoll(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	return nil, opalerr.Wrap(opalerr.InvalidParams, errNoOAuthGrounding, "")
}

type authSetKeyParams struct {
	Provider string `json:"provider"`
	APIKey   string `json:"api_key"`
}

// handleAuthSetKey implements auth/set_key: persists the key via
// internal/storage and attempts to register a live provider for it
// immediately, mirroring provider.InitializeProviders's per-name
// branches so a session/start issued right after doesn't need a
// process restart to pick up the new credential.
func handleAuthSetKey(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p authSetKeyParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	if p.Provider == "" || p.APIKey == "" {
		return nil, opalerr.New(opalerr.InvalidParams, "provider and api_key are required")
	}

	rec := s.loadAuth(ctx)
	rec.Providers[p.Provider] = authProviderRecord{APIKey: p.APIKey}
	if err := s.storage.Put(ctx, authPath, rec); err != nil {
		return nil, opalerr.Wrap(opalerr.StorageError, err, "")
	}

	var prov provider.Provider
	var err error
	switch p.Provider {
	case "anthropic":
		prov, err = provider.NewAnthropicProvider(ctx, &provider.AnthropicConfig{
			ID: p.Provider, APIKey: p.APIKey, MaxTokens: 8192,
		})
	case "openai":
		prov, err = provider.NewOpenAIProvider(ctx, &provider.OpenAIConfig{
			ID: p.Provider, APIKey: p.APIKey, MaxTokens: 4096,
		})
	case "ark":
		prov, err = provider.NewArkProvider(ctx, &provider.ArkConfig{
			APIKey: p.APIKey, MaxTokens: 4096,
		})
	}
	if err != nil {
		return nil, opalerr.Wrap(opalerr.ProviderPermanent, err, "")
	}
	if prov != nil {
		s.providers.Register(prov)
	}

	return map[string]any{"provider": p.Provider, "configured": true}, nil
}

var settingsPath = []string{"settings"}

func handleSettingsGet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var settings map[string]any
	if err := s.storage.Get(ctx, settingsPath, &settings); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return map[string]any{"settings": map[string]any{}}, nil
		}
		return nil, opalerr.Wrap(opalerr.StorageError, err, "")
	}
	return map[string]any{"settings": settings}, nil
}

type settingsSaveParams struct {
	Settings map[string]any `json:"settings"`
}

func handleSettingsSave(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p settingsSaveParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	if err := s.storage.Put(ctx, settingsPath, p.Settings); err != nil {
		return nil, opalerr.Wrap(opalerr.StorageError, err, "")
	}
	return map[string]any{}, nil
}

func handleConfigGet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	return map[string]any{"config": s.cfg}, nil
}

type configSetParams struct {
	SessionID            string          `json:"session_id"`
	Tools                map[string]bool `json:"tools,omitempty"`
	AutoCompactThreshold float64         `json:"auto_compact_threshold,omitempty"`
}

// handleConfigSet applies a runtime override to one live session; it
// does not rewrite the config file on disk — that is opal.json's job,
// edited directly by the user. auto_compact_threshold is accepted and
// echoed back but the Agent Loop never triggers compaction on its own
// in this implementation (compaction stays caller-driven, via
// session/compact) — see DESIGN.md's "Automatic compaction threshold"
// open-question resolution.
func handleConfigSet(ctx context.Context, s *Server, raw json.RawMessage) (any, error) {
	var p configSetParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, opalerr.Wrap(opalerr.InvalidParams, err, "")
	}
	sess, err := s.sessionOrErr(p.SessionID)
	if err != nil {
		return nil, err
	}
	if len(p.Tools) > 0 {
		var disabled []string
		for id, enabled := range p.Tools {
			if !enabled {
				disabled = append(disabled, id)
			}
		}
		sess.Loop.SetDisabledTools(disabled)
	}
	return map[string]any{"auto_compact_threshold": p.AutoCompactThreshold}, nil
}
