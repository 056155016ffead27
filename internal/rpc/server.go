package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sync"

	"github.com/matteing/opal/internal/agent"
	"github.com/matteing/opal/internal/config"
	"github.com/matteing/opal/internal/event"
	"github.com/matteing/opal/internal/logging"
	"github.com/matteing/opal/internal/opalerr"
	"github.com/matteing/opal/internal/permission"
	"github.com/matteing/opal/internal/provider"
	"github.com/matteing/opal/internal/storage"
	"github.com/matteing/opal/internal/supervisor"
	"github.com/matteing/opal/pkg/types"
)

// Server is the JSON-RPC 2.0 stdio transport (spec.md §6): one process,
// one Supervisor, any number of sessions multiplexed over a single
// stdin/stdout pair.
type Server struct {
	dir   string
	cfg   *types.Config
	paths *config.Paths

	storage   *storage.Storage
	agents    *agent.Registry
	providers *provider.Registry
	sup       *supervisor.Supervisor

	conn *conn

	mu     sync.Mutex
	unsubs map[string]func() // sessionID -> bus unsubscribe
}

// NewServer builds the Supervisor and its collaborators from config,
// the way cmd/opal/commands/root.go's default RunE does before handing
// off to Serve.
func NewServer(dir string, cfg *types.Config) (*Server, error) {
	paths := config.GetPaths()
	if err := paths.EnsurePaths(); err != nil {
		return nil, fmt.Errorf("rpc: ensure paths: %w", err)
	}

	st := storage.New(paths.Data)

	providers, err := provider.InitializeProviders(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("rpc: initialize providers: %w", err)
	}

	agents := agent.NewRegistry()
	agents.LoadFromConfig(cfg.Agent)

	sup := supervisor.New(supervisor.Config{
		DataDir:   paths.Data,
		AppConfig: cfg,
		Providers: providers,
		Agents:    agents,
		Storage:   st,
	})

	return &Server{
		dir:       dir,
		cfg:       cfg,
		paths:     paths,
		storage:   st,
		agents:    agents,
		providers: providers,
		sup:       sup,
		unsubs:    make(map[string]func()),
	}, nil
}

// sessionsDir is where session/start's session_dir result points.
func (s *Server) sessionsDir() string {
	return filepath.Join(s.paths.Data, "sessions")
}

// Serve reads newline-delimited JSON-RPC requests from r until EOF,
// dispatching each on its own goroutine (so a long-running agent/prompt
// never blocks agent/abort or a second session's traffic), and writes
// responses/notifications to w. EOF on r triggers a graceful shutdown:
// every live session is closed so its state is flushed before Serve
// returns.
func (s *Server) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	s.conn = newConn(w)
	defer s.conn.closeAll()

	var wg sync.WaitGroup
	err := readLines(r, func(line []byte) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.handleLine(ctx, line)
		}()
	})
	wg.Wait()

	for _, err := range s.sup.CloseAll() {
		logging.Warn().Err(err).Msg("rpc: error closing session during shutdown")
	}

	s.mu.Lock()
	for _, unsub := range s.unsubs {
		unsub()
	}
	s.unsubs = make(map[string]func())
	s.mu.Unlock()

	return err
}

// handleLine parses one line as either a client request/notification or
// a response to a server-initiated client/confirm or client/input call.
func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req request
	if err := json.Unmarshal(line, &req); err != nil {
		logging.Warn().Err(err).Msg("rpc: malformed line, dropped")
		return
	}

	if req.Method == "" {
		// No method: this is a reply to one of our own server→client
		// calls, matched by id against conn.pending.
		if len(req.ID) == 0 {
			return
		}
		var id string
		if err := json.Unmarshal(req.ID, &id); err != nil {
			return
		}
		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			return
		}
		s.conn.resolve(id, resp)
		return
	}

	s.dispatch(ctx, req)
}

func (s *Server) dispatch(ctx context.Context, req request) {
	handler, ok := methodTable[req.Method]
	if !ok {
		if len(req.ID) > 0 {
			s.conn.sendResponse(req.ID, nil, &errorObject{
				Code:    opalerr.CodeMethodNotFound,
				Message: fmt.Sprintf("unknown method %q", req.Method),
			})
		}
		return
	}

	result, err := handler(ctx, s, req.Params)
	if len(req.ID) == 0 {
		// Spec's client→server table has no true notifications, but a
		// client is free to omit id on a fire-and-forget call; honor that.
		return
	}
	if err != nil {
		var oe *opalerr.Error
		code := opalerr.CodeInternalError
		if opalerr.As(err, &oe) {
			code = opalerr.RPCCode(oe.Kind)
		}
		s.conn.sendResponse(req.ID, nil, &errorObject{Code: code, Message: err.Error()})
		return
	}
	if err := s.conn.sendResponse(req.ID, result, nil); err != nil {
		logging.Warn().Err(err).Str("method", req.Method).Msg("rpc: write response failed")
	}
}

// handlerFunc is one client→server method's implementation.
type handlerFunc func(ctx context.Context, s *Server, params json.RawMessage) (any, error)

var methodTable = map[string]handlerFunc{
	"session/start":    handleSessionStart,
	"agent/prompt":     handleAgentPrompt,
	"agent/steer":      handleAgentSteer,
	"agent/abort":      handleAgentAbort,
	"agent/state":      handleAgentState,
	"session/list":     handleSessionList,
	"session/branch":   handleSessionBranch,
	"session/compact":  handleSessionCompact,
	"models/list":      handleModelsList,
	"model/set":        handleModelSet,
	"thinking/set":     handleThinkingSet,
	"auth/status":      handleAuthStatus,
	"auth/login":       handleAuthLogin,
	"auth/poll":        handleAuthPoll,
	"auth/set_key":     handleAuthSetKey,
	"tasks/list":       handleTasksList,
	"settings/get":     handleSettingsGet,
	"settings/save":    handleSettingsSave,
	"opal/config/get":  handleConfigGet,
	"opal/config/set":  handleConfigSet,
	"opal/ping":        handlePing,
}

// confirmerFor bridges permission.Checker.Ask's client/confirm round
// trip to this connection's single stdio pipe, for the session named by
// sessionID.
func (s *Server) confirmerFor(sessionID string) permission.Confirmer {
	return func(ctx context.Context, req permission.Request) (permission.Response, error) {
		raw, err := s.conn.call("client/confirm", map[string]any{
			"session_id": sessionID,
			"title":      req.Title,
			"message":    req.Title,
			"actions":    []string{"allow", "allow_session", "deny"},
		})
		if err != nil {
			return permission.Response{}, err
		}
		var result struct {
			Action string `json:"action"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return permission.Response{}, err
		}
		return permission.Response{RequestID: req.ID, Action: result.Action}, nil
	}
}

// questionHandlerFor bridges a tool's ad hoc client/input question to
// this connection.
func (s *Server) questionHandlerFor(sessionID string) func(ctx context.Context, question string) (string, error) {
	return func(ctx context.Context, question string) (string, error) {
		raw, err := s.conn.call("client/input", map[string]any{
			"session_id": sessionID,
			"prompt":     question,
		})
		if err != nil {
			return "", err
		}
		var result struct {
			Text string `json:"text"`
		}
		if err := json.Unmarshal(raw, &result); err != nil {
			return "", err
		}
		return result.Text, nil
	}
}

// subscribeEvents forwards every event the session's bus publishes as
// an agent/event notification, flattening Fields alongside session_id
// and type per spec.md §6's "{session_id, type, ...event-fields}" shape
// (not nested under a "fields" key).
func (s *Server) subscribeEvents(sess *supervisor.Session) {
	unsub := sess.Bus.Subscribe(func(e event.Event) {
		params := make(map[string]any, len(e.Fields)+2)
		for k, v := range e.Fields {
			params[k] = v
		}
		params["session_id"] = e.SessionID
		params["type"] = string(e.Type)
		if err := s.conn.sendNotification("agent/event", params); err != nil {
			logging.Warn().Err(err).Str("session_id", e.SessionID).Msg("rpc: forward event failed")
		}
	})

	s.mu.Lock()
	s.unsubs[sess.ID] = unsub
	s.mu.Unlock()
}

func (s *Server) sessionOrErr(sessionID string) (*supervisor.Session, error) {
	sess, ok := s.sup.Get(sessionID)
	if !ok {
		return nil, opalerr.New(opalerr.NotFound, fmt.Sprintf("unknown session: %s", sessionID))
	}
	return sess, nil
}
