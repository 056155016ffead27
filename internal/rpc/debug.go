package rpc

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
)

// DebugHandler builds a secondary, optional HTTP surface for operators
// who want to poke at a running server without speaking JSON-RPC over
// stdio — /debug/healthz for a liveness probe, /debug/sessions for a
// quick list of what's live. This is never the spec's own transport,
// just a convenience surface a deployment can expose behind
// --debug-http; the real client protocol is always Serve's stdio loop.
func (s *Server) DebugHandler() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET"},
	}))

	r.Get("/debug/healthz", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true, "time": time.Now().UTC().Format(time.RFC3339)})
	})

	r.Get("/debug/sessions", func(w http.ResponseWriter, req *http.Request) {
		infos, err := s.sup.List()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"sessions": infos})
	})

	return r
}
