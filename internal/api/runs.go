package api

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/banshee-data/labrobot/internal/db"
	"github.com/banshee-data/labrobot/internal/httputil"
)

func (s *Server) journalAvailable(w http.ResponseWriter) bool {
	if s.db == nil {
		httputil.WriteJSONError(w, http.StatusServiceUnavailable, "run journal disabled")
		return false
	}
	return true
}

// listRuns handles GET /api/runs?limit=n.
func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.journalAvailable(w) {
		return
	}
	limit := 0
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 {
			httputil.BadRequest(w, "Invalid 'limit' parameter")
			return
		}
		limit = n
	}
	runs, err := s.db.ListRuns(r.Context(), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.WriteJSONOK(w, runs)
}

// RunDetail is the body of GET /api/runs/{id}.
type RunDetail struct {
	db.Run
	Commands []db.CommandRecord `json:"commands"`
	Wire     []db.WireLine      `json:"wire,omitempty"`
}

// showRun handles GET /api/runs/{id}; ?wire=true adds the wire lines.
func (s *Server) showRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		httputil.MethodNotAllowed(w)
		return
	}
	if !s.journalAvailable(w) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/api/runs/"), "/")
	if id == "" {
		httputil.BadRequest(w, "Missing run ID")
		return
	}

	ctx := r.Context()
	run, err := s.db.GetRun(ctx, id)
	if err != nil {
		writeError(w, err)
		return
	}
	detail := RunDetail{Run: run}
	if detail.Commands, err = s.db.RunCommands(ctx, id); err != nil {
		writeError(w, err)
		return
	}
	if r.URL.Query().Get("wire") == "true" {
		if detail.Wire, err = s.db.RunWireLines(ctx, id); err != nil {
			writeError(w, err)
			return
		}
	}
	httputil.WriteJSONOK(w, detail)
}
