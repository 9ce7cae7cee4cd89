package server

import (
	"encoding/json"
	"net/http"
	"time"

	conflux "github.com/conneroisu/conflux"
	"github.com/conneroisu/conflux/internal/version"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	stats := s.source.Stats()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   version.Short(),
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(s.started).String(),
		"checks": map[string]any{
			"registry": map[string]any{"status": "healthy", "handles": stats.Registry.Active},
			"watcher":  map[string]any{"status": "healthy", "backend": stats.Watcher.Backend},
			"store":    map[string]any{"status": "healthy", "config_version": stats.Version},
		},
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	writeJSON(w, http.StatusOK, s.source.Stats())
}

// recordView is the wire shape of one history entry.
type recordView struct {
	Version   uint64             `json:"version"`
	At        time.Time          `json:"at"`
	Paths     []string           `json:"paths"`
	HandleIDs []conflux.HandleID `json:"handle_ids"`
	Applied   int                `json:"applied"`
	Failed    int                `json:"failed"`
	Skipped   int                `json:"skipped"`
	Error     string             `json:"error,omitempty"`
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	records := s.source.Records()
	views := make([]recordView, 0, len(records))
	for _, rec := range records {
		views = append(views, recordView{
			Version:   rec.Version,
			At:        rec.At,
			Paths:     rec.Paths,
			HandleIDs: rec.HandleIDs,
			Applied:   rec.Applied,
			Failed:    rec.Failed,
			Skipped:   rec.Skipped,
			Error:     rec.Err,
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"records": views,
		"count":   len(views),
	})
}

func (s *Server) handleBindings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bindings": s.source.Bindings(),
		"version":  s.source.Version(),
	})
}

// applyRequest selects which bound paths to re-read. Empty means all.
type applyRequest struct {
	Paths []string `json:"paths"`
}

type applyResponse struct {
	Version   uint64   `json:"version"`
	Applied   int      `json:"applied"`
	Failed    int      `json:"failed"`
	Skipped   []string `json:"skipped,omitempty"`
	Conflicts []string `json:"conflicts,omitempty"`
	Errors    []string `json:"errors,omitempty"`
}

func (s *Server) handleApply(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)

		return
	}

	var req applyRequest
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err.Error() != "EOF" {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})

			return
		}
	}

	res, err := s.source.ApplyNow(r.Context(), req.Paths...)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})

		return
	}

	resp := applyResponse{
		Version:   res.Version,
		Applied:   len(res.Applied),
		Failed:    len(res.Failed),
		Skipped:   res.Skipped,
		Conflicts: res.Conflicts,
	}
	for _, f := range res.Failed {
		if f.Err != nil {
			resp.Errors = append(resp.Errors, f.Err.Error())
		}
	}

	status := http.StatusOK
	if len(res.Failed) > 0 {
		status = http.StatusMultiStatus
	}
	writeJSON(w, status, resp)
}
