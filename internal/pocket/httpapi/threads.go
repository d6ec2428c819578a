package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/ddevalco/codex-pocket/internal/pocket/auth"
	"github.com/ddevalco/codex-pocket/internal/pocket/store"
)

// handleThreadEvents streams a thread's replay log as NDJSON, one event per
// line, ordered by insertion id.
func (s *Server) handleThreadEvents(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	threadID := r.PathValue("id")

	opts := store.ReadOptions{Order: r.URL.Query().Get("order")}
	if v := r.URL.Query().Get("limit"); v != "" {
		limit, err := strconv.Atoi(v)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = limit
	}

	events, err := s.store.ReadThread(r.Context(), threadID, opts)
	if err != nil {
		s.counters.StoreErrors.Add(1)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	for _, ev := range events {
		if err := enc.Encode(ev); err != nil {
			return
		}
	}
}

// handleThreadSearch runs an FTS query scoped to one thread.
func (s *Server) handleThreadSearch(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	threadID := r.PathValue("id")
	query := r.URL.Query().Get("q")
	if query == "" {
		writeError(w, http.StatusBadRequest, "q is required")
		return
	}

	matches, err := s.store.Search(r.Context(), threadID, query)
	if err != nil {
		s.counters.StoreErrors.Add(1)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threadId": threadID,
		"query":    query,
		"matches":  matches,
	})
}

// handleThreadExport streams the thread as NDJSON or markdown.
func (s *Server) handleThreadExport(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	threadID := r.PathValue("id")
	format := r.URL.Query().Get("format")
	if format == "" {
		format = "json"
	}

	switch format {
	case "json":
		w.Header().Set("Content-Type", "application/x-ndjson")
		if err := s.store.ExportJSON(r.Context(), threadID, w); err != nil {
			s.counters.StoreErrors.Add(1)
		}
	case "markdown":
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		if err := s.store.ExportMarkdown(r.Context(), threadID, w); err != nil {
			s.counters.StoreErrors.Add(1)
		}
	default:
		writeError(w, http.StatusBadRequest, "format must be json or markdown")
	}
}

// handleThreadImport re-ingests exported events under a fresh thread id.
// The body is NDJSON (matching export) or a JSON array.
func (s *Server) handleThreadImport(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	var imported []store.StoredEvent

	dec := json.NewDecoder(r.Body)
	// Peek: an array body decodes in one shot, NDJSON decodes per line.
	var first json.RawMessage
	if err := dec.Decode(&first); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	if len(first) > 0 && first[0] == '[' {
		if err := json.Unmarshal(first, &imported); err != nil {
			writeError(w, http.StatusBadRequest, "invalid event array")
			return
		}
	} else {
		var ev store.StoredEvent
		if err := json.Unmarshal(first, &ev); err != nil {
			writeError(w, http.StatusBadRequest, "invalid event")
			return
		}
		imported = append(imported, ev)
		for dec.More() {
			var next store.StoredEvent
			if err := dec.Decode(&next); err != nil {
				writeError(w, http.StatusBadRequest, "invalid event stream")
				return
			}
			imported = append(imported, next)
		}
	}

	if len(imported) == 0 {
		writeError(w, http.StatusBadRequest, "no events to import")
		return
	}

	newThreadID, err := s.store.Import(r.Context(), imported)
	if err != nil {
		s.counters.StoreErrors.Add(1)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threadId": newThreadID,
		"events":   len(imported),
	})
}

// handleThreadArchive flips the archive flag in thread_metadata.
func (s *Server) handleThreadArchive(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	threadID := r.PathValue("id")

	var req struct {
		Archived *bool `json:"archived"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	archived := true
	if req.Archived != nil {
		archived = *req.Archived
	}

	if err := s.store.SetArchived(r.Context(), threadID, archived); err != nil {
		s.counters.StoreErrors.Add(1)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"threadId": threadID,
		"archived": archived,
	})
}
