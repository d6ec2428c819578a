package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/ddevalco/codex-pocket/internal/pocket/auth"
	"github.com/ddevalco/codex-pocket/internal/pocket/uploads"
)

// handleUploadNew mints an upload token. Rate-limited.
func (s *Server) handleUploadNew(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	if !s.allow(w, r, scopeUploadsNew) {
		return
	}

	var req struct {
		Mime string `json:"mime"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Mime == "" {
		writeError(w, http.StatusBadRequest, "mime is required")
		return
	}

	tok, err := s.uploads.Mint(r.Context(), req.Mime)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"token":     tok.Token,
		"mime":      tok.Mime,
		"expiresAt": tok.ExpiresAt,
		"url":       "/u/" + tok.Token,
	})
}

// handleUploadPut stores the body for a minted token. The content type must
// match the minted mime.
func (s *Server) handleUploadPut(w http.ResponseWriter, r *http.Request, _ *auth.Context) {
	token := r.PathValue("token")

	n, err := s.uploads.Put(r.Context(), token, r.Header.Get("Content-Type"), r.Body)
	if err != nil {
		switch {
		case errors.Is(err, uploads.ErrNotFound):
			writeError(w, http.StatusNotFound, "unknown or expired upload token")
		case errors.Is(err, uploads.ErrMimeMismatch):
			writeError(w, http.StatusUnsupportedMediaType, "content type does not match minted mime")
		case errors.Is(err, uploads.ErrTooLarge):
			writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": token, "bytes": n})
}

// handleUploadServe serves a stored upload by capability token. No bearer
// auth: possessing the token is the authorization, until expiry.
func (s *Server) handleUploadServe(w http.ResponseWriter, r *http.Request) {
	token := r.PathValue("token")

	tok, f, err := s.uploads.Open(r.Context(), token)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", tok.Mime)
	if tok.Bytes > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(tok.Bytes, 10))
	}
	io.Copy(w, f)
}
