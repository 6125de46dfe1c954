package server

import (
	"net/http"
	"strings"

	"github.com/flagstack/flagstack/internal/core"
)

type evaluateJSONRequest struct {
	ClientKey string           `json:"client_key,omitempty"`
	User      core.UserContext `json:"user"`
}

// handleEvaluate resolves every flag in the environment identified by the
// client key. The key arrives in the X-Client-Key header, the client_key
// query parameter, or the client_key body field, in that order. Missing and
// unknown keys produce the same 401 response so the endpoint does not leak
// which keys exist.
func (s *httpServer) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var req evaluateJSONRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}

	clientKey := strings.TrimSpace(r.Header.Get("X-Client-Key"))
	if clientKey == "" {
		clientKey = strings.TrimSpace(r.URL.Query().Get("client_key"))
	}
	if clientKey == "" {
		clientKey = strings.TrimSpace(req.ClientKey)
	}

	resp, err := s.svc.EvaluateEnvironment(r.Context(), clientKey, req.User)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}
