package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/flagstack/flagstack/internal/middleware"
	"github.com/flagstack/flagstack/internal/repository"
	"github.com/flagstack/flagstack/internal/service"
)

const (
	maxJSONBodyBytes = 1 << 20

	defaultStreamPollInterval = time.Second
)

var errJSONBodyTooLarge = errors.New("request body too large")

// HTTPOption configures optional parameters of the HTTP handler.
type HTTPOption func(*httpConfig)

type httpConfig struct {
	streamPollInterval time.Duration
	maxJSONBodySize    int64
	metricsHandler     http.Handler
	adminMiddleware    func(http.Handler) http.Handler
}

// WithStreamPollInterval overrides how often the event stream polls for
// new flag events.
func WithStreamPollInterval(d time.Duration) HTTPOption {
	return func(c *httpConfig) {
		if d > 0 {
			c.streamPollInterval = d
		}
	}
}

// WithMaxJSONBodySize overrides the request body size limit for JSON
// endpoints.
func WithMaxJSONBodySize(n int64) HTTPOption {
	return func(c *httpConfig) {
		if n > 0 {
			c.maxJSONBodySize = n
		}
	}
}

// WithMetricsHandler mounts the given handler at GET /metrics.
func WithMetricsHandler(h http.Handler) HTTPOption {
	return func(c *httpConfig) { c.metricsHandler = h }
}

// WithAdminMiddleware wraps every /v1 route with the given middleware.
// SDK evaluation, health, and metrics endpoints are not wrapped.
func WithAdminMiddleware(mw func(http.Handler) http.Handler) HTTPOption {
	return func(c *httpConfig) { c.adminMiddleware = mw }
}

type httpServer struct {
	svc Service
	cfg httpConfig
}

// NewHTTPHandler returns the full HTTP API: the unauthenticated SDK
// evaluation endpoint plus the /v1 management surface.
func NewHTTPHandler(svc Service, opts ...HTTPOption) http.Handler {
	if svc == nil {
		panic("service is nil")
	}
	cfg := httpConfig{
		streamPollInterval: defaultStreamPollInterval,
		maxJSONBodySize:    maxJSONBodyBytes,
	}
	for _, o := range opts {
		o(&cfg)
	}
	s := &httpServer{svc: svc, cfg: cfg}

	admin := http.NewServeMux()
	admin.HandleFunc("POST /v1/organizations", s.handleCreateOrganization)
	admin.HandleFunc("GET /v1/organizations", s.handleListOrganizations)
	admin.HandleFunc("GET /v1/organizations/{id}", s.handleGetOrganization)
	admin.HandleFunc("POST /v1/organizations/{id}/api-keys", s.handleCreateAPIKey)
	admin.HandleFunc("GET /v1/organizations/{id}/api-keys", s.handleListAPIKeys)
	admin.HandleFunc("DELETE /v1/organizations/{id}/api-keys/{keyID}", s.handleRevokeAPIKey)

	admin.HandleFunc("POST /v1/projects", s.handleCreateProject)
	admin.HandleFunc("GET /v1/projects", s.handleListProjects)
	admin.HandleFunc("GET /v1/projects/{id}", s.handleGetProject)
	admin.HandleFunc("PATCH /v1/projects/{id}", s.handleUpdateProject)
	admin.HandleFunc("GET /v1/projects/{id}/audit", s.handleListAuditLog)

	admin.HandleFunc("POST /v1/projects/{id}/environments", s.handleCreateEnvironment)
	admin.HandleFunc("GET /v1/projects/{id}/environments", s.handleListEnvironments)
	admin.HandleFunc("GET /v1/environments/{id}", s.handleGetEnvironment)
	admin.HandleFunc("DELETE /v1/environments/{id}", s.handleDeleteEnvironment)

	admin.HandleFunc("POST /v1/projects/{id}/flags", s.handleCreateFlag)
	admin.HandleFunc("GET /v1/projects/{id}/flags", s.handleListFlags)
	admin.HandleFunc("GET /v1/projects/{id}/flags/{key}", s.handleGetFlag)
	admin.HandleFunc("DELETE /v1/projects/{id}/flags/{key}", s.handleDeleteFlag)

	admin.HandleFunc("GET /v1/environments/{id}/flags/{key}", s.handleGetFlagState)
	admin.HandleFunc("PATCH /v1/environments/{id}/flags/{key}", s.handleUpdateFlagState)
	admin.HandleFunc("POST /v1/environments/{id}/flags/{key}/toggle", s.handleToggleFlag)

	admin.HandleFunc("POST /v1/environments/{id}/flags/{key}/rules", s.handleAddRule)
	admin.HandleFunc("PUT /v1/environments/{id}/flags/{key}/rules/{ruleID}", s.handleUpdateRule)
	admin.HandleFunc("DELETE /v1/environments/{id}/flags/{key}/rules/{ruleID}", s.handleDeleteRule)

	admin.HandleFunc("GET /v1/environments/{id}/stream", s.handleStream)

	var adminHandler http.Handler = admin
	if cfg.adminMiddleware != nil {
		adminHandler = cfg.adminMiddleware(admin)
	}

	mux := http.NewServeMux()
	mux.Handle("/v1/", adminHandler)
	mux.HandleFunc("POST /sdk/evaluate", s.handleEvaluate)
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	if cfg.metricsHandler != nil {
		mux.Handle("GET /metrics", cfg.metricsHandler)
	}
	return mux
}

func (s *httpServer) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func actorFromRequest(r *http.Request) string {
	actor, _ := middleware.APIKeyIDFromContext(r.Context())
	return actor
}

type createOrganizationRequest struct {
	Name string `json:"name"`
	Slug string `json:"slug"`
}

func (s *httpServer) handleCreateOrganization(w http.ResponseWriter, r *http.Request) {
	var req createOrganizationRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	org, err := s.svc.CreateOrganization(r.Context(), req.Name, req.Slug)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, org)
}

func (s *httpServer) handleGetOrganization(w http.ResponseWriter, r *http.Request) {
	org, err := s.svc.GetOrganization(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, org)
}

func (s *httpServer) handleListOrganizations(w http.ResponseWriter, r *http.Request) {
	orgs, err := s.svc.ListOrganizations(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]repository.Organization{"organizations": orgs})
}

type createAPIKeyRequest struct {
	Name string `json:"name"`
}

type createAPIKeyResponse struct {
	KeyID string `json:"key_id"`
	// Token is shown exactly once. Only its bcrypt hash is stored.
	Token string `json:"token"`
}

func (s *httpServer) handleCreateAPIKey(w http.ResponseWriter, r *http.Request) {
	var req createAPIKeyRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		writeJSONDecodeError(w, err)
		return
	}
	keyID, secret, err := s.svc.CreateAPIKey(r.Context(), actorFromRequest(r), r.PathValue("id"), req.Name)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createAPIKeyResponse{KeyID: keyID, Token: keyID + "." + secret})
}

func (s *httpServer) handleListAPIKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := s.svc.ListAPIKeys(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]repository.APIKeyMeta{"api_keys": keys})
}

func (s *httpServer) handleRevokeAPIKey(w http.ResponseWriter, r *http.Request) {
	err := s.svc.RevokeAPIKey(r.Context(), actorFromRequest(r), r.PathValue("id"), r.PathValue("keyID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type projectRequest struct {
	OrgID       string `json:"org_id"`
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *httpServer) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	project, err := s.svc.CreateProject(r.Context(), actorFromRequest(r), repository.Project{
		OrgID:       req.OrgID,
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, project)
}

func (s *httpServer) handleGetProject(w http.ResponseWriter, r *http.Request) {
	project, err := s.svc.GetProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

func (s *httpServer) handleListProjects(w http.ResponseWriter, r *http.Request) {
	projects, err := s.svc.ListProjects(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]repository.Project{"projects": projects})
}

func (s *httpServer) handleUpdateProject(w http.ResponseWriter, r *http.Request) {
	var req projectRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	project, err := s.svc.UpdateProject(r.Context(), actorFromRequest(r), repository.Project{
		ID:          r.PathValue("id"),
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, project)
}

type environmentRequest struct {
	Key  string `json:"key"`
	Name string `json:"name"`
}

func (s *httpServer) handleCreateEnvironment(w http.ResponseWriter, r *http.Request) {
	var req environmentRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	env, err := s.svc.CreateEnvironment(r.Context(), actorFromRequest(r), repository.Environment{
		ProjectID: r.PathValue("id"),
		Key:       req.Key,
		Name:      req.Name,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}

func (s *httpServer) handleGetEnvironment(w http.ResponseWriter, r *http.Request) {
	env, err := s.svc.GetEnvironment(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *httpServer) handleListEnvironments(w http.ResponseWriter, r *http.Request) {
	envs, err := s.svc.ListEnvironmentsByProject(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]repository.Environment{"environments": envs})
}

func (s *httpServer) handleDeleteEnvironment(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.DeleteEnvironment(r.Context(), actorFromRequest(r), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type flagRequest struct {
	Key         string `json:"key"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *httpServer) handleCreateFlag(w http.ResponseWriter, r *http.Request) {
	var req flagRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	flag, err := s.svc.CreateFlag(r.Context(), actorFromRequest(r), repository.Flag{
		ProjectID:   r.PathValue("id"),
		Key:         req.Key,
		Name:        req.Name,
		Description: req.Description,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, flag)
}

func (s *httpServer) handleGetFlag(w http.ResponseWriter, r *http.Request) {
	flag, err := s.svc.GetFlag(r.Context(), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, flag)
}

func (s *httpServer) handleListFlags(w http.ResponseWriter, r *http.Request) {
	flags, err := s.svc.ListFlags(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]repository.Flag{"flags": flags})
}

func (s *httpServer) handleDeleteFlag(w http.ResponseWriter, r *http.Request) {
	err := s.svc.DeleteFlag(r.Context(), actorFromRequest(r), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) handleGetFlagState(w http.ResponseWriter, r *http.Request) {
	state, err := s.svc.GetFlagState(r.Context(), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

type flagStateRequest struct {
	Enabled           *bool           `json:"enabled"`
	OnVariation       json.RawMessage `json:"on_variation"`
	OffVariation      json.RawMessage `json:"off_variation"`
	DefaultVariation  json.RawMessage `json:"default_variation"`
	RolloutPercentage *int            `json:"rollout_percentage"`
}

func (s *httpServer) handleUpdateFlagState(w http.ResponseWriter, r *http.Request) {
	var req flagStateRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	state, err := s.svc.UpdateFlagState(r.Context(), actorFromRequest(r), r.PathValue("id"), r.PathValue("key"), service.FlagStateUpdate{
		Enabled:           req.Enabled,
		OnVariation:       req.OnVariation,
		OffVariation:      req.OffVariation,
		DefaultVariation:  req.DefaultVariation,
		RolloutPercentage: req.RolloutPercentage,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *httpServer) handleToggleFlag(w http.ResponseWriter, r *http.Request) {
	enabled, err := s.svc.ToggleFlag(r.Context(), actorFromRequest(r), r.PathValue("id"), r.PathValue("key"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": enabled})
}

type ruleRequest struct {
	Priority          int             `json:"priority"`
	Clauses           json.RawMessage `json:"clauses"`
	Variation         json.RawMessage `json:"variation"`
	RolloutPercentage int             `json:"rollout_percentage"`
}

func (req ruleRequest) toInput() service.RuleInput {
	return service.RuleInput{
		Priority:          req.Priority,
		Clauses:           req.Clauses,
		Variation:         req.Variation,
		RolloutPercentage: req.RolloutPercentage,
	}
}

func (s *httpServer) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	rule, err := s.svc.AddRule(r.Context(), actorFromRequest(r), r.PathValue("id"), r.PathValue("key"), req.toInput())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *httpServer) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var req ruleRequest
	if err := s.decodeJSONBody(w, r, &req); err != nil {
		writeJSONDecodeError(w, err)
		return
	}
	rule, err := s.svc.UpdateRule(r.Context(), actorFromRequest(r), r.PathValue("id"), r.PathValue("key"), r.PathValue("ruleID"), req.toInput())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *httpServer) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	err := s.svc.DeleteRule(r.Context(), actorFromRequest(r), r.PathValue("id"), r.PathValue("key"), r.PathValue("ruleID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) handleListAuditLog(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 100)
	offset := queryInt(r, "offset", 0)
	entries, err := s.svc.ListAuditLog(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string][]repository.AuditLogEntry{"entries": entries})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return n
}

// handleStream serves flag change events for one environment over SSE.
// Clients resume with the Last-Event-ID header; event IDs are the
// monotonically increasing event row IDs.
func (s *httpServer) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	environmentID := r.PathValue("id")
	flagKey := strings.TrimSpace(r.URL.Query().Get("flag_key"))
	lastEventID := parseLastEventID(r.Header.Get("Last-Event-ID"))

	// The initial fetch happens before the response commits to SSE so a
	// broken backend still yields a plain JSON error.
	events, err := s.listEvents(r.Context(), environmentID, flagKey, lastEventID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.streamPollInterval)
	defer ticker.Stop()

	for {
		for _, ev := range events {
			if err := writeSSEEvent(w, flusher, ev); err != nil {
				return
			}
			lastEventID = ev.EventID
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		events, err = s.listEvents(r.Context(), environmentID, flagKey, lastEventID)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			writeSSEError(w, flusher)
			return
		}
	}
}

func (s *httpServer) listEvents(ctx context.Context, environmentID, flagKey string, afterEventID int64) ([]repository.FlagEvent, error) {
	if flagKey != "" {
		return s.svc.ListEventsSinceForKey(ctx, environmentID, afterEventID, flagKey)
	}
	return s.svc.ListEventsSince(ctx, environmentID, afterEventID)
}

func parseLastEventID(header string) int64 {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	id, err := strconv.ParseInt(header, 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}

var sseEventNames = map[string]bool{
	service.EventTypeFlagCreated:  true,
	service.EventTypeFlagDeleted:  true,
	service.EventTypeStateUpdated: true,
	service.EventTypeRuleCreated:  true,
	service.EventTypeRuleUpdated:  true,
	service.EventTypeRuleDeleted:  true,
}

func toSSEEventName(eventType string) string {
	if sseEventNames[eventType] {
		return eventType
	}
	return "message"
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, ev repository.FlagEvent) error {
	payload, err := compactSSEPayload(ev.Payload)
	if err != nil {
		payload = "{}"
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.EventID, toSSEEventName(ev.EventType), payload)
	if err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

// compactSSEPayload flattens JSON onto one line so it fits a single SSE
// data field.
func compactSSEPayload(raw json.RawMessage) (string, error) {
	if len(raw) == 0 {
		return "{}", nil
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return "", err
	}
	var buf strings.Builder
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

func writeSSEError(w io.Writer, flusher http.Flusher) {
	fmt.Fprint(w, "event: error\ndata: {\"error\":\"internal error\"}\n\n")
	flusher.Flush()
}

func (s *httpServer) decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.maxJSONBodySize)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return normalizeJSONDecodeError(err)
	}
	// Reject trailing content after the first JSON value.
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("request body must contain a single JSON object")
	}
	return nil
}

func normalizeJSONDecodeError(err error) error {
	var maxBytesErr *http.MaxBytesError
	if errors.As(err, &maxBytesErr) {
		return errJSONBodyTooLarge
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	switch {
	case errors.As(err, &syntaxErr):
		return fmt.Errorf("malformed JSON at offset %d", syntaxErr.Offset)
	case errors.As(err, &typeErr):
		return fmt.Errorf("invalid value for field %q", typeErr.Field)
	case errors.Is(err, io.ErrUnexpectedEOF):
		return errors.New("malformed JSON")
	case errors.Is(err, io.EOF):
		return io.EOF
	default:
		return err
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	// Headers are already written. An encode failure here is unrecoverable.
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeJSONDecodeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errJSONBodyTooLarge):
		writeJSONError(w, http.StatusRequestEntityTooLarge, err.Error())
	case errors.Is(err, io.EOF):
		writeJSONError(w, http.StatusBadRequest, "request body is required")
	default:
		writeJSONError(w, http.StatusBadRequest, err.Error())
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrUnknownClientKey):
		writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, service.ErrMissingUserKey):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, service.ErrNotFound):
		writeJSONError(w, http.StatusNotFound, "not found")
	case errors.Is(err, service.ErrValidation),
		errors.Is(err, service.ErrInvalidClauses),
		errors.Is(err, service.ErrInvalidVariation):
		writeJSONError(w, http.StatusBadRequest, serviceErrorMessage(err))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeJSONError(w, http.StatusRequestTimeout, "request canceled")
	default:
		writeJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

func serviceErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
