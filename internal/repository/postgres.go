// Package repository provides PostgreSQL-backed persistence for the
// flagstack catalog (organizations, projects, environments, flags, flag
// states, targeting rules), flag change events, API keys, and the audit
// log. It also handles LISTEN/NOTIFY-based cache invalidation so the
// evaluation path stays fresh without polling the database into
// submission.
package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	defaultNotifyChannel     = "flag_events"
	defaultMaxEventBatchSize = 1000
)

// Organization is a tenant namespace for projects. Membership and role
// management are handled outside this system.
type Organization struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

// Project groups flags and environments under an organization.
type Project struct {
	ID          string    `json:"id"`
	OrgID       string    `json:"org_id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Environment is a deployment target within a project. ClientKey is the
// opaque credential SDKs present on the evaluation endpoint; ServerKey is
// reserved for server-side SDKs. Both are generated on insert and never
// rotated in place.
type Environment struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Key       string    `json:"key"`
	Name      string    `json:"name"`
	ClientKey string    `json:"client_key"`
	ServerKey string    `json:"server_key"`
	CreatedAt time.Time `json:"created_at"`
}

// Flag is a feature flag definition within a project. Its per-environment
// behavior lives in [FlagState] rows.
type Flag struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Key         string    `json:"key"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	CreatedAt   time.Time `json:"created_at"`
}

// FlagState is the configuration of one flag in one environment, exactly
// one row per (flag, environment) pair. Variation columns hold raw JSON
// containers of the form {"value": ...}.
type FlagState struct {
	ID                string          `json:"id"`
	FlagID            string          `json:"flag_id"`
	EnvironmentID     string          `json:"environment_id"`
	FlagKey           string          `json:"flag_key"`
	Enabled           bool            `json:"enabled"`
	OnVariation       json.RawMessage `json:"on_variation"`
	OffVariation      json.RawMessage `json:"off_variation"`
	DefaultVariation  json.RawMessage `json:"default_variation"`
	RolloutPercentage int             `json:"rollout_percentage"`
	Rules             []FlagRule      `json:"rules,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// FlagRule is a stored targeting rule. ID is server-assigned and stable
// for the rule's lifetime; the evaluation layer uses it both for ordering
// ties and as part of the rule-scoped rollout hash input.
type FlagRule struct {
	ID                string          `json:"id"`
	StateID           string          `json:"state_id"`
	Priority          int             `json:"priority"`
	Clauses           json.RawMessage `json:"clauses"`
	Variation         json.RawMessage `json:"variation"`
	RolloutPercentage int             `json:"rollout_percentage"`
	CreatedAt         time.Time       `json:"created_at"`
}

// FlagEvent records a configuration change scoped to an environment.
// Events drive SSE streaming and cache invalidation.
type FlagEvent struct {
	EventID       int64           `json:"event_id"`
	EnvironmentID string          `json:"environment_id"`
	FlagKey       string          `json:"flag_key"`
	EventType     string          `json:"event_type"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"created_at"`
}

// PostgresRepository implements catalog, event, API key, and audit log
// persistence backed by a pgxpool connection pool. It also supports
// LISTEN/NOTIFY for real-time cache invalidation.
type PostgresRepository struct {
	pool              *pgxpool.Pool
	notifyChannel     string
	maxEventBatchSize int
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel overrides the LISTEN/NOTIFY channel name.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		if trimmed := strings.TrimSpace(channel); trimmed != "" {
			r.notifyChannel = trimmed
		}
	}
}

// WithEventBatchSize caps the number of events returned per stream poll.
func WithEventBatchSize(n int) Option {
	return func(r *PostgresRepository) {
		if n > 0 {
			r.maxEventBatchSize = n
		}
	}
}

// NewPostgresRepository creates a [PostgresRepository].
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:              pool,
		notifyChannel:     defaultNotifyChannel,
		maxEventBatchSize: defaultMaxEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}

	return r
}

// GetEnvironmentByClientKey resolves the environment owning a client SDK
// key. Returns pgx.ErrNoRows (wrapped) for unknown keys; callers must not
// let their responses distinguish unknown keys from missing ones.
func (r *PostgresRepository) GetEnvironmentByClientKey(ctx context.Context, clientKey string) (Environment, error) {
	var env Environment
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, key, name, client_key, server_key, created_at
		FROM environments
		WHERE client_key = $1
	`, clientKey).Scan(
		&env.ID,
		&env.ProjectID,
		&env.Key,
		&env.Name,
		&env.ClientKey,
		&env.ServerKey,
		&env.CreatedAt,
	)
	if err != nil {
		return Environment{}, fmt.Errorf("get environment by client key: %w", err)
	}

	return env, nil
}

// ListFlagStatesByEnvironment returns every flag state in an environment
// with the flag key and targeting rules attached. Rules come back in
// (priority, id) order, matching the order evaluation visits them.
func (r *PostgresRepository) ListFlagStatesByEnvironment(ctx context.Context, environmentID string) ([]FlagState, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT s.id, s.flag_id, s.environment_id, f.key,
		       s.enabled, s.on_variation, s.off_variation, s.default_variation,
		       s.rollout_percentage, s.created_at, s.updated_at
		FROM flag_states s
		JOIN flags f ON f.id = s.flag_id
		WHERE s.environment_id = $1
		ORDER BY f.key
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list flag states: %w", err)
	}
	defer rows.Close()

	states := make([]FlagState, 0)
	index := make(map[string]int)
	for rows.Next() {
		var state FlagState
		if err := rows.Scan(
			&state.ID,
			&state.FlagID,
			&state.EnvironmentID,
			&state.FlagKey,
			&state.Enabled,
			&state.OnVariation,
			&state.OffVariation,
			&state.DefaultVariation,
			&state.RolloutPercentage,
			&state.CreatedAt,
			&state.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag state: %w", err)
		}

		index[state.ID] = len(states)
		states = append(states, state)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flag states rows: %w", err)
	}

	if len(states) == 0 {
		return states, nil
	}

	ruleRows, err := r.pool.Query(ctx, `
		SELECT r.id, r.state_id, r.priority, r.clauses, r.variation, r.rollout_percentage, r.created_at
		FROM flag_rules r
		JOIN flag_states s ON s.id = r.state_id
		WHERE s.environment_id = $1
		ORDER BY r.priority, r.id
	`, environmentID)
	if err != nil {
		return nil, fmt.Errorf("list flag rules: %w", err)
	}
	defer ruleRows.Close()

	for ruleRows.Next() {
		var rule FlagRule
		if err := ruleRows.Scan(
			&rule.ID,
			&rule.StateID,
			&rule.Priority,
			&rule.Clauses,
			&rule.Variation,
			&rule.RolloutPercentage,
			&rule.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag rule: %w", err)
		}

		if i, ok := index[rule.StateID]; ok {
			states[i].Rules = append(states[i].Rules, rule)
		}
	}

	if err := ruleRows.Err(); err != nil {
		return nil, fmt.Errorf("list flag rules rows: %w", err)
	}

	return states, nil
}

// ListEnvironmentIDs returns the IDs of every environment, oldest first.
// The service layer uses it to warm the evaluation snapshot cache.
func (r *PostgresRepository) ListEnvironmentIDs(ctx context.Context) ([]string, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM environments ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list environment ids: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan environment id: %w", err)
		}
		ids = append(ids, id)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environment ids rows: %w", err)
	}

	return ids, nil
}

// ListEventsSince returns up to the configured batch size of flag events
// for an environment with IDs greater than eventID, ordered by event ID.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, environmentID string, eventID int64) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, environment_id, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1 AND environment_id = $2
		ORDER BY event_id
		LIMIT $3
	`, eventID, environmentID, r.maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since: %w", err)
	}
	defer rows.Close()

	events := make([]FlagEvent, 0)
	for rows.Next() {
		var event FlagEvent
		if err := rows.Scan(
			&event.EventID,
			&event.EnvironmentID,
			&event.FlagKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// ListEventsSinceForKey returns flag events for a single flag key within
// an environment, with IDs greater than eventID. Scoping by environment
// keeps events separate when different projects reuse the same flag keys.
func (r *PostgresRepository) ListEventsSinceForKey(ctx context.Context, environmentID string, eventID int64, key string) ([]FlagEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, environment_id, flag_key, event_type, payload, created_at
		FROM flag_events
		WHERE event_id > $1
		  AND environment_id = $2 AND flag_key = $3
		ORDER BY event_id
		LIMIT $4
	`, eventID, environmentID, key, r.maxEventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list events since for key: %w", err)
	}
	defer rows.Close()

	events := make([]FlagEvent, 0)
	for rows.Next() {
		var event FlagEvent
		if err := rows.Scan(
			&event.EventID,
			&event.EnvironmentID,
			&event.FlagKey,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}

		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list events rows: %w", err)
	}

	return events, nil
}

// PublishFlagEvent inserts a flag event and sends a PostgreSQL NOTIFY on
// the configured channel within a single transaction.
func (r *PostgresRepository) PublishFlagEvent(ctx context.Context, event FlagEvent) (FlagEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created FlagEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO flag_events (environment_id, flag_key, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, environment_id, flag_key, event_type, payload, created_at
	`,
		event.EnvironmentID,
		event.FlagKey,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.EnvironmentID,
		&created.FlagKey,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return FlagEvent{}, fmt.Errorf("insert flag event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return FlagEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return FlagEvent{}, fmt.Errorf("notify flag event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return FlagEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// Invalidation names the environment whose configuration changed. An
// empty EnvironmentID means the scope is unknown and the whole cache
// should be reloaded.
type Invalidation struct {
	EnvironmentID string
}

// SubscribeFlagInvalidation returns a channel that receives a signal
// whenever a flag event notification arrives on the PostgreSQL LISTEN
// channel. The channel is closed if the underlying connection is lost.
func (r *PostgresRepository) SubscribeFlagInvalidation(ctx context.Context) (<-chan Invalidation, error) {
	invalidations := make(chan Invalidation, 1)

	go r.runFlagInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runFlagInvalidationListener(ctx context.Context, invalidations chan<- Invalidation) {
	defer close(invalidations)

	for {
		err := r.listenForFlagInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForFlagInvalidation(ctx context.Context, invalidations chan<- Invalidation) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		notification, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for flag event notification: %w", err)
		}

		select {
		case invalidations <- parseNotifyPayload(notification.Payload):
		default:
		}
	}
}

func noRowsAffected(commandTag pgconn.CommandTag, op string) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("%s: %w", op, pgx.ErrNoRows)
	}

	return nil
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}

	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

type notifyEnvelope struct {
	EnvironmentID string `json:"environment_id"`
	FlagKey       string `json:"flag_key"`
	EventType     string `json:"event_type"`
}

func marshalNotifyPayload(event FlagEvent) (string, error) {
	serialized, err := json.Marshal(notifyEnvelope{
		EnvironmentID: event.EnvironmentID,
		FlagKey:       event.FlagKey,
		EventType:     event.EventType,
	})
	if err != nil {
		return "", err
	}

	return string(serialized), nil
}

func parseNotifyPayload(raw string) Invalidation {
	var envelope notifyEnvelope
	if err := json.Unmarshal([]byte(raw), &envelope); err != nil {
		return Invalidation{}
	}

	return Invalidation{EnvironmentID: envelope.EnvironmentID}
}
