// Package service holds the application layer: the per-environment
// snapshot cache serving evaluation requests, cache invalidation wiring,
// and the catalog mutation flows with their event and audit trails.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/flagstack/flagstack/internal/core"
	"github.com/flagstack/flagstack/internal/repository"
)

// Event types recorded in flag_events and delivered over the stream.
const (
	EventTypeFlagCreated  = "flag.created"
	EventTypeFlagDeleted  = "flag.deleted"
	EventTypeStateUpdated = "flag_state.updated"
	EventTypeRuleCreated  = "rule.created"
	EventTypeRuleUpdated  = "rule.updated"
	EventTypeRuleDeleted  = "rule.deleted"
)

const (
	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
)

var (
	ErrNotFound         = errors.New("not found")
	ErrUnknownClientKey = errors.New("unknown client key")
	ErrMissingUserKey   = errors.New("user key is required")
	ErrValidation       = errors.New("validation failed")
	ErrInvalidClauses   = errors.New("invalid clauses")
	ErrInvalidVariation = errors.New("invalid variation")
)

// Repository is the persistence surface the service depends on.
type Repository interface {
	GetEnvironmentByClientKey(ctx context.Context, clientKey string) (repository.Environment, error)
	ListFlagStatesByEnvironment(ctx context.Context, environmentID string) ([]repository.FlagState, error)
	ListEnvironmentIDs(ctx context.Context) ([]string, error)

	CreateOrganization(ctx context.Context, name, slug string) (repository.Organization, error)
	GetOrganization(ctx context.Context, id string) (repository.Organization, error)
	ListOrganizations(ctx context.Context) ([]repository.Organization, error)

	CreateProject(ctx context.Context, project repository.Project) (repository.Project, error)
	GetProject(ctx context.Context, id string) (repository.Project, error)
	ListProjects(ctx context.Context) ([]repository.Project, error)
	UpdateProject(ctx context.Context, project repository.Project) (repository.Project, error)

	CreateEnvironment(ctx context.Context, env repository.Environment) (repository.Environment, error)
	GetEnvironment(ctx context.Context, id string) (repository.Environment, error)
	ListEnvironmentsByProject(ctx context.Context, projectID string) ([]repository.Environment, error)
	DeleteEnvironment(ctx context.Context, id string) error

	CreateFlag(ctx context.Context, flag repository.Flag) (repository.Flag, error)
	GetFlagByKey(ctx context.Context, projectID, key string) (repository.Flag, error)
	ListFlagsByProject(ctx context.Context, projectID string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, projectID, key string) error

	CreateFlagState(ctx context.Context, state repository.FlagState) (repository.FlagState, error)
	GetFlagState(ctx context.Context, environmentID, flagKey string) (repository.FlagState, error)
	UpdateFlagState(ctx context.Context, state repository.FlagState) (repository.FlagState, error)
	ToggleFlagState(ctx context.Context, environmentID, flagKey string) (bool, error)

	CreateFlagRule(ctx context.Context, rule repository.FlagRule) (repository.FlagRule, error)
	UpdateFlagRule(ctx context.Context, rule repository.FlagRule) (repository.FlagRule, error)
	DeleteFlagRule(ctx context.Context, ruleID string) error

	ListEventsSince(ctx context.Context, environmentID string, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForKey(ctx context.Context, environmentID string, eventID int64, key string) ([]repository.FlagEvent, error)
	PublishFlagEvent(ctx context.Context, event repository.FlagEvent) (repository.FlagEvent, error)

	CreateAPIKey(ctx context.Context, orgID, name string) (string, string, error)
	ListAPIKeys(ctx context.Context, orgID string) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, orgID, keyID string) error

	InsertAuditLog(ctx context.Context, entry repository.AuditLogEntry) error
	ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeFlagInvalidation(ctx context.Context) (<-chan repository.Invalidation, error)
}

// EvaluationResponse is the payload returned to SDKs: every flag in the
// environment evaluated for one user.
type EvaluationResponse struct {
	Environment string                 `json:"environment"`
	Flags       map[string]core.Result `json:"flags"`
}

// envSnapshot is an immutable, pre-converted view of one environment.
// Snapshots are replaced wholesale on invalidation, never mutated.
type envSnapshot struct {
	env    repository.Environment
	states []core.FlagState
}

// Service wires the evaluation engine to persistence. Reads on the
// evaluation path are served from in-memory snapshots; mutations write
// through the repository and invalidate the affected environment.
type Service struct {
	repo           Repository
	resyncInterval time.Duration

	onCacheLoad    func()
	onInvalidation func()
	onSnapshot     func(environmentID string, flagCount float64)
	onEvaluation   func(reason string)

	mu          sync.RWMutex
	byEnv       map[string]*envSnapshot
	byClientKey map[string]string
}

// ServiceOption configures a [Service].
type ServiceOption func(*Service)

// WithResyncInterval overrides the periodic full cache resync interval.
func WithResyncInterval(interval time.Duration) ServiceOption {
	return func(s *Service) {
		if interval > 0 {
			s.resyncInterval = interval
		}
	}
}

// WithCacheMetrics registers observability callbacks: onLoad fires after
// every full cache load, onInvalidation on every invalidation signal, and
// onSnapshot with the flag count each time an environment snapshot is
// stored. Nil callbacks are ignored.
func WithCacheMetrics(onLoad, onInvalidation func(), onSnapshot func(environmentID string, flagCount float64)) ServiceOption {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onInvalidation = onInvalidation
		s.onSnapshot = onSnapshot
	}
}

// WithEvaluationMetrics registers a callback invoked once per evaluated
// flag with the decision reason, regardless of which caller asked for the
// evaluation. A nil callback is ignored.
func WithEvaluationMetrics(fn func(reason string)) ServiceOption {
	return func(s *Service) {
		s.onEvaluation = fn
	}
}

// New creates a Service, warms the snapshot cache, and starts the cache
// invalidation listener if the repository supports LISTEN/NOTIFY.
func New(ctx context.Context, repo Repository, opts ...ServiceOption) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:           repo,
		resyncInterval: defaultCacheResyncInterval,
		byEnv:          make(map[string]*envSnapshot),
		byClientKey:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

// EvaluateEnvironment evaluates every flag in the environment identified
// by clientKey for the given user. Unknown and missing client keys both
// return [ErrUnknownClientKey]; callers must not let responses reveal
// which of the two happened.
func (s *Service) EvaluateEnvironment(ctx context.Context, clientKey string, user core.UserContext) (EvaluationResponse, error) {
	if clientKey == "" {
		return EvaluationResponse{}, ErrUnknownClientKey
	}
	if user.Key == "" {
		return EvaluationResponse{}, ErrMissingUserKey
	}

	snapshot, err := s.snapshotForClientKey(ctx, clientKey)
	if err != nil {
		return EvaluationResponse{}, err
	}

	flags := core.EvaluateAll(snapshot.states, user)
	if s.onEvaluation != nil {
		for _, result := range flags {
			s.onEvaluation(string(result.Reason))
		}
	}

	return EvaluationResponse{
		Environment: snapshot.env.Key,
		Flags:       flags,
	}, nil
}

// LoadCache replaces every environment snapshot from the database.
func (s *Service) LoadCache(ctx context.Context) error {
	ids, err := s.repo.ListEnvironmentIDs(ctx)
	if err != nil {
		return fmt.Errorf("load environment ids: %w", err)
	}

	nextByEnv := make(map[string]*envSnapshot, len(ids))
	nextByClientKey := make(map[string]string, len(ids))
	for _, id := range ids {
		snapshot, err := s.buildSnapshot(ctx, id)
		if err != nil {
			return err
		}
		nextByEnv[id] = snapshot
		nextByClientKey[snapshot.env.ClientKey] = id
	}

	s.mu.Lock()
	s.byEnv = nextByEnv
	s.byClientKey = nextByClientKey
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.onSnapshot != nil {
		for id, snapshot := range nextByEnv {
			s.onSnapshot(id, float64(len(snapshot.states)))
		}
	}

	return nil
}

func (s *Service) buildSnapshot(ctx context.Context, environmentID string) (*envSnapshot, error) {
	env, err := s.repo.GetEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("load environment %s: %w", environmentID, err)
	}

	states, err := s.repo.ListFlagStatesByEnvironment(ctx, environmentID)
	if err != nil {
		return nil, fmt.Errorf("load flag states for %s: %w", environmentID, err)
	}

	return &envSnapshot{env: env, states: statesToCore(states)}, nil
}

func (s *Service) snapshotForClientKey(ctx context.Context, clientKey string) (*envSnapshot, error) {
	s.mu.RLock()
	if id, ok := s.byClientKey[clientKey]; ok {
		if snapshot, ok := s.byEnv[id]; ok {
			s.mu.RUnlock()
			return snapshot, nil
		}
	}
	s.mu.RUnlock()

	env, err := s.repo.GetEnvironmentByClientKey(ctx, clientKey)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUnknownClientKey
		}
		return nil, fmt.Errorf("resolve client key: %w", err)
	}

	snapshot, err := s.buildSnapshot(ctx, env.ID)
	if err != nil {
		return nil, err
	}

	s.storeSnapshot(env.ID, snapshot)

	return snapshot, nil
}

func (s *Service) storeSnapshot(environmentID string, snapshot *envSnapshot) {
	s.mu.Lock()
	s.byEnv[environmentID] = snapshot
	s.byClientKey[snapshot.env.ClientKey] = environmentID
	s.mu.Unlock()

	if s.onSnapshot != nil {
		s.onSnapshot(environmentID, float64(len(snapshot.states)))
	}
}

func (s *Service) dropSnapshot(environmentID string) {
	s.mu.Lock()
	if snapshot, ok := s.byEnv[environmentID]; ok {
		delete(s.byClientKey, snapshot.env.ClientKey)
		delete(s.byEnv, environmentID)
	}
	s.mu.Unlock()
}

// invalidateEnvironment rebuilds one environment's snapshot, or the whole
// cache when the environment is unknown.
func (s *Service) invalidateEnvironment(ctx context.Context, environmentID string) {
	if s.onInvalidation != nil {
		s.onInvalidation()
	}

	reloadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cacheReloadTimeout)
	defer cancel()

	if environmentID == "" {
		_ = s.LoadCache(reloadCtx)
		return
	}

	snapshot, err := s.buildSnapshot(reloadCtx, environmentID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.dropSnapshot(environmentID)
		}
		return
	}

	s.storeSnapshot(environmentID, snapshot)
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeFlagInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.resyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case invalidation, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeFlagInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				s.invalidateEnvironment(ctx, invalidation.EnvironmentID)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	_ = s.LoadCache(reloadCtx)
}

// ListEventsSince returns flag events for an environment after eventID.
func (s *Service) ListEventsSince(ctx context.Context, environmentID string, eventID int64) ([]repository.FlagEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, environmentID, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

// ListEventsSinceForKey returns flag events for one flag key in an
// environment after eventID.
func (s *Service) ListEventsSinceForKey(ctx context.Context, environmentID string, eventID int64, key string) ([]repository.FlagEvent, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: flag key is required", ErrValidation)
	}

	events, err := s.repo.ListEventsSinceForKey(ctx, environmentID, eventID, key)
	if err != nil {
		return nil, fmt.Errorf("list events since %d for key %q: %w", eventID, key, err)
	}

	return events, nil
}
