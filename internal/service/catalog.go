package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/flagstack/flagstack/internal/repository"
)

// Audit actions recorded for management API mutations.
const (
	AuditProjectCreated     = "project.created"
	AuditProjectUpdated     = "project.updated"
	AuditEnvironmentCreated = "environment.created"
	AuditEnvironmentDeleted = "environment.deleted"
	AuditFlagCreated        = "flag.created"
	AuditFlagDeleted        = "flag.deleted"
	AuditStateUpdated       = "flag_state.updated"
	AuditFlagToggled        = "flag.toggled"
	AuditRuleCreated        = "rule.created"
	AuditRuleUpdated        = "rule.updated"
	AuditRuleDeleted        = "rule.deleted"
	AuditAPIKeyCreated      = "api_key.created"
	AuditAPIKeyRevoked      = "api_key.revoked"
)

// FlagStateUpdate is a partial update to one flag state. Nil pointer and
// empty JSON fields keep their current values.
type FlagStateUpdate struct {
	Enabled           *bool           `json:"enabled,omitempty"`
	OnVariation       json.RawMessage `json:"on_variation,omitempty"`
	OffVariation      json.RawMessage `json:"off_variation,omitempty"`
	DefaultVariation  json.RawMessage `json:"default_variation,omitempty"`
	RolloutPercentage *int            `json:"rollout_percentage,omitempty"`
}

// RuleInput is the writable portion of a targeting rule. Rule IDs are
// server-assigned and cannot be supplied.
type RuleInput struct {
	Priority          int             `json:"priority"`
	Clauses           json.RawMessage `json:"clauses"`
	Variation         json.RawMessage `json:"variation"`
	RolloutPercentage int             `json:"rollout_percentage"`
}

// CreateOrganization creates a tenant.
func (s *Service) CreateOrganization(ctx context.Context, name, slug string) (repository.Organization, error) {
	if strings.TrimSpace(name) == "" || strings.TrimSpace(slug) == "" {
		return repository.Organization{}, fmt.Errorf("%w: organization name and slug are required", ErrValidation)
	}

	org, err := s.repo.CreateOrganization(ctx, name, slug)
	if err != nil {
		return repository.Organization{}, fmt.Errorf("create organization: %w", err)
	}

	return org, nil
}

// GetOrganization retrieves an organization by ID.
func (s *Service) GetOrganization(ctx context.Context, id string) (repository.Organization, error) {
	org, err := s.repo.GetOrganization(ctx, id)
	if err != nil {
		return repository.Organization{}, mapNotFound(err, "get organization")
	}

	return org, nil
}

// ListOrganizations returns all organizations.
func (s *Service) ListOrganizations(ctx context.Context) ([]repository.Organization, error) {
	return s.repo.ListOrganizations(ctx)
}

// CreateProject creates a project under an organization.
func (s *Service) CreateProject(ctx context.Context, actor string, project repository.Project) (repository.Project, error) {
	if strings.TrimSpace(project.Key) == "" {
		return repository.Project{}, fmt.Errorf("%w: project key is required", ErrValidation)
	}
	if strings.TrimSpace(project.OrgID) == "" {
		return repository.Project{}, fmt.Errorf("%w: org_id is required", ErrValidation)
	}

	created, err := s.repo.CreateProject(ctx, project)
	if err != nil {
		return repository.Project{}, fmt.Errorf("create project: %w", err)
	}

	s.auditBestEffort(ctx, created.ID, actor, AuditProjectCreated, created.Key, created)

	return created, nil
}

// GetProject retrieves a project by ID.
func (s *Service) GetProject(ctx context.Context, id string) (repository.Project, error) {
	project, err := s.repo.GetProject(ctx, id)
	if err != nil {
		return repository.Project{}, mapNotFound(err, "get project")
	}

	return project, nil
}

// ListProjects returns all projects.
func (s *Service) ListProjects(ctx context.Context) ([]repository.Project, error) {
	return s.repo.ListProjects(ctx)
}

// UpdateProject updates a project's name and description.
func (s *Service) UpdateProject(ctx context.Context, actor string, project repository.Project) (repository.Project, error) {
	updated, err := s.repo.UpdateProject(ctx, project)
	if err != nil {
		return repository.Project{}, mapNotFound(err, "update project")
	}

	s.auditBestEffort(ctx, updated.ID, actor, AuditProjectUpdated, updated.Key, updated)

	return updated, nil
}

// CreateEnvironment creates an environment and backfills a disabled state
// for every existing flag in the project, so every (flag, environment)
// pair always has exactly one state row.
func (s *Service) CreateEnvironment(ctx context.Context, actor string, env repository.Environment) (repository.Environment, error) {
	if strings.TrimSpace(env.Key) == "" {
		return repository.Environment{}, fmt.Errorf("%w: environment key is required", ErrValidation)
	}
	if strings.TrimSpace(env.ProjectID) == "" {
		return repository.Environment{}, fmt.Errorf("%w: project_id is required", ErrValidation)
	}

	created, err := s.repo.CreateEnvironment(ctx, env)
	if err != nil {
		return repository.Environment{}, fmt.Errorf("create environment: %w", err)
	}

	flags, err := s.repo.ListFlagsByProject(ctx, created.ProjectID)
	if err != nil {
		return repository.Environment{}, fmt.Errorf("backfill flag states: %w", err)
	}
	for _, flag := range flags {
		if _, err := s.repo.CreateFlagState(ctx, repository.FlagState{
			FlagID:            flag.ID,
			EnvironmentID:     created.ID,
			FlagKey:           flag.Key,
			RolloutPercentage: 100,
		}); err != nil {
			return repository.Environment{}, fmt.Errorf("backfill flag state for %q: %w", flag.Key, err)
		}
	}

	s.invalidateEnvironment(ctx, created.ID)
	s.auditBestEffort(ctx, created.ProjectID, actor, AuditEnvironmentCreated, created.Key, created)

	return created, nil
}

// GetEnvironment retrieves an environment by ID.
func (s *Service) GetEnvironment(ctx context.Context, id string) (repository.Environment, error) {
	env, err := s.repo.GetEnvironment(ctx, id)
	if err != nil {
		return repository.Environment{}, mapNotFound(err, "get environment")
	}

	return env, nil
}

// ListEnvironmentsByProject returns a project's environments.
func (s *Service) ListEnvironmentsByProject(ctx context.Context, projectID string) ([]repository.Environment, error) {
	return s.repo.ListEnvironmentsByProject(ctx, projectID)
}

// DeleteEnvironment removes an environment and its flag states.
func (s *Service) DeleteEnvironment(ctx context.Context, actor, id string) error {
	env, err := s.GetEnvironment(ctx, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteEnvironment(ctx, id); err != nil {
		return mapNotFound(err, "delete environment")
	}

	s.dropSnapshot(id)
	s.auditBestEffort(ctx, env.ProjectID, actor, AuditEnvironmentDeleted, env.Key, env)

	return nil
}

// CreateFlag creates a flag and a disabled default state in every
// environment of the project. New flags never serve before someone
// deliberately turns them on somewhere; states start at full rollout so
// enabling one serves every user until a narrower rollout is set.
func (s *Service) CreateFlag(ctx context.Context, actor string, flag repository.Flag) (repository.Flag, error) {
	if strings.TrimSpace(flag.Key) == "" {
		return repository.Flag{}, fmt.Errorf("%w: flag key is required", ErrValidation)
	}
	if strings.TrimSpace(flag.ProjectID) == "" {
		return repository.Flag{}, fmt.Errorf("%w: project_id is required", ErrValidation)
	}

	created, err := s.repo.CreateFlag(ctx, flag)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("create flag: %w", err)
	}

	envs, err := s.repo.ListEnvironmentsByProject(ctx, created.ProjectID)
	if err != nil {
		return repository.Flag{}, fmt.Errorf("list environments for flag fan-out: %w", err)
	}
	for _, env := range envs {
		if _, err := s.repo.CreateFlagState(ctx, repository.FlagState{
			FlagID:            created.ID,
			EnvironmentID:     env.ID,
			FlagKey:           created.Key,
			RolloutPercentage: 100,
		}); err != nil {
			return repository.Flag{}, fmt.Errorf("create flag state in %q: %w", env.Key, err)
		}
		s.invalidateEnvironment(ctx, env.ID)
		s.publishEventBestEffort(ctx, env.ID, created.Key, EventTypeFlagCreated, created)
	}

	s.auditBestEffort(ctx, created.ProjectID, actor, AuditFlagCreated, created.Key, created)

	return created, nil
}

// GetFlag retrieves a flag definition by project ID and key.
func (s *Service) GetFlag(ctx context.Context, projectID, key string) (repository.Flag, error) {
	flag, err := s.repo.GetFlagByKey(ctx, projectID, key)
	if err != nil {
		return repository.Flag{}, mapNotFound(err, "get flag")
	}

	return flag, nil
}

// ListFlags returns a project's flags.
func (s *Service) ListFlags(ctx context.Context, projectID string) ([]repository.Flag, error) {
	return s.repo.ListFlagsByProject(ctx, projectID)
}

// DeleteFlag removes a flag and its states from every environment.
func (s *Service) DeleteFlag(ctx context.Context, actor, projectID, key string) error {
	flag, err := s.GetFlag(ctx, projectID, key)
	if err != nil {
		return err
	}

	envs, err := s.repo.ListEnvironmentsByProject(ctx, projectID)
	if err != nil {
		return fmt.Errorf("list environments for flag delete: %w", err)
	}

	if err := s.repo.DeleteFlag(ctx, projectID, key); err != nil {
		return mapNotFound(err, "delete flag")
	}

	for _, env := range envs {
		s.invalidateEnvironment(ctx, env.ID)
		s.publishEventBestEffort(ctx, env.ID, key, EventTypeFlagDeleted, flag)
	}
	s.auditBestEffort(ctx, projectID, actor, AuditFlagDeleted, key, flag)

	return nil
}

// GetFlagState retrieves one flag's state in one environment, rules
// attached.
func (s *Service) GetFlagState(ctx context.Context, environmentID, flagKey string) (repository.FlagState, error) {
	state, err := s.repo.GetFlagState(ctx, environmentID, flagKey)
	if err != nil {
		return repository.FlagState{}, mapNotFound(err, "get flag state")
	}

	return state, nil
}

// UpdateFlagState applies a partial update to one flag state.
func (s *Service) UpdateFlagState(ctx context.Context, actor, environmentID, flagKey string, update FlagStateUpdate) (repository.FlagState, error) {
	for _, payload := range []json.RawMessage{update.OnVariation, update.OffVariation, update.DefaultVariation} {
		if err := validateVariationContainer(payload); err != nil {
			return repository.FlagState{}, err
		}
	}
	if update.RolloutPercentage != nil {
		if err := validateRolloutPercentage(*update.RolloutPercentage); err != nil {
			return repository.FlagState{}, err
		}
	}

	current, err := s.GetFlagState(ctx, environmentID, flagKey)
	if err != nil {
		return repository.FlagState{}, err
	}

	next := current
	if update.Enabled != nil {
		next.Enabled = *update.Enabled
	}
	if len(update.OnVariation) > 0 {
		next.OnVariation = update.OnVariation
	}
	if len(update.OffVariation) > 0 {
		next.OffVariation = update.OffVariation
	}
	if len(update.DefaultVariation) > 0 {
		next.DefaultVariation = update.DefaultVariation
	}
	if update.RolloutPercentage != nil {
		next.RolloutPercentage = *update.RolloutPercentage
	}

	updated, err := s.repo.UpdateFlagState(ctx, next)
	if err != nil {
		return repository.FlagState{}, mapNotFound(err, "update flag state")
	}
	updated.Rules = current.Rules

	s.invalidateEnvironment(ctx, environmentID)
	s.publishEventBestEffort(ctx, environmentID, flagKey, EventTypeStateUpdated, updated)
	s.auditBestEffort(ctx, s.projectIDForEnvironment(ctx, environmentID), actor, AuditStateUpdated, flagKey, update)

	return updated, nil
}

// ToggleFlag flips one flag's enabled bit in one environment and returns
// the new value.
func (s *Service) ToggleFlag(ctx context.Context, actor, environmentID, flagKey string) (bool, error) {
	enabled, err := s.repo.ToggleFlagState(ctx, environmentID, flagKey)
	if err != nil {
		return false, mapNotFound(err, "toggle flag")
	}

	s.invalidateEnvironment(ctx, environmentID)
	s.publishEventBestEffort(ctx, environmentID, flagKey, EventTypeStateUpdated, map[string]bool{"enabled": enabled})
	s.auditBestEffort(ctx, s.projectIDForEnvironment(ctx, environmentID), actor, AuditFlagToggled, flagKey, map[string]bool{"enabled": enabled})

	return enabled, nil
}

// AddRule appends a targeting rule to one flag state.
func (s *Service) AddRule(ctx context.Context, actor, environmentID, flagKey string, input RuleInput) (repository.FlagRule, error) {
	if err := s.validateRuleInput(input); err != nil {
		return repository.FlagRule{}, err
	}

	state, err := s.GetFlagState(ctx, environmentID, flagKey)
	if err != nil {
		return repository.FlagRule{}, err
	}

	created, err := s.repo.CreateFlagRule(ctx, repository.FlagRule{
		StateID:           state.ID,
		Priority:          input.Priority,
		Clauses:           input.Clauses,
		Variation:         input.Variation,
		RolloutPercentage: input.RolloutPercentage,
	})
	if err != nil {
		return repository.FlagRule{}, fmt.Errorf("create rule: %w", err)
	}

	s.invalidateEnvironment(ctx, environmentID)
	s.publishEventBestEffort(ctx, environmentID, flagKey, EventTypeRuleCreated, created)
	s.auditBestEffort(ctx, s.projectIDForEnvironment(ctx, environmentID), actor, AuditRuleCreated, flagKey, created)

	return created, nil
}

// UpdateRule replaces the writable fields of a rule. The rule must belong
// to the named flag state.
func (s *Service) UpdateRule(ctx context.Context, actor, environmentID, flagKey, ruleID string, input RuleInput) (repository.FlagRule, error) {
	if err := s.validateRuleInput(input); err != nil {
		return repository.FlagRule{}, err
	}

	if err := s.checkRuleOwnership(ctx, environmentID, flagKey, ruleID); err != nil {
		return repository.FlagRule{}, err
	}

	updated, err := s.repo.UpdateFlagRule(ctx, repository.FlagRule{
		ID:                ruleID,
		Priority:          input.Priority,
		Clauses:           input.Clauses,
		Variation:         input.Variation,
		RolloutPercentage: input.RolloutPercentage,
	})
	if err != nil {
		return repository.FlagRule{}, mapNotFound(err, "update rule")
	}

	s.invalidateEnvironment(ctx, environmentID)
	s.publishEventBestEffort(ctx, environmentID, flagKey, EventTypeRuleUpdated, updated)
	s.auditBestEffort(ctx, s.projectIDForEnvironment(ctx, environmentID), actor, AuditRuleUpdated, flagKey, updated)

	return updated, nil
}

// DeleteRule removes a rule from a flag state.
func (s *Service) DeleteRule(ctx context.Context, actor, environmentID, flagKey, ruleID string) error {
	if err := s.checkRuleOwnership(ctx, environmentID, flagKey, ruleID); err != nil {
		return err
	}

	if err := s.repo.DeleteFlagRule(ctx, ruleID); err != nil {
		return mapNotFound(err, "delete rule")
	}

	s.invalidateEnvironment(ctx, environmentID)
	s.publishEventBestEffort(ctx, environmentID, flagKey, EventTypeRuleDeleted, map[string]string{"rule_id": ruleID})
	s.auditBestEffort(ctx, s.projectIDForEnvironment(ctx, environmentID), actor, AuditRuleDeleted, flagKey, map[string]string{"rule_id": ruleID})

	return nil
}

// CreateAPIKey mints a management API key for an organization. The raw
// secret is returned exactly once.
func (s *Service) CreateAPIKey(ctx context.Context, actor, orgID, name string) (string, string, error) {
	if strings.TrimSpace(orgID) == "" {
		return "", "", fmt.Errorf("%w: org_id is required", ErrValidation)
	}

	keyID, secret, err := s.repo.CreateAPIKey(ctx, orgID, name)
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	s.auditBestEffort(ctx, "", actor, AuditAPIKeyCreated, keyID, map[string]string{"org_id": orgID})

	return keyID, secret, nil
}

// ListAPIKeys returns non-revoked key metadata for an organization.
func (s *Service) ListAPIKeys(ctx context.Context, orgID string) ([]repository.APIKeyMeta, error) {
	return s.repo.ListAPIKeys(ctx, orgID)
}

// RevokeAPIKey revokes a management API key.
func (s *Service) RevokeAPIKey(ctx context.Context, actor, orgID, keyID string) error {
	if err := s.repo.RevokeAPIKey(ctx, orgID, keyID); err != nil {
		return mapNotFound(err, "revoke api key")
	}

	s.auditBestEffort(ctx, "", actor, AuditAPIKeyRevoked, keyID, map[string]string{"org_id": orgID})

	return nil
}

// ListAuditLog returns audit entries for a project, newest first.
func (s *Service) ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.ListAuditLog(ctx, projectID, limit, offset)
}

func (s *Service) validateRuleInput(input RuleInput) error {
	if _, err := parseClausesJSON(input.Clauses); err != nil {
		return err
	}
	if err := validateVariationContainer(input.Variation); err != nil {
		return err
	}

	return validateRolloutPercentage(input.RolloutPercentage)
}

func (s *Service) checkRuleOwnership(ctx context.Context, environmentID, flagKey, ruleID string) error {
	state, err := s.GetFlagState(ctx, environmentID, flagKey)
	if err != nil {
		return err
	}

	for _, rule := range state.Rules {
		if rule.ID == ruleID {
			return nil
		}
	}

	return ErrNotFound
}

// publishEventBestEffort records a flag event after the mutation has
// committed. A failed publish is not allowed to fail the mutation; the
// periodic cache resync bounds how stale consumers can get.
func (s *Service) publishEventBestEffort(ctx context.Context, environmentID, flagKey, eventType string, payload any) {
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	serialized, err := json.Marshal(payload)
	if err != nil {
		return
	}

	_, _ = s.repo.PublishFlagEvent(publishCtx, repository.FlagEvent{
		EnvironmentID: environmentID,
		FlagKey:       flagKey,
		EventType:     eventType,
		Payload:       serialized,
	})
}

func (s *Service) auditBestEffort(ctx context.Context, projectID, actor, action, entityKey string, details any) {
	auditCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()

	serialized, err := json.Marshal(details)
	if err != nil {
		serialized = []byte("{}")
	}

	_ = s.repo.InsertAuditLog(auditCtx, repository.AuditLogEntry{
		ProjectID: projectID,
		APIKeyID:  actor,
		Action:    action,
		EntityKey: entityKey,
		Details:   serialized,
	})
}

// projectIDForEnvironment resolves an environment's project for audit
// scoping, preferring the snapshot cache over a database round trip.
func (s *Service) projectIDForEnvironment(ctx context.Context, environmentID string) string {
	s.mu.RLock()
	if snapshot, ok := s.byEnv[environmentID]; ok {
		s.mu.RUnlock()
		return snapshot.env.ProjectID
	}
	s.mu.RUnlock()

	env, err := s.repo.GetEnvironment(ctx, environmentID)
	if err != nil {
		return ""
	}

	return env.ProjectID
}

func mapNotFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}

	return fmt.Errorf("%s: %w", op, err)
}
