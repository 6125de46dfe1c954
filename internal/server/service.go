package server

import (
	"context"

	"github.com/flagstack/flagstack/internal/core"
	"github.com/flagstack/flagstack/internal/repository"
	"github.com/flagstack/flagstack/internal/service"
)

// Service is the application surface the transport layer depends on.
type Service interface {
	EvaluateEnvironment(ctx context.Context, clientKey string, user core.UserContext) (service.EvaluationResponse, error)

	CreateOrganization(ctx context.Context, name, slug string) (repository.Organization, error)
	GetOrganization(ctx context.Context, id string) (repository.Organization, error)
	ListOrganizations(ctx context.Context) ([]repository.Organization, error)

	CreateProject(ctx context.Context, actor string, project repository.Project) (repository.Project, error)
	GetProject(ctx context.Context, id string) (repository.Project, error)
	ListProjects(ctx context.Context) ([]repository.Project, error)
	UpdateProject(ctx context.Context, actor string, project repository.Project) (repository.Project, error)

	CreateEnvironment(ctx context.Context, actor string, env repository.Environment) (repository.Environment, error)
	GetEnvironment(ctx context.Context, id string) (repository.Environment, error)
	ListEnvironmentsByProject(ctx context.Context, projectID string) ([]repository.Environment, error)
	DeleteEnvironment(ctx context.Context, actor, id string) error

	CreateFlag(ctx context.Context, actor string, flag repository.Flag) (repository.Flag, error)
	GetFlag(ctx context.Context, projectID, key string) (repository.Flag, error)
	ListFlags(ctx context.Context, projectID string) ([]repository.Flag, error)
	DeleteFlag(ctx context.Context, actor, projectID, key string) error

	GetFlagState(ctx context.Context, environmentID, flagKey string) (repository.FlagState, error)
	UpdateFlagState(ctx context.Context, actor, environmentID, flagKey string, update service.FlagStateUpdate) (repository.FlagState, error)
	ToggleFlag(ctx context.Context, actor, environmentID, flagKey string) (bool, error)

	AddRule(ctx context.Context, actor, environmentID, flagKey string, input service.RuleInput) (repository.FlagRule, error)
	UpdateRule(ctx context.Context, actor, environmentID, flagKey, ruleID string, input service.RuleInput) (repository.FlagRule, error)
	DeleteRule(ctx context.Context, actor, environmentID, flagKey, ruleID string) error

	CreateAPIKey(ctx context.Context, actor, orgID, name string) (string, string, error)
	ListAPIKeys(ctx context.Context, orgID string) ([]repository.APIKeyMeta, error)
	RevokeAPIKey(ctx context.Context, actor, orgID, keyID string) error

	ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]repository.AuditLogEntry, error)

	ListEventsSince(ctx context.Context, environmentID string, eventID int64) ([]repository.FlagEvent, error)
	ListEventsSinceForKey(ctx context.Context, environmentID string, eventID int64, key string) ([]repository.FlagEvent, error)
}

var _ Service = (*service.Service)(nil)
