//go:build integration

package integration

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/flagstack/flagstack/internal/core"
	"github.com/flagstack/flagstack/internal/repository"
	"github.com/flagstack/flagstack/internal/service"
)

var testPool *pgxpool.Pool

func TestMain(m *testing.M) {
	os.Exit(runTests(m))
}

func runTests(m *testing.M) int {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:18-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_DB":       "flagstack_test",
			"POSTGRES_USER":     "test",
			"POSTGRES_PASSWORD": "test",
		},
		WaitingFor: wait.ForSQL("5432/tcp", "pgx", func(host string, port nat.Port) string {
			return fmt.Sprintf("postgresql://test:test@%s:%s/flagstack_test?sslmode=disable", host, port.Port())
		}).WithStartupTimeout(30 * time.Second),
	}

	pgContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		log.Printf("start postgres container: %v", err)
		return 1
	}
	defer func() { _ = pgContainer.Terminate(ctx) }()

	host, err := pgContainer.Host(ctx)
	if err != nil {
		log.Printf("get container host: %v", err)
		return 1
	}

	mappedPort, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		log.Printf("get mapped port: %v", err)
		return 1
	}

	connStr := fmt.Sprintf(
		"postgresql://test:test@%s:%s/flagstack_test?sslmode=disable",
		host, mappedPort.Port(),
	)

	// Run goose migrations.
	migrationsDir, err := findMigrationsDir()
	if err != nil {
		log.Printf("find migrations: %v", err)
		return 1
	}
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		log.Printf("open db for migrations: %v", err)
		return 1
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("close db after migrations: %v", err)
		}
	}()
	if err := goose.SetDialect("postgres"); err != nil {
		log.Printf("set goose dialect: %v", err)
		return 1
	}
	if err := goose.Up(db, migrationsDir); err != nil {
		log.Printf("run migrations: %v", err)
		return 1
	}

	// Create pgxpool for repository usage.
	testPool, err = pgxpool.New(ctx, connStr)
	if err != nil {
		log.Printf("create pool: %v", err)
		return 1
	}
	defer testPool.Close()

	return m.Run()
}

// findMigrationsDir walks up from the working directory until it finds a
// migrations/ directory (the repository root contains it).
func findMigrationsDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", fmt.Errorf("get working directory: %w", err)
	}
	for {
		candidate := filepath.Join(dir, "migrations")
		if info, err := os.Stat(candidate); err == nil && info.IsDir() {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("migrations directory not found")
		}
		dir = parent
	}
}

func newRepo() *repository.PostgresRepository {
	return repository.NewPostgresRepository(testPool)
}

func randID() string {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic(fmt.Sprintf("crypto/rand failed: %v", err))
	}
	return hex.EncodeToString(b[:])
}

func createTestOrg(t *testing.T, repo *repository.PostgresRepository, suffix string) repository.Organization {
	t.Helper()
	slug := fmt.Sprintf("org-%s-%s", suffix, randID())
	org, err := repo.CreateOrganization(context.Background(), "Test Org "+suffix, slug)
	require.NoError(t, err, "create test organization")
	return org
}

func createTestProject(t *testing.T, repo *repository.PostgresRepository, suffix string) repository.Project {
	t.Helper()
	org := createTestOrg(t, repo, suffix)
	p, err := repo.CreateProject(context.Background(), repository.Project{
		OrgID:       org.ID,
		Key:         fmt.Sprintf("proj-%s-%s", suffix, randID()),
		Name:        "Test Project " + suffix,
		Description: "integration test project",
	})
	require.NoError(t, err, "create test project")
	return p
}

func createTestEnvironment(t *testing.T, repo *repository.PostgresRepository, projectID, key string) repository.Environment {
	t.Helper()
	env, err := repo.CreateEnvironment(context.Background(), repository.Environment{
		ProjectID: projectID,
		Key:       key,
		Name:      key,
	})
	require.NoError(t, err, "create test environment")
	return env
}

func createFlagWithState(t *testing.T, repo *repository.PostgresRepository, projectID, environmentID, key string, enabled bool) repository.FlagState {
	t.Helper()
	ctx := context.Background()
	flag, err := repo.CreateFlag(ctx, repository.Flag{ProjectID: projectID, Key: key, Name: key})
	require.NoError(t, err, "create flag")
	state, err := repo.CreateFlagState(ctx, repository.FlagState{
		FlagID:            flag.ID,
		EnvironmentID:     environmentID,
		FlagKey:           key,
		Enabled:           enabled,
		RolloutPercentage: 100,
	})
	require.NoError(t, err, "create flag state")
	return state
}

// ---------------------------------------------------------------------------
// Catalog
// ---------------------------------------------------------------------------

func TestCatalog(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("organization project environment chain", func(t *testing.T) {
		org := createTestOrg(t, repo, "chain")
		require.NotEmpty(t, org.ID)
		require.False(t, org.CreatedAt.IsZero())

		project, err := repo.CreateProject(ctx, repository.Project{
			OrgID: org.ID,
			Key:   "chain-" + randID(),
			Name:  "Chain",
		})
		require.NoError(t, err)
		require.Equal(t, org.ID, project.OrgID)

		env, err := repo.CreateEnvironment(ctx, repository.Environment{
			ProjectID: project.ID,
			Key:       "production",
			Name:      "Production",
		})
		require.NoError(t, err)
		require.True(t, len(env.ClientKey) > 2 && env.ClientKey[:2] == "c_", "client key prefix: %q", env.ClientKey)
		require.True(t, len(env.ServerKey) > 2 && env.ServerKey[:2] == "s_", "server key prefix: %q", env.ServerKey)

		byKey, err := repo.GetEnvironmentByClientKey(ctx, env.ClientKey)
		require.NoError(t, err)
		require.Equal(t, env.ID, byKey.ID)
	})

	t.Run("update project", func(t *testing.T) {
		project := createTestProject(t, repo, "update")

		project.Name = "Renamed"
		project.Description = "new description"
		updated, err := repo.UpdateProject(ctx, project)
		require.NoError(t, err)
		require.Equal(t, "Renamed", updated.Name)
		require.Equal(t, "new description", updated.Description)
		require.True(t, updated.UpdatedAt.After(updated.CreatedAt) || updated.UpdatedAt.Equal(updated.CreatedAt))
	})

	t.Run("update nonexistent project returns error", func(t *testing.T) {
		_, err := repo.UpdateProject(ctx, repository.Project{
			ID:   "00000000-0000-0000-0000-000000000000",
			Name: "no",
		})
		require.ErrorIs(t, err, pgx.ErrNoRows)
	})

	t.Run("delete environment cascades flag states", func(t *testing.T) {
		project := createTestProject(t, repo, "cascade")
		env := createTestEnvironment(t, repo, project.ID, "staging")
		createFlagWithState(t, repo, project.ID, env.ID, "cascade-flag", true)

		require.NoError(t, repo.DeleteEnvironment(ctx, env.ID))

		_, err := repo.GetFlagState(ctx, env.ID, "cascade-flag")
		require.ErrorIs(t, err, pgx.ErrNoRows)
	})
}

// ---------------------------------------------------------------------------
// Flag lifecycle
// ---------------------------------------------------------------------------

func TestFlagLifecycle(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create get and list", func(t *testing.T) {
		project := createTestProject(t, repo, "crud")

		flag, err := repo.CreateFlag(ctx, repository.Flag{
			ProjectID:   project.ID,
			Key:         "feature-x",
			Name:        "Feature X",
			Description: "test flag",
		})
		require.NoError(t, err)
		require.False(t, flag.CreatedAt.IsZero())

		got, err := repo.GetFlagByKey(ctx, project.ID, "feature-x")
		require.NoError(t, err)
		require.Equal(t, flag.ID, got.ID)

		flags, err := repo.ListFlagsByProject(ctx, project.ID)
		require.NoError(t, err)
		require.Len(t, flags, 1)
	})

	t.Run("state update and toggle", func(t *testing.T) {
		project := createTestProject(t, repo, "state")
		env := createTestEnvironment(t, repo, project.ID, "production")
		state := createFlagWithState(t, repo, project.ID, env.ID, "toggle-me", false)

		state.Enabled = true
		state.OnVariation = json.RawMessage(`{"value": "experiment"}`)
		state.RolloutPercentage = 50
		updated, err := repo.UpdateFlagState(ctx, state)
		require.NoError(t, err)
		require.True(t, updated.Enabled)
		require.Equal(t, 50, updated.RolloutPercentage)
		require.JSONEq(t, `{"value": "experiment"}`, string(updated.OnVariation))

		enabled, err := repo.ToggleFlagState(ctx, env.ID, "toggle-me")
		require.NoError(t, err)
		require.False(t, enabled)

		enabled, err = repo.ToggleFlagState(ctx, env.ID, "toggle-me")
		require.NoError(t, err)
		require.True(t, enabled)
	})

	t.Run("toggle nonexistent returns error", func(t *testing.T) {
		project := createTestProject(t, repo, "toggle-missing")
		env := createTestEnvironment(t, repo, project.ID, "production")

		_, err := repo.ToggleFlagState(ctx, env.ID, "nonexistent")
		require.ErrorIs(t, err, pgx.ErrNoRows)
	})

	t.Run("rule crud keeps stable ids", func(t *testing.T) {
		project := createTestProject(t, repo, "rules")
		env := createTestEnvironment(t, repo, project.ID, "production")
		state := createFlagWithState(t, repo, project.ID, env.ID, "ruled", true)

		rule, err := repo.CreateFlagRule(ctx, repository.FlagRule{
			StateID:           state.ID,
			Priority:          1,
			Clauses:           json.RawMessage(`[{"attr":"plan","op":"equals","values":["pro"]}]`),
			Variation:         json.RawMessage(`{"value": true}`),
			RolloutPercentage: 100,
		})
		require.NoError(t, err)
		require.NotEmpty(t, rule.ID)

		rule.Priority = 5
		rule.Clauses = json.RawMessage(`[{"attr":"plan","op":"in","values":["pro","team"]}]`)
		updated, err := repo.UpdateFlagRule(ctx, rule)
		require.NoError(t, err)
		require.Equal(t, rule.ID, updated.ID, "rule ID must survive updates")
		require.Equal(t, 5, updated.Priority)

		require.NoError(t, repo.DeleteFlagRule(ctx, rule.ID))
		_, err = repo.GetFlagRule(ctx, rule.ID)
		require.ErrorIs(t, err, pgx.ErrNoRows)
	})

	t.Run("delete flag removes states", func(t *testing.T) {
		project := createTestProject(t, repo, "del")
		env := createTestEnvironment(t, repo, project.ID, "production")
		createFlagWithState(t, repo, project.ID, env.ID, "doomed", true)

		require.NoError(t, repo.DeleteFlag(ctx, project.ID, "doomed"))

		_, err := repo.GetFlagState(ctx, env.ID, "doomed")
		require.ErrorIs(t, err, pgx.ErrNoRows)
	})
}

// ---------------------------------------------------------------------------
// Flag events
// ---------------------------------------------------------------------------

func TestFlagEvents(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("publish and list events", func(t *testing.T) {
		project := createTestProject(t, repo, "events")
		env := createTestEnvironment(t, repo, project.ID, "production")

		published, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			EnvironmentID: env.ID,
			FlagKey:       "event-flag",
			EventType:     "flag_state.updated",
			Payload:       json.RawMessage(`{"enabled": true}`),
		})
		require.NoError(t, err)
		require.NotZero(t, published.EventID)

		events, err := repo.ListEventsSince(ctx, env.ID, 0)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, published.EventID, events[0].EventID)
		require.Equal(t, "flag_state.updated", events[0].EventType)
	})

	t.Run("list events since filters by event ID", func(t *testing.T) {
		project := createTestProject(t, repo, "events-filter")
		env := createTestEnvironment(t, repo, project.ID, "production")

		first, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			EnvironmentID: env.ID,
			FlagKey:       "flag-a",
			EventType:     "flag.created",
			Payload:       json.RawMessage(`{}`),
		})
		require.NoError(t, err)

		second, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			EnvironmentID: env.ID,
			FlagKey:       "flag-b",
			EventType:     "flag.created",
			Payload:       json.RawMessage(`{}`),
		})
		require.NoError(t, err)

		events, err := repo.ListEventsSince(ctx, env.ID, first.EventID)
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, second.EventID, events[0].EventID)
	})

	t.Run("list events since for key", func(t *testing.T) {
		project := createTestProject(t, repo, "events-key")
		env := createTestEnvironment(t, repo, project.ID, "production")

		_, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			EnvironmentID: env.ID,
			FlagKey:       "key-a",
			EventType:     "flag.created",
			Payload:       json.RawMessage(`{}`),
		})
		require.NoError(t, err)

		keyBEvent, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			EnvironmentID: env.ID,
			FlagKey:       "key-b",
			EventType:     "flag.created",
			Payload:       json.RawMessage(`{}`),
		})
		require.NoError(t, err)

		events, err := repo.ListEventsSinceForKey(ctx, env.ID, 0, "key-b")
		require.NoError(t, err)
		require.Len(t, events, 1)
		require.Equal(t, keyBEvent.EventID, events[0].EventID)
	})

	t.Run("events in different environments are isolated", func(t *testing.T) {
		project := createTestProject(t, repo, "events-scope")
		envA := createTestEnvironment(t, repo, project.ID, "production")
		envB := createTestEnvironment(t, repo, project.ID, "staging")

		_, err := repo.PublishFlagEvent(ctx, repository.FlagEvent{
			EnvironmentID: envA.ID,
			FlagKey:       "scoped-flag",
			EventType:     "flag.created",
			Payload:       json.RawMessage(`{}`),
		})
		require.NoError(t, err)

		eventsB, err := repo.ListEventsSince(ctx, envB.ID, 0)
		require.NoError(t, err)
		require.Empty(t, eventsB)
	})
}

// ---------------------------------------------------------------------------
// API keys
// ---------------------------------------------------------------------------

func TestAPIKeys(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	t.Run("create and validate", func(t *testing.T) {
		org := createTestOrg(t, repo, "apikey")

		keyID, secret, err := repo.CreateAPIKey(ctx, org.ID, "ci-key")
		require.NoError(t, err)
		require.NotEmpty(t, keyID)
		require.NotEmpty(t, secret)

		keyHash, orgID, err := repo.ValidateAPIKey(ctx, keyID)
		require.NoError(t, err)
		require.Equal(t, org.ID, orgID)
		require.NoError(t, bcrypt.CompareHashAndPassword([]byte(keyHash), []byte(secret)))
	})

	t.Run("nonexistent key returns error", func(t *testing.T) {
		_, _, err := repo.ValidateAPIKey(ctx, "nonexistent-key-id")
		require.Error(t, err)
	})

	t.Run("revoked key fails validation", func(t *testing.T) {
		org := createTestOrg(t, repo, "apikey-revoke")
		keyID, _, err := repo.CreateAPIKey(ctx, org.ID, "doomed-key")
		require.NoError(t, err)

		require.NoError(t, repo.RevokeAPIKey(ctx, org.ID, keyID))

		_, _, err = repo.ValidateAPIKey(ctx, keyID)
		require.Error(t, err)
	})

	t.Run("list excludes revoked keys", func(t *testing.T) {
		org := createTestOrg(t, repo, "apikey-list")
		keepID, _, err := repo.CreateAPIKey(ctx, org.ID, "keep")
		require.NoError(t, err)
		dropID, _, err := repo.CreateAPIKey(ctx, org.ID, "drop")
		require.NoError(t, err)
		require.NoError(t, repo.RevokeAPIKey(ctx, org.ID, dropID))

		keys, err := repo.ListAPIKeys(ctx, org.ID)
		require.NoError(t, err)
		require.Len(t, keys, 1)
		require.Equal(t, keepID, keys[0].ID)
	})
}

// ---------------------------------------------------------------------------
// Audit log
// ---------------------------------------------------------------------------

func TestAuditLog(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	project := createTestProject(t, repo, "audit")

	for i := 0; i < 3; i++ {
		require.NoError(t, repo.InsertAuditLog(ctx, repository.AuditLogEntry{
			ProjectID: project.ID,
			APIKeyID:  "key-1",
			Action:    "flag.created",
			EntityKey: fmt.Sprintf("flag-%d", i),
			Details:   json.RawMessage(`{"source":"test"}`),
		}))
	}

	entries, err := repo.ListAuditLog(ctx, project.ID, 2, 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	// Newest first.
	require.Equal(t, "flag-2", entries[0].EntityKey)

	rest, err := repo.ListAuditLog(ctx, project.ID, 10, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.Equal(t, "flag-0", rest[0].EntityKey)
}

// ---------------------------------------------------------------------------
// End-to-end evaluation through the service cache
// ---------------------------------------------------------------------------

func TestServiceEvaluation(t *testing.T) {
	repo := newRepo()
	ctx := context.Background()

	project := createTestProject(t, repo, "eval")
	env := createTestEnvironment(t, repo, project.ID, "production")
	state := createFlagWithState(t, repo, project.ID, env.ID, "dark-mode", true)

	_, err := repo.CreateFlagRule(ctx, repository.FlagRule{
		StateID:           state.ID,
		Priority:          0,
		Clauses:           json.RawMessage(`[{"attr":"plan","op":"equals","values":["pro"]}]`),
		Variation:         json.RawMessage(`{"value": "rule-hit"}`),
		RolloutPercentage: 100,
	})
	require.NoError(t, err)

	svc, err := service.New(ctx, repo)
	require.NoError(t, err)

	t.Run("rule match", func(t *testing.T) {
		resp, err := svc.EvaluateEnvironment(ctx, env.ClientKey, core.UserContext{
			Key:        "user-1",
			Attributes: map[string]any{"plan": "pro"},
		})
		require.NoError(t, err)
		require.Equal(t, "production", resp.Environment)

		result, ok := resp.Flags["dark-mode"]
		require.True(t, ok)
		require.Equal(t, core.ReasonRuleMatch, result.Reason)
	})

	t.Run("default when no rule matches", func(t *testing.T) {
		resp, err := svc.EvaluateEnvironment(ctx, env.ClientKey, core.UserContext{
			Key:        "user-2",
			Attributes: map[string]any{"plan": "free"},
		})
		require.NoError(t, err)
		require.Equal(t, core.ReasonDefault, resp.Flags["dark-mode"].Reason)
	})

	t.Run("unknown client key", func(t *testing.T) {
		_, err := svc.EvaluateEnvironment(ctx, "c_nonexistent", core.UserContext{Key: "user-1"})
		require.ErrorIs(t, err, service.ErrUnknownClientKey)
	})
}
