package repository

import (
	"context"
	"fmt"
)

// CreateOrganization inserts a new organization.
func (r *PostgresRepository) CreateOrganization(ctx context.Context, name, slug string) (Organization, error) {
	var org Organization
	err := r.pool.QueryRow(ctx, `
		INSERT INTO organizations (name, slug)
		VALUES ($1, $2)
		RETURNING id, name, slug, created_at
	`, name, slug).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt)
	if err != nil {
		return Organization{}, fmt.Errorf("create organization: %w", err)
	}

	return org, nil
}

// GetOrganization retrieves an organization by ID. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetOrganization(ctx context.Context, id string) (Organization, error) {
	var org Organization
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, slug, created_at
		FROM organizations
		WHERE id = $1
	`, id).Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt)
	if err != nil {
		return Organization{}, fmt.Errorf("get organization: %w", err)
	}

	return org, nil
}

// ListOrganizations returns all organizations ordered by name.
func (r *PostgresRepository) ListOrganizations(ctx context.Context) ([]Organization, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, name, slug, created_at FROM organizations ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list organizations: %w", err)
	}
	defer rows.Close()

	orgs := make([]Organization, 0)
	for rows.Next() {
		var org Organization
		if err := rows.Scan(&org.ID, &org.Name, &org.Slug, &org.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan organization: %w", err)
		}
		orgs = append(orgs, org)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list organizations rows: %w", err)
	}

	return orgs, nil
}

// CreateProject inserts a new project under an organization.
func (r *PostgresRepository) CreateProject(ctx context.Context, project Project) (Project, error) {
	var created Project
	err := r.pool.QueryRow(ctx, `
		INSERT INTO projects (org_id, key, name, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, org_id, key, name, description, created_at, updated_at
	`,
		project.OrgID,
		project.Key,
		project.Name,
		project.Description,
	).Scan(
		&created.ID,
		&created.OrgID,
		&created.Key,
		&created.Name,
		&created.Description,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return Project{}, fmt.Errorf("create project: %w", err)
	}

	return created, nil
}

// GetProject retrieves a project by ID. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetProject(ctx context.Context, id string) (Project, error) {
	var p Project
	err := r.pool.QueryRow(ctx, `
		SELECT id, org_id, key, name, description, created_at, updated_at
		FROM projects
		WHERE id = $1
	`, id).Scan(&p.ID, &p.OrgID, &p.Key, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", err)
	}

	return p, nil
}

// ListProjects returns all projects ordered by organization and key.
func (r *PostgresRepository) ListProjects(ctx context.Context) ([]Project, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, key, name, description, created_at, updated_at
		FROM projects
		ORDER BY org_id, key
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	projects := make([]Project, 0)
	for rows.Next() {
		var p Project
		if err := rows.Scan(&p.ID, &p.OrgID, &p.Key, &p.Name, &p.Description, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		projects = append(projects, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list projects rows: %w", err)
	}

	return projects, nil
}

// UpdateProject updates a project's name and description. Returns
// pgx.ErrNoRows (wrapped) if the project does not exist.
func (r *PostgresRepository) UpdateProject(ctx context.Context, project Project) (Project, error) {
	var updated Project
	err := r.pool.QueryRow(ctx, `
		UPDATE projects
		SET name = $2,
		    description = $3,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, org_id, key, name, description, created_at, updated_at
	`,
		project.ID,
		project.Name,
		project.Description,
	).Scan(
		&updated.ID,
		&updated.OrgID,
		&updated.Key,
		&updated.Name,
		&updated.Description,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		return Project{}, fmt.Errorf("update project: %w", err)
	}

	return updated, nil
}

// CreateEnvironment inserts a new environment with freshly generated
// client and server SDK keys.
func (r *PostgresRepository) CreateEnvironment(ctx context.Context, env Environment) (Environment, error) {
	clientKey, err := newClientKey()
	if err != nil {
		return Environment{}, fmt.Errorf("generate client key: %w", err)
	}

	serverKey, err := newServerKey()
	if err != nil {
		return Environment{}, fmt.Errorf("generate server key: %w", err)
	}

	var created Environment
	err = r.pool.QueryRow(ctx, `
		INSERT INTO environments (project_id, key, name, client_key, server_key)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, project_id, key, name, client_key, server_key, created_at
	`,
		env.ProjectID,
		env.Key,
		env.Name,
		clientKey,
		serverKey,
	).Scan(
		&created.ID,
		&created.ProjectID,
		&created.Key,
		&created.Name,
		&created.ClientKey,
		&created.ServerKey,
		&created.CreatedAt,
	)
	if err != nil {
		return Environment{}, fmt.Errorf("create environment: %w", err)
	}

	return created, nil
}

// GetEnvironment retrieves an environment by ID. Returns pgx.ErrNoRows
// (wrapped) if not found.
func (r *PostgresRepository) GetEnvironment(ctx context.Context, id string) (Environment, error) {
	var env Environment
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, key, name, client_key, server_key, created_at
		FROM environments
		WHERE id = $1
	`, id).Scan(
		&env.ID,
		&env.ProjectID,
		&env.Key,
		&env.Name,
		&env.ClientKey,
		&env.ServerKey,
		&env.CreatedAt,
	)
	if err != nil {
		return Environment{}, fmt.Errorf("get environment: %w", err)
	}

	return env, nil
}

// ListEnvironmentsByProject returns all environments for a project
// ordered by key.
func (r *PostgresRepository) ListEnvironmentsByProject(ctx context.Context, projectID string) ([]Environment, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, key, name, client_key, server_key, created_at
		FROM environments
		WHERE project_id = $1
		ORDER BY key
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list environments by project: %w", err)
	}
	defer rows.Close()

	envs := make([]Environment, 0)
	for rows.Next() {
		var env Environment
		if err := rows.Scan(
			&env.ID,
			&env.ProjectID,
			&env.Key,
			&env.Name,
			&env.ClientKey,
			&env.ServerKey,
			&env.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan environment: %w", err)
		}
		envs = append(envs, env)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list environments rows: %w", err)
	}

	return envs, nil
}

// DeleteEnvironment removes an environment and, via cascading foreign
// keys, its flag states and rules. Returns pgx.ErrNoRows (wrapped) if
// the environment does not exist.
func (r *PostgresRepository) DeleteEnvironment(ctx context.Context, id string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM environments WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete environment: %w", err)
	}

	return noRowsAffected(commandTag, "delete environment")
}
