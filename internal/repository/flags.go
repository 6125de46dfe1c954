package repository

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// CreateFlag inserts a new flag definition. Per-environment states are
// created separately by the service layer so flag creation and state
// fan-out stay observable as distinct events.
func (r *PostgresRepository) CreateFlag(ctx context.Context, flag Flag) (Flag, error) {
	var created Flag
	err := r.pool.QueryRow(ctx, `
		INSERT INTO flags (project_id, key, name, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id, project_id, key, name, description, created_at
	`,
		flag.ProjectID,
		flag.Key,
		flag.Name,
		flag.Description,
	).Scan(
		&created.ID,
		&created.ProjectID,
		&created.Key,
		&created.Name,
		&created.Description,
		&created.CreatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("create flag: %w", err)
	}

	return created, nil
}

// GetFlagByKey retrieves a flag by project ID and key. Returns
// pgx.ErrNoRows (wrapped) if not found.
func (r *PostgresRepository) GetFlagByKey(ctx context.Context, projectID, key string) (Flag, error) {
	var flag Flag
	err := r.pool.QueryRow(ctx, `
		SELECT id, project_id, key, name, description, created_at
		FROM flags
		WHERE project_id = $1 AND key = $2
	`, projectID, key).Scan(
		&flag.ID,
		&flag.ProjectID,
		&flag.Key,
		&flag.Name,
		&flag.Description,
		&flag.CreatedAt,
	)
	if err != nil {
		return Flag{}, fmt.Errorf("get flag by key: %w", err)
	}

	return flag, nil
}

// ListFlagsByProject returns all flags for a project ordered by key.
func (r *PostgresRepository) ListFlagsByProject(ctx context.Context, projectID string) ([]Flag, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, key, name, description, created_at
		FROM flags
		WHERE project_id = $1
		ORDER BY key
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list flags by project: %w", err)
	}
	defer rows.Close()

	flags := make([]Flag, 0)
	for rows.Next() {
		var flag Flag
		if err := rows.Scan(
			&flag.ID,
			&flag.ProjectID,
			&flag.Key,
			&flag.Name,
			&flag.Description,
			&flag.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan flag: %w", err)
		}

		flags = append(flags, flag)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags rows: %w", err)
	}

	return flags, nil
}

// DeleteFlag removes a flag and, via cascading foreign keys, its states
// and rules in every environment. Returns pgx.ErrNoRows (wrapped) if the
// flag does not exist.
func (r *PostgresRepository) DeleteFlag(ctx context.Context, projectID, key string) error {
	commandTag, err := r.pool.Exec(ctx, `
		DELETE FROM flags WHERE project_id = $1 AND key = $2
	`, projectID, key)
	if err != nil {
		return fmt.Errorf("delete flag: %w", err)
	}

	return noRowsAffected(commandTag, "delete flag")
}

// CreateFlagState inserts the configuration row for a (flag, environment)
// pair. The unique constraint on the pair rejects duplicates.
func (r *PostgresRepository) CreateFlagState(ctx context.Context, state FlagState) (FlagState, error) {
	var created FlagState
	err := r.pool.QueryRow(ctx, `
		INSERT INTO flag_states (flag_id, environment_id, enabled, on_variation, off_variation, default_variation, rollout_percentage)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, flag_id, environment_id, enabled, on_variation, off_variation, default_variation, rollout_percentage, created_at, updated_at
	`,
		state.FlagID,
		state.EnvironmentID,
		state.Enabled,
		ensureJSON(state.OnVariation, `{"value": true}`),
		ensureJSON(state.OffVariation, `{"value": false}`),
		ensureJSON(state.DefaultVariation, `{"value": false}`),
		state.RolloutPercentage,
	).Scan(
		&created.ID,
		&created.FlagID,
		&created.EnvironmentID,
		&created.Enabled,
		&created.OnVariation,
		&created.OffVariation,
		&created.DefaultVariation,
		&created.RolloutPercentage,
		&created.CreatedAt,
		&created.UpdatedAt,
	)
	if err != nil {
		return FlagState{}, fmt.Errorf("create flag state: %w", err)
	}

	created.FlagKey = state.FlagKey

	return created, nil
}

// GetFlagState retrieves the state of one flag in one environment,
// targeting rules attached in (priority, id) order. Returns pgx.ErrNoRows
// (wrapped) if no row exists for the pair.
func (r *PostgresRepository) GetFlagState(ctx context.Context, environmentID, flagKey string) (FlagState, error) {
	var state FlagState
	err := r.pool.QueryRow(ctx, `
		SELECT s.id, s.flag_id, s.environment_id, f.key,
		       s.enabled, s.on_variation, s.off_variation, s.default_variation,
		       s.rollout_percentage, s.created_at, s.updated_at
		FROM flag_states s
		JOIN flags f ON f.id = s.flag_id
		WHERE s.environment_id = $1 AND f.key = $2
	`, environmentID, flagKey).Scan(
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
	)
	if err != nil {
		return FlagState{}, fmt.Errorf("get flag state: %w", err)
	}

	rules, err := r.listRulesByState(ctx, state.ID)
	if err != nil {
		return FlagState{}, err
	}
	state.Rules = rules

	return state, nil
}

// UpdateFlagState updates enabled, variations, and rollout percentage for
// a state row. Returns pgx.ErrNoRows (wrapped) if the row does not exist.
func (r *PostgresRepository) UpdateFlagState(ctx context.Context, state FlagState) (FlagState, error) {
	var updated FlagState
	err := r.pool.QueryRow(ctx, `
		UPDATE flag_states
		SET enabled = $2,
		    on_variation = $3,
		    off_variation = $4,
		    default_variation = $5,
		    rollout_percentage = $6,
		    updated_at = NOW()
		WHERE id = $1
		RETURNING id, flag_id, environment_id, enabled, on_variation, off_variation, default_variation, rollout_percentage, created_at, updated_at
	`,
		state.ID,
		state.Enabled,
		ensureJSON(state.OnVariation, `{"value": true}`),
		ensureJSON(state.OffVariation, `{"value": false}`),
		ensureJSON(state.DefaultVariation, `{"value": false}`),
		state.RolloutPercentage,
	).Scan(
		&updated.ID,
		&updated.FlagID,
		&updated.EnvironmentID,
		&updated.Enabled,
		&updated.OnVariation,
		&updated.OffVariation,
		&updated.DefaultVariation,
		&updated.RolloutPercentage,
		&updated.CreatedAt,
		&updated.UpdatedAt,
	)
	if err != nil {
		return FlagState{}, fmt.Errorf("update flag state: %w", err)
	}

	updated.FlagKey = state.FlagKey

	return updated, nil
}

// ToggleFlagState flips the enabled bit for one flag in one environment
// in a single statement and returns the new value. Returns pgx.ErrNoRows
// (wrapped) if no state row exists for the pair.
func (r *PostgresRepository) ToggleFlagState(ctx context.Context, environmentID, flagKey string) (bool, error) {
	var enabled bool
	err := r.pool.QueryRow(ctx, `
		UPDATE flag_states s
		SET enabled = NOT enabled,
		    updated_at = NOW()
		FROM flags f
		WHERE f.id = s.flag_id
		  AND s.environment_id = $1 AND f.key = $2
		RETURNING s.enabled
	`, environmentID, flagKey).Scan(&enabled)
	if err != nil {
		return false, fmt.Errorf("toggle flag state: %w", err)
	}

	return enabled, nil
}

// CreateFlagRule inserts a targeting rule with a server-assigned UUID.
// The ID never changes afterwards, which keeps per-rule rollout bucketing
// stable across edits to the rule's clauses.
func (r *PostgresRepository) CreateFlagRule(ctx context.Context, rule FlagRule) (FlagRule, error) {
	var created FlagRule
	err := r.pool.QueryRow(ctx, `
		INSERT INTO flag_rules (id, state_id, priority, clauses, variation, rollout_percentage)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, state_id, priority, clauses, variation, rollout_percentage, created_at
	`,
		uuid.NewString(),
		rule.StateID,
		rule.Priority,
		ensureJSON(rule.Clauses, "[]"),
		ensureJSON(rule.Variation, `{"value": true}`),
		rule.RolloutPercentage,
	).Scan(
		&created.ID,
		&created.StateID,
		&created.Priority,
		&created.Clauses,
		&created.Variation,
		&created.RolloutPercentage,
		&created.CreatedAt,
	)
	if err != nil {
		return FlagRule{}, fmt.Errorf("create flag rule: %w", err)
	}

	return created, nil
}

// UpdateFlagRule updates a rule's priority, clauses, variation, and
// rollout percentage. The ID is immutable. Returns pgx.ErrNoRows
// (wrapped) if the rule does not exist.
func (r *PostgresRepository) UpdateFlagRule(ctx context.Context, rule FlagRule) (FlagRule, error) {
	var updated FlagRule
	err := r.pool.QueryRow(ctx, `
		UPDATE flag_rules
		SET priority = $2,
		    clauses = $3,
		    variation = $4,
		    rollout_percentage = $5
		WHERE id = $1
		RETURNING id, state_id, priority, clauses, variation, rollout_percentage, created_at
	`,
		rule.ID,
		rule.Priority,
		ensureJSON(rule.Clauses, "[]"),
		ensureJSON(rule.Variation, `{"value": true}`),
		rule.RolloutPercentage,
	).Scan(
		&updated.ID,
		&updated.StateID,
		&updated.Priority,
		&updated.Clauses,
		&updated.Variation,
		&updated.RolloutPercentage,
		&updated.CreatedAt,
	)
	if err != nil {
		return FlagRule{}, fmt.Errorf("update flag rule: %w", err)
	}

	return updated, nil
}

// DeleteFlagRule removes a rule by ID. Returns pgx.ErrNoRows (wrapped)
// if the rule does not exist.
func (r *PostgresRepository) DeleteFlagRule(ctx context.Context, ruleID string) error {
	commandTag, err := r.pool.Exec(ctx, `DELETE FROM flag_rules WHERE id = $1`, ruleID)
	if err != nil {
		return fmt.Errorf("delete flag rule: %w", err)
	}

	return noRowsAffected(commandTag, "delete flag rule")
}

// GetFlagRule retrieves a rule by ID. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetFlagRule(ctx context.Context, ruleID string) (FlagRule, error) {
	var rule FlagRule
	err := r.pool.QueryRow(ctx, `
		SELECT id, state_id, priority, clauses, variation, rollout_percentage, created_at
		FROM flag_rules
		WHERE id = $1
	`, ruleID).Scan(
		&rule.ID,
		&rule.StateID,
		&rule.Priority,
		&rule.Clauses,
		&rule.Variation,
		&rule.RolloutPercentage,
		&rule.CreatedAt,
	)
	if err != nil {
		return FlagRule{}, fmt.Errorf("get flag rule: %w", err)
	}

	return rule, nil
}

func (r *PostgresRepository) listRulesByState(ctx context.Context, stateID string) ([]FlagRule, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, state_id, priority, clauses, variation, rollout_percentage, created_at
		FROM flag_rules
		WHERE state_id = $1
		ORDER BY priority, id
	`, stateID)
	if err != nil {
		return nil, fmt.Errorf("list rules by state: %w", err)
	}
	defer rows.Close()

	rules := make([]FlagRule, 0)
	for rows.Next() {
		var rule FlagRule
		if err := rows.Scan(
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
		rules = append(rules, rule)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list rules rows: %w", err)
	}

	return rules, nil
}
