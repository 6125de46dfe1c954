package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// AuditLogEntry records a mutation performed through the management API.
// Entries are written by the service layer alongside the mutation; the
// evaluation path never touches the audit log.
type AuditLogEntry struct {
	ID        int64           `json:"id"`
	ProjectID string          `json:"project_id"`
	APIKeyID  string          `json:"api_key_id,omitempty"`
	Action    string          `json:"action"`
	EntityKey string          `json:"entity_key,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// InsertAuditLog writes a single audit log entry.
func (r *PostgresRepository) InsertAuditLog(ctx context.Context, entry AuditLogEntry) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO audit_log (project_id, api_key_id, action, entity_key, details)
		VALUES ($1, $2, $3, $4, $5)
	`,
		entry.ProjectID,
		entry.APIKeyID,
		entry.Action,
		entry.EntityKey,
		ensureJSON(entry.Details, "{}"),
	)
	if err != nil {
		return fmt.Errorf("insert audit log: %w", err)
	}

	return nil
}

// ListAuditLog returns audit log entries for a project, newest first.
func (r *PostgresRepository) ListAuditLog(ctx context.Context, projectID string, limit, offset int) ([]AuditLogEntry, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, project_id, api_key_id, action, entity_key, details, created_at
		FROM audit_log
		WHERE project_id = $1
		ORDER BY id DESC
		LIMIT $2 OFFSET $3
	`, projectID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list audit log: %w", err)
	}
	defer rows.Close()

	entries := make([]AuditLogEntry, 0)
	for rows.Next() {
		var e AuditLogEntry
		if err := rows.Scan(&e.ID, &e.ProjectID, &e.APIKeyID, &e.Action, &e.EntityKey, &e.Details, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan audit log entry: %w", err)
		}
		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list audit log rows: %w", err)
	}

	return entries, nil
}
