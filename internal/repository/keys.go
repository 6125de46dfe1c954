package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// SDK key prefixes distinguish client-side from server-side credentials
// at a glance in logs and dashboards without revealing anything.
const (
	clientKeyPrefix = "c_"
	serverKeyPrefix = "s_"
)

// APIKey is a stored management API key record used for bearer-token
// authentication on the /v1 surface.
type APIKey struct {
	ID        string     `json:"id"`
	OrgID     string     `json:"org_id"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// APIKeyMeta contains non-sensitive metadata for an API key, suitable
// for listing keys without exposing secrets.
type APIKeyMeta struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ValidateAPIKey returns the stored bcrypt hash and organization ID for
// a non-revoked key ID. Comparison against the presented secret happens
// outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var orgID string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, org_id
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &orgID); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, orgID, nil
}

// CreateAPIKey generates a new management API key for the given
// organization, storing a bcrypt hash of the secret. The raw secret is
// returned exactly once; it cannot be retrieved later.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, orgID, name string) (string, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return "", "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return "", "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hash api key: %w", err)
	}

	if name == "" {
		name = "api-key-" + keyID[:8]
	}

	_, err = r.pool.Exec(ctx, `
		INSERT INTO api_keys (id, org_id, name, key_hash)
		VALUES ($1, $2, $3, $4)
	`, keyID, orgID, name, string(hash))
	if err != nil {
		return "", "", fmt.Errorf("create api key: %w", err)
	}

	return keyID, secret, nil
}

// ListAPIKeys returns metadata for all non-revoked API keys belonging to
// the given organization. Secrets are never included.
func (r *PostgresRepository) ListAPIKeys(ctx context.Context, orgID string) ([]APIKeyMeta, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, org_id, name, created_at
		FROM api_keys
		WHERE org_id = $1 AND revoked_at IS NULL
		ORDER BY created_at
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	defer rows.Close()

	keys := make([]APIKeyMeta, 0)
	for rows.Next() {
		var k APIKeyMeta
		if err := rows.Scan(&k.ID, &k.OrgID, &k.Name, &k.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list api keys rows: %w", err)
	}

	return keys, nil
}

// RevokeAPIKey soft-deletes an API key by setting its revoked_at
// timestamp. Returns pgx.ErrNoRows (wrapped) if the key does not exist
// or is already revoked.
func (r *PostgresRepository) RevokeAPIKey(ctx context.Context, orgID, keyID string) error {
	commandTag, err := r.pool.Exec(ctx, `
		UPDATE api_keys SET revoked_at = NOW()
		WHERE id = $1 AND org_id = $2 AND revoked_at IS NULL
	`, keyID, orgID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}

	return noRowsAffected(commandTag, "revoke api key")
}

func newClientKey() (string, error) {
	suffix, err := generateRandomHex(20)
	if err != nil {
		return "", err
	}

	return clientKeyPrefix + suffix, nil
}

func newServerKey() (string, error) {
	suffix, err := generateRandomHex(20)
	if err != nil {
		return "", err
	}

	return serverKeyPrefix + suffix, nil
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
