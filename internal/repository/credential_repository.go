package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Sealer encrypts values before they reach the table
type Sealer interface {
	Seal(name, plaintext string) (string, error)
	Open(name, sealed string) (string, error)
}

type CredentialRepository struct {
	db     *sql.DB
	sealer Sealer
}

// NewCredentialRepository creates a repository over the credentials table.
// sealer may be nil when the database file itself is encrypted.
func NewCredentialRepository(db *sql.DB, sealer Sealer) *CredentialRepository {
	return &CredentialRepository{db: db, sealer: sealer}
}

// Get returns the value stored under key
func (r *CredentialRepository) Get(ctx context.Context, key string) (string, bool, error) {
	query := `
        SELECT value
        FROM credentials
        WHERE key = ?
    `

	var value string
	err := r.db.QueryRowContext(ctx, query, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get credential: %w", err)
	}

	if r.sealer != nil {
		value, err = r.sealer.Open(key, value)
		if err != nil {
			return "", false, fmt.Errorf("failed to open credential: %w", err)
		}
	}

	return value, true, nil
}

// Set inserts or replaces the value stored under key
func (r *CredentialRepository) Set(ctx context.Context, key, value string) error {
	if r.sealer != nil {
		sealed, err := r.sealer.Seal(key, value)
		if err != nil {
			return fmt.Errorf("failed to seal credential: %w", err)
		}
		value = sealed
	}

	query := `
        INSERT INTO credentials (key, value, updated_at)
        VALUES (?, ?, ?)
        ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
    `

	if _, err := r.db.ExecContext(ctx, query, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to set credential: %w", err)
	}

	return nil
}

// Delete removes key; deleting a missing key is not an error
func (r *CredentialRepository) Delete(ctx context.Context, key string) error {
	query := `
        DELETE FROM credentials
        WHERE key = ?
    `

	if _, err := r.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}

	return nil
}

// Close is a no-op; the owner of db closes it
func (r *CredentialRepository) Close() error {
	return nil
}
