package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/service/auth"
)

// CredentialRepo implements auth.CredentialRepository against PostgreSQL.
type CredentialRepo struct{ db *sql.DB }

// NewCredentialRepo creates a Postgres-backed credential repository.
func NewCredentialRepo(db *sql.DB) *CredentialRepo { return &CredentialRepo{db: db} }

func (r *CredentialRepo) GetByUsername(ctx context.Context, username string) (*domain.Credential, error) {
	c := &domain.Credential{}
	err := r.db.QueryRowContext(ctx, `
		SELECT user_id, username, password_hash FROM users WHERE username = $1
	`, username).Scan(&c.UserID, &c.Username, &c.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, auth.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credentials: %w", err)
	}
	return c, nil
}

// UpsertOperator creates an operator or replaces its password hash.
func (r *CredentialRepo) UpsertOperator(ctx context.Context, username, passwordHash string) (domain.UserID, error) {
	var id domain.UserID
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO users (user_id, username, password_hash)
		VALUES ($1, $2, $3)
		ON CONFLICT (username) DO UPDATE SET password_hash = EXCLUDED.password_hash
		RETURNING user_id
	`, uuid.NewString(), username, passwordHash).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("upsert operator: %w", err)
	}
	return id, nil
}
