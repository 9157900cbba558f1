package auth

import (
	"context"
	"errors"

	"github.com/ignite/newsletter/internal/domain"
)

// ErrNotFound is returned by a CredentialRepository for an unknown username.
var ErrNotFound = errors.New("credential not found")

// CredentialRepository is read-only access to operator logins.
type CredentialRepository interface {
	// GetByUsername returns ErrNotFound when no such user exists.
	GetByUsername(ctx context.Context, username string) (*domain.Credential, error)
}
