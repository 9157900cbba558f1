package auth

import (
	"context"
	"errors"
	"fmt"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/apperr"
	"github.com/ignite/newsletter/internal/pkg/metrics"
)

// Validator checks credentials against the repository. It is safe for
// concurrent use.
type Validator struct {
	repo    CredentialRepository
	hasher  *Hasher
	metrics *metrics.Metrics

	// placeholder is verified against when the username is unknown.
	placeholder    string
	placeholderErr error
}

// placeholderPassword seeds the hash compared against for unknown usernames.
const placeholderPassword = "placeholder-password-for-unknown-users"

// NewValidator creates a validator and hashes the unknown-user placeholder
// up front so no request pays for it. m may be nil.
func NewValidator(repo CredentialRepository, hasher *Hasher, m *metrics.Metrics) *Validator {
	v := &Validator{repo: repo, hasher: hasher, metrics: m}
	v.placeholder, v.placeholderErr = hasher.Hash(placeholderPassword)
	return v
}

// Validate returns the operator's id when the password matches. Failures
// are *AuthError wrapped as apperr.Auth, except store failures
// (apperr.Persistence) and unparseable stored hashes (apperr.Unexpected).
func (v *Validator) Validate(ctx context.Context, creds Credentials) (domain.UserID, error) {
	const op = "auth.Validate"

	cred, err := v.repo.GetByUsername(ctx, creds.Username)
	switch {
	case errors.Is(err, ErrNotFound):
		// Spend the same work as a real comparison before rejecting.
		if v.placeholderErr != nil {
			return "", apperr.New(apperr.Unexpected, op, v.placeholderErr)
		}
		v.hasher.Verify(creds.Password, v.placeholder)
		return "", v.reject(op, ErrUnknownUsername)
	case err != nil:
		return "", apperr.New(apperr.Persistence, op, fmt.Errorf("look up credentials: %w", err))
	}

	ok, err := v.hasher.Verify(creds.Password, cred.PasswordHash)
	if err != nil {
		return "", apperr.New(apperr.Unexpected, op, fmt.Errorf("stored hash for %s: %w", cred.UserID, err))
	}
	if !ok {
		return "", v.reject(op, ErrInvalidPassword)
	}
	return cred.UserID, nil
}

// Authenticate decodes an Authorization header and validates it.
func (v *Validator) Authenticate(ctx context.Context, header string) (domain.UserID, error) {
	creds, err := DecodeBasicAuth(header)
	if err != nil {
		v.metrics.IncAuthFailure(MetricReason(err))
		return "", apperr.New(apperr.Auth, "auth.Authenticate", err)
	}
	return v.Validate(ctx, creds)
}

func (v *Validator) reject(op string, reason error) error {
	v.metrics.IncAuthFailure(MetricReason(reason))
	return apperr.New(apperr.Auth, op, authErr(reason))
}
