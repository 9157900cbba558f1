package subscription

import (
	"context"

	"github.com/ignite/newsletter/internal/domain"
)

// Store is the persistence contract for subscriptions.
type Store interface {
	// Begin opens a unit of work for one registration.
	Begin(ctx context.Context) (Tx, error)

	// SubscriberIDByToken returns ErrTokenNotFound for an unknown token.
	SubscriberIDByToken(ctx context.Context, token string) (string, error)

	// ConfirmSubscriber sets the subscriber's status to confirmed. It is a
	// no-op for an already confirmed subscriber.
	ConfirmSubscriber(ctx context.Context, subscriberID string) error
}

// Tx is an open registration transaction. Nothing written through it is
// visible to other callers until Commit.
type Tx interface {
	InsertSubscriber(ctx context.Context, s *domain.Subscriber) error
	StoreToken(ctx context.Context, t domain.ConfirmationToken) error
	EnqueueEmail(ctx context.Context, m *domain.OutboxMessage) error
	Commit() error
	Rollback() error
}
