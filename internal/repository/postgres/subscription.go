package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/service/subscription"
)

// SubscriptionRepo implements subscription.Store and
// newsletter.SubscriberSource against PostgreSQL.
type SubscriptionRepo struct{ db *sql.DB }

// NewSubscriptionRepo creates a Postgres-backed subscription repository.
func NewSubscriptionRepo(db *sql.DB) *SubscriptionRepo { return &SubscriptionRepo{db: db} }

func (r *SubscriptionRepo) Begin(ctx context.Context) (subscription.Tx, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	return &subscriptionTx{tx: tx}, nil
}

func (r *SubscriptionRepo) SubscriberIDByToken(ctx context.Context, token string) (string, error) {
	var id string
	err := r.db.QueryRowContext(ctx, `
		SELECT subscriber_id FROM subscription_tokens WHERE subscription_token = $1
	`, token).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", subscription.ErrTokenNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get subscriber by token: %w", err)
	}
	return id, nil
}

func (r *SubscriptionRepo) ConfirmSubscriber(ctx context.Context, subscriberID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE subscriptions SET status = 'confirmed' WHERE id = $1
	`, subscriberID)
	if err != nil {
		return fmt.Errorf("confirm subscriber: %w", err)
	}
	return nil
}

func (r *SubscriptionRepo) ConfirmedSubscribers(ctx context.Context) ([]domain.StoredSubscriber, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, email FROM subscriptions
		WHERE status = 'confirmed'
		ORDER BY subscribed_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list confirmed subscribers: %w", err)
	}
	defer rows.Close()

	var out []domain.StoredSubscriber
	for rows.Next() {
		var s domain.StoredSubscriber
		if err := rows.Scan(&s.ID, &s.Email); err != nil {
			return nil, fmt.Errorf("scan subscriber: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type subscriptionTx struct{ tx *sql.Tx }

func (t *subscriptionTx) InsertSubscriber(ctx context.Context, s *domain.Subscriber) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO subscriptions (id, email, name, subscribed_at, status)
		VALUES ($1, $2, $3, $4, $5)
	`, s.ID, s.Email.String(), s.Name.String(), s.SubscribedAt, string(s.Status))
	if err != nil {
		return fmt.Errorf("insert subscriber: %w", err)
	}
	return nil
}

func (t *subscriptionTx) StoreToken(ctx context.Context, tok domain.ConfirmationToken) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO subscription_tokens (subscription_token, subscriber_id)
		VALUES ($1, $2)
	`, tok.Token, tok.SubscriberID)
	if err != nil {
		return fmt.Errorf("insert subscription token: %w", err)
	}
	return nil
}

func (t *subscriptionTx) EnqueueEmail(ctx context.Context, m *domain.OutboxMessage) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO outbox_messages
			(id, recipient, subject, html_body, text_body, status, next_attempt_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, m.ID, m.Recipient, m.Subject, m.HTMLBody, m.TextBody, string(m.Status), m.NextAttemptAt, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert outbox message: %w", err)
	}
	return nil
}

func (t *subscriptionTx) Commit() error { return t.tx.Commit() }

func (t *subscriptionTx) Rollback() error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}
