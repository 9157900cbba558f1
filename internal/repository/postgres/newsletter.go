package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/newsletter/internal/domain"
)

// DeliveryRepo implements newsletter.DeliveryRepository against PostgreSQL.
type DeliveryRepo struct{ db *sql.DB }

// NewDeliveryRepo creates a Postgres-backed delivery repository.
func NewDeliveryRepo(db *sql.DB) *DeliveryRepo { return &DeliveryRepo{db: db} }

func (r *DeliveryRepo) CreateIssue(ctx context.Context, rec *domain.IssueRecord) (*domain.IssueRecord, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletter_issues
			(id, idempotency_key, title, html_content, text_content, published_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (idempotency_key) DO NOTHING
	`, rec.ID, rec.IdempotencyKey, rec.Issue.Title, rec.Issue.Content.HTML, rec.Issue.Content.Text,
		string(rec.PublishedBy), rec.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("insert issue: %w", err)
	}

	out := &domain.IssueRecord{}
	err = r.db.QueryRowContext(ctx, `
		SELECT id, idempotency_key, title, html_content, text_content, published_by, created_at
		FROM newsletter_issues WHERE idempotency_key = $1
	`, rec.IdempotencyKey).Scan(
		&out.ID, &out.IdempotencyKey, &out.Issue.Title, &out.Issue.Content.HTML, &out.Issue.Content.Text,
		&out.PublishedBy, &out.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("get issue: %w", err)
	}
	return out, nil
}

func (r *DeliveryRepo) AddDeliveries(ctx context.Context, issueID string, recipients []domain.StoredSubscriber) error {
	if len(recipients) == 0 {
		return nil
	}
	ids := make([]string, len(recipients))
	emails := make([]string, len(recipients))
	for i, s := range recipients {
		ids[i], emails[i] = s.ID, s.Email
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO newsletter_deliveries (issue_id, subscriber_id, email)
		SELECT $1, s.id, s.email FROM unnest($2::uuid[], $3::text[]) AS s(id, email)
		ON CONFLICT (issue_id, subscriber_id) DO NOTHING
	`, issueID, pq.Array(ids), pq.Array(emails))
	if err != nil {
		return fmt.Errorf("insert deliveries: %w", err)
	}
	return nil
}

// ClaimDeliveries claims the issue's sendable rows with FOR UPDATE SKIP
// LOCKED so concurrent publishes of one issue never share a recipient.
func (r *DeliveryRepo) ClaimDeliveries(ctx context.Context, issueID string, now, staleBefore time.Time) ([]domain.Delivery, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE newsletter_deliveries d
		SET status = 'sending', claimed_at = $2, updated_at = $2
		WHERE (d.issue_id, d.subscriber_id) IN (
			SELECT issue_id, subscriber_id
			FROM newsletter_deliveries
			WHERE issue_id = $1
			  AND (status IN ('pending', 'failed')
			       OR (status = 'sending' AND claimed_at < $3))
			FOR UPDATE SKIP LOCKED
		)
		RETURNING d.issue_id, d.subscriber_id, d.email, d.status, d.attempts,
		          COALESCE(d.last_error, ''), d.claimed_at
	`, issueID, now, staleBefore)
	if err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	defer rows.Close()

	var out []domain.Delivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.IssueID, &d.SubscriberID, &d.Email, &d.Status, &d.Attempts, &d.LastError, &d.ClaimedAt); err != nil {
			return nil, fmt.Errorf("scan delivery: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim deliveries: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out, nil
}

func (r *DeliveryRepo) DeliveryCounts(ctx context.Context, issueID string) (domain.DeliveryCounts, error) {
	var c domain.DeliveryCounts
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'delivered'),
		       COUNT(*) FILTER (WHERE status = 'sending')
		FROM newsletter_deliveries WHERE issue_id = $1
	`, issueID).Scan(&c.Total, &c.Delivered, &c.Sending)
	if err != nil {
		return domain.DeliveryCounts{}, fmt.Errorf("count deliveries: %w", err)
	}
	return c, nil
}

func (r *DeliveryRepo) RecordOutcome(ctx context.Context, issueID, subscriberID string, status domain.DeliveryStatus, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE newsletter_deliveries
		SET status = $3, last_error = NULLIF($4, ''), attempts = attempts + 1,
		    claimed_at = NULL, updated_at = NOW()
		WHERE issue_id = $1 AND subscriber_id = $2
	`, issueID, subscriberID, string(status), lastError)
	if err != nil {
		return fmt.Errorf("record delivery outcome: %w", err)
	}
	return nil
}
