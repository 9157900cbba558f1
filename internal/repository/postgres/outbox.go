package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/newsletter/internal/domain"
)

// OutboxRepo implements worker.OutboxStore against PostgreSQL.
type OutboxRepo struct{ db *sql.DB }

// NewOutboxRepo creates a Postgres-backed outbox repository.
func NewOutboxRepo(db *sql.DB) *OutboxRepo { return &OutboxRepo{db: db} }

// ClaimDue moves up to limit due pending rows to processing and returns
// them. Rows locked by a concurrent relay are skipped.
func (r *OutboxRepo) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		UPDATE outbox_messages
		SET status = 'processing', claimed_at = $1
		WHERE id IN (
			SELECT id FROM outbox_messages
			WHERE status = 'pending' AND next_attempt_at <= $1
			ORDER BY next_attempt_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, recipient, subject, html_body, text_body, status, attempts,
		          COALESCE(last_error, ''), next_attempt_at, created_at
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("claim outbox messages: %w", err)
	}
	defer rows.Close()

	var out []domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		if err := rows.Scan(&m.ID, &m.Recipient, &m.Subject, &m.HTMLBody, &m.TextBody, &m.Status,
			&m.Attempts, &m.LastError, &m.NextAttemptAt, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *OutboxRepo) MarkSent(ctx context.Context, id string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'sent', attempts = attempts + 1, sent_at = $2, last_error = NULL
		WHERE id = $1
	`, id, at)
	if err != nil {
		return fmt.Errorf("mark outbox message sent: %w", err)
	}
	return nil
}

func (r *OutboxRepo) MarkRetry(ctx context.Context, id, lastError string, next time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', attempts = attempts + 1, last_error = $2,
		    next_attempt_at = $3, claimed_at = NULL
		WHERE id = $1
	`, id, lastError, next)
	if err != nil {
		return fmt.Errorf("reschedule outbox message: %w", err)
	}
	return nil
}

func (r *OutboxRepo) MarkDead(ctx context.Context, id, lastError string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'dead', attempts = attempts + 1, last_error = $2
		WHERE id = $1
	`, id, lastError)
	if err != nil {
		return fmt.Errorf("dead-letter outbox message: %w", err)
	}
	return nil
}

// RequeueStale returns rows left in processing since before cutoff, by a
// relay that died mid-batch, to pending.
func (r *OutboxRepo) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages: %w", err)
	}
	return res.RowsAffected()
}

// Unclaim returns rows the relay claimed but did not attempt to pending
// without counting an attempt.
func (r *OutboxRepo) Unclaim(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = 'pending', claimed_at = NULL
		WHERE id = ANY($1::uuid[]) AND status = 'processing'
	`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("unclaim outbox messages: %w", err)
	}
	return nil
}
