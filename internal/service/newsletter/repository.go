package newsletter

import (
	"context"
	"time"

	"github.com/ignite/newsletter/internal/domain"
)

// SubscriberSource lists publish recipients.
type SubscriberSource interface {
	// ConfirmedSubscribers returns every subscriber whose status is
	// confirmed, with the email exactly as stored.
	ConfirmedSubscribers(ctx context.Context) ([]domain.StoredSubscriber, error)
}

// DeliveryRepository persists issues and per-recipient outcomes for pooled
// dispatch.
type DeliveryRepository interface {
	// CreateIssue inserts rec unless an issue with the same idempotency key
	// exists, and returns the stored record either way.
	CreateIssue(ctx context.Context, rec *domain.IssueRecord) (*domain.IssueRecord, error)

	// AddDeliveries inserts a pending delivery for each recipient that has
	// none for this issue yet.
	AddDeliveries(ctx context.Context, issueID string, recipients []domain.StoredSubscriber) error

	// ClaimDeliveries atomically moves the issue's pending and failed
	// deliveries, plus sending ones claimed before staleBefore, to sending
	// and returns them. A row is returned to at most one concurrent caller.
	ClaimDeliveries(ctx context.Context, issueID string, now, staleBefore time.Time) ([]domain.Delivery, error)

	// DeliveryCounts returns the issue's delivery totals by status.
	DeliveryCounts(ctx context.Context, issueID string) (domain.DeliveryCounts, error)

	// RecordOutcome stores the result of one send attempt and increments
	// its attempt counter.
	RecordOutcome(ctx context.Context, issueID, subscriberID string, status domain.DeliveryStatus, lastError string) error
}
