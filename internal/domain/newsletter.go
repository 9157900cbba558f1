package domain

import "time"

// NewsletterIssue is the body of a publish request. It is not persisted in
// sequential dispatch mode.
type NewsletterIssue struct {
	Title   string       `json:"title"`
	Content IssueContent `json:"content"`
}

// IssueContent carries both renderings of an issue.
type IssueContent struct {
	HTML string `json:"html"`
	Text string `json:"text"`
}

// Validate checks that every part of the issue is present.
func (i NewsletterIssue) Validate() error {
	switch {
	case i.Title == "":
		return invalid("title", "must not be empty")
	case i.Content.HTML == "":
		return invalid("content.html", "must not be empty")
	case i.Content.Text == "":
		return invalid("content.text", "must not be empty")
	}
	return nil
}

// IssueRecord is a persisted issue used to resume a partially delivered
// batch.
type IssueRecord struct {
	ID             string          `json:"id" db:"id"`
	IdempotencyKey string          `json:"idempotency_key" db:"idempotency_key"`
	Issue          NewsletterIssue `json:"issue"`
	PublishedBy    UserID          `json:"published_by" db:"published_by"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
}

// DeliveryStatus enumerates the per-recipient outcomes of a pooled dispatch.
type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliverySending   DeliveryStatus = "sending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Delivery tracks one recipient of one issue.
type Delivery struct {
	IssueID      string         `db:"issue_id"`
	SubscriberID string         `db:"subscriber_id"`
	Email        string         `db:"email"`
	Status       DeliveryStatus `db:"status"`
	Attempts     int            `db:"attempts"`
	LastError    string         `db:"last_error"`
	ClaimedAt    time.Time      `db:"claimed_at"`
}

// DeliveryCounts summarises the deliveries of one issue.
type DeliveryCounts struct {
	Total     int
	Delivered int
	Sending   int
}
