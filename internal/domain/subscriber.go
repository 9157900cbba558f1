package domain

import "time"

// SubscriberStatus enumerates the states a subscriber can be in. The only
// transition is pending_confirmation -> confirmed.
type SubscriberStatus string

const (
	SubscriberPending   SubscriberStatus = "pending_confirmation"
	SubscriberConfirmed SubscriberStatus = "confirmed"
)

// Subscriber represents a single mailing-list registration.
type Subscriber struct {
	ID           string           `json:"id" db:"id"`
	Email        SubscriberEmail  `json:"email" db:"email"`
	Name         SubscriberName   `json:"name" db:"name"`
	SubscribedAt time.Time        `json:"subscribed_at" db:"subscribed_at"`
	Status       SubscriberStatus `json:"status" db:"status"`
}

// ConfirmationToken links an opaque token to the subscriber it confirms.
type ConfirmationToken struct {
	Token        string `json:"-" db:"subscription_token"`
	SubscriberID string `json:"subscriber_id" db:"subscriber_id"`
}

// StoredSubscriber is a subscriber row as read back from storage. The email
// is kept raw because rows may predate the current validation rules.
type StoredSubscriber struct {
	ID    string `db:"id"`
	Email string `db:"email"`
}
