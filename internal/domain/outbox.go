package domain

import "time"

// OutboxStatus enumerates the states of a queued outbound email.
type OutboxStatus string

const (
	OutboxPending    OutboxStatus = "pending"
	OutboxProcessing OutboxStatus = "processing"
	OutboxSent       OutboxStatus = "sent"
	OutboxDead       OutboxStatus = "dead"
)

// OutboxMessage is an email recorded in the same transaction as the change
// that caused it and delivered later by the relay.
type OutboxMessage struct {
	ID            string       `db:"id"`
	Recipient     string       `db:"recipient"`
	Subject       string       `db:"subject"`
	HTMLBody      string       `db:"html_body"`
	TextBody      string       `db:"text_body"`
	Status        OutboxStatus `db:"status"`
	Attempts      int          `db:"attempts"`
	LastError     string       `db:"last_error"`
	NextAttemptAt time.Time    `db:"next_attempt_at"`
	CreatedAt     time.Time    `db:"created_at"`
}
