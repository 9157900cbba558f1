package newsletter

import "errors"

// Sentinel errors for the newsletter service layer.
var (
	ErrLoadSubscribers = errors.New("failed to retrieve confirmed subscribers")
	ErrRecordIssue     = errors.New("failed to record newsletter issue")
	ErrRecordDelivery  = errors.New("failed to record newsletter deliveries")
	ErrSendIssue       = errors.New("failed to send newsletter issue")
	ErrIssueConflict   = errors.New("idempotency key was already used for a different issue")
)
