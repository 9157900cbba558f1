package subscription

import "errors"

// Sentinel errors for the subscription service layer.
var (
	ErrPool              = errors.New("failed to acquire a connection from the pool")
	ErrInsertSubscriber  = errors.New("failed to insert new subscriber in the database")
	ErrStoreToken        = errors.New("failed to store the confirmation token for a new subscriber")
	ErrEnqueueEmail      = errors.New("failed to enqueue the confirmation email")
	ErrSendEmail         = errors.New("failed to send a confirmation email")
	ErrTransactionCommit = errors.New("failed to commit SQL transaction to store a new subscriber")

	ErrMalformedToken = errors.New("subscription token must be 25 alphanumeric characters")
	ErrUnknownToken   = errors.New("no subscriber is associated with the provided token")
	ErrConfirm        = errors.New("failed to mark subscriber as confirmed")
)

// ErrTokenNotFound is returned by Store.SubscriberIDByToken.
var ErrTokenNotFound = errors.New("subscription token not found")
