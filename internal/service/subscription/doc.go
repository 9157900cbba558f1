// Package subscription implements the double opt-in flow: recording a
// pending subscriber with a confirmation token and sending the welcome
// email, then confirming the subscriber when the link is followed.
//
// Depending on configuration the confirmation email is either sent inside
// the registration transaction (a send failure rolls the registration
// back) or written to the outbox in the same transaction for the relay to
// deliver.
package subscription
