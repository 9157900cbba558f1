// Package newsletter publishes an issue to every confirmed subscriber.
//
// Two dispatch modes exist. Sequential sends one email at a time and stops
// at the first gateway failure, keeping no record of who was reached.
// Pool records the issue under an idempotency key and tracks a delivery
// row per recipient, sends through a bounded worker pool and reports
// per-recipient outcomes; publishing again with the same key only
// contacts recipients that were not yet delivered.
package newsletter
