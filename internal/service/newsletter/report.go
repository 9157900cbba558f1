package newsletter

import "fmt"

// Failure is one recipient that could not be reached.
type Failure struct {
	SubscriberID string `json:"subscriber_id"`
	Email        string `json:"-"`
	Error        string `json:"error"`
}

// Report summarises a publish. In sequential mode IssueID is empty and
// Failures holds at most the recipient that aborted the run. InProgress
// counts recipients held by a concurrent publish of the same issue.
type Report struct {
	IssueID          string    `json:"issue_id,omitempty"`
	Recipients       int       `json:"recipients"`
	Delivered        int       `json:"delivered"`
	AlreadyDelivered int       `json:"already_delivered"`
	InProgress       int       `json:"in_progress"`
	Skipped          int       `json:"skipped"`
	Failures         []Failure `json:"failures,omitempty"`
}

// Failed is the number of recipients that could not be reached.
func (r *Report) Failed() int { return len(r.Failures) }

// DispatchError is returned when at least one send failed. It carries the
// report so callers can see who was reached.
type DispatchError struct {
	Report *Report
	Err    error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%d of %d recipients failed: %v", e.Report.Failed(), e.Report.Recipients, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }
