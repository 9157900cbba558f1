// Package email delivers messages through an external email gateway.
//
// Two gateways are provided: a Postmark-compatible HTTP API client and an
// AWS SES v2 client. Both report failures as *TransportError.
package email

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/metrics"
)

// Sender sends one email to one recipient.
type Sender interface {
	Send(ctx context.Context, recipient domain.SubscriberEmail, subject, htmlBody, textBody string) error
}

// TransportError is a failed gateway call. StatusCode is zero when no
// response was received.
type TransportError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: gateway returned %d: %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

type instrumented struct {
	next Sender
	m    *metrics.Metrics
}

// WithMetrics records the latency of every call made through next.
func WithMetrics(next Sender, m *metrics.Metrics) Sender {
	if m == nil {
		return next
	}
	return &instrumented{next: next, m: m}
}

func (s *instrumented) Send(ctx context.Context, recipient domain.SubscriberEmail, subject, htmlBody, textBody string) error {
	defer s.m.ObserveSend(time.Now())
	return s.next.Send(ctx, recipient, subject, htmlBody, textBody)
}
