package newsletter

import (
	"context"
	"fmt"
	"time"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/email"
	"github.com/ignite/newsletter/internal/pkg/apperr"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/pkg/metrics"
	"github.com/ignite/newsletter/internal/storage"
)

// Authenticator turns an Authorization header into an operator id.
type Authenticator interface {
	Authenticate(ctx context.Context, header string) (domain.UserID, error)
}

// DefaultClaimTTL bounds how long a crashed publish can hold deliveries.
const DefaultClaimTTL = 10 * time.Minute

// Options configures a Service.
type Options struct {
	// Mode is config.DispatchSequential (the default) or config.DispatchPool.
	Mode string
	// Concurrency bounds in-flight sends in pool mode.
	Concurrency int
	// ClaimTTL is how long a pool-mode delivery stays claimed by a publish
	// before another publish of the same issue may take it over.
	ClaimTTL time.Duration
	// Archive may be nil.
	Archive storage.Archiver
	Metrics *metrics.Metrics
}

// Service publishes newsletter issues. It is safe for concurrent use.
type Service struct {
	auth        Authenticator
	subscribers SubscriberSource
	deliveries  DeliveryRepository
	sender      email.Sender
	mode        string
	concurrency int
	claimTTL    time.Duration
	archive     storage.Archiver
	metrics     *metrics.Metrics

	now   func() time.Time
	newID func() string
}

// NewService creates a newsletter service. deliveries is only used in
// pool mode and may be nil in sequential mode.
func NewService(authn Authenticator, subscribers SubscriberSource, deliveries DeliveryRepository, sender email.Sender, opts Options) *Service {
	mode := opts.Mode
	if mode == "" {
		mode = config.DispatchSequential
	}
	concurrency := opts.Concurrency
	if concurrency < 1 {
		concurrency = 1
	}
	claimTTL := opts.ClaimTTL
	if claimTTL <= 0 {
		claimTTL = DefaultClaimTTL
	}
	return &Service{
		auth:        authn,
		subscribers: subscribers,
		deliveries:  deliveries,
		sender:      sender,
		mode:        mode,
		concurrency: concurrency,
		claimTTL:    claimTTL,
		archive:     opts.Archive,
		metrics:     opts.Metrics,
		now:         func() time.Time { return time.Now().UTC() },
		newID:       newUUID,
	}
}

// Publish authenticates the caller, then sends issue to every confirmed
// subscriber whose stored email is still valid. Rows with an invalid email
// are skipped and counted. When any send fails the returned error is
// apperr.Transport wrapping a *DispatchError, and the report is returned
// alongside it.
func (s *Service) Publish(ctx context.Context, issue domain.NewsletterIssue, authHeader, idempotencyKey string) (*Report, error) {
	const op = "newsletter.Publish"

	userID, err := s.auth.Authenticate(ctx, authHeader)
	if err != nil {
		return nil, err
	}
	if err := issue.Validate(); err != nil {
		return nil, apperr.New(apperr.Validation, op, err)
	}

	stored, err := s.subscribers.ConfirmedSubscribers(ctx)
	if err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrLoadSubscribers, err))
	}
	recipients, skipped := s.validRecipients(stored)

	var report *Report
	if s.mode == config.DispatchSequential {
		report, err = s.publishSequential(ctx, issue, recipients)
	} else {
		report, err = s.publishPooled(ctx, issue, userID, idempotencyKey, recipients)
	}
	if report != nil {
		report.Skipped = skipped
	}
	if err != nil {
		return report, err
	}

	logger.Info("newsletter issue published",
		"issue_id", report.IssueID,
		"published_by", string(userID),
		"delivered", report.Delivered,
		"already_delivered", report.AlreadyDelivered,
		"skipped", report.Skipped,
	)
	if report.InProgress == 0 {
		s.archiveIssue(ctx, issue, userID, report)
	}
	return report, nil
}

type recipient struct {
	id    string
	email domain.SubscriberEmail
}

func (s *Service) validRecipients(stored []domain.StoredSubscriber) ([]recipient, int) {
	out := make([]recipient, 0, len(stored))
	skipped := 0
	for _, row := range stored {
		addr, err := domain.ParseSubscriberEmail(row.Email)
		if err != nil {
			skipped++
			s.metrics.IncSkipped()
			logger.Warn("skipping a confirmed subscriber: stored contact details are invalid",
				"subscriber_id", row.ID,
				"error", err,
			)
			continue
		}
		out = append(out, recipient{id: row.ID, email: addr})
	}
	return out, skipped
}

func (s *Service) publishSequential(ctx context.Context, issue domain.NewsletterIssue, recipients []recipient) (*Report, error) {
	report := &Report{Recipients: len(recipients)}
	for _, r := range recipients {
		if err := s.sender.Send(ctx, r.email, issue.Title, issue.Content.HTML, issue.Content.Text); err != nil {
			s.metrics.IncDelivery("failed")
			report.Failures = append(report.Failures, Failure{SubscriberID: r.id, Email: r.email.String(), Error: err.Error()})
			return report, apperr.New(apperr.Transport, "newsletter.Publish", &DispatchError{
				Report: report,
				Err:    fmt.Errorf("%w to %s: %w", ErrSendIssue, r.id, err),
			})
		}
		s.metrics.IncDelivery("delivered")
		report.Delivered++
	}
	return report, nil
}

func (s *Service) archiveIssue(ctx context.Context, issue domain.NewsletterIssue, userID domain.UserID, report *Report) {
	if s.archive == nil {
		return
	}
	doc := storage.ArchivedIssue{
		IssueID:     report.IssueID,
		Issue:       issue,
		PublishedBy: userID,
		PublishedAt: s.now(),
		Delivered:   report.Delivered + report.AlreadyDelivered,
		Skipped:     report.Skipped,
	}
	if err := s.archive.Save(ctx, doc); err != nil {
		logger.Error("newsletter: archive failed", "issue_id", report.IssueID, "error", err)
	}
}
