package newsletter

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/apperr"
	"github.com/ignite/newsletter/internal/pkg/logger"
)

func newUUID() string { return uuid.NewString() }

func (s *Service) publishPooled(ctx context.Context, issue domain.NewsletterIssue, userID domain.UserID, key string, recipients []recipient) (*Report, error) {
	const op = "newsletter.Publish"

	// Without a client key every publish is a new issue.
	if key == "" {
		key = s.newID()
	}
	rec, err := s.deliveries.CreateIssue(ctx, &domain.IssueRecord{
		ID:             s.newID(),
		IdempotencyKey: key,
		Issue:          issue,
		PublishedBy:    userID,
		CreatedAt:      s.now(),
	})
	if err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrRecordIssue, err))
	}
	if rec.Issue != issue {
		return nil, apperr.New(apperr.Validation, op, ErrIssueConflict)
	}

	rows := make([]domain.StoredSubscriber, len(recipients))
	for i, r := range recipients {
		rows[i] = domain.StoredSubscriber{ID: r.id, Email: r.email.String()}
	}
	if err := s.deliveries.AddDeliveries(ctx, rec.ID, rows); err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrRecordDelivery, err))
	}

	now := s.now()
	pending, err := s.deliveries.ClaimDeliveries(ctx, rec.ID, now, now.Add(-s.claimTTL))
	if err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrRecordDelivery, err))
	}
	counts, err := s.deliveries.DeliveryCounts(ctx, rec.ID)
	if err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrRecordDelivery, err))
	}

	report := &Report{
		IssueID:          rec.ID,
		Recipients:       counts.Total,
		AlreadyDelivered: counts.Delivered,
		InProgress:       max(counts.Sending-len(pending), 0),
	}
	if counts.Delivered > 0 || report.InProgress > 0 {
		logger.Info("resuming newsletter issue",
			"issue_id", rec.ID,
			"already_delivered", counts.Delivered,
			"in_progress", report.InProgress,
			"claimed", len(pending),
		)
	}

	// Outcomes are recorded even if the request is cancelled mid-batch.
	recordCtx := context.WithoutCancel(ctx)

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.concurrency)
	for _, d := range pending {
		d := d
		g.Go(func() error {
			sendErr := s.deliver(ctx, issue, d)

			status, lastErr := domain.DeliveryDelivered, ""
			if sendErr != nil {
				status, lastErr = domain.DeliveryFailed, sendErr.Error()
			}
			if err := s.deliveries.RecordOutcome(recordCtx, rec.ID, d.SubscriberID, status, lastErr); err != nil {
				logger.Error("newsletter: record delivery outcome failed",
					"issue_id", rec.ID,
					"subscriber_id", d.SubscriberID,
					"status", string(status),
					"error", err,
				)
			}

			mu.Lock()
			defer mu.Unlock()
			if sendErr != nil {
				s.metrics.IncDelivery("failed")
				report.Failures = append(report.Failures, Failure{SubscriberID: d.SubscriberID, Email: d.Email, Error: lastErr})
			} else {
				s.metrics.IncDelivery("delivered")
				report.Delivered++
			}
			return nil
		})
	}
	g.Wait()

	if len(report.Failures) > 0 {
		sort.Slice(report.Failures, func(i, j int) bool {
			return report.Failures[i].SubscriberID < report.Failures[j].SubscriberID
		})
		logger.Warn("newsletter issue partially delivered",
			"issue_id", rec.ID,
			"delivered", report.Delivered,
			"failed", report.Failed(),
		)
		return report, apperr.New(apperr.Transport, op, &DispatchError{
			Report: report,
			Err:    fmt.Errorf("%w: %d deliveries failed", ErrSendIssue, report.Failed()),
		})
	}
	return report, nil
}

func (s *Service) deliver(ctx context.Context, issue domain.NewsletterIssue, d domain.Delivery) error {
	addr, err := domain.ParseSubscriberEmail(d.Email)
	if err != nil {
		return err
	}
	return s.sender.Send(ctx, addr, issue.Title, issue.Content.HTML, issue.Content.Text)
}
