package subscription

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/email"
	"github.com/ignite/newsletter/internal/pkg/apperr"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/pkg/metrics"
	"github.com/ignite/newsletter/internal/templates"
)

// Options configures a Service.
type Options struct {
	// BaseURL is the public origin used to build confirmation links.
	BaseURL string
	// Delivery is config.DeliveryInline (the default) or
	// config.DeliveryOutbox.
	Delivery string
	// StrictConfirm rejects malformed tokens with a validation error and
	// unknown ones with a not-found error. Otherwise both are accepted
	// without any state change.
	StrictConfirm bool
	Metrics       *metrics.Metrics
}

// Service registers and confirms subscribers. It is safe for concurrent use.
type Service struct {
	store    Store
	sender   email.Sender
	renderer *templates.Renderer
	baseURL  string
	delivery string
	strict   bool
	metrics  *metrics.Metrics

	now      func() time.Time
	newToken func() (string, error)
}

// NewService creates a subscription service. sender is only used in
// inline delivery mode and may be nil in outbox mode.
func NewService(store Store, sender email.Sender, renderer *templates.Renderer, opts Options) *Service {
	delivery := opts.Delivery
	if delivery == "" {
		delivery = config.DeliveryInline
	}
	return &Service{
		store:    store,
		sender:   sender,
		renderer: renderer,
		baseURL:  strings.TrimSuffix(opts.BaseURL, "/"),
		delivery: delivery,
		strict:   opts.StrictConfirm,
		metrics:  opts.Metrics,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: NewToken,
	}
}

// Registration is the outcome of a successful Subscribe.
type Registration struct {
	SubscriberID string
	Token        string
}

// Subscribe validates the form fields and atomically records a pending
// subscriber, its confirmation token and the confirmation email.
func (s *Service) Subscribe(ctx context.Context, rawName, rawEmail string) (*Registration, error) {
	const op = "subscription.Subscribe"

	name, err := domain.ParseSubscriberName(rawName)
	if err != nil {
		return nil, apperr.New(apperr.Validation, op, err)
	}
	addr, err := domain.ParseSubscriberEmail(rawEmail)
	if err != nil {
		return nil, apperr.New(apperr.Validation, op, err)
	}

	tx, err := s.store.Begin(ctx)
	if err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrPool, err))
	}
	committed := false
	defer func() {
		if !committed {
			if rbErr := tx.Rollback(); rbErr != nil {
				logger.Warn("subscription: rollback failed", "error", rbErr)
			}
		}
	}()

	sub := &domain.Subscriber{
		ID:           uuid.NewString(),
		Email:        addr,
		Name:         name,
		SubscribedAt: s.now(),
		Status:       domain.SubscriberPending,
	}
	if err := tx.InsertSubscriber(ctx, sub); err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrInsertSubscriber, err))
	}

	token, err := s.newToken()
	if err != nil {
		return nil, apperr.New(apperr.Unexpected, op, err)
	}
	if err := tx.StoreToken(ctx, domain.ConfirmationToken{Token: token, SubscriberID: sub.ID}); err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrStoreToken, err))
	}

	msg, err := s.renderer.Confirmation(name.String(), s.confirmationLink(token))
	if err != nil {
		return nil, apperr.New(apperr.Unexpected, op, err)
	}

	if s.delivery == config.DeliveryInline {
		if err := s.sender.Send(ctx, addr, msg.Subject, msg.HTML, msg.Text); err != nil {
			return nil, apperr.New(apperr.Transport, op, fmt.Errorf("%w: %w", ErrSendEmail, err))
		}
	} else {
		now := s.now()
		out := &domain.OutboxMessage{
			ID:            uuid.NewString(),
			Recipient:     addr.String(),
			Subject:       msg.Subject,
			HTMLBody:      msg.HTML,
			TextBody:      msg.Text,
			Status:        domain.OutboxPending,
			NextAttemptAt: now,
			CreatedAt:     now,
		}
		if err := tx.EnqueueEmail(ctx, out); err != nil {
			return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrEnqueueEmail, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrTransactionCommit, err))
	}
	committed = true

	s.metrics.IncSubscriptionCreated()
	logger.Info("subscriber registered",
		"subscriber_id", sub.ID,
		"email", addr.String(),
		"delivery", s.delivery,
	)
	return &Registration{SubscriberID: sub.ID, Token: token}, nil
}

// Confirm marks the subscriber owning token as confirmed. Confirming twice
// is a no-op. A token that matches no subscriber changes nothing and, unless
// the service is strict, is not an error.
func (s *Service) Confirm(ctx context.Context, token string) error {
	const op = "subscription.Confirm"

	if !ValidToken(token) {
		if s.strict {
			return apperr.New(apperr.Validation, op, ErrMalformedToken)
		}
		s.metrics.IncConfirmationIgnored("malformed")
		logger.Info("confirmation ignored: malformed token")
		return nil
	}

	id, err := s.store.SubscriberIDByToken(ctx, token)
	if errors.Is(err, ErrTokenNotFound) {
		if s.strict {
			return apperr.New(apperr.NotFound, op, ErrUnknownToken)
		}
		s.metrics.IncConfirmationIgnored("unknown")
		logger.Info("confirmation ignored: unknown token")
		return nil
	}
	if err != nil {
		return apperr.New(apperr.Persistence, op, fmt.Errorf("look up token: %w", err))
	}

	if err := s.store.ConfirmSubscriber(ctx, id); err != nil {
		return apperr.New(apperr.Persistence, op, fmt.Errorf("%w: %w", ErrConfirm, err))
	}

	s.metrics.IncSubscriptionConfirmed()
	logger.Info("subscriber confirmed", "subscriber_id", id)
	return nil
}

func (s *Service) confirmationLink(token string) string {
	return s.baseURL + "/subscriptions/confirm?subscription_token=" + url.QueryEscape(token)
}
