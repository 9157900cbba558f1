// Package worker runs background jobs. The outbox relay delivers
// confirmation emails queued by the subscription service.
package worker

import (
	"context"
	"errors"
	"time"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/email"
	"github.com/ignite/newsletter/internal/pkg/distlock"
	"github.com/ignite/newsletter/internal/pkg/httpretry"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/pkg/metrics"
)

const (
	// DefaultPollInterval is how often the relay looks for due messages.
	DefaultPollInterval = 5 * time.Second

	// DefaultStaleAge is how long a row may stay in processing before it
	// is considered abandoned by a crashed relay.
	DefaultStaleAge = 5 * time.Minute

	DefaultBatchSize   = 50
	DefaultMaxAttempts = 8
)

// OutboxStore is the relay's view of the outbox table.
type OutboxStore interface {
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error)
	MarkSent(ctx context.Context, id string, at time.Time) error
	MarkRetry(ctx context.Context, id, lastError string, next time.Time) error
	MarkDead(ctx context.Context, id, lastError string) error
	RequeueStale(ctx context.Context, cutoff time.Time) (int64, error)
	Unclaim(ctx context.Context, ids []string) error
}

// RelayConfig tunes an OutboxRelay. Zero fields take the defaults.
type RelayConfig struct {
	PollInterval time.Duration
	StaleAge     time.Duration
	BatchSize    int
	MaxAttempts  int
	RetryBase    time.Duration
	RetryMax     time.Duration
	// LockTTL is the expiry of a TTL-based relay lock. The relay extends
	// it while a batch runs.
	LockTTL time.Duration
}

// RelayConfigFrom converts the outbox config section.
func RelayConfigFrom(c config.OutboxConfig) RelayConfig {
	return RelayConfig{
		PollInterval: c.PollInterval(),
		BatchSize:    c.BatchSize,
		MaxAttempts:  c.MaxAttempts,
		RetryBase:    c.RetryBase(),
		RetryMax:     c.RetryMax(),
		LockTTL:      2*c.PollInterval() + time.Minute,
	}
}

func (c RelayConfig) withDefaults() RelayConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.StaleAge <= 0 {
		c.StaleAge = DefaultStaleAge
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.RetryBase <= 0 {
		c.RetryBase = 10 * time.Second
	}
	if c.RetryMax < c.RetryBase {
		c.RetryMax = time.Hour
	}
	if c.LockTTL <= 0 {
		c.LockTTL = 2*c.PollInterval + time.Minute
	}
	return c
}

// TickResult summarizes one relay pass.
type TickResult struct {
	Requeued int64
	Claimed  int
	Sent     int
	Retried  int
	Dead     int
	// Unclaimed rows were returned to pending without an attempt because
	// the batch ran out of time or lost its lock.
	Unclaimed int
}

// OutboxRelay claims due outbox rows and sends them. Only the holder of
// lock does work in a given tick, so several relays may run side by side.
type OutboxRelay struct {
	store   OutboxStore
	sender  email.Sender
	lock    distlock.Locker
	cfg     RelayConfig
	metrics *metrics.Metrics

	now     func() time.Time
	backoff func(attempt int) time.Duration
}

// NewOutboxRelay creates a relay. m may be nil.
func NewOutboxRelay(store OutboxStore, sender email.Sender, lock distlock.Locker, cfg RelayConfig, m *metrics.Metrics) *OutboxRelay {
	cfg = cfg.withDefaults()
	return &OutboxRelay{
		store:   store,
		sender:  sender,
		lock:    lock,
		cfg:     cfg,
		metrics: m,
		now:     func() time.Time { return time.Now().UTC() },
		backoff: func(attempt int) time.Duration {
			return httpretry.Backoff(attempt, cfg.RetryBase, cfg.RetryMax)
		},
	}
}

// Start runs the relay loop until ctx is cancelled.
func (r *OutboxRelay) Start(ctx context.Context) {
	logger.Info("outbox relay starting",
		"poll_interval", r.cfg.PollInterval.String(),
		"batch_size", r.cfg.BatchSize,
		"max_attempts", r.cfg.MaxAttempts,
	)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := r.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("outbox relay tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			logger.Info("outbox relay stopping")
			return
		case <-ticker.C:
		}
	}
}

// Tick performs one pass: requeue abandoned rows, claim a batch, send it.
// It returns a zero result when another relay holds the lock.
func (r *OutboxRelay) Tick(ctx context.Context) (TickResult, error) {
	var res TickResult

	ok, err := r.lock.TryAcquire(ctx)
	if err != nil {
		return res, err
	}
	if !ok {
		logger.Debug("outbox relay: lock held elsewhere, skipping tick")
		return res, nil
	}
	defer func() {
		if err := r.lock.Release(context.WithoutCancel(ctx)); err != nil {
			logger.Warn("outbox relay: release lock", "error", err)
		}
	}()

	now := r.now()
	res.Requeued, err = r.store.RequeueStale(ctx, now.Add(-r.cfg.StaleAge))
	if err != nil {
		return res, err
	}
	if res.Requeued > 0 {
		logger.Warn("outbox relay: requeued abandoned messages", "count", res.Requeued)
	}

	batch, err := r.store.ClaimDue(ctx, now, r.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	res.Claimed = len(batch)

	// A batch stops before its rows can be requeued as stale, and as soon
	// as the lock is lost. Rows not yet attempted go back to pending.
	batchCtx, stopKeepAlive := r.keepAlive(ctx)
	defer stopKeepAlive()
	budget := r.cfg.StaleAge / 2
	for i, msg := range batch {
		if batchCtx.Err() != nil || r.now().Sub(now) >= budget {
			res.Unclaimed = r.unclaim(ctx, batch[i:])
			break
		}
		// The current row is finished even if shutdown starts mid-send.
		switch r.process(context.WithoutCancel(ctx), msg) {
		case domain.OutboxSent:
			res.Sent++
		case domain.OutboxDead:
			res.Dead++
		default:
			res.Retried++
		}
	}
	if res.Claimed > 0 {
		logger.Info("outbox relay batch processed",
			"claimed", res.Claimed, "sent", res.Sent, "retried", res.Retried,
			"dead", res.Dead, "unclaimed", res.Unclaimed)
	}
	return res, nil
}

// keepAlive extends the lock every third of its TTL until the returned
// stop func runs. The returned context is cancelled when ctx is, or when an
// extension fails.
func (r *OutboxRelay) keepAlive(ctx context.Context) (context.Context, func()) {
	batchCtx, cancel := context.WithCancel(ctx)
	ext, ok := r.lock.(distlock.Extender)
	if !ok {
		return batchCtx, cancel
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cfg.LockTTL / 3)
		defer ticker.Stop()
		for {
			select {
			case <-batchCtx.Done():
				return
			case <-ticker.C:
				if err := ext.Extend(batchCtx, r.cfg.LockTTL); err != nil {
					if batchCtx.Err() == nil {
						logger.Warn("outbox relay: lock lost mid-batch", "error", err)
					}
					cancel()
					return
				}
			}
		}
	}()
	return batchCtx, func() {
		cancel()
		<-done
	}
}

func (r *OutboxRelay) unclaim(ctx context.Context, rest []domain.OutboxMessage) int {
	ids := make([]string, len(rest))
	for i, m := range rest {
		ids[i] = m.ID
	}
	if err := r.store.Unclaim(context.WithoutCancel(ctx), ids); err != nil {
		logger.Error("outbox relay: unclaim", "count", len(ids), "error", err)
		return 0
	}
	logger.Warn("outbox relay: batch cut short, rows returned to pending", "count", len(ids))
	return len(ids)
}

func (r *OutboxRelay) process(ctx context.Context, msg domain.OutboxMessage) domain.OutboxStatus {
	recipient, err := domain.ParseSubscriberEmail(msg.Recipient)
	if err != nil {
		r.dead(ctx, msg, err)
		return domain.OutboxDead
	}

	sendErr := r.sender.Send(ctx, recipient, msg.Subject, msg.HTMLBody, msg.TextBody)
	if sendErr == nil {
		if err := r.store.MarkSent(ctx, msg.ID, r.now()); err != nil {
			logger.Error("outbox relay: mark sent", "message_id", msg.ID, "error", err)
		}
		r.metrics.IncOutbox("sent")
		return domain.OutboxSent
	}

	attempt := msg.Attempts + 1
	if attempt >= r.cfg.MaxAttempts {
		r.dead(ctx, msg, sendErr)
		return domain.OutboxDead
	}

	next := r.now().Add(r.backoff(attempt))
	if err := r.store.MarkRetry(ctx, msg.ID, sendErr.Error(), next); err != nil {
		logger.Error("outbox relay: reschedule", "message_id", msg.ID, "error", err)
	}
	r.metrics.IncOutbox("retry")
	logger.Warn("outbox relay: send failed, rescheduled",
		"message_id", msg.ID,
		"attempt", attempt,
		"next_attempt_at", next.Format(time.RFC3339),
		"error", sendErr,
	)
	return domain.OutboxPending
}

func (r *OutboxRelay) dead(ctx context.Context, msg domain.OutboxMessage, cause error) {
	if err := r.store.MarkDead(ctx, msg.ID, cause.Error()); err != nil {
		logger.Error("outbox relay: dead-letter", "message_id", msg.ID, "error", err)
	}
	r.metrics.IncOutbox("dead")
	logger.Error("outbox relay: message dead-lettered",
		"message_id", msg.ID,
		"recipient", msg.Recipient,
		"attempts", msg.Attempts+1,
		"error", cause,
	)
}
