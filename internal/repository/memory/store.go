// Package memory is an in-process implementation of every repository
// contract. It backs local runs without PostgreSQL and the HTTP scenario
// tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/service/auth"
	"github.com/ignite/newsletter/internal/service/subscription"
)

// Store holds all state behind one mutex.
type Store struct {
	mu sync.RWMutex

	subscribers []domain.Subscriber
	tokens      map[string]string
	users       map[string]domain.Credential
	outbox      []outboxRow
	issues      map[string]domain.IssueRecord
	deliveries  map[string][]domain.Delivery
}

type outboxRow struct {
	domain.OutboxMessage
	claimedAt time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		tokens:     make(map[string]string),
		users:      make(map[string]domain.Credential),
		issues:     make(map[string]domain.IssueRecord),
		deliveries: make(map[string][]domain.Delivery),
	}
}

// Subscribers returns a copy of every stored subscriber.
func (s *Store) Subscribers() []domain.Subscriber {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]domain.Subscriber(nil), s.subscribers...)
}

// TokenFor returns the confirmation token stored for subscriberID.
func (s *Store) TokenFor(subscriberID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for tok, id := range s.tokens {
		if id == subscriberID {
			return tok, true
		}
	}
	return "", false
}

// Outbox returns a copy of every outbox message.
func (s *Store) Outbox() []domain.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OutboxMessage, len(s.outbox))
	for i, r := range s.outbox {
		out[i] = r.OutboxMessage
	}
	return out
}

// Subscriptions

func (s *Store) Begin(ctx context.Context) (subscription.Tx, error) {
	return &tx{store: s, tokens: make(map[string]string)}, nil
}

func (s *Store) SubscriberIDByToken(ctx context.Context, token string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.tokens[token]
	if !ok {
		return "", subscription.ErrTokenNotFound
	}
	return id, nil
}

func (s *Store) ConfirmSubscriber(ctx context.Context, subscriberID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.subscribers {
		if s.subscribers[i].ID == subscriberID {
			s.subscribers[i].Status = domain.SubscriberConfirmed
		}
	}
	return nil
}

func (s *Store) ConfirmedSubscribers(ctx context.Context) ([]domain.StoredSubscriber, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.StoredSubscriber
	for _, sub := range s.subscribers {
		if sub.Status == domain.SubscriberConfirmed {
			out = append(out, domain.StoredSubscriber{ID: sub.ID, Email: sub.Email.String()})
		}
	}
	return out, nil
}

// tx buffers writes until Commit.
type tx struct {
	store       *Store
	subscribers []domain.Subscriber
	tokens      map[string]string
	outbox      []outboxRow
	done        bool
}

func (t *tx) InsertSubscriber(ctx context.Context, s *domain.Subscriber) error {
	t.subscribers = append(t.subscribers, *s)
	return nil
}

func (t *tx) StoreToken(ctx context.Context, tok domain.ConfirmationToken) error {
	t.tokens[tok.Token] = tok.SubscriberID
	return nil
}

func (t *tx) EnqueueEmail(ctx context.Context, m *domain.OutboxMessage) error {
	t.outbox = append(t.outbox, outboxRow{OutboxMessage: *m})
	return nil
}

func (t *tx) Commit() error {
	if t.done {
		return nil
	}
	t.done = true
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, t.subscribers...)
	for k, v := range t.tokens {
		s.tokens[k] = v
	}
	s.outbox = append(s.outbox, t.outbox...)
	return nil
}

func (t *tx) Rollback() error {
	t.done = true
	return nil
}

// Credentials

func (s *Store) GetByUsername(ctx context.Context, username string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.users[username]
	if !ok {
		return nil, auth.ErrNotFound
	}
	return &c, nil
}

func (s *Store) UpsertOperator(ctx context.Context, username, passwordHash string) (domain.UserID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.users[username]
	if !ok {
		c = domain.Credential{UserID: domain.UserID(uuid.NewString()), Username: username}
	}
	c.PasswordHash = passwordHash
	s.users[username] = c
	return c.UserID, nil
}

// Deliveries

func (s *Store) CreateIssue(ctx context.Context, rec *domain.IssueRecord) (*domain.IssueRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.issues[rec.IdempotencyKey]; ok {
		return &existing, nil
	}
	s.issues[rec.IdempotencyKey] = *rec
	out := *rec
	return &out, nil
}

func (s *Store) AddDeliveries(ctx context.Context, issueID string, recipients []domain.StoredSubscriber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	have := make(map[string]bool, len(s.deliveries[issueID]))
	for _, d := range s.deliveries[issueID] {
		have[d.SubscriberID] = true
	}
	for _, r := range recipients {
		if have[r.ID] {
			continue
		}
		have[r.ID] = true
		s.deliveries[issueID] = append(s.deliveries[issueID], domain.Delivery{
			IssueID: issueID, SubscriberID: r.ID, Email: r.Email, Status: domain.DeliveryPending,
		})
	}
	return nil
}

func (s *Store) ClaimDeliveries(ctx context.Context, issueID string, now, staleBefore time.Time) ([]domain.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.deliveries[issueID]
	var out []domain.Delivery
	for i := range rows {
		d := &rows[i]
		switch {
		case d.Status == domain.DeliveryPending, d.Status == domain.DeliveryFailed:
		case d.Status == domain.DeliverySending && d.ClaimedAt.Before(staleBefore):
		default:
			continue
		}
		d.Status = domain.DeliverySending
		d.ClaimedAt = now
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out, nil
}

func (s *Store) DeliveryCounts(ctx context.Context, issueID string) (domain.DeliveryCounts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var c domain.DeliveryCounts
	for _, d := range s.deliveries[issueID] {
		c.Total++
		switch d.Status {
		case domain.DeliveryDelivered:
			c.Delivered++
		case domain.DeliverySending:
			c.Sending++
		}
	}
	return c, nil
}

func (s *Store) RecordOutcome(ctx context.Context, issueID, subscriberID string, status domain.DeliveryStatus, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.deliveries[issueID]
	for i := range rows {
		if rows[i].SubscriberID == subscriberID {
			rows[i].Status = status
			rows[i].LastError = lastError
			rows[i].ClaimedAt = time.Time{}
			rows[i].Attempts++
		}
	}
	return nil
}

// Outbox

func (s *Store) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []int
	for i, r := range s.outbox {
		if r.Status == domain.OutboxPending && !r.NextAttemptAt.After(now) {
			due = append(due, i)
		}
	}
	sort.SliceStable(due, func(a, b int) bool {
		return s.outbox[due[a]].NextAttemptAt.Before(s.outbox[due[b]].NextAttemptAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]domain.OutboxMessage, 0, len(due))
	for _, i := range due {
		s.outbox[i].Status = domain.OutboxProcessing
		s.outbox[i].claimedAt = now
		out = append(out, s.outbox[i].OutboxMessage)
	}
	return out, nil
}

func (s *Store) MarkSent(ctx context.Context, id string, at time.Time) error {
	return s.updateOutbox(id, func(r *outboxRow) {
		r.Status = domain.OutboxSent
		r.Attempts++
		r.LastError = ""
	})
}

func (s *Store) MarkRetry(ctx context.Context, id, lastError string, next time.Time) error {
	return s.updateOutbox(id, func(r *outboxRow) {
		r.Status = domain.OutboxPending
		r.Attempts++
		r.LastError = lastError
		r.NextAttemptAt = next
		r.claimedAt = time.Time{}
	})
}

func (s *Store) MarkDead(ctx context.Context, id, lastError string) error {
	return s.updateOutbox(id, func(r *outboxRow) {
		r.Status = domain.OutboxDead
		r.Attempts++
		r.LastError = lastError
	})
}

func (s *Store) RequeueStale(ctx context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i := range s.outbox {
		r := &s.outbox[i]
		if r.Status == domain.OutboxProcessing && r.claimedAt.Before(cutoff) {
			r.Status = domain.OutboxPending
			r.claimedAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *Store) Unclaim(ctx context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.outbox {
		r := &s.outbox[i]
		if want[r.ID] && r.Status == domain.OutboxProcessing {
			r.Status = domain.OutboxPending
			r.claimedAt = time.Time{}
		}
	}
	return nil
}

func (s *Store) updateOutbox(id string, fn func(*outboxRow)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.outbox {
		if s.outbox[i].ID == id {
			fn(&s.outbox[i])
		}
	}
	return nil
}
