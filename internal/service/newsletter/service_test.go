package newsletter

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/apperr"
	"github.com/ignite/newsletter/internal/storage"
)

var sampleIssue = domain.NewsletterIssue{
	Title:   "Issue 42",
	Content: domain.IssueContent{HTML: "<p>Hello</p>", Text: "Hello"},
}

type fakeAuth struct{ err error }

func (f fakeAuth) Authenticate(context.Context, string) (domain.UserID, error) {
	if f.err != nil {
		return "", f.err
	}
	return "op-1", nil
}

type fakeSubscribers struct {
	rows  []domain.StoredSubscriber
	err   error
	calls int
}

func (f *fakeSubscribers) ConfirmedSubscribers(context.Context) ([]domain.StoredSubscriber, error) {
	f.calls++
	return f.rows, f.err
}

// mockDeliveries is an in-memory DeliveryRepository.
type mockDeliveries struct {
	mu         sync.Mutex
	issues     map[string]*domain.IssueRecord
	deliveries map[string]map[string]*domain.Delivery
}

func newMockDeliveries() *mockDeliveries {
	return &mockDeliveries{issues: map[string]*domain.IssueRecord{}, deliveries: map[string]map[string]*domain.Delivery{}}
}

func (m *mockDeliveries) CreateIssue(_ context.Context, rec *domain.IssueRecord) (*domain.IssueRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.issues[rec.IdempotencyKey]; ok {
		return existing, nil
	}
	m.issues[rec.IdempotencyKey] = rec
	m.deliveries[rec.ID] = map[string]*domain.Delivery{}
	return rec, nil
}

func (m *mockDeliveries) AddDeliveries(_ context.Context, issueID string, rows []domain.StoredSubscriber) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		if _, ok := m.deliveries[issueID][r.ID]; !ok {
			m.deliveries[issueID][r.ID] = &domain.Delivery{IssueID: issueID, SubscriberID: r.ID, Email: r.Email, Status: domain.DeliveryPending}
		}
	}
	return nil
}

func (m *mockDeliveries) ClaimDeliveries(_ context.Context, issueID string, now, staleBefore time.Time) ([]domain.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Delivery
	for _, d := range m.deliveries[issueID] {
		sendable := d.Status == domain.DeliveryPending || d.Status == domain.DeliveryFailed
		if !sendable && !(d.Status == domain.DeliverySending && d.ClaimedAt.Before(staleBefore)) {
			continue
		}
		d.Status = domain.DeliverySending
		d.ClaimedAt = now
		out = append(out, *d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubscriberID < out[j].SubscriberID })
	return out, nil
}

func (m *mockDeliveries) DeliveryCounts(_ context.Context, issueID string) (domain.DeliveryCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var c domain.DeliveryCounts
	for _, d := range m.deliveries[issueID] {
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

func (m *mockDeliveries) RecordOutcome(_ context.Context, issueID, subscriberID string, status domain.DeliveryStatus, lastErr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := m.deliveries[issueID][subscriberID]
	d.Status = status
	d.LastError = lastErr
	d.Attempts++
	return nil
}

// mockSender fails for any recipient listed in failFor.
type mockSender struct {
	mu       sync.Mutex
	sent     []domain.SubscriberEmail
	failFor  map[domain.SubscriberEmail]bool
	delay    time.Duration
	inFlight int32
	maxSeen  int32
}

func (m *mockSender) Send(_ context.Context, to domain.SubscriberEmail, _, _, _ string) error {
	n := atomic.AddInt32(&m.inFlight, 1)
	defer atomic.AddInt32(&m.inFlight, -1)
	for {
		seen := atomic.LoadInt32(&m.maxSeen)
		if n <= seen || atomic.CompareAndSwapInt32(&m.maxSeen, seen, n) {
			break
		}
	}
	if m.delay > 0 {
		time.Sleep(m.delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failFor[to] {
		return errors.New("gateway returned 500")
	}
	m.sent = append(m.sent, to)
	return nil
}

func (m *mockSender) sentTo() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, e := range m.sent {
		out[i] = e.String()
	}
	sort.Strings(out)
	return out
}

type fakeArchive struct {
	saved []storage.ArchivedIssue
	err   error
}

func (f *fakeArchive) Save(_ context.Context, a storage.ArchivedIssue) error {
	f.saved = append(f.saved, a)
	return f.err
}

func confirmed(n int) []domain.StoredSubscriber {
	rows := make([]domain.StoredSubscriber, n)
	for i := range rows {
		rows[i] = domain.StoredSubscriber{ID: fmt.Sprintf("sub-%02d", i), Email: fmt.Sprintf("reader%02d@example.com", i)}
	}
	return rows
}

func TestPublish_AuthFailureShortCircuits(t *testing.T) {
	subs := &fakeSubscribers{rows: confirmed(2)}
	sender := &mockSender{}
	authErr := apperr.New(apperr.Auth, "auth", errors.New("invalid password"))
	svc := NewService(fakeAuth{err: authErr}, subs, newMockDeliveries(), sender, Options{})

	_, err := svc.Publish(context.Background(), sampleIssue, "Basic x", "")
	require.Error(t, err)
	assert.Equal(t, apperr.Auth, apperr.KindOf(err))
	assert.Zero(t, subs.calls)
	assert.Empty(t, sender.sentTo())
}

func TestPublish_InvalidIssue(t *testing.T) {
	subs := &fakeSubscribers{rows: confirmed(2)}
	svc := NewService(fakeAuth{}, subs, newMockDeliveries(), &mockSender{}, Options{})

	bad := sampleIssue
	bad.Content.Text = ""
	_, err := svc.Publish(context.Background(), bad, "h", "")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
	assert.Zero(t, subs.calls)
}

func TestPublish_LoadFailure(t *testing.T) {
	subs := &fakeSubscribers{err: errors.New("connection reset")}
	svc := NewService(fakeAuth{}, subs, newMockDeliveries(), &mockSender{}, Options{})

	_, err := svc.Publish(context.Background(), sampleIssue, "h", "")
	assert.Equal(t, apperr.Persistence, apperr.KindOf(err))
	assert.ErrorIs(t, err, ErrLoadSubscribers)
}

func TestPublish_SkipsInvalidStoredEmails(t *testing.T) {
	for _, mode := range []string{config.DispatchSequential, config.DispatchPool} {
		t.Run(mode, func(t *testing.T) {
			rows := append(confirmed(2), domain.StoredSubscriber{ID: "sub-bad", Email: "not-an-email"})
			sender := &mockSender{}
			svc := NewService(fakeAuth{}, &fakeSubscribers{rows: rows}, newMockDeliveries(), sender, Options{Mode: mode, Concurrency: 2})

			report, err := svc.Publish(context.Background(), sampleIssue, "h", "")
			require.NoError(t, err)
			assert.Equal(t, 1, report.Skipped)
			assert.Equal(t, 2, report.Delivered)
			assert.Equal(t, []string{"reader00@example.com", "reader01@example.com"}, sender.sentTo())
		})
	}
}

func TestPublish_NoConfirmedSubscribers(t *testing.T) {
	sender := &mockSender{}
	svc := NewService(fakeAuth{}, &fakeSubscribers{}, newMockDeliveries(), sender, Options{})

	report, err := svc.Publish(context.Background(), sampleIssue, "h", "")
	require.NoError(t, err)
	assert.Zero(t, report.Recipients)
	assert.Empty(t, sender.sentTo())
}

func TestPublishSequential_AbortsOnFirstFailure(t *testing.T) {
	rows := confirmed(4)
	sender := &mockSender{failFor: map[domain.SubscriberEmail]bool{"reader01@example.com": true}}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: rows}, nil, sender, Options{Mode: config.DispatchSequential})

	report, err := svc.Publish(context.Background(), sampleIssue, "h", "")
	require.Error(t, err)
	assert.Equal(t, apperr.Transport, apperr.KindOf(err))
	assert.ErrorIs(t, err, ErrSendIssue)

	var dErr *DispatchError
	require.ErrorAs(t, err, &dErr)
	assert.Same(t, report, dErr.Report)
	assert.Equal(t, 1, report.Delivered)
	require.Len(t, report.Failures, 1)
	assert.Equal(t, "sub-01", report.Failures[0].SubscriberID)
	assert.Equal(t, []string{"reader00@example.com"}, sender.sentTo())
}

func TestPublishPool_PartialFailureThenResume(t *testing.T) {
	rows := confirmed(6)
	deliveries := newMockDeliveries()
	sender := &mockSender{failFor: map[domain.SubscriberEmail]bool{
		"reader02@example.com": true,
		"reader04@example.com": true,
	}}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: rows}, deliveries, sender, Options{Mode: config.DispatchPool, Concurrency: 3})

	report, err := svc.Publish(context.Background(), sampleIssue, "h", "key-1")
	require.Error(t, err)
	assert.Equal(t, apperr.Transport, apperr.KindOf(err))
	assert.Equal(t, 6, report.Recipients)
	assert.Equal(t, 4, report.Delivered)
	require.Len(t, report.Failures, 2)
	assert.Equal(t, "sub-02", report.Failures[0].SubscriberID)
	assert.Equal(t, "sub-04", report.Failures[1].SubscriberID)

	// The gateway recovers; a retry with the same key only reaches the two
	// recipients that failed.
	sender.mu.Lock()
	sender.failFor = nil
	sender.sent = nil
	sender.mu.Unlock()

	report, err = svc.Publish(context.Background(), sampleIssue, "h", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 4, report.AlreadyDelivered)
	assert.Equal(t, 2, report.Delivered)
	assert.Equal(t, []string{"reader02@example.com", "reader04@example.com"}, sender.sentTo())

	// Nothing left to send.
	sender.mu.Lock()
	sender.sent = nil
	sender.mu.Unlock()
	report, err = svc.Publish(context.Background(), sampleIssue, "h", "key-1")
	require.NoError(t, err)
	assert.Equal(t, 6, report.AlreadyDelivered)
	assert.Empty(t, sender.sentTo())
}

func TestPublish_DefaultsToSequential(t *testing.T) {
	rows := confirmed(3)
	sender := &mockSender{failFor: map[domain.SubscriberEmail]bool{"reader00@example.com": true}}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: rows}, nil, sender, Options{})

	report, err := svc.Publish(context.Background(), sampleIssue, "h", "")
	require.Error(t, err)
	assert.Empty(t, report.IssueID)
	assert.Zero(t, report.Delivered)
	assert.Empty(t, sender.sentTo())

	// A second run sends again; nothing is remembered between publishes.
	sender.mu.Lock()
	sender.failFor = nil
	sender.mu.Unlock()
	for i := 0; i < 2; i++ {
		report, err = svc.Publish(context.Background(), sampleIssue, "h", "")
		require.NoError(t, err)
		assert.Equal(t, 3, report.Delivered)
	}
	assert.Len(t, sender.sentTo(), 6)
}

func TestPublishPool_WithoutKeyEachPublishIsNewIssue(t *testing.T) {
	deliveries := newMockDeliveries()
	sender := &mockSender{}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: confirmed(1)}, deliveries, sender, Options{Mode: config.DispatchPool})

	first, err := svc.Publish(context.Background(), sampleIssue, "h", "")
	require.NoError(t, err)
	second, err := svc.Publish(context.Background(), sampleIssue, "h", "")
	require.NoError(t, err)

	assert.NotEqual(t, first.IssueID, second.IssueID)
	assert.Equal(t, 1, second.Delivered)
	assert.Len(t, sender.sentTo(), 2)
	assert.Len(t, deliveries.issues, 2)
}

// blockingSender holds every send until release is closed.
type blockingSender struct {
	started chan struct{}
	release chan struct{}
	sends   atomic.Int32
}

func (b *blockingSender) Send(context.Context, domain.SubscriberEmail, string, string, string) error {
	b.sends.Add(1)
	b.started <- struct{}{}
	<-b.release
	return nil
}

func TestPublishPool_ConcurrentPublishSendsOnce(t *testing.T) {
	deliveries := newMockDeliveries()
	sender := &blockingSender{started: make(chan struct{}, 4), release: make(chan struct{})}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: confirmed(1)}, deliveries, sender, Options{Mode: config.DispatchPool})
	ctx := context.Background()

	firstDone := make(chan *Report, 1)
	go func() {
		report, err := svc.Publish(ctx, sampleIssue, "h", "k1")
		assert.NoError(t, err)
		firstDone <- report
	}()
	<-sender.started

	// The first publish holds the only delivery; the second finds nothing
	// to claim and reports it as in progress.
	second, err := svc.Publish(ctx, sampleIssue, "h", "k1")
	require.NoError(t, err)
	assert.Zero(t, second.Delivered)
	assert.Equal(t, 1, second.InProgress)

	close(sender.release)
	first := <-firstDone
	assert.Equal(t, 1, first.Delivered)
	assert.Equal(t, int32(1), sender.sends.Load())
}

func TestPublishPool_ReclaimsStaleDeliveries(t *testing.T) {
	deliveries := newMockDeliveries()
	sender := &mockSender{}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: confirmed(2)}, deliveries, sender, Options{Mode: config.DispatchPool, ClaimTTL: time.Minute})
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return base }

	// A publish that crashed after claiming leaves rows in sending.
	rec, err := deliveries.CreateIssue(context.Background(), &domain.IssueRecord{ID: "issue-1", IdempotencyKey: "k", Issue: sampleIssue})
	require.NoError(t, err)
	require.NoError(t, deliveries.AddDeliveries(context.Background(), rec.ID, confirmed(2)))
	_, err = deliveries.ClaimDeliveries(context.Background(), rec.ID, base, base)
	require.NoError(t, err)

	report, err := svc.Publish(context.Background(), sampleIssue, "h", "k")
	require.NoError(t, err)
	assert.Equal(t, 2, report.InProgress)
	assert.Empty(t, sender.sentTo())

	svc.now = func() time.Time { return base.Add(2 * time.Minute) }
	report, err = svc.Publish(context.Background(), sampleIssue, "h", "k")
	require.NoError(t, err)
	assert.Equal(t, 2, report.Delivered)
	assert.Zero(t, report.InProgress)
}

func TestPublishPool_KeyReusedForDifferentIssue(t *testing.T) {
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: confirmed(1)}, newMockDeliveries(), &mockSender{}, Options{Mode: config.DispatchPool})

	_, err := svc.Publish(context.Background(), sampleIssue, "h", "k")
	require.NoError(t, err)

	other := sampleIssue
	other.Title = "Another"
	_, err = svc.Publish(context.Background(), other, "h", "k")
	assert.ErrorIs(t, err, ErrIssueConflict)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))
}

func TestPublishPool_BoundedConcurrency(t *testing.T) {
	sender := &mockSender{delay: 10 * time.Millisecond}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: confirmed(20)}, newMockDeliveries(), sender, Options{Mode: config.DispatchPool, Concurrency: 4})

	report, err := svc.Publish(context.Background(), sampleIssue, "h", "")
	require.NoError(t, err)
	assert.Equal(t, 20, report.Delivered)
	assert.LessOrEqual(t, atomic.LoadInt32(&sender.maxSeen), int32(4))
}

func TestPublish_ArchivesOnlyOnSuccess(t *testing.T) {
	archive := &fakeArchive{}
	sender := &mockSender{failFor: map[domain.SubscriberEmail]bool{"reader00@example.com": true}}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: confirmed(2)}, newMockDeliveries(), sender, Options{Mode: config.DispatchPool, Archive: archive})

	_, err := svc.Publish(context.Background(), sampleIssue, "h", "k")
	require.Error(t, err)
	assert.Empty(t, archive.saved)

	sender.mu.Lock()
	sender.failFor = nil
	sender.mu.Unlock()
	report, err := svc.Publish(context.Background(), sampleIssue, "h", "k")
	require.NoError(t, err)
	require.Len(t, archive.saved, 1)
	assert.Equal(t, report.IssueID, archive.saved[0].IssueID)
	assert.Equal(t, 2, archive.saved[0].Delivered)
	assert.Equal(t, domain.UserID("op-1"), archive.saved[0].PublishedBy)
}

func TestPublish_ArchiveFailureIsNotFatal(t *testing.T) {
	archive := &fakeArchive{err: errors.New("bucket missing")}
	svc := NewService(fakeAuth{}, &fakeSubscribers{rows: confirmed(1)}, newMockDeliveries(), &mockSender{}, Options{Archive: archive})

	_, err := svc.Publish(context.Background(), sampleIssue, "h", "")
	assert.NoError(t, err)
	assert.Len(t, archive.saved, 1)
}
