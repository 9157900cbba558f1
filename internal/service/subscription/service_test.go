package subscription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/apperr"
	"github.com/ignite/newsletter/internal/templates"
)

// mockStore is an in-memory store whose writes only become visible on
// Commit. Each fail* field injects an error at that step.
type mockStore struct {
	mu          sync.Mutex
	subscribers map[string]*domain.Subscriber
	tokens      map[string]string
	outbox      []*domain.OutboxMessage

	failBegin, failInsert, failToken, failEnqueue, failCommit error
	failLookup, failConfirm                                   error
	rollbacks                                                 int
}

func newMockStore() *mockStore {
	return &mockStore{subscribers: map[string]*domain.Subscriber{}, tokens: map[string]string{}}
}

func (m *mockStore) Begin(context.Context) (Tx, error) {
	if m.failBegin != nil {
		return nil, m.failBegin
	}
	return &mockTx{store: m}, nil
}

func (m *mockStore) SubscriberIDByToken(_ context.Context, token string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failLookup != nil {
		return "", m.failLookup
	}
	id, ok := m.tokens[token]
	if !ok {
		return "", ErrTokenNotFound
	}
	return id, nil
}

func (m *mockStore) ConfirmSubscriber(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failConfirm != nil {
		return m.failConfirm
	}
	if s, ok := m.subscribers[id]; ok {
		s.Status = domain.SubscriberConfirmed
	}
	return nil
}

type mockTx struct {
	store  *mockStore
	subs   []*domain.Subscriber
	tokens []domain.ConfirmationToken
	outbox []*domain.OutboxMessage
	done   bool
}

func (t *mockTx) InsertSubscriber(_ context.Context, s *domain.Subscriber) error {
	if t.store.failInsert != nil {
		return t.store.failInsert
	}
	t.subs = append(t.subs, s)
	return nil
}

func (t *mockTx) StoreToken(_ context.Context, tok domain.ConfirmationToken) error {
	if t.store.failToken != nil {
		return t.store.failToken
	}
	t.tokens = append(t.tokens, tok)
	return nil
}

func (t *mockTx) EnqueueEmail(_ context.Context, msg *domain.OutboxMessage) error {
	if t.store.failEnqueue != nil {
		return t.store.failEnqueue
	}
	t.outbox = append(t.outbox, msg)
	return nil
}

func (t *mockTx) Commit() error {
	if t.store.failCommit != nil {
		return t.store.failCommit
	}
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, s := range t.subs {
		t.store.subscribers[s.ID] = s
	}
	for _, tok := range t.tokens {
		t.store.tokens[tok.Token] = tok.SubscriberID
	}
	t.store.outbox = append(t.store.outbox, t.outbox...)
	t.done = true
	return nil
}

func (t *mockTx) Rollback() error {
	if t.done {
		return nil
	}
	t.store.mu.Lock()
	t.store.rollbacks++
	t.store.mu.Unlock()
	t.done = true
	return nil
}

type sentEmail struct {
	to                  domain.SubscriberEmail
	subject, html, text string
}

type mockSender struct {
	mu   sync.Mutex
	sent []sentEmail
	err  error
}

func (m *mockSender) Send(_ context.Context, to domain.SubscriberEmail, subject, html, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.sent = append(m.sent, sentEmail{to, subject, html, text})
	return nil
}

func newTestService(t *testing.T, store Store, sender *mockSender, delivery string) *Service {
	t.Helper()
	r, err := templates.New()
	require.NoError(t, err)
	return NewService(store, sender, r, Options{BaseURL: "http://127.0.0.1:8000/", Delivery: delivery})
}

func TestSubscribe_OutboxMode(t *testing.T) {
	store := newMockStore()
	sender := &mockSender{}
	svc := newTestService(t, store, sender, config.DeliveryOutbox)

	reg, err := svc.Subscribe(context.Background(), "Ursula", "ursula@example.com")
	require.NoError(t, err)

	require.Len(t, store.subscribers, 1)
	sub := store.subscribers[reg.SubscriberID]
	assert.Equal(t, domain.SubscriberPending, sub.Status)
	assert.Equal(t, domain.SubscriberEmail("ursula@example.com"), sub.Email)
	assert.Equal(t, reg.SubscriberID, store.tokens[reg.Token])
	assert.True(t, ValidToken(reg.Token))

	assert.Empty(t, sender.sent, "outbox mode must not call the gateway")
	require.Len(t, store.outbox, 1)
	msg := store.outbox[0]
	assert.Equal(t, "ursula@example.com", msg.Recipient)
	assert.Equal(t, domain.OutboxPending, msg.Status)
	assert.Contains(t, msg.TextBody, "http://127.0.0.1:8000/subscriptions/confirm?subscription_token="+reg.Token)
}

func TestSubscribe_InlineMode(t *testing.T) {
	store := newMockStore()
	sender := &mockSender{}
	svc := newTestService(t, store, sender, config.DeliveryInline)

	reg, err := svc.Subscribe(context.Background(), "Ursula", "ursula@example.com")
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	got := sender.sent[0]
	assert.Equal(t, domain.SubscriberEmail("ursula@example.com"), got.to)
	assert.Equal(t, "Welcome!", got.subject)

	link := "http://127.0.0.1:8000/subscriptions/confirm?subscription_token=" + reg.Token
	assert.Contains(t, got.html, `href="`+link+`"`)
	assert.Contains(t, got.text, link)
	assert.Empty(t, store.outbox)
}

func TestSubscribe_InlineSendFailureRollsBack(t *testing.T) {
	store := newMockStore()
	sender := &mockSender{err: errors.New("gateway down")}
	svc := newTestService(t, store, sender, config.DeliveryInline)

	_, err := svc.Subscribe(context.Background(), "Ursula", "ursula@example.com")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSendEmail)
	assert.Equal(t, apperr.Transport, apperr.KindOf(err))

	assert.Empty(t, store.subscribers)
	assert.Empty(t, store.tokens)
	assert.Equal(t, 1, store.rollbacks)
}

func TestSubscribe_InvalidInputHasNoSideEffects(t *testing.T) {
	cases := map[string][2]string{
		"empty name":     {"", "ursula@example.com"},
		"blank name":     {"   ", "ursula@example.com"},
		"forbidden char": {"Ursula{}", "ursula@example.com"},
		"long name":      {strings.Repeat("a", 257), "ursula@example.com"},
		"empty email":    {"Ursula", ""},
		"bad email":      {"Ursula", "definitely-not-an-email"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			store := newMockStore()
			sender := &mockSender{}
			svc := newTestService(t, store, sender, config.DeliveryInline)

			_, err := svc.Subscribe(context.Background(), in[0], in[1])
			require.Error(t, err)
			assert.Equal(t, apperr.Validation, apperr.KindOf(err))
			assert.Empty(t, store.subscribers)
			assert.Empty(t, sender.sent)
		})
	}
}

func TestSubscribe_PersistenceFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name   string
		inject func(*mockStore)
		want   error
	}{
		{"begin", func(m *mockStore) { m.failBegin = boom }, ErrPool},
		{"insert", func(m *mockStore) { m.failInsert = boom }, ErrInsertSubscriber},
		{"token", func(m *mockStore) { m.failToken = boom }, ErrStoreToken},
		{"enqueue", func(m *mockStore) { m.failEnqueue = boom }, ErrEnqueueEmail},
		{"commit", func(m *mockStore) { m.failCommit = boom }, ErrTransactionCommit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMockStore()
			tt.inject(store)
			svc := newTestService(t, store, &mockSender{}, config.DeliveryOutbox)

			_, err := svc.Subscribe(context.Background(), "Ursula", "ursula@example.com")
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.ErrorIs(t, err, boom)
			assert.Equal(t, apperr.Persistence, apperr.KindOf(err))
			assert.Empty(t, store.subscribers)
		})
	}
}

func TestSubscribe_DuplicateEmailsAreIndependent(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &mockSender{}, config.DeliveryOutbox)

	a, err := svc.Subscribe(context.Background(), "Ursula", "ursula@example.com")
	require.NoError(t, err)
	b, err := svc.Subscribe(context.Background(), "Ursula", "ursula@example.com")
	require.NoError(t, err)

	assert.NotEqual(t, a.SubscriberID, b.SubscriberID)
	assert.NotEqual(t, a.Token, b.Token)
	assert.Len(t, store.subscribers, 2)
}

func TestConfirm(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &mockSender{}, config.DeliveryOutbox)
	ctx := context.Background()

	reg, err := svc.Subscribe(ctx, "Ursula", "ursula@example.com")
	require.NoError(t, err)

	require.NoError(t, svc.Confirm(ctx, reg.Token))
	assert.Equal(t, domain.SubscriberConfirmed, store.subscribers[reg.SubscriberID].Status)

	// Following the link again is harmless.
	require.NoError(t, svc.Confirm(ctx, reg.Token))
	assert.Equal(t, domain.SubscriberConfirmed, store.subscribers[reg.SubscriberID].Status)
}

func TestConfirm_UnmatchedTokensChangeNothing(t *testing.T) {
	store := newMockStore()
	svc := newTestService(t, store, &mockSender{}, config.DeliveryOutbox)
	ctx := context.Background()

	reg, err := svc.Subscribe(ctx, "Ursula", "ursula@example.com")
	require.NoError(t, err)

	for _, token := range []string{"", "short", "abcdefghijklmnopqrstuvwx!", "abcdefghijklmnopqrstuvwxy"} {
		assert.NoError(t, svc.Confirm(ctx, token), "token %q", token)
	}
	assert.Equal(t, domain.SubscriberPending, store.subscribers[reg.SubscriberID].Status)

	store.failLookup = errors.New("db down")
	err = svc.Confirm(ctx, "abcdefghijklmnopqrstuvwxy")
	assert.Equal(t, apperr.Persistence, apperr.KindOf(err))
}

func TestConfirm_Strict(t *testing.T) {
	r, err := templates.New()
	require.NoError(t, err)
	svc := NewService(newMockStore(), &mockSender{}, r, Options{BaseURL: "http://127.0.0.1:8000", StrictConfirm: true})
	ctx := context.Background()

	err = svc.Confirm(ctx, "")
	assert.ErrorIs(t, err, ErrMalformedToken)
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	err = svc.Confirm(ctx, "abcdefghijklmnopqrstuvwx!")
	assert.Equal(t, apperr.Validation, apperr.KindOf(err))

	err = svc.Confirm(ctx, "abcdefghijklmnopqrstuvwxy")
	assert.ErrorIs(t, err, ErrUnknownToken)
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestNewService_DefaultsToInlineDelivery(t *testing.T) {
	store := newMockStore()
	sender := &mockSender{}
	r, err := templates.New()
	require.NoError(t, err)
	svc := NewService(store, sender, r, Options{BaseURL: "http://127.0.0.1:8000"})

	_, err = svc.Subscribe(context.Background(), "Ursula", "ursula@example.com")
	require.NoError(t, err)
	assert.Len(t, sender.sent, 1)
	assert.Empty(t, store.outbox)
}

func TestNewToken(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		tok, err := NewToken()
		require.NoError(t, err)
		assert.Len(t, tok, TokenLength)
		assert.True(t, ValidToken(tok))
		assert.False(t, seen[tok])
		seen[tok] = true
	}
}
