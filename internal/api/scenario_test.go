package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"regexp"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/repository/memory"
	"github.com/ignite/newsletter/internal/service/auth"
	"github.com/ignite/newsletter/internal/service/newsletter"
	"github.com/ignite/newsletter/internal/service/subscription"
	"github.com/ignite/newsletter/internal/templates"
)

var scenarioParams = auth.Params{MemoryKiB: 1024, Iterations: 1, Parallelism: 1, SaltLength: 16, KeyLength: 32}

type sentEmail struct {
	to, subject, html, text string
}

type captureSender struct {
	mu   sync.Mutex
	sent []sentEmail
	fail map[string]bool
}

func (c *captureSender) Send(_ context.Context, to domain.SubscriberEmail, subject, html, text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail[to.String()] {
		return errors.New("gateway returned 500")
	}
	c.sent = append(c.sent, sentEmail{to.String(), subject, html, text})
	return nil
}

func (c *captureSender) to(addr string) []sentEmail {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []sentEmail
	for _, e := range c.sent {
		if e.to == addr {
			out = append(out, e)
		}
	}
	return out
}

type app struct {
	store  *memory.Store
	sender *captureSender
	router http.Handler
	user   string
	pass   string
}

func newApp(t *testing.T, dispatch string) *app {
	t.Helper()
	store := memory.NewStore()
	sender := &captureSender{fail: map[string]bool{}}
	renderer, err := templates.New()
	require.NoError(t, err)

	hasher := auth.NewHasher(scenarioParams)
	hash, err := hasher.Hash("everythinghastostartsomewhere")
	require.NoError(t, err)
	_, err = store.UpsertOperator(context.Background(), "admin", hash)
	require.NoError(t, err)

	subs := subscription.NewService(store, sender, renderer, subscription.Options{
		BaseURL:  "http://127.0.0.1:8000",
		Delivery: config.DeliveryInline,
	})
	news := newsletter.NewService(auth.NewValidator(store, hasher, nil), store, store, sender, newsletter.Options{
		Mode:        dispatch,
		Concurrency: 4,
	})

	return &app{
		store:  store,
		sender: sender,
		router: NewRouter(Deps{Subscriptions: subs, Newsletters: news, Realm: "publish"}),
		user:   "admin",
		pass:   "everythinghastostartsomewhere",
	}
}

func (a *app) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *app) subscribe(t *testing.T, name, addr string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"name": {name}, "email": {addr}}
	req := httptest.NewRequest(http.MethodPost, "/subscriptions", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return a.do(t, req)
}

var linkRe = regexp.MustCompile(`https?://[^\s"<>]+`)

func (a *app) confirmLink(t *testing.T, addr string) string {
	t.Helper()
	mails := a.sender.to(addr)
	require.NotEmpty(t, mails)
	last := mails[len(mails)-1]
	textLink := linkRe.FindString(last.text)
	htmlLink := linkRe.FindString(last.html)
	require.NotEmpty(t, textLink)
	assert.Equal(t, textLink, htmlLink)
	return textLink
}

func (a *app) publish(t *testing.T, user, pass, key string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/newsletters", strings.NewReader(issueJSON))
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(user+":"+pass)))
	}
	if key != "" {
		req.Header.Set("Idempotency-Key", key)
	}
	return a.do(t, req)
}

func TestScenario_SubscribeConfirmPublish(t *testing.T) {
	a := newApp(t, config.DispatchPool)

	rec := a.subscribe(t, "le guin", "ursula_le_guin@gmail.com")
	require.Equal(t, http.StatusOK, rec.Code)

	subs := a.store.Subscribers()
	require.Len(t, subs, 1)
	assert.Equal(t, "le guin", subs[0].Name.String())
	assert.Equal(t, domain.SubscriberPending, subs[0].Status)

	link := a.confirmLink(t, "ursula_le_guin@gmail.com")
	u, err := url.Parse(link)
	require.NoError(t, err)
	assert.Equal(t, "/subscriptions/confirm", u.Path)
	assert.Len(t, u.Query().Get("subscription_token"), subscription.TokenLength)

	rec = a.do(t, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SubscriberConfirmed, a.store.Subscribers()[0].Status)

	// A second click is harmless.
	rec = a.do(t, httptest.NewRequest(http.MethodGet, u.RequestURI(), nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.publish(t, a.user, a.pass, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var report newsletter.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Delivered)

	issues := a.sender.to("ursula_le_guin@gmail.com")
	require.Len(t, issues, 2)
	assert.Equal(t, "Newsletter title", issues[1].subject)
}

func TestScenario_PublishSkipsUnconfirmed(t *testing.T) {
	for _, mode := range []string{config.DispatchSequential, config.DispatchPool} {
		t.Run(mode, func(t *testing.T) {
			a := newApp(t, mode)
			require.Equal(t, http.StatusOK, a.subscribe(t, "le guin", "ursula_le_guin@gmail.com").Code)

			rec := a.publish(t, a.user, a.pass, "")
			assert.Equal(t, http.StatusOK, rec.Code)
			// Only the confirmation email went out.
			assert.Len(t, a.sender.to("ursula_le_guin@gmail.com"), 1)
		})
	}
}

func TestScenario_InvalidSubscriptionPersistsNothing(t *testing.T) {
	cases := map[string][2]string{
		"empty name":    {"", "ursula_le_guin@gmail.com"},
		"empty email":   {"Ursula", ""},
		"invalid email": {"Ursula", "definitely-not-an-email"},
		"bad name char": {"Urs{ula}", "ursula_le_guin@gmail.com"},
	}
	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			a := newApp(t, config.DispatchPool)
			rec := a.subscribe(t, in[0], in[1])
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Empty(t, a.store.Subscribers())
			assert.Empty(t, a.sender.sent)
		})
	}
}

func TestScenario_ConfirmUnmatchedTokens(t *testing.T) {
	a := newApp(t, config.DispatchSequential)
	require.Equal(t, http.StatusOK, a.subscribe(t, "le guin", "ursula_le_guin@gmail.com").Code)

	for _, token := range []string{"short", strings.Repeat("a", subscription.TokenLength)} {
		rec := a.do(t, httptest.NewRequest(http.MethodGet, "/subscriptions/confirm?subscription_token="+token, nil))
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("WWW-Authenticate"))
	}
	assert.Equal(t, domain.SubscriberPending, a.store.Subscribers()[0].Status)

	// Nothing was confirmed, so nothing is published.
	rec := a.publish(t, a.user, a.pass, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, a.sender.sent, 1)
}

func TestScenario_PublishRejectsBadCredentials(t *testing.T) {
	a := newApp(t, config.DispatchPool)

	cases := []struct {
		name, user, pass string
	}{
		{"no header", "", ""},
		{"unknown user", "nobody", a.pass},
		{"wrong password", a.user, "not-the-password"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := a.publish(t, tc.user, tc.pass, "")
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Equal(t, `Basic realm="publish"`, rec.Header().Get("WWW-Authenticate"))
		})
	}
	assert.Empty(t, a.sender.sent)
}

func TestScenario_RetriedPublishResumes(t *testing.T) {
	a := newApp(t, config.DispatchPool)
	ctx := context.Background()
	for _, addr := range []string{"a@example.com", "b@example.com"} {
		require.Equal(t, http.StatusOK, a.subscribe(t, "reader", addr).Code)
		id := ""
		for _, s := range a.store.Subscribers() {
			if s.Email.String() == addr {
				id = s.ID
			}
		}
		require.NoError(t, a.store.ConfirmSubscriber(ctx, id))
	}

	a.sender.mu.Lock()
	a.sender.fail["b@example.com"] = true
	a.sender.mu.Unlock()

	rec := a.publish(t, a.user, a.pass, "issue-1")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Len(t, a.sender.to("a@example.com"), 2)

	a.sender.mu.Lock()
	delete(a.sender.fail, "b@example.com")
	a.sender.mu.Unlock()

	rec = a.publish(t, a.user, a.pass, "issue-1")
	require.Equal(t, http.StatusOK, rec.Code)
	var report newsletter.Report
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	assert.Equal(t, 1, report.Delivered)
	assert.Equal(t, 1, report.AlreadyDelivered)

	// a@ was not sent the issue twice.
	assert.Len(t, a.sender.to("a@example.com"), 2)
	assert.Len(t, a.sender.to("b@example.com"), 2)
}
