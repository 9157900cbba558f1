package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/apperr"
	"github.com/ignite/newsletter/internal/pkg/httputil"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/service/auth"
	"github.com/ignite/newsletter/internal/service/newsletter"
	"github.com/ignite/newsletter/internal/service/subscription"
)

// Subscriber is implemented by *subscription.Service.
type Subscriber interface {
	Subscribe(ctx context.Context, rawName, rawEmail string) (*subscription.Registration, error)
	Confirm(ctx context.Context, token string) error
}

// Publisher is implemented by *newsletter.Service.
type Publisher interface {
	Publish(ctx context.Context, issue domain.NewsletterIssue, authHeader, idempotencyKey string) (*newsletter.Report, error)
}

type handlers struct {
	subs  Subscriber
	news  Publisher
	realm string
}

// healthCheck answers liveness probes with an empty 200.
func healthCheck(w http.ResponseWriter, _ *http.Request) {
	httputil.Empty(w, http.StatusOK)
}

// POST /subscriptions, form fields name and email.
func (h *handlers) subscribe(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		httputil.BadRequest(w, "invalid form body")
		return
	}
	if !r.PostForm.Has("name") || !r.PostForm.Has("email") {
		httputil.BadRequest(w, "name and email are required")
		return
	}

	reg, err := h.subs.Subscribe(r.Context(), r.PostForm.Get("name"), r.PostForm.Get("email"))
	if err != nil {
		httputil.WriteError(w, r, "", err)
		return
	}
	logger.Debug("subscription created", "subscriber_id", reg.SubscriberID)
	httputil.Empty(w, http.StatusOK)
}

// GET /subscriptions/confirm?subscription_token=...
func (h *handlers) confirm(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if !q.Has("subscription_token") {
		httputil.BadRequest(w, "subscription_token is required")
		return
	}
	if err := h.subs.Confirm(r.Context(), q.Get("subscription_token")); err != nil {
		httputil.WriteError(w, r, "", err)
		return
	}
	httputil.Empty(w, http.StatusOK)
}

type publishRequest struct {
	Title   string `json:"title"`
	Content struct {
		HTML string `json:"html"`
		Text string `json:"text"`
	} `json:"content"`
}

// POST /newsletters, Basic auth, optional Idempotency-Key header.
func (h *handlers) publish(w http.ResponseWriter, r *http.Request) {
	var body publishRequest
	if !httputil.Decode(w, r, &body) {
		return
	}
	issue := domain.NewsletterIssue{
		Title:   body.Title,
		Content: domain.IssueContent{HTML: body.Content.HTML, Text: body.Content.Text},
	}

	report, err := h.news.Publish(r.Context(), issue, r.Header.Get("Authorization"), r.Header.Get("Idempotency-Key"))
	if err != nil {
		if apperr.Is(err, apperr.Auth) {
			logger.Warn("publish rejected", "reason", auth.MetricReason(err))
			httputil.Unauthorized(w, h.realm, auth.ClientMessage(err))
			return
		}
		var dErr *newsletter.DispatchError
		if errors.As(err, &dErr) {
			logger.Error("newsletter dispatch incomplete",
				"issue_id", dErr.Report.IssueID,
				"delivered", dErr.Report.Delivered,
				"failed", dErr.Report.Failed(),
			)
		}
		httputil.WriteError(w, r, h.realm, err)
		return
	}
	httputil.OK(w, report)
}
