package email

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/pkg/httpretry"
	"github.com/ignite/newsletter/internal/pkg/logger"
)

const tokenHeader = "X-Postmark-Server-Token"

// HTTPClient talks to a Postmark-compatible API: POST {base_url}/email.
type HTTPClient struct {
	doer      httpretry.HTTPDoer
	baseURL   string
	sender    domain.SubscriberEmail
	authToken string
	timeout   time.Duration
}

// NewHTTPClient builds a client. doer is usually an *httpretry.RetryClient
// or a plain *http.Client; timeout bounds every Send including retries.
func NewHTTPClient(doer httpretry.HTTPDoer, baseURL string, sender domain.SubscriberEmail, authToken string, timeout time.Duration) *HTTPClient {
	if doer == nil {
		doer = &http.Client{}
	}
	return &HTTPClient{
		doer:      doer,
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		sender:    sender,
		authToken: authToken,
		timeout:   timeout,
	}
}

type sendEmailRequest struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// Send posts the message and treats any non-2xx status as a failure.
func (c *HTTPClient) Send(ctx context.Context, recipient domain.SubscriberEmail, subject, htmlBody, textBody string) error {
	payload, err := json.Marshal(sendEmailRequest{
		From:     c.sender.String(),
		To:       recipient.String(),
		Subject:  subject,
		HtmlBody: htmlBody,
		TextBody: textBody,
	})
	if err != nil {
		return &TransportError{Provider: "http", Err: fmt.Errorf("encode request: %w", err)}
	}

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/email", bytes.NewReader(payload))
	if err != nil {
		return &TransportError{Provider: "http", Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(tokenHeader, c.authToken)

	resp, err := c.doer.Do(req)
	if err != nil {
		return &TransportError{Provider: "http", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return &TransportError{Provider: "http", StatusCode: resp.StatusCode, Err: errors.New(msg)}
	}

	logger.Debug("email sent", "provider", "http", "recipient", recipient.String())
	return nil
}
