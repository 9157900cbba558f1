// Package httpretry wraps outbound HTTP calls to the email gateway with
// retries, exponential backoff and jitter.
package httpretry

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/ignite/newsletter/internal/pkg/logger"
)

// HTTPDoer is the interface for executing HTTP requests.
// Both *http.Client and *RetryClient satisfy this interface.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Policy configures a RetryClient.
type Policy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// DefaultPolicy retries three times starting at one second.
var DefaultPolicy = Policy{MaxRetries: 3, BaseDelay: time.Second, MaxDelay: 30 * time.Second}

// RetryClient retries requests that fail with a transient status or a
// network error.
type RetryClient struct {
	client HTTPDoer
	policy Policy
	sleep  func(time.Duration) <-chan time.Time
}

// NewRetryClient wraps client. A nil client gets a plain http.Client with a
// 30s timeout. MaxRetries of zero sends each request once; zero delays take
// DefaultPolicy values.
func NewRetryClient(client HTTPDoer, policy Policy) *RetryClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if policy.MaxRetries < 0 {
		policy.MaxRetries = 0
	}
	if policy.BaseDelay <= 0 {
		policy.BaseDelay = DefaultPolicy.BaseDelay
	}
	if policy.MaxDelay <= 0 {
		policy.MaxDelay = DefaultPolicy.MaxDelay
	}
	return &RetryClient{client: client, policy: policy, sleep: time.After}
}

// Do executes req, retrying on 429, 500, 502, 503, 504 and transport
// errors. Client errors and context cancellation are returned at once. The
// final attempt's response is returned as-is so the caller can read it.
func (rc *RetryClient) Do(req *http.Request) (*http.Response, error) {
	var lastErr error
	var retryAfter time.Duration

	for attempt := 0; attempt <= rc.policy.MaxRetries; attempt++ {
		if err := req.Context().Err(); err != nil {
			if lastErr != nil {
				return nil, lastErr
			}
			return nil, err
		}

		if attempt > 0 {
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("httpretry: reset request body: %w", err)
				}
				req.Body = body
			}

			delay := Backoff(attempt, rc.policy.BaseDelay, rc.policy.MaxDelay)
			if retryAfter > delay && retryAfter <= rc.policy.MaxDelay {
				delay = retryAfter
			}
			logger.Debug("httpretry: retrying",
				"attempt", attempt,
				"max_retries", rc.policy.MaxRetries,
				"host", req.URL.Host,
				"path", req.URL.Path,
				"delay", delay.String(),
			)

			select {
			case <-rc.sleep(delay):
			case <-req.Context().Done():
				if lastErr != nil {
					return nil, lastErr
				}
				return nil, req.Context().Err()
			}
		}

		resp, err := rc.client.Do(req)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, err
			}
			continue
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == rc.policy.MaxRetries {
			return resp, nil
		}

		retryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		lastErr = fmt.Errorf("httpretry: server returned retryable status %d", resp.StatusCode)
	}

	return nil, lastErr
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(v)
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}
