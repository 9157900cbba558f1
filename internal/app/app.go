// Package app assembles the service's components from configuration. It
// is shared by the server and the standalone worker.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/newsletter/internal/config"
	"github.com/ignite/newsletter/internal/domain"
	"github.com/ignite/newsletter/internal/email"
	"github.com/ignite/newsletter/internal/pkg/distlock"
	"github.com/ignite/newsletter/internal/pkg/httpretry"
	"github.com/ignite/newsletter/internal/pkg/logger"
	"github.com/ignite/newsletter/internal/pkg/metrics"
	"github.com/ignite/newsletter/internal/repository/memory"
	"github.com/ignite/newsletter/internal/repository/postgres"
	"github.com/ignite/newsletter/internal/service/auth"
	"github.com/ignite/newsletter/internal/service/newsletter"
	"github.com/ignite/newsletter/internal/service/subscription"
	"github.com/ignite/newsletter/internal/storage"
	"github.com/ignite/newsletter/internal/templates"
	"github.com/ignite/newsletter/internal/worker"
)

// relayLockKey names the lock shared by every outbox relay.
const relayLockKey = "outbox-relay"

// Stores groups the repository implementations for one backend.
type Stores struct {
	Subscriptions interface {
		subscription.Store
		newsletter.SubscriberSource
	}
	Credentials interface {
		auth.CredentialRepository
		UpsertOperator(ctx context.Context, username, passwordHash string) (domain.UserID, error)
	}
	Deliveries newsletter.DeliveryRepository
	Outbox     worker.OutboxStore

	// DB is nil for the in-memory backend.
	DB *sql.DB
}

// OpenStores connects to the configured database backend.
func OpenStores(ctx context.Context, cfg config.DatabaseConfig) (*Stores, error) {
	if cfg.Driver == "memory" {
		logger.Warn("using the in-memory store; data is lost on restart")
		mem := memory.NewStore()
		return &Stores{Subscriptions: mem, Credentials: mem, Deliveries: mem, Outbox: mem}, nil
	}

	db, err := postgres.Open(ctx, cfg.URL, cfg.MaxOpenConns, cfg.MaxIdleConns)
	if err != nil {
		return nil, err
	}
	return &Stores{
		Subscriptions: postgres.NewSubscriptionRepo(db),
		Credentials:   postgres.NewCredentialRepo(db),
		Deliveries:    postgres.NewDeliveryRepo(db),
		Outbox:        postgres.NewOutboxRepo(db),
		DB:            db,
	}, nil
}

// Close releases the database pool, if any.
func (s *Stores) Close() error {
	if s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// OpenRedis returns nil when no URL is configured.
func OpenRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if cfg.URL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

// NewSender builds the email gateway used on the request path. It sends
// each message once; a failed send fails the request.
func NewSender(ctx context.Context, cfg config.EmailClientConfig, m *metrics.Metrics) (email.Sender, error) {
	return newSender(ctx, cfg, m, 0)
}

// NewRelaySender builds the gateway for the outbox relay, which retries
// transient failures up to cfg.MaxRetries times within one attempt.
func NewRelaySender(ctx context.Context, cfg config.EmailClientConfig, m *metrics.Metrics) (email.Sender, error) {
	return newSender(ctx, cfg, m, cfg.MaxRetries)
}

func newSender(ctx context.Context, cfg config.EmailClientConfig, m *metrics.Metrics, retries int) (email.Sender, error) {
	from, err := domain.ParseSubscriberEmail(cfg.SenderEmail)
	if err != nil {
		return nil, fmt.Errorf("email_client.sender_email: %w", err)
	}

	var sender email.Sender
	switch cfg.Provider {
	case "ses":
		sender, err = email.NewSESClient(ctx, cfg.SES.Region, cfg.SES.AccessKey, cfg.SES.SecretKey, cfg.SES.ConfigurationSet, retries+1, from)
		if err != nil {
			return nil, err
		}
	default:
		var doer httpretry.HTTPDoer = &http.Client{Timeout: cfg.Timeout()}
		if retries > 0 {
			policy := httpretry.DefaultPolicy
			policy.MaxRetries = retries
			doer = httpretry.NewRetryClient(doer, policy)
		}
		sender = email.NewHTTPClient(doer, cfg.BaseURL, from, cfg.AuthorizationToken, cfg.Timeout())
	}
	return email.WithMetrics(sender, m), nil
}

// NewHasher converts the argon2 config section.
func NewHasher(cfg config.Argon2Config) *auth.Hasher {
	return auth.NewHasher(auth.Params{
		MemoryKiB:   cfg.MemoryKiB,
		Iterations:  cfg.Iterations,
		Parallelism: cfg.Parallelism,
		SaltLength:  cfg.SaltLength,
		KeyLength:   cfg.KeyLength,
	})
}

// NewRelay builds an outbox relay guarded by Redis when rdb is set and by a
// Postgres advisory lock otherwise. sender should come from NewRelaySender.
func NewRelay(cfg *config.Config, stores *Stores, rdb *redis.Client, sender email.Sender, m *metrics.Metrics) *worker.OutboxRelay {
	var universal redis.UniversalClient
	if rdb != nil {
		universal = rdb
	}
	relayCfg := worker.RelayConfigFrom(cfg.Outbox)
	lock := distlock.New(universal, stores.DB, relayLockKey, relayCfg.LockTTL)
	return worker.NewOutboxRelay(stores.Outbox, sender, lock, relayCfg, m)
}

// Services are the request-path services.
type Services struct {
	Subscriptions *subscription.Service
	Newsletters   *newsletter.Service
	Validator     *auth.Validator
}

// NewServices wires the subscription, auth and newsletter services. sender
// should come from NewSender. archive may be nil.
func NewServices(cfg *config.Config, stores *Stores, sender email.Sender, archive storage.Archiver, m *metrics.Metrics) (*Services, error) {
	renderer, err := templates.New()
	if err != nil {
		return nil, err
	}
	validator := auth.NewValidator(stores.Credentials, NewHasher(cfg.Auth.Argon2), m)

	subs := subscription.NewService(stores.Subscriptions, sender, renderer, subscription.Options{
		BaseURL:       cfg.Server.BaseURL,
		Delivery:      cfg.Subscriptions.ConfirmationDelivery,
		StrictConfirm: cfg.Subscriptions.StrictConfirm,
		Metrics:       m,
	})
	news := newsletter.NewService(validator, stores.Subscriptions, stores.Deliveries, sender, newsletter.Options{
		Mode:        cfg.Newsletter.DispatchMode,
		Concurrency: cfg.Newsletter.Concurrency,
		ClaimTTL:    cfg.Newsletter.ClaimTTL(),
		Archive:     archive,
		Metrics:     m,
	})
	return &Services{Subscriptions: subs, Newsletters: news, Validator: validator}, nil
}

// ConfigureLogging applies the logging section to the package logger.
func ConfigureLogging(cfg config.LoggingConfig) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warn("unknown log level, keeping info", "level", cfg.Level)
		level = logger.INFO
	}
	logger.SetLevel(level)
	logger.SetRedactPII(cfg.Redact())
}
