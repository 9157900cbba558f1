package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/ignite/newsletter/internal/pkg/httputil"
	"github.com/ignite/newsletter/internal/pkg/logger"
)

// message mirrors the Postmark send payload accepted by the gateway.
type message struct {
	From     string `json:"From"`
	To       string `json:"To"`
	Subject  string `json:"Subject"`
	HtmlBody string `json:"HtmlBody"`
	TextBody string `json:"TextBody"`
}

// gateway is a local stand-in for the email API. With failEvery > 0 every
// failEvery-th send is answered with a 500.
type gateway struct {
	token     string
	failEvery int

	mu       sync.Mutex
	requests int
	accepted []message
}

func newGateway(token string, failEvery int) *gateway {
	return &gateway{token: token, failEvery: failEvery}
}

func (g *gateway) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/email", g.send)
	r.Get("/messages", g.list)
	r.Get("/health_check", func(w http.ResponseWriter, _ *http.Request) { httputil.Empty(w, http.StatusOK) })
	return r
}

func (g *gateway) send(w http.ResponseWriter, r *http.Request) {
	if g.token != "" && r.Header.Get("X-Postmark-Server-Token") != g.token {
		httputil.Error(w, http.StatusUnauthorized, "unauthorized", "invalid server token")
		return
	}
	var m message
	if !httputil.Decode(w, r, &m) {
		return
	}
	if m.To == "" || m.From == "" {
		httputil.BadRequest(w, "From and To are required")
		return
	}

	g.mu.Lock()
	g.requests++
	fail := g.failEvery > 0 && g.requests%g.failEvery == 0
	if !fail {
		g.accepted = append(g.accepted, m)
	}
	g.mu.Unlock()

	if fail {
		logger.Warn("stub gateway: injected failure", "recipient", m.To)
		httputil.InternalError(w)
		return
	}
	logger.Info("stub gateway: email accepted", "recipient", m.To, "subject", m.Subject)
	httputil.OK(w, map[string]any{"To": m.To, "ErrorCode": 0, "Message": "OK"})
}

func (g *gateway) list(w http.ResponseWriter, _ *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	httputil.OK(w, g.accepted)
}

func main() {
	addr := flag.String("addr", "127.0.0.1:8025", "listen address")
	failEvery := flag.Int("fail-every", 0, "answer every Nth send with a 500 (0 disables)")
	flag.Parse()

	g := newGateway(os.Getenv("EMAIL_AUTHORIZATION_TOKEN"), *failEvery)
	srv := &http.Server{Addr: *addr, Handler: g.routes(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logger.Warn("stub email gateway for local use only; messages are kept in memory", "addr", *addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("stub gateway", "error", err)
		os.Exit(1)
	}
}

