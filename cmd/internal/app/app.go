// Package app wires the pulse server runtime: config, logging, storage, HTTP
// routes, metrics and the realtime gateway.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"pulse/cmd/internal/auth/session"
	"pulse/cmd/internal/realtime"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// App is the pulse server runtime: it owns HTTP server wiring and realtime dependencies.
type App struct {
	cfg Config
	log Logger

	backend *storeBackend
	engine  *realtime.Engine
	ws      *realtime.WSGateway

	registry *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(ctx context.Context, cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	backend, err := openStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	if cfg.AutoMigrate {
		if err := backend.Migrate(ctx); err != nil {
			_ = backend.Close()
			return nil, err
		}
	}

	verifier, err := newTokenVerifier(log)
	if err != nil {
		_ = backend.Close()
		return nil, err
	}

	var (
		reg     *prometheus.Registry
		metrics *realtime.Metrics
	)
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics = realtime.NewMetrics(reg)
	}

	engine := realtime.NewEngine(log, backend.store, metrics)
	ws := realtime.NewWSGateway(log, engine, verifier, metrics)

	return &App{
		cfg:      cfg,
		log:      log,
		backend:  backend,
		engine:   engine,
		ws:       ws,
		registry: reg,
	}, nil
}

// Handler returns the root HTTP handler with request logging applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.backend, a.ws, a.registry)
	return WithRequestLogging(mux, a.log)
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	base := runtimeBaseURL(a.cfg.HTTPAddr)
	a.log.Info("server.start",
		"addr", a.cfg.HTTPAddr,
		"store", a.backend.kind,
		"metrics", a.registry != nil,
		"url", base,
		"ws_url", wsBaseURL(base)+"/ws",
	)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		_ = a.Close()
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		_ = a.Close()
		return err
	}

	if err := a.Close(); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped", "online", a.engine.Presence.Online())
	return nil
}

// Close releases the store and database resources.
func (a *App) Close() error {
	return a.backend.Close()
}

// runtimeBaseURL turns a listen address into a URL a local client can dial.
func runtimeBaseURL(addr string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(addr))
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

func wsBaseURL(base string) string {
	switch {
	case strings.HasPrefix(base, "https://"):
		return "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		return "ws://" + strings.TrimPrefix(base, "http://")
	default:
		return "ws://" + base
	}
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// sessionVerifier adapts the PASETO access-token manager to the gateway's verifier.
type sessionVerifier struct {
	tokens session.AccessTokenManager
}

func (v sessionVerifier) VerifyAccess(token string, now time.Time) (realtime.AccessClaims, error) {
	c, err := v.tokens.Verify(token, now)
	if err != nil {
		return realtime.AccessClaims{}, err
	}
	return realtime.AccessClaims{UserID: c.UserID, SessionID: c.SessionID}, nil
}

// newTokenVerifier returns nil (dev identity via hello) unless PASETO keys are configured.
func newTokenVerifier(log Logger) (realtime.TokenVerifier, error) {
	cfg, err := session.LoadConfigFromEnv()
	if err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		log.Warn("auth.disabled", "reason", "no_paseto_keys")
		return nil, nil
	}
	tokens, err := session.NewPasetoV4PublicManager(cfg)
	if err != nil {
		return nil, err
	}
	log.Info("auth.enabled", "issuer", cfg.Issuer)
	return sessionVerifier{tokens: tokens}, nil
}
