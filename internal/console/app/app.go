// Package app wires configuration, logging, credential storage and the
// admin API client together for the console command.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/text/language"

	"github.com/aussiebroadwan/console/internal/console/store"
	"github.com/aussiebroadwan/console/internal/console/store/drivers/file"
	"github.com/aussiebroadwan/console/internal/console/store/drivers/keyring"
	"github.com/aussiebroadwan/console/internal/console/store/drivers/sqlite"
	"github.com/aussiebroadwan/console/pkg/consoleapi"
	"github.com/aussiebroadwan/console/pkg/gateway"
	"github.com/aussiebroadwan/console/pkg/httpx"
	"github.com/aussiebroadwan/console/pkg/slogx"
)

const (
	// BuildVersion should be set at build time via ldflags.
	BuildVersion = "v0.1.0"
)

// Application holds everything a console command needs.
type Application struct {
	cfg    Config
	logger *slog.Logger

	// Credential storage. cached is nil for the memory store.
	creds   consoleapi.Store
	cached  *store.Cached
	backend store.Backend

	registry *prometheus.Registry
	console  *consoleapi.Console
}

// Option customises New, mostly for tests.
type Option func(*options)

type options struct {
	logger    *slog.Logger
	backend   store.Backend
	roundTrip http.RoundTripper
}

// WithLogger replaces the logger built from the config.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithBackend replaces the credential backend chosen by the config.
func WithBackend(b store.Backend) Option {
	return func(o *options) { o.backend = b }
}

// WithBaseTransport replaces the innermost RoundTripper.
func WithBaseTransport(rt http.RoundTripper) Option {
	return func(o *options) { o.roundTrip = rt }
}

// New creates an Application from cfg.
func New(ctx context.Context, cfg Config, opts ...Option) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slogx.New(slogx.Config{
			Service: "console",
			Version: BuildVersion,
			Env:     cfg.Env,
			Level:   cfg.LogLevel,
			Format:  cfg.LogFormat,
		})
	}

	app := &Application{cfg: cfg, logger: logger}

	if err := app.initStore(ctx, o.backend); err != nil {
		return nil, err
	}

	if err := app.initConsole(o.roundTrip); err != nil {
		_ = app.Close()
		return nil, err
	}

	return app, nil
}

// initStore opens the configured credential store.
func (app *Application) initStore(ctx context.Context, backend store.Backend) error {
	if backend == nil {
		var err error
		backend, err = app.openBackend()
		if err != nil {
			return err
		}
	}

	if backend == nil {
		app.creds = store.NewMemory()
		return nil
	}

	cached, err := store.Open(ctx, backend, app.cfg.Profile, app.logger)
	if err != nil {
		_ = backend.Close()
		return err
	}
	app.backend = backend
	app.cached = cached
	app.creds = cached
	return nil
}

// openBackend returns nil for the memory store.
func (app *Application) openBackend() (store.Backend, error) {
	switch app.cfg.StoreDriver {
	case StoreMemory:
		return nil, nil

	case StoreKeyring:
		kr := keyring.NewStore(app.cfg.KeyringService)
		if !kr.Available() {
			app.logger.Warn("system keyring unavailable, credentials will not outlive this process")
			return nil, nil
		}
		return kr, nil

	case StoreFile:
		fs, err := file.NewStore(app.cfg.StorePath, app.cfg.StorePassphrase)
		if err != nil {
			return nil, fmt.Errorf("failed to open credential file: %w", err)
		}
		return fs, nil

	case StoreSQLite:
		dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", app.cfg.StorePath)
		db, err := sqlite.NewStore(dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize database: %w", err)
		}
		if err := db.ApplyMigrations(); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply database migrations: %w", err)
		}
		app.logger.Debug("database migrations applied", "path", app.cfg.StorePath)
		return db, nil
	}
	return nil, fmt.Errorf("unknown store %q", app.cfg.StoreDriver)
}

// initConsole builds the transport chain, metrics and admin API client.
func (app *Application) initConsole(base http.RoundTripper) error {
	if base == nil {
		base = http.DefaultTransport.(*http.Transport).Clone()
	}

	var mws []httpx.Middleware
	if limit := app.cfg.RateLimit.config(); limit.Enabled() {
		mws = append(mws, httpx.RateLimitByHost(limit))
	}
	mws = append(mws, slogx.Transport(app.logger))

	transport, err := gateway.NewHTTPTransport(app.cfg.BaseURL,
		gateway.WithRoundTripper(httpx.Chain(base, mws...)),
		gateway.WithTimeout(app.cfg.Timeout),
	)
	if err != nil {
		return err
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics, err := gateway.NewMetrics(app.registry)
	if err != nil {
		return fmt.Errorf("failed to register metrics: %w", err)
	}

	lang, err := language.Parse(app.cfg.Language)
	if err != nil {
		app.logger.Warn("unknown language, using English", "language", app.cfg.Language)
		lang = language.English
	}

	console, err := consoleapi.New(consoleapi.Config{
		Transport: transport,
		Store:     app.creds,
		Logger:    app.logger,
		GatewayOptions: []gateway.Option{
			gateway.WithLogger(app.logger),
			gateway.WithMetrics(metrics),
			gateway.WithRefreshTimeout(app.cfg.RefreshTimeout),
			gateway.WithLanguage(lang),
			gateway.WithNotifier(gateway.NotifierFunc(app.logFailure)),
		},
	})
	if err != nil {
		return err
	}
	app.console = console
	return nil
}

// logFailure records every normalized failure. Cancellation is not a failure
// worth reporting.
func (app *Application) logFailure(ctx context.Context, err *gateway.Error) {
	if err.Kind == gateway.KindCancelled {
		return
	}
	app.logger.InfoContext(ctx, "request failed",
		"kind", err.Kind,
		"status", err.StatusCode,
		"method", err.Method,
		"path", err.Path,
		"message", err.Message,
	)
}

func (app *Application) Config() Config               { return app.cfg }
func (app *Application) Logger() *slog.Logger         { return app.logger }
func (app *Application) Console() *consoleapi.Console { return app.console }

// Login signs in and remembers who the stored token belongs to.
func (app *Application) Login(ctx context.Context, username, password string) (*consoleapi.AuthResponse, error) {
	resp, err := app.console.Auth.Login(ctx, username, password)
	if err != nil {
		return nil, err
	}
	if app.cached != nil {
		if err := app.cached.SetIdentity(resp.Username, app.cfg.BaseURL); err != nil {
			app.logger.Warn("failed to record identity", "err", err)
		}
	}
	app.logger.Info("signed in", "username", resp.Username, "profile", app.cfg.Profile)
	return resp, nil
}

// Session describes the stored credentials without revealing the token.
type Session struct {
	Profile   string
	Username  string
	BaseURL   string
	Token     string
	Subject   string
	ExpiresAt time.Time
	UpdatedAt time.Time
}

// Session reports the stored session, or ok false when signed out.
func (app *Application) Session() (Session, bool) {
	tok := app.creds.Token()
	if tok.IsZero() {
		return Session{}, false
	}

	s := Session{Profile: app.cfg.Profile, Token: tok.Redacted()}
	if app.cached != nil {
		creds := app.cached.Credentials()
		s.Username = creds.Username
		s.BaseURL = creds.BaseURL
		s.UpdatedAt = creds.UpdatedAt
	}
	if claims, err := tok.Claims(); err == nil {
		s.Subject = claims.Subject
		if claims.ExpiresAt != nil {
			s.ExpiresAt = claims.ExpiresAt.Time
		}
	}
	return s, true
}

// ErrNoHistory is returned by History when the store keeps none.
var ErrNoHistory = errors.New("the configured store keeps no token history")

// History returns the most recent tokens saved for the profile.
func (app *Application) History(ctx context.Context, limit int) ([]store.HistoryEntry, error) {
	h, ok := app.backend.(store.Historian)
	if !ok {
		return nil, ErrNoHistory
	}
	return h.History(ctx, app.cfg.Profile, limit)
}

// MetricsHandler serves the application's Prometheus registry.
func (app *Application) MetricsHandler() http.Handler {
	return promhttp.HandlerFor(app.registry, promhttp.HandlerOpts{Registry: app.registry})
}

// ServeMetrics serves /metrics on cfg.MetricsAddr until ctx is done. It
// returns immediately when no address is configured.
func (app *Application) ServeMetrics(ctx context.Context) error {
	if app.cfg.MetricsAddr == "" {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", app.MetricsHandler())
	server := &http.Server{
		Addr:              app.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		serverErrors <- server.ListenAndServe()
	}()
	app.logger.Info("metrics server listening", "addr", app.cfg.MetricsAddr)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		app.logger.Error("graceful metrics shutdown failed", "error", err)
		return server.Close()
	}
	return nil
}

// Close releases the credential backend.
func (app *Application) Close() error {
	if app.backend == nil {
		return nil
	}
	if err := app.backend.Close(); err != nil {
		app.logger.Error("error closing credential store", "error", err)
		return err
	}
	return nil
}
