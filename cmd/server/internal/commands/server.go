package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"filippo.io/csrf"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/wolfeidau/handoff/internal/gateway"
	httpmiddleware "github.com/wolfeidau/handoff/internal/http"
	"github.com/wolfeidau/handoff/internal/logger"
	"github.com/wolfeidau/handoff/internal/pairing"
	"github.com/wolfeidau/handoff/internal/relay"
	"github.com/wolfeidau/handoff/internal/server"
	"github.com/wolfeidau/handoff/internal/store"
	memorystore "github.com/wolfeidau/handoff/internal/store/memory"
	postgresstore "github.com/wolfeidau/handoff/internal/store/postgres"
	"github.com/wolfeidau/handoff/internal/sweeper"
	"github.com/wolfeidau/handoff/internal/telemetry"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const shutdownTimeout = 15 * time.Second

type ServerCmd struct {
	// Server configuration
	Listen    string `help:"HTTP server listen address" default:"0.0.0.0:8443" env:"HANDOFF_LISTEN"`
	Cert      string `help:"path to TLS cert file" default:"" env:"HANDOFF_TLS_CERT"`
	Key       string `help:"path to TLS key file" default:"" env:"HANDOFF_TLS_KEY"`
	Insecure  bool   `help:"serve plain HTTP without TLS (development only)" default:"false" env:"HANDOFF_INSECURE"`
	PublicURL string `help:"externally reachable base URL encoded into pairing codes" default:"https://localhost:8443" env:"HANDOFF_PUBLIC_URL"`

	// CORS configuration
	CORSOrigins []string `help:"allowed CORS origins for API requests" default:"https://localhost:8443" env:"HANDOFF_CORS_ORIGINS"`

	Tracing bool `help:"enable tracing" default:"false" env:"HANDOFF_TRACING"`

	Session SessionFlags `embed:"" prefix:"session-"`

	// Store configuration
	StoreType     string             `help:"receipt store type (memory or postgres)" default:"memory" env:"HANDOFF_STORE_TYPE" enum:"memory,postgres"`
	PostgresStore PostgresStoreFlags `embed:"" prefix:"postgres-"`
}

// SessionFlags configures scan session lifetime and limits.
type SessionFlags struct {
	TTL            time.Duration `help:"scan session lifetime" default:"10m" env:"HANDOFF_SESSION_TTL"`
	SweepInterval  time.Duration `help:"interval between expiry sweeps" default:"5m" env:"HANDOFF_SESSION_SWEEP_INTERVAL"`
	IdleTimeout    time.Duration `help:"close scan connections idle for this long" default:"2m" env:"HANDOFF_SESSION_IDLE_TIMEOUT"`
	MaxUploadBytes int64         `help:"maximum decoded image size in bytes" default:"10485760" env:"HANDOFF_SESSION_MAX_UPLOAD_BYTES"`
}

func (s *SessionFlags) Validate() error {
	if s.TTL <= 0 {
		return errors.New("session TTL must be positive")
	}
	if s.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}
	if s.MaxUploadBytes <= 0 {
		return errors.New("max upload bytes must be positive")
	}
	return nil
}

type PostgresStoreFlags struct {
	// Connection Configuration
	ConnString string `help:"PostgreSQL connection string" env:"POSTGRES_CONNECTION_STRING"`

	// Connection Pool Configuration
	MaxConns        int32         `help:"maximum number of connections in pool" default:"10"`
	MinConns        int32         `help:"minimum number of connections in pool" default:"2"`
	MaxConnLifetime time.Duration `help:"maximum connection lifetime" default:"1h"`
	MaxConnIdleTime time.Duration `help:"maximum connection idle time" default:"30m"`

	// Migration Configuration
	AutoMigrate bool `help:"run database migrations on startup" default:"false" env:"HANDOFF_POSTGRES_AUTO_MIGRATE"`
}

func (c *ServerCmd) Validate() error {
	if err := c.Session.Validate(); err != nil {
		return err
	}
	if c.StoreType == "postgres" && c.PostgresStore.ConnString == "" {
		return errors.New("PostgreSQL connection string is required (--postgres-conn-string or POSTGRES_CONNECTION_STRING)")
	}
	if !c.Insecure && (c.Cert == "" || c.Key == "") {
		return errors.New("TLS certificate and key are required (--cert and --key), or pass --insecure for development")
	}
	return nil
}

func (c *ServerCmd) Run(globals *Globals) error {
	log := logger.Setup(globals.Debug)
	zlog.Logger = log

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("version", globals.Version).Bool("debug", globals.Debug).Msg("Starting server")

	if c.Tracing {
		log.Info().Msg("Tracing is enabled")
		shutdown, err := telemetry.InitTelemetry(ctx, "handoff-server", globals.Version)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to initialize telemetry, continuing without metrics")
			shutdown = func(ctx context.Context) error { return nil }
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Failed to shutdown telemetry")
			}
		}()
	}

	sessions := memorystore.NewSessionStore(c.Session.TTL)
	if err := telemetry.RegisterSessionGauge(sessions.Len); err != nil {
		log.Warn().Err(err).Msg("Failed to register session gauge")
	}

	receipts, closeReceipts, err := c.receiptStore(ctx, log)
	if err != nil {
		return err
	}
	defer closeReceipts()

	issuer, err := pairing.NewIssuer(c.PublicURL)
	if err != nil {
		return fmt.Errorf("failed to create pairing issuer: %w", err)
	}

	rl := relay.New(sessions)
	gw := gateway.New(sessions, rl, gateway.Config{
		OriginPatterns: originHosts(append([]string{c.PublicURL}, c.CORSOrigins...)),
		IdleTimeout:    c.Session.IdleTimeout,
		MaxUploadBytes: c.Session.MaxUploadBytes,
	})

	sw := sweeper.New(sessions, c.Session.SweepInterval)
	sw.Start(ctx)
	defer sw.Stop()

	srv := server.NewServer(sessions, receipts, issuer, rl, gw, server.Config{MaxUploadBytes: c.Session.MaxUploadBytes})

	handler, err := c.buildHandler(srv.Handler(), log)
	if err != nil {
		return err
	}

	httpServer := configureHTTPServer(c.Listen, handler)

	errCh := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", c.Listen).
			Str("public_url", c.PublicURL).
			Dur("session_ttl", c.Session.TTL).
			Bool("tls", !c.Insecure).
			Msg("Starting HTTP server")
		if c.Insecure {
			log.Warn().Msg("TLS is disabled (--insecure). This should only be used in development!")
			errCh <- httpServer.ListenAndServe()
			return
		}
		errCh <- httpServer.ListenAndServeTLS(c.Cert, c.Key)
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown http server: %w", err)
	}
	return nil
}

func (c *ServerCmd) receiptStore(ctx context.Context, log zerolog.Logger) (store.ReceiptStore, func(), error) {
	if c.StoreType != "postgres" {
		log.Info().Msg("Using in-memory receipt store")
		return memorystore.NewReceiptStore(), func() {}, nil
	}

	poolCfg := &postgresstore.PoolConfig{
		ConnString:      c.PostgresStore.ConnString,
		MaxConns:        c.PostgresStore.MaxConns,
		MinConns:        c.PostgresStore.MinConns,
		MaxConnLifetime: c.PostgresStore.MaxConnLifetime,
		MaxConnIdleTime: c.PostgresStore.MaxConnIdleTime,
	}
	pool, err := postgresstore.NewPool(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if c.PostgresStore.AutoMigrate {
		if err := postgresstore.RunMigrations(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info().Msg("Database migrations completed")
	}

	receipts, err := postgresstore.NewReceiptStore(pool)
	if err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("failed to create receipt store: %w", err)
	}

	log.Info().Msg("Using PostgreSQL receipt store")
	return receipts, closePostgres(receipts, pool), nil
}

// closePostgres releases the receipt store codecs and then the pool it borrows.
func closePostgres(receipts *postgresstore.ReceiptStore, pool *pgxpool.Pool) func() {
	return func() {
		receipts.Close()
		pool.Close()
	}
}

// buildHandler wraps the application routes with the shared middleware.
func (c *ServerCmd) buildHandler(routes http.Handler, log zerolog.Logger) (http.Handler, error) {
	// CSRF protection for browser calls; CORS origins are trusted
	protection := csrf.New()
	for _, origin := range c.CORSOrigins {
		if err := protection.AddTrustedOrigin(origin); err != nil {
			return nil, fmt.Errorf("invalid CORS origin %q: %w", origin, err)
		}
	}

	protected := protection.Handler(routes)
	api := withCORS(c.CORSOrigins, protected)

	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if isAPIRoute(r.URL.Path) {
			api.ServeHTTP(w, r)
			return
		}
		protected.ServeHTTP(w, r)
	})

	handler = logger.Requests(log)(handler)
	handler = httpmiddleware.ClientIPMiddleware()(handler)

	if c.Tracing {
		handler = otelhttp.NewHandler(handler, "handoff",
			otelhttp.WithFilter(func(r *http.Request) bool { return r.URL.Path != "/healthz" }),
		)
	}

	return handler, nil
}

// isAPIRoute returns true if the path is a JSON API route that needs CORS
func isAPIRoute(path string) bool {
	return strings.HasPrefix(path, "/api/")
}

// withCORS adds CORS support to the JSON API.
func withCORS(allowedOrigins []string, h http.Handler) http.Handler {
	middleware := cors.New(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "If-None-Match"},
		ExposedHeaders: []string{
			"ETag",
			server.ChecksumHeader,
			server.ExpenseIDHeader,
			server.ReceiptNumberHeader,
		},
		MaxAge: 600,
	})
	return middleware.Handler(h)
}

// originHosts extracts the host patterns WebSocket upgrades accept from full origins.
func originHosts(origins []string) []string {
	hosts := make([]string, 0, len(origins))
	for _, origin := range origins {
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			continue
		}
		hosts = append(hosts, u.Host)
	}
	return hosts
}
