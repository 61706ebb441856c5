// ABOUTME: Gateway orchestrator that builds the store and services and runs the HTTP server
// ABOUTME: Owns listener setup (TCP or Tailscale), graceful shutdown and health endpoints

package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/yuin/goldmark"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/ragchat-gateway/internal/auth"
	"github.com/2389/ragchat-gateway/internal/config"
	"github.com/2389/ragchat-gateway/internal/conversation"
	"github.com/2389/ragchat-gateway/internal/dedupe"
	"github.com/2389/ragchat-gateway/internal/docstore"
	"github.com/2389/ragchat-gateway/internal/ledger"
	"github.com/2389/ragchat-gateway/internal/migrate"
	"github.com/2389/ragchat-gateway/internal/sessions"
)

// idempotencyMaxEntries bounds the prompt replay cache.
const idempotencyMaxEntries = 100_000

// Gateway orchestrates the ragchat-gateway server components.
// Every service is built once here and released in Shutdown.
type Gateway struct {
	config       *config.Config
	store        docstore.Store
	ledger       *ledger.Ledger
	sessions     *sessions.Registry
	authority    *auth.Authority
	conversation *conversation.Service
	httpServer   *http.Server
	tsnetServer  *tsnet.Server
	logger       *slog.Logger

	// dedupe replays prompt responses for retried Idempotency-Key requests
	dedupe *dedupe.Cache

	// eventBroadcaster pushes recorded messages to live stream subscribers
	eventBroadcaster *conversation.EventBroadcaster

	// markdown renders message content for ?render=html
	markdown goldmark.Markdown
}

// OpenStore opens the document store selected by database.driver.
// RAGCHAT_DB_PATH overrides the sqlite path.
func OpenStore(ctx context.Context, cfg *config.Config) (docstore.Store, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return docstore.NewMemoryStore(), nil
	case config.DriverMongo:
		s, err := docstore.NewMongoStore(ctx, docstore.MongoOptions{
			URI:            cfg.Database.Mongo.URI,
			Database:       cfg.Database.Mongo.Database,
			Transactions:   cfg.Database.Mongo.Transactions,
			ConnectTimeout: cfg.Database.Mongo.ConnectTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	default:
		dbPath := cfg.Database.Path
		if envPath := os.Getenv("RAGCHAT_DB_PATH"); envPath != "" {
			dbPath = envPath
		}
		s, err := docstore.NewSQLiteStore(dbPath)
		if err != nil {
			return nil, fmt.Errorf("initializing store: %w", err)
		}
		return s, nil
	}
}

// newAnswerer returns the HTTP answer engine client, or nil when rag.endpoint is unset.
func newAnswerer(cfg *config.Config, logger *slog.Logger) conversation.Answerer {
	if cfg.RAG.Endpoint == "" {
		logger.Warn("rag.endpoint not configured - prompts will be refused with 503")
		return nil
	}
	return conversation.NewHTTPAnswerer(cfg.RAG.Endpoint, cfg.RAG.APIKey, cfg.RAG.Timeout)
}

// New creates a new Gateway instance with the given configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := OpenStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	gw, err := NewWithStore(cfg, s, newAnswerer(cfg, logger), logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// NewWithStore wires the gateway on an already opened store. The gateway takes
// ownership of the store and closes it on Shutdown. A nil answerer makes every
// prompt fail with 503.
func NewWithStore(cfg *config.Config, s docstore.Store, answerer conversation.Answerer, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tokens, err := auth.NewTokenIssuer([]byte(cfg.Auth.JWTSecret), cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}

	msgLedger := ledger.New(s, logger)
	registry := sessions.NewRegistry(s, msgLedger, logger)
	migrator := migrate.New(s, logger)
	authority := auth.NewAuthority(s, auth.NewPasswordHasher(cfg.Auth.BcryptCost), tokens, migrator,
		auth.Options{MinPasswordLength: cfg.Auth.MinPasswordLength}, logger)

	eventBroadcaster := conversation.NewEventBroadcaster(logger)
	convService := conversation.New(msgLedger, answerer, logger,
		conversation.WithHistoryLimit(cfg.Sessions.HistoryLimit),
		conversation.WithBroadcaster(eventBroadcaster),
	)

	gw := &Gateway{
		config:           cfg,
		store:            s,
		ledger:           msgLedger,
		sessions:         registry,
		authority:        authority,
		conversation:     convService,
		logger:           logger.With("component", "gateway"),
		dedupe:           dedupe.New(cfg.Sessions.IdempotencyTTL, idempotencyMaxEntries),
		eventBroadcaster: eventBroadcaster,
		markdown:         newMarkdown(),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Handler returns the full HTTP handler: routes, optional auth and CORS.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints - no auth required
	mux.HandleFunc("GET /{$}", g.handleRoot)
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Chat and sessions
	mux.HandleFunc("POST /api/anonymous", g.handleAnonymous)
	mux.HandleFunc("POST /api/chat/prompt", g.handlePrompt)
	mux.HandleFunc("GET /api/chat/messages/{session_id}", g.handleSessionMessages)
	mux.HandleFunc("GET /api/chat/stream/{session_id}", g.handleSessionStream)
	mux.HandleFunc("GET /api/users/{user_id}/sessions", g.handleUserSessions)
	mux.HandleFunc("POST /api/sessions", g.handleCreateSession)
	mux.HandleFunc("DELETE /api/sessions/{session_id}", g.handleDeleteSession)
	mux.HandleFunc("POST /api/sessions/{session_id}/archive", g.handleArchiveSession)

	// Accounts
	mux.HandleFunc("POST /api/auth/register", g.handleRegister)
	mux.HandleFunc("POST /api/auth/login", g.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", g.handleLogout)
	mux.Handle("GET /api/auth/me", auth.HTTPAuthMiddleware(g.authority)(http.HandlerFunc(g.handleMe)))

	// Tokens are optional everywhere; handlers decide what needs a signed-in owner
	var h http.Handler = auth.OptionalAuthMiddleware(g.authority)(mux)
	return corsMiddleware(g.config.Server.CORSOrigins, h)
}

// setupTCPListener creates the standard TCP listener for HTTP.
func (g *Gateway) setupTCPListener() (net.Listener, error) {
	g.logger.Info("starting gateway", "http_addr", g.config.Server.HTTPAddr)

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	return ln, nil
}

// setupListener creates the listener based on configuration (Tailscale or TCP).
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" {
			g.logger.Warn("server.http_addr is ignored when tailscale is enabled", "http_addr", g.config.Server.HTTPAddr)
		}
		return g.setupTailscaleListener(ctx)
	}
	return g.setupTCPListener()
}

// Run starts the HTTP server and blocks until the context is canceled.
// Returns nil on graceful shutdown (context canceled), or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// resolveTailscaleStateDir returns the state directory, using default if not configured.
func resolveTailscaleStateDir(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("cannot determine home directory for tailscale state (set tailscale.state_dir explicitly): %w", err)
	}
	return filepath.Join(homeDir, ".local", "share", "ragchat-gateway", "tailscale"), nil
}

// resolveTailscaleAuthKey returns the auth key from config or environment.
func resolveTailscaleAuthKey(configured string) (string, error) {
	authKey := configured
	if authKey == "" {
		authKey = os.Getenv("TS_AUTHKEY")
	}
	if authKey == "" {
		return "", errors.New("tailscale auth key required: set auth_key in config or TS_AUTHKEY environment variable")
	}
	return authKey, nil
}

// setupTailscaleListener starts a tsnet node and returns its HTTP listener.
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  tsCfg.Hostname,
		Dir:       stateDir,
		Ephemeral: tsCfg.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node", "hostname", tsCfg.Hostname, "state_dir", stateDir, "ephemeral", tsCfg.Ephemeral)
	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	return g.createTailscaleHTTPListener(tsCfg)
}

// logTailscaleStatus logs info about the tailscale node status.
func (g *Gateway) logTailscaleStatus(hostname string, status *ipnstate.Status) {
	var tsAddr, dnsName string
	if len(status.TailscaleIPs) > 0 {
		tsAddr = status.TailscaleIPs[0].String()
	} else {
		g.logger.Warn("tailscale node has no IP addresses assigned")
	}
	if status.Self != nil {
		dnsName = status.Self.DNSName
	}
	g.logger.Info("tailscale node ready", "hostname", hostname, "tailscale_ip", tsAddr, "dns_name", dnsName)
}

// createTailscaleHTTPListener creates the appropriate HTTP listener based on config.
func (g *Gateway) createTailscaleHTTPListener(tsCfg config.TailscaleConfig) (net.Listener, error) {
	switch {
	case tsCfg.Funnel:
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale funnel port: %w", err)
		}
		return ln, nil
	case tsCfg.HTTPS:
		return g.createTailscaleTLSListener()
	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			_ = g.tsnetServer.Close()
			return nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
		}
		return ln, nil
	}
}

// createTailscaleTLSListener creates a TLS listener using Tailscale's auto-provisioned certs.
func (g *Gateway) createTailscaleTLSListener() (net.Listener, error) {
	g.logger.Info("enabling HTTPS with Tailscale certs on :443")
	ln, err := g.tsnetServer.Listen("tcp", ":443")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("listening on tailscale HTTPS port: %w", err)
	}
	lc, err := g.tsnetServer.LocalClient()
	if err != nil {
		_ = ln.Close()
		_ = g.tsnetServer.Close()
		return nil, fmt.Errorf("getting tailscale local client: %w", err)
	}
	return tls.NewListener(ln, &tls.Config{
		GetCertificate: lc.GetCertificate,
		MinVersion:     tls.VersionTLS12,
	}), nil
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the HTTP server and releases resources.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	// Close live streams first so Shutdown does not wait on them
	g.eventBroadcaster.Close()

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "store close", g.store.Close())

	g.dedupe.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleRoot answers GET / with the service banner.
func (g *Gateway) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "RAG Chatbot API", "status": "healthy"})
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "message": "Service is running"})
}

// handleReady returns 200 OK if the store answers a ping.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := g.store.Ping(ctx); err != nil {
		g.logger.Warn("readiness check failed", "error", err)
		g.sendJSONError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
