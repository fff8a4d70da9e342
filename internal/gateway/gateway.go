// ABOUTME: Gateway orchestrator that wires the dispatcher, store, and HTTP server
// ABOUTME: Manages listener setup (TCP or Tailscale) and graceful shutdown lifecycle

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

	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/run-gateway/internal/audit"
	"github.com/2389/run-gateway/internal/auth"
	"github.com/2389/run-gateway/internal/config"
	"github.com/2389/run-gateway/internal/coordinator"
	"github.com/2389/run-gateway/internal/dispatch"
	"github.com/2389/run-gateway/internal/store"
)

// Gateway coordinates the run store, dispatcher, and HTTP server.
type Gateway struct {
	config *config.Config
	logger *slog.Logger

	store      store.Store
	dispatcher *dispatch.Dispatcher
	ledger     *audit.Ledger       // nil when auditing is disabled
	upstream   *coordinator.Client // nil in local mode

	httpServer  *http.Server
	tsnetServer *tsnet.Server
}

// New creates a gateway from configuration. The run store mode is decided
// here, once: a configured coordinator URL selects forwarding, otherwise
// the gateway owns run state in memory.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	g := &Gateway{
		config: cfg,
		logger: logger.With("component", "gateway"),
	}

	if cfg.Audit.DBPath != "" {
		ledger, err := audit.Open(cfg.Audit.DBPath, logger)
		if err != nil {
			return nil, fmt.Errorf("opening audit ledger: %w", err)
		}
		g.ledger = ledger
	}

	g.initStore(logger)

	g.dispatcher = dispatch.New(g.store, g.ledger, dispatch.Config{
		Mode:             cfg.Mode(),
		EnforceOwnership: cfg.Auth.JWTSecret != "",
	}, logger)

	mux := http.NewServeMux()
	g.registerRoutes(mux)

	g.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g.logger.Info("gateway initialized",
		"mode", cfg.Mode(),
		"auth", cfg.Auth.JWTSecret != "",
		"audit", cfg.Audit.DBPath != "",
	)

	return g, nil
}

// initStore builds the run store for the configured mode.
func (g *Gateway) initStore(logger *slog.Logger) {
	if g.config.Mode() == config.ModeForwarding {
		g.upstream = coordinator.New(coordinator.Config{
			BaseURL:        g.config.Coordinator.URL,
			BearerToken:    g.config.Coordinator.BearerToken,
			RequestTimeout: g.config.Coordinator.RequestTimeout,
			GetRetries:     g.config.Coordinator.GetRetries,
			RetryBackoff:   g.config.Coordinator.RetryBackoff,
			StreamBuffer:   g.config.Stream.Buffer,
		}, logger)
		g.store = store.NewForwardingStore(g.upstream, logger)
		g.logger.Info("forwarding runs to coordinator", "url", g.upstream.BaseURL())
		return
	}

	g.store = store.NewMemoryStore(store.MemoryConfig{
		Buffer:      g.config.Stream.Buffer,
		Simulate:    g.config.Local.Simulate,
		StartAfter:  g.config.Local.StartAfter,
		FinishAfter: g.config.Local.FinishAfter,
	}, logger)
	g.logger.Info("serving runs from local memory", "simulate", g.config.Local.Simulate)
}

// registerRoutes wires the HTTP API. Health and version stay reachable
// without credentials; run routes go through the auth middleware.
func (g *Gateway) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/v1/health", g.handleHealth)
	mux.HandleFunc("/v1/version", g.handleVersion)

	var verifier auth.TokenVerifier
	if g.config.Auth.JWTSecret != "" {
		verifier = auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret))
		g.logger.Info("HTTP auth middleware enabled")
	} else {
		g.logger.Warn("HTTP auth disabled - no jwt_secret configured, requests run as anonymous")
	}
	authed := auth.Middleware(verifier)

	mux.Handle("/v1/runs", authed(http.HandlerFunc(g.handleRuns)))
	mux.Handle("/v1/runs/", authed(http.HandlerFunc(g.handleRunSubpath)))
}

// Run starts the gateway and blocks until the context is cancelled or a
// server fails, then shuts everything down gracefully.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := g.setupListener(ctx)
	if err != nil {
		return err
	}

	errCh := g.startServer(ln)

	if err := g.waitForShutdownSignal(ctx, errCh); err != nil {
		return err
	}

	return g.gracefulShutdown()
}

// setupListener creates the HTTP listener, either plain TCP or via tsnet.
func (g *Gateway) setupListener(ctx context.Context) (net.Listener, error) {
	if g.config.Tailscale.Enabled {
		return g.setupTailscaleListener(ctx)
	}

	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", g.config.Server.HTTPAddr, err)
	}
	g.logger.Info("HTTP server listening", "addr", ln.Addr().String())
	return ln, nil
}

// setupTailscaleListener joins the tailnet and returns a listener for the
// configured exposure (plain HTTP, HTTPS with tailnet certs, or Funnel).
func (g *Gateway) setupTailscaleListener(ctx context.Context) (net.Listener, error) {
	stateDir, err := resolveTailscaleStateDir(g.config.Tailscale.StateDir)
	if err != nil {
		return nil, err
	}

	authKey, err := resolveTailscaleAuthKey(g.config.Tailscale.AuthKey)
	if err != nil {
		return nil, err
	}

	g.tsnetServer = &tsnet.Server{
		Hostname:  g.config.Tailscale.Hostname,
		Dir:       stateDir,
		Ephemeral: g.config.Tailscale.Ephemeral,
		AuthKey:   authKey,
	}

	g.logger.Info("starting tailscale node",
		"hostname", g.config.Tailscale.Hostname,
		"ephemeral", g.config.Tailscale.Ephemeral,
	)

	status, err := g.tsnetServer.Up(ctx)
	if err != nil {
		return nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(status)

	return g.createTailscaleListener()
}

func (g *Gateway) logTailscaleStatus(status *ipnstate.Status) {
	if status == nil || status.Self == nil {
		return
	}
	attrs := []any{"dns_name", status.Self.DNSName}
	if len(status.TailscaleIPs) > 0 {
		attrs = append(attrs, "ip", status.TailscaleIPs[0].String())
	}
	g.logger.Info("tailscale node ready", attrs...)
}

// createTailscaleListener picks the listener variant for the configured
// exposure. Funnel implies HTTPS on 443 and is publicly reachable.
func (g *Gateway) createTailscaleListener() (net.Listener, error) {
	ts := g.config.Tailscale

	switch {
	case ts.Funnel:
		ln, err := g.tsnetServer.ListenFunnel("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("creating funnel listener: %w", err)
		}
		g.logger.Info("tailscale funnel enabled", "addr", ":443")
		return ln, nil

	case ts.HTTPS:
		ln, err := g.tsnetServer.Listen("tcp", ":443")
		if err != nil {
			return nil, fmt.Errorf("creating HTTPS listener: %w", err)
		}
		lc, err := g.tsnetServer.LocalClient()
		if err != nil {
			ln.Close()
			return nil, fmt.Errorf("getting tailscale local client: %w", err)
		}
		tlsLn := tls.NewListener(ln, &tls.Config{
			GetCertificate: lc.GetCertificate,
			MinVersion:     tls.VersionTLS12,
		})
		g.logger.Info("tailscale HTTPS listener ready", "addr", ":443")
		return tlsLn, nil

	default:
		ln, err := g.tsnetServer.Listen("tcp", ":80")
		if err != nil {
			return nil, fmt.Errorf("creating tailscale listener: %w", err)
		}
		g.logger.Info("tailscale HTTP listener ready", "addr", ":80")
		return ln, nil
	}
}

// resolveTailscaleStateDir returns the tsnet state directory, creating it
// if needed. Defaults to ~/.local/share/run-gateway/tailscale.
func resolveTailscaleStateDir(configured string) (string, error) {
	dir := configured
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolving home directory for tailscale state: %w", err)
		}
		dir = filepath.Join(home, ".local", "share", "run-gateway", "tailscale")
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return "", fmt.Errorf("creating tailscale state dir: %w", err)
	}
	return dir, nil
}

// resolveTailscaleAuthKey returns the configured auth key, falling back to
// the TS_AUTHKEY environment variable.
func resolveTailscaleAuthKey(configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	if key := os.Getenv("TS_AUTHKEY"); key != "" {
		return key, nil
	}
	return "", fmt.Errorf("tailscale enabled but no auth key: set tailscale.auth_key or TS_AUTHKEY (create one at https://login.tailscale.com/admin/settings/keys)")
}

// startServer serves HTTP on the listener and reports fatal errors.
func (g *Gateway) startServer(ln net.Listener) <-chan error {
	errCh := make(chan error, 1)

	go func() {
		g.logger.Info("HTTP server starting", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal blocks until the context is cancelled or the
// server reports a fatal error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh <-chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("shutdown signal received")
		return nil
	case err := <-errCh:
		return err
	}
}

func (g *Gateway) gracefulShutdown() error {
	timeout := g.config.Server.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := g.Shutdown(shutdownCtx); err != nil {
		g.logger.Error("error during shutdown", "error", err)
		return err
	}

	g.logger.Info("gateway stopped")
	return nil
}

// Shutdown stops the HTTP server and closes the store, audit ledger, and
// tailscale node. Safe to call on a gateway that never ran.
func (g *Gateway) Shutdown(ctx context.Context) error {
	var errs []error

	if g.httpServer != nil {
		errs = appendCloseError(errs, "HTTP server", g.httpServer.Shutdown(ctx))
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale", g.tsnetServer.Close())
	}
	if g.store != nil {
		errs = appendCloseError(errs, "store", g.store.Close())
	}
	if g.ledger != nil {
		errs = appendCloseError(errs, "audit ledger", g.ledger.Close())
	}

	return errors.Join(errs...)
}

func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		errs = append(errs, fmt.Errorf("closing %s: %w", label, err))
	}
	return errs
}
