// ABOUTME: Gateway orchestrator that wires the session manager to its HTTP and gRPC servers
// ABOUTME: Owns the credential store, reaper, idempotency cache and listener lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"tailscale.com/ipn/ipnstate"
	"tailscale.com/tsnet"

	"github.com/2389/courier-gateway/internal/auth"
	"github.com/2389/courier-gateway/internal/config"
	"github.com/2389/courier-gateway/internal/credentials"
	"github.com/2389/courier-gateway/internal/dedupe"
	"github.com/2389/courier-gateway/internal/protocol"
	"github.com/2389/courier-gateway/internal/protocol/matrix"
	"github.com/2389/courier-gateway/internal/session"
)

// healthService is the gRPC health service name reported for the session manager.
const healthService = "courier.sessions"

const (
	idempotencyTTL     = 10 * time.Minute
	idempotencyMaxKeys = 100_000
	challengeWait      = 3 * time.Second
)

// Gateway orchestrates the courier-gateway server components.
type Gateway struct {
	config      *config.Config
	store       credentials.Store
	sessions    *session.Manager
	reaper      *session.Reaper
	idempotency *dedupe.Cache
	verifier    *auth.JWTVerifier
	grpcServer  *grpc.Server
	health      *health.Server
	httpServer  *http.Server
	tsnetServer *tsnet.Server
	logger      *slog.Logger

	// addressDomain is the server name bare phone numbers map to.
	addressDomain string

	// challengeWait bounds how long create waits for the first challenge.
	challengeWait time.Duration

	ready atomic.Bool
}

// initStore creates the credential store selected by config.
func initStore(cfg *config.Config, logger *slog.Logger) (credentials.Store, error) {
	var s credentials.Store
	switch cfg.Storage.Driver {
	case config.DriverFile:
		fs, err := credentials.NewFileStore(cfg.Storage.Path, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing file store: %w", err)
		}
		s = fs
	case config.DriverSQLite:
		ss, err := credentials.NewSQLiteStore(cfg.Storage.DatabasePath, logger)
		if err != nil {
			return nil, fmt.Errorf("initializing sqlite store: %w", err)
		}
		s = ss
	case config.DriverRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.RedisAddr,
			Password: cfg.Storage.RedisPassword,
			DB:       cfg.Storage.RedisDB,
		})
		s = credentials.NewRedisStore(client, cfg.Storage.RedisPrefix)
	case config.DriverMemory:
		s = credentials.NewMemoryStore()
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}

	if cfg.Storage.EncryptionKey == "" {
		return s, nil
	}
	sealed, err := credentials.NewSealed(s, []byte(cfg.Storage.EncryptionKey))
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("initializing credential encryption: %w", err)
	}
	return sealed, nil
}

// initFactory creates the protocol client backend selected by config.
func initFactory(cfg *config.Config, logger *slog.Logger) (protocol.Factory, error) {
	switch cfg.Client.Backend {
	case "matrix":
		f, err := matrix.NewFactory(matrix.Config{
			Homeserver:         cfg.Client.Homeserver,
			DeviceLabel:        cfg.Client.DeviceLabel,
			ConnectTimeout:     cfg.Client.ConnectTimeout,
			KeepAliveInterval:  cfg.Client.KeepAliveInterval,
			PairingRedirectURL: cfg.Client.PairingRedirectURL,
		}, logger.With("component", "matrix"))
		if err != nil {
			return nil, fmt.Errorf("creating matrix client factory: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported client backend %q", cfg.Client.Backend)
	}
}

// resolveAddressDomain returns the configured address domain or the
// homeserver host.
func resolveAddressDomain(cfg *config.Config) string {
	if cfg.Client.AddressDomain != "" {
		return cfg.Client.AddressDomain
	}
	u, err := url.Parse(cfg.Client.Homeserver)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

// createGRPCServer creates the gRPC server carrying the health and
// reflection services.
func createGRPCServer() (*grpc.Server, *health.Server) {
	server := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    15 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	hs.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	healthpb.RegisterHealthServer(server, hs)
	reflection.Register(server)
	return server, hs
}

// New creates a new Gateway instance with the given configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := initStore(cfg, logger)
	if err != nil {
		return nil, err
	}

	factory, err := initFactory(cfg, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	gw, err := newGateway(cfg, s, factory, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	return gw, nil
}

// newGateway assembles a Gateway around an existing store and factory.
func newGateway(cfg *config.Config, s credentials.Store, factory protocol.Factory, logger *slog.Logger) (*Gateway, error) {
	manager, err := session.NewManager(session.Options{
		Factory:        factory,
		Store:          s,
		Logger:         logger,
		ReconnectDelay: cfg.Sessions.ReconnectDelay,
		ConnectTimeout: cfg.Client.ConnectTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("creating session manager: %w", err)
	}

	gw := &Gateway{
		config:   cfg,
		store:    s,
		sessions: manager,
		reaper: session.NewReaper(manager, session.ReaperConfig{
			InactivityTimeout: cfg.Sessions.InactivityTimeout,
			SweepInterval:     cfg.Sessions.SweepInterval,
		}, logger),
		idempotency:   dedupe.New(idempotencyTTL, idempotencyMaxKeys),
		logger:        logger.With("component", "gateway"),
		addressDomain: resolveAddressDomain(cfg),
		challengeWait: challengeWait,
	}

	if cfg.Auth.JWTSecret != "" {
		verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
		if err != nil {
			gw.idempotency.Close()
			return nil, fmt.Errorf("creating JWT verifier: %w", err)
		}
		gw.verifier = verifier
		gw.logger.Info("operator auth enabled for session creation and listing")
	} else {
		gw.logger.Warn("operator auth disabled - no jwt_secret configured")
	}

	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = createGRPCServer()
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return gw, nil
}

// Sessions returns the session manager.
func (g *Gateway) Sessions() *session.Manager {
	return g.sessions
}

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (grpcLn, httpLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}

	if g.grpcServer == nil {
		return nil, httpLn, nil
	}
	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return grpcLn, httpLn, nil
}

// warnIgnoredAddresses logs a warning if server addresses are configured but Tailscale is enabled.
func (g *Gateway) warnIgnoredAddresses() {
	if g.config.Server.GRPCAddr != "" || g.config.Server.HTTPAddr != "" {
		g.logger.Warn("server.grpc_addr and server.http_addr are ignored when tailscale is enabled",
			"grpc_addr", g.config.Server.GRPCAddr,
			"http_addr", g.config.Server.HTTPAddr,
		)
	}
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		g.warnIgnoredAddresses()
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// startServers starts the servers in goroutines, returning an error channel.
func (g *Gateway) startServers(grpcLn, httpLn net.Listener) chan error {
	errCh := make(chan error, 2)

	if grpcLn != nil {
		go func() {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				errCh <- fmt.Errorf("gRPC server: %w", err)
			}
		}()
	}

	go func() {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()

	return errCh
}

// waitForShutdownSignal waits for context cancellation or server error.
func (g *Gateway) waitForShutdownSignal(ctx context.Context, errCh chan error) error {
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
		return nil
	case err := <-errCh:
		g.logger.Error("server error", "error", err)
		g.drainErrors(errCh)
		return err
	}
}

// drainErrors drains any remaining errors from the channel.
func (g *Gateway) drainErrors(errCh chan error) {
	select {
	case additionalErr := <-errCh:
		g.logger.Error("additional server error", "error", additionalErr)
	default:
	}
}

// Run resumes stored sessions, starts the reaper and the servers, and blocks
// until the context is canceled. Returns nil on graceful shutdown, or an
// error if a server fails.
func (g *Gateway) Run(ctx context.Context) error {
	grpcListener, httpListener, err := g.setupListeners(ctx)
	if err != nil {
		return err
	}

	if g.config.Sessions.ResumeOnStart {
		if _, err := g.sessions.ResumeAll(ctx); err != nil {
			g.logger.Error("resuming stored sessions", "error", err)
		}
	}

	reaperCtx, stopReaper := context.WithCancel(ctx)
	reaperDone := make(chan struct{})
	go func() {
		defer close(reaperDone)
		g.reaper.Run(reaperCtx)
	}()

	g.setReady(true)
	errCh := g.startServers(grpcListener, httpListener)
	serverErr := g.waitForShutdownSignal(ctx, errCh)

	stopReaper()
	<-reaperDone
	shutdownErr := g.gracefulShutdown()

	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

func (g *Gateway) setReady(ready bool) {
	g.ready.Store(ready)
	if g.health == nil {
		return
	}
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	g.health.SetServingStatus("", status)
	g.health.SetServingStatus(healthService, status)
}

// gracefulShutdown performs shutdown with a fresh context and timeout.
// Uses context.Background() intentionally since the original context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
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
	return filepath.Join(homeDir, ".local", "share", "courier-gateway", "tailscale"), nil
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

// setupTailscaleListeners creates a tsnet server and returns listeners for gRPC and HTTP.
func (g *Gateway) setupTailscaleListeners(ctx context.Context) (grpcLn, httpLn net.Listener, err error) {
	tsCfg := g.config.Tailscale

	stateDir, err := resolveTailscaleStateDir(tsCfg.StateDir)
	if err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(stateDir, 0700); err != nil {
		return nil, nil, fmt.Errorf("creating tailscale state dir: %w", err)
	}

	authKey, err := resolveTailscaleAuthKey(tsCfg.AuthKey)
	if err != nil {
		return nil, nil, err
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
		return nil, nil, fmt.Errorf("starting tailscale: %w", err)
	}
	g.logTailscaleStatus(tsCfg.Hostname, status)

	grpcLn, err = g.tsnetServer.Listen("tcp", ":50051")
	if err != nil {
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale gRPC port: %w", err)
	}

	if tsCfg.Funnel {
		g.logger.Info("enabling tailscale funnel (public HTTPS) on :443")
		httpLn, err = g.tsnetServer.ListenFunnel("tcp", ":443")
	} else {
		httpLn, err = g.tsnetServer.Listen("tcp", ":80")
	}
	if err != nil {
		_ = grpcLn.Close()
		_ = g.tsnetServer.Close()
		return nil, nil, fmt.Errorf("listening on tailscale HTTP port: %w", err)
	}
	return grpcLn, httpLn, nil
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

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
	if g.grpcServer == nil {
		return
	}
	stopped := make(chan struct{})
	go func() {
		g.grpcServer.GracefulStop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-ctx.Done():
		g.grpcServer.Stop()
	}
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown gracefully stops the servers, every session supervisor and the
// credential store. Stored credentials are kept for the next start.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")
	g.setReady(false)

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	g.shutdownGRPCServer(ctx)

	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = appendCloseError(errs, "session shutdown", g.sessions.Shutdown(ctx))
	errs = appendCloseError(errs, "store close", g.store.Close())
	g.idempotency.Close()

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}
