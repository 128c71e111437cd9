// ABOUTME: Gateway orchestrator wiring the event distribution components together
// ABOUTME: Owns the HTTP and gRPC servers, the bus adapter and their lifecycle

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"tailscale.com/tsnet"

	"github.com/2389/mission-gateway/internal/auth"
	"github.com/2389/mission-gateway/internal/bus"
	"github.com/2389/mission-gateway/internal/config"
	"github.com/2389/mission-gateway/internal/dedupe"
	"github.com/2389/mission-gateway/internal/events"
	"github.com/2389/mission-gateway/internal/heartbeat"
	"github.com/2389/mission-gateway/internal/rooms"
	"github.com/2389/mission-gateway/internal/router"
	"github.com/2389/mission-gateway/internal/store"
	"github.com/2389/mission-gateway/internal/ws"
)

const shutdownTimeout = 10 * time.Second

// Option configures a Gateway.
type Option func(*options)

type options struct {
	transport bus.Transport
}

// WithTransport uses t for the broadcast bus instead of dialing bus.driver.
// Instances sharing a bus.MemoryHub in one process use this.
func WithTransport(t bus.Transport) Option {
	return func(o *options) { o.transport = t }
}

// Gateway is one stateless instance of the event distribution service.
type Gateway struct {
	config     *config.Config
	instanceID string

	verifier   auth.TokenVerifier
	jwt        *auth.JWTVerifier
	registry   *rooms.Registry
	monitor    *heartbeat.Monitor
	seen       *dedupe.Cache
	router     *router.Router
	publisher  *events.Publisher
	adapter    *bus.Adapter
	gatekeeper *ws.Gatekeeper
	ledger     *store.SQLiteStore // nil when database.path is empty

	httpServer  *http.Server
	grpcServer  *grpc.Server
	health      *health.Server
	tsnetServer *tsnet.Server

	logger *slog.Logger
}

// New builds every component from cfg. It dials the bus but starts no
// goroutines; call Run or Serve.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	instanceID := cfg.Instance.ID
	if instanceID == "" {
		instanceID = "gw-" + uuid.NewString()[:8]
	}

	gw := &Gateway{
		config:     cfg,
		instanceID: instanceID,
		registry:   rooms.NewRegistry(logger),
		logger:     logger.With("component", "gateway", "instance_id", instanceID),
	}

	if err := gw.initAuth(); err != nil {
		return nil, err
	}

	monitor, err := heartbeat.New(heartbeat.Config{
		ClientInterval: cfg.Heartbeat.ClientInterval,
		Timeout:        cfg.Heartbeat.Timeout,
		SweepInterval:  cfg.Heartbeat.SweepInterval,
	}, gw.evict, logger)
	if err != nil {
		return nil, fmt.Errorf("creating heartbeat monitor: %w", err)
	}
	gw.monitor = monitor

	gw.seen = dedupe.New(cfg.Bus.DedupeTTL, cfg.Bus.DedupeSize, dedupe.WithSweepInterval(cfg.Bus.DedupeTTL))
	gw.router = router.New(instanceID, gw.registry, gw.seen, logger)
	gw.publisher = events.NewPublisher(gw.router)

	if err := gw.initLedger(ctx); err != nil {
		gw.seen.Close()
		return nil, err
	}

	transport := o.transport
	if transport == nil {
		transport, err = bus.Dial(ctx, cfg.Bus.Driver, cfg.Bus.URL, logger)
		if err != nil {
			gw.closeComponents()
			return nil, fmt.Errorf("dialing %s bus: %w", cfg.Bus.Driver, err)
		}
	}
	gw.adapter = bus.NewAdapter(transport, gw.router.Relay, bus.AdapterConfig{
		Topic:          cfg.Bus.Topic,
		QueueSize:      cfg.Bus.PublishQueueSize,
		PublishTimeout: cfg.Bus.PublishTimeout,
		BackoffInitial: cfg.Bus.BackoffInitial,
		BackoffMax:     cfg.Bus.BackoffMax,
	}, logger)
	gw.router.AttachRemote(gw.adapter)

	var gkOpts []ws.Option
	if gw.ledger != nil {
		gkOpts = append(gkOpts, ws.WithLedger(gw.ledger))
	}
	gw.gatekeeper = ws.NewGatekeeper(gw.verifier, gw.registry, gw.monitor, ws.Config{
		InstanceID:       instanceID,
		HandshakeTimeout: cfg.Gateway.HandshakeTimeout,
		WriteTimeout:     cfg.Gateway.WriteTimeout,
		SendQueueSize:    cfg.Gateway.SendQueueSize,
		MaxMessageBytes:  cfg.Gateway.MaxMessageBytes,
		FrameRate:        cfg.Gateway.FrameRate,
		FrameBurst:       cfg.Gateway.FrameBurst,
		AllowedOrigins:   cfg.Server.CORSOrigins,
	}, logger, gkOpts...)

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.newHTTPHandler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if cfg.Server.GRPCAddr != "" || cfg.Tailscale.Enabled {
		gw.grpcServer, gw.health = gw.newGRPCServer()
	}

	gw.logger.Info("gateway initialized",
		"bus_driver", cfg.Bus.Driver,
		"service_keys", len(cfg.Auth.ServiceKeys),
		"ledger", gw.ledger != nil,
	)
	return gw, nil
}

func (g *Gateway) initAuth() error {
	jwtVerifier, err := auth.NewJWTVerifier([]byte(g.config.Auth.JWTSecret), auth.JWTOptions{
		Issuer:   g.config.Auth.Issuer,
		Audience: g.config.Auth.Audience,
	})
	if err != nil {
		return fmt.Errorf("creating JWT verifier: %w", err)
	}
	g.jwt = jwtVerifier

	if len(g.config.Auth.ServiceKeys) == 0 {
		g.verifier = jwtVerifier
		return nil
	}

	keys := make([]auth.ServiceKey, 0, len(g.config.Auth.ServiceKeys))
	for _, k := range g.config.Auth.ServiceKeys {
		keys = append(keys, auth.ServiceKey{Name: k.Name, Hash: k.Hash})
	}
	serviceKeys, err := auth.NewServiceKeyVerifier(keys)
	if err != nil {
		return fmt.Errorf("creating service key verifier: %w", err)
	}
	g.verifier = auth.NewChainVerifier(jwtVerifier, serviceKeys)
	return nil
}

// initLedger opens the session ledger and closes sessions a previous run of
// this instance left open. Without a stable instance.id there is nothing to
// reconcile.
func (g *Gateway) initLedger(ctx context.Context) error {
	if g.config.Database.Path == "" {
		return nil
	}
	ledger, err := store.NewSQLiteStore(g.config.Database.Path, g.logger)
	if err != nil {
		return fmt.Errorf("opening session ledger: %w", err)
	}
	g.ledger = ledger

	if g.config.Instance.ID != "" {
		n, err := ledger.CloseOrphans(ctx, g.instanceID, time.Now(), "instance restarted")
		if err != nil {
			g.logger.Warn("closing orphaned sessions", "error", err)
		} else if n > 0 {
			g.logger.Info("closed orphaned sessions", "count", n)
		}
	}
	return nil
}

// evict is the heartbeat monitor's eviction callback.
func (g *Gateway) evict(id string, reason error) {
	g.gatekeeper.Evict(id, reason)
}

// InstanceID returns the origin tag of events published here.
func (g *Gateway) InstanceID() string { return g.instanceID }

// Publisher returns the producer API bound to this instance's router.
func (g *Gateway) Publisher() *events.Publisher { return g.publisher }

// Router returns the event router.
func (g *Gateway) Router() *router.Router { return g.router }

// Registry returns the local room registry.
func (g *Gateway) Registry() *rooms.Registry { return g.registry }

// Handler returns the HTTP handler (WebSocket endpoint, API, health, metrics).
func (g *Gateway) Handler() http.Handler { return g.httpServer.Handler }

// TokenIssuer returns the JWT verifier, which can also mint tokens.
func (g *Gateway) TokenIssuer() *auth.JWTVerifier { return g.jwt }

// Ready reports whether the bus subscription is established.
func (g *Gateway) Ready() bool { return g.adapter.Connected() }

// setupTCPListeners creates standard TCP listeners for HTTP and, when
// configured, gRPC.
func (g *Gateway) setupTCPListeners() (httpLn, grpcLn net.Listener, err error) {
	g.logger.Info("starting gateway",
		"http_addr", g.config.Server.HTTPAddr,
		"grpc_addr", g.config.Server.GRPCAddr,
	)

	httpLn, err = net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("listening on HTTP address: %w", err)
	}
	if g.grpcServer == nil {
		return httpLn, nil, nil
	}

	grpcLn, err = net.Listen("tcp", g.config.Server.GRPCAddr)
	if err != nil {
		_ = httpLn.Close()
		return nil, nil, fmt.Errorf("listening on gRPC address: %w", err)
	}
	return httpLn, grpcLn, nil
}

// setupListeners creates listeners based on configuration (Tailscale or TCP).
func (g *Gateway) setupListeners(ctx context.Context) (httpLn, grpcLn net.Listener, err error) {
	if g.config.Tailscale.Enabled {
		if g.config.Server.HTTPAddr != "" || g.config.Server.GRPCAddr != "" {
			g.logger.Warn("server.http_addr and server.grpc_addr are ignored when tailscale is enabled")
		}
		return g.setupTailscaleListeners(ctx)
	}
	return g.setupTCPListeners()
}

// Run opens the configured listeners and serves until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	httpLn, grpcLn, err := g.setupListeners(ctx)
	if err != nil {
		g.closeComponents()
		return err
	}
	return g.Serve(ctx, httpLn, grpcLn)
}

// Serve runs every component on the given listeners until ctx is canceled
// or a server fails, then shuts down. grpcLn may be nil.
// Returns nil on graceful shutdown.
func (g *Gateway) Serve(ctx context.Context, httpLn, grpcLn net.Listener) error {
	eg, egCtx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		return g.adapter.Run(egCtx)
	})
	eg.Go(func() error {
		g.monitor.Run(egCtx)
		return nil
	})
	eg.Go(func() error {
		g.logger.Info("HTTP server listening", "addr", httpLn.Addr().String())
		if err := g.httpServer.Serve(httpLn); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	if grpcLn != nil && g.grpcServer != nil {
		eg.Go(func() error {
			g.logger.Info("gRPC server listening", "addr", grpcLn.Addr().String())
			if err := g.grpcServer.Serve(grpcLn); err != nil {
				return fmt.Errorf("gRPC server: %w", err)
			}
			return nil
		})
		eg.Go(func() error {
			g.watchReadiness(egCtx)
			return nil
		})
	}
	if g.ledger != nil && g.config.Database.Retention > 0 {
		eg.Go(func() error {
			g.pruneLedger(egCtx)
			return nil
		})
	}
	eg.Go(func() error {
		<-egCtx.Done()
		if ctx.Err() != nil {
			g.logger.Info("context canceled, initiating shutdown")
		}
		return g.gracefulShutdown()
	})

	return eg.Wait()
}

// gracefulShutdown performs shutdown with a fresh context and timeout, since
// the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return g.Shutdown(ctx)
}

// Shutdown closes every WebSocket with 1001, stops the servers and releases
// the bus, the dedupe sweeper and the ledger.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway", "connections", g.gatekeeper.Count())

	var errs []error
	// Hijacked WebSocket connections are invisible to http.Server.Shutdown.
	errs = appendCloseError(errs, "closing connections", g.gatekeeper.CloseAll(ctx))
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	if g.grpcServer != nil {
		g.health.Shutdown()
		g.shutdownGRPCServer(ctx)
	}
	if g.tsnetServer != nil {
		errs = appendCloseError(errs, "tailscale shutdown", g.tsnetServer.Close())
	}
	errs = append(errs, g.closeComponents()...)

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// shutdownGRPCServer gracefully stops the gRPC server or force-stops on context cancel.
func (g *Gateway) shutdownGRPCServer(ctx context.Context) {
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

func (g *Gateway) closeComponents() []error {
	var errs []error
	if g.adapter != nil {
		errs = appendCloseError(errs, "bus close", g.adapter.Close())
	}
	if g.seen != nil {
		g.seen.Close()
	}
	if g.ledger != nil {
		errs = appendCloseError(errs, "ledger close", g.ledger.Close())
	}
	return errs
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// pruneLedger deletes closed sessions older than database.retention once an hour.
func (g *Gateway) pruneLedger(ctx context.Context) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		n, err := g.ledger.PruneClosed(ctx, time.Now().Add(-g.config.Database.Retention))
		switch {
		case err != nil && ctx.Err() == nil:
			g.logger.Warn("pruning session ledger", "error", err)
		case n > 0:
			g.logger.Info("pruned session ledger", "removed", n)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
