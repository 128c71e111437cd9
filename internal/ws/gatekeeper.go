// ABOUTME: Connection Gatekeeper: upgrades, authenticates and admits WebSocket clients
// ABOUTME: Owns every live Connection; refusals allocate nothing and touch no registry

package ws

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/2389/mission-gateway/internal/auth"
	"github.com/2389/mission-gateway/internal/events"
	"github.com/2389/mission-gateway/internal/metrics"
	"github.com/2389/mission-gateway/internal/rooms"
	"github.com/2389/mission-gateway/internal/store"
)

const ledgerTimeout = 5 * time.Second

// Liveness is the heartbeat bookkeeping the gatekeeper drives.
// heartbeat.Monitor implements it.
type Liveness interface {
	Register(id string)
	Touch(id string) bool
	Deregister(id string)
}

// SessionRecorder persists admissions and closures. store.SQLiteStore
// implements it.
type SessionRecorder interface {
	RecordAdmission(ctx context.Context, s *store.Session) error
	RecordClosure(ctx context.Context, connectionID string, at time.Time, reason string) error
}

// Config holds per-connection limits.
type Config struct {
	InstanceID       string
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendQueueSize    int
	MaxMessageBytes  int64
	FrameRate        float64 // client frames per second
	FrameBurst       int
	AllowedOrigins   []string // empty or "*" allows any origin
}

func (c *Config) applyDefaults() {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 64
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = 1 << 20
	}
	if c.FrameRate <= 0 {
		c.FrameRate = 20
	}
	if c.FrameBurst <= 0 {
		c.FrameBurst = 40
	}
}

// Option configures a Gatekeeper.
type Option func(*Gatekeeper)

// WithLedger records every admission and closure.
func WithLedger(l SessionRecorder) Option {
	return func(g *Gatekeeper) { g.ledger = l }
}

// Gatekeeper is the http.Handler for GET /ws.
type Gatekeeper struct {
	verifier auth.TokenVerifier
	registry *rooms.Registry
	liveness Liveness
	ledger   SessionRecorder
	cfg      Config
	upgrader websocket.Upgrader
	logger   *slog.Logger

	mu    sync.RWMutex
	conns map[string]*Connection

	wg       sync.WaitGroup
	stopping atomic.Bool
}

// NewGatekeeper creates a gatekeeper. Pass nil logger for default.
func NewGatekeeper(verifier auth.TokenVerifier, registry *rooms.Registry, liveness Liveness, cfg Config, logger *slog.Logger, opts ...Option) *Gatekeeper {
	if logger == nil {
		logger = slog.Default()
	}
	cfg.applyDefaults()

	g := &Gatekeeper{
		verifier: verifier,
		registry: registry,
		liveness: liveness,
		cfg:      cfg,
		conns:    make(map[string]*Connection),
		logger:   logger.With("component", "gatekeeper"),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     originChecker(cfg.AllowedOrigins),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func originChecker(allowed []string) func(r *http.Request) bool {
	allowAll := len(allowed) == 0
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		if o == "*" {
			allowAll = true
		}
		set[strings.ToLower(strings.TrimRight(o, "/"))] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if allowAll || origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

// ServeHTTP upgrades the request, runs the handshake and, on success, serves
// the connection until it closes.
func (g *Gatekeeper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if g.stopping.Load() {
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote an HTTP error response.
		metrics.HandshakesTotal.WithLabelValues("error").Inc()
		g.logger.Debug("upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
		return
	}

	identity, err := g.authenticate(conn)
	if err != nil {
		g.refuse(conn, r.RemoteAddr, err)
		return
	}

	c := g.admit(conn, identity, r.RemoteAddr)
	if c == nil {
		return
	}
	c.readLoop()
}

// authenticate reads exactly one frame within the handshake timeout.
func (g *Gatekeeper) authenticate(conn *websocket.Conn) (*auth.Identity, error) {
	conn.SetReadLimit(g.cfg.MaxMessageBytes)
	_ = conn.SetReadDeadline(time.Now().Add(g.cfg.HandshakeTimeout))

	_, data, err := conn.ReadMessage()
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, ErrHandshakeTimeout
		}
		return nil, fmt.Errorf("%w: reading auth frame: %v", ErrConnectionClosed, err)
	}

	f, err := decodeClientFrame(data)
	if err != nil || f.Type != FrameAuth {
		return nil, fmt.Errorf("%w: first frame must be auth", auth.ErrUnauthorized)
	}
	var d AuthData
	if err := decodeData(f, &d); err != nil || d.Token == "" {
		return nil, fmt.Errorf("%w: missing token", auth.ErrUnauthorized)
	}

	identity, err := g.verifier.Verify(d.Token)
	if err != nil {
		return nil, err
	}

	_ = conn.SetReadDeadline(time.Time{})
	return identity, nil
}

func (g *Gatekeeper) refuse(conn *websocket.Conn, remoteAddr string, reason error) {
	result := "error"
	switch {
	case errors.Is(reason, auth.ErrUnauthorized):
		result = "unauthorized"
	case errors.Is(reason, ErrHandshakeTimeout):
		result = "timeout"
	}
	metrics.HandshakesTotal.WithLabelValues(result).Inc()
	g.logger.Info("handshake refused", "remote_addr", remoteAddr, "reason", reason)

	text := closeText(reason)
	if errors.Is(reason, auth.ErrUnauthorized) {
		// Verifier detail stays in the log.
		text = "unauthorized"
	}
	msg := websocket.FormatCloseMessage(closeCode(reason), text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(g.cfg.WriteTimeout))
	_ = conn.Close()
}

// admit allocates the Connection and starts its write loop. The connected
// frame is queued before the dashboard join so it is always first.
func (g *Gatekeeper) admit(conn *websocket.Conn, identity *auth.Identity, remoteAddr string) *Connection {
	id := uuid.NewString()
	c := &Connection{
		id:          id,
		identity:    identity,
		remoteAddr:  remoteAddr,
		connectedAt: time.Now().UTC(),
		conn:        conn,
		send:        make(chan []byte, g.cfg.SendQueueSize),
		done:        make(chan struct{}),
		limiter:     rate.NewLimiter(rate.Limit(g.cfg.FrameRate), g.cfg.FrameBurst),
		gk:          g,
		logger:      g.logger.With("connection_id", id, "principal_id", identity.PrincipalID),
	}

	g.mu.Lock()
	if g.stopping.Load() {
		g.mu.Unlock()
		g.refuse(conn, remoteAddr, ErrServerShutdown)
		return nil
	}
	g.conns[id] = c
	g.wg.Add(1)
	metrics.ConnectionsActive.Inc()
	g.mu.Unlock()

	if g.ledger != nil {
		ctx, cancel := context.WithTimeout(context.Background(), ledgerTimeout)
		err := g.ledger.RecordAdmission(ctx, &store.Session{
			ConnectionID:  id,
			PrincipalID:   identity.PrincipalID,
			PrincipalKind: identity.Kind,
			InstanceID:    g.cfg.InstanceID,
			RemoteAddr:    remoteAddr,
			ConnectedAt:   c.connectedAt,
		})
		cancel()
		if err != nil {
			c.logger.Warn("recording session admission", "error", err)
		}
	}

	c.reply(events.Connected{ConnectionID: id, PrincipalID: identity.PrincipalID})
	g.liveness.Register(id)
	g.registry.Join(events.DashboardRoom, c)
	// CloseAll may have released c before it was registered anywhere.
	if c.closed() {
		g.registry.Leave(events.DashboardRoom, c)
		g.liveness.Deregister(id)
	}

	metrics.HandshakesTotal.WithLabelValues("admitted").Inc()
	c.logger.Info("connection admitted", "remote_addr", remoteAddr, "kind", identity.Kind)

	go c.writeLoop()
	return c
}

// release undoes admission. Connection.Close calls it exactly once.
func (g *Gatekeeper) release(c *Connection, reason error) {
	g.mu.Lock()
	delete(g.conns, c.id)
	g.mu.Unlock()

	left := g.registry.LeaveAll(c)
	g.liveness.Deregister(c.id)

	metrics.ConnectionsActive.Dec()
	metrics.ConnectionsClosed.WithLabelValues(reasonLabel(reason)).Inc()
	c.logger.Info("connection closed", "reason", reason, "rooms", len(left))
}

// Evict closes the connection with id. It reports whether one was found.
// A nil reason means ErrEvicted. heartbeat.Monitor calls it on timeout.
func (g *Gatekeeper) Evict(id string, reason error) bool {
	g.mu.RLock()
	c, ok := g.conns[id]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	if reason == nil {
		reason = ErrEvicted
	}
	c.Close(reason)
	return true
}

// Connection returns a live connection by ID.
func (g *Gatekeeper) Connection(id string) (*Connection, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	c, ok := g.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (g *Gatekeeper) Count() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// CloseAll refuses new connections, closes every live one with
// ErrServerShutdown and waits for their sockets to close or ctx to end.
func (g *Gatekeeper) CloseAll(ctx context.Context) error {
	g.mu.Lock()
	g.stopping.Store(true)
	conns := make([]*Connection, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.Unlock()

	for _, c := range conns {
		c.Close(ErrServerShutdown)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		g.logger.Info("all connections closed", "count", len(conns))
		return nil
	case <-ctx.Done():
		return fmt.Errorf("closing connections: %w", ctx.Err())
	}
}
