package websocket

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/cotgate/errors"
	"github.com/c360/cotgate/gateway"
	"github.com/c360/cotgate/health"
	"github.com/c360/cotgate/message"
	"github.com/c360/cotgate/pkg/tlsutil"
)

// Protocol is the protocol resource value of WebSocket nodes
const Protocol = "WebSocket"

// maxCloseReason keeps close frames within the 125 byte control frame limit
const maxCloseReason = 123

// Config configures the WebSocket adapter
type Config struct {
	Bind           string
	Path           string
	MaxMessageSize int64
	WriteTimeout   time.Duration
	TLS            tlsutil.ServerConfig
}

// DefaultConfig returns the standard node endpoint
func DefaultConfig() Config {
	return Config{
		Bind:           ":8001",
		Path:           "/node",
		MaxMessageSize: 64 << 10,
		WriteTimeout:   10 * time.Second,
	}
}

// nodeConn serializes writes to one node connection
type nodeConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *nodeConn) write(data []byte, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(timeout))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *nodeConn) close(code int, reason string) {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	_ = c.conn.Close()
}

// Adapter serves nodes that hold a websocket open to the gateway. Each
// connection is one node: open is first contact and close removes it.
type Adapter struct {
	cfg       Config
	tlsConfig *tls.Config
	upgrader  websocket.Upgrader
	logger    *slog.Logger
	monitor   *health.Monitor

	mu       sync.Mutex
	ctx      context.Context
	ingress  gateway.Ingress
	server   *http.Server
	listener net.Listener
	conns    map[string]*nodeConn
	wg       sync.WaitGroup
}

// Option configures an Adapter
type Option func(*Adapter)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(a *Adapter) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithHealthMonitor reports listener state to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(a *Adapter) { a.monitor = monitor }
}

// New creates a WebSocket adapter, loading the server certificate when one
// is configured.
func New(cfg Config, opts ...Option) (*Adapter, error) {
	def := DefaultConfig()
	if cfg.Bind == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: websocket bind address", errors.ErrMissingConfig),
			"websocket", "New", "config check")
	}
	if cfg.Path == "" {
		cfg.Path = def.Path
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = def.MaxMessageSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}

	tlsConfig, err := tlsutil.LoadServerTLSConfig(cfg.TLS)
	if err != nil {
		return nil, err
	}

	a := &Adapter{
		cfg:       cfg,
		tlsConfig: tlsConfig,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
		logger: slog.Default(),
		conns:  make(map[string]*nodeConn),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "websocket_adapter")
	return a, nil
}

// Protocol implements gateway.Adapter
func (a *Adapter) Protocol() string { return Protocol }

// Addr returns the bound listener address once started
func (a *Adapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Start binds the HTTP server and begins accepting node connections
func (a *Adapter) Start(ctx context.Context, in gateway.Ingress) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.server != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "websocket", "Start", "start check")
	}

	listener, err := net.Listen("tcp", a.cfg.Bind)
	if err != nil {
		return errors.WrapFatal(err, "websocket", "Start", fmt.Sprintf("listen on %s", a.cfg.Bind))
	}

	mux := http.NewServeMux()
	mux.HandleFunc(a.cfg.Path, a.handleNode)

	server := &http.Server{
		Handler:           mux,
		TLSConfig:         a.tlsConfig,
		ReadHeaderTimeout: 10 * time.Second,
	}

	a.ctx = ctx
	a.ingress = in
	a.server = server
	a.listener = listener

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		var err error
		if a.tlsConfig != nil {
			err = server.ServeTLS(listener, "", "")
		} else {
			err = server.Serve(listener)
		}
		if err != nil && err != http.ErrServerClosed {
			a.logger.Error("WebSocket server failed", "error", err)
			if a.monitor != nil {
				a.monitor.UpdateUnhealthy("websocket", err.Error())
			}
		}
	}()

	a.logger.Info("WebSocket node server listening", "bind", listener.Addr().String(),
		"path", a.cfg.Path, "tls", a.tlsConfig != nil)
	if a.monitor != nil {
		a.monitor.UpdateHealthy("websocket", "listening on "+listener.Addr().String())
	}
	return nil
}

// Stop shuts the server down and closes every node connection
func (a *Adapter) Stop(timeout time.Duration) error {
	a.mu.Lock()
	server := a.server
	a.server = nil
	conns := a.conns
	a.conns = make(map[string]*nodeConn)
	a.mu.Unlock()

	if server == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	_ = server.Shutdown(ctx)

	// Hijacked connections are not tracked by Shutdown
	for _, c := range conns {
		c.close(websocket.CloseGoingAway, "gateway shutting down")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()

	if a.monitor != nil {
		a.monitor.UpdateUnhealthy("websocket", "stopped")
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(errors.ErrConnectionTimeout, "websocket", "Stop", "wait for connections")
	}
}

func (a *Adapter) bound() (context.Context, gateway.Ingress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx, a.ingress
}

func (a *Adapter) handleNode(w http.ResponseWriter, r *http.Request) {
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.logger.Debug("WebSocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	conn.SetReadLimit(a.cfg.MaxMessageSize)

	id := uuid.NewString()
	nc := &nodeConn{conn: conn}

	a.mu.Lock()
	if a.server == nil {
		a.mu.Unlock()
		nc.close(websocket.CloseGoingAway, "gateway shutting down")
		return
	}
	a.conns[id] = nc
	a.wg.Add(1)
	a.mu.Unlock()

	go a.serveNode(id, nc, remoteHost(r.RemoteAddr))
}

func (a *Adapter) serveNode(id string, nc *nodeConn, host string) {
	defer a.wg.Done()

	ctx, in := a.bound()
	logger := a.logger.With("conn", id, "remote", host)
	logger.Debug("New node websocket opened")

	defer func() {
		a.mu.Lock()
		delete(a.conns, id)
		a.mu.Unlock()
		_ = nc.conn.Close()

		if err := in.HandleGone(ctx, id); err != nil {
			logger.Debug("Node already gone", "error", err)
		}
		logger.Debug("Node websocket closed")
	}()

	contact := gateway.Contact{Address: id, Seed: map[string]string{gateway.ResourceIP: host}}
	if _, err := in.HandleCheck(ctx, contact, false); err != nil {
		logger.Warn("Node registration failed", "error", err)
		nc.close(websocket.CloseTryAgainLater, "gateway unavailable")
		return
	}

	for {
		_, data, err := nc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Debug("Node websocket read failed", "error", err)
			}
			return
		}

		msg, err := message.Check(data)
		if err != nil {
			logger.Debug("Invalid message, closing websocket", "error", err)
			nc.close(websocket.CloseUnsupportedData, closeReason(err))
			return
		}
		if msg.Type != message.TypeUpdate {
			logger.Debug("Ignoring node message", "type", msg.Type)
			continue
		}

		values, err := msg.Values()
		if err != nil {
			logger.Debug("Update without data object", "error", err)
			continue
		}
		names := make([]string, 0, len(values))
		for name := range values {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			if err := in.HandleValue(ctx, id, name, values[name]); err != nil {
				logger.Debug("Node value ignored", "resource", name, "error", err)
			}
		}
	}
}

func (a *Adapter) conn(node gateway.NodeSnapshot) (*nodeConn, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.conns[node.Address]
	return c, ok
}

// Discover asks the node to publish its resources. Values arrive as update
// frames, so the returned map is always empty.
func (a *Adapter) Discover(_ context.Context, node gateway.NodeSnapshot) (map[string]string, error) {
	c, ok := a.conn(node)
	if !ok {
		return nil, errors.WrapInvalid(errors.ErrDeviceUnreachable, "websocket", "Discover", "connection lookup")
	}
	if err := c.write(message.DiscoverRequest(), a.cfg.WriteTimeout); err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDeviceUnreachable, err),
			"websocket", "Discover", "write discover request")
	}
	return map[string]string{}, nil
}

// UpdateResource writes {"endpoint","payload"} to the node
func (a *Adapter) UpdateResource(_ context.Context, node gateway.NodeSnapshot, endpoint, value string) error {
	c, ok := a.conn(node)
	if !ok {
		return errors.WrapInvalid(errors.ErrDeviceUnreachable, "websocket", "UpdateResource", "connection lookup")
	}
	if err := c.write(message.ResourceUpdate(endpoint, value), a.cfg.WriteTimeout); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDeviceUnreachable, err),
			"websocket", "UpdateResource", "write resource update")
	}
	return nil
}

// Detach closes the connection of an evicted node
func (a *Adapter) Detach(_ context.Context, node gateway.NodeSnapshot) {
	if c, ok := a.conn(node); ok {
		c.close(websocket.CloseNormalClosure, "node evicted")
	}
}

// closeReason is the validation reason without the wrapping context
func closeReason(err error) string {
	reason := err.Error()
	if _, after, ok := strings.Cut(reason, errors.ErrInvalidEnvelope.Error()+": "); ok {
		reason = after
	}
	reason += "."
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	return reason
}

func remoteHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
