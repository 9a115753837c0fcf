package coap

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/mux"
	coapnet "github.com/plgd-dev/go-coap/v3/net"
	"github.com/plgd-dev/go-coap/v3/options"
	"github.com/plgd-dev/go-coap/v3/udp"

	"github.com/c360/cotgate/errors"
	"github.com/c360/cotgate/gateway"
	"github.com/c360/cotgate/health"
)

// Protocol is the protocol resource value of CoAP nodes
const Protocol = "CoAP"

const (
	alivePath     = "/alive"
	serverPath    = "/server"
	wellKnownCore = "/.well-known/core"
	resetPayload  = "reset"
)

// Config configures the CoAP adapter
type Config struct {
	Bind       string // UDP address of the gateway's CoAP server
	DevicePort int    // port devices serve their resources on

	// RequestTimeout caps each GET during discovery. Each request also gets
	// no more than an equal share of what is left of the caller's deadline.
	RequestTimeout time.Duration
}

// DefaultConfig returns the standard CoAP ports
func DefaultConfig() Config {
	return Config{Bind: ":5683", DevicePort: 5683}
}

// Adapter serves CoAP devices. Devices POST liveness to /alive and values
// to /server; the gateway reads and writes their resources as a client.
type Adapter struct {
	cfg       Config
	requester Requester
	logger    *slog.Logger
	monitor   *health.Monitor

	mu       sync.Mutex
	ctx      context.Context
	ingress  gateway.Ingress
	listener *coapnet.UDPConn
	stop     func()
	done     chan error
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

// WithRequester replaces the UDP client used to reach devices
func WithRequester(r Requester) Option {
	return func(a *Adapter) {
		if r != nil {
			a.requester = r
		}
	}
}

// WithHealthMonitor reports listener state to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(a *Adapter) { a.monitor = monitor }
}

// New creates a CoAP adapter
func New(cfg Config, opts ...Option) (*Adapter, error) {
	if cfg.Bind == "" {
		return nil, errors.WrapFatal(fmt.Errorf("%w: coap bind address", errors.ErrMissingConfig), "coap", "New", "config check")
	}
	if cfg.DevicePort <= 0 || cfg.DevicePort > 65535 {
		return nil, errors.WrapFatal(fmt.Errorf("%w: coap device port %d", errors.ErrInvalidConfig, cfg.DevicePort),
			"coap", "New", "config check")
	}

	a := &Adapter{
		cfg:       cfg,
		requester: UDPRequester{},
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "coap_adapter")
	return a, nil
}

// Protocol implements gateway.Adapter
func (a *Adapter) Protocol() string { return Protocol }

// Addr returns the bound server address once started
func (a *Adapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.LocalAddr().String()
}

// Start binds the CoAP server and begins serving /alive and /server
func (a *Adapter) Start(ctx context.Context, in gateway.Ingress) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.stop != nil {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "coap", "Start", "start check")
	}

	listener, err := coapnet.NewListenUDP("udp", a.cfg.Bind)
	if err != nil {
		return errors.WrapFatal(err, "coap", "Start", fmt.Sprintf("listen on %s", a.cfg.Bind))
	}

	router := mux.NewRouter()
	if err := router.Handle(alivePath, mux.HandlerFunc(a.handleAlive)); err != nil {
		_ = listener.Close()
		return errors.WrapFatal(err, "coap", "Start", "route /alive")
	}
	if err := router.Handle(serverPath, mux.HandlerFunc(a.handleServer)); err != nil {
		_ = listener.Close()
		return errors.WrapFatal(err, "coap", "Start", "route /server")
	}

	server := udp.NewServer(options.WithMux(router))
	done := make(chan error, 1)
	go func() { done <- server.Serve(listener) }()

	a.ctx = ctx
	a.ingress = in
	a.listener = listener
	a.stop = server.Stop
	a.done = done

	a.logger.Info("CoAP server listening", "bind", listener.LocalAddr().String())
	if a.monitor != nil {
		a.monitor.UpdateHealthy("coap", "listening on "+listener.LocalAddr().String())
	}
	return nil
}

// Stop shuts the server down
func (a *Adapter) Stop(timeout time.Duration) error {
	a.mu.Lock()
	stop, done, listener := a.stop, a.done, a.listener
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop == nil {
		return nil
	}
	stop()
	_ = listener.Close()

	if a.monitor != nil {
		a.monitor.UpdateUnhealthy("coap", "stopped")
	}

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrConnectionTimeout, "coap", "Stop", "server shutdown")
	}
}

func (a *Adapter) bound() (context.Context, gateway.Ingress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx, a.ingress
}

func (a *Adapter) handleAlive(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.POST {
		reply(w, codes.MethodNotAllowed, "")
		return
	}
	payload := readPayload(r)
	ip := remoteIP(w.Conn().RemoteAddr())
	a.logger.Debug("CoAP alive received", "remote", ip)

	ctx, in := a.bound()
	contact := gateway.Contact{Address: ip, Seed: map[string]string{gateway.ResourceIP: ip}}
	if _, err := in.HandleCheck(ctx, contact, payload == resetPayload); err != nil {
		a.logger.Warn("CoAP check failed", "remote", ip, "error", err)
		reply(w, codes.ServiceUnavailable, "")
		return
	}
	reply(w, codes.Changed, fmt.Sprintf("Received '%s'", payload))
}

func (a *Adapter) handleServer(w mux.ResponseWriter, r *mux.Message) {
	if r.Code() != codes.POST {
		reply(w, codes.MethodNotAllowed, "")
		return
	}
	payload := readPayload(r)
	ip := remoteIP(w.Conn().RemoteAddr())

	name, value, ok := strings.Cut(payload, ":")
	if !ok || name == "" {
		a.logger.Debug("Malformed CoAP value", "remote", ip, "payload", payload)
		reply(w, codes.BadRequest, "expected '<path>:<value>'")
		return
	}

	ctx, in := a.bound()
	if err := in.HandleValue(ctx, ip, strings.TrimPrefix(name, "/"), value); err != nil {
		// Values from nodes that never checked in are dropped
		a.logger.Debug("CoAP value ignored", "remote", ip, "error", err)
	}
	reply(w, codes.Changed, fmt.Sprintf("Received '%s'", payload))
}

// Discover reads the node's link-format index and fetches every listed
// resource. Resources that fail are skipped.
func (a *Adapter) Discover(ctx context.Context, node gateway.NodeSnapshot) (map[string]string, error) {
	target := a.target(node)
	a.logger.Debug("Discovering CoAP node", "node", node.ID, "target", target)

	indexCtx, cancel := a.share(ctx, 1)
	code, body, err := a.requester.Get(indexCtx, target, wellKnownCore)
	cancel()
	if err != nil {
		return nil, errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDeviceUnreachable, err),
			"coap", "Discover", "fetch "+wellKnownCore)
	}
	if !success(code) {
		return nil, errors.WrapInvalid(fmt.Errorf("%w: %s answered %v", errors.ErrDeviceRejected, wellKnownCore, code),
			"coap", "Discover", "fetch "+wellKnownCore)
	}

	paths := ParseLinkFormat(string(body))
	values := make(map[string]string, len(paths))
	for i, path := range paths {
		reqCtx, cancel := a.share(ctx, len(paths)-i)
		code, body, err := a.requester.Get(reqCtx, target, path)
		cancel()
		if err != nil || !success(code) {
			a.logger.Debug("Cannot discover resource", "node", node.ID, "path", path, "code", code, "error", err)
			continue
		}
		values[strings.TrimPrefix(path, "/")] = string(body)
	}
	return values, nil
}

// UpdateResource PUTs value to /endpoint. Only 2.04 Changed counts as
// success.
func (a *Adapter) UpdateResource(ctx context.Context, node gateway.NodeSnapshot, endpoint, value string) error {
	target := a.target(node)
	path := "/" + strings.TrimPrefix(endpoint, "/")

	code, err := a.requester.Put(ctx, target, path, []byte(value))
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrDeviceUnreachable, err), "coap", "UpdateResource", "put "+path)
	}
	if code != codes.Changed {
		return errors.WrapInvalid(fmt.Errorf("%w: %s answered %v", errors.ErrDeviceRejected, path, code),
			"coap", "UpdateResource", "put "+path)
	}
	return nil
}

// share bounds one of n remaining requests by an equal part of what is left
// of ctx's deadline, and by RequestTimeout.
func (a *Adapter) share(ctx context.Context, n int) (context.Context, context.CancelFunc) {
	budget := a.cfg.RequestTimeout
	if deadline, ok := ctx.Deadline(); ok && n > 0 {
		part := time.Until(deadline) / time.Duration(n)
		if budget <= 0 || part < budget {
			budget = part
		}
	}
	if budget <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, budget)
}

func (a *Adapter) target(node gateway.NodeSnapshot) string {
	ip := node.Resource(gateway.ResourceIP)
	if ip == "" {
		ip = node.Address
	}
	return net.JoinHostPort(ip, strconv.Itoa(a.cfg.DevicePort))
}

// ParseLinkFormat extracts resource paths from a CoRE link-format document,
// leaving out the .well-known/core entry itself.
func ParseLinkFormat(doc string) []string {
	doc = strings.ReplaceAll(doc, " ", "")
	var paths []string
	for _, link := range strings.Split(doc, ",") {
		if link == "" || strings.Contains(link, "well-known/core") {
			continue
		}
		target, _, _ := strings.Cut(link, ";")
		target = strings.Trim(target, "<>")
		if target == "" {
			continue
		}
		if !strings.HasPrefix(target, "/") {
			target = "/" + target
		}
		paths = append(paths, target)
	}
	return paths
}

func success(code codes.Code) bool {
	return code>>5 == 2
}

func readPayload(r *mux.Message) string {
	if r.Body() == nil {
		return ""
	}
	body, err := r.ReadBody()
	if err != nil {
		return ""
	}
	return string(body)
}

func reply(w mux.ResponseWriter, code codes.Code, payload string) {
	if payload == "" {
		_ = w.SetResponse(code, message.TextPlain, nil)
		return
	}
	_ = w.SetResponse(code, message.TextPlain, bytes.NewReader([]byte(payload)))
}

func remoteIP(addr net.Addr) string {
	switch v := addr.(type) {
	case *net.UDPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
