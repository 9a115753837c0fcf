package broker

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/cotgate/errors"
	"github.com/c360/cotgate/health"
	"github.com/c360/cotgate/metric"
	"github.com/c360/cotgate/pkg/retry"
)

const healthName = "broker"

// Handler receives broker traffic. Both calls must return promptly; the
// gateway core only enqueues work.
type Handler interface {
	// BrokerConnected runs once per connection, after the settle delay.
	BrokerConnected(ctx context.Context)
	// BrokerMessage receives every frame read from the broker.
	BrokerMessage(ctx context.Context, raw []byte)
}

// TokenIssuer produces the bearer token sent as the first frame
type TokenIssuer interface {
	Issue() (string, error)
}

// Config configures the link
type Config struct {
	URL              string
	RetryInterval    time.Duration
	SettleDelay      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	OutboxSize       int
	TLS              *tls.Config
}

// DefaultConfig returns the standard link settings for url
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		RetryInterval:    3 * time.Second,
		SettleDelay:      time.Second,
		HandshakeTimeout: 45 * time.Second,
		WriteTimeout:     10 * time.Second,
		OutboxSize:       256,
	}
}

// Link is the gateway's authenticated, auto-reconnecting websocket to the
// broker. Frames sent while the link is down are dropped; while a session
// is up Send waits for the writer instead.
type Link struct {
	cfg     Config
	issuer  TokenIssuer
	dialer  *websocket.Dialer
	logger  *slog.Logger
	metrics *metric.Metrics
	monitor *health.Monitor

	mu      sync.RWMutex
	outbox  chan []byte     // nil while disconnected
	sessEnd <-chan struct{} // closed when the outbox's session ends

	running   atomic.Bool
	connected atomic.Bool
	sessions  atomic.Int64
}

// Option configures a Link
type Option func(*Link)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(l *Link) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMetrics reports link state through metrics
func WithMetrics(metrics *metric.Metrics) Option {
	return func(l *Link) {
		if metrics != nil {
			l.metrics = metrics
		}
	}
}

// WithHealthMonitor reports link state to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(l *Link) { l.monitor = monitor }
}

// NewLink validates cfg and creates a disconnected link
func NewLink(cfg Config, issuer TokenIssuer, opts ...Option) (*Link, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, errors.WrapFatal(err, "Link", "NewLink", "broker url parse")
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: broker url scheme %q", errors.ErrInvalidConfig, u.Scheme), "Link", "NewLink", "broker url check")
	}
	if issuer == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Link", "NewLink", "token issuer check")
	}

	def := DefaultConfig(cfg.URL)
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = def.RetryInterval
	}
	if cfg.SettleDelay < 0 {
		cfg.SettleDelay = 0
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.OutboxSize <= 0 {
		cfg.OutboxSize = def.OutboxSize
	}

	l := &Link{
		cfg:    cfg,
		issuer: issuer,
		dialer: &websocket.Dialer{
			HandshakeTimeout: cfg.HandshakeTimeout,
			TLSClientConfig:  cfg.TLS,
		},
		logger:  slog.Default(),
		metrics: metric.NewMetrics(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "broker_link", "url", u.Redacted())
	return l, nil
}

// Connected reports whether a session is up
func (l *Link) Connected() bool {
	return l.connected.Load()
}

// Send queues msg for the current connection. When the outbox is full it
// blocks until the writer takes a frame. False means the frame was dropped
// because the link was down or the session ended before the frame was queued.
func (l *Link) Send(msg []byte) bool {
	l.mu.RLock()
	outbox, end := l.outbox, l.sessEnd
	l.mu.RUnlock()

	if outbox == nil {
		return false
	}
	select {
	case outbox <- msg:
		return true
	default:
	}

	l.metrics.RecordOutboxWait()
	select {
	case outbox <- msg:
		return true
	case <-end:
		l.logger.Debug("Session ended, frame dropped")
		return false
	}
}

// Run keeps a session to the broker alive until ctx is cancelled. Failed
// connections are retried forever at a fixed interval.
func (l *Link) Run(ctx context.Context, h Handler) error {
	if h == nil {
		return errors.WrapFatal(errors.ErrMissingConfig, "Link", "Run", "handler check")
	}
	if !l.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Link", "Run", "start check")
	}
	defer l.running.Store(false)

	l.setDown("not connected")

	policy := retry.Fixed(l.cfg.RetryInterval)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		l.metrics.RecordBrokerReconnect()
		if errors.IsTransient(err) {
			l.logger.Warn("Broker connection failed, retrying", "attempt", attempt, "retry_in", delay, "error", err)
		} else {
			l.logger.Error("Broker session failed, retrying", "attempt", attempt, "retry_in", delay, "error", err)
		}
		l.reportRetry(attempt)
	}

	err := retry.Do(ctx, policy, func() error {
		err := l.session(ctx, h)
		if ctx.Err() != nil {
			return retry.NonRetryable(ctx.Err())
		}
		return err
	})
	if ctx.Err() != nil {
		l.logger.Info("Broker link stopped")
		return nil
	}
	return err
}

// session runs one connection from dial to read failure. It always returns
// a non-nil error; a panic is contained to this connection and reported
// unclassified, so Run logs it as an error.
func (l *Link) session(ctx context.Context, h Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Wrap(fmt.Errorf("panic: %v", r), "Link", "session", "session run")
		}
	}()

	conn, resp, err := l.dialer.DialContext(ctx, l.cfg.URL, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrBrokerUnavailable, err), "Link", "session", "dial")
	}
	defer conn.Close()

	token, err := l.issuer.Issue()
	if err != nil {
		l.logger.Error("Token issue failed", "error", err)
		return errors.WrapTransient(err, "Link", "session", "token issue")
	}
	_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(token)); err != nil {
		return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Link", "session", "token write")
	}

	sessCtx, cancel := context.WithCancel(ctx)
	outbox := make(chan []byte, l.cfg.OutboxSize)
	writerDone := make(chan struct{})
	go l.writeLoop(sessCtx, cancel, conn, outbox, writerDone)

	l.attach(outbox, sessCtx.Done())
	defer func() {
		l.detach()
		cancel()
		<-writerDone
	}()

	n := l.sessions.Add(1)
	l.logger.Info("Connected to broker", "session", n)

	if l.cfg.SettleDelay > 0 {
		timer := time.NewTimer(l.cfg.SettleDelay)
		select {
		case <-sessCtx.Done():
			timer.Stop()
			return errors.WrapTransient(errors.ErrConnectionLost, "Link", "session", "settle")
		case <-timer.C:
		}
	}
	h.BrokerConnected(sessCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			l.logger.Warn("Connection with broker lost", "error", err)
			return errors.WrapTransient(fmt.Errorf("%w: %v", errors.ErrConnectionLost, err), "Link", "session", "read")
		}
		l.metrics.RecordBrokerFrame()
		h.BrokerMessage(sessCtx, data)
	}
}

// writeLoop is the connection's only data writer. On session end it sends a
// close frame and closes the connection, which unblocks the reader.
func (l *Link) writeLoop(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn,
	outbox <-chan []byte, done chan<- struct{}) {
	defer close(done)
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			return
		case msg := <-outbox:
			_ = conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				l.logger.Warn("Broker write failed", "error", err)
				cancel()
				return
			}
		}
	}
}

func (l *Link) attach(outbox chan []byte, end <-chan struct{}) {
	l.mu.Lock()
	l.outbox = outbox
	l.sessEnd = end
	l.mu.Unlock()

	l.connected.Store(true)
	l.metrics.RecordBrokerStatus(true)
	if l.monitor != nil {
		l.monitor.UpdateHealthy(healthName, "connected")
	}
}

func (l *Link) detach() {
	l.mu.Lock()
	l.outbox = nil
	l.sessEnd = nil
	l.mu.Unlock()

	l.connected.Store(false)
	l.metrics.RecordBrokerStatus(false)
	if l.monitor != nil {
		l.monitor.UpdateDegraded(healthName, "connection lost, reconnecting")
	}
}

// reportRetry keeps a link that has been up before degraded while it
// reconnects. One that never connected stays unhealthy.
func (l *Link) reportRetry(attempt int) {
	if l.monitor == nil {
		return
	}
	if l.sessions.Load() == 0 {
		l.monitor.UpdateUnhealthy(healthName, fmt.Sprintf("broker unreachable, attempt %d", attempt))
		return
	}
	l.monitor.UpdateDegraded(healthName, fmt.Sprintf("reconnecting, attempt %d", attempt))
}

func (l *Link) setDown(reason string) {
	l.connected.Store(false)
	l.metrics.RecordBrokerStatus(false)
	if l.monitor != nil {
		l.monitor.UpdateUnhealthy(healthName, reason)
	}
}
