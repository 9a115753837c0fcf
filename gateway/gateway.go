package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/cotgate/errors"
	"github.com/c360/cotgate/health"
	"github.com/c360/cotgate/message"
	"github.com/c360/cotgate/metric"
	"github.com/c360/cotgate/pkg/worker"
)

// Config holds the gateway core settings
type Config struct {
	MaxTime       time.Duration // silence before a node is reaped
	DeviceTimeout time.Duration // bound on each discovery/update call
	Workers       int
	QueueSize     int
	MailboxSize   int
	StopTimeout   time.Duration
}

// DefaultConfig returns the standard core settings
func DefaultConfig() Config {
	return Config{
		MaxTime:       120 * time.Second,
		DeviceTimeout: 10 * time.Second,
		Workers:       8,
		QueueSize:     256,
		MailboxSize:   1024,
		StopTimeout:   5 * time.Second,
	}
}

type deviceOp string

const (
	opDiscover deviceOp = "discover"
	opUpdate   deviceOp = "update"
	opDetach   deviceOp = "detach"
)

// deviceTask is one adapter call run on the worker pool
type deviceTask struct {
	op       deviceOp
	node     NodeSnapshot
	endpoint string
	value    string
}

// Gateway owns the node registry and serializes every mutation onto a single
// mailbox goroutine. Adapters, the broker link, the reaper and device
// workers talk to it by posting closures.
type Gateway struct {
	cfg      Config
	adapter  Adapter
	sender   Sender
	registry *Registry
	pool     *worker.Pool[deviceTask]
	mailbox  chan func()
	stopped  chan struct{}
	runCtx   context.Context // set by Run before any device task starts
	running  atomic.Bool
	stopOnce sync.Once

	logger  *slog.Logger
	metrics *metric.Metrics
	monitor *health.Monitor
	newID   func() string
	now     func() time.Time

	poolRegistry metric.MetricsRegistrar
}

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetricsRegistry reports core and worker pool metrics through registry
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		if registry != nil {
			g.metrics = registry.CoreMetrics()
			g.poolRegistry = registry
		}
	}
}

// WithHealthMonitor reports the node count to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(g *Gateway) { g.monitor = monitor }
}

// WithIDGenerator replaces the uuid v4 node id source
func WithIDGenerator(fn func() string) Option {
	return func(g *Gateway) {
		if fn != nil {
			g.newID = fn
		}
	}
}

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		if now != nil {
			g.now = now
		}
	}
}

// New creates a gateway core for one adapter. Envelopes go to sender.
func New(cfg Config, adapter Adapter, sender Sender, opts ...Option) (*Gateway, error) {
	if adapter == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "adapter check")
	}
	if sender == nil {
		return nil, errors.WrapFatal(errors.ErrMissingConfig, "Gateway", "New", "sender check")
	}
	if cfg.MaxTime <= 0 {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: max_time must be positive", errors.ErrInvalidConfig), "Gateway", "New", "config validation")
	}
	def := DefaultConfig()
	if cfg.DeviceTimeout <= 0 {
		cfg.DeviceTimeout = def.DeviceTimeout
	}
	if cfg.MailboxSize <= 0 {
		cfg.MailboxSize = def.MailboxSize
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = def.StopTimeout
	}

	g := &Gateway{
		cfg:     cfg,
		adapter: adapter,
		sender:  sender,
		mailbox: make(chan func(), cfg.MailboxSize),
		stopped: make(chan struct{}),
		logger:  slog.Default(),
		metrics: metric.NewMetrics(),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway", "protocol", adapter.Protocol())
	g.registry = NewRegistry(g.onEvent)

	poolOpts := []worker.Option[deviceTask]{
		worker.WithTaskTimeout[deviceTask](cfg.DeviceTimeout),
		worker.WithLogger[deviceTask](g.logger),
	}
	if g.poolRegistry != nil {
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[deviceTask](g.poolRegistry, "cotgate_device_pool"))
	}
	g.pool = worker.NewPool(cfg.Workers, cfg.QueueSize, g.runDeviceTask, poolOpts...)

	return g, nil
}

// Run starts the worker pool and the adapter, then processes the mailbox
// until ctx is cancelled. It returns nil on a clean shutdown.
func (g *Gateway) Run(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Gateway", "Run", "start check")
	}

	g.runCtx = ctx
	if err := g.pool.Start(ctx); err != nil {
		return errors.WrapFatal(err, "Gateway", "Run", "worker pool start")
	}
	if err := g.adapter.Start(ctx, g); err != nil {
		g.shutdown(false)
		return errors.WrapFatal(err, "Gateway", "Run", "adapter start")
	}
	g.logger.Info("Gateway started", "max_time", g.cfg.MaxTime, "device_timeout", g.cfg.DeviceTimeout)
	g.reportHealth()

	for {
		select {
		case <-ctx.Done():
			g.shutdown(true)
			g.logger.Info("Gateway stopped", "nodes", g.registry.Len())
			return nil
		case fn := <-g.mailbox:
			g.exec(fn)
		}
	}
}

// shutdown releases callers blocked on the mailbox before stopping the
// adapter, so adapter handlers waiting on the gateway can return.
func (g *Gateway) shutdown(stopAdapter bool) {
	g.stopOnce.Do(func() {
		close(g.stopped)
		if stopAdapter {
			if err := g.adapter.Stop(g.cfg.StopTimeout); err != nil {
				g.logger.Warn("Adapter stop failed", "error", err)
			}
		}
		if err := g.pool.Stop(g.cfg.StopTimeout); err != nil {
			g.logger.Warn("Worker pool stop failed", "error", err)
		}
	})
}

// exec runs one mailbox closure; a panic is logged and the loop continues
func (g *Gateway) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Mailbox task panicked", "panic", r)
		}
	}()
	fn()
}

// post queues fn on the mailbox without waiting for it to run
func (g *Gateway) post(ctx context.Context, fn func()) error {
	select {
	case g.mailbox <- fn:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopped:
		return errors.ErrShuttingDown
	}
}

// call runs fn on the mailbox goroutine and waits for it to finish
func (g *Gateway) call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if err := g.post(ctx, func() {
		defer close(done)
		fn()
	}); err != nil {
		return err
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-g.stopped:
		return errors.ErrShuttingDown
	}
}

// onEvent turns registry events into broker envelopes
func (g *Gateway) onEvent(ev Event) {
	var msg []byte
	switch ev.Type {
	case EventNew:
		msg = message.NewNode(ev.NodeID, message.DstAll)
	case EventOut:
		msg = message.OutNode(ev.NodeID)
	case EventReset:
		msg = message.ResetNode(ev.NodeID)
	case EventUpdate:
		msg = message.UpdateNode(ev.NodeID, ev.Endpoint, ev.Value, message.DstAll)
	default:
		return
	}
	g.send(string(ev.Type), msg)

	if ev.Type == EventNew || ev.Type == EventOut {
		g.metrics.RecordNodes(g.registry.Len())
		g.reportHealth()
	}
}

func (g *Gateway) send(envelopeType string, msg []byte) {
	delivered := g.sender.Send(msg)
	g.metrics.RecordEnvelope(envelopeType, delivered)
	if !delivered {
		g.logger.Debug("Envelope dropped, broker link down", "type", envelopeType)
	}
}

func (g *Gateway) reportHealth() {
	if g.monitor == nil {
		return
	}
	n := g.registry.Len()
	g.monitor.Update("gateway", health.NewHealthy("gateway", fmt.Sprintf("%d nodes", n)).
		WithMetrics(&health.Metrics{Nodes: n}))
}

// seed builds the initial resources of a node from a contact
func (g *Gateway) seed(c Contact) map[string]string {
	seed := make(map[string]string, len(c.Seed)+1)
	maps.Copy(seed, c.Seed)
	seed[ResourceProtocol] = g.adapter.Protocol()
	return seed
}

// HandleCheck registers first contact, resets, or refreshes a node
func (g *Gateway) HandleCheck(ctx context.Context, c Contact, reset bool) (string, error) {
	if c.Address == "" {
		return "", errors.WrapInvalid(
			fmt.Errorf("%w: empty address", errors.ErrInvalidData), "Gateway", "HandleCheck", "contact validation")
	}
	var (
		id  string
		err error
	)
	if cerr := g.call(ctx, func() { id, err = g.check(c, reset) }); cerr != nil {
		return "", cerr
	}
	return id, err
}

func (g *Gateway) check(c Contact, reset bool) (string, error) {
	now := g.now()
	id, known := g.registry.Lookup(c.Address)

	switch {
	case !known:
		node := NewNode(g.newID(), g.seed(c), now)
		if err := g.registry.Add(node, c.Address); err != nil {
			return "", err
		}
		g.metrics.RecordContact(g.adapter.Protocol(), "new")
		g.logger.Info("Node added", "uid", node.ID(), "address", c.Address)
		g.scheduleDiscovery(node.ID())
		return node.ID(), nil

	case reset:
		if err := g.registry.Reset(id, g.seed(c), now); err != nil {
			return "", err
		}
		g.metrics.RecordContact(g.adapter.Protocol(), "reset")
		g.logger.Info("Node reset", "uid", id, "address", c.Address)
		g.scheduleDiscovery(id)
		return id, nil

	default:
		g.metrics.RecordContact(g.adapter.Protocol(), "alive")
		return id, g.registry.Touch(id, now)
	}
}

// HandleValue records a resource value reported by the device at address
func (g *Gateway) HandleValue(ctx context.Context, address, name, value string) error {
	var err error
	if cerr := g.call(ctx, func() { err = g.value(address, name, value) }); cerr != nil {
		return cerr
	}
	return err
}

func (g *Gateway) value(address, name, value string) error {
	id, ok := g.registry.Lookup(address)
	if !ok {
		g.logger.Debug("Value from unknown node", "address", address, "resource", name)
		return errors.Wrap(fmt.Errorf("%w: address %s", errors.ErrUnknownNode, address), "Gateway", "HandleValue", "node lookup")
	}
	if err := g.registry.Set(id, name, value); err != nil {
		return err
	}
	return g.registry.Touch(id, g.now())
}

// HandleGone removes the node behind a closed transport
func (g *Gateway) HandleGone(ctx context.Context, address string) error {
	var err error
	if cerr := g.call(ctx, func() {
		id, ok := g.registry.Lookup(address)
		if !ok {
			err = errors.Wrap(fmt.Errorf("%w: address %s", errors.ErrUnknownNode, address), "Gateway", "HandleGone", "node lookup")
			return
		}
		g.registry.Remove(id)
		g.logger.Info("Node disconnected", "uid", id, "address", address)
	}); cerr != nil {
		return cerr
	}
	return err
}

// Known reports whether address maps to a live node
func (g *Gateway) Known(ctx context.Context, address string) bool {
	var ok bool
	if err := g.call(ctx, func() { _, ok = g.registry.Lookup(address) }); err != nil {
		return false
	}
	return ok
}

// Nodes returns a snapshot of every live node
func (g *Gateway) Nodes(ctx context.Context) ([]NodeSnapshot, error) {
	var nodes []NodeSnapshot
	if err := g.call(ctx, func() { nodes = g.registry.Snapshot() }); err != nil {
		return nil, err
	}
	return nodes, nil
}

// ReplayCache sends every node and resource to dst: one "new" per node
// followed by one "update" per resource.
func (g *Gateway) ReplayCache(ctx context.Context, dst string) error {
	return g.call(ctx, func() { g.replay(dst) })
}

func (g *Gateway) replay(dst string) {
	nodes := g.registry.Snapshot()
	for _, n := range nodes {
		g.send(message.TypeNew, message.NewNode(n.ID, dst))
		names := make([]string, 0, len(n.Resources))
		for name := range n.Resources {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			g.send(message.TypeUpdate, message.UpdateNode(n.ID, name, n.Resources[name], dst))
		}
	}
	g.logger.Debug("Cache replayed", "dst", dst, "nodes", len(nodes))
}

// BrokerConnected replays the whole cache to every broker client
func (g *Gateway) BrokerConnected(ctx context.Context) {
	if err := g.post(ctx, func() { g.replay(message.DstAll) }); err != nil {
		g.logger.Debug("Replay not scheduled", "error", err)
	}
}

// BrokerMessage dispatches one frame read from the broker
func (g *Gateway) BrokerMessage(ctx context.Context, raw []byte) {
	if err := g.post(ctx, func() { g.handleBrokerMessage(raw) }); err != nil {
		g.logger.Debug("Broker message not scheduled", "error", err)
	}
}

func (g *Gateway) handleBrokerMessage(raw []byte) {
	msg, err := message.Check(raw)
	if err != nil {
		g.reject(err)
		return
	}

	switch msg.Type {
	case message.TypeNew:
		if msg.Src == "" {
			g.logger.Debug("Broker new without src dropped")
			g.metrics.RecordRejected("broker", "missing_src")
			return
		}
		g.replay(msg.Src)

	case message.TypeUpdate:
		update, err := message.DecodeBrokerUpdate(msg.Data)
		if err != nil {
			g.reject(err)
			return
		}
		snap, err := g.registry.NodeSnapshot(update.UID)
		if err != nil {
			g.logger.Debug("Update for unknown node dropped", "uid", update.UID)
			g.metrics.RecordRejected("broker", errors.Reason(err))
			return
		}
		g.submit(deviceTask{op: opUpdate, node: snap, endpoint: update.Endpoint, value: update.Payload})

	default:
		g.logger.Debug("Broker message ignored", "type", msg.Type)
	}
}

// reject drops a broker message. Malformed input is routine; anything else
// points at a gateway fault and is logged louder.
func (g *Gateway) reject(err error) {
	if errors.IsInvalid(err) {
		g.logger.Debug("Broker message rejected", "error", err)
	} else {
		g.logger.Warn("Broker message not handled", "error", err)
	}
	g.metrics.RecordRejected("broker", errors.Reason(err))
}

func (g *Gateway) scheduleDiscovery(id string) {
	snap, err := g.registry.NodeSnapshot(id)
	if err != nil {
		return
	}
	g.submit(deviceTask{op: opDiscover, node: snap})
}

// submit hands task to the worker pool. A full queue drops the task; a pool
// that is stopping only means the gateway is on its way out.
func (g *Gateway) submit(task deviceTask) {
	err := g.pool.Submit(task)
	switch {
	case err == nil:
	case errors.IsTransient(err):
		g.logger.Warn("Device operation not scheduled", "op", task.op, "uid", task.node.ID, "error", err)
		g.metrics.RecordDrop("device_queue_full")
	default:
		g.logger.Debug("Device operation skipped, gateway stopping", "op", task.op, "uid", task.node.ID, "error", err)
	}
}

// deliver posts a device result to the mailbox. The task's own context may
// already be past its deadline, so the run context bounds the wait.
func (g *Gateway) deliver(task deviceTask, fn func()) {
	if err := g.post(g.runCtx, fn); err != nil {
		g.logger.Debug("Device result dropped, gateway stopping", "op", task.op, "uid", task.node.ID)
	}
}

// runDeviceTask is the worker pool processor; it runs off the mailbox and
// posts results back to it.
func (g *Gateway) runDeviceTask(ctx context.Context, task deviceTask) error {
	start := time.Now()
	var err error

	switch task.op {
	case opDiscover:
		var values map[string]string
		values, err = g.adapter.Discover(ctx, task.node)
		if err != nil {
			g.logger.Warn("Discovery failed", "uid", task.node.ID, "error", err)
		}
		if len(values) > 0 {
			g.deliver(task, func() { g.applyDiscovery(task.node, values) })
		}

	case opUpdate:
		err = g.adapter.UpdateResource(ctx, task.node, task.endpoint, task.value)
		if err != nil {
			g.logger.Warn("Resource update failed",
				"uid", task.node.ID, "endpoint", task.endpoint, "error", err)
		} else {
			g.deliver(task, func() { g.applyUpdate(task.node.ID, task.endpoint, task.value) })
		}

	case opDetach:
		if d, ok := g.adapter.(Detacher); ok {
			d.Detach(ctx, task.node)
		}
	}

	g.metrics.RecordDeviceOp(string(task.op), err, time.Since(start))
	return err
}

func (g *Gateway) applyDiscovery(snap NodeSnapshot, values map[string]string) {
	node, err := g.registry.Get(snap.ID)
	if err != nil {
		return
	}
	if node.Generation() != snap.Generation {
		g.logger.Debug("Stale discovery discarded", "uid", snap.ID)
		return
	}
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		_ = g.registry.Set(snap.ID, name, values[name])
	}
}

func (g *Gateway) applyUpdate(id, endpoint, value string) {
	if err := g.registry.Set(id, endpoint, value); err != nil {
		g.logger.Debug("Update confirmation for removed node", "uid", id)
	}
}
