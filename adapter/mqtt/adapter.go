package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/c360/cotgate/errors"
	"github.com/c360/cotgate/gateway"
	"github.com/c360/cotgate/health"
	"github.com/c360/cotgate/message"
)

// Protocol is the protocol resource value of MQTT nodes
const Protocol = "MQTT"

const (
	checkTopic     = "node/check"
	nodeCheckTopic = "node/+/check"
	aliveTopic     = "gateway/check"

	discoverResources = "resources"
	discoverValues    = "values"
)

func resourcesTopic(id string) string     { return "node/" + id + "/resources" }
func valueTopic(id, res string) string    { return "node/" + id + "/" + res }
func discoverTopic(id string) string      { return "gateway/" + id + "/discover" }
func setTopic(id, endpoint string) string { return "gateway/" + id + "/" + endpoint + "/set" }

// Config configures the MQTT adapter
type Config struct {
	QoS           byte
	AliveInterval time.Duration // period of gateway/check requests
}

// DefaultConfig returns QoS 1 and a 30s alive request
func DefaultConfig() Config {
	return Config{QoS: 1, AliveInterval: 30 * time.Second}
}

// Adapter serves MQTT devices through a shared MQTT broker. A node is
// addressed by the id it announces on node/check.
type Adapter struct {
	cfg     Config
	client  Client
	logger  *slog.Logger
	monitor *health.Monitor

	mu      sync.Mutex
	ctx     context.Context
	ingress gateway.Ingress
	cancel  context.CancelFunc
	done    chan struct{}
	topics  map[string]map[string]struct{} // device id -> value topics
	owners  map[string]string              // device id -> node uid that discovered it

	// subMu orders a node's resource subscription against the detach of
	// the node it replaced.
	subMu sync.Mutex
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

// WithHealthMonitor reports client state to monitor
func WithHealthMonitor(monitor *health.Monitor) Option {
	return func(a *Adapter) { a.monitor = monitor }
}

// New creates an MQTT adapter over client
func New(cfg Config, client Client, opts ...Option) (*Adapter, error) {
	if client == nil {
		return nil, errors.WrapFatal(fmt.Errorf("%w: mqtt client", errors.ErrMissingConfig), "mqtt", "New", "client check")
	}
	if cfg.QoS > 2 {
		return nil, errors.WrapFatal(fmt.Errorf("%w: mqtt qos %d", errors.ErrInvalidConfig, cfg.QoS), "mqtt", "New", "config check")
	}
	if cfg.AliveInterval <= 0 {
		cfg.AliveInterval = DefaultConfig().AliveInterval
	}

	a := &Adapter{
		cfg:    cfg,
		client: client,
		logger: slog.Default(),
		topics: make(map[string]map[string]struct{}),
		owners: make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	a.logger = a.logger.With("component", "mqtt_adapter")
	return a, nil
}

// Protocol implements gateway.Adapter
func (a *Adapter) Protocol() string { return Protocol }

// Start connects, subscribes to check topics and starts soliciting checks
func (a *Adapter) Start(ctx context.Context, in gateway.Ingress) error {
	a.mu.Lock()
	if a.cancel != nil {
		a.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "mqtt", "Start", "start check")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.ctx = runCtx
	a.ingress = in
	a.cancel = cancel
	a.done = make(chan struct{})
	a.mu.Unlock()

	fail := func(err error, action string) error {
		cancel()
		a.mu.Lock()
		a.cancel = nil
		close(a.done)
		a.mu.Unlock()
		return errors.WrapFatal(err, "mqtt", "Start", action)
	}

	if err := a.client.Connect(runCtx); err != nil {
		return fail(err, "broker connect")
	}
	if err := a.client.Subscribe(runCtx, checkTopic, a.cfg.QoS, a.handleCheck); err != nil {
		return fail(err, "subscribe "+checkTopic)
	}
	if err := a.client.Subscribe(runCtx, nodeCheckTopic, a.cfg.QoS, a.handleCheck); err != nil {
		return fail(err, "subscribe "+nodeCheckTopic)
	}

	go a.requestAlive(runCtx, a.done)

	a.logger.Info("MQTT adapter started")
	if a.monitor != nil {
		a.monitor.UpdateHealthy("mqtt", "connected")
	}
	return nil
}

// Stop halts alive requests and disconnects from the broker
func (a *Adapter) Stop(timeout time.Duration) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	a.cancel = nil
	a.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	a.client.Disconnect(timeout)

	if a.monitor != nil {
		a.monitor.UpdateUnhealthy("mqtt", "stopped")
	}
	return nil
}

func (a *Adapter) bound() (context.Context, gateway.Ingress) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ctx, a.ingress
}

func (a *Adapter) requestAlive(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(a.cfg.AliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.logger.Debug("Requesting check from all MQTT nodes")
			if err := a.client.Publish(ctx, aliveTopic, a.cfg.QoS, nil); err != nil && ctx.Err() == nil {
				a.logger.Warn("Alive request failed", "error", err)
			}
		}
	}
}

// handleCheck serves node/check ({"id":...}) and node/{id}/check
func (a *Adapter) handleCheck(topic string, payload []byte) {
	var check struct {
		ID string `json:"id"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &check); err != nil {
			a.logger.Debug("Invalid check payload", "topic", topic, "error", err)
			return
		}
	}
	if check.ID == "" {
		if parts := strings.Split(topic, "/"); len(parts) == 3 && parts[1] != "+" {
			check.ID = parts[1]
		}
	}
	if check.ID == "" || strings.ContainsAny(check.ID, "/+#") {
		a.logger.Debug("Check without usable id", "topic", topic)
		return
	}

	ctx, in := a.bound()
	contact := gateway.Contact{Address: check.ID, Seed: map[string]string{gateway.ResourceID: check.ID}}
	if _, err := in.HandleCheck(ctx, contact, false); err != nil {
		a.logger.Warn("MQTT check failed", "device", check.ID, "error", err)
	}
}

// handleResources subscribes to every announced resource and asks the node
// to publish its values.
func (a *Adapter) handleResources(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return
	}
	id := parts[1]

	ctx, in := a.bound()
	if !in.Known(ctx, id) {
		a.logger.Debug("Resources from unknown node", "device", id)
		return
	}

	var resources []string
	if err := json.Unmarshal(payload, &resources); err != nil {
		a.logger.Debug("Invalid resources payload", "device", id, "error", err)
		return
	}

	for _, res := range resources {
		if res == "" || res == "check" || res == "resources" || strings.ContainsAny(res, "/+#") {
			continue
		}
		topic := valueTopic(id, res)
		if err := a.client.Subscribe(ctx, topic, a.cfg.QoS, a.handleValue); err != nil {
			a.logger.Warn("Resource subscribe failed", "topic", topic, "error", err)
			continue
		}
		a.track(id, topic)
	}

	if err := a.client.Publish(ctx, discoverTopic(id), a.cfg.QoS, []byte(discoverValues)); err != nil {
		a.logger.Warn("Values request failed", "device", id, "error", err)
	}
}

// handleValue serves node/{id}/{resource} ({"value":...})
func (a *Adapter) handleValue(topic string, payload []byte) {
	parts := strings.Split(topic, "/")
	if len(parts) != 3 {
		return
	}
	id, res := parts[1], parts[2]

	var update struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(payload, &update); err != nil || update.Value == nil {
		a.logger.Debug("Invalid value payload", "topic", topic)
		return
	}

	ctx, in := a.bound()
	if err := in.HandleValue(ctx, id, res, message.ValueText(update.Value)); err != nil {
		a.logger.Debug("MQTT value ignored", "device", id, "resource", res, "error", err)
	}
}

func (a *Adapter) track(id, topic string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.topics[id]
	if !ok {
		set = make(map[string]struct{})
		a.topics[id] = set
	}
	set[topic] = struct{}{}
}

func deviceID(node gateway.NodeSnapshot) string {
	if id := node.Resource(gateway.ResourceID); id != "" {
		return id
	}
	return node.Address
}

// Discover subscribes to the node's resource list and requests it. Values
// arrive asynchronously, so the returned map is always empty.
func (a *Adapter) Discover(ctx context.Context, node gateway.NodeSnapshot) (map[string]string, error) {
	id := deviceID(node)

	a.subMu.Lock()
	a.mu.Lock()
	a.owners[id] = node.ID
	a.mu.Unlock()
	err := a.client.Subscribe(ctx, resourcesTopic(id), a.cfg.QoS, a.handleResources)
	a.subMu.Unlock()
	if err != nil {
		return nil, errors.WrapTransient(err, "mqtt", "Discover", "subscribe resources")
	}
	if err := a.client.Publish(ctx, discoverTopic(id), a.cfg.QoS, []byte(discoverResources)); err != nil {
		return nil, errors.WrapTransient(err, "mqtt", "Discover", "request resources")
	}
	a.logger.Debug("Requested MQTT node resources", "device", id)
	return map[string]string{}, nil
}

// UpdateResource publishes value to gateway/{id}/{endpoint}/set. Delivery
// to the broker is the only confirmation available.
func (a *Adapter) UpdateResource(ctx context.Context, node gateway.NodeSnapshot, endpoint, value string) error {
	id := deviceID(node)
	if err := a.client.Publish(ctx, setTopic(id, endpoint), a.cfg.QoS, []byte(value)); err != nil {
		return errors.WrapTransient(err, "mqtt", "UpdateResource", "publish set")
	}
	return nil
}

// Detach unsubscribes from every topic of an evicted node. Nothing is
// released when the device already checked in again as a newer node.
func (a *Adapter) Detach(ctx context.Context, node gateway.NodeSnapshot) {
	id := deviceID(node)

	a.subMu.Lock()
	defer a.subMu.Unlock()

	a.mu.Lock()
	if owner, ok := a.owners[id]; ok && owner != node.ID {
		a.mu.Unlock()
		a.logger.Debug("Detach skipped, device rediscovered", "device", id, "uid", node.ID, "owner", owner)
		return
	}
	delete(a.owners, id)
	topics := []string{resourcesTopic(id)}
	for topic := range a.topics[id] {
		topics = append(topics, topic)
	}
	delete(a.topics, id)
	a.mu.Unlock()

	sort.Strings(topics[1:])
	if err := a.client.Unsubscribe(ctx, topics...); err != nil {
		a.logger.Warn("Unsubscribe failed", "device", id, "error", err)
	}
}
