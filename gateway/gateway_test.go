package gateway_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotgate/errors"
	"github.com/c360/cotgate/gateway"
	"github.com/c360/cotgate/health"
	"github.com/c360/cotgate/metric"
	"github.com/c360/cotgate/testutil"
)

const waitTimeout = 2 * time.Second

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harness struct {
	gw       *gateway.Gateway
	adapter  *testutil.MockAdapter
	sender   *testutil.RecordingSender
	clock    *fakeClock
	registry *metric.MetricsRegistry
	monitor  *health.Monitor
	done     chan error
}

func newHarness(t *testing.T, configure ...func(*testutil.MockAdapter)) *harness {
	t.Helper()

	adapter := testutil.NewMockAdapter("CoAP")
	for _, fn := range configure {
		fn(adapter)
	}

	var seq atomic.Int64
	h := &harness{
		adapter:  adapter,
		sender:   testutil.NewRecordingSender(),
		clock:    &fakeClock{now: t0},
		registry: metric.NewMetricsRegistry(),
		monitor:  health.NewMonitor(),
		done:     make(chan error, 1),
	}

	cfg := gateway.DefaultConfig()
	cfg.MaxTime = 120 * time.Second
	cfg.DeviceTimeout = time.Second

	gw, err := gateway.New(cfg, adapter, h.sender,
		gateway.WithIDGenerator(func() string { return fmt.Sprintf("node-%d", seq.Add(1)) }),
		gateway.WithClock(h.clock.Now),
		gateway.WithMetricsRegistry(h.registry),
		gateway.WithHealthMonitor(h.monitor),
	)
	require.NoError(t, err)
	h.gw = gw

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- gw.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case err := <-h.done:
			assert.NoError(t, err)
		case <-time.After(waitTimeout):
			t.Error("gateway did not stop")
		}
	})
	return h
}

func (h *harness) check(t *testing.T, address string, reset bool) string {
	t.Helper()
	id, err := h.gw.HandleCheck(context.Background(), gateway.Contact{
		Address: address,
		Seed:    map[string]string{gateway.ResourceIP: address},
	}, reset)
	require.NoError(t, err)
	return id
}

func (h *harness) node(t *testing.T, id string) gateway.NodeSnapshot {
	t.Helper()
	nodes, err := h.gw.Nodes(context.Background())
	require.NoError(t, err)
	for _, n := range nodes {
		if n.ID == id {
			return n
		}
	}
	t.Fatalf("node %s not found", id)
	return gateway.NodeSnapshot{}
}

// deviceOps counts finished device calls of one kind. A result is posted to
// the mailbox before the call is counted.
func deviceOps(h *harness, op string) uint64 {
	families, err := h.registry.PrometheusRegistry().Gather()
	if err != nil {
		return 0
	}
	var total uint64
	for _, mf := range families {
		if mf.GetName() != "cotgate_device_operation_duration_seconds" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if lp.GetName() == "operation" && lp.GetValue() == op {
					total += m.GetHistogram().GetSampleCount()
				}
			}
		}
	}
	return total
}

func TestNew_Validation(t *testing.T) {
	adapter := testutil.NewMockAdapter("CoAP")
	sender := testutil.NewRecordingSender()
	cfg := gateway.DefaultConfig()

	_, err := gateway.New(cfg, nil, sender)
	assert.True(t, errors.IsFatal(err))

	_, err = gateway.New(cfg, adapter, nil)
	assert.True(t, errors.IsFatal(err))

	cfg.MaxTime = 0
	_, err = gateway.New(cfg, adapter, sender)
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestGateway_FirstContactDiscoversAndAnnounces(t *testing.T) {
	h := newHarness(t, func(a *testutil.MockAdapter) {
		a.Resources = map[string]string{"temperature": "21.5", "led": "off"}
	})

	id := h.check(t, "2001:db8::1", false)
	assert.Equal(t, "node-1", id)

	require.True(t, h.sender.WaitFor(3, waitTimeout))
	envs := h.sender.Envelopes()
	require.Len(t, envs, 3)
	assert.Equal(t, testutil.Envelope{Type: "new", UID: id, Dst: "all"}, envs[0])
	assert.Equal(t, testutil.Envelope{Type: "update", UID: id, Dst: "all", Endpoint: "led", Data: "off"}, envs[1])
	assert.Equal(t, testutil.Envelope{Type: "update", UID: id, Dst: "all", Endpoint: "temperature", Data: "21.5"}, envs[2])

	node := h.node(t, id)
	assert.Equal(t, "2001:db8::1", node.Address)
	assert.Equal(t, map[string]string{
		"protocol":    "CoAP",
		"ip":          "2001:db8::1",
		"temperature": "21.5",
		"led":         "off",
	}, node.Resources)

	require.Equal(t, 1, h.adapter.DiscoverCount())
	assert.Equal(t, float64(1), promtest.ToFloat64(h.registry.CoreMetrics().NodesActive))
	assert.Equal(t, float64(1), promtest.ToFloat64(h.registry.CoreMetrics().EnvelopesSent.WithLabelValues("new")))

	status, ok := h.monitor.Get("gateway")
	require.True(t, ok)
	assert.True(t, status.IsHealthy())
	assert.Equal(t, 1, status.Metrics.Nodes)
}

func TestGateway_LivenessIsIdempotent(t *testing.T) {
	h := newHarness(t)

	id := h.check(t, "10.0.0.1", false)
	before := h.node(t, id)

	h.clock.Advance(5 * time.Second)
	for i := 0; i < 3; i++ {
		assert.Equal(t, id, h.check(t, "10.0.0.1", false))
	}

	after := h.node(t, id)
	assert.Equal(t, before.Resources, after.Resources)
	assert.Equal(t, t0.Add(5*time.Second), after.LastSeen)
	assert.Len(t, h.sender.Frames(), 1, "only the initial new envelope")
}

func TestGateway_ResetClearsAndReseeds(t *testing.T) {
	h := newHarness(t)

	id := h.check(t, "10.0.0.1", false)
	require.NoError(t, h.gw.HandleValue(context.Background(), "10.0.0.1", "temp", "20"))
	h.sender.Reset()

	assert.Equal(t, id, h.check(t, "10.0.0.1", true))

	envs := h.sender.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, testutil.Envelope{Type: "reset", UID: id}, envs[0])

	node := h.node(t, id)
	assert.Equal(t, map[string]string{"protocol": "CoAP", "ip": "10.0.0.1"}, node.Resources)
	assert.Equal(t, uint64(1), node.Generation)

	assert.Eventually(t, func() bool { return h.adapter.DiscoverCount() == 2 }, waitTimeout, 10*time.Millisecond)
}

func TestGateway_ResetFromUnknownAddressIsFirstContact(t *testing.T) {
	h := newHarness(t)

	id := h.check(t, "10.0.0.9", true)
	envs := h.sender.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, "new", envs[0].Type)
	assert.Equal(t, id, envs[0].UID)
}

func TestGateway_ValueFromDevice(t *testing.T) {
	h := newHarness(t)

	id := h.check(t, "10.0.0.1", false)
	h.clock.Advance(time.Minute)
	require.NoError(t, h.gw.HandleValue(context.Background(), "10.0.0.1", "humidity", "40"))

	envs := h.sender.Envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, testutil.Envelope{Type: "update", UID: id, Dst: "all", Endpoint: "humidity", Data: "40"}, envs[1])
	assert.Equal(t, t0.Add(time.Minute), h.node(t, id).LastSeen)

	err := h.gw.HandleValue(context.Background(), "10.9.9.9", "humidity", "40")
	assert.ErrorIs(t, err, errors.ErrUnknownNode)
}

func TestGateway_HandleGone(t *testing.T) {
	h := newHarness(t)

	id := h.check(t, "conn-1", false)
	require.NoError(t, h.gw.HandleGone(context.Background(), "conn-1"))

	envs := h.sender.Envelopes()
	require.Len(t, envs, 2)
	assert.Equal(t, testutil.Envelope{Type: "out", UID: id}, envs[1])
	assert.False(t, h.gw.Known(context.Background(), "conn-1"))

	assert.ErrorIs(t, h.gw.HandleGone(context.Background(), "conn-1"), errors.ErrUnknownNode)
}

func TestGateway_HandleCheckRejectsEmptyAddress(t *testing.T) {
	h := newHarness(t)
	_, err := h.gw.HandleCheck(context.Background(), gateway.Contact{}, false)
	assert.True(t, errors.IsInvalid(err))
}

func TestGateway_SweepStrictThreshold(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	id := h.check(t, "10.0.0.1", false)

	evicted, err := h.gw.Sweep(ctx, t0.Add(120*time.Second))
	require.NoError(t, err)
	assert.Empty(t, evicted, "exactly max_time is not dead yet")

	evicted, err = h.gw.Sweep(ctx, t0.Add(120*time.Second+time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, []string{id}, evicted)

	assert.False(t, h.gw.Known(ctx, "10.0.0.1"))
	envs := h.sender.Envelopes()
	assert.Equal(t, testutil.Envelope{Type: "out", UID: id}, envs[len(envs)-1])
	assert.Equal(t, float64(1), promtest.ToFloat64(h.registry.CoreMetrics().NodesEvicted))

	assert.Eventually(t, func() bool { return len(h.adapter.DetachedNodes()) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, "10.0.0.1", h.adapter.DetachedNodes()[0].Address)

	// the address is free again
	assert.Equal(t, "node-2", h.check(t, "10.0.0.1", false))
}

func TestGateway_SweepKeepsFreshNodes(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	stale := h.check(t, "10.0.0.1", false)
	h.clock.Advance(100 * time.Second)
	fresh := h.check(t, "10.0.0.2", false)

	evicted, err := h.gw.Sweep(ctx, t0.Add(130*time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{stale}, evicted)
	assert.True(t, h.gw.Known(ctx, "10.0.0.2"))
	assert.Equal(t, fresh, h.node(t, fresh).ID)
}

func TestGateway_RunReaperEvicts(t *testing.T) {
	h := newHarness(t)
	id := h.check(t, "10.0.0.1", false)
	h.clock.Advance(121 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = h.gw.RunReaper(ctx, 10*time.Millisecond) }()

	assert.Eventually(t, func() bool {
		envs := h.sender.Envelopes()
		return len(envs) > 0 && envs[len(envs)-1] == testutil.Envelope{Type: "out", UID: id}
	}, waitTimeout, 10*time.Millisecond)
}

func TestGateway_ReplayCache(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	ids := []string{h.check(t, "10.0.0.1", false), h.check(t, "10.0.0.2", false)}
	h.sender.Reset()

	require.NoError(t, h.gw.ReplayCache(ctx, "client-7"))

	envs := h.sender.Envelopes()
	// each node holds protocol + ip
	require.Len(t, envs, 2+2*2)
	var news, updates int
	for _, env := range envs {
		assert.Equal(t, "client-7", env.Dst)
		switch env.Type {
		case "new":
			news++
		case "update":
			updates++
		}
	}
	assert.Equal(t, 2, news)
	assert.Equal(t, 4, updates)

	assert.Equal(t, testutil.Envelope{Type: "new", UID: ids[0], Dst: "client-7"}, envs[0])
	assert.Equal(t, testutil.Envelope{Type: "update", UID: ids[0], Dst: "client-7", Endpoint: "ip", Data: "10.0.0.1"}, envs[1])
	assert.Equal(t, testutil.Envelope{Type: "update", UID: ids[0], Dst: "client-7", Endpoint: "protocol", Data: "CoAP"}, envs[2])
	assert.Equal(t, testutil.Envelope{Type: "new", UID: ids[1], Dst: "client-7"}, envs[3])
}

func TestGateway_BrokerConnectedReplaysToAll(t *testing.T) {
	h := newHarness(t)
	h.check(t, "10.0.0.1", false)
	h.sender.Reset()

	h.gw.BrokerConnected(context.Background())

	require.True(t, h.sender.WaitFor(3, waitTimeout))
	for _, env := range h.sender.Envelopes() {
		assert.Equal(t, "all", env.Dst)
	}
}

func TestGateway_BrokerNewReplaysToSource(t *testing.T) {
	h := newHarness(t)
	h.check(t, "10.0.0.1", false)
	h.sender.Reset()

	h.gw.BrokerMessage(context.Background(), []byte(`{"type":"new","src":"c"}`))
	require.True(t, h.sender.WaitFor(3, waitTimeout))
	for _, env := range h.sender.Envelopes() {
		assert.Equal(t, "c", env.Dst)
	}
}

func TestGateway_BrokerNewWithoutSrcIsDropped(t *testing.T) {
	h := newHarness(t)
	h.check(t, "10.0.0.1", false)
	h.sender.Reset()

	h.gw.BrokerMessage(context.Background(), []byte(`{"type":"new"}`))
	// a synchronous call drains the mailbox behind the broker message
	_, err := h.gw.Nodes(context.Background())
	require.NoError(t, err)

	assert.Empty(t, h.sender.Frames())
	assert.Equal(t, float64(1),
		promtest.ToFloat64(h.registry.CoreMetrics().InboundRejected.WithLabelValues("broker", "missing_src")))
}

func TestGateway_BrokerUpdatePushesAndConfirms(t *testing.T) {
	h := newHarness(t)
	id := h.check(t, "10.0.0.1", false)
	h.sender.Reset()

	h.gw.BrokerMessage(context.Background(),
		[]byte(fmt.Sprintf(`{"type":"update","data":{"uid":%q,"endpoint":"led","payload":"on"}}`, id)))

	require.True(t, h.sender.WaitFor(1, waitTimeout))
	assert.Equal(t, []testutil.UpdateCall{{NodeID: id, Address: "10.0.0.1", Endpoint: "led", Value: "on"}},
		h.adapter.UpdateCalls())
	assert.Equal(t, testutil.Envelope{Type: "update", UID: id, Dst: "all", Endpoint: "led", Data: "on"},
		h.sender.Envelopes()[0])
	assert.Equal(t, "on", h.node(t, id).Resource("led"))
}

func TestGateway_BrokerUpdateFailureKeepsNode(t *testing.T) {
	h := newHarness(t, func(a *testutil.MockAdapter) { a.UpdateErr = testutil.ErrMockUnreachable })
	id := h.check(t, "10.0.0.1", false)
	h.sender.Reset()

	h.gw.BrokerMessage(context.Background(),
		[]byte(fmt.Sprintf(`{"type":"update","data":{"uid":%q,"endpoint":"led","payload":"on"}}`, id)))

	assert.Eventually(t, func() bool { return len(h.adapter.UpdateCalls()) == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return deviceOps(h, "update") == 1 }, waitTimeout, 10*time.Millisecond)

	assert.Empty(t, h.sender.Frames())
	assert.True(t, h.gw.Known(context.Background(), "10.0.0.1"))
	assert.Empty(t, h.node(t, id).Resource("led"))
}

func TestGateway_BrokerRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `garbage`},
		{"unknown type", `{"type":"delete","uid":"x"}`},
		{"extra data key", `{"type":"update","data":{"uid":"node-1","endpoint":"led","payload":"on","x":1}}`},
		{"missing payload", `{"type":"update","data":{"uid":"node-1","endpoint":"led"}}`},
		{"unknown uid", `{"type":"update","data":{"uid":"nope","endpoint":"led","payload":"on"}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.check(t, "10.0.0.1", false)
			h.sender.Reset()

			h.gw.BrokerMessage(context.Background(), []byte(tt.raw))
			_, err := h.gw.Nodes(context.Background())
			require.NoError(t, err)

			// give a wrongly scheduled device call time to show up
			time.Sleep(20 * time.Millisecond)
			assert.Empty(t, h.adapter.UpdateCalls())
			assert.Empty(t, h.sender.Frames())
		})
	}
}

func TestGateway_StaleDiscoveryDiscarded(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, func(a *testutil.MockAdapter) {
		a.DiscoverFunc = func(ctx context.Context, node gateway.NodeSnapshot) (map[string]string, error) {
			if node.Generation == 0 {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return map[string]string{"stale": "1"}, nil
			}
			return map[string]string{"fresh": "2"}, nil
		}
	})

	id := h.check(t, "10.0.0.1", false)
	h.check(t, "10.0.0.1", true)

	assert.Eventually(t, func() bool { return h.node(t, id).Resource("fresh") == "2" }, waitTimeout, 10*time.Millisecond)
	close(release)

	assert.Eventually(t, func() bool { return deviceOps(h, "discover") == 2 }, waitTimeout, 10*time.Millisecond)

	assert.Empty(t, h.node(t, id).Resource("stale"))
	for _, env := range h.sender.Envelopes() {
		assert.NotEqual(t, "stale", env.Endpoint)
	}
}

func TestGateway_DiscoveryResultSurvivesTaskDeadline(t *testing.T) {
	// the device answers some paths, then the per-task deadline cuts the rest
	h := newHarness(t, func(a *testutil.MockAdapter) {
		a.DiscoverFunc = func(ctx context.Context, node gateway.NodeSnapshot) (map[string]string, error) {
			<-ctx.Done()
			return map[string]string{"temperature": node.ID}, ctx.Err()
		}
	})

	var ids []string
	for i := 0; i < 8; i++ {
		ids = append(ids, h.check(t, fmt.Sprintf("10.0.0.%d", i+1), false))
	}

	assert.Eventually(t, func() bool {
		for _, id := range ids {
			if h.node(t, id).Resource("temperature") != id {
				return false
			}
		}
		return true
	}, 3*time.Second, 20*time.Millisecond, "every partial result reaches the registry")
}

func TestGateway_PartialDiscoveryFailureKeepsNode(t *testing.T) {
	h := newHarness(t, func(a *testutil.MockAdapter) {
		a.DiscoverFunc = func(context.Context, gateway.NodeSnapshot) (map[string]string, error) {
			return nil, testutil.ErrMockUnreachable
		}
	})

	id := h.check(t, "10.0.0.1", false)
	assert.Eventually(t, func() bool { return h.adapter.DiscoverCount() == 1 }, waitTimeout, 10*time.Millisecond)
	assert.Equal(t, id, h.node(t, id).ID)
	assert.Len(t, h.sender.Frames(), 1)
}

func TestGateway_SenderDownDropsEnvelopes(t *testing.T) {
	h := newHarness(t)
	h.sender.SetDown(true)

	h.check(t, "10.0.0.1", false)

	assert.Empty(t, h.sender.Frames())
	assert.Equal(t, 1, h.sender.Dropped())
	assert.Equal(t, float64(1),
		promtest.ToFloat64(h.registry.CoreMetrics().EnvelopesDropped.WithLabelValues("link_down")))

	// the node is still tracked and replayed once the link is back
	h.sender.SetDown(false)
	require.NoError(t, h.gw.ReplayCache(context.Background(), "all"))
	assert.Equal(t, "new", h.sender.Envelopes()[0].Type)
}

func TestGateway_RunTwice(t *testing.T) {
	h := newHarness(t)
	_, err := h.gw.Nodes(context.Background())
	require.NoError(t, err)

	err = h.gw.Run(context.Background())
	assert.ErrorIs(t, err, errors.ErrAlreadyStarted)
}

func TestGateway_AdapterStartFailure(t *testing.T) {
	adapter := testutil.NewMockAdapter("MQTT")
	adapter.StartErr = testutil.ErrMockFailed

	gw, err := gateway.New(gateway.DefaultConfig(), adapter, testutil.NewRecordingSender())
	require.NoError(t, err)

	err = gw.Run(context.Background())
	assert.ErrorIs(t, err, testutil.ErrMockFailed)
	assert.True(t, errors.IsFatal(err))

	_, err = gw.HandleCheck(context.Background(), gateway.Contact{Address: "x"}, false)
	assert.ErrorIs(t, err, errors.ErrShuttingDown)
}

func TestGateway_StopsAdapterOnShutdown(t *testing.T) {
	adapter := testutil.NewMockAdapter("WebSocket")
	gw, err := gateway.New(gateway.DefaultConfig(), adapter, testutil.NewRecordingSender())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- gw.Run(ctx) }()

	_, err = gw.HandleCheck(ctx, gateway.Contact{Address: "conn"}, false)
	require.NoError(t, err)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("gateway did not stop")
	}
	assert.Equal(t, 1, adapter.StopCalls)
}

func TestGateway_EndToEndIPv6(t *testing.T) {
	h := newHarness(t, func(a *testutil.MockAdapter) {
		a.Resources = map[string]string{"temperature": "23"}
	})

	id := h.check(t, "2001:db8::1", false)
	require.True(t, h.sender.WaitFor(2, waitTimeout))

	envs := h.sender.Envelopes()
	assert.Equal(t, "new", envs[0].Type)
	assert.Equal(t, testutil.Envelope{Type: "update", UID: id, Dst: "all", Endpoint: "temperature", Data: "23"}, envs[1])
	assert.Equal(t, "2001:db8::1", h.adapter.DiscoveredNodes()[0].Resources["ip"])
}
