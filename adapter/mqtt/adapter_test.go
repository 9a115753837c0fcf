package mqtt

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/cotgate/errors"
	"github.com/c360/cotgate/gateway"
	"github.com/c360/cotgate/testutil"
)

type published struct {
	topic   string
	payload string
}

// fakeClient is an in-memory broker with exact and single-level wildcard
// topic matching.
type fakeClient struct {
	mu         sync.Mutex
	connectErr error
	subs       map[string]MessageHandler
	published  []published
	unsubbed   []string
	disconnect int
}

func newFakeClient() *fakeClient {
	return &fakeClient{subs: make(map[string]MessageHandler)}
}

func (f *fakeClient) Connect(context.Context) error { return f.connectErr }

func (f *fakeClient) Subscribe(_ context.Context, topic string, _ byte, handler MessageHandler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subs[topic] = handler
	return nil
}

func (f *fakeClient) Unsubscribe(_ context.Context, topics ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, topic := range topics {
		delete(f.subs, topic)
	}
	f.unsubbed = append(f.unsubbed, topics...)
	return nil
}

func (f *fakeClient) Publish(_ context.Context, topic string, _ byte, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, published{topic: topic, payload: string(payload)})
	return nil
}

func (f *fakeClient) Disconnect(time.Duration) {
	f.mu.Lock()
	f.disconnect++
	f.mu.Unlock()
}

// deliver routes a device message to the matching subscription
func (f *fakeClient) deliver(topic, payload string) bool {
	f.mu.Lock()
	var handler MessageHandler
	for pattern, h := range f.subs {
		if matches(pattern, topic) {
			handler = h
			break
		}
	}
	f.mu.Unlock()
	if handler == nil {
		return false
	}
	handler(topic, []byte(payload))
	return true
}

func (f *fakeClient) subscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.subs[topic]
	return ok
}

func (f *fakeClient) publications() []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]published(nil), f.published...)
}

func matches(pattern, topic string) bool {
	p, t := strings.Split(pattern, "/"), strings.Split(topic, "/")
	if len(p) != len(t) {
		return false
	}
	for i := range p {
		if p[i] != "+" && p[i] != t[i] {
			return false
		}
	}
	return true
}

func startAdapter(t *testing.T, cfg Config) (*Adapter, *fakeClient, *testutil.MockIngress) {
	t.Helper()
	client := newFakeClient()
	a, err := New(cfg, client)
	require.NoError(t, err)

	in := testutil.NewMockIngress()
	require.NoError(t, a.Start(context.Background(), in))
	t.Cleanup(func() { _ = a.Stop(time.Second) })
	return a, client, in
}

func node(id string) gateway.NodeSnapshot {
	return gateway.NodeSnapshot{
		ID:        "node-" + id,
		Address:   id,
		Resources: map[string]string{gateway.ResourceProtocol: Protocol, gateway.ResourceID: id},
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(DefaultConfig(), nil)
	assert.ErrorIs(t, err, errors.ErrMissingConfig)

	_, err = New(Config{QoS: 3}, newFakeClient())
	assert.ErrorIs(t, err, errors.ErrInvalidConfig)
}

func TestStartFailure(t *testing.T) {
	client := newFakeClient()
	client.connectErr = errors.ErrBrokerUnavailable
	a, err := New(DefaultConfig(), client)
	require.NoError(t, err)

	err = a.Start(context.Background(), testutil.NewMockIngress())
	assert.True(t, errors.IsFatal(err))
	assert.NoError(t, a.Stop(time.Second))
}

func TestCheckTopics(t *testing.T) {
	a, client, in := startAdapter(t, DefaultConfig())
	assert.Equal(t, "MQTT", a.Protocol())

	require.True(t, client.deliver("node/check", `{"id":"dev-1"}`))
	require.True(t, client.deliver("node/dev-2/check", ``))
	client.deliver("node/check", `not json`)
	client.deliver("node/check", `{"id":""}`)

	checks := in.CheckCalls()
	require.Len(t, checks, 2)
	assert.Equal(t, "dev-1", checks[0].Contact.Address)
	assert.Equal(t, map[string]string{gateway.ResourceID: "dev-1"}, checks[0].Contact.Seed)
	assert.False(t, checks[0].Reset)
	assert.Equal(t, "dev-2", checks[1].Contact.Address)
}

func TestDiscoveryFlow(t *testing.T) {
	a, client, in := startAdapter(t, DefaultConfig())
	ctx := context.Background()

	client.deliver("node/check", `{"id":"dev-1"}`)

	values, err := a.Discover(ctx, node("dev-1"))
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.True(t, client.subscribed("node/dev-1/resources"))
	assert.Contains(t, client.publications(), published{topic: "gateway/dev-1/discover", payload: "resources"})

	require.True(t, client.deliver("node/dev-1/resources", `["temperature","led","bad/name"]`))
	assert.True(t, client.subscribed("node/dev-1/temperature"))
	assert.True(t, client.subscribed("node/dev-1/led"))
	assert.Contains(t, client.publications(), published{topic: "gateway/dev-1/discover", payload: "values"})

	require.True(t, client.deliver("node/dev-1/temperature", `{"value":21.5}`))
	require.True(t, client.deliver("node/dev-1/led", `{"value":"on"}`))
	client.deliver("node/dev-1/led", `{"other":1}`)

	assert.Equal(t, []testutil.ValueCall{
		{Address: "dev-1", Name: "temperature", Value: "21.5"},
		{Address: "dev-1", Name: "led", Value: "on"},
	}, in.ValueCalls())
}

func TestResourcesFromUnknownNodeIgnored(t *testing.T) {
	a, client, _ := startAdapter(t, DefaultConfig())

	_, err := a.Discover(context.Background(), node("ghost"))
	require.NoError(t, err)

	client.deliver("node/ghost/resources", `["temperature"]`)
	assert.False(t, client.subscribed("node/ghost/temperature"))
}

func TestUpdateResource(t *testing.T) {
	a, client, _ := startAdapter(t, DefaultConfig())

	require.NoError(t, a.UpdateResource(context.Background(), node("dev-1"), "led", "off"))
	assert.Contains(t, client.publications(), published{topic: "gateway/dev-1/led/set", payload: "off"})
}

func TestDetachUnsubscribes(t *testing.T) {
	a, client, _ := startAdapter(t, DefaultConfig())
	ctx := context.Background()

	client.deliver("node/check", `{"id":"dev-1"}`)
	_, err := a.Discover(ctx, node("dev-1"))
	require.NoError(t, err)
	client.deliver("node/dev-1/resources", `["temperature","led"]`)

	a.Detach(ctx, node("dev-1"))
	assert.Equal(t, []string{"node/dev-1/resources", "node/dev-1/led", "node/dev-1/temperature"}, client.unsubbed)
	assert.False(t, client.subscribed("node/dev-1/led"))
	assert.True(t, client.subscribed(checkTopic))
}

func TestAliveRequests(t *testing.T) {
	_, client, _ := startAdapter(t, Config{QoS: 0, AliveInterval: 10 * time.Millisecond})

	assert.Eventually(t, func() bool {
		for _, p := range client.publications() {
			if p.topic == "gateway/check" {
				return true
			}
		}
		return false
	}, time.Second, 5*time.Millisecond)
}

func TestStopDisconnects(t *testing.T) {
	a, client, _ := startAdapter(t, DefaultConfig())

	require.NoError(t, a.Stop(time.Second))
	require.NoError(t, a.Stop(time.Second))
	assert.Equal(t, 1, client.disconnect)
}

func TestDetachSkipsRediscoveredDevice(t *testing.T) {
	a, client, _ := startAdapter(t, DefaultConfig())
	ctx := context.Background()

	evicted := node("dev-1")
	_, err := a.Discover(ctx, evicted)
	require.NoError(t, err)

	// the device checked in again before the evicted node was detached
	current := node("dev-1")
	current.ID = "node-dev-1-b"
	_, err = a.Discover(ctx, current)
	require.NoError(t, err)

	a.Detach(ctx, evicted)
	assert.Empty(t, client.unsubbed)
	assert.True(t, client.subscribed("node/dev-1/resources"))

	a.Detach(ctx, current)
	assert.Equal(t, []string{"node/dev-1/resources"}, client.unsubbed)
	assert.False(t, client.subscribed("node/dev-1/resources"))
}
