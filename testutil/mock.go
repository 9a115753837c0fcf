package testutil

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"sync"
	"time"

	"github.com/c360/cotgate/gateway"
)

// Common test errors
var (
	ErrMockFailed      = errors.New("mock operation failed")
	ErrMockUnreachable = errors.New("mock device unreachable")
)

// Envelope is a decoded broker envelope, for assertions
type Envelope struct {
	Type     string `json:"type"`
	UID      string `json:"uid"`
	Dst      string `json:"dst,omitempty"`
	Endpoint string `json:"endpoint,omitempty"`
	Data     string `json:"data,omitempty"`
}

// RecordingSender is a gateway.Sender that keeps every frame. Use SetDown to
// make it refuse frames the way a disconnected broker link does.
type RecordingSender struct {
	mu      sync.Mutex
	frames  [][]byte
	dropped int
	down    bool
	notify  chan struct{}
}

// NewRecordingSender creates an up sender
func NewRecordingSender() *RecordingSender {
	return &RecordingSender{notify: make(chan struct{}, 1)}
}

// Send records msg unless the sender is down
func (s *RecordingSender) Send(msg []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.down {
		s.dropped++
		return false
	}
	s.frames = append(s.frames, append([]byte(nil), msg...))
	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// SetDown toggles frame refusal
func (s *RecordingSender) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Frames returns a copy of the recorded frames
func (s *RecordingSender) Frames() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, len(s.frames))
	for i, f := range s.frames {
		out[i] = string(f)
	}
	return out
}

// Envelopes decodes the recorded frames
func (s *RecordingSender) Envelopes() []Envelope {
	frames := s.Frames()
	out := make([]Envelope, 0, len(frames))
	for _, f := range frames {
		var env Envelope
		if err := json.Unmarshal([]byte(f), &env); err == nil {
			out = append(out, env)
		}
	}
	return out
}

// Dropped returns the number of refused frames
func (s *RecordingSender) Dropped() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Reset forgets every recorded frame
func (s *RecordingSender) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = nil
	s.dropped = 0
}

// WaitFor polls until at least n frames are recorded or timeout passes
func (s *RecordingSender) WaitFor(n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		s.mu.Lock()
		got := len(s.frames)
		s.mu.Unlock()
		if got >= n {
			return true
		}
		select {
		case <-s.notify:
		case <-deadline.C:
			return false
		}
	}
}

// UpdateCall records one MockAdapter.UpdateResource call
type UpdateCall struct {
	NodeID   string
	Address  string
	Endpoint string
	Value    string
}

// MockAdapter is a scripted gateway.Adapter. Discovery answers come from
// DiscoverFunc (default: Resources); updates fail when UpdateErr is set.
type MockAdapter struct {
	mu sync.Mutex

	Name         string
	Resources    map[string]string
	DiscoverFunc func(ctx context.Context, node gateway.NodeSnapshot) (map[string]string, error)
	UpdateErr    error
	StartErr     error

	Ingress gateway.Ingress

	// Call tracking
	StartCalls    int
	StopCalls     int
	DiscoverCalls []gateway.NodeSnapshot
	Updates       []UpdateCall
	Detached      []gateway.NodeSnapshot
}

// NewMockAdapter creates an adapter reporting protocol name
func NewMockAdapter(name string) *MockAdapter {
	return &MockAdapter{Name: name, Resources: map[string]string{}}
}

// Protocol returns the adapter name
func (m *MockAdapter) Protocol() string { return m.Name }

// Start records the ingress
func (m *MockAdapter) Start(_ context.Context, in gateway.Ingress) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.StartCalls++
	if m.StartErr != nil {
		return m.StartErr
	}
	m.Ingress = in
	return nil
}

// Stop counts calls
func (m *MockAdapter) Stop(_ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StopCalls++
	return nil
}

// Discover returns the scripted resources
func (m *MockAdapter) Discover(ctx context.Context, node gateway.NodeSnapshot) (map[string]string, error) {
	m.mu.Lock()
	m.DiscoverCalls = append(m.DiscoverCalls, node)
	fn := m.DiscoverFunc
	res := maps.Clone(m.Resources)
	m.mu.Unlock()

	if fn != nil {
		return fn(ctx, node)
	}
	return res, nil
}

// UpdateResource records the push
func (m *MockAdapter) UpdateResource(_ context.Context, node gateway.NodeSnapshot, endpoint, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Updates = append(m.Updates, UpdateCall{NodeID: node.ID, Address: node.Address, Endpoint: endpoint, Value: value})
	return m.UpdateErr
}

// Detach records the evicted node
func (m *MockAdapter) Detach(_ context.Context, node gateway.NodeSnapshot) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Detached = append(m.Detached, node)
}

// SetUpdateErr changes the update result
func (m *MockAdapter) SetUpdateErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.UpdateErr = err
}

// UpdateCalls returns a copy of the recorded updates
func (m *MockAdapter) UpdateCalls() []UpdateCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]UpdateCall(nil), m.Updates...)
}

// DetachedNodes returns a copy of the detached snapshots
func (m *MockAdapter) DetachedNodes() []gateway.NodeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.NodeSnapshot(nil), m.Detached...)
}

// DiscoveredNodes returns a copy of the snapshots passed to Discover
func (m *MockAdapter) DiscoveredNodes() []gateway.NodeSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]gateway.NodeSnapshot(nil), m.DiscoverCalls...)
}

// DiscoverCount returns the number of Discover calls
func (m *MockAdapter) DiscoverCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.DiscoverCalls)
}

// ValueCall records one MockIngress.HandleValue call
type ValueCall struct {
	Address string
	Name    string
	Value   string
}

// CheckCall records one MockIngress.HandleCheck call
type CheckCall struct {
	Contact gateway.Contact
	Reset   bool
}

// MockIngress is a gateway.Ingress for adapter tests. Addresses become known
// on their first check and are forgotten by HandleGone.
type MockIngress struct {
	mu     sync.Mutex
	known  map[string]string
	Checks []CheckCall
	Values []ValueCall
	Gone   []string
	events chan string
}

// NewMockIngress creates an empty ingress
func NewMockIngress() *MockIngress {
	return &MockIngress{known: make(map[string]string), events: make(chan string, 256)}
}

func (m *MockIngress) signal(kind string) {
	select {
	case m.events <- kind:
	default:
	}
}

// HandleCheck records the contact and returns a stable id per address
func (m *MockIngress) HandleCheck(_ context.Context, c gateway.Contact, reset bool) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.Checks = append(m.Checks, CheckCall{Contact: c, Reset: reset})
	id, ok := m.known[c.Address]
	if !ok {
		id = "node-" + c.Address
		m.known[c.Address] = id
	}
	m.signal("check")
	return id, nil
}

// HandleValue records the value; unknown addresses are rejected
func (m *MockIngress) HandleValue(_ context.Context, address, name, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.known[address]; !ok {
		return ErrMockFailed
	}
	m.Values = append(m.Values, ValueCall{Address: address, Name: name, Value: value})
	m.signal("value")
	return nil
}

// HandleGone forgets the address
func (m *MockIngress) HandleGone(_ context.Context, address string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.known, address)
	m.Gone = append(m.Gone, address)
	m.signal("gone")
	return nil
}

// Known reports whether address has checked in
func (m *MockIngress) Known(_ context.Context, address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.known[address]
	return ok
}

// Wait blocks until an event of kind arrives or timeout passes
func (m *MockIngress) Wait(kind string, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case got := <-m.events:
			if got == kind {
				return true
			}
		case <-deadline.C:
			return false
		}
	}
}

// CheckCalls returns a copy of the recorded checks
func (m *MockIngress) CheckCalls() []CheckCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]CheckCall(nil), m.Checks...)
}

// ValueCalls returns a copy of the recorded values
func (m *MockIngress) ValueCalls() []ValueCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ValueCall(nil), m.Values...)
}

// GoneCalls returns a copy of the removed addresses
func (m *MockIngress) GoneCalls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Gone...)
}
