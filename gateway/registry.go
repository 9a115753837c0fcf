package gateway

import (
	"fmt"
	"sort"
	"time"

	"github.com/c360/cotgate/errors"
)

// EventType identifies a node lifecycle change
type EventType string

// Lifecycle events, named after the envelope each one produces
const (
	EventNew    EventType = "new"
	EventUpdate EventType = "update"
	EventOut    EventType = "out"
	EventReset  EventType = "reset"
)

// Event describes one registry mutation
type Event struct {
	Type     EventType
	NodeID   string
	Endpoint string
	Value    string
}

// Listener receives registry events synchronously, in mutation order
type Listener func(Event)

type entry struct {
	node    *Node
	address string
}

// Registry owns the known nodes and the transport address index. It is not
// safe for concurrent use; the Gateway confines it to its mailbox goroutine.
type Registry struct {
	nodes     map[string]*entry
	byAddress map[string]string
	listener  Listener
}

// NewRegistry creates an empty registry. listener may be nil.
func NewRegistry(listener Listener) *Registry {
	if listener == nil {
		listener = func(Event) {}
	}
	return &Registry{
		nodes:     make(map[string]*entry),
		byAddress: make(map[string]string),
		listener:  listener,
	}
}

func unknown(method, id string) error {
	return errors.Wrap(fmt.Errorf("%w: %s", errors.ErrUnknownNode, id), "Registry", method, "node lookup")
}

// Add registers a node under its transport address and emits EventNew
func (r *Registry) Add(node *Node, address string) error {
	if _, ok := r.nodes[node.ID()]; ok {
		return errors.Wrap(fmt.Errorf("%w: id %s", errors.ErrDuplicateNode, node.ID()), "Registry", "Add", "node insert")
	}
	if _, ok := r.byAddress[address]; ok {
		return errors.Wrap(fmt.Errorf("%w: address %s", errors.ErrDuplicateNode, address), "Registry", "Add", "node insert")
	}
	r.nodes[node.ID()] = &entry{node: node, address: address}
	r.byAddress[address] = node.ID()
	r.listener(Event{Type: EventNew, NodeID: node.ID()})
	return nil
}

// Get returns a live node
func (r *Registry) Get(id string) (*Node, error) {
	e, ok := r.nodes[id]
	if !ok {
		return nil, unknown("Get", id)
	}
	return e.node, nil
}

// Remove deletes a node and its address mapping and emits EventOut. A
// missing id is a no-op and reports false.
func (r *Registry) Remove(id string) bool {
	e, ok := r.nodes[id]
	if !ok {
		return false
	}
	delete(r.nodes, id)
	delete(r.byAddress, e.address)
	r.listener(Event{Type: EventOut, NodeID: id})
	return true
}

// Reset clears a node's resources and re-seeds them, keeping its id and
// address. Only EventReset is emitted; the seed values are not announced.
func (r *Registry) Reset(id string, seed map[string]string, now time.Time) error {
	e, ok := r.nodes[id]
	if !ok {
		return unknown("Reset", id)
	}
	e.node.reseed(seed, now)
	r.listener(Event{Type: EventReset, NodeID: id})
	return nil
}

// Set upserts one resource value and emits EventUpdate
func (r *Registry) Set(id, name, value string) error {
	e, ok := r.nodes[id]
	if !ok {
		return unknown("Set", id)
	}
	e.node.Set(name, value)
	r.listener(Event{Type: EventUpdate, NodeID: id, Endpoint: name, Value: value})
	return nil
}

// Touch refreshes liveness without emitting anything
func (r *Registry) Touch(id string, now time.Time) error {
	e, ok := r.nodes[id]
	if !ok {
		return unknown("Touch", id)
	}
	e.node.Touch(now)
	return nil
}

// Lookup resolves a transport address to a node id
func (r *Registry) Lookup(address string) (string, bool) {
	id, ok := r.byAddress[address]
	return id, ok
}

// Address returns the transport address a node was registered under
func (r *Registry) Address(id string) (string, bool) {
	e, ok := r.nodes[id]
	if !ok {
		return "", false
	}
	return e.address, true
}

// Len returns the number of live nodes
func (r *Registry) Len() int {
	return len(r.nodes)
}

// Expired returns the ids of nodes last seen before cutoff, ordered by id.
// Resources are not copied.
func (r *Registry) Expired(cutoff time.Time) []string {
	var ids []string
	for id, e := range r.nodes {
		if e.node.LastSeen().Before(cutoff) {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// NodeSnapshot copies one node
func (r *Registry) NodeSnapshot(id string) (NodeSnapshot, error) {
	e, ok := r.nodes[id]
	if !ok {
		return NodeSnapshot{}, unknown("NodeSnapshot", id)
	}
	return snapshotOf(e), nil
}

// Snapshot copies every node, ordered by id
func (r *Registry) Snapshot() []NodeSnapshot {
	out := make([]NodeSnapshot, 0, len(r.nodes))
	for _, e := range r.nodes {
		out = append(out, snapshotOf(e))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func snapshotOf(e *entry) NodeSnapshot {
	return NodeSnapshot{
		ID:         e.node.ID(),
		Address:    e.address,
		Resources:  e.node.Resources.Resources(),
		LastSeen:   e.node.LastSeen(),
		Generation: e.node.Generation(),
	}
}
