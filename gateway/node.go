package gateway

import (
	"maps"
	"time"
)

// Resource names every node carries
const (
	ResourceProtocol = "protocol"
	ResourceIP       = "ip"
	ResourceID       = "id"
)

// Resources is a node's name to last-known value map. Values are replaced
// whole on every write.
type Resources struct {
	values map[string]string
}

// Set upserts one resource value
func (r *Resources) Set(name, value string) {
	if r.values == nil {
		r.values = make(map[string]string)
	}
	r.values[name] = value
}

// Get returns a resource value
func (r *Resources) Get(name string) (string, bool) {
	v, ok := r.values[name]
	return v, ok
}

// Clear drops every resource
func (r *Resources) Clear() {
	r.values = make(map[string]string)
}

// Len returns the number of resources
func (r *Resources) Len() int {
	return len(r.values)
}

// Resources returns a copy of the values
func (r *Resources) Resources() map[string]string {
	out := make(map[string]string, len(r.values))
	maps.Copy(out, r.values)
	return out
}

// Node is one field device known to the gateway. Nodes are owned by a
// Registry and must only be touched from the goroutine that owns it.
type Node struct {
	Resources

	id         string
	lastSeen   time.Time
	generation uint64
}

// NewNode creates a node seeded with the given resources
func NewNode(id string, seed map[string]string, now time.Time) *Node {
	n := &Node{id: id, lastSeen: now}
	n.Clear()
	for k, v := range seed {
		n.Set(k, v)
	}
	return n
}

// ID returns the gateway-assigned node id
func (n *Node) ID() string { return n.id }

// LastSeen returns the time of the last device contact
func (n *Node) LastSeen() time.Time { return n.lastSeen }

// Generation counts resets. Discovery results carry the generation they
// started under and are discarded if it moved on.
func (n *Node) Generation() uint64 { return n.generation }

// Touch records device contact
func (n *Node) Touch(now time.Time) {
	if now.After(n.lastSeen) {
		n.lastSeen = now
	}
}

func (n *Node) reseed(seed map[string]string, now time.Time) {
	n.Clear()
	for k, v := range seed {
		n.Set(k, v)
	}
	n.generation++
	n.Touch(now)
}

// NodeSnapshot is a read-only copy of a node handed to adapters for
// addressing. Adapters must not retain it beyond the call.
type NodeSnapshot struct {
	ID         string
	Address    string
	Resources  map[string]string
	LastSeen   time.Time
	Generation uint64
}

// Resource returns one value from the snapshot
func (s NodeSnapshot) Resource(name string) string {
	return s.Resources[name]
}
