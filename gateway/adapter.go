package gateway

import (
	"context"
	"time"
)

// Contact is a device check-in as seen by an adapter
type Contact struct {
	// Address is the transport identity: IP for CoAP, device id for MQTT,
	// connection id for WebSocket.
	Address string
	// Seed holds the resources a new or reset node starts with, besides
	// the protocol.
	Seed map[string]string
}

// Ingress is the gateway surface adapters report device traffic to. Every
// call is serialized onto the gateway's mailbox goroutine.
type Ingress interface {
	// HandleCheck registers first contact, applies a reset, or refreshes
	// liveness, and returns the node id.
	HandleCheck(ctx context.Context, c Contact, reset bool) (string, error)
	// HandleValue records a resource value pushed by a device.
	HandleValue(ctx context.Context, address, name, value string) error
	// HandleGone removes the node behind a closed transport.
	HandleGone(ctx context.Context, address string) error
	// Known reports whether an address maps to a live node.
	Known(ctx context.Context, address string) bool
}

// Adapter is a protocol transport for one family of devices
type Adapter interface {
	// Protocol is the value of every node's "protocol" resource.
	Protocol() string
	// Start begins serving devices and returns once listeners are up.
	Start(ctx context.Context, in Ingress) error
	// Stop releases the transport.
	Stop(timeout time.Duration) error
	// Discover fetches a node's resources. Adapters whose devices answer
	// asynchronously return an empty map and report values via Ingress.
	Discover(ctx context.Context, node NodeSnapshot) (map[string]string, error)
	// UpdateResource pushes a value to a device.
	UpdateResource(ctx context.Context, node NodeSnapshot, endpoint, value string) error
}

// Detacher is implemented by adapters holding per-node transport state that
// must be released when the reaper evicts a node.
type Detacher interface {
	Detach(ctx context.Context, node NodeSnapshot)
}

// Sender delivers an encoded envelope to the broker. It never blocks and
// reports false when the envelope was dropped.
type Sender interface {
	Send(msg []byte) bool
}
