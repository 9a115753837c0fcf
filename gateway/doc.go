// Package gateway is the protocol-agnostic core of cotgate.
//
// A Gateway tracks field devices ("nodes") reported by one protocol Adapter,
// keeps their last-known resource values, and relays every lifecycle change
// to the broker as a JSON envelope through a Sender.
//
// # Ownership
//
// The Registry is the only mutable shared state and it is confined to the
// gateway's mailbox goroutine (Gateway.Run). Adapters call the Ingress
// methods, the broker link calls BrokerConnected and BrokerMessage, and the
// reaper posts sweeps; all of them enqueue closures rather than touching the
// registry. Envelopes are emitted from the mailbox goroutine, so per-node
// envelope order equals event order.
//
// # Node lifecycle
//
//	first check from an unmapped address   -> new     (+ discovery)
//	check with reset from a known address  -> reset   (+ discovery)
//	check from a known address             -> liveness only
//	resource value from a device           -> update
//	transport closed / silent past MaxTime -> out
//
// Device calls (discovery, resource updates, detach) run on a worker pool
// under a per-operation timeout, so one stuck device only holds its own
// worker slot. Discovery results are applied only if the node has not been
// reset in the meantime.
//
// # Broker traffic
//
// On (re)connection the whole cache is replayed to "all". An inbound
// {"type":"new","src":c} replays it to client c; an inbound "update" is
// pushed to the device and, once the adapter reports success, stored and
// confirmed to "all". Malformed inbound frames are counted and dropped.
package gateway
