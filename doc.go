// Package cotgate is an IoT gateway that keeps a registry of constrained
// nodes reachable over CoAP, MQTT or WebSocket and bridges them to a central
// broker over one authenticated websocket link.
//
// # Architecture
//
//	┌─────────────────────────────────────┐
//	│          Broker link                │  token handshake, replay,
//	│   (broker.Link, wss:// + fernet)    │  fixed-interval reconnect
//	└─────────────────────────────────────┘
//	           ↕ envelopes
//	┌─────────────────────────────────────┐
//	│          Gateway core               │  node registry, resource store,
//	│   (gateway.Gateway + reaper)        │  check/update/values/leave
//	└─────────────────────────────────────┘
//	           ↕ gateway.Adapter
//	┌─────────────────────────────────────┐
//	│      Protocol adapters              │  adapter/coap, adapter/mqtt,
//	│   (one per process)                 │  adapter/websocket
//	└─────────────────────────────────────┘
//
// Nodes are discovered on first contact, their resources are read through
// the adapter, and every change is published to the broker as a JSON
// envelope (see package message). Broker updates addressed to a node are
// forwarded to the adapter that owns it. Nodes silent for longer than the
// configured max time are evicted by the reaper and reported as gone.
//
// # Packages
//
//   - gateway: registry, resource store, reaper and the core event loop
//   - message: envelope codec and validation
//   - auth: key file handling and the fernet token sent on connect
//   - broker: the reconnecting websocket link to the broker
//   - adapter/...: per-protocol node transports
//   - config, metric, health, errors: ambient infrastructure
//   - pkg/retry, pkg/worker, pkg/tlsutil: shared utilities
//
// The daemon lives in cmd/cotgate.
package cotgate
