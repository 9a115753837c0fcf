// Package websocket connects nodes that keep a websocket open to the gateway.
//
// Nodes connect to Path (default /node). Every connection is one node,
// addressed by a random connection id: opening the socket is first contact
// and closing it removes the node, so WebSocket nodes are never reaped for
// silence.
//
// Frames from a node are checked as envelopes. An invalid frame closes the
// connection with 1003 (unsupported data) and the validation reason.
// {"type":"update","data":{...}} reports one value per key; other types are
// ignored. The gateway writes {"request":"discover"} to ask for values and
// {"endpoint":...,"payload":...} to update a resource.
//
// When a certificate and key are configured the listener serves wss://.
package websocket
