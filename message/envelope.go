package message

import (
	"encoding/json"
)

// Envelope types
const (
	TypeNew    = "new"
	TypeUpdate = "update"
	TypeOut    = "out"
	TypeReset  = "reset"
)

// DstAll addresses every broker client
const DstAll = "all"

// Field order in these structs is the wire order.
type nodeEnvelope struct {
	Type string `json:"type"`
	UID  string `json:"uid"`
	Dst  string `json:"dst,omitempty"`
}

type updateEnvelope struct {
	Type     string `json:"type"`
	UID      string `json:"uid"`
	Endpoint string `json:"endpoint"`
	Data     string `json:"data"`
	Dst      string `json:"dst"`
}

type discoverRequest struct {
	Request string `json:"request"`
}

type resourceUpdate struct {
	Endpoint string `json:"endpoint"`
	Payload  string `json:"payload"`
}

// encode marshals string-only structs, which cannot fail
func encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}

func dstOrAll(dst string) string {
	if dst == "" {
		return DstAll
	}
	return dst
}

// NewNode announces a node: {"type":"new","uid":...,"dst":...}
func NewNode(uid, dst string) []byte {
	return encode(nodeEnvelope{Type: TypeNew, UID: uid, Dst: dstOrAll(dst)})
}

// OutNode announces a node removal: {"type":"out","uid":...}
func OutNode(uid string) []byte {
	return encode(nodeEnvelope{Type: TypeOut, UID: uid})
}

// ResetNode announces a node reset: {"type":"reset","uid":...}
func ResetNode(uid string) []byte {
	return encode(nodeEnvelope{Type: TypeReset, UID: uid})
}

// UpdateNode carries one resource value:
// {"type":"update","uid":...,"endpoint":...,"data":...,"dst":...}
func UpdateNode(uid, endpoint, data, dst string) []byte {
	return encode(updateEnvelope{
		Type:     TypeUpdate,
		UID:      uid,
		Endpoint: endpoint,
		Data:     data,
		Dst:      dstOrAll(dst),
	})
}

// DiscoverRequest asks a WebSocket node to publish its resources
func DiscoverRequest() []byte {
	return encode(discoverRequest{Request: "discover"})
}

// ResourceUpdate asks a WebSocket node to set one resource
func ResourceUpdate(endpoint, payload string) []byte {
	return encode(resourceUpdate{Endpoint: endpoint, Payload: payload})
}
