// Package message builds and validates the JSON envelopes exchanged with the
// broker and with WebSocket nodes.
//
// Outbound envelopes (gateway to broker):
//
//	{"type":"new","uid":"<id>","dst":"all"}
//	{"type":"out","uid":"<id>"}
//	{"type":"reset","uid":"<id>"}
//	{"type":"update","uid":"<id>","endpoint":"<name>","data":"<value>","dst":"all"}
//
// Key order is fixed, so equal inputs always yield byte-identical output.
//
// Inbound envelopes (broker to gateway):
//
//	{"type":"new","src":"<client id>"}
//	{"type":"update","data":{"uid":"<id>","endpoint":"<name>","payload":<value>}}
//
// Check rejects anything that is not a JSON object carrying a known type.
// DecodeBrokerUpdate enforces the exact {uid, endpoint, payload} key set. Both
// return errors wrapping errors.ErrInvalidEnvelope, classified invalid.
//
// Resource values are strings. A JSON payload that is not a string travels as
// its compact JSON text.
package message
