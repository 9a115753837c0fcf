package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/c360/cotgate/errors"
)

const maxQuoted = 128

// Message is a validated inbound envelope
type Message struct {
	Type string
	UID  string
	Src  string
	Data json.RawMessage
}

// BrokerUpdate is the data object of an inbound "update": the value to push
// to one resource of one node.
type BrokerUpdate struct {
	UID      string
	Endpoint string
	Payload  string
}

func invalid(method, format string, args ...any) error {
	return errors.WrapInvalid(
		fmt.Errorf("%w: %s", errors.ErrInvalidEnvelope, fmt.Sprintf(format, args...)),
		"message", method, "envelope validation")
}

func quote(raw []byte) string {
	s := string(raw)
	if len(s) > maxQuoted {
		s = s[:maxQuoted] + "..."
	}
	return s
}

// Check decodes and validates an inbound envelope. It rejects non-JSON input,
// anything that is not an object, objects carrying neither "type" nor "data",
// and any type outside new/update/out/reset.
func Check(raw []byte) (*Message, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		var probe any
		if json.Unmarshal(raw, &probe) != nil {
			return nil, invalid("Check", "invalid message received '%s', only JSON format is supported", quote(raw))
		}
		return nil, invalid("Check", "invalid message '%s'", quote(raw))
	}
	if fields == nil {
		return nil, invalid("Check", "invalid message '%s'", quote(raw))
	}

	typeRaw, hasType := fields["type"]
	data, hasData := fields["data"]
	if !hasType && !hasData {
		return nil, invalid("Check", "invalid message '%s'", quote(raw))
	}

	var msgType string
	if hasType {
		if err := json.Unmarshal(typeRaw, &msgType); err != nil {
			return nil, invalid("Check", "invalid message type '%s'", quote(typeRaw))
		}
	}
	switch msgType {
	case TypeNew, TypeUpdate, TypeOut, TypeReset:
	default:
		return nil, invalid("Check", "invalid message type '%s'", msgType)
	}

	m := &Message{Type: msgType, Data: data}
	m.UID = stringField(fields, "uid")
	m.Src = stringField(fields, "src")
	return m, nil
}

func stringField(fields map[string]json.RawMessage, key string) string {
	var s string
	if raw, ok := fields[key]; ok {
		_ = json.Unmarshal(raw, &s)
	}
	return s
}

// CheckBrokerData validates the data object of an inbound "update": it must
// hold exactly the keys uid, endpoint and payload.
func CheckBrokerData(data json.RawMessage) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return invalid("CheckBrokerData", "invalid broker data: not an object")
	}
	return checkBrokerFields(fields)
}

func checkBrokerFields(fields map[string]json.RawMessage) error {
	for _, key := range []string{"uid", "endpoint", "payload"} {
		if _, ok := fields[key]; !ok {
			return invalid("CheckBrokerData", "invalid broker data: missing %s", key)
		}
	}
	if len(fields) > 3 {
		extra := make([]string, 0, len(fields)-3)
		for k := range fields {
			if k != "uid" && k != "endpoint" && k != "payload" {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		return invalid("CheckBrokerData", "invalid broker data: unexpected keys %s", strings.Join(extra, ","))
	}
	return nil
}

// DecodeBrokerUpdate validates data and extracts its fields. uid and endpoint
// must be strings; a non-string payload is carried as its compact JSON text.
func DecodeBrokerUpdate(data json.RawMessage) (BrokerUpdate, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return BrokerUpdate{}, invalid("DecodeBrokerUpdate", "invalid broker data: not an object")
	}
	if err := checkBrokerFields(fields); err != nil {
		return BrokerUpdate{}, err
	}

	var u BrokerUpdate
	if err := json.Unmarshal(fields["uid"], &u.UID); err != nil || u.UID == "" {
		return BrokerUpdate{}, invalid("DecodeBrokerUpdate", "invalid broker data: uid must be a non-empty string")
	}
	if err := json.Unmarshal(fields["endpoint"], &u.Endpoint); err != nil || u.Endpoint == "" {
		return BrokerUpdate{}, invalid("DecodeBrokerUpdate", "invalid broker data: endpoint must be a non-empty string")
	}
	u.Payload = ValueText(fields["payload"])
	return u, nil
}

// Values decodes an object-shaped data field into resource name/value pairs,
// converting non-string values to their JSON text.
func (m *Message) Values() (map[string]string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(m.Data, &fields); err != nil || fields == nil {
		return nil, invalid("Values", "data must be an object")
	}
	out := make(map[string]string, len(fields))
	for k, v := range fields {
		out[k] = ValueText(v)
	}
	return out, nil
}

// ValueText renders a JSON value as a resource value: strings unquoted,
// everything else as compact JSON.
func ValueText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}
