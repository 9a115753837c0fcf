package coap

import (
	"bytes"
	"context"

	"github.com/plgd-dev/go-coap/v3/message"
	"github.com/plgd-dev/go-coap/v3/message/codes"
	"github.com/plgd-dev/go-coap/v3/udp"
)

// Requester performs client requests against a device at target (host:port)
type Requester interface {
	Get(ctx context.Context, target, path string) (codes.Code, []byte, error)
	Put(ctx context.Context, target, path string, payload []byte) (codes.Code, error)
}

// UDPRequester dials a fresh CoAP-over-UDP client connection per request
type UDPRequester struct{}

// Get fetches path and returns the response code and payload
func (UDPRequester) Get(ctx context.Context, target, path string) (codes.Code, []byte, error) {
	conn, err := udp.Dial(target)
	if err != nil {
		return 0, nil, err
	}
	defer conn.Close()

	resp, err := conn.Get(ctx, path)
	if err != nil {
		return 0, nil, err
	}
	body, err := resp.ReadBody()
	if err != nil {
		return resp.Code(), nil, err
	}
	return resp.Code(), body, nil
}

// Put writes payload to path as text/plain
func (UDPRequester) Put(ctx context.Context, target, path string, payload []byte) (codes.Code, error) {
	conn, err := udp.Dial(target)
	if err != nil {
		return 0, err
	}
	defer conn.Close()

	resp, err := conn.Put(ctx, path, message.TextPlain, bytes.NewReader(payload))
	if err != nil {
		return 0, err
	}
	return resp.Code(), nil
}
