// Package auth issues and verifies the bearer token the gateway presents to
// the broker as the first frame of every connection.
package auth

import (
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/fernet/fernet-go"

	"github.com/c360/cotgate/errors"
)

// Codec seals the shared secret under the private key. Safe for concurrent use.
type Codec struct {
	key    *fernet.Key
	secret []byte
	ttl    time.Duration
}

// Option configures a Codec
type Option func(*Codec)

// WithTTL rejects tokens older than ttl. Zero, the default, accepts any age.
func WithTTL(ttl time.Duration) Option {
	return func(c *Codec) {
		c.ttl = ttl
	}
}

// NewCodec validates keys and builds a codec. Malformed keys fail with
// ErrInvalidKeys, classified fatal.
func NewCodec(keys Keys, opts ...Option) (*Codec, error) {
	if err := keys.Validate(); err != nil {
		return nil, errors.WrapFatal(err, "Codec", "New", "key validation")
	}
	key, err := fernet.DecodeKey(keys.Private)
	if err != nil {
		return nil, errors.WrapFatal(
			fmt.Errorf("%w: %v", errors.ErrInvalidKeys, err), "Codec", "New", "key decode")
	}

	c := &Codec{key: key, secret: []byte(keys.Secret)}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Issue returns a fresh token. Tokens embed their creation time and a random
// IV, so two calls never return the same string.
func (c *Codec) Issue() (string, error) {
	tok, err := fernet.EncryptAndSign(c.secret, c.key)
	if err != nil {
		return "", errors.WrapTransient(err, "Codec", "Issue", "token encryption")
	}
	return string(tok), nil
}

// Verify reports whether token was issued under this key pair. Any failure
// (tampering, wrong key, malformed input, expiry) yields false.
func (c *Codec) Verify(token string) bool {
	if token == "" {
		return false
	}

	ttl := c.ttl
	if ttl <= 0 {
		ttl = -1 // negative skips the timestamp check
	}

	msg := fernet.VerifyAndDecrypt([]byte(token), ttl, []*fernet.Key{c.key})
	if msg == nil {
		return false
	}
	return subtle.ConstantTimeCompare(msg, c.secret) == 1
}

// IssueToken is a one-shot Issue for callers holding only Keys
func IssueToken(keys Keys) (string, error) {
	c, err := NewCodec(keys)
	if err != nil {
		return "", err
	}
	return c.Issue()
}

// VerifyToken is a one-shot Verify. Invalid keys verify nothing.
func VerifyToken(token string, keys Keys) bool {
	c, err := NewCodec(keys)
	if err != nil {
		return false
	}
	return c.Verify(token)
}
