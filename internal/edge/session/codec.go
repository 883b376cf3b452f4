// Package session implements the stateless browser session: a signed
// envelope carrying the user record, and the cookie plumbing around it.
package session

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/marcus-qen/speechless-edge/internal/edge/users"
	"go.uber.org/zap"
	"golang.org/x/crypto/hkdf"
)

const (
	keySize = 32
	// keyInfo domain-separates the derived MAC key.
	keyInfo = "speechless-edge session mac v1"
	sep     = "."
)

var (
	ErrEmptySecret = errors.New("session secret is empty")

	// envelopeEncoding is unpadded base64url. Strict mode rejects
	// non-canonical trailing bits so every encoded character is significant.
	envelopeEncoding = base64.RawURLEncoding.Strict()
)

// Codec signs and verifies session envelopes with HMAC-SHA256.
type Codec struct {
	key    []byte
	logger *zap.Logger
}

// NewCodec derives the MAC key from secret. The key lives for the lifetime
// of the Codec; there is no rotation.
func NewCodec(secret string, logger *zap.Logger) (*Codec, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, []byte(keyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive session key: %w", err)
	}

	return &Codec{key: key, logger: logger}, nil
}

// Encode serializes u and returns "<payload>.<mac>", both base64url.
func (c *Codec) Encode(u *users.User) (string, error) {
	if err := u.Validate(); err != nil {
		return "", fmt.Errorf("encode session: %w", err)
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return "", fmt.Errorf("marshal session: %w", err)
	}
	data := envelopeEncoding.EncodeToString(raw)
	return data + sep + envelopeEncoding.EncodeToString(c.sign(data)), nil
}

// Decode verifies value and returns the user it carries. Every failure
// (malformed envelope, bad encoding, MAC mismatch, bad JSON, missing id)
// reports the same false result.
func (c *Codec) Decode(value string) (*users.User, bool) {
	u, err := c.decode(value)
	if err != nil {
		c.logger.Debug("session rejected")
		return nil, false
	}
	return u, true
}

func (c *Codec) decode(value string) (*users.User, error) {
	data, sig, ok := strings.Cut(value, sep)
	if !ok || data == "" || sig == "" {
		return nil, errors.New("malformed envelope")
	}

	got, err := envelopeEncoding.DecodeString(sig)
	if err != nil {
		return nil, err
	}
	if !hmac.Equal(got, c.sign(data)) {
		return nil, errors.New("signature mismatch")
	}

	raw, err := envelopeEncoding.DecodeString(data)
	if err != nil {
		return nil, err
	}
	var u users.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return nil, err
	}
	if err := u.Validate(); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Codec) sign(data string) []byte {
	mac := hmac.New(sha256.New, c.key)
	mac.Write([]byte(data))
	return mac.Sum(nil)
}
