// Package proxy relays control actions and the now-playing WebSocket stream
// to the backend, injecting the shared API secret on the way.
package proxy

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// SecretHeader carries the shared backend secret.
const SecretHeader = "x-api-token"

const defaultTimeout = 10 * time.Second

var (
	ErrForwardingFailed = errors.New("forwarding failed")
	ErrUpgradeFailed    = errors.New("websocket upgrade failed")
	ErrActionNotAllowed = errors.New("action not allowed")
)

// Options configures both the action forwarder and the tunnel.
type Options struct {
	// BackendURL is the main server base URL (http or https).
	BackendURL string
	// Secret is sent to the backend in SecretHeader. Never caller-supplied.
	Secret string
	// Timeout bounds each backend call and the WebSocket handshake.
	Timeout time.Duration
	// AllowedActions restricts forwarded actions. Empty forwards any action.
	AllowedActions []string
	// AllowedOrigins restricts browser WebSocket origins. Empty means
	// same-origin only; "*" allows any origin.
	AllowedOrigins []string
}

func (o Options) backendURL() (*url.URL, error) {
	raw := strings.TrimSpace(o.BackendURL)
	if raw == "" {
		return nil, errors.New("backend url is empty")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parse backend url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("backend url scheme %q must be http or https", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("backend url has no host")
	}
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawQuery = ""
	u.Fragment = ""
	return u, nil
}

func (o Options) timeout() time.Duration {
	if o.Timeout <= 0 {
		return defaultTimeout
	}
	return o.Timeout
}
