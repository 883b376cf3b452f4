package proxy

import (
	"crypto/subtle"
	"net/http"
)

// BotAuthenticator decides whether a caller is the trusted bot client.
type BotAuthenticator struct {
	secret []byte
}

// NewBotAuthenticator checks callers against secret. An empty secret
// authenticates nobody.
func NewBotAuthenticator(secret string) *BotAuthenticator {
	return &BotAuthenticator{secret: []byte(secret)}
}

// IsBot reports whether r presents the shared secret in SecretHeader.
func (b *BotAuthenticator) IsBot(r *http.Request) bool {
	if b == nil || len(b.secret) == 0 {
		return false
	}
	got := r.Header.Get(SecretHeader)
	if got == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(got), b.secret) == 1
}
