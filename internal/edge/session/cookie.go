package session

import (
	"context"
	"net/http"
	"time"

	"github.com/marcus-qen/speechless-edge/internal/edge/users"
)

// CookieName is the cookie that carries the session envelope.
const CookieName = "session"

// Decoder verifies a raw envelope.
type Decoder interface {
	Decode(value string) (*users.User, bool)
}

// Encoder produces an envelope for a user.
type Encoder interface {
	Encode(u *users.User) (string, error)
}

// Codecs is the full envelope contract used by Store.
type Codecs interface {
	Decoder
	Encoder
}

type contextKey string

const userContextKey contextKey = "user"

// Store bridges request cookies and user records.
type Store struct {
	codec Codecs
}

// NewStore wraps codec with cookie handling.
func NewStore(codec Codecs) *Store {
	return &Store{codec: codec}
}

// Extract returns the user carried by the first session cookie on r.
// Requests without the cookie return immediately without touching the codec.
func (s *Store) Extract(r *http.Request) (*users.User, bool) {
	cookie, err := r.Cookie(CookieName)
	if err != nil || cookie.Value == "" {
		return nil, false
	}
	return s.codec.Decode(cookie.Value)
}

// SessionCookie builds the Set-Cookie value for a freshly logged in user.
func (s *Store) SessionCookie(u *users.User) (*http.Cookie, error) {
	value, err := s.codec.Encode(u)
	if err != nil {
		return nil, err
	}
	return &http.Cookie{
		Name:     CookieName,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
	}, nil
}

// LogoutCookie builds a cookie that clears any existing session.
func (s *Store) LogoutCookie() *http.Cookie {
	return &http.Cookie{
		Name:     CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
	}
}

// Middleware attaches the session user, when present, to the request context.
// Requests without a valid session pass through unauthenticated.
func (s *Store) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if u, ok := s.Extract(r); ok {
			r = r.WithContext(WithUser(r.Context(), u))
		}
		next.ServeHTTP(w, r)
	})
}

// WithUser stores u in ctx.
func WithUser(ctx context.Context, u *users.User) context.Context {
	return context.WithValue(ctx, userContextKey, u)
}

// UserFromContext returns the session user attached by Middleware, or nil.
func UserFromContext(ctx context.Context) *users.User {
	u, _ := ctx.Value(userContextKey).(*users.User)
	return u
}
