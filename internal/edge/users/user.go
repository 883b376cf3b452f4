// Package users defines the identity record bound to a browser session.
package users

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultCDNBaseURL is the Discord asset host used to build avatar URLs.
const DefaultCDNBaseURL = "https://cdn.discordapp.com"

// ErrMissingID is returned when a record has no provider identifier.
var ErrMissingID = errors.New("user id missing")

// User is a Discord identity as seen by the gateway.
type User struct {
	Username  string `json:"username"`
	Avatar    string `json:"avatar"`
	ID        string `json:"id"`
	AvatarURL string `json:"avatar_url"`
}

// New builds a User and derives its avatar URL from the default CDN.
func New(id, username, avatar string) *User {
	return NewWithCDN(DefaultCDNBaseURL, id, username, avatar)
}

// NewWithCDN builds a User whose avatar URL points at cdnBaseURL.
func NewWithCDN(cdnBaseURL, id, username, avatar string) *User {
	return &User{
		Username:  username,
		Avatar:    avatar,
		ID:        id,
		AvatarURL: AvatarURL(cdnBaseURL, id, avatar),
	}
}

// Validate checks the invariants a session-bound record must hold.
func (u *User) Validate() error {
	if u == nil || strings.TrimSpace(u.ID) == "" {
		return ErrMissingID
	}
	return nil
}

// AvatarURL returns the CDN URL for the (id, avatar) pair. Users without a
// custom avatar get one of the provider's default embed avatars, selected
// from the snowflake id.
func AvatarURL(cdnBaseURL, id, avatar string) string {
	base := strings.TrimRight(cdnBaseURL, "/")
	if avatar == "" {
		return fmt.Sprintf("%s/embed/avatars/%d.png", base, defaultAvatarIndex(id))
	}
	return fmt.Sprintf("%s/avatars/%s/%s.png", base, id, avatar)
}

func defaultAvatarIndex(id string) uint64 {
	snowflake, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0
	}
	return (snowflake >> 22) % 6
}
