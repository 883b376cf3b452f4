package oauth

import (
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/marcus-qen/speechless-edge/internal/edge/users"
)

// Discord endpoints used when nothing else is configured.
const (
	DefaultAuthorizeURL = "https://discord.com/api/oauth2/authorize"
	DefaultTokenURL     = "https://discord.com/api/oauth2/token"
	DefaultProfileURL   = "https://discord.com/api/users/@me"
)

// Config holds the OAuth application registration.
type Config struct {
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	RedirectURL  string `json:"redirect_url,omitempty"`

	// Provider endpoints, overridable for testing and self-hosted proxies.
	AuthorizeURL string `json:"authorize_url,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	ProfileURL   string `json:"profile_url,omitempty"`
	CDNBaseURL   string `json:"cdn_base_url,omitempty"`
}

// DefaultConfig returns a config pointing at Discord with no credentials.
func DefaultConfig() Config {
	return Config{
		AuthorizeURL: DefaultAuthorizeURL,
		TokenURL:     DefaultTokenURL,
		ProfileURL:   DefaultProfileURL,
		CDNBaseURL:   users.DefaultCDNBaseURL,
	}
}

// ApplyEnv overlays the DISCORD_* environment variables onto cfg.
func ApplyEnv(cfg Config) Config {
	if v := strings.TrimSpace(os.Getenv("DISCORD_CLIENT_ID")); v != "" {
		cfg.ClientID = v
	}
	if v := strings.TrimSpace(os.Getenv("DISCORD_CLIENT_SECRET")); v != "" {
		cfg.ClientSecret = v
	}
	if v := strings.TrimSpace(os.Getenv("DISCORD_REDIRECT_URI")); v != "" {
		cfg.RedirectURL = v
	}
	return cfg.normalize()
}

// Validate reports every missing credential at once.
func (c Config) Validate() error {
	missing := make([]string, 0, 3)
	if strings.TrimSpace(c.ClientID) == "" {
		missing = append(missing, "client_id")
	}
	if strings.TrimSpace(c.ClientSecret) == "" {
		missing = append(missing, "client_secret")
	}
	if strings.TrimSpace(c.RedirectURL) == "" {
		missing = append(missing, "redirect_url")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("oauth config missing required fields: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (c Config) normalize() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.AuthorizeURL) == "" {
		c.AuthorizeURL = def.AuthorizeURL
	}
	if strings.TrimSpace(c.TokenURL) == "" {
		c.TokenURL = def.TokenURL
	}
	if strings.TrimSpace(c.ProfileURL) == "" {
		c.ProfileURL = def.ProfileURL
	}
	if strings.TrimSpace(c.CDNBaseURL) == "" {
		c.CDNBaseURL = def.CDNBaseURL
	}
	return c
}
