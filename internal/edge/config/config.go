// Package config provides configuration loading for the edge gateway.
// Configuration sources (in priority order): env vars > config file > defaults.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/marcus-qen/speechless-edge/internal/edge/oauth"
	"sigs.k8s.io/yaml"
)

// Config holds all gateway configuration.
type Config struct {
	// Listen address (default ":8080")
	ListenAddr string `json:"listen_addr"`

	// TLS settings
	TLSCert string `json:"tls_cert,omitempty"`
	TLSKey  string `json:"tls_key,omitempty"`

	// Secret the session MAC key is derived from
	SessionSecret string `json:"session_secret,omitempty"`
	// Shared secret sent to the main server, also the bot credential
	APISecret string `json:"api_secret,omitempty"`
	// Base URL of the main (playback) server
	MainServerURL string `json:"main_server_url,omitempty"`

	// Discord OAuth application
	Discord oauth.Config `json:"discord,omitempty"`

	// Bound on every outbound call, e.g. "10s"
	UpstreamTimeout string `json:"upstream_timeout"`

	// Browser origins allowed for CORS and the WebSocket tunnel
	AllowedOrigins []string `json:"allowed_origins,omitempty"`
	// Actions the gateway forwards; empty forwards any action
	AllowedActions []string `json:"allowed_actions,omitempty"`
	// Control routes need a session or the bot secret
	RequireSession bool `json:"require_session"`

	// OTLP gRPC endpoint for traces; empty disables tracing
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"`

	// Log level (debug, info, warn, error)
	LogLevel string `json:"log_level"`
}

// Default returns configuration with sensible defaults.
func Default() Config {
	return Config{
		ListenAddr:      ":8080",
		Discord:         oauth.DefaultConfig(),
		UpstreamTimeout: "10s",
		RequireSession:  true,
		LogLevel:        "info",
	}
}

// Load reads configuration from a file (YAML or JSON), then overlays
// environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}

	// Deployment variables shared with the main server
	if v := os.Getenv("SESSION_SECRET"); v != "" {
		cfg.SessionSecret = v
	}
	if v := os.Getenv("API_SECRET"); v != "" {
		cfg.APISecret = v
	}
	if v := os.Getenv("MAIN_SERVER_URL"); v != "" {
		cfg.MainServerURL = v
	}
	cfg.Discord = oauth.ApplyEnv(cfg.Discord)

	if v := os.Getenv("SPEECHLESS_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("SPEECHLESS_TLS_CERT"); v != "" {
		cfg.TLSCert = v
	}
	if v := os.Getenv("SPEECHLESS_TLS_KEY"); v != "" {
		cfg.TLSKey = v
	}
	if v := os.Getenv("SPEECHLESS_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SPEECHLESS_UPSTREAM_TIMEOUT"); v != "" {
		cfg.UpstreamTimeout = v
	}
	if v := os.Getenv("SPEECHLESS_ALLOWED_ORIGINS"); v != "" {
		cfg.AllowedOrigins = parseCSV(v)
	}
	if v := os.Getenv("SPEECHLESS_ALLOWED_ACTIONS"); v != "" {
		cfg.AllowedActions = parseCSV(v)
	}
	v, ok, err := envBool("SPEECHLESS_REQUIRE_SESSION")
	if err != nil {
		return cfg, err
	}
	if ok {
		cfg.RequireSession = v
	}
	if v := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); v != "" {
		cfg.OTLPEndpoint = v
	}

	return cfg, nil
}

// LoadFromEnv loads configuration from environment variables only.
func LoadFromEnv() (Config, error) {
	return Load("")
}

// Validate fails when a required secret or URL is missing or malformed.
// Every missing field is reported at once.
func (c Config) Validate() error {
	missing := make([]string, 0, 6)
	if strings.TrimSpace(c.SessionSecret) == "" {
		missing = append(missing, "session_secret")
	}
	if strings.TrimSpace(c.APISecret) == "" {
		missing = append(missing, "api_secret")
	}
	if strings.TrimSpace(c.MainServerURL) == "" {
		missing = append(missing, "main_server_url")
	}
	if strings.TrimSpace(c.Discord.ClientID) == "" {
		missing = append(missing, "discord.client_id")
	}
	if strings.TrimSpace(c.Discord.ClientSecret) == "" {
		missing = append(missing, "discord.client_secret")
	}
	if strings.TrimSpace(c.Discord.RedirectURL) == "" {
		missing = append(missing, "discord.redirect_url")
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return fmt.Errorf("config missing required fields: %s", strings.Join(missing, ", "))
	}

	u, err := url.Parse(c.MainServerURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("main_server_url %q must be an absolute http(s) URL", c.MainServerURL)
	}
	if _, err := c.Timeout(); err != nil {
		return fmt.Errorf("upstream_timeout: %w", err)
	}
	if (c.TLSCert == "") != (c.TLSKey == "") {
		return errors.New("tls_cert and tls_key must be set together")
	}
	return nil
}

// Timeout parses UpstreamTimeout.
func (c Config) Timeout() (time.Duration, error) {
	raw := strings.TrimSpace(c.UpstreamTimeout)
	if raw == "" {
		return 0, errors.New("duration required")
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, errors.New("duration must be > 0")
	}
	return d, nil
}

// HasTLS returns true if TLS is configured.
func (c Config) HasTLS() bool {
	return c.TLSCert != "" && c.TLSKey != ""
}

// envBool reports the value of a boolean variable and whether it was set.
// Unrecognised spellings are an error so a typo cannot flip a security
// setting.
func envBool(name string) (bool, bool, error) {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return false, false, nil
	}
	if v, err := strconv.ParseBool(raw); err == nil {
		return v, true, nil
	}
	switch strings.ToLower(raw) {
	case "yes", "y", "on":
		return true, true, nil
	case "no", "n", "off":
		return false, true, nil
	}
	return false, false, fmt.Errorf("%s: invalid boolean %q", name, raw)
}

func parseCSV(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
