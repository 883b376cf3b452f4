// Package oauth completes the Discord authorization-code flow and turns the
// resulting profile into a users.User.
package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/marcus-qen/speechless-edge/internal/edge/metrics"
	"github.com/marcus-qen/speechless-edge/internal/edge/users"
	"github.com/marcus-qen/speechless-edge/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
)

const (
	providerName    = "discord"
	identifyScope   = "identify"
	maxProfileBytes = 64 << 10
	defaultTimeout  = 10 * time.Second
)

var (
	ErrMissingAuthorizationCode = errors.New("no authorization code provided")
	ErrAuthExchangeFailed       = errors.New("authorization exchange failed")
)

// Client exchanges authorization codes for user records.
type Client struct {
	oauth2     oauth2.Config
	profileURL string
	cdnBaseURL string
	httpClient *http.Client
	timeout    time.Duration
	logger     *zap.Logger
}

// NewClient builds a Client. A nil httpClient uses http.DefaultClient; a
// non-positive timeout uses 10s per outbound call.
func NewClient(cfg Config, timeout time.Duration, httpClient *http.Client, logger *zap.Logger) (*Client, error) {
	cfg = cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	return &Client{
		oauth2: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				AuthURL:   cfg.AuthorizeURL,
				TokenURL:  cfg.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
			RedirectURL: cfg.RedirectURL,
			Scopes:      []string{identifyScope},
		},
		profileURL: cfg.ProfileURL,
		cdnBaseURL: cfg.CDNBaseURL,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger.Named("oauth"),
	}, nil
}

// AuthorizeURL returns the provider redirect for the login button. The flow
// carries no state parameter, so the URL is the same on every call.
func (c *Client) AuthorizeURL() string {
	return c.oauth2.AuthCodeURL("")
}

// Exchange trades code for an access token, then fetches the caller's
// profile with it. Each step is a single attempt bounded by the client
// timeout. All failures after the code check wrap ErrAuthExchangeFailed.
func (c *Client) Exchange(ctx context.Context, code string) (u *users.User, err error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, ErrMissingAuthorizationCode
	}

	ctx, span := telemetry.StartExchangeSpan(ctx, providerName)
	defer func() {
		telemetry.EndSpan(span, 0, err)
		if err != nil {
			metrics.AuthExchangesTotal.WithLabelValues("failed").Inc()
			c.logger.Warn("oauth exchange failed", zap.Error(err))
			return
		}
		metrics.AuthExchangesTotal.WithLabelValues("ok").Inc()
	}()

	tok, err := c.token(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("%w: token: %v", ErrAuthExchangeFailed, err)
	}

	p, err := c.profile(ctx, tok)
	if err != nil {
		return nil, fmt.Errorf("%w: profile: %v", ErrAuthExchangeFailed, err)
	}

	return users.NewWithCDN(c.cdnBaseURL, p.ID, p.Username, p.Avatar), nil
}

func (c *Client) token(ctx context.Context, code string) (*oauth2.Token, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	tok, err := c.oauth2.Exchange(ctx, code)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(tok.AccessToken) == "" {
		return nil, errors.New("response missing access_token")
	}
	return tok, nil
}

type profileResponse struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Avatar   string `json:"avatar"`
}

func (c *Client) profile(ctx context.Context, tok *oauth2.Token) (*profileResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.profileURL, nil)
	if err != nil {
		return nil, err
	}
	tok.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var p profileResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxProfileBytes)).Decode(&p); err != nil {
		return nil, fmt.Errorf("decode profile: %w", err)
	}
	if strings.TrimSpace(p.ID) == "" {
		return nil, errors.New("profile missing id")
	}
	return &p, nil
}
