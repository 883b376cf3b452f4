package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/marcus-qen/speechless-edge/internal/edge/metrics"
	"github.com/marcus-qen/speechless-edge/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	nowPlayingPath = "/ws/nowplaying"
	writeWait      = 10 * time.Second
	closeGrace     = time.Second
)

// Headers that describe a single hop or belong to the WebSocket handshake.
// The dialer regenerates the handshake for the backend leg.
var strippedHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Host",
	"Sec-Websocket-Key",
	"Sec-Websocket-Version",
	"Sec-Websocket-Extensions",
	"Sec-Websocket-Accept",
	SecretHeader,
}

// Tunnel proxies GET /ws/nowplaying to the backend.
type Tunnel struct {
	target   *url.URL
	secret   string
	bots     *BotAuthenticator
	origins  originPolicy
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewTunnel builds a Tunnel for the backend in opts.
func NewTunnel(opts Options, logger *zap.Logger) (*Tunnel, error) {
	base, err := opts.backendURL()
	if err != nil {
		return nil, err
	}
	if opts.Secret == "" {
		return nil, errors.New("backend secret is empty")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	target := *base
	if target.Scheme == "https" {
		target.Scheme = "wss"
	} else {
		target.Scheme = "ws"
	}
	target.Path = base.Path + nowPlayingPath
	target.RawPath = ""

	origins := newOriginPolicy(opts.AllowedOrigins)
	return &Tunnel{
		target:  &target,
		secret:  opts.Secret,
		bots:    NewBotAuthenticator(opts.Secret),
		origins: origins,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: opts.timeout(),
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
		},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     origins.allow,
		},
		logger: logger.Named("tunnel"),
	}, nil
}

// Target returns the backend WebSocket URL.
func (t *Tunnel) Target() string {
	return t.target.String()
}

// ServeHTTP dials the backend first and only upgrades the caller once the
// backend has accepted. A refused backend handshake is reported with the
// backend's status; an unreachable backend with 502.
func (t *Tunnel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if !websocket.IsWebSocketUpgrade(r) {
		WriteResult(w, NewFailure(http.StatusUpgradeRequired, "websocket upgrade required"))
		return
	}
	if !t.origins.allow(r) {
		metrics.RecordTunnelFailure("origin")
		WriteResult(w, NewFailure(http.StatusForbidden, "origin not allowed"))
		return
	}

	bot := t.bots.IsBot(r)
	target := *t.target
	target.RawQuery = r.URL.RawQuery

	ctx, span := telemetry.StartTunnelSpan(r.Context(), bot)
	backend, resp, err := t.dialer.DialContext(ctx, target.String(), t.backendHeader(r, bot))
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil && resp.StatusCode != http.StatusSwitchingProtocols {
			status = resp.StatusCode
		}
		err = fmt.Errorf("%w: dial backend: %v", ErrUpgradeFailed, err)
		telemetry.EndSpan(span, status, err)
		metrics.RecordTunnelFailure("dial")
		t.logger.Warn("backend refused tunnel", zap.Int("status", status), zap.Error(err))
		WriteResult(w, NewFailure(status, "now playing stream unavailable"))
		return
	}
	telemetry.EndSpan(span, http.StatusSwitchingProtocols, nil)

	up := t.upgrader
	if sp := backend.Subprotocol(); sp != "" {
		up.Subprotocols = []string{sp}
	}
	client, err := up.Upgrade(w, r, nil)
	if err != nil {
		_ = backend.Close()
		metrics.RecordTunnelFailure("upgrade")
		t.logger.Warn("caller upgrade failed", zap.Error(err))
		return
	}

	tun := &tunnel{
		id:      uuid.NewString(),
		bot:     bot,
		opened:  time.Now(),
		client:  client,
		backend: backend,
	}
	tun.logger = t.logger.With(zap.String("tunnel_id", tun.id), zap.Bool("bot", bot))
	tun.run(r.Context())
}

// backendHeader keeps the caller's end-to-end headers, drops hop-by-hop and
// handshake headers, and sets SecretHeader only for the bot.
func (t *Tunnel) backendHeader(r *http.Request, bot bool) http.Header {
	h := r.Header.Clone()
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, name := range strippedHeaders {
		h.Del(name)
	}

	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	if bot {
		h.Set(SecretHeader, t.secret)
	}
	return h
}

// tunnel is the state of one established caller/backend pair.
type tunnel struct {
	id      string
	bot     bool
	opened  time.Time
	client  *websocket.Conn
	backend *websocket.Conn
	logger  *zap.Logger

	toBackend atomic.Int64
	toClient  atomic.Int64
}

func (t *tunnel) run(ctx context.Context) {
	metrics.ActiveTunnels.Inc()
	defer metrics.ActiveTunnels.Dec()
	defer t.client.Close()
	defer t.backend.Close()

	t.logger.Info("tunnel opened")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return pump(t.backend, t.client, &t.toBackend) })
	g.Go(func() error { return pump(t.client, t.backend, &t.toClient) })
	g.Go(func() error {
		<-gctx.Done()
		// Let the peer answer the close frame, then unblock the other reader.
		deadline := time.Now().Add(closeGrace)
		_ = t.client.SetReadDeadline(deadline)
		_ = t.backend.SetReadDeadline(deadline)
		return nil
	})
	err := g.Wait()

	t.logger.Info("tunnel closed",
		zap.Duration("duration", time.Since(t.opened)),
		zap.Int64("to_backend", t.toBackend.Load()),
		zap.Int64("to_client", t.toClient.Load()),
		zap.String("reason", closeReason(err)),
	)
}

// pump copies messages from src to dst until src fails, then forwards the
// close status to dst. It always returns a non-nil error.
func pump(dst, src *websocket.Conn, count *atomic.Int64) error {
	for {
		mt, msg, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteControl(websocket.CloseMessage, closeFrame(err), time.Now().Add(writeWait))
			return err
		}
		if err := dst.WriteMessage(mt, msg); err != nil {
			return err
		}
		count.Add(1)
	}
}

// closeFrame mirrors the close status received from one side. Statuses that
// may not appear on the wire become 1001 going away.
func closeFrame(err error) []byte {
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	}
	switch ce.Code {
	case websocket.CloseNoStatusReceived:
		return websocket.FormatCloseMessage(websocket.CloseNoStatusReceived, "")
	case websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
	default:
		return websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return fmt.Sprintf("close %d", ce.Code)
	}
	if err == nil {
		return "done"
	}
	return "transport"
}

// originPolicy checks browser Origin headers before the backend is dialed.
type originPolicy struct {
	any     bool
	allowed map[string]struct{}
}

func newOriginPolicy(origins []string) originPolicy {
	p := originPolicy{allowed: make(map[string]struct{}, len(origins))}
	for _, o := range origins {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		switch o {
		case "":
		case "*":
			p.any = true
		default:
			p.allowed[o] = struct{}{}
		}
	}
	return p
}

// allow accepts requests without an Origin header (non-browser clients such
// as the bot). With no configured origins only same-host origins pass.
func (p originPolicy) allow(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || p.any {
		return true
	}
	if len(p.allowed) > 0 {
		_, ok := p.allowed[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
