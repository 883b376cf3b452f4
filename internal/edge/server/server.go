// Package server wires the gateway components into an HTTP server.
// main() builds a Server, calls Run, done.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/marcus-qen/speechless-edge/internal/edge/config"
	"github.com/marcus-qen/speechless-edge/internal/edge/oauth"
	"github.com/marcus-qen/speechless-edge/internal/edge/proxy"
	"github.com/marcus-qen/speechless-edge/internal/edge/session"
	"go.uber.org/zap"
)

// Version info injected at build time.
var (
	Version = "dev"
	Commit  = "none"
	Date    = "unknown"
)

// Server is the edge gateway.
type Server struct {
	cfg    config.Config
	logger *zap.Logger

	sessions  *session.Store
	oauth     *oauth.Client
	forwarder *proxy.Forwarder
	tunnel    *proxy.Tunnel
	bots      *proxy.BotAuthenticator

	httpServer *http.Server
}

// New builds a fully-wired Server from cfg. It fails if cfg is incomplete.
func New(cfg config.Config, logger *zap.Logger) (*Server, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	timeout, err := cfg.Timeout()
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		bots:   proxy.NewBotAuthenticator(cfg.APISecret),
	}

	codec, err := session.NewCodec(cfg.SessionSecret, logger.Named("session"))
	if err != nil {
		return nil, fmt.Errorf("session codec: %w", err)
	}
	s.sessions = session.NewStore(codec)

	upstream := &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()}

	s.oauth, err = oauth.NewClient(cfg.Discord, timeout, upstream, logger)
	if err != nil {
		return nil, fmt.Errorf("oauth client: %w", err)
	}

	opts := proxy.Options{
		BackendURL:     cfg.MainServerURL,
		Secret:         cfg.APISecret,
		Timeout:        timeout,
		AllowedActions: cfg.AllowedActions,
		AllowedOrigins: cfg.AllowedOrigins,
	}
	if s.forwarder, err = proxy.NewForwarder(opts, upstream, logger.Named("proxy")); err != nil {
		return nil, fmt.Errorf("forwarder: %w", err)
	}
	if s.tunnel, err = proxy.NewTunnel(opts, logger.Named("proxy")); err != nil {
		return nil, fmt.Errorf("tunnel: %w", err)
	}

	mux := http.NewServeMux()
	s.registerRoutes(mux)

	var handler http.Handler = mux
	handler = s.sessions.Middleware(handler)
	handler = limitRequestBody(handler)
	handler = corsMiddleware(cfg.AllowedOrigins, handler)
	handler = s.loggingMiddleware(handler)
	handler = requestIDMiddleware(handler)
	handler = s.recoverMiddleware(handler)

	s.httpServer = &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// Handler returns the root handler with all middleware applied.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Run starts the server and blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting edge gateway",
		zap.String("addr", s.cfg.ListenAddr),
		zap.String("version", Version),
		zap.String("backend", s.cfg.MainServerURL),
		zap.String("tunnel_target", s.tunnel.Target()),
		zap.Bool("tls", s.cfg.HasTLS()),
		zap.Bool("require_session", s.cfg.RequireSession),
	)

	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.cfg.HasTLS() {
			err = s.httpServer.ListenAndServeTLS(s.cfg.TLSCert, s.cfg.TLSKey)
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
