package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/marcus-qen/speechless-edge/internal/edge/metrics"
	"github.com/marcus-qen/speechless-edge/internal/edge/oauth"
	"github.com/marcus-qen/speechless-edge/internal/edge/search"
	"github.com/marcus-qen/speechless-edge/internal/edge/session"
	"go.uber.org/zap"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	// Health + version
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.Handle("GET /metrics", metrics.Handler())

	// Pages
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /api/me", s.handleMe)

	// Login/session
	mux.HandleFunc("GET /login", s.handleLogin)
	mux.HandleFunc("GET /oauth-callback", s.handleCallback)
	mux.HandleFunc("GET /logout", s.handleLogout)

	// Backend relay
	mux.Handle("POST /control/{action}", s.requireCaller(s.forwarder))
	mux.Handle("POST /forward_to_bot/{action}", s.requireCaller(s.forwarder))
	mux.Handle("GET /ws/nowplaying", s.tunnel)

	mux.HandleFunc("GET /search/suggestions", search.Handler)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{
		"version": Version, "commit": Commit, "date": Date,
	})
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	data := IndexPageData{
		User:    session.UserFromContext(r.Context()),
		Version: Version,
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, data); err != nil {
		s.logger.Warn("render index", zap.Error(err))
	}
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u := session.UserFromContext(r.Context())
	if u == nil {
		writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "not logged in")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(u)
}

// ── Login flow ───────────────────────────────────────────────

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, s.oauth.AuthorizeURL(), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	u, err := s.oauth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if errors.Is(err, oauth.ErrMissingAuthorizationCode) {
		http.Error(w, "No code provided", http.StatusBadRequest)
		return
	}
	if err != nil {
		http.Error(w, "Authorization failed", http.StatusBadRequest)
		return
	}

	cookie, err := s.sessions.SessionCookie(u)
	if err != nil {
		s.logger.Error("build session cookie", zap.Error(err))
		http.Error(w, "failed to create session", http.StatusInternalServerError)
		return
	}
	http.SetCookie(w, cookie)
	s.logger.Info("user logged in", zap.String("user_id", u.ID))
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, s.sessions.LogoutCookie())
	http.Redirect(w, r, "/", http.StatusFound)
}

// requireCaller admits callers holding a session or the bot secret when the
// gateway is configured to require one.
func (s *Server) requireCaller(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.RequireSession && session.UserFromContext(r.Context()) == nil && !s.bots.IsBot(r) {
			writeJSONError(w, http.StatusUnauthorized, "unauthenticated", "authentication required")
			return
		}
		next.ServeHTTP(w, r)
	})
}
