// Package httpapi assembles the broker's full HTTP surface: the streaming
// gateway plus health, metrics, and token management endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/cellium/mcp-relay/auth"
	"github.com/cellium/mcp-relay/config"
	"github.com/cellium/mcp-relay/internal/metrics"
	"github.com/cellium/mcp-relay/token"
	"github.com/cellium/mcp-relay/tokenstore"
)

const (
	testTokenName        = "Test Token for MCP"
	testTokenDescription = "Auto-generated test token for MCP development"
)

// Server is the HTTP API server. Token management routes are present only
// when a local token store is configured; a broker that delegates
// validation to a remote auth server exposes just the streaming gateway,
// health, and metrics.
type Server struct {
	cfg      *config.Config
	authn    auth.Authenticator
	store    *tokenstore.Store // nil when validation is delegated
	metrics  *metrics.Metrics
	log      *slog.Logger
	mux      *chi.Mux
	limiters *ipLimiters
}

// NewServer builds the route table around the streaming gateway handler.
func NewServer(cfg *config.Config, authn auth.Authenticator, store *tokenstore.Store, gateway http.Handler, m *metrics.Metrics, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if m == nil {
		m = metrics.New()
	}

	srv := &Server{
		cfg:     cfg,
		authn:   authn,
		store:   store,
		metrics: m,
		log:     logger.With(slog.String("component", "api")),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(srv.requestIDMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	mux.Group(func(r chi.Router) {
		r.Use(srv.observeMiddleware)

		r.Get("/health", srv.handleHealth)
		if !cfg.Metrics.Disabled {
			r.Handle("/metrics", m.Handler())
		}

		if store != nil {
			srv.limiters = newIPLimiters(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
			r.Group(func(ar chi.Router) {
				ar.Use(ipRateLimitMiddleware(srv.limiters))

				ar.Get("/auth/test-token", srv.handleTestToken)
				ar.Post("/auth/validate", srv.handleValidate)

				ar.Group(func(tr chi.Router) {
					tr.Use(srv.authMiddleware)
					tr.Get("/auth/tokens", srv.handleListTokens)
					tr.Post("/auth/tokens", srv.handleCreateToken)
					tr.Delete("/auth/tokens/{token}", srv.handleRevokeToken)
				})
			})
		}
	})

	// The gateway authenticates and instruments its own streams.
	mux.Handle("/sse", gateway)
	mux.Handle("/ws", gateway)
	mux.Handle("/messages", gateway)

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup of idle rate limiter state.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	if s.limiters != nil {
		s.limiters.StartCleanup(ctx, 10*time.Minute, time.Hour)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

type formatInfo struct {
	ExpectedFormat string `json:"expected_format"`
	ActualFormat   string `json:"actual_format"`
	FormatValid    bool   `json:"format_valid"`
}

type testTokenResponse struct {
	Token      string     `json:"token"`
	Name       string     `json:"name"`
	User       string     `json:"user"`
	ExpiresAt  time.Time  `json:"expires_at"`
	FormatInfo formatInfo `json:"format_info"`
}

// handleTestToken mints a short-lived development token for the configured
// test user. The response echoes the expected wire format so a client can
// sanity-check its integration.
func (s *Server) handleTestToken(w http.ResponseWriter, r *http.Request) {
	rec, err := s.store.Issue(r.Context(), s.cfg.Auth.TestTokenUser,
		tokenstore.WithName(testTokenName),
		tokenstore.WithDescription(testTokenDescription),
		tokenstore.WithTTL(s.cfg.Auth.TestTokenTTL.Duration),
	)
	if err != nil {
		s.log.LogAttrs(r.Context(), slog.LevelError, "api.test_token.issue", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.metrics.TokenIssued()

	writeJSON(w, http.StatusOK, testTokenResponse{
		Token:     rec.Token,
		Name:      rec.Name,
		User:      rec.Username,
		ExpiresAt: rec.ExpiresAt,
		FormatInfo: formatInfo{
			ExpectedFormat: "user:username:randomhash",
			ActualFormat:   rec.Token,
			FormatValid:    strings.HasPrefix(rec.Token, token.Scheme+":"),
		},
	})
}

type validateRequest struct {
	Token string `json:"token"`
}

type validateResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username,omitempty"`
	Source   string `json:"source,omitempty"`
	Error    string `json:"error,omitempty"`
}

// handleValidate answers token validity for other brokers and tools. A
// definitive verdict is always a 200; non-200 means the check itself could
// not run and the caller must not treat the token as invalid.
func (s *Server) handleValidate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)).Decode(&req); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.store.Validate(r.Context(), req.Token)
	if err != nil {
		s.log.LogAttrs(r.Context(), slog.LevelError, "api.validate.backend", slog.String("err", err.Error()))
		s.metrics.ObserveValidation("error", "none")
		writeJSONError(w, http.StatusInternalServerError, "validation backend unavailable")
		return
	}

	if !res.Valid {
		s.metrics.ObserveValidation("invalid", "none")
		writeJSON(w, http.StatusOK, validateResponse{Valid: false, Error: "Invalid or expired token"})
		return
	}

	s.metrics.ObserveValidation("valid", string(res.Source))
	writeJSON(w, http.StatusOK, validateResponse{
		Valid:    true,
		Username: res.Username,
		Source:   string(res.Source),
	})
}

// tokenView is a listing row. The token field is masked; the full secret is
// only ever returned by the issuing call.
type tokenView struct {
	Token       string    `json:"token"`
	Username    string    `json:"username"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at,omitzero"`
	LastUsedAt  time.Time `json:"last_used_at,omitzero"`
}

func (s *Server) handleListTokens(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	target := r.URL.Query().Get("username")
	if target == "" {
		target = caller
	}
	if target != caller && !s.cfg.IsAdmin(caller) {
		writeJSONError(w, http.StatusForbidden, "cannot manage another user's tokens")
		return
	}

	recs, err := s.store.List(r.Context(), target)
	if err != nil {
		s.log.LogAttrs(r.Context(), slog.LevelError, "api.tokens.list", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to list tokens")
		return
	}

	views := make([]tokenView, 0, len(recs))
	for _, rec := range recs {
		views = append(views, tokenView{
			Token:       token.Mask(rec.Token),
			Username:    rec.Username,
			Name:        rec.Name,
			Description: rec.Description,
			CreatedAt:   rec.CreatedAt,
			ExpiresAt:   rec.ExpiresAt,
			LastUsedAt:  rec.LastUsedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

type createTokenRequest struct {
	Username    string          `json:"username,omitempty"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	TTL         config.Duration `json:"ttl,omitempty"`
}

func (s *Server) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())

	var req createTokenRequest
	err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)).Decode(&req)
	if err != nil && !errors.Is(err, io.EOF) {
		writeJSONError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	target := req.Username
	if target == "" {
		target = caller
	}
	if target != caller && !s.cfg.IsAdmin(caller) {
		writeJSONError(w, http.StatusForbidden, "cannot manage another user's tokens")
		return
	}

	var opts []tokenstore.IssueOption
	if req.Name != "" {
		opts = append(opts, tokenstore.WithName(req.Name))
	}
	if req.Description != "" {
		opts = append(opts, tokenstore.WithDescription(req.Description))
	}
	if req.TTL.Duration > 0 {
		opts = append(opts, tokenstore.WithTTL(req.TTL.Duration))
	}

	rec, err := s.store.Issue(r.Context(), target, opts...)
	if err != nil {
		s.log.LogAttrs(r.Context(), slog.LevelError, "api.tokens.issue", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}
	s.metrics.TokenIssued()

	s.log.LogAttrs(r.Context(), slog.LevelInfo, "api.tokens.issue",
		slog.String("username", target),
		slog.String("token", token.Mask(rec.Token)),
	)
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	caller, _ := identityFrom(r.Context())
	raw := chi.URLParam(r, "token")

	decoded, err := token.Decode(raw)
	if err != nil {
		writeJSONError(w, http.StatusNotFound, "Token not found")
		return
	}
	if decoded.Username != caller && !s.cfg.IsAdmin(caller) {
		writeJSONError(w, http.StatusForbidden, "cannot manage another user's tokens")
		return
	}

	recs, err := s.store.List(r.Context(), decoded.Username)
	if err != nil {
		s.log.LogAttrs(r.Context(), slog.LevelError, "api.tokens.revoke", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}
	found := false
	for _, rec := range recs {
		if rec.Token == raw {
			found = true
			break
		}
	}
	if !found {
		writeJSONError(w, http.StatusNotFound, "Token not found")
		return
	}

	if err := s.store.Revoke(r.Context(), raw); err != nil {
		s.log.LogAttrs(r.Context(), slog.LevelError, "api.tokens.revoke", slog.String("err", err.Error()))
		writeJSONError(w, http.StatusInternalServerError, "failed to revoke token")
		return
	}

	s.log.LogAttrs(r.Context(), slog.LevelInfo, "api.tokens.revoke",
		slog.String("username", decoded.Username),
		slog.String("token", token.Mask(raw)),
	)
	writeJSON(w, http.StatusOK, map[string]string{"message": "Token revoked successfully"})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeJSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": message,
		},
	})
}
