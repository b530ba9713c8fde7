package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/cellium/mcp-relay/auth"
	"github.com/cellium/mcp-relay/internal/logctx"
)

type identityKey struct{}

func identityFrom(ctx context.Context) (string, bool) {
	username, ok := ctx.Value(identityKey{}).(string)
	return username, ok
}

// requestIDMiddleware tags every request with an id, echoed in the response
// and attached to all log lines emitted under this request's context.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)

		ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  id,
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// observeMiddleware records request counts and latency by matched route.
// Streaming routes are excluded; their lifecycle has dedicated metrics.
func (s *Server) observeMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimw.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		s.metrics.ObserveRequest(r.Method, route, ww.Status(), time.Since(start))
	})
}

// authMiddleware authenticates token management calls with a bearer header.
// Unlike the streaming gateway it does not accept query parameter tokens;
// management clients can always set headers.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		realm := s.cfg.Auth.Realm

		header := r.Header.Get("Authorization")
		if header == "" {
			auth.NewAuthenticationRequired(realm).Write(w)
			return
		}
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(header, bearerPrefix) || len(header) <= len(bearerPrefix) {
			auth.NewInvalidAuthorizationHeader(realm).Write(w)
			return
		}
		tok := strings.TrimSpace(header[len(bearerPrefix):])
		if tok == "" {
			auth.NewInvalidAuthorizationHeader(realm).Write(w)
			return
		}

		info, err := s.authn.CheckAuthentication(r.Context(), tok)
		if err != nil {
			if errors.Is(err, auth.ErrUnauthorized) {
				auth.NewInvalidTokenChallenge(realm, "invalid or expired token").Write(w)
				return
			}
			s.log.LogAttrs(r.Context(), slog.LevelError, "api.auth.backend", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "authentication backend unavailable")
			return
		}

		ctx := context.WithValue(r.Context(), identityKey{}, info.UserID())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func makeCORSMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	allowAll := len(allowedOrigins) == 1 && allowedOrigins[0] == "*"
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if allowAll {
				w.Header().Set("Access-Control-Allow-Origin", "*")
			} else if origin != "" && originSet[origin] {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Vary", "Origin")
			}

			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
