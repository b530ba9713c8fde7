package streaminghttp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/cellium/mcp-relay/auth"
	"github.com/cellium/mcp-relay/internal/logctx"
	"github.com/cellium/mcp-relay/internal/metrics"
	"github.com/cellium/mcp-relay/relay"
	"github.com/cellium/mcp-relay/sessions"
)

var (
	_ http.Handler = (*Handler)(nil)
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	authorizationHeader = "Authorization"

	tokenQueryParam     = "token"
	sessionIDQueryParam = "session_id"
	usernameQueryParam  = "username"
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections. Shape:
// {"error":{"code":<httpStatus>,"message":"<reason>"}}. Safe to call after
// some headers are set but before the status is written.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	// Only set content-type if not already committed to SSE.
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// methodOnly reproduces a go1.22+ ServeMux "METHOD /path" pattern on
// toolchains that predate method patterns: GET routes also serve HEAD, and
// any other method gets 405 with an Allow header naming the registered
// method, exactly as the native mux responds.
func methodOnly(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method && !(method == http.MethodGet && r.Method == http.MethodHead) {
			w.Header().Set("Allow", method)
			http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	logger         *slog.Logger
	metrics        *metrics.Metrics
	realm          string
	keepalive      time.Duration
	sendTimeout    time.Duration
	maxBodyBytes   int64
	allowedOrigins []string
	requireMsgAuth bool
	adminUsers     []string
}

// WithLogger sets the slog logger used by the handler.
func WithLogger(h *slog.Logger) Option {
	return func(c *newConfig) { c.logger = h }
}

// WithMetrics sets the instrumentation sink. A private one is created when
// unset so callers never need nil checks.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *newConfig) { c.metrics = m }
}

// WithRealm sets the HTTP authentication realm advertised in
// WWW-Authenticate challenges.
func WithRealm(realm string) Option {
	return func(c *newConfig) { c.realm = strings.TrimSpace(realm) }
}

// WithKeepaliveInterval sets the cadence of SSE ping comments and WebSocket
// ping frames.
func WithKeepaliveInterval(d time.Duration) Option {
	return func(c *newConfig) { c.keepalive = d }
}

// WithSendTimeout bounds a single message write to a stream.
func WithSendTimeout(d time.Duration) Option {
	return func(c *newConfig) { c.sendTimeout = d }
}

// WithMaxBodyBytes caps the POST /messages request body.
func WithMaxBodyBytes(n int64) Option {
	return func(c *newConfig) { c.maxBodyBytes = n }
}

// WithAllowedOrigins restricts WebSocket upgrades to the given Origin
// values. Empty or ["*"] allows all.
func WithAllowedOrigins(origins []string) Option {
	return func(c *newConfig) { c.allowedOrigins = origins }
}

// WithMessageAuth requires a valid bearer token on POST /messages. Senders
// may target their own username; admins may target anyone.
func WithMessageAuth(admins []string) Option {
	return func(c *newConfig) {
		c.requireMsgAuth = true
		c.adminUsers = admins
	}
}

// Handler is the streaming gateway: it authenticates bearer tokens, binds
// each validated user to at most one live push stream (SSE or WebSocket),
// and routes posted messages to those streams.
type Handler struct {
	mux *http.ServeMux
	log *slog.Logger

	authn    auth.Authenticator
	registry *sessions.Registry
	router   *relay.Router
	fabric   relay.Fabric
	metrics  *metrics.Metrics

	realm          string
	keepalive      time.Duration
	sendTimeout    time.Duration
	maxBodyBytes   int64
	requireMsgAuth bool
	adminUsers     map[string]bool
	upgrader       websocket.Upgrader
}

// lockedWriteFlusher wraps an io.Writer + http.Flusher with a mutex and an optional context.
// It serializes concurrent writes/flushes and avoids writing after ctx is canceled.
type lockedWriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func (l *lockedWriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *lockedWriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// New constructs a streaming gateway Handler.
//
// Required:
//   - authenticator: validates bearer tokens for stream connects
//   - registry: the node-local live stream registry
//   - rtr: the message router (shares registry and fabric)
//   - fabric: presence and cross-node delivery
func New(ctx context.Context, authenticator auth.Authenticator, registry *sessions.Registry, rtr *relay.Router, fabric relay.Fabric, opts ...Option) (*Handler, error) {
	if authenticator == nil {
		return nil, fmt.Errorf("authenticator is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if rtr == nil {
		return nil, fmt.Errorf("router is required")
	}
	if fabric == nil {
		return nil, fmt.Errorf("fabric is required")
	}

	cfg := newConfig{
		logger:       slog.Default(),
		realm:        "mcp-relay",
		keepalive:    15 * time.Second,
		sendTimeout:  5 * time.Second,
		maxBodyBytes: 1024 * 1024,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.metrics == nil {
		cfg.metrics = metrics.New()
	}

	admins := make(map[string]bool, len(cfg.adminUsers))
	for _, u := range cfg.adminUsers {
		admins[u] = true
	}

	h := &Handler{
		mux:            http.NewServeMux(),
		log:            cfg.logger,
		authn:          authenticator,
		registry:       registry,
		router:         rtr,
		fabric:         fabric,
		metrics:        cfg.metrics,
		realm:          cfg.realm,
		keepalive:      cfg.keepalive,
		sendTimeout:    cfg.sendTimeout,
		maxBodyBytes:   cfg.maxBodyBytes,
		requireMsgAuth: cfg.requireMsgAuth,
		adminUsers:     admins,
		upgrader:       makeUpgrader(cfg.allowedOrigins),
	}

	h.mux.HandleFunc("/sse", methodOnly(http.MethodGet, h.handleSSE))
	h.mux.HandleFunc("/ws", methodOnly(http.MethodGet, h.handleWS))
	h.mux.HandleFunc("/messages", methodOnly(http.MethodPost, h.handleMessages))

	return h, nil
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// extractToken pulls the bearer token from the request. The token query
// parameter takes precedence; when both it and the Authorization header are
// present the header is ignored.
func (h *Handler) extractToken(r *http.Request) (string, *auth.AuthenticationChallenge) {
	if tok := r.URL.Query().Get(tokenQueryParam); tok != "" {
		return tok, nil
	}

	header := r.Header.Get(authorizationHeader)
	if header == "" {
		// RFC 6750 §3.1: a request with no credentials gets a bare
		// challenge without an error code.
		return "", auth.NewAuthenticationRequired(h.realm)
	}
	const bearerPrefix = "Bearer "
	if !strings.HasPrefix(header, bearerPrefix) || len(header) <= len(bearerPrefix) {
		return "", auth.NewInvalidAuthorizationHeader(h.realm)
	}
	tok := strings.TrimSpace(header[len(bearerPrefix):])
	if tok == "" {
		return "", auth.NewInvalidAuthorizationHeader(h.realm)
	}
	return tok, nil
}

// checkAuthentication authenticates the request. On failure it writes the
// bearer challenge and returns nil.
func (h *Handler) checkAuthentication(ctx context.Context, r *http.Request, w http.ResponseWriter) auth.UserInfo {
	tok, challenge := h.extractToken(r)
	if challenge != nil {
		h.log.InfoContext(ctx, "auth.check.missing")
		challenge.Write(w)
		return nil
	}

	userInfo, err := h.authn.CheckAuthentication(ctx, tok)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthorized) {
			h.metrics.ObserveValidation("invalid", "none")
			h.log.InfoContext(ctx, "auth.check.fail", slog.String("err", err.Error()))
			auth.NewInvalidTokenChallenge(h.realm, "invalid or expired token").Write(w)
			return nil
		}
		h.metrics.ObserveValidation("error", "none")
		h.log.ErrorContext(ctx, "auth.check.err", slog.String("err", err.Error()))
		w.WriteHeader(http.StatusInternalServerError)
		return nil
	}

	var claims auth.TokenClaims
	_ = userInfo.Claims(&claims)
	if claims.Source == "" {
		claims.Source = "authoritative"
	}
	h.metrics.ObserveValidation("valid", claims.Source)
	return userInfo
}

// bindStream registers conn as username's only live stream, announces its
// presence on the fabric, and opens the remote-delivery subscription.
func (h *Handler) bindStream(ctx context.Context, conn sessions.Conn) (relay.Stream, error) {
	h.registry.Register(conn)
	if err := h.fabric.Announce(ctx, conn.Username(), conn.ID()); err != nil {
		h.registry.Deregister(conn)
		return nil, fmt.Errorf("announce presence: %w", err)
	}
	sub, err := h.fabric.Subscribe(ctx, conn.Username())
	if err != nil {
		h.registry.Deregister(conn)
		_ = h.fabric.Retract(context.WithoutCancel(ctx), conn.Username(), conn.ID())
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	h.metrics.StreamOpened(conn.Transport())
	h.log.InfoContext(ctx, "session.register",
		slog.String("username", conn.Username()),
		slog.String("transport", conn.Transport()),
	)
	return sub, nil
}

// releaseStream undoes bindStream. Deregister only removes conn if it is
// still current and Retract is conn-guarded, so a replaced stream can never
// tear down its successor.
func (h *Handler) releaseStream(ctx context.Context, conn sessions.Conn, sub relay.Stream) {
	_ = sub.Close()
	h.registry.Deregister(conn)
	c := context.WithoutCancel(ctx)
	if err := h.fabric.Retract(c, conn.Username(), conn.ID()); err != nil {
		h.log.WarnContext(c, "session.retract.fail", slog.String("err", err.Error()))
	}
	h.metrics.StreamClosed(conn.Transport())
}

// pumpFabric forwards envelopes published for this username onto the local
// connection. It exits when the subscription or the connection ends.
func (h *Handler) pumpFabric(ctx context.Context, conn sessions.Conn, sub relay.Stream) {
	for {
		env, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, io.EOF) && ctx.Err() == nil {
				h.log.WarnContext(ctx, "fabric.stream.fail", slog.String("err", err.Error()))
			}
			return
		}
		if err := conn.Send(ctx, env.Payload); err != nil {
			h.log.WarnContext(ctx, "fabric.deliver.fail",
				slog.String("event_id", env.ID),
				slog.String("err", err.Error()),
			)
			return
		}
		conn.Touch()
	}
}

// handleSSE opens the server-push event stream. Validation strictly
// precedes the stream: no SSE bytes are written for an invalid token.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connID := uuid.NewString()
	connCtx = logctx.WithConnData(connCtx, &logctx.ConnData{
		ConnID:    connID,
		Username:  userInfo.UserID(),
		Transport: "sse",
	})

	wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: connCtx}
	conn := newSSEConn(connID, userInfo.UserID(), wf, cancel)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	wf.Flush()

	sub, err := h.bindStream(connCtx, conn)
	if err != nil {
		h.log.ErrorContext(connCtx, "sse.bind.fail", slog.String("err", err.Error()))
		return
	}
	defer h.releaseStream(connCtx, conn, sub)

	// Handshake: tell the client where to post messages for this session.
	if err := conn.SendEvent(connCtx, "endpoint", []byte("/messages?session_id="+connID)); err != nil {
		h.log.ErrorContext(connCtx, "sse.endpoint.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(connCtx, "sse.stream.start")

	go h.pumpFabric(connCtx, conn, sub)

	keepalive := time.NewTicker(h.keepalive)
	defer keepalive.Stop()
	for {
		select {
		case <-connCtx.Done():
			reason := conn.CloseReason()
			if reason == "" {
				reason = reasonClientGone
				_ = conn.Close(reason)
			} else if reason != reasonClientGone {
				// A recorded reason other than a client disconnect is a
				// broker-initiated close: superseded, idle, or shutdown.
				h.metrics.SessionEvicted(reason)
			}
			h.log.InfoContext(connCtx, "sse.stream.end",
				slog.String("reason", reason),
				slog.Duration("dur", time.Since(start)),
			)
			return
		case <-keepalive.C:
			if err := conn.Ping(connCtx); err != nil {
				_ = conn.Close(reasonWriteFailed)
				h.log.InfoContext(connCtx, "sse.keepalive.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// handleWS opens the WebSocket variant of the push stream.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	userInfo := h.checkAuthentication(ctx, r, w)
	if userInfo == nil {
		h.log.InfoContext(ctx, "auth.fail")
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its error response.
		h.log.WarnContext(ctx, "ws.upgrade.fail", slog.String("err", err.Error()))
		return
	}

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	connID := uuid.NewString()
	connCtx = logctx.WithConnData(connCtx, &logctx.ConnData{
		ConnID:    connID,
		Username:  userInfo.UserID(),
		Transport: "ws",
	})

	conn := newWSConn(connID, userInfo.UserID(), ws, cancel, h.sendTimeout)

	sub, err := h.bindStream(connCtx, conn)
	if err != nil {
		h.log.ErrorContext(connCtx, "ws.bind.fail", slog.String("err", err.Error()))
		_ = conn.Close(reasonWriteFailed)
		return
	}
	defer h.releaseStream(connCtx, conn, sub)

	hello, _ := json.Marshal(map[string]string{
		"event":    "endpoint",
		"endpoint": "/messages?session_id=" + connID,
	})
	if err := conn.Send(connCtx, hello); err != nil {
		h.log.ErrorContext(connCtx, "ws.endpoint.fail", slog.String("err", err.Error()))
		_ = conn.Close(reasonWriteFailed)
		return
	}

	h.log.InfoContext(connCtx, "ws.stream.start")

	stopKeepalive := startWSKeepalive(ws, &conn.writeMu, h.keepalive, conn.Touch)
	defer stopKeepalive()

	go h.pumpFabric(connCtx, conn, sub)

	// Read pump: the client never sends data frames, but reading surfaces
	// disconnects and feeds the pong handler.
	go func() {
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				_ = conn.Close(reasonClientGone)
				return
			}
			conn.Touch()
		}
	}()

	<-connCtx.Done()
	reason := conn.CloseReason()
	if reason == "" {
		reason = reasonClientGone
		_ = conn.Close(reason)
	} else if reason != reasonClientGone {
		h.metrics.SessionEvicted(reason)
	}
	h.log.InfoContext(connCtx, "ws.stream.end",
		slog.String("reason", reason),
		slog.Duration("dur", time.Since(start)),
	)
}

// handleMessages routes an out-of-band payload to a live stream, addressed
// by session_id (from the endpoint handshake) or by username.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	username := strings.TrimSpace(r.URL.Query().Get(usernameQueryParam))
	sessionID := strings.TrimSpace(r.URL.Query().Get(sessionIDQueryParam))

	if h.requireMsgAuth {
		userInfo := h.checkAuthentication(ctx, r, w)
		if userInfo == nil {
			return
		}
		if username != "" && username != userInfo.UserID() && !h.adminUsers[userInfo.UserID()] {
			writeJSONError(w, http.StatusForbidden, "cannot send to another user")
			return
		}
		if username == "" && sessionID == "" {
			username = userInfo.UserID()
		}
	}

	if username == "" && sessionID == "" {
		writeJSONError(w, http.StatusBadRequest, "session_id or username is required")
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSONError(w, http.StatusRequestEntityTooLarge, "message body too large")
			return
		}
		writeJSONError(w, http.StatusBadRequest, "read message body")
		return
	}
	if len(bytes.TrimSpace(body)) == 0 {
		writeJSONError(w, http.StatusBadRequest, "empty message body")
		return
	}

	if username == "" {
		resolved, found, err := h.router.ResolveSession(ctx, sessionID)
		if err != nil {
			h.log.ErrorContext(ctx, "messages.resolve.fail", slog.String("err", err.Error()))
			writeJSONError(w, http.StatusInternalServerError, "resolve session")
			return
		}
		if !found {
			h.metrics.MessageRouted("no_session")
			h.log.InfoContext(ctx, "messages.route.miss", slog.String("session_id", sessionID))
			writeJSONError(w, http.StatusNotFound, "No active MCP connection for session "+sessionID)
			return
		}
		username = resolved
	}

	err = h.router.Route(ctx, username, body)
	switch {
	case err == nil:
		h.metrics.MessageRouted("delivered")
		h.log.InfoContext(ctx, "messages.route.ok",
			slog.String("username", username),
			slog.Duration("dur", time.Since(start)),
		)
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	case errors.Is(err, relay.ErrNoActiveSession):
		h.metrics.MessageRouted("no_session")
		h.log.InfoContext(ctx, "messages.route.miss", slog.String("username", username))
		writeJSONError(w, http.StatusNotFound, "No active MCP connection for user "+username)
	case errors.Is(err, relay.ErrDeliveryFailed):
		h.metrics.MessageRouted("delivery_failed")
		h.log.WarnContext(ctx, "messages.route.sendfail",
			slog.String("username", username),
			slog.String("err", err.Error()),
		)
		writeJSONError(w, http.StatusServiceUnavailable, "delivery failed, retry shortly")
	default:
		h.metrics.MessageRouted("error")
		h.log.ErrorContext(ctx, "messages.route.err",
			slog.String("username", username),
			slog.String("err", err.Error()),
		)
		writeJSONError(w, http.StatusInternalServerError, "routing failed")
	}
}
