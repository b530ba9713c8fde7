package sessions

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CloseReasonSuperseded is passed to Conn.Close when a newer connection for
// the same username replaces an existing one.
const CloseReasonSuperseded = "superseded"

// CloseReasonIdle is passed to Conn.Close by the idle reaper.
const CloseReasonIdle = "idle"

// Registry binds each username to at most one live streaming connection.
// Establishing a new session for a username that already has one evicts and
// closes the prior connection: last connection wins, by policy rather than
// by race. All operations are O(1) map work under a single mutex; the mutex
// is never held across connection I/O.
type Registry struct {
	mu     sync.Mutex
	byUser map[string]Conn

	log *slog.Logger
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger sets the logger for session lifecycle events.
func WithLogger(log *slog.Logger) RegistryOption {
	return func(r *Registry) { r.log = log }
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		byUser: make(map[string]Conn),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register installs conn as the live session for its username. Any prior
// session is evicted and synchronously closed before Register returns.
// Reports whether a prior session was evicted.
func (r *Registry) Register(conn Conn) (evicted bool) {
	username := conn.Username()

	r.mu.Lock()
	prior := r.byUser[username]
	r.byUser[username] = conn
	r.mu.Unlock()

	if prior != nil {
		_ = prior.Close(CloseReasonSuperseded)
		r.log.LogAttrs(context.Background(), slog.LevelInfo, "session.evict",
			slog.String("username", username),
			slog.String("conn_id", prior.ID()),
			slog.String("reason", CloseReasonSuperseded),
		)
	}

	r.log.LogAttrs(context.Background(), slog.LevelInfo, "session.register",
		slog.String("username", username),
		slog.String("conn_id", conn.ID()),
		slog.String("transport", conn.Transport()),
		slog.Bool("evicted_prior", prior != nil),
	)
	return prior != nil
}

// Lookup returns the live connection for username, if any.
func (r *Registry) Lookup(username string) (Conn, bool) {
	r.mu.Lock()
	conn, ok := r.byUser[username]
	r.mu.Unlock()
	return conn, ok
}

// Evict removes and closes the session for username. Calling it for a
// username with no session is a no-op.
func (r *Registry) Evict(username string, reason string) bool {
	r.mu.Lock()
	conn, ok := r.byUser[username]
	if ok {
		delete(r.byUser, username)
	}
	r.mu.Unlock()

	if !ok {
		return false
	}
	_ = conn.Close(reason)
	r.log.LogAttrs(context.Background(), slog.LevelInfo, "session.evict",
		slog.String("username", username),
		slog.String("conn_id", conn.ID()),
		slog.String("reason", reason),
	)
	return true
}

// Deregister removes conn's binding only if it is still the current one.
// A connection that was already superseded must not evict its replacement,
// so transports call this, not Evict, when a stream ends.
func (r *Registry) Deregister(conn Conn) bool {
	username := conn.Username()

	r.mu.Lock()
	current, ok := r.byUser[username]
	if ok && current == conn {
		delete(r.byUser, username)
	} else {
		ok = false
	}
	r.mu.Unlock()

	if ok {
		r.log.LogAttrs(context.Background(), slog.LevelDebug, "session.deregister",
			slog.String("username", username),
			slog.String("conn_id", conn.ID()),
		)
	}
	return ok
}

// Len reports the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byUser)
}

// Snapshot returns a point-in-time view of all live sessions.
func (r *Registry) Snapshot() []SessionInfo {
	r.mu.Lock()
	infos := make([]SessionInfo, 0, len(r.byUser))
	for username, conn := range r.byUser {
		infos = append(infos, SessionInfo{
			Username:      username,
			ConnID:        conn.ID(),
			Transport:     conn.Transport(),
			EstablishedAt: conn.EstablishedAt(),
			LastActive:    conn.LastActive(),
		})
	}
	r.mu.Unlock()
	return infos
}

// CloseAll evicts every session, closing each connection with the given
// reason. Used on shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]Conn, 0, len(r.byUser))
	for _, conn := range r.byUser {
		conns = append(conns, conn)
	}
	r.byUser = make(map[string]Conn)
	r.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close(reason)
	}
}

// StartIdleReaper closes sessions whose last activity is older than timeout.
// A timeout of zero disables reaping. The reaper stops when ctx is done.
func (r *Registry) StartIdleReaper(ctx context.Context, timeout time.Duration) {
	if timeout <= 0 {
		return
	}

	interval := timeout / 4
	if interval > 30*time.Second {
		interval = 30 * time.Second
	}
	if interval < time.Second {
		interval = time.Second
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			cutoff := time.Now().Add(-timeout)
			for _, info := range r.Snapshot() {
				if info.LastActive.Before(cutoff) {
					conn, ok := r.Lookup(info.Username)
					if !ok || conn.ID() != info.ConnID {
						continue
					}
					_ = conn.Close(CloseReasonIdle)
					r.log.LogAttrs(ctx, slog.LevelInfo, "session.reap",
						slog.String("username", info.Username),
						slog.String("conn_id", info.ConnID),
						slog.Duration("idle", time.Since(info.LastActive)),
					)
				}
			}
		}
	}()
}
