package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cellium/mcp-relay/sessions"
)

var (
	// ErrNoActiveSession means the routing target has no live stream
	// anywhere. Clients should reconnect before retrying.
	ErrNoActiveSession = errors.New("no active session")

	// ErrDeliveryFailed means the target was present but the message could
	// not be written, typically because the stream closed mid-route. The
	// session may re-establish shortly; callers can retry.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// Envelope wraps a relayed payload with its fabric-assigned event ID.
type Envelope struct {
	ID      string
	Payload []byte
}

// Stream yields the envelopes published for one username. Next blocks until
// a message arrives, the context is canceled, or the stream is closed, in
// which case it returns io.EOF. A Stream has a single consumer.
type Stream interface {
	Next(ctx context.Context) (Envelope, error)
	Close() error
}

// Fabric carries messages and presence between broker nodes. The memory
// fabric serves a single process; the redis fabric spans a cluster. A
// transport announces each connection it registers and retracts it on
// close; routers consult presence for usernames they cannot resolve
// locally and publish for remote delivery.
type Fabric interface {
	// Publish queues a payload for username's subscriber, returning the
	// fabric event ID.
	Publish(ctx context.Context, username string, payload []byte) (string, error)
	// Subscribe opens the envelope stream for username.
	Subscribe(ctx context.Context, username string) (Stream, error)
	// Announce records that connID is the live connection for username.
	Announce(ctx context.Context, username, connID string) error
	// Retract removes the presence record if connID still owns it.
	Retract(ctx context.Context, username, connID string) error
	// Presence reports whether any node has a live connection for username.
	Presence(ctx context.Context, username string) (bool, error)
	// ResolveConn maps a connection ID back to its username.
	ResolveConn(ctx context.Context, connID string) (string, bool, error)
	Close() error
}

// Router forwards out-of-band messages to live streams. Local sessions are
// resolved through the registry and written directly; anything else goes
// through the fabric.
type Router struct {
	registry *sessions.Registry
	fabric   Fabric
	log      *slog.Logger
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithLogger sets the logger for routing outcomes.
func WithLogger(log *slog.Logger) RouterOption {
	return func(r *Router) { r.log = log }
}

// NewRouter creates a Router over the registry and fabric. Both are
// required.
func NewRouter(registry *sessions.Registry, fabric Fabric, opts ...RouterOption) *Router {
	r := &Router{
		registry: registry,
		fabric:   fabric,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Route delivers payload to username's live stream. It returns
// ErrNoActiveSession when no stream exists and ErrDeliveryFailed when the
// stream was found but could not be written. The registry lock is never
// held during the write.
func (r *Router) Route(ctx context.Context, username string, payload []byte) error {
	if conn, ok := r.registry.Lookup(username); ok {
		if err := conn.Send(ctx, payload); err != nil {
			r.log.LogAttrs(ctx, slog.LevelWarn, "relay.route.sendfail",
				slog.String("username", username),
				slog.String("conn_id", conn.ID()),
				slog.String("err", err.Error()),
			)
			return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
		}
		conn.Touch()
		r.log.LogAttrs(ctx, slog.LevelDebug, "relay.route.local",
			slog.String("username", username),
			slog.String("conn_id", conn.ID()),
		)
		return nil
	}

	present, err := r.fabric.Presence(ctx, username)
	if err != nil {
		return fmt.Errorf("check presence: %w", err)
	}
	if !present {
		r.log.LogAttrs(ctx, slog.LevelDebug, "relay.route.miss",
			slog.String("username", username),
		)
		return fmt.Errorf("%w: %s", ErrNoActiveSession, username)
	}

	eventID, err := r.fabric.Publish(ctx, username, payload)
	if err != nil {
		return fmt.Errorf("%w: publish: %v", ErrDeliveryFailed, err)
	}
	r.log.LogAttrs(ctx, slog.LevelDebug, "relay.route.fabric",
		slog.String("username", username),
		slog.String("event_id", eventID),
	)
	return nil
}

// ResolveSession maps a session (connection) ID to its username, checking
// the fabric so IDs resolve across nodes.
func (r *Router) ResolveSession(ctx context.Context, connID string) (string, bool, error) {
	return r.fabric.ResolveConn(ctx, connID)
}
