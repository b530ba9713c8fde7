package sessions

import (
	"context"
	"errors"
	"time"
)

// ErrConnClosed is returned by Conn.Send when the connection has already
// been closed. Routers treat it as a delivery failure distinct from a
// missing session.
var ErrConnClosed = errors.New("connection closed")

// Conn is a live streaming connection handle. Implementations are owned by
// the transport that opened them; the registry only holds references.
// Implementations must be safe for concurrent use, and Close must be
// idempotent and must not block on peer I/O.
type Conn interface {
	// ID is the unique identifier assigned when the stream was opened.
	ID() string
	// Username is the authenticated identity bound to the stream.
	Username() string
	// Send delivers one message payload to the peer. It returns
	// ErrConnClosed once the connection is closed.
	Send(ctx context.Context, payload []byte) error
	// Close tears the connection down. The reason is surfaced to logs and
	// metrics; CloseReason reports the first reason given.
	Close(reason string) error
	CloseReason() string
	// Touch marks the connection as recently active for idle accounting.
	Touch()
	LastActive() time.Time
	EstablishedAt() time.Time
	// Transport names the wire protocol, "sse" or "ws".
	Transport() string
}

// SessionInfo is a point-in-time description of a registered session.
type SessionInfo struct {
	Username      string
	ConnID        string
	Transport     string
	EstablishedAt time.Time
	LastActive    time.Time
}
