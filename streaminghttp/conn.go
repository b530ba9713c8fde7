package streaminghttp

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cellium/mcp-relay/sessions"
)

// Transport-level close reasons. The registry adds its own ("superseded",
// "idle"); the CLI closes with "shutting down".
const (
	reasonClientGone  = "client disconnected"
	reasonWriteFailed = "write failed"
)

// --- SSE connections ---

// sseConn is a live text/event-stream connection. Frames are assembled into
// a single buffer so concurrent senders never interleave inside one event.
type sseConn struct {
	id       string
	username string
	wf       *lockedWriteFlusher
	cancel   context.CancelFunc

	established time.Time
	lastActive  atomic.Int64 // unix nanos
	eventSeq    atomic.Uint64

	closed atomic.Bool
	mu     sync.Mutex
	reason string
}

func newSSEConn(id, username string, wf *lockedWriteFlusher, cancel context.CancelFunc) *sseConn {
	c := &sseConn{
		id:          id,
		username:    username,
		wf:          wf,
		cancel:      cancel,
		established: time.Now(),
	}
	c.Touch()
	return c
}

func (c *sseConn) ID() string       { return c.id }
func (c *sseConn) Username() string { return c.username }

func (c *sseConn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return sessions.ErrConnClosed
	}
	id := strconv.FormatUint(c.eventSeq.Add(1), 10)
	return c.writeFrame(id, "", payload)
}

// SendEvent emits a named SSE event, used for the endpoint handshake.
func (c *sseConn) SendEvent(ctx context.Context, event string, payload []byte) error {
	if c.closed.Load() {
		return sessions.ErrConnClosed
	}
	id := strconv.FormatUint(c.eventSeq.Add(1), 10)
	return c.writeFrame(id, event, payload)
}

// Ping writes an SSE comment line to keep intermediaries from timing the
// stream out.
func (c *sseConn) Ping(ctx context.Context) error {
	if c.closed.Load() {
		return sessions.ErrConnClosed
	}
	if _, err := c.wf.Write([]byte(": ping\n\n")); err != nil {
		return err
	}
	c.wf.Flush()
	return nil
}

// writeFrame encodes one SSE event as a single Write so the frame reaches
// the wire intact even with concurrent senders. Payload newlines become
// separate data: lines per the SSE framing rules.
func (c *sseConn) writeFrame(id, event string, payload []byte) error {
	var buf bytes.Buffer
	if id != "" {
		fmt.Fprintf(&buf, "id: %s\n", id)
	}
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	for _, line := range bytes.Split(payload, []byte("\n")) {
		buf.WriteString("data: ")
		buf.Write(line)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')

	if _, err := c.wf.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write sse frame: %w", err)
	}
	c.wf.Flush()
	return nil
}

func (c *sseConn) Close(reason string) error {
	if c.closed.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		c.cancel()
	}
	return nil
}

func (c *sseConn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *sseConn) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *sseConn) LastActive() time.Time    { return time.Unix(0, c.lastActive.Load()) }
func (c *sseConn) EstablishedAt() time.Time { return c.established }
func (c *sseConn) Transport() string        { return "sse" }

// --- WebSocket connections ---

// wsConn is a live WebSocket connection. All data writes hold writeMu;
// control frames share it so close frames never split a message.
type wsConn struct {
	id       string
	username string
	ws       *websocket.Conn
	cancel   context.CancelFunc

	writeMu     sync.Mutex
	sendTimeout time.Duration

	established time.Time
	lastActive  atomic.Int64

	closed atomic.Bool
	mu     sync.Mutex
	reason string
}

func newWSConn(id, username string, ws *websocket.Conn, cancel context.CancelFunc, sendTimeout time.Duration) *wsConn {
	c := &wsConn{
		id:          id,
		username:    username,
		ws:          ws,
		cancel:      cancel,
		sendTimeout: sendTimeout,
		established: time.Now(),
	}
	c.Touch()
	return c
}

func (c *wsConn) ID() string       { return c.id }
func (c *wsConn) Username() string { return c.username }

func (c *wsConn) Send(ctx context.Context, payload []byte) error {
	if c.closed.Load() {
		return sessions.ErrConnClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.sendTimeout))
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		return fmt.Errorf("write ws message: %w", err)
	}
	return nil
}

func (c *wsConn) Close(reason string) error {
	if c.closed.CompareAndSwap(false, true) {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()

		// Best-effort close frame; the deadline keeps a dead peer from
		// blocking us.
		c.writeMu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		_ = c.ws.Close()
		c.cancel()
	}
	return nil
}

func (c *wsConn) CloseReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (c *wsConn) Touch() { c.lastActive.Store(time.Now().UnixNano()) }

func (c *wsConn) LastActive() time.Time    { return time.Unix(0, c.lastActive.Load()) }
func (c *wsConn) EstablishedAt() time.Time { return c.established }
func (c *wsConn) Transport() string        { return "ws" }

// startWSKeepalive sets up WebSocket-level ping/pong on a connection. It sets
// a read deadline, installs a pong handler, and starts a goroutine that sends
// periodic pings. The returned cancel function stops the ping goroutine.
// The provided mutex must be the same one used for all writes to the connection.
func startWSKeepalive(conn *websocket.Conn, mu *sync.Mutex, interval time.Duration, onPong func()) (cancel func()) {
	pongWait := 2 * interval
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		if onPong != nil {
			onPong()
		}
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				mu.Lock()
				err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second))
				mu.Unlock()
				if err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }
}

// makeUpgrader creates a WebSocket upgrader with origin checking.
func makeUpgrader(allowedOrigins []string) websocket.Upgrader {
	allowAll := len(allowedOrigins) == 0 || (len(allowedOrigins) == 1 && allowedOrigins[0] == "*")
	originSet := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		originSet[o] = true
	}

	return websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			if allowAll {
				return true
			}
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true // non-browser clients
			}
			return originSet[origin]
		},
	}
}

// Compile-time interface checks
var (
	_ sessions.Conn = (*sseConn)(nil)
	_ sessions.Conn = (*wsConn)(nil)
)
