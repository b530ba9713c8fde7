// Package sessions tracks which user owns which live streaming connection.
// A Registry binds each authenticated username to at most one Conn; opening
// a second stream for the same user evicts the first. The registry holds
// handles, never transport state, so SSE and WebSocket connections register
// through the same interface.
//
// Lifecycle
//
//	Register   -> conn becomes the user's live session, prior conn is closed ("superseded")
//	Lookup     -> routers resolve a username to its conn for direct delivery
//	Deregister -> transports remove the exact conn they registered; a newer
//	              conn under the same username is left untouched
//	Evict      -> administrative close by username, with a reason
//
// The per-process registry is intentionally local. Cross-node presence and
// message hand-off belong to the relay fabric; the registry only answers
// "is this user connected HERE, and on which conn".
//
// StartIdleReaper closes connections whose LastActive is older than the
// configured timeout. Activity is routed traffic and client liveness
// signals, not server keepalive pings, so an abandoned stream goes idle
// even while pings keep the socket open.
package sessions
