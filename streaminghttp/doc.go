// Package streaminghttp implements the broker's streaming gateway: the HTTP
// surface that authenticates opaque bearer tokens, opens long-lived push
// streams, and routes out-of-band messages onto them.
//
// # Endpoints
//
//   - GET /sse: opens a text/event-stream. The first event is named
//     "endpoint" and carries the path clients post messages to for this
//     session ("/messages?session_id=<id>"). Subsequent events carry routed
//     payloads with monotonically increasing id: fields, and the stream
//     emits ": ping" comments on the keepalive interval.
//   - GET /ws: the WebSocket variant. The first text frame is a JSON
//     object with the same endpoint information; routed payloads follow as
//     text frames. Liveness uses protocol ping/pong.
//   - POST /messages: routes the request body to the stream addressed by
//     ?session_id= (from the handshake) or ?username=. 404 means no active
//     session anywhere; 503 means the stream existed but the write failed
//     and the sender may retry.
//
// # Authentication
//
// Stream connects accept the token as ?token= or as an Authorization
// bearer header; the query parameter wins when both are present. Failures
// answer with RFC 6750 challenges, and a stream is never opened before the
// token has validated. POST /messages is unauthenticated by default (the
// session id is the routing capability) and can be gated with
// WithMessageAuth.
//
// # Session semantics
//
// A validated user holds at most one live stream. A second connect for the
// same username supersedes the first: the new stream is registered and the
// old one is closed. Closing a stream deregisters it before the connection
// teardown completes, so no message routes into a dead handle.
package streaminghttp
