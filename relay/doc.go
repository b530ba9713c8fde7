// Package relay routes out-of-band messages to live streaming connections.
//
// The Router resolves a username against the local session registry first
// and writes directly to the connection when it finds one; the write never
// happens under a registry lock. When the username is not local it consults
// the Fabric, which tracks connection presence across nodes and carries
// published payloads to whichever node holds the stream. Two fabrics ship
// with the broker: memoryfabric for single-process deployments and
// redisfabric, which uses Redis Streams and TTL'd presence keys to span a
// cluster.
//
// Routing failures are deliberately split in two. ErrNoActiveSession means
// nothing is connected for the user, so the caller should wait for a
// reconnect. ErrDeliveryFailed means the stream existed but the write
// failed, usually a close racing the route, so the caller may simply retry.
// Local delivery reports both exactly; fabric delivery is at-most-once, and
// a payload published to a stream that dies in flight is dropped.
package relay
