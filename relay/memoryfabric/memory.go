// Package memoryfabric provides an in-process implementation of
// relay.Fabric using Go channels. It is the fabric for single-node
// deployments and tests; state is local, so it cannot span processes.
package memoryfabric

import (
	"context"
	"errors"
	"io"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cellium/mcp-relay/relay"
)

const subscriberBuffer = 128

var errClosed = errors.New("fabric closed")

// Fabric implements relay.Fabric with per-username subscriber sets and an
// in-memory presence table.
type Fabric struct {
	mu           sync.RWMutex
	users        map[string]*userState
	presence     map[string]string // username -> connID
	conns        map[string]string // connID -> username
	eventCounter atomic.Int64
	closed       bool
}

type userState struct {
	mu          sync.Mutex
	subscribers map[*subscription]struct{}
}

type subscription struct {
	user   *userState
	ch     chan relay.Envelope
	closed atomic.Bool
}

func New() *Fabric {
	return &Fabric{
		users:    make(map[string]*userState),
		presence: make(map[string]string),
		conns:    make(map[string]string),
	}
}

// Publish delivers the payload to every current subscriber for username.
// Slow subscribers with a full buffer miss the message; delivery through
// the fabric is at-most-once.
func (f *Fabric) Publish(ctx context.Context, username string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	eventID := strconv.FormatInt(f.eventCounter.Add(1), 10)
	env := relay.Envelope{ID: eventID, Payload: append([]byte(nil), payload...)}

	us, err := f.userState(username)
	if err != nil {
		return "", err
	}

	// Sends stay under the subscriber lock so a concurrent Close can never
	// close a channel mid-send. They are non-blocking, so the hold is short.
	us.mu.Lock()
	for sub := range us.subscribers {
		select {
		case sub.ch <- env:
		default:
		}
	}
	us.mu.Unlock()
	return eventID, nil
}

// Subscribe opens an envelope stream for username, receiving messages
// published after the call.
func (f *Fabric) Subscribe(ctx context.Context, username string) (relay.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	us, err := f.userState(username)
	if err != nil {
		return nil, err
	}
	sub := &subscription{user: us, ch: make(chan relay.Envelope, subscriberBuffer)}

	us.mu.Lock()
	us.subscribers[sub] = struct{}{}
	us.mu.Unlock()
	return sub, nil
}

func (f *Fabric) Announce(ctx context.Context, username, connID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return errClosed
	}
	f.presence[username] = connID
	f.conns[connID] = username
	return nil
}

func (f *Fabric) Retract(ctx context.Context, username, connID string) error {
	f.mu.Lock()
	if cur, ok := f.presence[username]; ok && cur == connID {
		delete(f.presence, username)
	}
	delete(f.conns, connID)
	f.mu.Unlock()
	return nil
}

func (f *Fabric) Presence(ctx context.Context, username string) (bool, error) {
	f.mu.RLock()
	_, ok := f.presence[username]
	f.mu.RUnlock()
	return ok, nil
}

func (f *Fabric) ResolveConn(ctx context.Context, connID string) (string, bool, error) {
	f.mu.RLock()
	username, ok := f.conns[connID]
	f.mu.RUnlock()
	return username, ok, nil
}

func (f *Fabric) Close() error {
	f.mu.Lock()
	f.closed = true
	users := f.users
	f.users = make(map[string]*userState)
	f.presence = make(map[string]string)
	f.conns = make(map[string]string)
	f.mu.Unlock()

	for _, us := range users {
		us.mu.Lock()
		for sub := range us.subscribers {
			sub.closeLocked()
		}
		us.subscribers = make(map[*subscription]struct{})
		us.mu.Unlock()
	}
	return nil
}

func (f *Fabric) userState(username string) (*userState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, errClosed
	}
	us, ok := f.users[username]
	if !ok {
		us = &userState{subscribers: make(map[*subscription]struct{})}
		f.users[username] = us
	}
	return us, nil
}

// Next implements relay.Stream.
func (s *subscription) Next(ctx context.Context) (relay.Envelope, error) {
	select {
	case env, ok := <-s.ch:
		if !ok {
			return relay.Envelope{}, io.EOF
		}
		return env, nil
	case <-ctx.Done():
		return relay.Envelope{}, ctx.Err()
	}
}

// Close implements relay.Stream.
func (s *subscription) Close() error {
	s.user.mu.Lock()
	defer s.user.mu.Unlock()
	s.closeLocked()
	return nil
}

// closeLocked detaches and closes the subscription. Caller holds user.mu.
func (s *subscription) closeLocked() {
	if s.closed.CompareAndSwap(false, true) {
		delete(s.user.subscribers, s)
		close(s.ch)
	}
}

// Compile-time interface checks
var (
	_ relay.Fabric = (*Fabric)(nil)
	_ relay.Stream = (*subscription)(nil)
)
