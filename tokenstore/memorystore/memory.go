// Package memorystore provides an in-memory implementation of
// tokenstore.Backend suitable for single-node deployments and tests.
package memorystore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cellium/mcp-relay/tokenstore"
)

const sweepInterval = time.Minute

// Backend is an in-memory tokenstore.Backend.
type Backend struct {
	mu      sync.RWMutex
	byToken map[string]tokenstore.TokenRecord
	byUser  map[string]map[string]struct{}

	stop     chan struct{}
	stopOnce sync.Once
}

func New() *Backend {
	b := &Backend{
		byToken: make(map[string]tokenstore.TokenRecord),
		byUser:  make(map[string]map[string]struct{}),
		stop:    make(chan struct{}),
	}
	go b.sweepExpired()
	return b
}

func (b *Backend) Put(ctx context.Context, rec tokenstore.TokenRecord) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.byToken[rec.Token] = rec
	set, ok := b.byUser[rec.Username]
	if !ok {
		set = make(map[string]struct{})
		b.byUser[rec.Username] = set
	}
	set[rec.Token] = struct{}{}
	return nil
}

func (b *Backend) Get(ctx context.Context, tokenString string) (tokenstore.TokenRecord, bool, error) {
	b.mu.RLock()
	rec, ok := b.byToken[tokenString]
	b.mu.RUnlock()
	return rec, ok, nil
}

func (b *Backend) Delete(ctx context.Context, tokenString string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleteLocked(tokenString)
	return nil
}

func (b *Backend) ListByUsername(ctx context.Context, username string) ([]tokenstore.TokenRecord, error) {
	b.mu.RLock()
	set := b.byUser[username]
	recs := make([]tokenstore.TokenRecord, 0, len(set))
	for tok := range set {
		if rec, ok := b.byToken[tok]; ok {
			recs = append(recs, rec)
		}
	}
	b.mu.RUnlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].CreatedAt.Before(recs[j].CreatedAt) })
	return recs, nil
}

func (b *Backend) TouchLastUsed(ctx context.Context, tokenString string, at time.Time) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if rec, ok := b.byToken[tokenString]; ok {
		rec.LastUsedAt = at
		b.byToken[tokenString] = rec
	}
	return nil
}

func (b *Backend) Close() error {
	b.stopOnce.Do(func() { close(b.stop) })
	b.mu.Lock()
	b.byToken = make(map[string]tokenstore.TokenRecord)
	b.byUser = make(map[string]map[string]struct{})
	b.mu.Unlock()
	return nil
}

// deleteLocked removes a record and its user-index entry. Caller holds mu.
func (b *Backend) deleteLocked(tokenString string) {
	rec, ok := b.byToken[tokenString]
	if !ok {
		return
	}
	delete(b.byToken, tokenString)
	if set, ok := b.byUser[rec.Username]; ok {
		delete(set, tokenString)
		if len(set) == 0 {
			delete(b.byUser, rec.Username)
		}
	}
}

// sweepExpired periodically drops expired records so abandoned tokens do not
// accumulate. Validation already treats expired records as misses; the sweep
// is purely about memory.
func (b *Backend) sweepExpired() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
		}

		now := time.Now()
		b.mu.Lock()
		for tok, rec := range b.byToken {
			if rec.Expired(now) {
				b.deleteLocked(tok)
			}
		}
		b.mu.Unlock()
	}
}

var _ tokenstore.Backend = (*Backend)(nil)
