package memorystore

import (
	"testing"

	"github.com/cellium/mcp-relay/tokenstore"
	"github.com/cellium/mcp-relay/tokenstore/storetest"
)

func TestMemoryBackend(t *testing.T) {
	storetest.RunBackendTests(t, func(t *testing.T) tokenstore.Backend {
		b := New()
		t.Cleanup(func() { _ = b.Close() })
		return b
	})
}
