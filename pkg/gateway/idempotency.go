package gateway

import (
	"sync"

	"github.com/sfgonsio/AI-Legal-Service/pkg/contracts"
)

// idempotencyMemory remembers successful idempotent calls by tool and key.
type idempotencyMemory struct {
	mu      sync.Mutex
	entries map[string]contracts.ToolCallResponse
}

func newIdempotencyMemory() *idempotencyMemory {
	return &idempotencyMemory{entries: make(map[string]contracts.ToolCallResponse)}
}

func idempotencyKey(tool, key string) string { return tool + "\x00" + key }

// remember stores resp and returns the previously stored response, if any.
func (m *idempotencyMemory) remember(tool, key string, resp contracts.ToolCallResponse) (contracts.ToolCallResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := idempotencyKey(tool, key)
	prev, ok := m.entries[k]
	m.entries[k] = resp
	return prev, ok
}

func (m *idempotencyMemory) lookup(tool, key string) (contracts.ToolCallResponse, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	resp, ok := m.entries[idempotencyKey(tool, key)]
	return resp, ok
}
