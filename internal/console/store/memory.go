package store

import (
	"sync"

	"github.com/aussiebroadwan/console/pkg/gateway"
)

// Memory keeps the token for the lifetime of the process only.
type Memory struct {
	mu  sync.RWMutex
	tok gateway.Token
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Token() gateway.Token {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.tok
}

func (m *Memory) SetToken(tok gateway.Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tok = tok
	return nil
}

func (m *Memory) Clear() error {
	return m.SetToken("")
}
