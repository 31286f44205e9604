package store

import (
	"context"
	"sync"

	"github.com/shineum/smtp-relay-lite/internal/email"
)

// Memory is an in-process Store. Contents are lost on restart.
type Memory struct {
	mu    sync.Mutex
	items map[string]*email.Message
}

var (
	_ Store   = (*Memory)(nil)
	_ Claimer = (*Memory)(nil)
)

// NewMemory creates an empty Memory store.
func NewMemory() *Memory {
	return &Memory{
		items: make(map[string]*email.Message),
	}
}

func (m *Memory) Has(_ context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.items[id]
	return ok, nil
}

func (m *Memory) Add(_ context.Context, msg *email.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.items[msg.ID] = msg
	return nil
}

func (m *Memory) Claim(_ context.Context, msg *email.Message) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.items[msg.ID]; ok {
		return false, nil
	}
	m.items[msg.ID] = msg
	return true, nil
}

func (m *Memory) Get(_ context.Context, id string) (*email.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return msg, nil
}

func (m *Memory) Close() error { return nil }
