package logical

import (
	"context"
	"sync"

	"github.com/sushant-115/physcoord/core/model"
)

// Memory is an in-process logical layer. It records pushes and answers
// reference checks from an explicit set. It backs single-node deployments
// without a logical service and the tests of every component above it.
type Memory struct {
	mu         sync.Mutex
	pushes     []Push
	referenced map[model.Key]bool
	pushErr    error
}

// NewMemory returns an empty layer that references nothing.
func NewMemory() *Memory {
	return &Memory{referenced: make(map[model.Key]bool)}
}

// Reference marks key as in use so deletes of it are refused.
func (m *Memory) Reference(key model.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.referenced[key] = true
}

// Unreference drops the mark set by Reference.
func (m *Memory) Unreference(key model.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.referenced, key)
}

// FailPushes makes every Push return err until called with nil.
func (m *Memory) FailPushes(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushErr = err
}

func (m *Memory) IsReferenced(_ context.Context, key model.Key) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.referenced[key], nil
}

func (m *Memory) Push(_ context.Context, p Push) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.pushErr != nil {
		return m.pushErr
	}
	p.Value = p.Value.Clone()
	m.pushes = append(m.pushes, p)
	return nil
}

// Pushes returns a copy of every recorded push.
func (m *Memory) Pushes() []Push {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Push(nil), m.pushes...)
}

// Reset forgets recorded pushes.
func (m *Memory) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pushes = nil
}
