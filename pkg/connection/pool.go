// Package connection provides a thread-safe pool of gRPC client connections,
// one per remote address. Driver processes and the logical layer are each
// reached through a pooled connection that is shared by every session.
package connection

import (
	"fmt"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ConnectionPoolManager manages one *grpc.ClientConn per remote address.
type ConnectionPoolManager struct {
	mu       sync.RWMutex
	conns    map[string]*grpc.ClientConn
	dialOpts []grpc.DialOption
	closed   bool
}

// NewConnectionPoolManager creates a new manager. Without options, connections
// use insecure transport credentials.
func NewConnectionPoolManager(opts ...grpc.DialOption) *ConnectionPoolManager {
	if len(opts) == 0 {
		opts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	return &ConnectionPoolManager{
		conns:    make(map[string]*grpc.ClientConn),
		dialOpts: opts,
	}
}

// Get returns the connection for address, creating it on first use.
func (m *ConnectionPoolManager) Get(address string) (*grpc.ClientConn, error) {
	m.mu.RLock()
	conn, ok := m.conns[address]
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return nil, fmt.Errorf("connection pool is closed")
	}
	if ok {
		return conn, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	// Double-check after acquiring write lock
	if conn, ok = m.conns[address]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(address, m.dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client for %s: %w", address, err)
	}
	m.conns[address] = conn
	return conn, nil
}

// Remove closes and forgets the connection for address.
func (m *ConnectionPoolManager) Remove(address string) error {
	m.mu.Lock()
	conn, ok := m.conns[address]
	delete(m.conns, address)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return conn.Close()
}

// Len reports how many addresses have a live connection.
func (m *ConnectionPoolManager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// Close shuts down the entire pool, closing all connections.
func (m *ConnectionPoolManager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, conn := range m.conns {
		_ = conn.Close()
	}
	m.conns = make(map[string]*grpc.ClientConn)
	m.closed = true
}
