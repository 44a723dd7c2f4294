package tor

import (
	"context"
	"fmt"
	"net"
	"sync"

	"golang.org/x/net/proxy"

	"go.olrik.dev/chameleon/internal/endpoint"
)

// Dialer returns a dialer that sends every connection through the least
// loaded tor instance
func (m *Manager) Dialer() endpoint.ContextDialer {
	return &poolDialer{m: m}
}

type poolDialer struct {
	m *Manager
}

// pick chooses the instance with the fewest open connections
func (m *Manager) pick() (*instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running || len(m.instances) == 0 {
		return nil, ErrNotStarted
	}

	best := m.instances[0]
	for _, inst := range m.instances[1:] {
		if inst.active.Load() < best.active.Load() {
			best = inst
		}
	}
	return best, nil
}

func (d *poolDialer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	inst, err := d.m.pick()
	if err != nil {
		return nil, err
	}
	if inst.active.Load() >= ConnsPerInstance {
		d.m.grow()
	}

	socks, err := proxy.SOCKS5("tcp", inst.socksAddr, nil, &net.Dialer{})
	if err != nil {
		return nil, fmt.Errorf("failed to create socks dialer: %w", err)
	}
	contextDialer, ok := socks.(proxy.ContextDialer)
	if !ok {
		return nil, fmt.Errorf("socks dialer does not support contexts")
	}

	conn, err := contextDialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("dial %s through tor instance %d: %w", address, inst.id, err)
	}

	inst.active.Add(1)
	return &trackedConn{Conn: conn, inst: inst}, nil
}

// trackedConn keeps the instance's connection count accurate
type trackedConn struct {
	net.Conn
	inst *instance
	once sync.Once
}

func (c *trackedConn) Close() error {
	c.once.Do(func() { c.inst.active.Add(-1) })
	return c.Conn.Close()
}
