package network

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryBroker is a process-local transport used for development and testing.
// Connections opened on the same broker see each other's publishes.
type MemoryBroker struct {
	log *zap.Logger

	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]*MemoryConn
}

func NewMemoryBroker(log *zap.Logger) *MemoryBroker {
	if log == nil {
		log = zap.NewNop()
	}
	return &MemoryBroker{log: log, subs: make(map[string]map[int]*MemoryConn)}
}

// Connect opens a new connection on the broker.
func (m *MemoryBroker) Connect() *MemoryConn {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.mu.Unlock()
	return &MemoryConn{
		broker:   m,
		id:       id,
		inbox:    newInbox(m.log),
		channels: make(map[string]struct{}),
	}
}

func (m *MemoryBroker) publish(channel string, payload []byte) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, c := range m.subs[channel] {
		c.inbox.deliver(channel, payload)
		n++
	}
	return n
}

func (m *MemoryBroker) attach(channel string, c *MemoryConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[channel]; !ok {
		m.subs[channel] = make(map[int]*MemoryConn)
	}
	m.subs[channel][c.id] = c
}

func (m *MemoryBroker) detach(channel string, c *MemoryConn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if byID, ok := m.subs[channel]; ok {
		delete(byID, c.id)
		if len(byID) == 0 {
			delete(m.subs, channel)
		}
	}
}

// MemoryConn is one connection to a MemoryBroker.
type MemoryConn struct {
	broker *MemoryBroker
	id     int
	inbox  *inbox

	mu       sync.Mutex
	channels map[string]struct{}
	closed   bool
}

var _ Conn = (*MemoryConn)(nil)

func (c *MemoryConn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, transportErr("publish", channel, err)
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, transportErr("publish", channel, ErrClosed)
	}
	return c.broker.publish(channel, payload), nil
}

func (c *MemoryConn) Subscribe(ctx context.Context, channel string) error {
	if err := ctx.Err(); err != nil {
		return transportErr("subscribe", channel, err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transportErr("subscribe", channel, ErrClosed)
	}
	if _, ok := c.channels[channel]; ok {
		return nil
	}
	c.channels[channel] = struct{}{}
	c.broker.attach(channel, c)
	return nil
}

func (c *MemoryConn) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok {
		return nil
	}
	delete(c.channels, channel)
	c.broker.detach(channel, c)
	return nil
}

func (c *MemoryConn) Listen() (<-chan Message, func()) {
	return c.inbox.listen()
}

// Duplicate opens a fresh connection on the same broker.
func (c *MemoryConn) Duplicate() (Conn, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, transportErr("duplicate", "", ErrClosed)
	}
	return c.broker.Connect(), nil
}

func (c *MemoryConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for ch := range c.channels {
		delete(c.channels, ch)
		c.broker.detach(ch, c)
	}
	c.mu.Unlock()
	c.inbox.close()
	return nil
}
