package network

import (
	"sync"

	"go.uber.org/zap"
)

// inbox fans inbound messages of one connection out to its listeners.
// Each listener has its own unbounded FIFO drained by a forwarding goroutine,
// so deliver never blocks the transport and never drops a message.
type inbox struct {
	log *zap.Logger

	mu        sync.Mutex
	nextID    int
	listeners map[int]*listener
	closed    bool
}

type listener struct {
	out  chan Message
	wake chan struct{}
	done chan struct{}
	stop sync.Once

	mu    sync.Mutex
	queue []Message
}

func newInbox(log *zap.Logger) *inbox {
	if log == nil {
		log = zap.NewNop()
	}
	return &inbox{log: log, listeners: make(map[int]*listener)}
}

func (b *inbox) listen() (<-chan Message, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	l := &listener{
		out:  make(chan Message),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	id := b.nextID
	b.nextID++
	b.listeners[id] = l
	go l.forward()

	cancel := func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
		l.close()
	}
	return l.out, cancel
}

func (b *inbox) deliver(channel string, payload []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, l := range b.listeners {
		l.push(Message{Channel: channel, Payload: append([]byte(nil), payload...)})
	}
}

// close stops every listener. Messages still queued are discarded.
func (b *inbox) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.log.Debug("closing inbox", zap.Int("listeners", len(b.listeners)))
	for id, l := range b.listeners {
		delete(b.listeners, id)
		l.close()
	}
}

func (l *listener) push(msg Message) {
	l.mu.Lock()
	l.queue = append(l.queue, msg)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *listener) close() {
	l.stop.Do(func() { close(l.done) })
}

func (l *listener) forward() {
	defer close(l.out)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-l.wake:
				continue
			case <-l.done:
				return
			}
		}
		for _, msg := range batch {
			select {
			case l.out <- msg:
			case <-l.done:
				return
			}
		}
	}
}
