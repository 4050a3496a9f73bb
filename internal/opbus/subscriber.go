package opbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"opbus/internal/core/network"
)

// State is the subscription state of a Subscriber.
type State int32

const (
	StateUnsubscribed State = iota
	StateSubscribed
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateUnsubscribed:
		return "unsubscribed"
	case StateSubscribed:
		return "subscribed"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

const closeTimeout = 5 * time.Second

// Subscriber listens on one channel and fans each envelope out to the
// handlers registered for its opcode.
type Subscriber struct {
	conn    network.Conn
	channel string
	codec   Codec
	log     *zap.Logger
	metrics *Metrics
	onError ErrorHandler

	reg   registry
	state atomic.Int32

	stopListen func()
	done       chan struct{}
	loopID     atomic.Uint64
	closeOnce  sync.Once
	closeErr   error
}

// NewSubscriber starts the dispatch loop and subscribes conn to channel.
// A subscribe failure is logged and passed to the error handler; the
// Subscriber stays in StateUnsubscribed and construction still succeeds.
func NewSubscriber(ctx context.Context, conn network.Conn, channel string, opts ...Option) *Subscriber {
	o := buildOptions(opts)
	s := &Subscriber{
		conn:    conn,
		channel: channel,
		codec:   o.codec,
		log:     o.log.With(zap.String("channel", channel)),
		metrics: o.metrics,
		onError: o.onError,
		done:    make(chan struct{}),
	}

	in, stop := conn.Listen()
	s.stopListen = stop
	go s.run(in)

	if err := conn.Subscribe(ctx, channel); err != nil {
		s.log.Error("subscribe failed", zap.Error(err))
		s.report(err)
	} else {
		s.state.CompareAndSwap(int32(StateUnsubscribed), int32(StateSubscribed))
	}
	return s
}

// OnEvent registers h for op and returns its registration id.
func (s *Subscriber) OnEvent(op int, h Handler) RegistrationID {
	id := s.reg.add(op, h)
	s.metrics.setRegistrations(s.channel, s.reg.len())
	return id
}

// OnMessage is an alias of OnEvent.
func (s *Subscriber) OnMessage(op int, h Handler) RegistrationID {
	return s.OnEvent(op, h)
}

// RemoveListener removes the registrations selected by target. Unknown ids
// and opcodes are a no-op; a nil target returns ErrInvalidArgument.
func (s *Subscriber) RemoveListener(target RemoveTarget) error {
	n, err := s.reg.remove(target)
	if err != nil {
		return err
	}
	if n > 0 {
		s.metrics.setRegistrations(s.channel, s.reg.len())
	}
	return nil
}

// Len returns the number of live registrations.
func (s *Subscriber) Len() int { return s.reg.len() }

func (s *Subscriber) State() State { return State(s.state.Load()) }

func (s *Subscriber) Channel() string { return s.channel }

// Close unsubscribes the channel, stops the dispatch loop and clears every
// registration. Called from another goroutine it waits for the handler in
// flight to return. Called from inside a handler it returns without waiting,
// and no further handler runs once the current one returns.
func (s *Subscriber) Close() error {
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateClosed))
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := s.conn.Unsubscribe(ctx, s.channel); err != nil {
			s.log.Warn("unsubscribe failed", zap.Error(err))
			s.closeErr = err
		}
		s.stopListen()
		if id := s.loopID.Load(); id == 0 || id != goroutineID() {
			<-s.done
		}
		s.reg.clear()
		s.metrics.setRegistrations(s.channel, 0)
	})
	return s.closeErr
}

func (s *Subscriber) run(in <-chan network.Message) {
	defer close(s.done)
	s.loopID.Store(goroutineID())
	for msg := range in {
		s.dispatch(msg)
	}
}

func (s *Subscriber) dispatch(msg network.Message) {
	if msg.Channel != s.channel || s.State() == StateClosed {
		return
	}
	s.metrics.inc(counterReceived, s.channel)

	env, err := s.codec.Decode(msg.Payload)
	if err != nil {
		s.metrics.inc(counterDecodeErrors, s.channel)
		s.log.Warn("dropping malformed message", zap.Error(err), zap.Int("bytes", len(msg.Payload)))
		s.report(err)
		return
	}

	regs := s.reg.snapshot(env.Op)
	if len(regs) == 0 {
		s.metrics.inc(counterUnmatched, s.channel)
		s.log.Debug("no listener for opcode", zap.Int("op", env.Op))
		return
	}
	for _, r := range regs {
		if s.State() == StateClosed {
			return
		}
		s.invoke(r, env.D)
	}
}

func (s *Subscriber) invoke(r registration, payload any) {
	defer func() {
		if p := recover(); p != nil {
			s.handlerFailed(&HandlerError{ID: r.id, Op: r.op, Err: fmt.Errorf("panic: %v", p)})
		}
	}()
	if err := r.handler(payload); err != nil {
		s.handlerFailed(&HandlerError{ID: r.id, Op: r.op, Err: err})
		return
	}
	s.metrics.inc(counterDispatched, s.channel)
}

func (s *Subscriber) handlerFailed(err *HandlerError) {
	s.metrics.inc(counterHandlerFailures, s.channel)
	s.log.Error("handler failed", zap.Stringer("id", err.ID), zap.Int("op", err.Op), zap.Error(err.Err))
	s.report(err)
}

func (s *Subscriber) report(err error) {
	if s.onError == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			s.log.Error("error handler panicked", zap.Any("panic", p))
		}
	}()
	s.onError(err)
}
