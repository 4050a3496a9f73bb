package opbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"opbus/internal/core/network"
)

const (
	testChannel = "opbus.test"
	opFlush     = -1000
)

type call struct {
	name    string
	payload any
}

type recorder struct {
	mu    sync.Mutex
	calls []call
}

func (r *recorder) handler(name string) Handler {
	return func(p any) error {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls = append(r.calls, call{name: name, payload: p})
		return nil
	}
}

func (r *recorder) get() []call {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]call(nil), r.calls...)
}

type errorSink struct {
	mu   sync.Mutex
	errs []error
}

func (s *errorSink) handle(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errs = append(s.errs, err)
}

func (s *errorSink) get() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.errs...)
}

type harness struct {
	ctx    context.Context
	broker *network.MemoryBroker
	conn   *network.MemoryConn
	pub    *Publisher
	sub    *Subscriber
	errs   *errorSink
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	ctx := context.Background()
	broker := network.NewMemoryBroker(nil)
	h := &harness{ctx: ctx, broker: broker, conn: broker.Connect(), errs: &errorSink{}}
	opts = append(opts, WithErrorHandler(h.errs.handle))
	h.pub = NewPublisher(h.conn, testChannel, opts...)
	h.sub = NewSubscriber(ctx, broker.Connect(), testChannel, opts...)
	t.Cleanup(func() { _ = h.sub.Close() })
	require.Equal(t, StateSubscribed, h.sub.State())
	return h
}

func (h *harness) publish(t *testing.T, op int, payload any) {
	t.Helper()
	_, err := h.pub.Publish(h.ctx, op, payload)
	require.NoError(t, err)
}

// flush publishes a marker and waits for the subscriber to dispatch it. The
// dispatch loop is sequential, so everything published earlier has been handled.
func (h *harness) flush(t *testing.T) {
	t.Helper()
	done := make(chan struct{})
	var once sync.Once
	id := h.sub.OnEvent(opFlush, func(any) error {
		once.Do(func() { close(done) })
		return nil
	})
	defer func() { require.NoError(t, h.sub.RemoveListener(ByID(id))) }()
	h.publish(t, opFlush, nil)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

func TestFanOutToMatchingOpcode(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.sub.OnEvent(1, rec.handler("A"))
	h.sub.OnEvent(1, rec.handler("B"))
	h.sub.OnEvent(2, rec.handler("C"))

	h.publish(t, 1, map[string]any{"x": 1})
	h.flush(t)

	want := map[string]any{"x": float64(1)}
	assert.Equal(t, []call{{"A", want}, {"B", want}}, rec.get())
}

func TestFanOutOrderIsStable(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	names := []string{"first", "second", "third", "fourth"}
	for _, n := range names {
		h.sub.OnEvent(5, rec.handler(n))
	}
	for i := 0; i < 3; i++ {
		h.publish(t, 5, i)
	}
	h.flush(t)

	calls := rec.get()
	require.Len(t, calls, 12)
	for i, c := range calls {
		assert.Equal(t, names[i%4], c.name)
		assert.Equal(t, float64(i/4), c.payload)
	}
}

func TestOtherOpcodeNeverInvoked(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.sub.OnEvent(5, rec.handler("five"))

	h.publish(t, 7, "x")
	h.flush(t)
	assert.Empty(t, rec.get())
}

func TestRemoveListenerByID(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	r1 := h.sub.OnEvent(1, rec.handler("A"))
	h.sub.OnEvent(1, rec.handler("B"))

	require.NoError(t, h.sub.RemoveListener(ByID(r1)))
	h.publish(t, 1, "payload")
	h.flush(t)

	assert.Equal(t, []call{{"B", "payload"}}, rec.get())
}

func TestRemoveOnlyListenerStopsDelivery(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	r1 := h.sub.OnEvent(1, rec.handler("A"))
	require.NoError(t, h.sub.RemoveListener(ByID(r1)))

	h.publish(t, 1, "payload")
	h.flush(t)
	assert.Empty(t, rec.get())
}

func TestRemoveListenerByOpcode(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.sub.OnEvent(1, rec.handler("A"))
	h.sub.OnEvent(1, rec.handler("B"))
	h.sub.OnEvent(2, rec.handler("C"))

	require.NoError(t, h.sub.RemoveListener(ByOpcode(1)))
	assert.Equal(t, 1, h.sub.Len())

	h.publish(t, 1, "one")
	h.publish(t, 2, "two")
	h.flush(t)
	assert.Equal(t, []call{{"C", "two"}}, rec.get())
}

func TestRemoveListenerUnknownTargetsAreNoOps(t *testing.T) {
	h := newHarness(t)
	h.sub.OnEvent(1, nopHandler)

	var other registry
	require.NoError(t, h.sub.RemoveListener(ByID(other.add(1, nopHandler))))
	require.NoError(t, h.sub.RemoveListener(ByOpcode(42)))
	assert.Equal(t, 1, h.sub.Len())

	assert.ErrorIs(t, h.sub.RemoveListener(nil), ErrInvalidArgument)
	assert.Equal(t, 1, h.sub.Len())
}

func TestUnrelatedChannelIsIgnored(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.sub.OnEvent(1, rec.handler("A"))

	// Same underlying connection, subscribed to a second channel.
	subConn := h.broker.Connect()
	sub := NewSubscriber(h.ctx, subConn, testChannel)
	defer sub.Close()
	require.NoError(t, subConn.Subscribe(h.ctx, "elsewhere"))
	sub.OnEvent(1, rec.handler("shared"))

	other := NewPublisher(h.conn, "elsewhere")
	_, err := other.Publish(h.ctx, 1, "nope")
	require.NoError(t, err)
	h.publish(t, 1, "yes")

	h.flush(t)
	require.Eventually(t, func() bool { return len(rec.get()) == 2 }, 2*time.Second, 10*time.Millisecond)
	for _, c := range rec.get() {
		assert.Equal(t, "yes", c.payload)
	}
}

func TestMalformedMessageIsDroppedAndReported(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.sub.OnEvent(1, rec.handler("A"))

	for _, raw := range []string{`garbage`, `{"op":"1","d":1}`, `{"op":1}`, `{"op":1.5,"d":1}`} {
		_, err := h.conn.Publish(h.ctx, testChannel, []byte(raw))
		require.NoError(t, err)
	}
	h.publish(t, 1, "after")
	h.flush(t)

	assert.Equal(t, []call{{"A", "after"}}, rec.get())
	errs := h.errs.get()
	require.Len(t, errs, 4)
	for _, err := range errs {
		var derr *DecodeError
		assert.ErrorAs(t, err, &derr)
	}
}

func TestFailingHandlersAreIsolated(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	boom := errors.New("boom")
	h.sub.OnEvent(1, func(any) error { panic("kaboom") })
	h.sub.OnEvent(1, func(any) error { return boom })
	h.sub.OnEvent(1, rec.handler("survivor"))

	h.publish(t, 1, "x")
	h.publish(t, 1, "y")
	h.flush(t)

	assert.Equal(t, []call{{"survivor", "x"}, {"survivor", "y"}}, rec.get())
	errs := h.errs.get()
	require.Len(t, errs, 4)
	var herr *HandlerError
	require.ErrorAs(t, errs[0], &herr)
	assert.Equal(t, 1, herr.Op)
	assert.Contains(t, herr.Error(), "kaboom")
	assert.ErrorIs(t, errs[1], boom)
}

func TestPanickingErrorHandlerDoesNotStopDispatch(t *testing.T) {
	broker := network.NewMemoryBroker(nil)
	ctx := context.Background()
	sub := NewSubscriber(ctx, broker.Connect(), testChannel, WithErrorHandler(func(error) { panic("sink") }))
	defer sub.Close()
	rec := &recorder{}
	sub.OnEvent(1, rec.handler("A"))

	pub := NewPublisher(broker.Connect(), testChannel)
	_, err := broker.Connect().Publish(ctx, testChannel, []byte("garbage"))
	require.NoError(t, err)
	_, err = pub.Publish(ctx, 1, "ok")
	require.NoError(t, err)

	require.Eventually(t, func() bool { return len(rec.get()) == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestRegistrationDuringDispatchTakesEffectNextTime(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	var once sync.Once
	h.sub.OnEvent(1, func(p any) error {
		once.Do(func() { h.sub.OnEvent(1, rec.handler("late")) })
		return rec.handler("early")(p)
	})

	h.publish(t, 1, "first")
	h.flush(t)
	assert.Equal(t, []call{{"early", "first"}}, rec.get())

	h.publish(t, 1, "second")
	h.flush(t)
	assert.Equal(t, []call{{"early", "first"}, {"early", "second"}, {"late", "second"}}, rec.get())
}

func TestRemovalDuringDispatchTakesEffectNextTime(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	var victim RegistrationID
	h.sub.OnEvent(1, func(p any) error {
		if err := h.sub.RemoveListener(ByID(victim)); err != nil {
			return err
		}
		return rec.handler("remover")(p)
	})
	victim = h.sub.OnEvent(1, rec.handler("victim"))

	h.publish(t, 1, "first")
	h.publish(t, 1, "second")
	h.flush(t)

	assert.Equal(t, []call{{"remover", "first"}, {"victim", "first"}, {"remover", "second"}}, rec.get())
}

func TestConcurrentRegistrationWhileDispatching(t *testing.T) {
	h := newHarness(t)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				id := h.sub.OnEvent(3, nopHandler)
				_ = h.sub.RemoveListener(ByID(id))
			}
		}()
	}
	for i := 0; i < 50; i++ {
		h.publish(t, 3, i)
	}
	wg.Wait()
	h.flush(t)
	assert.Zero(t, h.sub.Len())
}

type failingConn struct {
	network.Conn
	publishErr   error
	subscribeErr error
}

func (c *failingConn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	if c.publishErr != nil {
		return 0, c.publishErr
	}
	return c.Conn.Publish(ctx, channel, payload)
}

func (c *failingConn) Subscribe(ctx context.Context, channel string) error {
	if c.subscribeErr != nil {
		return c.subscribeErr
	}
	return c.Conn.Subscribe(ctx, channel)
}

func TestSubscribeFailureIsReportedNotReturned(t *testing.T) {
	terr := &network.TransportError{Op: "subscribe", Channel: testChannel, Err: errors.New("refused")}
	conn := &failingConn{Conn: network.NewMemoryBroker(nil).Connect(), subscribeErr: terr}
	sink := &errorSink{}

	sub := NewSubscriber(context.Background(), conn, testChannel, WithErrorHandler(sink.handle))
	defer sub.Close()

	assert.Equal(t, StateUnsubscribed, sub.State())
	require.Len(t, sink.get(), 1)
	assert.Same(t, terr, sink.get()[0])

	id := sub.OnEvent(1, nopHandler)
	assert.NotEqual(t, RegistrationID{}, id)
}

func TestCloseStopsDeliveryAndClearsRegistry(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	h.sub.OnEvent(1, rec.handler("A"))
	h.sub.OnEvent(2, rec.handler("B"))

	require.NoError(t, h.sub.Close())
	require.NoError(t, h.sub.Close())
	assert.Equal(t, StateClosed, h.sub.State())
	assert.Zero(t, h.sub.Len())

	n, err := h.pub.Publish(h.ctx, 1, "late")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.get())
}

func TestSlowHandlerReceivesEveryMessage(t *testing.T) {
	h := newHarness(t)
	const total = 200
	var mu sync.Mutex
	var got []any
	h.sub.OnEvent(1, func(p any) error {
		time.Sleep(time.Millisecond)
		mu.Lock()
		defer mu.Unlock()
		got = append(got, p)
		return nil
	})

	for i := 0; i < total; i++ {
		h.publish(t, 1, i)
	}
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == total
	}, 5*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i, p := range got {
		assert.Equal(t, float64(i), p)
	}
}

func TestCloseFromInsideHandler(t *testing.T) {
	h := newHarness(t)
	rec := &recorder{}
	closed := make(chan error, 1)
	h.sub.OnEvent(1, func(any) error {
		closed <- h.sub.Close()
		return nil
	})
	h.sub.OnEvent(1, rec.handler("after"))

	h.publish(t, 1, nil)
	select {
	case err := <-closed:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Close from a handler did not return")
	}
	assert.Equal(t, StateClosed, h.sub.State())
	assert.Zero(t, h.sub.Len())

	n, err := h.pub.Publish(h.ctx, 1, nil)
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, rec.get())
	require.NoError(t, h.sub.Close())
}
