package opbus

import (
	"go.uber.org/zap"

	"opbus/internal/core/network"
)

// ErrorHandler receives diagnostics that have no synchronous caller: subscribe
// failures during construction, malformed inbound messages and handler failures.
type ErrorHandler func(err error)

type options struct {
	log     *zap.Logger
	codec   Codec
	metrics *Metrics
	onError ErrorHandler
	subConn network.Conn
}

// Option configures a Publisher, Subscriber or Bus.
type Option func(*options)

func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

func WithCodec(c Codec) Option {
	return func(o *options) { o.codec = c }
}

func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(o *options) { o.onError = h }
}

// WithSubscriberConn gives a Bus the connection its Subscriber uses. Without
// it the Bus duplicates the publishing connection.
func WithSubscriberConn(c network.Conn) Option {
	return func(o *options) { o.subConn = c }
}

func buildOptions(opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.log == nil {
		o.log = zap.NewNop()
	}
	if o.codec == nil {
		o.codec = JSONCodec{}
	}
	return o
}
