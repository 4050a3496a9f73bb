package opbus

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"opbus/internal/core/network"
)

// Publisher encodes envelopes and publishes them on one channel.
type Publisher struct {
	conn    network.Conn
	channel string
	codec   Codec
	log     *zap.Logger
	metrics *Metrics
}

func NewPublisher(conn network.Conn, channel string, opts ...Option) *Publisher {
	o := buildOptions(opts)
	return &Publisher{
		conn:    conn,
		channel: channel,
		codec:   o.codec,
		log:     o.log.With(zap.String("channel", channel)),
		metrics: o.metrics,
	}
}

// Publish performs exactly one transport publish and returns the number of
// receivers the transport reported. Transport errors are returned unchanged.
func (p *Publisher) Publish(ctx context.Context, op int, payload any) (int64, error) {
	b, err := p.codec.Encode(Envelope{Op: op, D: payload})
	if err != nil {
		return 0, fmt.Errorf("encode envelope: %w", err)
	}
	n, err := p.conn.Publish(ctx, p.channel, b)
	if err != nil {
		p.log.Debug("publish failed", zap.Int("op", op), zap.Error(err))
		return 0, err
	}
	p.metrics.inc(counterPublished, p.channel)
	return n, nil
}

func (p *Publisher) Channel() string { return p.channel }
