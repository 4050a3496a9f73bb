package opbus

import (
	"context"
	"errors"
	"fmt"

	"opbus/internal/core/network"
)

// Bus pairs a Publisher and a Subscriber on the same channel. Publishing and
// subscribing use separate connections.
type Bus struct {
	pub   *Publisher
	sub   *Subscriber
	owned network.Conn
}

// New builds a Bus publishing on conn. The subscriber uses the connection
// given by WithSubscriberConn, or a duplicate of conn owned by the Bus.
func New(ctx context.Context, conn network.Conn, channel string, opts ...Option) (*Bus, error) {
	o := buildOptions(opts)
	b := &Bus{pub: NewPublisher(conn, channel, opts...)}

	subConn := o.subConn
	if subConn == nil {
		dup, err := conn.Duplicate()
		if err != nil {
			return nil, fmt.Errorf("duplicate connection: %w", err)
		}
		subConn = dup
		b.owned = dup
	}
	b.sub = NewSubscriber(ctx, subConn, channel, opts...)
	return b, nil
}

func (b *Bus) Publish(ctx context.Context, op int, payload any) (int64, error) {
	return b.pub.Publish(ctx, op, payload)
}

func (b *Bus) OnEvent(op int, h Handler) RegistrationID {
	return b.sub.OnEvent(op, h)
}

func (b *Bus) OnMessage(op int, h Handler) RegistrationID {
	return b.sub.OnMessage(op, h)
}

func (b *Bus) RemoveListener(target RemoveTarget) error {
	return b.sub.RemoveListener(target)
}

func (b *Bus) Subscriber() *Subscriber { return b.sub }

func (b *Bus) Publisher() *Publisher { return b.pub }

// Close closes the subscriber and any connection the Bus opened itself.
// The publishing connection belongs to the caller.
func (b *Bus) Close() error {
	err := b.sub.Close()
	if b.owned != nil {
		err = errors.Join(err, b.owned.Close())
	}
	return err
}
