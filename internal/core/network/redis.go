package network

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisOptions configures the Redis transport.
type RedisOptions struct {
	Addr         string
	Username     string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// RedisConn is a Conn backed by a go-redis client. Subscriptions share one
// dedicated pub/sub connection taken from the client.
type RedisConn struct {
	client *redis.Client
	log    *zap.Logger
	inbox  *inbox

	mu       sync.Mutex
	ps       *redis.PubSub
	pumpDone chan struct{}
	channels map[string]struct{}
	closed   bool
}

var _ Conn = (*RedisConn)(nil)

func NewRedisConn(ctx context.Context, opts RedisOptions, log *zap.Logger) (*RedisConn, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})
	return dialRedis(ctx, client, log)
}

func dialRedis(ctx context.Context, client *redis.Client, log *zap.Logger) (*RedisConn, error) {
	if log == nil {
		log = zap.NewNop()
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, transportErr("connect", "", err)
	}
	return &RedisConn{
		client:   client,
		log:      log,
		inbox:    newInbox(log),
		channels: make(map[string]struct{}),
	}, nil
}

func (c *RedisConn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	n, err := c.client.Publish(ctx, channel, payload).Result()
	if err != nil {
		return 0, transportErr("publish", channel, err)
	}
	return n, nil
}

func (c *RedisConn) Subscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transportErr("subscribe", channel, ErrClosed)
	}
	if _, ok := c.channels[channel]; ok {
		return nil
	}
	if c.ps == nil {
		ps := c.client.Subscribe(ctx, channel)
		// Wait for the confirmation so a publish right after Subscribe is seen.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return transportErr("subscribe", channel, err)
		}
		c.ps = ps
		c.pumpDone = make(chan struct{})
		go c.pump(ps.Channel(), c.pumpDone)
	} else if err := c.ps.Subscribe(ctx, channel); err != nil {
		return transportErr("subscribe", channel, err)
	}
	c.channels[channel] = struct{}{}
	return nil
}

func (c *RedisConn) Unsubscribe(ctx context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.channels[channel]; !ok || c.ps == nil {
		return nil
	}
	if err := c.ps.Unsubscribe(ctx, channel); err != nil {
		return transportErr("unsubscribe", channel, err)
	}
	delete(c.channels, channel)
	return nil
}

func (c *RedisConn) Listen() (<-chan Message, func()) {
	return c.inbox.listen()
}

// Duplicate opens a second client with the same options.
func (c *RedisConn) Duplicate() (Conn, error) {
	opt := *c.client.Options()
	return dialRedis(context.Background(), redis.NewClient(&opt), c.log)
}

func (c *RedisConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	ps, done := c.ps, c.pumpDone
	c.mu.Unlock()

	if ps != nil {
		if err := ps.Close(); err != nil {
			c.log.Warn("close redis pubsub", zap.Error(err))
		}
		<-done
	}
	c.inbox.close()
	return c.client.Close()
}

func (c *RedisConn) pump(in <-chan *redis.Message, done chan struct{}) {
	defer close(done)
	for msg := range in {
		c.inbox.deliver(msg.Channel, []byte(msg.Payload))
	}
}
