package network

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	libp2p "github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"
	"github.com/libp2p/go-libp2p/core/crypto"
	"github.com/libp2p/go-libp2p/core/host"
	"github.com/libp2p/go-libp2p/core/peer"
	mdns "github.com/libp2p/go-libp2p/p2p/discovery/mdns"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/zap"
)

// Libp2pOptions configures the libp2p transport.
type Libp2pOptions struct {
	ListenAddrs     []string
	Bootstrap       []string
	Rendezvous      string
	EnableMDNS      bool
	IdentityKeyFile string
}

// Libp2pNode is a gossipsub host shared by every Libp2pConn opened on it.
type Libp2pNode struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    *zap.Logger

	host host.Host
	ps   *pubsub.PubSub

	mu        sync.Mutex
	topics    map[string]*pubsub.Topic
	localSubs map[string]int
}

func NewLibp2pNode(parent context.Context, opts Libp2pOptions, log *zap.Logger) (*Libp2pNode, error) {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(parent)

	listenAddrs := make([]ma.Multiaddr, 0, len(opts.ListenAddrs))
	for _, s := range opts.ListenAddrs {
		if s == "" {
			continue
		}
		a, err := ma.NewMultiaddr(s)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("invalid listen multiaddr %q: %w", s, err)
		}
		listenAddrs = append(listenAddrs, a)
	}
	if len(listenAddrs) == 0 {
		a, _ := ma.NewMultiaddr("/ip4/0.0.0.0/tcp/0")
		listenAddrs = append(listenAddrs, a)
	}

	libp2pOpts := []libp2p.Option{libp2p.ListenAddrs(listenAddrs...)}
	if opts.IdentityKeyFile != "" {
		key, err := loadOrCreateIdentityKey(opts.IdentityKeyFile)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("load identity key: %w", err)
		}
		libp2pOpts = append(libp2pOpts, libp2p.Identity(key))
	}

	h, err := libp2p.New(libp2pOpts...)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create host: %w", err)
	}

	ps, err := pubsub.NewGossipSub(ctx, h)
	if err != nil {
		_ = h.Close()
		cancel()
		return nil, fmt.Errorf("create gossipsub: %w", err)
	}

	n := &Libp2pNode{
		ctx:       ctx,
		cancel:    cancel,
		log:       log,
		host:      h,
		ps:        ps,
		topics:    make(map[string]*pubsub.Topic),
		localSubs: make(map[string]int),
	}

	if opts.EnableMDNS {
		service := mdns.NewMdnsService(h, opts.Rendezvous, &mdnsNotifee{host: h, log: log})
		if err := service.Start(); err != nil {
			log.Warn("mdns start failed", zap.Error(err))
		}
	}

	for _, raw := range opts.Bootstrap {
		if raw == "" {
			continue
		}
		addr, err := ma.NewMultiaddr(raw)
		if err != nil {
			log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		info, err := peer.AddrInfoFromP2pAddr(addr)
		if err != nil {
			log.Warn("skip bootstrap addr", zap.String("addr", raw), zap.Error(err))
			continue
		}
		if err := h.Connect(ctx, *info); err != nil {
			log.Warn("bootstrap connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
		} else {
			log.Info("connected bootstrap peer", zap.Stringer("peer", info.ID))
		}
	}

	return n, nil
}

// Connect opens a connection handle on the node.
func (n *Libp2pNode) Connect() *Libp2pConn {
	return &Libp2pConn{
		node:  n,
		inbox: newInbox(n.log),
		subs:  make(map[string]func()),
	}
}

func (n *Libp2pNode) Close() error {
	n.cancel()
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, t := range n.topics {
		_ = t.Close()
	}
	return n.host.Close()
}

func (n *Libp2pNode) PeerID() string {
	return n.host.ID().String()
}

func (n *Libp2pNode) ListenAddrs() []string {
	out := make([]string, 0, len(n.host.Addrs()))
	for _, addr := range n.host.Addrs() {
		out = append(out, fmt.Sprintf("%s/p2p/%s", addr.String(), n.host.ID().String()))
	}
	return out
}

func (n *Libp2pNode) ConnectedPeers() []string {
	peers := n.host.Network().Peers()
	out := make([]string, 0, len(peers))
	for _, pid := range peers {
		out = append(out, pid.String())
	}
	return out
}

func (n *Libp2pNode) getOrJoinTopic(name string) (*pubsub.Topic, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if t, ok := n.topics[name]; ok {
		return t, nil
	}
	t, err := n.ps.Join(name)
	if err != nil {
		return nil, err
	}
	n.topics[name] = t
	return t, nil
}

// receivers approximates the transport receiver count: topic peers plus
// local subscriptions on this node.
func (n *Libp2pNode) receivers(channel string, t *pubsub.Topic) int64 {
	n.mu.Lock()
	local := n.localSubs[channel]
	n.mu.Unlock()
	return int64(len(t.ListPeers()) + local)
}

func (n *Libp2pNode) trackLocal(channel string, delta int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.localSubs[channel] += delta
	if n.localSubs[channel] <= 0 {
		delete(n.localSubs, channel)
	}
}

// Libp2pConn is a Conn handle on a Libp2pNode. Gossipsub can publish and
// subscribe on one host, so duplicates share the node.
type Libp2pConn struct {
	node  *Libp2pNode
	owner bool
	inbox *inbox

	mu     sync.Mutex
	subs   map[string]func()
	closed bool
}

var _ Conn = (*Libp2pConn)(nil)

// NewLibp2pConn starts a node and returns a connection that owns it.
func NewLibp2pConn(ctx context.Context, opts Libp2pOptions, log *zap.Logger) (*Libp2pConn, error) {
	n, err := NewLibp2pNode(ctx, opts, log)
	if err != nil {
		return nil, transportErr("connect", "", err)
	}
	c := n.Connect()
	c.owner = true
	return c, nil
}

// Node returns the underlying host wrapper.
func (c *Libp2pConn) Node() *Libp2pNode { return c.node }

func (c *Libp2pConn) Publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return 0, transportErr("publish", channel, ErrClosed)
	}
	t, err := c.node.getOrJoinTopic(channel)
	if err != nil {
		return 0, transportErr("publish", channel, err)
	}
	if err := t.Publish(ctx, payload); err != nil {
		return 0, transportErr("publish", channel, err)
	}
	return c.node.receivers(channel, t), nil
}

func (c *Libp2pConn) Subscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transportErr("subscribe", channel, ErrClosed)
	}
	if _, ok := c.subs[channel]; ok {
		return nil
	}
	t, err := c.node.getOrJoinTopic(channel)
	if err != nil {
		return transportErr("subscribe", channel, err)
	}
	sub, err := t.Subscribe()
	if err != nil {
		return transportErr("subscribe", channel, err)
	}
	c.node.trackLocal(channel, 1)

	subCtx, subCancel := context.WithCancel(c.node.ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			msg, err := sub.Next(subCtx)
			if err != nil {
				return
			}
			c.inbox.deliver(channel, msg.Data)
		}
	}()

	c.subs[channel] = func() {
		subCancel()
		sub.Cancel()
		<-done
		c.node.trackLocal(channel, -1)
	}
	return nil
}

func (c *Libp2pConn) Unsubscribe(_ context.Context, channel string) error {
	c.mu.Lock()
	cancel, ok := c.subs[channel]
	delete(c.subs, channel)
	c.mu.Unlock()
	if ok {
		cancel()
	}
	return nil
}

func (c *Libp2pConn) Listen() (<-chan Message, func()) {
	return c.inbox.listen()
}

func (c *Libp2pConn) Duplicate() (Conn, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return nil, transportErr("duplicate", "", ErrClosed)
	}
	return c.node.Connect(), nil
}

func (c *Libp2pConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]func())
	c.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	c.inbox.close()
	if c.owner {
		return c.node.Close()
	}
	return nil
}

type mdnsNotifee struct {
	host host.Host
	log  *zap.Logger
}

func (n *mdnsNotifee) HandlePeerFound(info peer.AddrInfo) {
	if err := n.host.Connect(context.Background(), info); err != nil {
		n.log.Debug("mdns connect failed", zap.Stringer("peer", info.ID), zap.Error(err))
	}
}

func loadOrCreateIdentityKey(path string) (crypto.PrivKey, error) {
	if b, err := os.ReadFile(path); err == nil && len(b) > 0 {
		key, err := crypto.UnmarshalPrivateKey(b)
		if err != nil {
			return nil, fmt.Errorf("unmarshal private key: %w", err)
		}
		return key, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir key dir: %w", err)
	}
	key, _, err := crypto.GenerateEd25519Key(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	raw, err := crypto.MarshalPrivateKey(key)
	if err != nil {
		return nil, fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return nil, fmt.Errorf("write private key: %w", err)
	}
	return key, nil
}
