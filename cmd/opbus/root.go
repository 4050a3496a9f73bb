package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"opbus/internal/config"
	"opbus/internal/core/logging"
	"opbus/internal/core/network"
	"opbus/internal/opbus"
)

type app struct {
	configPath string
	channel    string
	transport  string
	redisAddr  string
	codec      string
	logLevel   string

	cfg config.Config
	log *zap.Logger
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:          "opbus",
		Short:        "Opcode-multiplexed events over a pub/sub channel",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.init(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
	}

	f := root.PersistentFlags()
	f.StringVarP(&a.configPath, "config", "c", "", "path to a YAML config file")
	f.StringVar(&a.channel, "channel", "", "channel name (overrides config)")
	f.StringVar(&a.transport, "transport", "", "transport: memory, redis or libp2p (overrides config)")
	f.StringVar(&a.redisAddr, "redis-addr", "", "redis address (overrides config)")
	f.StringVar(&a.codec, "codec", "", "envelope codec: json or cbor (overrides config)")
	f.StringVar(&a.logLevel, "log-level", "", "log level (overrides config)")

	root.AddCommand(newServeCmd(a), newPublishCmd(a), newListenCmd(a))
	return root
}

func (a *app) init(cmd *cobra.Command) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("channel") {
		cfg.Channel = a.channel
	}
	if flags.Changed("transport") {
		cfg.Transport = a.transport
	}
	if flags.Changed("redis-addr") {
		cfg.Redis.Addr = a.redisAddr
	}
	if flags.Changed("codec") {
		cfg.Codec = a.codec
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = a.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = log
	return nil
}

// dial opens the publishing connection for the configured transport.
func (a *app) dial(ctx context.Context) (network.Conn, error) {
	switch a.cfg.Transport {
	case config.TransportMemory:
		return network.NewMemoryBroker(a.log).Connect(), nil
	case config.TransportRedis:
		r := a.cfg.Redis
		return network.NewRedisConn(ctx, network.RedisOptions{
			Addr:         r.Addr,
			Username:     r.Username,
			Password:     r.Password,
			DB:           r.DB,
			PoolSize:     r.PoolSize,
			MinIdleConns: r.MinIdleConns,
			DialTimeout:  r.DialTimeout,
			ReadTimeout:  r.ReadTimeout,
			WriteTimeout: r.WriteTimeout,
		}, a.log)
	case config.TransportLibp2p:
		l := a.cfg.Libp2p
		conn, err := network.NewLibp2pConn(ctx, network.Libp2pOptions{
			ListenAddrs:     l.ListenAddrs,
			Bootstrap:       l.Bootstrap,
			Rendezvous:      l.Rendezvous,
			EnableMDNS:      l.EnableMDNS,
			IdentityKeyFile: l.IdentityKeyFile,
		}, a.log)
		if err != nil {
			return nil, err
		}
		a.log.Info("libp2p node started",
			zap.String("peer_id", conn.Node().PeerID()),
			zap.Strings("addrs", conn.Node().ListenAddrs()))
		return conn, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", a.cfg.Transport)
	}
}

func (a *app) busOptions(extra ...opbus.Option) ([]opbus.Option, error) {
	opts := []opbus.Option{
		opbus.WithLogger(a.log),
		opbus.WithErrorHandler(func(err error) {
			a.log.Debug("bus diagnostic", zap.Error(err))
		}),
	}
	if a.cfg.Codec == config.CodecCBOR {
		c, err := opbus.NewCBORCodec()
		if err != nil {
			return nil, err
		}
		opts = append(opts, opbus.WithCodec(c))
	}
	return append(opts, extra...), nil
}
