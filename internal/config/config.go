package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"opbus/internal/core/logging"
)

const (
	TransportMemory = "memory"
	TransportRedis  = "redis"
	TransportLibp2p = "libp2p"

	CodecJSON = "json"
	CodecCBOR = "cbor"
)

type Config struct {
	Channel   string         `yaml:"channel"`
	Transport string         `yaml:"transport"`
	Codec     string         `yaml:"codec"`
	HTTPAddr  string         `yaml:"http_addr"`
	Redis     RedisConfig    `yaml:"redis"`
	Libp2p    Libp2pConfig   `yaml:"libp2p"`
	Log       logging.Config `yaml:"log"`
}

type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

type Libp2pConfig struct {
	ListenAddrs     []string `yaml:"listen_addrs"`
	Bootstrap       []string `yaml:"bootstrap"`
	Rendezvous      string   `yaml:"rendezvous"`
	EnableMDNS      bool     `yaml:"enable_mdns"`
	IdentityKeyFile string   `yaml:"identity_key_file"`
}

func Default() Config {
	return Config{
		Channel:   "opbus",
		Transport: TransportRedis,
		Codec:     CodecJSON,
		HTTPAddr:  ":8090",
		Redis: RedisConfig{
			Addr:        "127.0.0.1:6379",
			PoolSize:    10,
			DialTimeout: 5 * time.Second,
		},
		Libp2p: Libp2pConfig{
			ListenAddrs: []string{"/ip4/0.0.0.0/tcp/0"},
			Rendezvous:  "opbus",
			EnableMDNS:  true,
		},
		Log: logging.DefaultConfig(),
	}
}

// Load reads a YAML file over the defaults. An empty path returns Default().
// The result is not validated; callers apply overrides and then call Validate.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Channel == "" {
		errs = append(errs, errors.New("channel is required"))
	}
	switch c.Transport {
	case TransportMemory, TransportLibp2p:
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("redis.addr is required for the redis transport"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	switch c.Codec {
	case CodecJSON, CodecCBOR:
	default:
		errs = append(errs, fmt.Errorf("unknown codec %q", c.Codec))
	}
	return errors.Join(errs...)
}
