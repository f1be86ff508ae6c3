package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/DobryySoul/oort/internal/telemetry"
)

const (
	transportGossip     = "gossip"
	transportZMQ        = "zmq"
	transportStandalone = "standalone"
)

type Gossip struct {
	Bind              string        `yaml:"bind" env:"BIND"`
	Seeds             []string      `yaml:"seeds" env:"SEEDS"`
	Discovery         bool          `yaml:"discovery" env:"DISCOVERY"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval" env:"HEARTBEAT_INTERVAL"`
	PeerTimeout       time.Duration `yaml:"peerTimeout" env:"PEER_TIMEOUT"`
}

type ZMQ struct {
	Bind  string   `yaml:"bind" env:"BIND"`
	Peers []string `yaml:"peers" env:"PEERS"`
	// ResyncInterval re-shares local snapshots so peers that joined later
	// learn them; ZeroMQ has no membership events.
	ResyncInterval time.Duration `yaml:"resyncInterval" env:"RESYNC_INTERVAL"`
}

type Presence struct {
	Map    string `yaml:"map" env:"MAP"`
	Key    string `yaml:"key" env:"KEY"`
	Status string `yaml:"status" env:"STATUS"`
}

type Config struct {
	NodeURL     string           `yaml:"nodeURL" env:"NODE_URL"`
	Transport   string           `yaml:"transport" env:"TRANSPORT"`
	LogLevel    string           `yaml:"logLevel" env:"LOG_LEVEL"`
	MetricsAddr string           `yaml:"metricsAddr" env:"METRICS_ADDR"`
	Gossip      Gossip           `yaml:"gossip" envPrefix:"GOSSIP_"`
	ZMQ         ZMQ              `yaml:"zmq" envPrefix:"ZMQ_"`
	Presence    Presence         `yaml:"presence" envPrefix:"PRESENCE_"`
	Tracing     telemetry.Config `yaml:"tracing" envPrefix:"OTEL_"`
}

var (
	ErrConfigFileUnreadable      = errors.New("config file is unreadable")
	ErrConfigFileUnmarshallable  = errors.New("config file is unmarshallable")
	ErrConfigEnvInvalid          = errors.New("config environment is invalid")
	ErrUnknownTransport          = errors.New("transport must be gossip, zmq or standalone")
	ErrGossipBindMissing         = errors.New("gossip.bind is required for the gossip transport")
	ErrZMQBindMissing            = errors.New("zmq.bind is required for the zmq transport")
	ErrPresenceMapMissing        = errors.New("presence.map is missing in config")
	ErrHeartbeatIntervalNegative = errors.New("gossip.heartbeatInterval must not be negative")
)

func defaultConfig() Config {
	return Config{
		Transport:   transportGossip,
		LogLevel:    "info",
		MetricsAddr: ":9464",
		Gossip: Gossip{
			Bind:              "0.0.0.0:7946",
			Discovery:         true,
			HeartbeatInterval: 2 * time.Second,
		},
		ZMQ: ZMQ{
			ResyncInterval: 10 * time.Second,
		},
		Presence: Presence{
			Map:    "presence",
			Status: "online",
		},
	}
}

// LoadConfig reads configFile, when set, over the defaults and then applies
// OORTD_* environment overrides.
func LoadConfig(configFile string) (*Config, error) {
	cfg := defaultConfig()
	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err != nil {
			return nil, ErrConfigFileUnreadable
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, ErrConfigFileUnmarshallable
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: "OORTD_"}); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigEnvInvalid, err)
	}

	switch cfg.Transport {
	case transportGossip:
		if cfg.Gossip.Bind == "" {
			return nil, ErrGossipBindMissing
		}
		if cfg.Gossip.HeartbeatInterval < 0 {
			return nil, ErrHeartbeatIntervalNegative
		}
	case transportZMQ:
		if cfg.ZMQ.Bind == "" {
			return nil, ErrZMQBindMissing
		}
	case transportStandalone:
	default:
		return nil, ErrUnknownTransport
	}
	if cfg.Presence.Map == "" {
		return nil, ErrPresenceMapMissing
	}
	if cfg.Presence.Key == "" {
		host, err := os.Hostname()
		if err != nil {
			host = "oortd"
		}
		cfg.Presence.Key = host
	}
	return &cfg, nil
}
