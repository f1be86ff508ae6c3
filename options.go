package oort

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
)

// Option configures the node on creation.
// Return an error to reject an invalid option value.
type Option func(*Config) error

// Config holds runtime configuration for a node.
// Users typically set it via Option helpers.
type Config struct {
	// NodeURL identifies this node as an owner. It must be unique in the
	// cluster and stable for the lifetime of the process.
	NodeURL           string
	BindAddr          string
	Seeds             []string
	Discovery         bool
	HeartbeatInterval time.Duration
	PeerTimeout       time.Duration
	VersionSeed       uint64
	transport         Transport
	logger            *slog.Logger
	errorHandler      func(error)
}

func defaultConfig() Config {
	return Config{
		Discovery:         true,
		HeartbeatInterval: 2 * time.Second,
	}
}

func (c *Config) finalize() error {
	if c.NodeURL == "" {
		c.NodeURL = "oort://" + uuid.NewString()
	}
	if c.BindAddr != "" {
		if err := validateAddr(c.BindAddr); err != nil {
			return err
		}
	}
	if c.BindAddr != "" && c.transport != nil {
		return fmt.Errorf("oort: bind addr and custom transport are mutually exclusive")
	}
	if len(c.Seeds) > 0 && c.BindAddr == "" {
		return fmt.Errorf("oort: bind addr required when seeds are set")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("oort: heartbeat interval must be positive")
	}
	if c.PeerTimeout == 0 {
		c.PeerTimeout = 3 * c.HeartbeatInterval
	}
	if c.PeerTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("oort: peer timeout must exceed the heartbeat interval")
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.errorHandler == nil {
		c.errorHandler = func(error) {}
	}
	return nil
}

// WithNodeURL sets the URL that identifies this node as an owner.
// If omitted, a random oort:// URL is generated.
func WithNodeURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return fmt.Errorf("oort: node url cannot be empty")
		}
		c.NodeURL = url
		return nil
	}
}

// WithBindAddr enables the built-in UDP gossip transport on the given
// host:port address. It is validated with net.SplitHostPort.
func WithBindAddr(addr string) Option {
	return func(c *Config) error {
		if addr == "" {
			return fmt.Errorf("oort: bind addr cannot be empty")
		}
		if err := validateAddr(addr); err != nil {
			return err
		}
		c.BindAddr = addr
		return nil
	}
}

// WithSeeds sets the initial gossip peer addresses for bootstrapping.
func WithSeeds(seeds []string) Option {
	return func(c *Config) error {
		c.Seeds = append([]string(nil), seeds...)
		return nil
	}
}

// WithDiscovery enables or disables mDNS discovery of gossip peers.
func WithDiscovery(enabled bool) Option {
	return func(c *Config) error {
		c.Discovery = enabled
		return nil
	}
}

// WithHeartbeatInterval sets how often the gossip transport announces this
// node to its peers.
func WithHeartbeatInterval(interval time.Duration) Option {
	return func(c *Config) error {
		if interval <= 0 {
			return fmt.Errorf("oort: heartbeat interval must be positive")
		}
		c.HeartbeatInterval = interval
		return nil
	}
}

// WithPeerTimeout sets how long a gossip peer may stay silent before it is
// considered gone. Defaults to three heartbeat intervals.
func WithPeerTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		if timeout <= 0 {
			return fmt.Errorf("oort: peer timeout must be positive")
		}
		c.PeerTimeout = timeout
		return nil
	}
}

// WithTransport sets a custom cluster channel, such as transport/zmq or
// transport/memory. The node closes it on Close.
func WithTransport(transport Transport) Option {
	return func(c *Config) error {
		if transport == nil {
			return fmt.Errorf("oort: transport cannot be nil")
		}
		c.transport = transport
		return nil
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) error {
		if logger == nil {
			return fmt.Errorf("oort: logger cannot be nil")
		}
		c.logger = logger
		return nil
	}
}

// WithErrorHandler sets a callback for internal errors (serialization, network).
// It is best-effort and must be fast and non-blocking.
func WithErrorHandler(handler func(error)) Option {
	return func(c *Config) error {
		if handler == nil {
			return fmt.Errorf("oort: error handler cannot be nil")
		}
		c.errorHandler = handler
		return nil
	}
}

// WithVersionSeed sets the value version clocks start from. Peers discard
// updates whose version does not exceed what they last saw from this node
// URL, so a restarted node reusing its URL needs a seed larger than any
// version of its previous incarnation.
func WithVersionSeed(seed uint64) Option {
	return func(c *Config) error {
		c.VersionSeed = seed
		return nil
	}
}

func validateAddr(addr string) error {
	_, _, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("oort: invalid address %q: %w", addr, err)
	}
	return nil
}
