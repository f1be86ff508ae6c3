// Command oortd runs an oort node that publishes a presence entry and logs
// the presence of every other member.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/DobryySoul/oort"
	"github.com/DobryySoul/oort/internal/telemetry"
	"github.com/DobryySoul/oort/transport/zmq"
)

// Status is the value each node publishes under its presence key.
type Status struct {
	State string    `msgpack:"state"`
	Since time.Time `msgpack:"since"`
}

func main() {
	configFile := flag.String("config", "", "path to the YAML config file")
	flag.Parse()

	cfg, err := LoadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oortd: load config: %v\n", err)
		os.Exit(1)
	}
	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "oortd: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("oortd failed", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) (*slog.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	handler := log.NewWithOptions(os.Stderr, log.Options{
		ReportTimestamp: true,
		Level:           lvl,
		Prefix:          "oortd",
	})
	return slog.New(handler), nil
}

func run(ctx context.Context, cfg *Config, logger *slog.Logger) error {
	shutdownTracing, err := telemetry.Setup(ctx, "oortd", cfg.Tracing)
	if err != nil {
		return fmt.Errorf("setup tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown failed", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	registry.MustRegister(oort.Collectors()...)
	metricsServer := serveMetrics(cfg.MetricsAddr, registry, logger)

	opts, err := nodeOptions(cfg, logger)
	if err != nil {
		return err
	}
	node, err := oort.New(opts...)
	if err != nil {
		return fmt.Errorf("create node: %w", err)
	}

	presence := oort.NewMap[Status](node, cfg.Presence.Map, nil)
	presence.AddListener(oort.NewDeltaListener(presence))
	presence.AddEntryListener(oort.EntryListenerFuncs[Status]{
		Put: func(info *oort.Info[*oort.Entries[Status]], entry oort.Entry[Status]) {
			logger.Info("presence", "owner", info.OwnerURL, "key", entry.Key, "state", entry.NewValue.State, "version", info.Version)
		},
		Removed: func(info *oort.Info[*oort.Entries[Status]], entry oort.Entry[Status]) {
			logger.Info("absence", "owner", info.OwnerURL, "key", entry.Key, "version", info.Version)
		},
	})
	if err := presence.Start(ctx); err != nil {
		return fmt.Errorf("start presence map: %w", err)
	}
	if _, _, err := presence.PutAndShare(ctx, cfg.Presence.Key, Status{State: cfg.Presence.Status, Since: time.Now().UTC()}); err != nil {
		logger.Warn("sharing presence failed", "error", err)
	}

	if cfg.Transport == transportZMQ && cfg.ZMQ.ResyncInterval > 0 {
		go resyncLoop(ctx, node, cfg.ZMQ.ResyncInterval, logger)
	}

	<-ctx.Done()
	logger.Info("shutting down")

	closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, _, err := presence.RemoveAndShare(closeCtx, cfg.Presence.Key); err != nil {
		logger.Warn("withdrawing presence failed", "error", err)
	}
	var errs []error
	if err := node.Close(closeCtx); err != nil {
		errs = append(errs, fmt.Errorf("close node: %w", err))
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(closeCtx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	return errors.Join(errs...)
}

func nodeOptions(cfg *Config, logger *slog.Logger) ([]oort.Option, error) {
	opts := []oort.Option{
		oort.WithLogger(logger),
		// Versions of a previous incarnation under the same URL stay below
		// the ones handed out now.
		oort.WithVersionSeed(uint64(time.Now().UnixMilli()) << 20),
		oort.WithErrorHandler(func(err error) {
			logger.Debug("node error", "error", err)
		}),
	}
	if cfg.NodeURL != "" {
		opts = append(opts, oort.WithNodeURL(cfg.NodeURL))
	}

	switch cfg.Transport {
	case transportGossip:
		opts = append(opts,
			oort.WithBindAddr(cfg.Gossip.Bind),
			oort.WithSeeds(cfg.Gossip.Seeds),
			oort.WithDiscovery(cfg.Gossip.Discovery),
		)
		if cfg.Gossip.HeartbeatInterval > 0 {
			opts = append(opts, oort.WithHeartbeatInterval(cfg.Gossip.HeartbeatInterval))
		}
		if cfg.Gossip.PeerTimeout > 0 {
			opts = append(opts, oort.WithPeerTimeout(cfg.Gossip.PeerTimeout))
		}
	case transportZMQ:
		transport, err := zmq.New(cfg.ZMQ.Bind, cfg.ZMQ.Peers, logger)
		if err != nil {
			return nil, fmt.Errorf("create zmq transport: %w", err)
		}
		opts = append(opts, oort.WithTransport(transport))
	}
	return opts, nil
}

func serveMetrics(addr string, registry *prometheus.Registry, logger *slog.Logger) *http.Server {
	if addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "addr", addr, "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", addr)
	return server
}

func resyncLoop(ctx context.Context, node *oort.Node, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := node.Resync(ctx); err != nil {
				logger.Warn("resync failed", "error", err)
			}
		}
	}
}
