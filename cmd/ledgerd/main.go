// ledgerd owns one watermark ledger and serves append, lookup and verify
// requests to any number of watermark CLIs over TCP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/config"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/ledger"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/logging"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/metrics"
	"github.com/unicornultrafoundation/go-watermark-ledger/pkg/node"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, checkInterval, ok, err := loadConfig(args)
	if !ok {
		return err
	}

	logger, err := logging.NewLogger(logging.Config{
		ServiceName: "ledgerd",
		Development: cfg.Development,
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return err
	}
	defer logger.Sync()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	registry := metrics.NewRegistry()
	l, err := ledger.New(store, ledger.WithLogger(logger), ledger.WithMetrics(registry))
	if err != nil {
		store.Close()
		return err
	}
	defer l.Close()

	n := node.New(cfg.ListenAddr, l,
		node.WithLogger(logger),
		node.WithMetrics(registry),
		node.WithCheckInterval(checkInterval))
	if err := n.Start(); err != nil {
		return fmt.Errorf("failed to start ledger daemon: %w", err)
	}
	defer n.Stop()

	if cfg.MetricsAddr != "" {
		srv := serveMetrics(cfg.MetricsAddr, registry, logger)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			srv.Shutdown(ctx)
		}()
	}

	logger.Info("Ledger daemon ready",
		zap.String("address", n.Addr()),
		zap.String("store", cfg.StoreKind),
		zap.String("path", cfg.StorePath),
		zap.Int("height", l.Height()))

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("Shutting down...")
	return nil
}

// loadConfig merges the YAML config, if any, with explicitly given flags
func loadConfig(args []string) (*config.NodeConfig, time.Duration, bool, error) {
	fs := pflag.NewFlagSet("ledgerd", pflag.ContinueOnError)
	fs.SortFlags = false

	var configPath string
	var checkInterval time.Duration
	flags := config.DefaultNode()
	fs.StringVar(&configPath, "config", "", "load settings from a YAML config; flags given explicitly override it")
	fs.StringVar(&flags.ListenAddr, "listen", flags.ListenAddr, "host:port to serve ledger requests on")
	fs.StringVar(&flags.StoreKind, "store", flags.StoreKind, "backing store: file or badger")
	fs.StringVar(&flags.StorePath, "store-path", flags.StorePath, "ledger JSON file or Badger directory")
	fs.StringVar(&flags.MetricsAddr, "metrics-addr", "", "host:port for the Prometheus /metrics endpoint")
	fs.StringVar(&flags.LogLevel, "log-level", "", "log level: debug, info, warn, error")
	fs.BoolVar(&flags.Development, "dev", false, "human-readable development logging")
	fs.DurationVar(&checkInterval, "check-interval", 0, "re-verify the whole chain this often, 0 disables")

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil, 0, false, nil
		}
		return nil, 0, false, err
	}
	if fs.NArg() > 0 {
		return nil, 0, false, fmt.Errorf("unexpected argument: %s", fs.Arg(0))
	}

	cfg := config.DefaultNode()
	if configPath != "" {
		if err := config.Load(configPath, cfg); err != nil {
			return nil, 0, false, err
		}
	}
	setters := map[string]func(){
		"listen":       func() { cfg.ListenAddr = flags.ListenAddr },
		"store":        func() { cfg.StoreKind = flags.StoreKind },
		"store-path":   func() { cfg.StorePath = flags.StorePath },
		"metrics-addr": func() { cfg.MetricsAddr = flags.MetricsAddr },
		"log-level":    func() { cfg.LogLevel = flags.LogLevel },
		"dev":          func() { cfg.Development = flags.Development },
	}
	for name, set := range setters {
		if fs.Changed(name) {
			set()
		}
	}
	if err := config.Validate(cfg); err != nil {
		return nil, 0, false, err
	}
	return cfg, checkInterval, true, nil
}

func openStore(cfg *config.NodeConfig) (ledger.Store, error) {
	switch cfg.StoreKind {
	case "badger":
		store, err := ledger.NewBadgerStore(cfg.StorePath)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return ledger.NewFileStore(cfg.StorePath), nil
	}
}

func serveMetrics(addr string, registry *metrics.Registry, logger *zap.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registry.GetPrometheusRegistry(), promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server failed", zap.Error(err))
		}
	}()
	logger.Info("Serving metrics", zap.String("address", addr))
	return srv
}
