package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/VanDung-dev/scatterbrained/api"
	"github.com/VanDung-dev/scatterbrained/config"
	"github.com/VanDung-dev/scatterbrained/discovery"
	"github.com/VanDung-dev/scatterbrained/logging"
	"github.com/VanDung-dev/scatterbrained/monitoring"
	"github.com/VanDung-dev/scatterbrained/node"
)

// Version information
const (
	Version = api.Version
	Name    = "scatterbrained"
)

// namespaceFlag collects repeated -ns flags.
type namespaceFlag []string

func (f *namespaceFlag) String() string { return strings.Join(*f, ",") }

func (f *namespaceFlag) Set(v string) error {
	*f = append(*f, v)
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", Name, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		namespaces namespaceFlag
		id         string
		host       string
		port       int
		heartbeat  time.Duration
		metrics    string
		health     string
		version    bool
	)
	flag.StringVar(&configPath, "config", "", "Config file (default $"+config.EnvConfig+" or ./"+config.DefaultPath+")")
	flag.StringVar(&id, "id", "", "Node id (default random uuid)")
	flag.StringVar(&host, "host", "", "Host to bind the message transport to")
	flag.IntVar(&port, "port", 0, "Port to bind the message transport to (0 = random)")
	flag.Var(&namespaces, "ns", "Namespace to join (repeatable)")
	flag.DurationVar(&heartbeat, "heartbeat", 0, "Heartbeat interval")
	flag.StringVar(&metrics, "metrics", "", "HTTP address for /metrics, /health and /peers")
	flag.StringVar(&health, "health", "", "gRPC health service address")
	flag.BoolVar(&version, "version", false, "Print version and exit")
	flag.Parse()

	if version {
		fmt.Printf("%s v%s\n", Name, Version)
		return nil
	}

	var (
		cfg *config.Config
		err error
	)
	if configPath != "" {
		cfg, _, err = config.LoadFromPath(configPath)
	} else {
		cfg, _, err = config.Load()
	}
	if err != nil {
		return err
	}

	// Flags override the file.
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "id":
			cfg.NodeID = id
		case "host":
			cfg.Host = host
		case "port":
			cfg.Port = port
		case "heartbeat":
			cfg.Heartbeat = config.Duration(heartbeat)
		case "metrics":
			cfg.Metrics.Addr = metrics
		case "health":
			cfg.Health.Addr = health
		}
	})
	for _, name := range namespaces {
		cfg.Namespaces = append(cfg.Namespaces, config.NamespaceConfig{Name: name, HWM: node.DefaultHWM})
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if cfg.Log.Level != "" || cfg.Log.Format != "" {
		logging.Configure(logging.ParseConfig(cfg.Log.Level, cfg.Log.Format))
	}
	log := logging.Logger("main")
	defer func() { _ = log.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, log)
}

func serve(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := monitoring.NewMetrics(Name, reg)

	disc, err := discovery.NewEngine(
		discovery.NewUDPBroadcaster(cfg.Discovery.BroadcastAddr, cfg.Discovery.Port),
		discovery.NewUDPReceiver(cfg.Discovery.ListenAddr, cfg.Discovery.Port),
		discovery.WithHeartbeat(cfg.Heartbeat.Duration()),
		discovery.WithMetrics(m),
	)
	if err != nil {
		return err
	}

	n, err := node.New(cfg.NodeID,
		node.WithHost(cfg.Host),
		node.WithPort(cfg.Port),
		node.WithDiscoveryEngine(disc),
		node.WithDefaultOperatingMode(cfg.DefaultMode),
		node.WithDefaultAdvertisedHost(cfg.AdvertisedHost),
		node.WithDefaultAdvertisedPort(cfg.AdvertisedPort),
		node.WithMetrics(m),
	)
	if err != nil {
		return err
	}
	if err := n.Launch(ctx); err != nil {
		return err
	}
	defer func() {
		if err := n.Close(); err != nil {
			log.Error("failed to close node", zap.Error(err))
		}
	}()

	if cfg.Metrics.Addr != "" {
		srv := api.NewServer(n, reg)
		if err := srv.StartAsync(cfg.Metrics.Addr); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Stop(shutdownCtx)
		}()
	}
	if cfg.Health.Addr != "" {
		hs := api.NewHealthServer(n, 0)
		if err := hs.StartAsync(cfg.Health.Addr); err != nil {
			return err
		}
		defer hs.Stop()
	}

	var wg sync.WaitGroup
	for _, nsCfg := range cfg.Namespaces {
		ns, err := n.Namespace(nsCfg.Name, nsCfg.NamespaceOptions()...)
		if err != nil {
			return err
		}
		if err := ns.Launch(ctx); err != nil {
			log.Warn("some peers could not be reached", zap.String("namespace", ns.Name()), zap.Error(err))
		}

		wg.Add(1)
		go func(ns *node.Namespace) {
			defer wg.Done()
			consume(ctx, ns, log)
		}(ns)
	}

	printBanner(n)
	ticker := time.NewTicker(2 * cfg.Heartbeat.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("shutting down")
			wg.Wait()
			return nil
		case <-ticker.C:
			printPeers(n)
		}
	}
}

// consume logs every message received on ns until ctx is done.
func consume(ctx context.Context, ns *node.Namespace, log *zap.Logger) {
	for {
		msg, err := ns.Recv(ctx)
		if err != nil {
			return
		}
		log.Info("message received",
			zap.String("namespace", ns.Name()),
			zap.Stringer("from", msg.From),
			zap.Int("segments", len(msg.Payload)))
	}
}
