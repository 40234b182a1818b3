// Package main implements the entry point for the Haggle kernel
// daemon: it assembles the stores and managers from a configuration
// file and runs the kernel until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/haggle-project/haggle/config"
	"github.com/haggle-project/haggle/connectivity"
	"github.com/haggle-project/haggle/datamanager"
	"github.com/haggle-project/haggle/dataobject"
	"github.com/haggle-project/haggle/eventbus"
	"github.com/haggle-project/haggle/forwarding"
	"github.com/haggle-project/haggle/health"
	"github.com/haggle-project/haggle/iface"
	"github.com/haggle-project/haggle/metric"
	"github.com/haggle-project/haggle/natsclient"
	"github.com/haggle-project/haggle/node"
	"github.com/haggle-project/haggle/nodemanager"
	"github.com/haggle-project/haggle/protocol"
	"github.com/haggle-project/haggle/store"
)

const appName = "haggled"

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n])) //nolint:errcheck
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "path to kernel configuration file")
	validateOnly := flag.Bool("validate", false, "validate the configuration and exit")
	logJSON := flag.Bool("log-json", false, "log in JSON instead of text")
	flag.Parse()

	logger := buildLogger(*logJSON)
	slog.SetDefault(logger)

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *validateOnly {
		logger.Info("configuration is valid", "path", *configPath)
		return nil
	}
	safeCfg := config.NewSafeConfig(cfg)

	if err := os.MkdirAll(cfg.Node.DataDir, 0o700); err != nil {
		return err
	}

	ctx := context.Background()
	monitor := health.NewMonitor()
	registry := metric.NewMetricsRegistry()

	var metricsServer *metric.Server
	if cfg.Metrics.Enabled {
		metricsServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, registry)
		if err := metricsServer.Start(); err != nil {
			return err
		}
		defer metricsServer.Stop() //nolint:errcheck
		logger.Info("metrics endpoint up", "addr", metricsServer.Address())
	}

	repo := store.NewRepository(store.WithRepositoryLogger(logger))
	if cfg.NATS.URL != "" {
		nc, err := natsclient.NewClient(cfg.NATS.URL)
		if err != nil {
			return err
		}
		if err := nc.Connect(ctx); err != nil {
			return err
		}
		defer nc.Close(ctx) //nolint:errcheck
		if err := repo.AttachNATS(ctx, nc); err != nil {
			return err
		}
		logger.Info("repository persistence attached", "url", nc.URL())
	}

	kernel := eventbus.NewKernel(
		eventbus.WithLogger(logger),
		eventbus.WithHealthMonitor(monitor),
		eventbus.WithMetricsRegistry(registry),
	)

	dataStore := store.NewDataStore(kernel,
		store.WithDataStoreLogger(logger),
		store.WithDataStoreMetrics(registry),
		store.WithDataStoreRepository(repo),
	)
	if err := dataStore.Start(ctx); err != nil {
		return err
	}
	defer dataStore.Close(10 * time.Second) //nolint:errcheck

	nodeStore := store.NewNodeStore()
	interfaceStore := store.NewInterfaceStore()

	nodeMgr := nodemanager.NewManager(nodemanager.Config{
		Name:              cfg.Node.Name,
		MatchingThreshold: cfg.Node.MatchingThreshold,
		MaxMatches:        cfg.Node.MaxMatches,
		BloomErrorRate:    cfg.Bloomfilter.ErrorRate,
		BloomCapacity:     cfg.Bloomfilter.Capacity,
	}, dataStore, nodeStore, repo)

	protoCfg := protocol.DefaultConfig()
	protoCfg.SendRetries = cfg.Protocol.SendRetries
	protoCfg.SendTimeout = time.Duration(cfg.Protocol.SendTimeoutSeconds) * time.Second
	protoCfg.RatePerSecond = cfg.Protocol.SendRatePerSecond
	protoCfg.Burst = cfg.Protocol.SendBurst
	protoCfg.IngestDir = cfg.Node.DataDir
	protoMgr := protocol.NewManager(protoCfg)

	connMgr, err := connectivity.NewManager(connectivity.Config{
		ScanInterval:   time.Duration(cfg.Connectivity.ScanIntervalSeconds) * time.Second,
		MissTTL:        cfg.Connectivity.MissTTL,
		StatusCacheTTL: 10 * time.Minute,
	})
	if err != nil {
		return err
	}

	var fwd forwarding.Forwarder
	rank := forwarding.NewRank(kernel,
		func() node.ID { return nodeMgr.ThisNode().ID() },
		func() []*node.Node {
			var out []*node.Node
			for _, n := range nodeStore.All() {
				if n.Type() != node.TypeUndefined {
					out = append(out, n)
				}
			}
			return out
		}, logger)
	fwd = rank
	if cfg.Forwarding.Asynchronous {
		fwd = forwarding.NewAsynchronous(rank, repo,
			func(d *dataobject.DataObject, n *node.Node) {
				e, err := eventbus.NewResolutionEvent(
					eventbus.TypeDataObjectSend, d, []*node.Node{n}, time.Time{})
				if err != nil {
					return
				}
				kernel.Post(e) //nolint:errcheck
			}, logger)
	}
	fwdMgr := forwarding.NewManager(forwarding.Config{
		SendRetries:    cfg.Protocol.SendRetries,
		MaxNodeMatches: 32,
	}, fwd, dataStore, nodeStore, repo)

	dataMgr := datamanager.NewManager(datamanager.Config{
		AgingInterval: time.Duration(cfg.DataManager.AgingIntervalSeconds) * time.Second,
		AgingMinAge:   time.Duration(cfg.DataManager.AgingMinAgeSeconds) * time.Second,
	}, dataStore, func() *node.Node { return nodeMgr.ThisNode() })

	for _, m := range []eventbus.Manager{nodeMgr, protoMgr, connMgr, fwdMgr, dataMgr} {
		if err := kernel.RegisterManager(m); err != nil {
			return err
		}
	}
	if err := kernel.Startup(); err != nil {
		return err
	}

	// The in-tree link: a WebSocket listener plus dialer over the
	// configured TCP address.
	local := iface.New(iface.Ethernet, []byte(cfg.Protocol.ListenAddr))
	local.SetFlag(iface.FlagLocal)
	local.Addresses = []string{cfg.Protocol.ListenAddr}
	interfaceStore.Insert(local)

	listener := protocol.NewWebSocketListener(protoMgr, local, logger)
	if err := listener.Start(cfg.Protocol.ListenAddr); err != nil {
		return err
	}
	defer listener.Stop(ctx) //nolint:errcheck
	protoMgr.RegisterDialer(iface.Ethernet, &protocol.WebSocketDialer{Local: local})

	if e, err := eventbus.NewInterfaceEvent(eventbus.TypeLocalInterfaceUp, local, time.Time{}); err == nil {
		kernel.Post(e) //nolint:errcheck
	}

	go kernel.Run()
	logger.Info("kernel running",
		"app", appName,
		"node_id", nodeMgr.ThisNode().ID().String(),
		"node_name", safeCfg.Get().Node.Name,
		"listen", listener.Addr())

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info("shutting down", "signal", s.String())

	kernel.Shutdown()
	select {
	case <-kernel.Done():
	case <-time.After(2 * eventbus.ShutdownGraceTimeout):
		logger.Error("kernel did not exit in time")
	}
	return nil
}

func buildLogger(json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if json {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}
