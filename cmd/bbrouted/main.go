// bbrouted is the backbone route-propagation daemon: it probes local
// WireGuard tunnel state, maintains an in-memory table of which
// backbone host currently serves each client /32, and gossips updates
// to its peers over a plaintext control protocol.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/lucas/bbrouted/internal/config"
	"github.com/lucas/bbrouted/internal/installer"
	"github.com/lucas/bbrouted/internal/liveness"
	"github.com/lucas/bbrouted/internal/loop"
	nlmgr "github.com/lucas/bbrouted/internal/netlink"
	"github.com/lucas/bbrouted/internal/observability"
	"github.com/lucas/bbrouted/internal/protocol"
	"github.com/lucas/bbrouted/internal/queue"
	"github.com/lucas/bbrouted/internal/routetable"
	"github.com/lucas/bbrouted/internal/wgctl"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	configPath := flag.String("config", "/etc/bbrouted/bbrouted.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("bbrouted %s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	slog.Info("starting bbrouted", "version", version, "config", *configPath)

	loader := config.NewLoader()
	cfg, err := loader.LoadFile(*configPath)
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Observability.Logging.Level)}))
	slog.SetDefault(logger)

	slog.Info("configuration loaded",
		"node_id", cfg.Node.ID,
		"backbone_interface", cfg.Tunnels.BackboneInterface,
		"client_interfaces", cfg.Tunnels.ClientInterfaces,
		"freshness_direction", cfg.Routing.FreshnessDirection,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	metrics := observability.NewMetrics(prometheus.DefaultRegisterer)

	installTimeout := cfg.Routing.InstallTimeout()
	prober := wgctl.NewProber(installTimeout)
	routeMgr := nlmgr.NewRouteManager(installTimeout)
	inst := installer.New(&cfg.Routing, cfg.Tunnels.BackboneInterface, prober, routeMgr, installer.WithLogger(logger), installer.WithMetrics(metrics))
	controlClient := protocol.NewClient(cfg.Protocol.Listen.Port, cfg.Protocol.DialTimeout(), logger).WithMetrics(metrics)
	cmdQueue := queue.New()
	table := routetable.New(&cfg.Routing, cfg.Tunnels.BackboneInterface, prober, inst, controlClient, logger).WithMetrics(metrics)

	controlSrv := protocol.NewServer(cmdQueue, controlClient, table, logger).WithMetrics(metrics)
	controlAddr := fmt.Sprintf("%s:%d", cfg.Protocol.Listen.Address, cfg.Protocol.Listen.Port)
	controlLn, err := net.Listen("tcp", controlAddr)
	if err != nil {
		slog.Error("failed to bind control protocol listener", "address", controlAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := controlSrv.Serve(ctx, controlLn); err != nil {
			slog.Error("control protocol server stopped with error", "error", err)
		}
	}()

	liveSrv := liveness.New(logger)
	liveAddr := fmt.Sprintf("%s:%d", cfg.Liveness.Address, cfg.Liveness.Port)
	liveLn, err := net.Listen("tcp", liveAddr)
	if err != nil {
		slog.Error("failed to bind liveness listener", "address", liveAddr, "error", err)
		os.Exit(1)
	}
	go func() {
		if err := liveSrv.Serve(ctx, liveLn); err != nil {
			slog.Error("liveness listener stopped with error", "error", err)
		}
	}()

	status := &statusProvider{table: table, queue: cmdQueue, prober: prober, backboneIface: cfg.Tunnels.BackboneInterface}
	obsServer := observability.NewServer(&cfg.Observability, cfg.Node.ID, status, logger)
	if err := obsServer.Start(); err != nil {
		slog.Error("failed to start observability server", "error", err)
		os.Exit(1)
	}
	defer obsServer.Stop(context.Background())

	localLoop := loop.New(
		cfg.Tunnels.BackboneInterface,
		cfg.Tunnels.ClientInterfaces,
		cmdQueue,
		table,
		prober,
		controlClient,
		loop.WithLogger(logger),
		loop.WithMetrics(metrics),
	)

	obsServer.SetReady(true)
	slog.Info("bbrouted initialized, entering local loop",
		"control_port", cfg.Protocol.Listen.Port,
		"liveness_port", cfg.Liveness.Port,
		"metrics_port", cfg.Observability.Metrics.Port,
		"status_port", cfg.Observability.Status.Port,
	)

	if err := localLoop.Run(ctx); err != nil && err != context.Canceled {
		slog.Error("local loop stopped with error", "error", err)
	}

	slog.Info("shutting down bbrouted")
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// statusProvider adapts the daemon's live components into the JSON
// payload observability.Server exposes at /status, for bbroutectl to
// poll.
type statusProvider struct {
	table         *routetable.Table
	queue         *queue.Queue
	prober        *wgctl.Prober
	backboneIface string
}

func (s *statusProvider) Status() observability.NodeStatus {
	routes := s.table.Snapshot()
	out := make([]observability.RouteStatus, 0, len(routes))
	for _, r := range routes {
		out = append(out, observability.RouteStatus{IP: r.IP, Host: r.Host, Age: r.Age})
	}

	peerCount := 0
	if peers, err := s.prober.ListBackbonePeers(context.Background(), s.backboneIface); err == nil {
		peerCount = len(peers)
	}

	return observability.NodeStatus{
		QueueDepth: s.queue.Len(),
		PeerCount:  peerCount,
		Routes:     out,
	}
}
