// Package loop implements the Local Loop: a single-threaded
// tick loop that drains the Command Queue every second, samples local
// clients every 5 ticks, and performs a full resync broadcast once the
// tick counter exceeds 60 (every 61 ticks, after which the counter is
// reset), following wg-route.py's exact local_loop tick arithmetic.
package loop

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lucas/bbrouted/internal/installer"
	"github.com/lucas/bbrouted/internal/observability"
	"github.com/lucas/bbrouted/internal/queue"
	"github.com/lucas/bbrouted/internal/routetable"
	"github.com/lucas/bbrouted/internal/wgctl"
)

// RouteObserver is the Route Table surface the loop needs.
type RouteObserver interface {
	Observe(ip string, age int, host string, broadcast bool)
	LocalRoutes() []routetable.ClientRoute
}

// ClientProbe is the Peer Probe surface the loop needs.
type ClientProbe interface {
	ListBackbonePeers(ctx context.Context, iface string) ([]wgctl.BackbonePeer, error)
	ListLocalClients(ctx context.Context, iface string) ([]wgctl.ClientObservation, error)
}

// Broadcaster is the Control Protocol Client surface the loop needs
// for startup refresh and periodic resync.
type Broadcaster interface {
	RefreshAll(peers []wgctl.BackbonePeer)
	SendUpdate(destAddr, ip string, age int)
}

// Loop is the Local Loop.
type Loop struct {
	backboneIface   string
	clientIfaces    []string
	tickInterval    time.Duration
	resyncThreshold int
	sampleEvery     int

	queue   *queue.Queue
	routes  RouteObserver
	probe   ClientProbe
	client  Broadcaster
	logger  *slog.Logger
	metrics *observability.Metrics

	mu      sync.RWMutex
	tick    int
	running bool
}

// Option is a functional option for configuring the Loop.
type Option func(*Loop)

// WithLogger overrides the loop's logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) { lp.logger = l }
}

// WithTickInterval overrides the 1-second tick interval.
// Intended for tests.
func WithTickInterval(d time.Duration) Option {
	return func(lp *Loop) { lp.tickInterval = d }
}

// WithMetrics attaches Prometheus gauges tracking queue depth and peer
// counts.
func WithMetrics(m *observability.Metrics) Option {
	return func(lp *Loop) { lp.metrics = m }
}

// New creates a Local Loop.
func New(backboneIface string, clientIfaces []string, q *queue.Queue, routes RouteObserver, probe ClientProbe, client Broadcaster, opts ...Option) *Loop {
	lp := &Loop{
		backboneIface:   backboneIface,
		clientIfaces:    clientIfaces,
		tickInterval:    time.Second,
		resyncThreshold: 60,
		sampleEvery:     5,
		queue:           q,
		routes:          routes,
		probe:           probe,
		client:          client,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(lp)
	}
	return lp
}

// Run starts the tick loop. It blocks until ctx is cancelled. Before
// entering the loop it sends a startup refresh to every backbone peer.
func (lp *Loop) Run(ctx context.Context) error {
	lp.mu.Lock()
	if lp.running {
		lp.mu.Unlock()
		return fmt.Errorf("local loop already running")
	}
	lp.running = true
	lp.mu.Unlock()
	defer func() {
		lp.mu.Lock()
		lp.running = false
		lp.mu.Unlock()
	}()

	lp.startupRefresh()

	ticker := time.NewTicker(lp.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			lp.logger.Info("local loop stopped")
			return ctx.Err()
		case <-ticker.C:
			lp.onTick()
		}
	}
}

func (lp *Loop) startupRefresh() {
	peers, err := lp.probe.ListBackbonePeers(context.Background(), lp.backboneIface)
	if err != nil {
		lp.logger.Error("startup refresh: listing backbone peers failed", "error", err)
		return
	}
	lp.setPeerGauge(len(peers))
	lp.client.RefreshAll(peers)
}

// onTick runs one iteration: the every-tick drain, the count%5==0
// sample, and the count>60 resync, in that order.
func (lp *Loop) onTick() {
	lp.mu.Lock()
	lp.tick++
	count := lp.tick
	lp.mu.Unlock()

	lp.drainQueue()

	if count%lp.sampleEvery == 0 {
		lp.sampleLocalClients()
	}

	if count > lp.resyncThreshold {
		lp.mu.Lock()
		lp.tick = 0
		lp.mu.Unlock()
		lp.fullResync()
	}
}

func (lp *Loop) drainQueue() {
	if lp.metrics != nil {
		lp.metrics.QueueDepth.Set(float64(lp.queue.Len()))
	}
	for _, cmd := range lp.queue.DrainAll() {
		lp.routes.Observe(cmd.IP, cmd.Age, cmd.Host, false)
	}
}

// sampleLocalClients lists each configured client interface and feeds
// every /32 observation into the Route Table as a local, broadcast
// observation. A failed tunnel command on one interface is
// skipped, not fatal; the next sample tries again.
func (lp *Loop) sampleLocalClients() {
	for _, iface := range lp.clientIfaces {
		obs, err := lp.probe.ListLocalClients(context.Background(), iface)
		if err != nil {
			lp.logger.Warn("sampling local clients failed, will retry next sample", "iface", iface, "error", err)
			continue
		}
		for _, o := range obs {
			lp.routes.Observe(o.IP, o.Age, installer.LocalHost, true)
		}
	}
}

// fullResync sends every locally-terminated client's (ip, age) to every
// backbone peer's first allowed-IP.
func (lp *Loop) fullResync() {
	peers, err := lp.probe.ListBackbonePeers(context.Background(), lp.backboneIface)
	if err != nil {
		lp.logger.Error("full resync: listing backbone peers failed", "error", err)
		return
	}
	lp.setPeerGauge(len(peers))
	local := lp.routes.LocalRoutes()
	for _, p := range peers {
		for _, r := range local {
			lp.client.SendUpdate(p.AllowedIPsRaw, r.IP, r.Age)
		}
	}
}

func (lp *Loop) setPeerGauge(n int) {
	if lp.metrics != nil {
		lp.metrics.PeersConfigured.Set(float64(n))
	}
}
