// Package routetable implements the Route Table: an in-memory map from
// client /32 IPs to the backbone host believed to carry their traffic,
// with a monotonic freshness rule that decides whether a new
// observation supersedes what is already known.
package routetable

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/lucas/bbrouted/internal/config"
	"github.com/lucas/bbrouted/internal/installer"
	"github.com/lucas/bbrouted/internal/observability"
	"github.com/lucas/bbrouted/internal/wgctl"
)

// ClientRoute is one entry: the believed upstream host and freshness
// age for a single client IP.
type ClientRoute struct {
	IP   string
	Host string
	Age  int

	// LastObserved is not read by the adoption rule; it is reserved for
	// a future TTL-based eviction policy, which this revision does not implement.
	LastObserved time.Time
}

// Broadcaster sends a "this client moved" advertisement to every
// address reachable through every backbone peer. It is implemented by
// internal/protocol.Client.
type Broadcaster interface {
	BroadcastUpdate(peers []wgctl.BackbonePeer, ip string, age int)
}

// PeerInstaller reconciles allowed-IPs and kernel routes for a client.
// It is implemented by internal/installer.Installer.
type PeerInstaller interface {
	Install(clientIP, viaHost string) error
}

// PeerLister lists the current backbone peers, used both to find which
// peer to install a route through and to broadcast to.
type PeerLister interface {
	ListBackbonePeers(ctx context.Context, iface string) ([]wgctl.BackbonePeer, error)
}

// Table is the Route Table. It is single-writer: Observe must only be
// called from the Local Loop goroutine.
type Table struct {
	mu      sync.RWMutex
	routes  map[string]*ClientRoute
	compare func(newAge, prevAge int) bool

	backboneIface string
	cmdTimeout    time.Duration
	peers         PeerLister
	install       PeerInstaller
	broadcast     Broadcaster
	logger        *slog.Logger
	metrics       *observability.Metrics
}

// New creates an empty Route Table.
func New(cfg *config.RoutingConfig, backboneIface string, peers PeerLister, install PeerInstaller, broadcast Broadcaster, logger *slog.Logger) *Table {
	if logger == nil {
		logger = slog.Default()
	}
	return &Table{
		routes:        make(map[string]*ClientRoute),
		compare:       comparatorFor(cfg.FreshnessDirection),
		backboneIface: backboneIface,
		cmdTimeout:    cfg.InstallTimeout(),
		peers:         peers,
		install:       install,
		broadcast:     broadcast,
		logger:        logger,
	}
}

// WithMetrics attaches Prometheus gauges that track the table's size.
// It is applied after New since Table has no functional-option
// constructor of its own; callers set it once, before the table starts
// taking observations.
func (t *Table) WithMetrics(m *observability.Metrics) *Table {
	t.metrics = m
	return t
}

// comparatorFor returns the adoption test for the configured freshness
// direction. The default, higher_is_newer, is the literal behavior of
// the original source (age > prev.age adopts); lower_is_newer is the
// operator-facing alternative for deployments that define age as
// time-since-last-seen.
func comparatorFor(dir config.FreshnessDirection) func(newAge, prevAge int) bool {
	if dir == config.FreshnessLowerIsNewer {
		return func(newAge, prevAge int) bool { return newAge < prevAge }
	}
	return func(newAge, prevAge int) bool { return newAge > prevAge }
}

// Observe applies one (ip, age, host) sample to the table: reject stale
// ages, adopt fresher ones, reconcile the install when the host
// changes, and broadcast the update to backbone peers only when the
// host actually changed. This mirrors wg-route.py's read_route ->
// update_route pair, which only gossips a client when "host != old_host";
// a stable local client is otherwise re-advertised solely by the
// periodic full resync, not by every aging sample.
func (t *Table) Observe(ip string, age int, host string, broadcast bool) {
	if age == 0 {
		return
	}

	t.mu.Lock()
	prev, existed := t.routes[ip]
	adopt := !existed || t.compare(age, prev.Age)
	var hostChanged bool
	if adopt {
		hostChanged = !existed || prev.Host != host
		t.routes[ip] = &ClientRoute{IP: ip, Host: host, Age: age, LastObserved: now()}
	}
	known, local := len(t.routes), t.countLocalLocked()
	t.mu.Unlock()

	if !adopt {
		return
	}

	t.setGauges(known, local)

	if hostChanged {
		t.logger.Info("route updated", "ip", ip, "host", host, "age", age)
		t.reconcile(ip, host)
		if broadcast {
			t.scheduleBroadcast(ip, age)
		}
	}
}

func (t *Table) countLocalLocked() int {
	n := 0
	for _, r := range t.routes {
		if r.Host == installer.LocalHost {
			n++
		}
	}
	return n
}

func (t *Table) setGauges(known, local int) {
	if t.metrics == nil {
		return
	}
	t.metrics.RoutesKnown.Set(float64(known))
	t.metrics.RoutesLocal.Set(float64(local))
}

func (t *Table) listPeers() ([]wgctl.BackbonePeer, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cmdTimeout)
	defer cancel()
	return t.peers.ListBackbonePeers(ctx, t.backboneIface)
}

// reconcile finds the backbone peer advertising host and installs the
// route through it, or installs the self path when host is the local
// sentinel.
func (t *Table) reconcile(ip, host string) {
	if host == installer.LocalHost {
		if err := t.install.Install(ip, installer.LocalHost); err != nil {
			t.logger.Error("installing self route failed", "ip", ip, "error", err)
		}
		return
	}

	peers, err := t.listPeers()
	if err != nil {
		t.logger.Error("listing backbone peers for reconciliation failed", "ip", ip, "error", err)
		return
	}

	for _, p := range peers {
		if p.ContainsHost(host) {
			if err := t.install.Install(ip, host); err != nil {
				t.logger.Error("installing peer route failed", "ip", ip, "host", host, "error", err)
			}
			return
		}
	}

	t.logger.Warn("unable to find host in backbone peer list", "ip", ip, "host", host)
}

func (t *Table) scheduleBroadcast(ip string, age int) {
	peers, err := t.listPeers()
	if err != nil {
		t.logger.Error("listing backbone peers for broadcast failed", "ip", ip, "error", err)
		return
	}
	t.broadcast.BroadcastUpdate(peers, ip, age)
}

// Snapshot returns a copy of every known route, for status reporting.
func (t *Table) Snapshot() []ClientRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]ClientRoute, 0, len(t.routes))
	for _, r := range t.routes {
		out = append(out, *r)
	}
	return out
}

// LocalRoutes returns every route whose host is the local sentinel,
// i.e. every client terminated on this node (used by the periodic
// resync and by the Control Protocol Server's refresh handler).
func (t *Table) LocalRoutes() []ClientRoute {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []ClientRoute
	for _, r := range t.routes {
		if r.Host == installer.LocalHost {
			out = append(out, *r)
		}
	}
	return out
}

var now = time.Now
