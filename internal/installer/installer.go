// Package installer implements the Route Installer: given a
// client IP and the backbone host that should now carry its traffic, it
// mutates the matching backbone peer's allowed-IPs and reconciles the
// kernel routing table to match. Every subprocess/netlink call it makes
// is idempotent and bounded by a deadline. The allowed-IPs update and the
// route add are wrapped in a bounded retry, and exhausting the retry
// budget is treated as fatal, grounded on wg-route.py's run_cmd
// recursive-retry-then-exit helper; the peer lookup and the route delete
// are not retried.
package installer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/lucas/bbrouted/internal/config"
	"github.com/lucas/bbrouted/internal/netlink"
	"github.com/lucas/bbrouted/internal/observability"
	"github.com/lucas/bbrouted/internal/wgctl"
)

// LocalHost is the sentinel host value meaning "this client is attached
// directly to this node", not reachable via any backbone peer.
const LocalHost = "self"

// Installer reconciles peer allowed-IPs and kernel routes for a client.
type Installer struct {
	backboneIface string
	retries       int
	timeout       time.Duration

	prober  *wgctl.Prober
	routes  *netlink.RouteManager
	logger  *slog.Logger
	metrics *observability.Metrics

	// exit is invoked when a mutation exhausts its retry budget. It is a
	// field, not a bare os.Exit call, so tests can observe the failure
	// instead of killing the test binary.
	exit func(code int)
}

// Option configures an Installer.
type Option func(*Installer)

// WithLogger overrides the installer's logger.
func WithLogger(l *slog.Logger) Option {
	return func(i *Installer) { i.logger = l }
}

// WithMetrics attaches Prometheus counters to every installer operation.
func WithMetrics(m *observability.Metrics) Option {
	return func(i *Installer) { i.metrics = m }
}

// WithExitFunc overrides the function called when retries are
// exhausted. Intended for tests; production code should leave this at
// its os.Exit default.
func WithExitFunc(fn func(code int)) Option {
	return func(i *Installer) { i.exit = fn }
}

// New creates a Route Installer for the given backbone interface.
func New(cfg *config.RoutingConfig, backboneIface string, prober *wgctl.Prober, routes *netlink.RouteManager, opts ...Option) *Installer {
	i := &Installer{
		backboneIface: backboneIface,
		retries:       cfg.Retries(),
		timeout:       cfg.InstallTimeout(),
		prober:        prober,
		routes:        routes,
		logger:        slog.Default(),
		exit:          os.Exit,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// Install reconciles allowed-IPs and the kernel route for clientIP so
// that traffic to it flows via viaHost (or, if viaHost is LocalHost,
// directly out this node), matching wg-route.py's add_host_to_wg +
// update_route step ordering exactly:
//
//  1. if viaHost is a peer, union clientIP/32 into that peer's
//     allowed-IPs (idempotent: skipped if already present)
//  2. delete any existing kernel route to clientIP/32 (best-effort: the
//     route may simply not exist, so a failure here never aborts the
//     remaining steps)
//  3. if viaHost is not LocalHost, add a kernel route to clientIP/32
//     via viaHost
func (i *Installer) Install(clientIP, viaHost string) error {
	cidr := clientIP + "/32"

	if viaHost != LocalHost {
		peer, ok, err := i.findPeerFor(viaHost)
		if err != nil {
			return fmt.Errorf("listing backbone peers: %w", err)
		}
		if !ok {
			return fmt.Errorf("unable to find host %s in backbone peer list", viaHost)
		}
		if err := i.setAllowedIPs(peer, cidr); err != nil {
			return err
		}
	}

	i.deleteRoute(cidr)

	if viaHost != LocalHost {
		if err := i.addRoute(cidr, viaHost); err != nil {
			return err
		}
	}

	return nil
}

func (i *Installer) findPeerFor(viaHost string) (wgctl.BackbonePeer, bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
	defer cancel()
	peers, err := i.prober.ListBackbonePeers(ctx, i.backboneIface)
	if err != nil {
		return wgctl.BackbonePeer{}, false, err
	}
	for _, p := range peers {
		if p.ContainsHost(viaHost) {
			return p, true, nil
		}
	}
	return wgctl.BackbonePeer{}, false, nil
}

func (i *Installer) setAllowedIPs(peer wgctl.BackbonePeer, cidr string) error {
	if wgctl.ContainsCIDR(peer.AllowedIPsRaw, cidr) {
		return nil
	}
	union := wgctl.UnionAllowedIPs(peer.AllowedIPsRaw, cidr)
	return i.withRetry("set_allowed_ips", "set allowed-ips for "+peer.PublicKey, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), i.timeout)
		defer cancel()
		return i.prober.SetAllowedIPs(ctx, i.backboneIface, peer.PublicKey, union)
	})
}

// deleteRoute removes the kernel route for cidr. Its failures are
// logged and otherwise ignored: the route may simply not exist yet, and
// the original swallows every delete error
// (try/except subprocess.CalledProcessError: pass) rather than treating
// it as fatal.
func (i *Installer) deleteRoute(cidr string) {
	dst, err := parseCIDR(cidr)
	if err != nil {
		i.logger.Warn("delete route: invalid cidr, ignoring", "cidr", cidr, "error", err)
		return
	}
	i.countCall("delete_route")
	if err := i.routes.Delete(netlink.RouteConfig{Destination: dst}); err != nil {
		i.countError("delete_route")
		i.logger.Warn("delete route failed, ignoring", "cidr", cidr, "error", err)
	}
}

func (i *Installer) addRoute(cidr, viaHost string) error {
	dst, err := parseCIDR(cidr)
	if err != nil {
		return err
	}
	gw := net.ParseIP(viaHost)
	return i.withRetry("add_route", "add route "+cidr, func() error {
		return i.routes.Add(netlink.RouteConfig{
			Destination: dst,
			Gateway:     gw,
			Device:      i.backboneIface,
			Protocol:    netlink.RouteProtocolBBRouted,
		})
	})
}

// withRetry runs fn, retrying up to i.retries times on failure before
// treating the operation as fatal. This generalizes run_cmd's
// timeout-triggered recursive retry into a bounded loop rather than
// literal recursion. fn is itself bounded, so a hang surfaces as an error
// here instead of blocking forever: set_allowed_ips builds a
// context.WithTimeout, so its hang arrives as context.DeadlineExceeded
// and is logged as a timeout; add_route is bounded by the RouteManager's
// own timeout, whose error does not wrap context.DeadlineExceeded and is
// logged as an ordinary failure. Both kinds of error are retried alike.
func (i *Installer) withRetry(op, desc string, fn func() error) error {
	i.countCall(op)
	var lastErr error
	for attempt := 0; attempt <= i.retries; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.DeadlineExceeded) {
			i.logger.Warn("route installer operation timed out, retrying", "op", desc, "attempt", attempt, "timeout", i.timeout)
		} else {
			i.logger.Warn("route installer operation failed, retrying", "op", desc, "attempt", attempt, "error", lastErr)
		}
	}
	i.countError(op)
	i.logger.Error("route installer operation exhausted retries, exiting", "op", desc, "retries", i.retries, "error", lastErr)
	i.exit(1)
	return lastErr
}

func (i *Installer) countCall(op string) {
	if i.metrics != nil {
		i.metrics.InstallerCalls.WithLabelValues(op).Inc()
	}
}

func (i *Installer) countError(op string) {
	if i.metrics != nil {
		i.metrics.InstallerErrors.WithLabelValues(op).Inc()
	}
}

func parseCIDR(cidr string) (*net.IPNet, error) {
	ip, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return nil, fmt.Errorf("parsing cidr %s: %w", cidr, err)
	}
	ipnet.IP = ip
	return ipnet, nil
}
