// Package netlink manages the kernel routing table side of the Route
// Installer: removing any existing host route for
// a client /32 and, for peer-reachable hosts, adding a route to it via
// the upstream backbone peer.
package netlink

import (
	"errors"
	"fmt"
	"net"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"
)

// RouteManager manages Linux routing table entries for client /32s. Every
// call is bounded by timeout, matching the original's
// subprocess.run(..., timeout=30) deadline on the equivalent "ip route"
// invocations.
type RouteManager struct {
	timeout time.Duration
}

// NewRouteManager creates a new route manager whose netlink calls are
// each bounded by timeout.
func NewRouteManager(timeout time.Duration) *RouteManager {
	return &RouteManager{timeout: timeout}
}

// RouteConfig defines a route to be installed.
type RouteConfig struct {
	Destination *net.IPNet // Destination network, normally a client /32.
	Gateway     net.IP     // Next-hop gateway (the upstream backbone peer).
	Device      string     // Output interface (the backbone tunnel).
	Protocol    int        // Protocol that added the route, for provenance.
}

// RouteProtocolBBRouted tags routes this daemon installs so they can be
// told apart from routes installed by anything else on the host.
const RouteProtocolBBRouted = 99

// Add adds a route to the main routing table.
func (m *RouteManager) Add(cfg RouteConfig) error {
	route, err := m.buildRoute(cfg)
	if err != nil {
		return err
	}
	err = m.withTimeout(func() error { return netlink.RouteAdd(route) })
	if err != nil {
		if errors.Is(err, errDeadlineExceeded) {
			return fmt.Errorf("failed to add route to %s: timed out after %s", cfg.Destination, m.timeout)
		}
		return fmt.Errorf("failed to add route to %s: %w", cfg.Destination, err)
	}
	return nil
}

// Delete removes a route from the main routing table. A missing route
// is not an error, matching the installer's idempotent step ordering.
func (m *RouteManager) Delete(cfg RouteConfig) error {
	route := &netlink.Route{Dst: cfg.Destination}
	err := m.withTimeout(func() error { return netlink.RouteDel(route) })
	if err != nil {
		if errors.Is(err, syscall.ESRCH) {
			return nil
		}
		if errors.Is(err, errDeadlineExceeded) {
			return fmt.Errorf("failed to delete route to %s: timed out after %s", cfg.Destination, m.timeout)
		}
		return fmt.Errorf("failed to delete route to %s: %w", cfg.Destination, err)
	}
	return nil
}

// Replace adds or replaces a route to the main routing table.
func (m *RouteManager) Replace(cfg RouteConfig) error {
	route, err := m.buildRoute(cfg)
	if err != nil {
		return err
	}
	err = m.withTimeout(func() error { return netlink.RouteReplace(route) })
	if err != nil {
		if errors.Is(err, errDeadlineExceeded) {
			return fmt.Errorf("failed to replace route to %s: timed out after %s", cfg.Destination, m.timeout)
		}
		return fmt.Errorf("failed to replace route to %s: %w", cfg.Destination, err)
	}
	return nil
}

func (m *RouteManager) buildRoute(cfg RouteConfig) (*netlink.Route, error) {
	route := &netlink.Route{
		Dst:      cfg.Destination,
		Gw:       cfg.Gateway,
		Protocol: netlink.RouteProtocol(cfg.Protocol),
	}
	if cfg.Device != "" {
		link, err := netlink.LinkByName(cfg.Device)
		if err != nil {
			return nil, fmt.Errorf("device %s not found: %w", cfg.Device, err)
		}
		route.LinkIndex = link.Attrs().Index
	}
	return route, nil
}

// List returns all routes tagged with RouteProtocolBBRouted, for
// "bbroutectl routes" introspection.
func (m *RouteManager) List() ([]RouteInfo, error) {
	filter := &netlink.Route{Protocol: netlink.RouteProtocol(RouteProtocolBBRouted)}
	var routes []netlink.Route
	err := m.withTimeout(func() error {
		var listErr error
		routes, listErr = netlink.RouteListFiltered(netlink.FAMILY_V4, filter, netlink.RT_FILTER_PROTOCOL)
		return listErr
	})
	if err != nil {
		if errors.Is(err, errDeadlineExceeded) {
			return nil, fmt.Errorf("failed to list routes: timed out after %s", m.timeout)
		}
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}

	result := make([]RouteInfo, 0, len(routes))
	for _, r := range routes {
		info := RouteInfo{
			Destination: r.Dst,
			Gateway:     r.Gw,
		}
		if r.LinkIndex > 0 {
			if link, err := netlink.LinkByIndex(r.LinkIndex); err == nil {
				info.Device = link.Attrs().Name
			}
		}
		result = append(result, info)
	}
	return result, nil
}

// RouteInfo describes one installed route.
type RouteInfo struct {
	Destination *net.IPNet
	Gateway     net.IP
	Device      string
}

var errDeadlineExceeded = errors.New("netlink call exceeded deadline")

// withTimeout runs fn on its own goroutine and bounds it by m.timeout. The
// vishvananda/netlink calls don't accept a context, so a hung RTNETLINK
// request is bounded the same way the "ip route" subprocess calls it
// replaces were: a hard deadline on the caller's side. If fn times out,
// its goroutine is abandoned (it may still complete later, harmlessly).
func (m *RouteManager) withTimeout(fn func() error) error {
	if m.timeout <= 0 {
		return fn()
	}
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-time.After(m.timeout):
		return errDeadlineExceeded
	}
}
