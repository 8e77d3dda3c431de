// Package wgctl implements the Peer Probe: it shells out to
// the "wg" CLI to discover backbone peers and locally-terminated client
// endpoints, and to mutate a peer's allowed-IPs set for the Route
// Installer.
package wgctl

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// BackbonePeer is a transient view of one backbone peer, derived fresh
// from the tunnel control plane on every ListBackbonePeers call.
type BackbonePeer struct {
	PublicKey     string
	EndpointIP    string
	EndpointPort  string
	AllowedIPs    []string // parsed CIDRs
	AllowedIPsRaw string   // verbatim field from the dump, for union-and-reserialize
	LastHandshake int
}

// ClientObservation is one (ip, age) pair read from a client interface.
type ClientObservation struct {
	IP  string
	Age int
}

// commandRunner abstracts subprocess execution so tests can stub it out.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return out, fmt.Errorf("%s %s: timed out: %w", name, strings.Join(args, " "), ctx.Err())
		}
		return out, fmt.Errorf("%s %s: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(out)))
	}
	return out, nil
}

// Prober reads the tunnel control plane via the "wg" CLI. It does not
// cache; callers may call it freely. Every call is bounded by timeout,
// matching the original's subprocess.run(..., timeout=30).
type Prober struct {
	run     commandRunner
	timeout time.Duration
}

// NewProber creates a Peer Probe backed by the real "wg" binary, with
// every invocation bounded by timeout.
func NewProber(timeout time.Duration) *Prober {
	return &Prober{run: runCommand, timeout: timeout}
}

// ListBackbonePeers returns the current backbone peers on iface, parsed
// from "wg show <iface> dump". Malformed or incomplete rows are silently
// skipped.
func (p *Prober) ListBackbonePeers(ctx context.Context, iface string) ([]BackbonePeer, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.run(ctx, "wg", "show", iface, "dump")
	if err != nil {
		return nil, fmt.Errorf("listing backbone peers on %s: %w", iface, err)
	}
	return parsePeerDump(string(out)), nil
}

// ListLocalClients returns (ip, age) pairs for every client currently
// connected on iface whose allowed-IP is a single /32. Other
// masks are skipped.
func (p *Prober) ListLocalClients(ctx context.Context, iface string) ([]ClientObservation, error) {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	out, err := p.run(ctx, "wg", "show", iface, "dump")
	if err != nil {
		return nil, fmt.Errorf("listing local clients on %s: %w", iface, err)
	}
	return parseClientDump(string(out)), nil
}

// SetAllowedIPs sets the allowed-IPs for a peer on the backbone
// interface ("wg set <iface> peer <key> allowed-ips <csv>"), the
// mutation half of step 1.
func (p *Prober) SetAllowedIPs(ctx context.Context, iface, peerKey, allowedIPsCSV string) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	_, err := p.run(ctx, "wg", "set", iface, "peer", peerKey, "allowed-ips", allowedIPsCSV)
	if err != nil {
		return fmt.Errorf("setting allowed-ips for peer %s on %s: %w", peerKey, iface, err)
	}
	return nil
}

// UnionAllowedIPs adds newCIDR to an existing allowed-IPs field, which
// may be comma- or space-delimited per the wire format, normalizing both to a comma-delimited set the way
// wg-route.py's add_host_to_wg does (allowed_ips.replace(" ", ",")).
func UnionAllowedIPs(existing, newCIDR string) string {
	existing = strings.TrimSpace(existing)
	normalized := strings.ReplaceAll(existing, " ", ",")
	if normalized == "" {
		return newCIDR
	}
	return normalized + "," + newCIDR
}
