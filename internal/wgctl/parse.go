package wgctl

import (
	"strconv"
	"strings"
)

// parsePeerDump parses the tab-delimited output of "wg show <iface> dump"
// into BackbonePeer records. Each peer line has columns:
//
//	public_key \t (preshared key, unused) \t endpoint_ip:endpoint_port \t allowed_ips \t last_handshake
//
// (plus transfer/keepalive columns this daemon ignores). The interface's
// own header line (private key, public key, listen port, fwmark) has
// only 4 columns and is silently skipped, along with any other malformed
// or incomplete row.
func parsePeerDump(dump string) []BackbonePeer {
	var peers []BackbonePeer
	for _, line := range strings.Split(dump, "\n") {
		cols := strings.Split(line, "\t")
		if len(cols) < 5 {
			continue
		}
		key := cols[0]
		endpoint := cols[2]
		allowedIPsRaw := cols[3]
		lastHandshake, err := strconv.Atoi(cols[4])
		if err != nil {
			continue
		}

		host, port, ok := splitEndpoint(endpoint)
		if !ok {
			continue
		}

		peers = append(peers, BackbonePeer{
			PublicKey:     key,
			EndpointIP:    host,
			EndpointPort:  port,
			AllowedIPs:    splitAllowedIPs(allowedIPsRaw),
			AllowedIPsRaw: allowedIPsRaw,
			LastHandshake: lastHandshake,
		})
	}
	return peers
}

// parseClientDump parses a client interface's "wg show <iface> dump"
// output into (ip, age) pairs, yielding only entries whose allowed-IP is
// a single /32.
func parseClientDump(dump string) []ClientObservation {
	var obs []ClientObservation
	for _, line := range strings.Split(dump, "\n") {
		cols := strings.Split(line, "\t")
		if len(cols) < 5 {
			continue
		}
		destHost := cols[3]
		age, err := strconv.Atoi(cols[4])
		if err != nil {
			continue
		}

		ip, mask, ok := splitCIDR(destHost)
		if !ok || mask != "32" {
			continue
		}

		obs = append(obs, ClientObservation{IP: ip, Age: age})
	}
	return obs
}

// splitEndpoint splits "host:port" into its parts, handling the
// "(none)" sentinel wg reports for peers with no known endpoint.
func splitEndpoint(endpoint string) (host, port string, ok bool) {
	if endpoint == "" || endpoint == "(none)" {
		return "", "", false
	}
	idx := strings.LastIndex(endpoint, ":")
	if idx < 0 {
		return "", "", false
	}
	return endpoint[:idx], endpoint[idx+1:], true
}

// splitCIDR splits "ip/mask" into its parts.
func splitCIDR(cidr string) (ip, mask string, ok bool) {
	parts := strings.SplitN(cidr, "/", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// splitAllowedIPs splits a comma- or space-delimited allowed-IPs field
// into individual CIDRs, handling "(none)".
func splitAllowedIPs(raw string) []string {
	if raw == "" || raw == "(none)" {
		return nil
	}
	normalized := strings.ReplaceAll(raw, " ", ",")
	var out []string
	for _, part := range strings.Split(normalized, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ContainsHost reports whether peer's raw allowed-IPs field contains
// host, used to find which backbone peer serves a given upstream host.
// This is a substring test on the raw field rather than an exact /32
// parse, matching the original source's literal `if host in
// allowed_ips` check.
func (p BackbonePeer) ContainsHost(host string) bool {
	return strings.Contains(p.AllowedIPsRaw, host)
}

// ContainsCIDR reports whether raw (a comma/space-delimited allowed-IPs
// field) already contains exactly cidr, used to keep allowed-IPs
// mutation idempotent.
func ContainsCIDR(raw, cidr string) bool {
	for _, c := range splitAllowedIPs(raw) {
		if c == cidr {
			return true
		}
	}
	return false
}
