package wgctl

import "testing"

const samplePeerDump = "privkey\tpubkeyiface\t51820\toff\n" +
	"keyA\t(none)\t10.99.0.2:51820\t10.99.0.2/32\t42\t0\t0\t25\n" +
	"keyB\t(none)\t10.99.0.3:51820\t10.99.0.3/32,10.0.0.5/32\t99\t0\t0\t25\n" +
	"malformed-row-too-few-columns\n"

func TestParsePeerDump(t *testing.T) {
	peers := parsePeerDump(samplePeerDump)
	if len(peers) != 2 {
		t.Fatalf("expected 2 peers, got %d: %+v", len(peers), peers)
	}
	if peers[0].PublicKey != "keyA" || peers[0].EndpointIP != "10.99.0.2" || peers[0].EndpointPort != "51820" {
		t.Errorf("unexpected peer[0]: %+v", peers[0])
	}
	if peers[0].LastHandshake != 42 {
		t.Errorf("expected last handshake 42, got %d", peers[0].LastHandshake)
	}
	if len(peers[1].AllowedIPs) != 2 {
		t.Errorf("expected 2 allowed ips for peer[1], got %v", peers[1].AllowedIPs)
	}
}

func TestParsePeerDump_SkipsHeaderAndMalformed(t *testing.T) {
	peers := parsePeerDump("privkey\tpubkey\t51820\toff\nbad")
	if len(peers) != 0 {
		t.Fatalf("expected no peers from header-only/malformed dump, got %d", len(peers))
	}
}

const sampleClientDump = "privkey\tpubkeyiface\t51821\toff\n" +
	"keyC\t(none)\t192.168.1.5:41000\t10.0.0.5/32\t12\t0\t0\t0\n" +
	"keyD\t(none)\t192.168.1.6:41001\t10.0.0.6/32\t3\t0\t0\t0\n" +
	"keyE\t(none)\t192.168.1.7:41002\t10.0.1.0/24\t7\t0\t0\t0\n"

func TestParseClientDump_FiltersToSlash32(t *testing.T) {
	obs := parseClientDump(sampleClientDump)
	if len(obs) != 2 {
		t.Fatalf("expected 2 /32 observations, got %d: %+v", len(obs), obs)
	}
	if obs[0].IP != "10.0.0.5" || obs[0].Age != 12 {
		t.Errorf("unexpected obs[0]: %+v", obs[0])
	}
	if obs[1].IP != "10.0.0.6" || obs[1].Age != 3 {
		t.Errorf("unexpected obs[1]: %+v", obs[1])
	}
}

func TestUnionAllowedIPs(t *testing.T) {
	got := UnionAllowedIPs("10.99.0.2/32 10.99.0.3/32", "10.0.0.5/32")
	want := "10.99.0.2/32,10.99.0.3/32,10.0.0.5/32"
	if got != want {
		t.Errorf("UnionAllowedIPs() = %q, want %q", got, want)
	}
}

func TestUnionAllowedIPs_Empty(t *testing.T) {
	got := UnionAllowedIPs("", "10.0.0.5/32")
	if got != "10.0.0.5/32" {
		t.Errorf("UnionAllowedIPs(empty) = %q, want %q", got, "10.0.0.5/32")
	}
}

func TestContainsCIDR(t *testing.T) {
	raw := "10.99.0.2/32,10.0.0.5/32"
	if !ContainsCIDR(raw, "10.0.0.5/32") {
		t.Error("expected ContainsCIDR to find 10.0.0.5/32")
	}
	if ContainsCIDR(raw, "10.0.0.6/32") {
		t.Error("expected ContainsCIDR to not find 10.0.0.6/32")
	}
}

func TestBackbonePeer_ContainsHost(t *testing.T) {
	peer := BackbonePeer{AllowedIPsRaw: "10.99.0.1/32,10.99.0.4/32"}
	if !peer.ContainsHost("10.99.0.1") {
		t.Error("expected ContainsHost to match 10.99.0.1")
	}
	if peer.ContainsHost("10.99.0.9") {
		t.Error("expected ContainsHost to not match 10.99.0.9")
	}
}
