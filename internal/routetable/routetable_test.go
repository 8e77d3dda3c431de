package routetable

import (
	"context"
	"testing"

	"github.com/lucas/bbrouted/internal/config"
	"github.com/lucas/bbrouted/internal/installer"
	"github.com/lucas/bbrouted/internal/wgctl"
)

type fakePeers struct {
	peers []wgctl.BackbonePeer
	err   error
}

func (f *fakePeers) ListBackbonePeers(ctx context.Context, iface string) ([]wgctl.BackbonePeer, error) {
	return f.peers, f.err
}

type fakeInstaller struct {
	calls [][2]string
}

func (f *fakeInstaller) Install(clientIP, viaHost string) error {
	f.calls = append(f.calls, [2]string{clientIP, viaHost})
	return nil
}

type fakeBroadcaster struct {
	calls int
}

func (f *fakeBroadcaster) BroadcastUpdate(peers []wgctl.BackbonePeer, ip string, age int) {
	f.calls++
}

func newTestTable(dir config.FreshnessDirection) (*Table, *fakeInstaller, *fakeBroadcaster, *fakePeers) {
	cfg := &config.RoutingConfig{FreshnessDirection: dir}
	peers := &fakePeers{peers: []wgctl.BackbonePeer{
		{PublicKey: "peerA", AllowedIPsRaw: "10.0.0.9/32"},
	}}
	inst := &fakeInstaller{}
	bc := &fakeBroadcaster{}
	return New(cfg, "backbone", peers, inst, bc, nil), inst, bc, peers
}

func TestObserve_ZeroAgeIgnored(t *testing.T) {
	tbl, inst, _, _ := newTestTable(config.FreshnessHigherIsNewer)
	tbl.Observe("10.0.0.1", 0, "self", false)
	if len(tbl.Snapshot()) != 0 {
		t.Error("expected no route to be created for age==0")
	}
	if len(inst.calls) != 0 {
		t.Error("expected no installer calls for age==0")
	}
}

func TestObserve_FirstObservationAdoptedAndInstalled(t *testing.T) {
	tbl, inst, _, _ := newTestTable(config.FreshnessHigherIsNewer)
	tbl.Observe("10.0.0.1", 10, "self", false)

	snap := tbl.Snapshot()
	if len(snap) != 1 || snap[0].Age != 10 || snap[0].Host != "self" {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
	if len(inst.calls) != 1 || inst.calls[0] != [2]string{"10.0.0.1", installer.LocalHost} {
		t.Errorf("expected one install call for self path, got %+v", inst.calls)
	}
}

func TestObserve_HigherIsNewer_StaleUpdateRejected(t *testing.T) {
	tbl, inst, _, _ := newTestTable(config.FreshnessHigherIsNewer)
	tbl.Observe("10.0.0.1", 50, "self", false)
	inst.calls = nil
	tbl.Observe("10.0.0.1", 20, "10.0.0.9", false)

	snap := tbl.Snapshot()
	if snap[0].Age != 50 || snap[0].Host != "self" {
		t.Errorf("stale update should have been rejected, got %+v", snap[0])
	}
	if len(inst.calls) != 0 {
		t.Error("no reconciliation expected for a rejected update")
	}
}

func TestObserve_HigherIsNewer_FresherUpdateAdoptedAndReconciled(t *testing.T) {
	tbl, inst, _, _ := newTestTable(config.FreshnessHigherIsNewer)
	tbl.Observe("10.0.0.1", 10, "self", false)
	inst.calls = nil
	tbl.Observe("10.0.0.1", 99, "10.0.0.9", false)

	snap := tbl.Snapshot()
	if snap[0].Age != 99 || snap[0].Host != "10.0.0.9" {
		t.Fatalf("expected fresher update to be adopted, got %+v", snap[0])
	}
	if len(inst.calls) != 1 || inst.calls[0] != [2]string{"10.0.0.1", "10.0.0.9"} {
		t.Errorf("expected handoff install for peer host, got %+v", inst.calls)
	}
}

func TestObserve_SameHostNoReconciliation(t *testing.T) {
	tbl, inst, _, _ := newTestTable(config.FreshnessHigherIsNewer)
	tbl.Observe("10.0.0.1", 10, "10.0.0.9", false)
	inst.calls = nil
	tbl.Observe("10.0.0.1", 20, "10.0.0.9", false)

	if len(inst.calls) != 0 {
		t.Errorf("expected no reconciliation when host is unchanged, got %+v", inst.calls)
	}
}

func TestObserve_LowerIsNewer_FresherIsSmallerAge(t *testing.T) {
	tbl, _, _, _ := newTestTable(config.FreshnessLowerIsNewer)
	tbl.Observe("10.0.0.1", 50, "self", false)
	tbl.Observe("10.0.0.1", 10, "10.0.0.9", false)

	snap := tbl.Snapshot()
	if snap[0].Age != 10 || snap[0].Host != "10.0.0.9" {
		t.Errorf("expected smaller age to be adopted under lower_is_newer, got %+v", snap[0])
	}
}

func TestObserve_BroadcastTriggersBroadcaster(t *testing.T) {
	tbl, _, bc, _ := newTestTable(config.FreshnessHigherIsNewer)
	tbl.Observe("10.0.0.1", 10, "self", true)
	if bc.calls != 1 {
		t.Errorf("expected broadcaster to be invoked once, got %d", bc.calls)
	}
}

func TestObserve_UnknownHostLogsAndSkipsInstall(t *testing.T) {
	tbl, inst, _, _ := newTestTable(config.FreshnessHigherIsNewer)
	tbl.Observe("10.0.0.1", 10, "10.99.99.99", false)
	if len(inst.calls) != 0 {
		t.Errorf("expected no install call when host matches no peer, got %+v", inst.calls)
	}
}

func TestLocalRoutes_FiltersToSelfHost(t *testing.T) {
	tbl, _, _, _ := newTestTable(config.FreshnessHigherIsNewer)
	tbl.Observe("10.0.0.1", 10, "self", false)
	tbl.Observe("10.0.0.2", 10, "10.0.0.9", false)

	local := tbl.LocalRoutes()
	if len(local) != 1 || local[0].IP != "10.0.0.1" {
		t.Errorf("expected only the self-hosted route, got %+v", local)
	}
}
