package installer

import (
	"errors"
	"testing"

	"github.com/lucas/bbrouted/internal/config"
)

func TestInstaller_WithRetry_SucceedsWithoutExit(t *testing.T) {
	cfg := &config.RoutingConfig{InstallRetries: 2}
	exited := false
	inst := New(cfg, "backbone", nil, nil, WithExitFunc(func(int) { exited = true }))

	calls := 0
	err := inst.withRetry("noop", "noop", func() error {
		calls++
		return nil
	})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if exited {
		t.Error("exit should not have been called on success")
	}
}

func TestInstaller_WithRetry_ExhaustsAndExits(t *testing.T) {
	cfg := &config.RoutingConfig{InstallRetries: 2}
	exitCode := -1
	inst := New(cfg, "backbone", nil, nil, WithExitFunc(func(code int) { exitCode = code }))

	calls := 0
	_ = inst.withRetry("always-fails", "always-fails", func() error {
		calls++
		return errors.New("boom")
	})
	// retries=2 means the op runs on attempts 0,1,2 -> 3 total calls.
	if calls != 3 {
		t.Errorf("expected 3 calls (initial + 2 retries), got %d", calls)
	}
	if exitCode != 1 {
		t.Errorf("expected exit(1) to be invoked, got exitCode=%d", exitCode)
	}
}

func TestParseCIDR(t *testing.T) {
	ipnet, err := parseCIDR("10.0.0.5/32")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ipnet.String() != "10.0.0.5/32" {
		t.Errorf("got %s, want 10.0.0.5/32", ipnet.String())
	}
}
