package config

import "testing"

func TestLoader_Load_ValidConfig(t *testing.T) {
	yaml := `
node:
  id: "backbone-a"
  hostname: "host-a"
tunnels:
  backbone_interface: "backbone"
  client_interfaces:
    - "clients"
`
	loader := NewLoader()
	cfg, err := loader.Load([]byte(yaml))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Node.ID != "backbone-a" {
		t.Errorf("expected node.id = 'backbone-a', got '%s'", cfg.Node.ID)
	}
	if cfg.Tunnels.BackboneInterface != "backbone" {
		t.Errorf("expected backbone_interface = 'backbone', got '%s'", cfg.Tunnels.BackboneInterface)
	}
}

func TestLoader_Load_DefaultValues(t *testing.T) {
	yaml := `
node:
  id: "backbone-a"
tunnels:
  backbone_interface: "backbone"
  client_interfaces:
    - "clients"
`
	loader := NewLoader()
	cfg, err := loader.Load([]byte(yaml))
	if err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	if cfg.Protocol.Listen.Port != 3912 {
		t.Errorf("expected default protocol port = 3912, got %d", cfg.Protocol.Listen.Port)
	}
	if cfg.Liveness.Port != 51819 {
		t.Errorf("expected default liveness port = 51819, got %d", cfg.Liveness.Port)
	}
	if cfg.Routing.FreshnessDirection != FreshnessHigherIsNewer {
		t.Errorf("expected default freshness direction = higher_is_newer, got %s", cfg.Routing.FreshnessDirection)
	}
	if cfg.Routing.Retries() != 5 {
		t.Errorf("expected default retries = 5, got %d", cfg.Routing.Retries())
	}
}

func TestLoader_Load_MissingRequired(t *testing.T) {
	yaml := `
node:
  id: "backbone-a"
`
	loader := NewLoader()
	_, err := loader.Load([]byte(yaml))
	if err == nil {
		t.Fatal("expected validation error for missing tunnels")
	}
}

func TestLoader_Load_MissingNodeID(t *testing.T) {
	yaml := `
node:
  hostname: "host-a"
tunnels:
  backbone_interface: "backbone"
  client_interfaces:
    - "clients"
`
	loader := NewLoader()
	_, err := loader.Load([]byte(yaml))
	if err == nil {
		t.Fatal("expected validation error for missing node.id")
	}
}

func TestLoader_Load_ClientInterfaceCollidesWithBackbone(t *testing.T) {
	yaml := `
node:
  id: "backbone-a"
tunnels:
  backbone_interface: "backbone"
  client_interfaces:
    - "backbone"
`
	loader := NewLoader()
	_, err := loader.Load([]byte(yaml))
	if err == nil {
		t.Fatal("expected semantic validation error for overlapping interface names")
	}
}

func TestLoader_Load_InvalidFreshnessDirection(t *testing.T) {
	yaml := `
node:
  id: "backbone-a"
tunnels:
  backbone_interface: "backbone"
  client_interfaces:
    - "clients"
routing:
  freshness_direction: "sideways"
`
	loader := NewLoader()
	_, err := loader.Load([]byte(yaml))
	if err == nil {
		t.Fatal("expected validation error for invalid freshness_direction")
	}
}

func TestLoader_Load_FullConfig(t *testing.T) {
	yaml := `
node:
  id: "backbone-a"
  hostname: "host-a"
tunnels:
  backbone_interface: "backbone"
  client_interfaces:
    - "clients"
    - "clients2"
routing:
  freshness_direction: "lower_is_newer"
  install_timeout_ms: 15000
  install_retries: 3
protocol:
  listen:
    address: "0.0.0.0"
    port: 3912
  dial_timeout_ms: 20000
liveness:
  address: "0.0.0.0"
  port: 51819
observability:
  logging:
    level: "debug"
    format: "text"
  metrics:
    address: "127.0.0.1"
    port: 9109
`
	loader := NewLoader()
	cfg, err := loader.Load([]byte(yaml))
	if err != nil {
		t.Fatalf("expected no error for full config, got: %v", err)
	}

	if len(cfg.Tunnels.ClientInterfaces) != 2 {
		t.Errorf("expected 2 client interfaces, got %d", len(cfg.Tunnels.ClientInterfaces))
	}
	if cfg.Routing.FreshnessDirection != FreshnessLowerIsNewer {
		t.Errorf("expected lower_is_newer, got %s", cfg.Routing.FreshnessDirection)
	}
	if cfg.Routing.InstallTimeout().Seconds() != 15 {
		t.Errorf("expected install timeout 15s, got %s", cfg.Routing.InstallTimeout())
	}
}
