// Package config defines the configuration structures for bbrouted.
package config

import "time"

// Config is the root configuration structure for bbrouted.
type Config struct {
	Node          NodeConfig     `yaml:"node" validate:"required"`
	Tunnels       TunnelConfig   `yaml:"tunnels" validate:"required"`
	Routing       RoutingConfig  `yaml:"routing"`
	Protocol      ProtocolConfig `yaml:"protocol"`
	Liveness      ListenConfig   `yaml:"liveness"`
	Observability ObsConfig      `yaml:"observability"`
}

// NodeConfig defines the identity of this backbone node.
type NodeConfig struct {
	ID       string `yaml:"id" validate:"required"`
	Hostname string `yaml:"hostname"`
}

// TunnelConfig names the WireGuard interfaces this node manages.
type TunnelConfig struct {
	// BackboneInterface is the shared tunnel all backbone nodes peer on.
	BackboneInterface string `yaml:"backbone_interface" validate:"required"`
	// ClientInterfaces are the per-node tunnels terminating client endpoints.
	ClientInterfaces []string `yaml:"client_interfaces" validate:"required,min=1"`
}

// FreshnessDirection selects how the Route Table's monotonic adoption
// rule compares ages: which direction counts as "fresher".
type FreshnessDirection string

const (
	// FreshnessHigherIsNewer adopts when new.age > prev.age, the literal
	// behavior of the original source. This is the default.
	FreshnessHigherIsNewer FreshnessDirection = "higher_is_newer"
	// FreshnessLowerIsNewer adopts when new.age < prev.age, an
	// operator-facing alternative for deployments that define age as
	// time-since-last-seen rather than a monotonic counter.
	FreshnessLowerIsNewer FreshnessDirection = "lower_is_newer"
)

// RoutingConfig defines Route Table and Route Installer behavior.
type RoutingConfig struct {
	// FreshnessDirection picks the monotonicity rule direction.
	FreshnessDirection FreshnessDirection `yaml:"freshness_direction" validate:"omitempty,oneof=higher_is_newer lower_is_newer"`
	// InstallTimeoutMs bounds each subprocess/netlink call the installer makes.
	InstallTimeoutMs int `yaml:"install_timeout_ms" validate:"omitempty,min=1"`
	// InstallRetries is the number of retries on timeout before the
	// daemon exits.
	InstallRetries int `yaml:"install_retries" validate:"omitempty,min=1,max=20"`
}

// ProtocolConfig defines the control protocol server/client settings.
type ProtocolConfig struct {
	Listen        ListenConfig `yaml:"listen"`
	DialTimeoutMs int          `yaml:"dial_timeout_ms" validate:"omitempty,min=1"`
}

// ListenConfig defines a listen or dial address and port.
type ListenConfig struct {
	Address string `yaml:"address"`
	Port    int    `yaml:"port" validate:"omitempty,min=1,max=65535"`
}

// ObsConfig defines observability settings.
type ObsConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics ListenConfig  `yaml:"metrics"`
	Status  ListenConfig  `yaml:"status"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `yaml:"format" validate:"omitempty,oneof=json text"`
}

// Defaults returns a Config with sensible default values.
func Defaults() *Config {
	return &Config{
		Tunnels: TunnelConfig{
			BackboneInterface: "backbone",
			ClientInterfaces:  []string{"clients"},
		},
		Routing: RoutingConfig{
			FreshnessDirection: FreshnessHigherIsNewer,
			InstallTimeoutMs:   30000,
			InstallRetries:     5,
		},
		Protocol: ProtocolConfig{
			Listen: ListenConfig{
				Address: "0.0.0.0",
				Port:    3912,
			},
			DialTimeoutMs: 45000,
		},
		Liveness: ListenConfig{
			Address: "0.0.0.0",
			Port:    51819,
		},
		Observability: ObsConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Format: "json",
			},
			Metrics: ListenConfig{
				Address: "127.0.0.1",
				Port:    9109,
			},
			Status: ListenConfig{
				Address: "127.0.0.1",
				Port:    9110,
			},
		},
	}
}

// InstallTimeout returns the configured subprocess/netlink timeout.
func (c *RoutingConfig) InstallTimeout() time.Duration {
	if c.InstallTimeoutMs <= 0 {
		return 30 * time.Second
	}
	return time.Duration(c.InstallTimeoutMs) * time.Millisecond
}

// Retries returns the configured number of retries before the daemon
// gives up and exits.
func (c *RoutingConfig) Retries() int {
	if c.InstallRetries <= 0 {
		return 5
	}
	return c.InstallRetries
}

// DialTimeout returns the configured control-protocol-client dial/write/
// read timeout.
func (c *ProtocolConfig) DialTimeout() time.Duration {
	if c.DialTimeoutMs <= 0 {
		return 45 * time.Second
	}
	return time.Duration(c.DialTimeoutMs) * time.Millisecond
}
