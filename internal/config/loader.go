// Package config provides configuration loading and validation for bbrouted.
package config

import (
	"fmt"
	"os"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Loader handles configuration loading and validation.
type Loader struct {
	validate *validator.Validate
}

// NewLoader creates a new configuration loader.
func NewLoader() *Loader {
	return &Loader{
		validate: validator.New(),
	}
}

// LoadFile loads and validates configuration from a YAML file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return l.Load(data)
}

// Load parses and validates configuration from YAML bytes.
func (l *Loader) Load(data []byte) (*Config, error) {
	// Start with defaults
	cfg := Defaults()

	// Parse YAML over defaults
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Validate
	if err := l.Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate validates a configuration struct.
func (l *Loader) Validate(cfg *Config) error {
	if err := l.validate.Struct(cfg); err != nil {
		if validationErrors, ok := err.(validator.ValidationErrors); ok {
			return fmt.Errorf("config validation failed: %s", formatValidationErrors(validationErrors))
		}
		return fmt.Errorf("config validation failed: %w", err)
	}

	return l.validateSemantics(cfg)
}

// validateSemantics performs additional validation beyond struct tags.
func (l *Loader) validateSemantics(cfg *Config) error {
	seen := make(map[string]bool, len(cfg.Tunnels.ClientInterfaces))
	for _, iface := range cfg.Tunnels.ClientInterfaces {
		if iface == "" {
			return fmt.Errorf("tunnels.client_interfaces contains an empty interface name")
		}
		if iface == cfg.Tunnels.BackboneInterface {
			return fmt.Errorf("client interface %q cannot be the same as the backbone interface", iface)
		}
		if seen[iface] {
			return fmt.Errorf("client interface %q listed more than once", iface)
		}
		seen[iface] = true
	}

	return nil
}

// formatValidationErrors formats validation errors into a readable string.
func formatValidationErrors(errors validator.ValidationErrors) string {
	var result string
	for i, err := range errors {
		if i > 0 {
			result += "; "
		}
		result += fmt.Sprintf("field '%s' failed on '%s' validation", err.Field(), err.Tag())
	}
	return result
}
