// Package config loads the coordinator's YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/sushant-115/physcoord/core/capability"
	"github.com/sushant-115/physcoord/core/ha"
	"github.com/sushant-115/physcoord/core/model"
	"github.com/sushant-115/physcoord/pkg/logger"
	"github.com/sushant-115/physcoord/pkg/telemetry"
	"github.com/sushant-115/physcoord/pkg/tlsconfig"
)

// Store backends.
const (
	BackendMemory = "memory"
	BackendBolt   = "bbolt"
)

// Config is the top-level configuration document.
type Config struct {
	Logger      logger.Config     `yaml:"logger"`
	Telemetry   telemetry.Config  `yaml:"telemetry"`
	Store       StoreConfig       `yaml:"store"`
	HA          HAConfig          `yaml:"ha"`
	Drivers     map[string]string `yaml:"drivers"`
	Dispatch    DispatchConfig    `yaml:"dispatch"`
	Capability  CapabilityConfig  `yaml:"capability"`
	Logical     LogicalConfig     `yaml:"logical"`
	Admin       AdminConfig       `yaml:"admin"`
	Coordinator CoordinatorConfig `yaml:"coordinator"`
}

type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// HAConfig enables raft election. When disabled the node is always active.
type HAConfig struct {
	Enabled   bool `yaml:"enabled"`
	ha.Config `yaml:",inline"`
}

type DispatchConfig struct {
	Parallel      bool          `yaml:"parallel"`
	RatePerSecond float64       `yaml:"rate_per_second"`
	Burst         int           `yaml:"burst"`
	SendTimeout   time.Duration `yaml:"send_timeout"`
	// TLS secures the gRPC links to drivers and the logical layer.
	TLS tlsconfig.Config `yaml:"tls"`
}

// CapabilityConfig lists supported operations. No entries means every
// operation is supported.
type CapabilityConfig struct {
	CacheSize int               `yaml:"cache_size"`
	Entries   []CapabilityEntry `yaml:"entries"`
}

type CapabilityEntry struct {
	Type       string   `yaml:"type"`
	Version    string   `yaml:"version"`
	Kind       string   `yaml:"kind"`
	Operations []string `yaml:"operations"`
}

// LogicalConfig points at the logical layer. An empty address uses an
// in-process stand-in.
type LogicalConfig struct {
	Address string `yaml:"address"`
}

type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type CoordinatorConfig struct {
	// AuditMode is the configuration mode used for audit replays.
	AuditMode string `yaml:"audit_mode"`
	// RuntimeQueueSize bounds each controller's serial work queue.
	RuntimeQueueSize int `yaml:"runtime_queue_size"`
}

// Default returns a configuration that runs a single in-memory node.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "json", OutputFile: "stdout"},
		Telemetry: telemetry.Config{
			ServiceName:      "physcoord",
			TraceSampleRatio: 1.0,
		},
		Store:   StoreConfig{Backend: BackendMemory},
		Drivers: map[string]string{},
		Dispatch: DispatchConfig{
			SendTimeout: 30 * time.Second,
		},
		Capability:  CapabilityConfig{CacheSize: 256},
		Admin:       AdminConfig{ListenAddr: ":8080"},
		Coordinator: CoordinatorConfig{AuditMode: model.ModeGlobal.String(), RuntimeQueueSize: 64},
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every problem at once.
func (c Config) Validate() error {
	var err error
	switch c.Store.Backend {
	case BackendMemory:
	case BackendBolt:
		if c.Store.Path == "" {
			err = multierr.Append(err, errors.New("store.path is required for the bbolt backend"))
		}
	default:
		err = multierr.Append(err, fmt.Errorf("store.backend %q is not one of memory, bbolt", c.Store.Backend))
	}
	if c.HA.Enabled && c.HA.NodeID == "" {
		err = multierr.Append(err, errors.New("ha.node_id is required when ha is enabled"))
	}
	if c.Dispatch.RatePerSecond < 0 {
		err = multierr.Append(err, errors.New("dispatch.rate_per_second must not be negative"))
	}
	if t := c.Dispatch.TLS; t.Enabled() && (t.CertFile == "" || t.KeyFile == "") {
		err = multierr.Append(err, errors.New("dispatch.tls needs cert_file and key_file with ca_file"))
	}
	if c.Capability.CacheSize < 0 {
		err = multierr.Append(err, errors.New("capability.cache_size must not be negative"))
	}
	if _, e := c.DriverAddresses(); e != nil {
		err = multierr.Append(err, e)
	}
	if _, e := c.CapabilityEntries(); e != nil {
		err = multierr.Append(err, e)
	}
	if _, e := c.AuditMode(); e != nil {
		err = multierr.Append(err, fmt.Errorf("coordinator.audit_mode: %w", e))
	}
	return err
}

// DriverAddresses maps each configured controller type to its driver address.
func (c Config) DriverAddresses() (map[model.ControllerType]string, error) {
	out := make(map[model.ControllerType]string, len(c.Drivers))
	names := make([]string, 0, len(c.Drivers))
	for name := range c.Drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		ct, err := model.ParseControllerType(name)
		if err != nil || ct == model.ControllerUnknown {
			return nil, fmt.Errorf("drivers: unknown controller type %q", name)
		}
		if c.Drivers[name] == "" {
			return nil, fmt.Errorf("drivers: %s has no address", name)
		}
		out[ct] = c.Drivers[name]
	}
	return out, nil
}

// CapabilityEntries converts the configured entries.
func (c Config) CapabilityEntries() ([]capability.Entry, error) {
	out := make([]capability.Entry, 0, len(c.Capability.Entries))
	for i, e := range c.Capability.Entries {
		ct, err := model.ParseControllerType(e.Type)
		if err != nil {
			return nil, fmt.Errorf("capability.entries[%d]: %w", i, err)
		}
		kind, err := model.ParseEntityKind(e.Kind)
		if err != nil {
			return nil, fmt.Errorf("capability.entries[%d]: %w", i, err)
		}
		entry := capability.Entry{Type: ct, Version: e.Version, Kind: kind}
		for _, name := range e.Operations {
			op, err := model.ParseOperation(name)
			if err != nil {
				return nil, fmt.Errorf("capability.entries[%d]: %w", i, err)
			}
			entry.Operations = append(entry.Operations, op)
		}
		out = append(out, entry)
	}
	return out, nil
}

// AuditMode parses the configured audit replay mode.
func (c Config) AuditMode() (model.ConfigMode, error) {
	return model.ParseConfigMode(c.Coordinator.AuditMode)
}
