package core

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML lets Disposition appear in config files as the strings
// "ignore", "allow", or "deny" instead of a bare integer.
func (d *Disposition) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "allow":
		*d = Allow
	case "deny":
		*d = Deny
	case "ignore", "":
		*d = Ignore
	default:
		return fmt.Errorf("invalid disposition %q", s)
	}
	return nil
}

// MarshalYAML renders Disposition back to its string form.
func (d Disposition) MarshalYAML() (any, error) {
	return strings.ToLower(d.String()), nil
}

// SourceConfig names one hosts-format list to merge into the Rule Table.
type SourceConfig struct {
	Name        string      `yaml:"name"`
	Path        string      `yaml:"path"`
	Disposition Disposition `yaml:"disposition"`
}

// OverrideConfig is a single user-authored entry merged after the sources,
// under the same DENY > ALLOW > IGNORE precedence.
type OverrideConfig struct {
	Hostname    string      `yaml:"hostname"`
	Disposition Disposition `yaml:"disposition"`
}

// UpstreamConfig names one upstream DNS resolver. Enabled defaults to true
// when omitted; when every configured upstream is disabled (or the list is
// empty) the engine falls back to the underlying link's own resolvers.
type UpstreamConfig struct {
	Name    string `yaml:"name,omitempty"`
	Address string `yaml:"address"`
	Enabled *bool  `yaml:"enabled,omitempty"`
}

// IsEnabled reports whether the upstream participates in the pool.
func (u UpstreamConfig) IsEnabled() bool {
	return u.Enabled == nil || *u.Enabled
}

// AppMode selects which applications' traffic the OS tunnel builder should
// route through the tunnel when no explicit include/exclude entry matches.
type AppMode string

const (
	AppModeAll  AppMode = "ALL"
	AppModeNone AppMode = "NONE"
	AppModeAuto AppMode = "AUTO"
)

// UnmarshalYAML accepts the mode case-insensitively and defaults to AUTO.
func (m *AppMode) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ALL":
		*m = AppModeAll
	case "NONE":
		*m = AppModeNone
	case "AUTO", "":
		*m = AppModeAuto
	default:
		return fmt.Errorf("invalid app mode %q", s)
	}
	return nil
}

// AppInclusionConfig is the per-application traffic selector handed to the
// OS tunnel builder at construction time. The engine itself never matches
// on applications; the set is opaque input to tunnel creation.
type AppInclusionConfig struct {
	DefaultMode AppMode  `yaml:"default_mode,omitempty"`
	Included    []string `yaml:"included,omitempty"`
	Excluded    []string `yaml:"excluded,omitempty"`
}

// DNSConfig groups everything the Rule Table and Upstream Pool are built
// from.
type DNSConfig struct {
	Sources      []SourceConfig   `yaml:"sources,omitempty"`
	Overrides    []OverrideConfig `yaml:"overrides,omitempty"`
	Upstreams    []UpstreamConfig `yaml:"upstreams"`
	IPv6Enabled  bool             `yaml:"ipv6_enabled,omitempty"`
	QueryTimeout int              `yaml:"query_timeout_seconds,omitempty"`
}

// BlockLogConfig controls the Block Log ring and its persistence.
type BlockLogConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	Capacity int    `yaml:"capacity,omitempty"`
	Path     string `yaml:"path,omitempty"`
}

// GlobalConfig holds engine-wide settings that aren't DNS-specific.
type GlobalConfig struct {
	TunnelName       string `yaml:"tunnel_name,omitempty"`
	TunnelAddress    string `yaml:"tunnel_address,omitempty"`
	TunnelAddressV6  string `yaml:"tunnel_address_v6,omitempty"`
	MTU              int    `yaml:"mtu,omitempty"`
	ShowNotification bool   `yaml:"show_notification,omitempty"`
	Autostart        bool   `yaml:"autostart,omitempty"`
	ActiveFlagPath   string `yaml:"active_flag_path,omitempty"`
}

// Config is the top-level configuration snapshot, loaded once at Start and
// never mutated in place while the engine is running.
type Config struct {
	Global       GlobalConfig       `yaml:"global"`
	DNS          DNSConfig          `yaml:"dns"`
	AppInclusion AppInclusionConfig `yaml:"app_inclusion,omitempty"`
	Logging      LogConfig          `yaml:"logging,omitempty"`
	BlockLog     BlockLogConfig     `yaml:"block_log,omitempty"`
}

// DefaultConfig returns the configuration used when no file exists yet.
func DefaultConfig() Config {
	return Config{
		Global: GlobalConfig{
			TunnelName:    "sinkhole0",
			TunnelAddress: "10.64.0.1/24",
			MTU:           1500,
		},
		DNS: DNSConfig{
			Upstreams: []UpstreamConfig{
				{Name: "Cloudflare", Address: "1.1.1.1:53"},
				{Name: "Google", Address: "8.8.8.8:53"},
			},
			QueryTimeout: 10,
		},
		AppInclusion: AppInclusionConfig{DefaultMode: AppModeAuto},
		BlockLog: BlockLogConfig{
			Enabled:  true,
			Capacity: 2048,
			Path:     "blocklog.yaml",
		},
	}
}

// ConfigManager owns the on-disk configuration snapshot: load it if it
// exists, otherwise create it from defaults so a first run leaves a file
// the user can edit.
type ConfigManager struct {
	mu       sync.RWMutex
	config   Config
	filePath string
}

// NewConfigManager creates a manager for the given file path without
// touching disk.
func NewConfigManager(filePath string) *ConfigManager {
	return &ConfigManager{filePath: filePath, config: DefaultConfig()}
}

// Load reads the configuration file, creating it with defaults if it does
// not yet exist.
func (cm *ConfigManager) Load() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	data, err := os.ReadFile(cm.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			cm.config = DefaultConfig()
			return cm.saveLocked()
		}
		return fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return fmt.Errorf("parse config: %w", err)
	}
	cm.config = cfg
	return nil
}

// Save persists the current in-memory configuration.
func (cm *ConfigManager) Save() error {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	return cm.saveLocked()
}

func (cm *ConfigManager) saveLocked() error {
	data, err := yaml.Marshal(cm.config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(cm.filePath, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Get returns a copy of the current configuration snapshot.
func (cm *ConfigManager) Get() Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}
