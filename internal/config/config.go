// Package config loads the micro-repl configuration file.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/acolita/micro-repl/internal/adapters/realfs"
	"github.com/acolita/micro-repl/internal/ports"
)

// Transport kinds.
const (
	TransportSerial  = "serial"
	TransportPTY     = "pty"
	TransportWebREPL = "webrepl"
	TransportSSH     = "ssh"
)

// DefaultConfigPath returns $XDG_CONFIG_HOME/micro-repl/config.yaml or
// ~/.config/micro-repl/config.yaml.
func DefaultConfigPath(fsys ports.FileSystem) string {
	if fsys == nil {
		fsys = realfs.New()
	}
	dir := fsys.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := fsys.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "micro-repl", "config.yaml")
}

// Config is the top-level configuration.
type Config struct {
	Devices         map[string]DeviceConfig `yaml:"devices" toml:"devices"`
	Session         SessionConfig           `yaml:"session" toml:"session"`
	Logging         LoggingConfig           `yaml:"logging" toml:"logging"`
	Recording       RecordingConfig         `yaml:"recording" toml:"recording"`
	Security        SecurityConfig          `yaml:"security" toml:"security"`
	PromptDetection PromptConfig            `yaml:"prompt_detection" toml:"prompt_detection"`
	Sync            SyncConfig              `yaml:"sync" toml:"sync"`
}

// DeviceConfig describes how to reach one board.
type DeviceConfig struct {
	Transport string `yaml:"transport" toml:"transport"`

	// serial
	Port     string `yaml:"port,omitempty" toml:"port,omitempty"`
	BaudRate int    `yaml:"baud_rate,omitempty" toml:"baud_rate,omitempty"`
	DataBits int    `yaml:"data_bits,omitempty" toml:"data_bits,omitempty"`
	Parity   string `yaml:"parity,omitempty" toml:"parity,omitempty"`
	StopBits int    `yaml:"stop_bits,omitempty" toml:"stop_bits,omitempty"`

	// pty
	Command string   `yaml:"command,omitempty" toml:"command,omitempty"`
	Args    []string `yaml:"args,omitempty" toml:"args,omitempty"`

	// webrepl
	URL         string `yaml:"url,omitempty" toml:"url,omitempty"`
	PasswordEnv string `yaml:"password_env,omitempty" toml:"password_env,omitempty"`

	SSH SSHConfig `yaml:"ssh,omitempty" toml:"ssh,omitempty"`
}

// SSHConfig is the bridge host for the ssh transport.
type SSHConfig struct {
	Host            string `yaml:"host,omitempty" toml:"host,omitempty"`
	Port            int    `yaml:"port,omitempty" toml:"port,omitempty"`
	User            string `yaml:"user,omitempty" toml:"user,omitempty"`
	KeyPath         string `yaml:"key_path,omitempty" toml:"key_path,omitempty"`
	PassphraseEnv   string `yaml:"passphrase_env,omitempty" toml:"passphrase_env,omitempty"`
	PasswordEnv     string `yaml:"password_env,omitempty" toml:"password_env,omitempty"`
	UseAgent        bool   `yaml:"use_agent,omitempty" toml:"use_agent,omitempty"`
	KnownHosts      string `yaml:"known_hosts,omitempty" toml:"known_hosts,omitempty"`
	InsecureHostKey bool   `yaml:"insecure_host_key,omitempty" toml:"insecure_host_key,omitempty"`
	BridgeCommand   string `yaml:"bridge_command,omitempty" toml:"bridge_command,omitempty"`
}

// SessionConfig holds protocol timing and upload settings.
type SessionConfig struct {
	CommandTimeout     time.Duration `yaml:"command_timeout" toml:"command_timeout"`
	ResetTimeout       time.Duration `yaml:"reset_timeout" toml:"reset_timeout"`
	HandshakeQuiet     time.Duration `yaml:"handshake_quiet" toml:"handshake_quiet"`
	LineDelay          time.Duration `yaml:"line_delay" toml:"line_delay"`
	MaxQueue           int           `yaml:"max_queue" toml:"max_queue"`
	MaxSessions        int           `yaml:"max_sessions" toml:"max_sessions"`
	ChunkSize          int           `yaml:"chunk_size" toml:"chunk_size"`
	UploadEncoding     string        `yaml:"upload_encoding" toml:"upload_encoding"`
	ConfirmBeforeClose bool          `yaml:"confirm_before_close" toml:"confirm_before_close"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level" toml:"level"`
	Sanitize bool   `yaml:"sanitize" toml:"sanitize"`
}

// RecordingConfig holds session recording settings.
type RecordingConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// SecurityConfig holds the code filter and auth lockout settings.
type SecurityConfig struct {
	BlockedPatterns []string      `yaml:"blocked_patterns" toml:"blocked_patterns"`
	AllowedPatterns []string      `yaml:"allowed_patterns" toml:"allowed_patterns"`
	MaxAuthFailures int           `yaml:"max_auth_failures" toml:"max_auth_failures"`
	AuthLockout     time.Duration `yaml:"auth_lockout" toml:"auth_lockout"`
	UseKeyring      bool          `yaml:"use_keyring" toml:"use_keyring"`
	DisableDefaults bool          `yaml:"disable_default_blocklist" toml:"disable_default_blocklist"`
}

// PromptConfig adds patterns to the line classifier.
type PromptConfig struct {
	CustomPatterns []PatternConfig `yaml:"custom_patterns" toml:"custom_patterns"`
}

// PatternConfig is one extra classifier pattern. Role is one of the
// prompt roles, for example desync or boot.
type PatternConfig struct {
	Name  string `yaml:"name" toml:"name"`
	Regex string `yaml:"regex" toml:"regex"`
	Role  string `yaml:"role" toml:"role"`
}

// SyncConfig selects files for folder sync.
type SyncConfig struct {
	Include []string `yaml:"include" toml:"include"`
	Exclude []string `yaml:"exclude" toml:"exclude"`
}

// DefaultConfig returns the configuration used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Devices: map[string]DeviceConfig{},
		Session: SessionConfig{
			CommandTimeout: 10 * time.Second,
			ResetTimeout:   5 * time.Second,
			HandshakeQuiet: 300 * time.Millisecond,
			MaxQueue:       64,
			MaxSessions:    8,
			ChunkSize:      64,
			UploadEncoding: "decimal",
		},
		Logging: LoggingConfig{
			Level:    "info",
			Sanitize: true,
		},
		Security: SecurityConfig{
			MaxAuthFailures: 3,
			AuthLockout:     5 * time.Minute,
		},
		Sync: SyncConfig{
			Include: []string{"**/*.py", "**/*.mpy", "**/*.json"},
			Exclude: []string{"**/__pycache__/**", "**/.*", "**/.*/**"},
		},
	}
}

// Load reads the file at path. The format follows the extension: .toml
// is TOML, anything else YAML. A missing file yields DefaultConfig.
func Load(path string, fsys ports.FileSystem) (*Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	if fsys == nil {
		fsys = realfs.New()
	}

	data, err := fsys.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if isTOML(path) {
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.Devices == nil {
		cfg.Devices = map[string]DeviceConfig{}
	}
	for name, d := range cfg.Devices {
		cfg.Devices[name] = d.withDefaults()
	}
	return cfg, nil
}

// Save writes cfg to path in the format its extension selects.
func Save(cfg *Config, path string, fsys ports.FileSystem) error {
	if fsys == nil {
		fsys = realfs.New()
	}

	var data []byte
	if isTOML(path) {
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = buf.Bytes()
	} else {
		out, err := yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("marshal config: %w", err)
		}
		data = out
	}

	if err := fsys.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	return fsys.WriteFile(path, data, 0o644)
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func (d DeviceConfig) withDefaults() DeviceConfig {
	if d.Transport == "" {
		d.Transport = TransportSerial
	}
	if d.Transport == TransportSerial && d.BaudRate == 0 {
		d.BaudRate = 115200
	}
	return d
}

var encodings = map[string]bool{"decimal": true, "hex": true, "base64": true}

// Validate checks the values Load cannot.
func (c *Config) Validate() error {
	var errs []error
	for _, name := range c.DeviceNames() {
		if err := c.Devices[name].validate(); err != nil {
			errs = append(errs, fmt.Errorf("device %q: %w", name, err))
		}
	}
	if c.Session.ChunkSize < 1 || c.Session.ChunkSize > 512 {
		errs = append(errs, fmt.Errorf("session.chunk_size %d outside 1..512", c.Session.ChunkSize))
	}
	if !encodings[c.Session.UploadEncoding] {
		errs = append(errs, fmt.Errorf("session.upload_encoding %q: want decimal, hex or base64", c.Session.UploadEncoding))
	}
	if c.Session.MaxQueue < 0 {
		errs = append(errs, fmt.Errorf("session.max_queue %d is negative", c.Session.MaxQueue))
	}
	return errors.Join(errs...)
}

func (d DeviceConfig) validate() error {
	switch d.Transport {
	case TransportSerial:
		if d.Port == "" {
			return errors.New("serial transport needs a port")
		}
		if d.BaudRate <= 0 {
			return fmt.Errorf("baud_rate %d must be positive", d.BaudRate)
		}
	case TransportPTY:
	case TransportWebREPL:
		if d.URL == "" {
			return errors.New("webrepl transport needs a url")
		}
	case TransportSSH:
		if d.SSH.Host == "" || d.SSH.User == "" {
			return errors.New("ssh transport needs ssh.host and ssh.user")
		}
	default:
		return fmt.Errorf("unknown transport %q", d.Transport)
	}
	return nil
}

// DeviceNames returns the configured device names in order.
func (c *Config) DeviceNames() []string {
	names := make([]string, 0, len(c.Devices))
	for name := range c.Devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Device returns the named device.
func (c *Config) Device(name string) (DeviceConfig, bool) {
	d, ok := c.Devices[name]
	return d, ok
}

// AddDevice adds a device, failing if the name is taken.
func (c *Config) AddDevice(name string, d DeviceConfig) error {
	if _, ok := c.Devices[name]; ok {
		return fmt.Errorf("device %q already exists", name)
	}
	if c.Devices == nil {
		c.Devices = map[string]DeviceConfig{}
	}
	c.Devices[name] = d.withDefaults()
	return nil
}
