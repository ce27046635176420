package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/acolita/micro-repl/internal/testing/fakes/fakefs"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Session.CommandTimeout != 10*time.Second {
		t.Errorf("CommandTimeout = %v, want 10s", cfg.Session.CommandTimeout)
	}
	if cfg.Session.ChunkSize != 64 {
		t.Errorf("ChunkSize = %d, want 64", cfg.Session.ChunkSize)
	}
	if cfg.Session.UploadEncoding != "decimal" {
		t.Errorf("UploadEncoding = %q, want decimal", cfg.Session.UploadEncoding)
	}
	if !cfg.Logging.Sanitize {
		t.Error("Logging.Sanitize = false, want true")
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() on defaults = %v", err)
	}
}

func TestDefaultConfigPath(t *testing.T) {
	fs := fakefs.New()
	if got, want := DefaultConfigPath(fs), "/home/test/.config/micro-repl/config.yaml"; got != want {
		t.Errorf("DefaultConfigPath() = %q, want %q", got, want)
	}
	fs.SetEnv("XDG_CONFIG_HOME", "/xdg")
	if got, want := DefaultConfigPath(fs), "/xdg/micro-repl/config.yaml"; got != want {
		t.Errorf("DefaultConfigPath() = %q, want %q", got, want)
	}
}

func TestLoadMissingFileIsDefault(t *testing.T) {
	cfg, err := Load("/nonexistent/config.yaml", fakefs.New())
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Session.MaxQueue != DefaultConfig().Session.MaxQueue {
		t.Errorf("MaxQueue = %d, want default", cfg.Session.MaxQueue)
	}
}

const yamlConfig = `
devices:
  pico:
    port: /dev/ttyACM0
  esp:
    transport: webrepl
    url: ws://esp.local:8266/
    password_env: ESP_WEBREPL
  lab:
    transport: ssh
    ssh:
      host: lab.local
      user: pi
      bridge_command: picocom -q -b 115200 /dev/ttyUSB0
session:
  command_timeout: 3s
  chunk_size: 128
  upload_encoding: base64
security:
  blocked_patterns: ["machine\\.deepsleep"]
prompt_detection:
  custom_patterns:
    - name: watchdog
      regex: "^WDT reset"
      role: desync
`

const tomlConfig = `
[devices.pico]
port = "/dev/ttyACM0"

[devices.esp]
transport = "webrepl"
url = "ws://esp.local:8266/"
password_env = "ESP_WEBREPL"

[devices.lab]
transport = "ssh"
[devices.lab.ssh]
host = "lab.local"
user = "pi"
bridge_command = "picocom -q -b 115200 /dev/ttyUSB0"

[session]
command_timeout = "3s"
chunk_size = 128
upload_encoding = "base64"

[security]
blocked_patterns = ['machine\.deepsleep']

[[prompt_detection.custom_patterns]]
name = "watchdog"
regex = "^WDT reset"
role = "desync"
`

func TestLoadFormats(t *testing.T) {
	tests := []struct {
		name string
		path string
		data string
	}{
		{"yaml", "/etc/micro-repl/config.yaml", yamlConfig},
		{"toml", "/etc/micro-repl/config.toml", tomlConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := fakefs.New()
			fs.AddFile(tt.path, []byte(tt.data), 0o644)

			cfg, err := Load(tt.path, fs)
			if err != nil {
				t.Fatalf("Load() error = %v", err)
			}
			if err := cfg.Validate(); err != nil {
				t.Fatalf("Validate() error = %v", err)
			}

			pico, ok := cfg.Device("pico")
			if !ok || pico.Transport != TransportSerial || pico.BaudRate != 115200 {
				t.Errorf("pico = %+v, want serial at 115200", pico)
			}
			if esp := cfg.Devices["esp"]; esp.URL != "ws://esp.local:8266/" || esp.PasswordEnv != "ESP_WEBREPL" {
				t.Errorf("esp = %+v", esp)
			}
			if lab := cfg.Devices["lab"]; lab.SSH.User != "pi" || !strings.HasPrefix(lab.SSH.BridgeCommand, "picocom") {
				t.Errorf("lab = %+v", lab)
			}
			if cfg.Session.CommandTimeout != 3*time.Second {
				t.Errorf("CommandTimeout = %v, want 3s", cfg.Session.CommandTimeout)
			}
			if cfg.Session.ResetTimeout != 5*time.Second {
				t.Errorf("ResetTimeout = %v, want default 5s", cfg.Session.ResetTimeout)
			}
			if cfg.Session.UploadEncoding != "base64" || cfg.Session.ChunkSize != 128 {
				t.Errorf("Session = %+v", cfg.Session)
			}
			if got := cfg.Security.BlockedPatterns; len(got) != 1 || got[0] != `machine\.deepsleep` {
				t.Errorf("BlockedPatterns = %q", got)
			}
			if got := cfg.PromptDetection.CustomPatterns; len(got) != 1 || got[0].Role != "desync" {
				t.Errorf("CustomPatterns = %+v", got)
			}
			if got := strings.Join(cfg.DeviceNames(), ","); got != "esp,lab,pico" {
				t.Errorf("DeviceNames() = %q", got)
			}
		})
	}
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name, path, data string
	}{
		{"yaml", "/c.yaml", ":::invalid:::yaml{{{"},
		{"toml", "/c.toml", "[devices\nport ="},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := fakefs.New()
			fs.AddFile(tt.path, []byte(tt.data), 0o644)
			if _, err := Load(tt.path, fs); err == nil {
				t.Error("Load() error = nil, want parse error")
			}
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"unknown transport", func(c *Config) {
			c.Devices["x"] = DeviceConfig{Transport: "bluetooth"}
		}, "unknown transport"},
		{"zero baud", func(c *Config) {
			c.Devices["x"] = DeviceConfig{Transport: TransportSerial, Port: "/dev/ttyUSB0", BaudRate: -1}
		}, "baud_rate"},
		{"serial without port", func(c *Config) {
			c.Devices["x"] = DeviceConfig{Transport: TransportSerial, BaudRate: 9600}
		}, "needs a port"},
		{"chunk too big", func(c *Config) { c.Session.ChunkSize = 513 }, "chunk_size"},
		{"chunk zero", func(c *Config) { c.Session.ChunkSize = 0 }, "chunk_size"},
		{"bad encoding", func(c *Config) { c.Session.UploadEncoding = "uu" }, "upload_encoding"},
		{"ssh without user", func(c *Config) {
			c.Devices["x"] = DeviceConfig{Transport: TransportSSH, SSH: SSHConfig{Host: "h"}}
		}, "ssh.user"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Validate() = %v, want error containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestAddDeviceAndSave(t *testing.T) {
	fs := fakefs.New()
	cfg := DefaultConfig()

	if err := cfg.AddDevice("pico", DeviceConfig{Port: "/dev/ttyACM0"}); err != nil {
		t.Fatalf("AddDevice() error = %v", err)
	}
	if err := cfg.AddDevice("pico", DeviceConfig{Port: "/dev/ttyACM1"}); err == nil {
		t.Error("AddDevice() duplicate error = nil")
	}

	for _, path := range []string{"/cfg/config.yaml", "/cfg/config.toml"} {
		if err := Save(cfg, path, fs); err != nil {
			t.Fatalf("Save(%s) error = %v", path, err)
		}
		loaded, err := Load(path, fs)
		if err != nil {
			t.Fatalf("Load(%s) error = %v", path, err)
		}
		if d := loaded.Devices["pico"]; d.Port != "/dev/ttyACM0" || d.BaudRate != 115200 {
			t.Errorf("%s: pico = %+v", path, d)
		}
		if loaded.Session.HandshakeQuiet != 300*time.Millisecond {
			t.Errorf("%s: HandshakeQuiet = %v", path, loaded.Session.HandshakeQuiet)
		}
	}
}

func TestWatcherReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("session:\n  chunk_size: 32\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var seen []int
	w, err := NewWatcher(path, nil, func(c *Config) {
		mu.Lock()
		seen = append(seen, c.Session.ChunkSize)
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("NewWatcher() error = %v", err)
	}
	defer w.Close()

	if got := w.Config().Session.ChunkSize; got != 32 {
		t.Fatalf("initial ChunkSize = %d, want 32", got)
	}

	// An invalid file is ignored.
	if err := os.WriteFile(path, []byte("session:\n  chunk_size: 9999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)
	if got := w.Config().Session.ChunkSize; got != 32 {
		t.Errorf("ChunkSize after invalid write = %d, want 32", got)
	}

	if err := os.WriteFile(path, []byte("session:\n  chunk_size: 256\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for w.Config().Session.ChunkSize != 256 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := w.Config().Session.ChunkSize; got != 256 {
		t.Errorf("ChunkSize after reload = %d, want 256", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) == 0 || seen[len(seen)-1] != 256 {
		t.Errorf("onChange saw %v, want last 256", seen)
	}

	if err := w.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := w.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
}
