// Package mcp exposes MicroPython boards to MCP clients as tools.
package mcp

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/mark3labs/mcp-go/server"

	"github.com/acolita/micro-repl/internal/adapters/realclock"
	"github.com/acolita/micro-repl/internal/adapters/realfs"
	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/ports"
	"github.com/acolita/micro-repl/internal/recording"
	"github.com/acolita/micro-repl/internal/recovery"
	"github.com/acolita/micro-repl/internal/security"
	"github.com/acolita/micro-repl/internal/session"
	"github.com/acolita/micro-repl/internal/source"
	"github.com/acolita/micro-repl/internal/syncer"
	"github.com/acolita/micro-repl/internal/transport"
)

// Version is reported to MCP clients.
const Version = "0.4.0"

// TransportFactory builds the transport for a named device.
type TransportFactory func(name string, d config.DeviceConfig, deps transport.Deps) (transport.Transport, error)

// Server wraps the MCP server implementation.
type Server struct {
	mcpServer  *server.MCPServer
	manager    sessionManager
	filter     *security.CodeFilter
	limiter    *security.AuthRateLimiter
	passwords  *security.PasswordCache
	recordings *recording.Manager
	analyzer   *recovery.Analyzer
	sources    *source.Opener

	mu         sync.RWMutex
	config     *config.Config
	configPath string

	fs             ports.FileSystem
	clock          ports.Clock
	secrets        security.Secrets
	dialogProvider ports.DialogProvider
	openTransport  TransportFactory
	listPorts      func() ([]transport.PortInfo, error)
	sessionLog     *slog.Logger

	outMu   sync.Mutex
	outputs map[string]*lineBuffer
	devices map[string]string // session ID to device name
	syncers map[string]*syncer.Syncer
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithFileSystem sets the filesystem used for config, sources and recordings.
func WithFileSystem(fs ports.FileSystem) ServerOption {
	return func(s *Server) { s.fs = fs }
}

// WithClock sets the clock used by caches and rate limits.
func WithClock(c ports.Clock) ServerOption {
	return func(s *Server) { s.clock = c }
}

// WithConfigPath enables device_config_add, which saves to path.
func WithConfigPath(path string) ServerOption {
	return func(s *Server) { s.configPath = path }
}

// WithDialogProvider sets the provider that asks the user to confirm
// config changes.
func WithDialogProvider(dp ports.DialogProvider) ServerOption {
	return func(s *Server) { s.dialogProvider = dp }
}

// WithTransportFactory replaces transport.FromConfig.
func WithTransportFactory(f TransportFactory) ServerOption {
	return func(s *Server) { s.openTransport = f }
}

// WithPortLister replaces transport.List.
func WithPortLister(f func() ([]transport.PortInfo, error)) ServerOption {
	return func(s *Server) { s.listPorts = f }
}

// WithSecrets sets where WebREPL and ssh secrets are looked up.
func WithSecrets(sec security.Secrets) ServerOption {
	return func(s *Server) { s.secrets = sec }
}

// WithSessionLogger sets the logger given to device sessions.
func WithSessionLogger(l *slog.Logger) ServerOption {
	return func(s *Server) { s.sessionLog = l }
}

// DefaultRecordingPath is used when recording.path is empty.
func DefaultRecordingPath() string {
	return filepath.Join(os.TempDir(), "micro-repl", "recordings")
}

// NewServer creates a new MCP server with the given configuration.
func NewServer(cfg *config.Config, opts ...ServerOption) *Server {
	mcpServer := server.NewMCPServer(
		"micro-repl",
		Version,
		server.WithToolCapabilities(false),
		server.WithLogging(),
	)

	s := &Server{
		mcpServer:     mcpServer,
		analyzer:      recovery.NewAnalyzer(),
		config:        cfg,
		fs:            realfs.New(),
		clock:         realclock.New(),
		openTransport: transport.FromConfig,
		listPorts:     transport.List,
		outputs:       make(map[string]*lineBuffer),
		devices:       make(map[string]string),
		syncers:       make(map[string]*syncer.Syncer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.secrets.Getenv == nil {
		s.secrets.Getenv = s.fs.Getenv
	}
	if s.sessionLog == nil {
		s.sessionLog = slog.Default()
	}

	s.filter = s.buildFilter(cfg)
	s.limiter = security.NewAuthRateLimiter(cfg.Security.MaxAuthFailures, cfg.Security.AuthLockout, s.clock)
	s.passwords = security.NewPasswordCache(security.DefaultPasswordTTL, s.clock)

	recordingPath := cfg.Recording.Path
	if recordingPath == "" {
		recordingPath = DefaultRecordingPath()
	}
	s.recordings = recording.NewManager(recordingPath, cfg.Recording.Enabled, s.fs, s.clock)
	s.sources = &source.Opener{FS: s.fs, Dial: source.AgentDialer(s.fs, s.clock)}

	maxSessions := cfg.Session.MaxSessions
	s.manager = session.NewManager(maxSessions,
		session.WithRecorder(s.startRecording),
		session.WithStore(session.NewStore(session.WithFileSystem(s.fs))),
		session.WithNow(s.clock.Now),
	)

	s.registerTools()
	s.registerConfigTools()
	return s
}

func (s *Server) buildFilter(cfg *config.Config) *security.CodeFilter {
	block := cfg.Security.BlockedPatterns
	if !cfg.Security.DisableDefaults {
		block = append(security.DefaultBlocklist(), block...)
	}
	f, err := security.NewCodeFilter(block, cfg.Security.AllowedPatterns)
	if err != nil {
		slog.Warn("invalid code filter, using the default blocklist only", slog.String("error", err.Error()))
		f, _ = security.NewCodeFilter(security.DefaultBlocklist(), nil)
	}
	return f
}

// startRecording is the session manager's recorder hook.
func (s *Server) startRecording(id, device string) session.Recorder {
	r, err := s.recordings.Start(id, device)
	if err != nil {
		slog.Warn("recording not started", slog.String("session_id", id), slog.String("error", err.Error()))
		return nil
	}
	if r == nil {
		return nil
	}
	return r
}

// Run starts the MCP server on stdio transport.
func (s *Server) Run() error {
	slog.Info("starting MCP server on stdio transport")
	return server.ServeStdio(s.mcpServer)
}

// Shutdown closes every session and recording.
func (s *Server) Shutdown() error {
	err := s.manager.CloseAll()
	s.recordings.CloseAll()
	s.passwords.Clear()
	return err
}

// UpdateConfig applies a new configuration at runtime. Devices, the code
// filter, auth lockout and recording take effect for new calls; open
// sessions keep their options.
func (s *Server) UpdateConfig(cfg *config.Config) {
	slog.Debug("applying config update")

	block := cfg.Security.BlockedPatterns
	if !cfg.Security.DisableDefaults {
		block = append(security.DefaultBlocklist(), block...)
	}
	if err := s.filter.Update(block, cfg.Security.AllowedPatterns); err != nil {
		slog.Warn("failed to update code filter, keeping previous", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.limiter = security.NewAuthRateLimiter(cfg.Security.MaxAuthFailures, cfg.Security.AuthLockout, s.clock)
	s.config = cfg
	s.mu.Unlock()

	s.recordings.SetEnabled(cfg.Recording.Enabled)
	slog.Info("configuration hot-reloaded successfully")
}

func (s *Server) currentConfig() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.config
}

func (s *Server) authLimiter() *security.AuthRateLimiter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.limiter
}
