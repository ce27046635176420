package transport

import (
	"fmt"

	"github.com/acolita/micro-repl/internal/adapters/realfs"
	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/ports"
	"github.com/acolita/micro-repl/internal/security"
	"github.com/acolita/micro-repl/internal/ssh"
)

// Deps are the collaborators FromConfig wires into transports.
type Deps struct {
	FS      ports.FileSystem
	Clock   ports.Clock
	Secrets security.Secrets
	Limiter AuthLimiter
	// Password overrides the configured WebREPL or ssh password.
	Password string
	// LockDir holds serial port lock files.
	LockDir string
}

// FromConfig builds the transport for the named device.
func FromConfig(name string, d config.DeviceConfig, deps Deps) (Transport, error) {
	if deps.FS == nil {
		deps.FS = realfs.New()
	}
	if deps.Secrets.Getenv == nil {
		deps.Secrets.Getenv = deps.FS.Getenv
	}

	switch d.Transport {
	case config.TransportSerial, "":
		if d.Port == "" {
			return nil, fmt.Errorf("device %q: serial transport needs a port", name)
		}
		s := NewSerial(d.Port, Mode{BaudRate: d.BaudRate, DataBits: d.DataBits, Parity: d.Parity, StopBits: d.StopBits})
		s.LockDir = deps.LockDir
		if _, err := s.Mode.serialMode(); err != nil {
			return nil, fmt.Errorf("device %q: %w", name, err)
		}
		return s, nil

	case config.TransportPTY:
		return NewPTY(d.Command, d.Args...), nil

	case config.TransportWebREPL:
		password, err := deps.secret(d.PasswordEnv, security.WebREPLKey(name))
		if err != nil {
			return nil, fmt.Errorf("device %q: %w", name, err)
		}
		w := NewWebREPL(d.URL, password)
		w.Limiter = deps.Limiter
		return w, nil

	case config.TransportSSH:
		opts, err := sshOptions(name, d.SSH, deps)
		if err != nil {
			return nil, err
		}
		return NewSSHBridge(opts, d.SSH.BridgeCommand), nil
	}
	return nil, fmt.Errorf("device %q: unknown transport %q", name, d.Transport)
}

func (deps Deps) secret(env, key string) (string, error) {
	if deps.Password != "" {
		return deps.Password, nil
	}
	return deps.Secrets.Lookup(env, key)
}

func sshOptions(name string, c config.SSHConfig, deps Deps) (ssh.Options, error) {
	password, err := deps.secret(c.PasswordEnv, security.SSHPasswordKey(c.User, c.Host))
	if err != nil {
		return ssh.Options{}, fmt.Errorf("device %q: %w", name, err)
	}
	var passphrase string
	if c.KeyPath != "" {
		passphrase, err = deps.Secrets.Lookup(c.PassphraseEnv, security.SSHPassphraseKey(c.KeyPath))
		if err != nil {
			return ssh.Options{}, fmt.Errorf("device %q: %w", name, err)
		}
	}

	auth, err := ssh.BuildAuthMethods(ssh.AuthConfig{
		KeyPath:    c.KeyPath,
		Passphrase: passphrase,
		UseAgent:   c.UseAgent,
		Password:   password,
		Host:       c.Host,
		FS:         deps.FS,
	})
	if err != nil {
		return ssh.Options{}, fmt.Errorf("device %q: %w", name, err)
	}
	hostKey, err := ssh.BuildHostKeyCallback(deps.FS, c.KnownHosts, c.InsecureHostKey)
	if err != nil {
		return ssh.Options{}, fmt.Errorf("device %q: %w", name, err)
	}
	return ssh.Options{
		Host:            c.Host,
		Port:            c.Port,
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKey,
		Clock:           deps.Clock,
	}, nil
}
