package ssh

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/acolita/micro-repl/internal/adapters/realfs"
	"github.com/acolita/micro-repl/internal/ports"
)

// ErrNoAuthMethods is returned when no key, agent or password is usable.
var ErrNoAuthMethods = errors.New("no ssh authentication methods available")

// ErrNoKnownHosts is returned when host keys cannot be verified.
var ErrNoKnownHosts = errors.New("known_hosts not found; set insecure_host_key to skip verification")

var defaultKeys = []string{"~/.ssh/id_ed25519", "~/.ssh/id_ecdsa", "~/.ssh/id_rsa"}

// AuthConfig selects the ways to authenticate to the bridge host.
type AuthConfig struct {
	KeyPath    string
	Passphrase string
	UseAgent   bool
	Password   string
	// Host is looked up in ~/.ssh/config for an IdentityFile.
	Host string
	FS   ports.FileSystem
}

// BuildAuthMethods returns the auth methods for cfg in the order the
// server should try them: agent, key file, password.
func BuildAuthMethods(cfg AuthConfig) ([]ssh.AuthMethod, error) {
	fs := cfg.FS
	if fs == nil {
		fs = realfs.New()
	}
	var methods []ssh.AuthMethod

	if cfg.UseAgent {
		if m, err := agentAuth(fs); err == nil {
			methods = append(methods, m)
		}
	}

	keyPath := cfg.KeyPath
	if keyPath == "" && cfg.Host != "" {
		keyPath = identityFile(fs, cfg.Host)
	}
	switch {
	case keyPath != "":
		m, err := privateKeyAuth(fs, keyPath, cfg.Passphrase)
		if err != nil && cfg.KeyPath != "" {
			return nil, fmt.Errorf("private key auth: %w", err)
		}
		if err == nil {
			methods = append(methods, m)
		}
	case cfg.Password == "" && len(methods) == 0:
		for _, p := range defaultKeys {
			if m, err := privateKeyAuth(fs, p, cfg.Passphrase); err == nil {
				methods = append(methods, m)
				break
			}
		}
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password), keyboardInteractive(cfg.Password))
	}
	if len(methods) == 0 {
		return nil, ErrNoAuthMethods
	}
	return methods, nil
}

func agentAuth(fs ports.FileSystem) (ssh.AuthMethod, error) {
	socket := fs.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, errors.New("SSH_AUTH_SOCK not set")
	}
	conn, err := net.Dial("unix", socket)
	if err != nil {
		return nil, fmt.Errorf("dial agent: %w", err)
	}
	return ssh.PublicKeysCallback(agent.NewClient(conn).Signers), nil
}

func privateKeyAuth(fs ports.FileSystem, keyPath, passphrase string) (ssh.AuthMethod, error) {
	data, err := fs.ReadFile(expandHome(fs, keyPath))
	if err != nil {
		return nil, fmt.Errorf("read key file: %w", err)
	}
	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(data, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(data)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return ssh.PublicKeys(signer), nil
}

func keyboardInteractive(password string) ssh.AuthMethod {
	return ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
		answers := make([]string, len(questions))
		for i := range questions {
			answers[i] = password
		}
		return answers, nil
	})
}

// BuildHostKeyCallback verifies host keys against knownHosts (default
// ~/.ssh/known_hosts). Verification is skipped only when insecure is set.
func BuildHostKeyCallback(fs ports.FileSystem, knownHosts string, insecure bool) (ssh.HostKeyCallback, error) {
	if insecure {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	if fs == nil {
		fs = realfs.New()
	}
	if knownHosts == "" {
		knownHosts = "~/.ssh/known_hosts"
	}
	expanded := expandHome(fs, knownHosts)
	if _, err := fs.Stat(expanded); errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoKnownHosts
	}
	cb, err := knownhosts.New(expanded)
	if err != nil {
		return nil, fmt.Errorf("parse known_hosts: %w", err)
	}
	return cb, nil
}

func expandHome(fs ports.FileSystem, p string) string {
	if strings.HasPrefix(p, "~/") {
		if home, err := fs.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return p
}

// identityFile returns the first IdentityFile that ~/.ssh/config gives
// for host.
func identityFile(fs ports.FileSystem, host string) string {
	data, err := fs.ReadFile(expandHome(fs, "~/.ssh/config"))
	if err != nil {
		return ""
	}

	matches := false
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		value := strings.Join(fields[1:], " ")
		switch strings.ToLower(fields[0]) {
		case "host":
			matches = matchHostPattern(host, value)
		case "identityfile":
			if matches {
				return expandHome(fs, value)
			}
		}
	}
	return ""
}

// matchHostPattern matches host against a space separated list of
// ssh_config patterns. A leading ! negates a pattern.
func matchHostPattern(host, patterns string) bool {
	matched := false
	for _, p := range strings.Fields(patterns) {
		if neg, ok := strings.CutPrefix(p, "!"); ok {
			if globMatch(neg, host) {
				return false
			}
			continue
		}
		if globMatch(p, host) {
			matched = true
		}
	}
	return matched
}

// globMatch supports * and ? only.
func globMatch(pattern, s string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case '*':
			for len(pattern) > 0 && pattern[0] == '*' {
				pattern = pattern[1:]
			}
			if pattern == "" {
				return true
			}
			for i := 0; i <= len(s); i++ {
				if globMatch(pattern, s[i:]) {
					return true
				}
			}
			return false
		case '?':
			if s == "" {
				return false
			}
		default:
			if s == "" || s[0] != pattern[0] {
				return false
			}
		}
		pattern, s = pattern[1:], s[1:]
	}
	return s == ""
}
