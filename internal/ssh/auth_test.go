package ssh

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"golang.org/x/crypto/ssh"

	"github.com/acolita/micro-repl/internal/testing/fakes/fakefs"
)

func privateKeyPEM(t *testing.T, passphrase string) ([]byte, ssh.PublicKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	var block *pem.Block
	if passphrase == "" {
		block, err = ssh.MarshalPrivateKey(priv, "")
	} else {
		block, err = ssh.MarshalPrivateKeyWithPassphrase(priv, "", []byte(passphrase))
	}
	if err != nil {
		t.Fatalf("MarshalPrivateKey() error = %v", err)
	}
	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatalf("NewPublicKey() error = %v", err)
	}
	return pem.EncodeToMemory(block), sshPub
}

func TestBuildAuthMethods(t *testing.T) {
	plain, _ := privateKeyPEM(t, "")
	locked, _ := privateKeyPEM(t, "hunter2")

	tests := []struct {
		name    string
		files   map[string][]byte
		cfg     AuthConfig
		want    int
		wantErr bool
	}{
		{
			name:  "explicit key",
			files: map[string][]byte{"/keys/board": plain},
			cfg:   AuthConfig{KeyPath: "/keys/board"},
			want:  1,
		},
		{
			name:  "encrypted key with passphrase",
			files: map[string][]byte{"/keys/board": locked},
			cfg:   AuthConfig{KeyPath: "/keys/board", Passphrase: "hunter2"},
			want:  1,
		},
		{
			name:    "encrypted key without passphrase",
			files:   map[string][]byte{"/keys/board": locked},
			cfg:     AuthConfig{KeyPath: "/keys/board"},
			wantErr: true,
		},
		{
			name:    "missing explicit key",
			cfg:     AuthConfig{KeyPath: "/nope"},
			wantErr: true,
		},
		{
			name:  "default key location",
			files: map[string][]byte{"/home/test/.ssh/id_ecdsa": plain},
			cfg:   AuthConfig{},
			want:  1,
		},
		{
			name:  "identity from ssh config",
			files: map[string][]byte{
				"/home/test/.ssh/config": []byte("Host pi-*\n  IdentityFile ~/.ssh/pi_key\n"),
				"/home/test/.ssh/pi_key": plain,
			},
			cfg:  AuthConfig{Host: "pi-lab"},
			want: 1,
		},
		{
			name: "password adds keyboard interactive",
			cfg:  AuthConfig{Password: "raspberry"},
			want: 2,
		},
		{
			name:    "nothing available",
			cfg:     AuthConfig{},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fs := fakefs.New()
			for name, data := range tt.files {
				fs.AddFile(name, data, 0o600)
			}
			tt.cfg.FS = fs

			methods, err := BuildAuthMethods(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("BuildAuthMethods() error = %v, wantErr %v", err, tt.wantErr)
			}
			if len(methods) != tt.want {
				t.Errorf("len(methods) = %d, want %d", len(methods), tt.want)
			}
		})
	}
}

func TestBuildAuthMethodsNoneIsSentinel(t *testing.T) {
	_, err := BuildAuthMethods(AuthConfig{FS: fakefs.New()})
	if !errors.Is(err, ErrNoAuthMethods) {
		t.Errorf("error = %v, want ErrNoAuthMethods", err)
	}
}

func TestMatchHostPattern(t *testing.T) {
	tests := []struct {
		host, patterns string
		want           bool
	}{
		{"pi", "pi", true},
		{"pi", "*", true},
		{"pi-lab", "pi-*", true},
		{"pi-lab", "pi-???", true},
		{"pi-lab", "pi-??", false},
		{"esp.local", "*.local !esp.local", false},
		{"rp.local", "*.local !esp.local", true},
		{"other", "pi esp", false},
		{"esp", "pi esp", true},
	}
	for _, tt := range tests {
		t.Run(tt.host+"/"+tt.patterns, func(t *testing.T) {
			if got := matchHostPattern(tt.host, tt.patterns); got != tt.want {
				t.Errorf("matchHostPattern(%q, %q) = %v, want %v", tt.host, tt.patterns, got, tt.want)
			}
		})
	}
}

func TestBuildHostKeyCallback(t *testing.T) {
	fs := fakefs.New()
	if _, err := BuildHostKeyCallback(fs, "", false); !errors.Is(err, ErrNoKnownHosts) {
		t.Errorf("missing known_hosts error = %v, want ErrNoKnownHosts", err)
	}

	cb, err := BuildHostKeyCallback(fs, "", true)
	if err != nil || cb == nil {
		t.Fatalf("insecure callback = %v, %v", cb, err)
	}

	_, pub := privateKeyPEM(t, "")
	path := filepath.Join(t.TempDir(), "known_hosts")
	line := "[127.0.0.1]:2222 " + string(ssh.MarshalAuthorizedKey(pub))
	if err := os.WriteFile(path, []byte(line), 0o600); err != nil {
		t.Fatal(err)
	}
	fs.AddFile(path, []byte(line), 0o600)

	cb, err = BuildHostKeyCallback(fs, path, false)
	if err != nil {
		t.Fatalf("BuildHostKeyCallback() error = %v", err)
	}
	_, otherPub := privateKeyPEM(t, "")
	addr := &fakeAddr{"127.0.0.1:2222"}
	if err := cb("127.0.0.1:2222", addr, pub); err != nil {
		t.Errorf("known key rejected: %v", err)
	}
	if err := cb("127.0.0.1:2222", addr, otherPub); err == nil {
		t.Error("unknown key accepted")
	}
}

type fakeAddr struct{ s string }

func (a *fakeAddr) Network() string { return "tcp" }
func (a *fakeAddr) String() string  { return a.s }
