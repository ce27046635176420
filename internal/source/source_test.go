package source

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	xssh "golang.org/x/crypto/ssh"

	"github.com/acolita/micro-repl/internal/ssh"
	"github.com/acolita/micro-repl/internal/testing/fakes/fakefs"
	"github.com/acolita/micro-repl/internal/testing/mockssh"
)

func TestParse(t *testing.T) {
	tests := []struct {
		ref        string
		want       Remote
		wantRemote bool
		wantErr    bool
	}{
		{ref: "main.py"},
		{ref: "/src/lib/util.py"},
		{ref: "sftp://lab.local/home/pi/main.py", want: Remote{Host: "lab.local", Path: "/home/pi/main.py"}, wantRemote: true},
		{ref: "sftp://pi@lab.local:2222/fw/boot.py", want: Remote{User: "pi", Host: "lab.local", Port: 2222, Path: "/fw/boot.py"}, wantRemote: true},
		{ref: "sftp://lab.local/", wantRemote: true, wantErr: true},
		{ref: "sftp:///main.py", wantRemote: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			got, remote, err := Parse(tt.ref)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Parse() error = %v, wantErr %v", err, tt.wantErr)
			}
			if remote != tt.wantRemote {
				t.Errorf("remote = %v, want %v", remote, tt.wantRemote)
			}
			if err == nil && got != tt.want {
				t.Errorf("Parse() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestOpenLocal(t *testing.T) {
	fs := fakefs.New()
	fs.AddFile("/proj/main.py", []byte("print('hi')\n"), 0o644)
	fs.MkdirAll("/proj/lib", 0o755)
	o := &Opener{FS: fs}

	f, err := o.Open(context.Background(), "/proj/main.py")
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	data, _ := io.ReadAll(f)
	if string(data) != "print('hi')\n" || f.Size != int64(len(data)) || f.Name != "main.py" {
		t.Errorf("file = %q size %d name %q", data, f.Size, f.Name)
	}
	if err := f.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}

	if _, err := o.Open(context.Background(), "/proj/lib"); !errors.Is(err, ErrIsDirectory) {
		t.Errorf("Open(dir) error = %v, want ErrIsDirectory", err)
	}
	if _, err := o.Open(context.Background(), "/proj/missing.py"); err == nil {
		t.Error("Open(missing) error = nil")
	}
}

func TestOpenRemoteNotConfigured(t *testing.T) {
	o := &Opener{FS: fakefs.New()}
	if _, err := o.Open(context.Background(), "sftp://lab/x.py"); err == nil {
		t.Error("Open() without Dial error = nil")
	}
}

func TestOpenRemote(t *testing.T) {
	dir := t.TempDir()
	content := []byte("import machine\nmachine.Pin(25, machine.Pin.OUT).on()\n")
	if err := os.WriteFile(filepath.Join(dir, "blink.py"), content, 0o644); err != nil {
		t.Fatal(err)
	}

	srv, err := mockssh.New(mockssh.WithSFTP(dir))
	if err != nil {
		t.Fatalf("mockssh.New() error = %v", err)
	}
	defer srv.Close()

	var dialed Remote
	o := &Opener{Dial: func(ctx context.Context, r Remote) (*ssh.Client, error) {
		dialed = r
		return ssh.Dial(ctx, ssh.Options{
			Host:            srv.Host(),
			Port:            srv.Port(),
			User:            "test",
			Auth:            []xssh.AuthMethod{xssh.Password("test")},
			HostKeyCallback: xssh.FixedHostKey(srv.HostKey()),
			Timeout:         5 * time.Second,
		})
	}}

	ref := "sftp://pi@lab.local" + filepath.ToSlash(filepath.Join(dir, "blink.py"))
	f, err := o.Open(context.Background(), ref)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer f.Close()

	if dialed.User != "pi" || dialed.Host != "lab.local" {
		t.Errorf("dialed %+v", dialed)
	}
	if f.Size != int64(len(content)) || f.Name != "blink.py" {
		t.Errorf("Size = %d, Name = %q", f.Size, f.Name)
	}
	got, err := io.ReadAll(f)
	if err != nil || string(got) != string(content) {
		t.Errorf("ReadAll() = %q, %v", got, err)
	}

	missing := "sftp://lab.local" + filepath.ToSlash(filepath.Join(dir, "nope.py"))
	if _, err := o.Open(context.Background(), missing); err == nil {
		t.Error("Open(missing remote) error = nil")
	}
	if _, err := o.Open(context.Background(), "sftp://lab.local"+filepath.ToSlash(dir)); !errors.Is(err, ErrIsDirectory) {
		t.Errorf("Open(remote dir) error = %v, want ErrIsDirectory", err)
	}
}
