package mockssh

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
)

func dial(t *testing.T, s *Server, user, password string) (*ssh.Client, error) {
	t.Helper()
	return ssh.Dial("tcp", s.Addr(), &ssh.ClientConfig{
		User:            user,
		Auth:            []ssh.AuthMethod{ssh.Password(password)},
		HostKeyCallback: ssh.FixedHostKey(s.HostKey()),
		Timeout:         5 * time.Second,
	})
}

func TestServerStartStop(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	if s.Host() != "127.0.0.1" {
		t.Errorf("Host() = %q, want 127.0.0.1", s.Host())
	}
	if s.Port() == 0 {
		t.Error("Port() = 0")
	}
}

func TestServerAuthentication(t *testing.T) {
	s, err := New(WithUser("pi", "raspberry"))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	c, err := dial(t, s, "pi", "raspberry")
	if err != nil {
		t.Fatalf("dial with right password error = %v", err)
	}
	c.Close()

	if c, err := dial(t, s, "pi", "wrong"); err == nil {
		c.Close()
		t.Error("dial with wrong password succeeded")
	}
}

func TestServerExec(t *testing.T) {
	s, err := New(WithExec(func(command string, rw io.ReadWriter) int {
		buf := make([]byte, 5)
		io.ReadFull(rw, buf)
		rw.Write(bytes.ToUpper(buf))
		return 0
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	defer s.Close()

	c, err := dial(t, s, "test", "test")
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer c.Close()

	sess, err := c.NewSession()
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	sess.Stdin = bytes.NewBufferString("hello")
	out, err := sess.Output("socat - /dev/ttyACM0")
	if err != nil {
		t.Fatalf("Output() error = %v", err)
	}
	if string(out) != "HELLO" {
		t.Errorf("Output() = %q, want HELLO", out)
	}
	if got := s.Commands(); len(got) != 1 || got[0] != "socat - /dev/ttyACM0" {
		t.Errorf("Commands() = %q", got)
	}
}

func TestServerClosedRefusesConnections(t *testing.T) {
	s, err := New()
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	addr := s.Addr()
	s.Close()

	if conn, err := net.DialTimeout("tcp", addr, time.Second); err == nil {
		conn.Close()
		t.Error("connection accepted after Close")
	}
}
