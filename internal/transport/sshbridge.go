package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	xssh "golang.org/x/crypto/ssh"

	"github.com/acolita/micro-repl/internal/ssh"
)

// DefaultBridgeCommand relays a serial port on the remote host to the
// session's stdin and stdout.
const DefaultBridgeCommand = "socat -,raw,echo=0 /dev/ttyACM0,raw,echo=0,b115200"

// SSHBridge reaches a board attached to another machine by running a
// relay command there over ssh.
type SSHBridge struct {
	SSH     ssh.Options
	Command string

	mu      sync.Mutex
	client  *ssh.Client
	session *xssh.Session
	stdin   io.WriteCloser
	stdout  io.Reader
}

// NewSSHBridge creates a bridge that runs command on the host in opts.
func NewSSHBridge(opts ssh.Options, command string) *SSHBridge {
	return &SSHBridge{SSH: opts, Command: command}
}

// Describe implements Describer.
func (b *SSHBridge) Describe() string {
	return "ssh://" + b.SSH.User + "@" + b.SSH.Host + " " + b.command()
}

func (b *SSHBridge) command() string {
	if b.Command == "" {
		return DefaultBridgeCommand
	}
	return b.Command
}

// Open dials the host and starts the relay command.
func (b *SSHBridge) Open(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}

	client, err := ssh.Dial(ctx, b.SSH)
	if err != nil {
		return err
	}
	sess, err := client.NewSession()
	if err != nil {
		client.Close()
		return err
	}
	stdin, err := sess.StdinPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return fmt.Errorf("bridge stdin: %w", err)
	}
	stdout, err := sess.StdoutPipe()
	if err != nil {
		sess.Close()
		client.Close()
		return fmt.Errorf("bridge stdout: %w", err)
	}
	if err := sess.Start(b.command()); err != nil {
		sess.Close()
		client.Close()
		return fmt.Errorf("start %q: %w", b.command(), err)
	}

	b.client, b.session = client, sess
	b.stdin, b.stdout = stdin, stdout
	return nil
}

func (b *SSHBridge) pipes() (io.WriteCloser, io.Reader) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stdin, b.stdout
}

// Read implements Transport. The relay exiting surfaces as io.EOF.
func (b *SSHBridge) Read(p []byte) (int, error) {
	_, r := b.pipes()
	if r == nil {
		return 0, io.EOF
	}
	return r.Read(p)
}

// Write implements Transport.
func (b *SSHBridge) Write(p []byte) (int, error) {
	w, _ := b.pipes()
	if w == nil {
		return 0, ErrClosed
	}
	n, err := w.Write(p)
	if err != nil {
		return n, fmt.Errorf("bridge write: %w", err)
	}
	return n, nil
}

// Close stops the relay and closes the connection.
func (b *SSHBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		return nil
	}

	var errs []error
	b.stdin.Close()
	if err := b.session.Close(); err != nil && !errors.Is(err, io.EOF) {
		errs = append(errs, err)
	}
	if err := b.client.Close(); err != nil {
		errs = append(errs, err)
	}
	b.client, b.session, b.stdin, b.stdout = nil, nil, nil, nil
	return errors.Join(errs...)
}

// IsOpen implements Transport.
func (b *SSHBridge) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client != nil
}
