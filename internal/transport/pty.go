package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/creack/pty"
)

// DefaultPTYCommand is the MicroPython unix port binary.
const DefaultPTYCommand = "micropython"

// PTY runs the MicroPython unix port under a pseudo terminal. The unix
// port exits on Ctrl-D at an empty prompt instead of soft rebooting, so
// a reset ends the stream.
type PTY struct {
	Command string
	Args    []string
	Dir     string
	Env     []string

	mu   sync.Mutex
	cmd  *exec.Cmd
	ptmx *os.File
}

// NewPTY creates a PTY transport for command.
func NewPTY(command string, args ...string) *PTY {
	return &PTY{Command: command, Args: args}
}

// Describe implements Describer.
func (p *PTY) Describe() string {
	return "pty:" + strings.Join(append([]string{p.command()}, p.Args...), " ")
}

func (p *PTY) command() string {
	if p.Command == "" {
		return DefaultPTYCommand
	}
	return p.Command
}

// Open starts the process. TERM=dumb keeps line editing escapes out of
// the stream.
func (p *PTY) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ptmx != nil {
		return nil
	}

	path, err := exec.LookPath(p.command())
	if err != nil {
		return fmt.Errorf("find %s: %w", p.command(), err)
	}

	// The process outlives Open, so ctx only bounds the start.
	if err := ctx.Err(); err != nil {
		return err
	}
	cmd := exec.Command(path, p.Args...)
	cmd.Dir = p.Dir
	cmd.Env = append(os.Environ(), "TERM=dumb", "NO_COLOR=1")
	cmd.Env = append(cmd.Env, p.Env...)

	ptmx, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 200})
	if err != nil {
		return fmt.Errorf("start pty: %w", err)
	}
	p.cmd, p.ptmx = cmd, ptmx
	return nil
}

func (p *PTY) file() *os.File {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ptmx
}

// Read implements Transport. A process exit surfaces as io.EOF.
func (p *PTY) Read(b []byte) (int, error) {
	f := p.file()
	if f == nil {
		return 0, io.EOF
	}
	n, err := f.Read(b)
	if err != nil && (errors.Is(err, os.ErrClosed) || isPTYHangup(err)) {
		return n, io.EOF
	}
	return n, err
}

// Write implements Transport.
func (p *PTY) Write(b []byte) (int, error) {
	f := p.file()
	if f == nil {
		return 0, ErrClosed
	}
	return f.Write(b)
}

// Close closes the terminal and kills the process.
func (p *PTY) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ptmx == nil {
		return nil
	}

	var errs []error
	if err := p.ptmx.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close pty: %w", err))
	}
	if p.cmd.Process != nil {
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			errs = append(errs, fmt.Errorf("kill process: %w", err))
		}
		_ = p.cmd.Wait()
	}
	p.cmd, p.ptmx = nil, nil
	return errors.Join(errs...)
}

// IsOpen implements Transport.
func (p *PTY) IsOpen() bool {
	return p.file() != nil
}

// Linux reports EIO on the master once the child side is gone.
func isPTYHangup(err error) bool {
	var perr *os.PathError
	return errors.As(err, &perr) && strings.Contains(perr.Err.Error(), "input/output error")
}
