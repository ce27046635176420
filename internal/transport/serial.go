package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"go.bug.st/serial"
)

// ErrPortLocked is returned when another process owns the serial port.
var ErrPortLocked = errors.New("serial port is in use by another process")

const defaultReadTimeout = 100 * time.Millisecond

// Mode is the line configuration of a serial port.
type Mode struct {
	BaudRate int
	DataBits int
	// Parity is none, even, odd, mark or space.
	Parity string
	// StopBits is 1, 15 (1.5) or 2.
	StopBits int
}

func (m Mode) serialMode() (*serial.Mode, error) {
	out := &serial.Mode{BaudRate: m.BaudRate, DataBits: m.DataBits}
	if out.BaudRate <= 0 {
		out.BaudRate = 115200
	}
	if out.DataBits == 0 {
		out.DataBits = 8
	}

	switch strings.ToLower(m.Parity) {
	case "", "none", "n":
		out.Parity = serial.NoParity
	case "even", "e":
		out.Parity = serial.EvenParity
	case "odd", "o":
		out.Parity = serial.OddParity
	case "mark", "m":
		out.Parity = serial.MarkParity
	case "space", "s":
		out.Parity = serial.SpaceParity
	default:
		return nil, fmt.Errorf("unknown parity %q", m.Parity)
	}

	switch m.StopBits {
	case 0, 1:
		out.StopBits = serial.OneStopBit
	case 15:
		out.StopBits = serial.OnePointFiveStopBits
	case 2:
		out.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("unsupported stop bits %d", m.StopBits)
	}
	return out, nil
}

// Serial is a USB or UART serial port. A lock file keeps two processes
// from driving the same board.
type Serial struct {
	Port        string
	Mode        Mode
	LockDir     string
	ReadTimeout time.Duration

	openPort func(name string, mode *serial.Mode) (serial.Port, error)

	mu     sync.Mutex
	port   serial.Port
	lock   *flock.Flock
	closed chan struct{}
}

// NewSerial creates a serial transport for port.
func NewSerial(port string, mode Mode) *Serial {
	return &Serial{Port: port, Mode: mode}
}

// Describe implements Describer.
func (s *Serial) Describe() string { return s.Port }

func (s *Serial) lockPath() string {
	dir := s.LockDir
	if dir == "" {
		dir = os.TempDir()
	}
	name := strings.NewReplacer("/", "_", "\\", "_", ":", "_").Replace(strings.TrimPrefix(s.Port, "/dev/"))
	return filepath.Join(dir, "micro-repl-"+name+".lock")
}

// Open locks and opens the port and asserts DTR and RTS.
func (s *Serial) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	mode, err := s.Mode.serialMode()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port != nil {
		return nil
	}

	lock := flock.New(s.lockPath())
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("lock %s: %w", s.Port, err)
	}
	if !ok {
		return fmt.Errorf("%s: %w", s.Port, ErrPortLocked)
	}

	open := s.openPort
	if open == nil {
		open = serial.Open
	}
	port, err := open(s.Port, mode)
	if err != nil {
		lock.Unlock()
		return fmt.Errorf("open %s: %w", s.Port, err)
	}

	timeout := s.ReadTimeout
	if timeout <= 0 {
		timeout = defaultReadTimeout
	}
	if err := port.SetReadTimeout(timeout); err != nil {
		port.Close()
		lock.Unlock()
		return fmt.Errorf("set read timeout: %w", err)
	}
	// Some USB bridges reject modem control lines. The board still works.
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)
	_ = port.ResetInputBuffer()

	s.port, s.lock = port, lock
	s.closed = make(chan struct{})
	return nil
}

func (s *Serial) current() (serial.Port, chan struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port, s.closed
}

// Read blocks until data arrives. Read timeouts on the port are polled
// so Close can interrupt it.
func (s *Serial) Read(p []byte) (int, error) {
	port, closed := s.current()
	if port == nil {
		return 0, io.EOF
	}
	for {
		n, err := port.Read(p)
		select {
		case <-closed:
			if n > 0 {
				return n, nil
			}
			return 0, io.EOF
		default:
		}
		if err != nil {
			return n, fmt.Errorf("read %s: %w", s.Port, err)
		}
		if n > 0 {
			return n, nil
		}
	}
}

// Write implements Transport.
func (s *Serial) Write(p []byte) (int, error) {
	port, _ := s.current()
	if port == nil {
		return 0, ErrClosed
	}
	n, err := port.Write(p)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", s.Port, err)
	}
	return n, nil
}

// Close releases the port and its lock. It is safe to call twice.
func (s *Serial) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.port == nil {
		return nil
	}
	close(s.closed)
	err := s.port.Close()
	if uerr := s.lock.Unlock(); uerr != nil {
		err = errors.Join(err, uerr)
	}
	s.port, s.lock = nil, nil
	return err
}

// IsOpen implements Transport.
func (s *Serial) IsOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port != nil
}
