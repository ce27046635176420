package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

type fakePort struct {
	mu      sync.Mutex
	rx      []byte
	tx      []byte
	dtr     bool
	rts     bool
	closed  bool
	timeout time.Duration
}

func (p *fakePort) SetMode(*serial.Mode) error { return nil }

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if len(p.rx) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()
		return 0, nil
	}
	n := copy(b, p.rx)
	p.rx = p.rx[n:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tx = append(p.tx, b...)
	return len(b), nil
}

func (p *fakePort) Drain() error             { return nil }
func (p *fakePort) ResetInputBuffer() error  { return nil }
func (p *fakePort) ResetOutputBuffer() error { return nil }
func (p *fakePort) SetDTR(v bool) error      { p.dtr = v; return nil }
func (p *fakePort) SetRTS(v bool) error      { p.rts = v; return nil }
func (p *fakePort) GetModemStatusBits() (*serial.ModemStatusBits, error) {
	return &serial.ModemStatusBits{}, nil
}
func (p *fakePort) SetReadTimeout(t time.Duration) error { p.timeout = t; return nil }
func (p *fakePort) Break(time.Duration) error            { return nil }

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func newTestSerial(t *testing.T, port *fakePort) *Serial {
	t.Helper()
	s := NewSerial("/dev/ttyACM0", Mode{})
	s.LockDir = t.TempDir()
	s.openPort = func(name string, mode *serial.Mode) (serial.Port, error) {
		if mode.BaudRate != 115200 || mode.DataBits != 8 {
			t.Errorf("mode = %+v, want 115200 8N1", mode)
		}
		return port, nil
	}
	return s
}

func TestSerialOpenReadWrite(t *testing.T) {
	port := &fakePort{rx: []byte(">>> ")}
	s := newTestSerial(t, port)

	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer s.Close()

	if !port.dtr || !port.rts {
		t.Errorf("dtr = %v, rts = %v, want both asserted", port.dtr, port.rts)
	}
	if port.timeout != defaultReadTimeout {
		t.Errorf("read timeout = %v, want %v", port.timeout, defaultReadTimeout)
	}

	buf := make([]byte, 16)
	n, err := s.Read(buf)
	if err != nil || string(buf[:n]) != ">>> " {
		t.Errorf("Read() = %q, %v, want %q", buf[:n], err, ">>> ")
	}

	if _, err := s.Write([]byte("1+1\r")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if string(port.tx) != "1+1\r" {
		t.Errorf("written = %q", port.tx)
	}
	if !s.IsOpen() {
		t.Error("IsOpen() = false after Open")
	}
}

func TestSerialLockedByOther(t *testing.T) {
	first := newTestSerial(t, &fakePort{})
	if err := first.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer first.Close()

	second := NewSerial(first.Port, Mode{})
	second.LockDir = first.LockDir
	second.openPort = first.openPort

	err := second.Open(context.Background())
	if !errors.Is(err, ErrPortLocked) {
		t.Fatalf("Open() error = %v, want ErrPortLocked", err)
	}

	first.Close()
	if err := second.Open(context.Background()); err != nil {
		t.Errorf("Open() after release error = %v", err)
	}
	second.Close()
}

func TestSerialCloseUnblocksRead(t *testing.T) {
	s := newTestSerial(t, &fakePort{})
	if err := s.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := s.Read(make([]byte, 8))
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	select {
	case err := <-done:
		if err != io.EOF {
			t.Errorf("Read() error = %v, want io.EOF", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Read did not return after Close")
	}

	if err := s.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}
	if _, err := s.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
}

func TestModeParity(t *testing.T) {
	tests := []struct {
		parity  string
		want    serial.Parity
		wantErr bool
	}{
		{"", serial.NoParity, false},
		{"even", serial.EvenParity, false},
		{"O", serial.OddParity, false},
		{"bogus", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.parity, func(t *testing.T) {
			m, err := Mode{Parity: tt.parity}.serialMode()
			if (err != nil) != tt.wantErr {
				t.Fatalf("serialMode() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && m.Parity != tt.want {
				t.Errorf("Parity = %v, want %v", m.Parity, tt.want)
			}
		})
	}
}

func TestListOrdersBoardsFirst(t *testing.T) {
	orig := listDetailed
	defer func() { listDetailed = orig }()
	listDetailed = func() ([]*enumerator.PortDetails, error) {
		return []*enumerator.PortDetails{
			{Name: "/dev/ttyS0"},
			{Name: "/dev/ttyACM0", IsUSB: true, VID: "2e8a", PID: "0005", Product: "Board in FS mode"},
		}, nil
	}

	ports, err := List()
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(ports) != 2 || ports[0].Name != "/dev/ttyACM0" {
		t.Fatalf("List() = %+v, want ttyACM0 first", ports)
	}
	if ports[0].Board != "Raspberry Pi" || ports[0].VID != "2E8A" {
		t.Errorf("ports[0] = %+v", ports[0])
	}
	if got := ports[0].Description(); got != "Raspberry Pi, Board in FS mode, 2E8A:0005" {
		t.Errorf("Description() = %q", got)
	}
}
