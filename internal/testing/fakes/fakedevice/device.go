// Package fakedevice simulates a MicroPython board's REPL behind the
// transport interface, byte by byte, for session tests.
package fakedevice

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/acolita/micro-repl/internal/transport"
)

// ErrLinkDown is returned after DisconnectOn fires.
var ErrLinkDown = errors.New("fake link down")

const (
	DefaultVersion = "v1.22.0"
	DefaultDate    = "2024-01-05"
	DefaultMachine = "Fake Board with FAKE"
)

type mode int

const (
	modeFriendly mode = iota
	modePaste
	modeRaw
)

type rule struct {
	substr string
	delay  time.Duration
}

// Device is a fake board. The zero value is not usable; call New.
type Device struct {
	mu   sync.Mutex
	cond *sync.Cond

	open    bool
	down    bool
	muted   bool
	out     []byte
	written []byte

	mode   mode
	line   []byte
	block  []string
	paste  []byte
	raw    []byte
	busy   bool
	gen    int
	queued []byte

	// Machine is what sys.implementation._machine returns.
	Machine string
	// BannerOnOpen prints a boot banner when the transport opens.
	BannerOnOpen bool
	// LoseREPLOnReset makes a soft reboot run a main.py that loops until
	// interrupted.
	LoseREPLOnReset bool
	// OpenErr is returned by Open.
	OpenErr error

	files      map[string][]byte
	handle     string
	decoder    bool
	closeCount map[string]int
	writes     int
	executed   []string
	resets     int
	values     map[string]string
	vars       map[string]string

	delays     []rule
	hangs      []string
	dropOn     string
	dropAt     int
	dropSeen   int
	handler    func(code string) (string, bool)
	failOpenOn map[string]string
}

// New creates a fake board at the friendly prompt.
func New() *Device {
	d := &Device{
		Machine:    DefaultMachine,
		files:      make(map[string][]byte),
		closeCount: make(map[string]int),
		values:     make(map[string]string),
		vars:       make(map[string]string),
		failOpenOn: make(map[string]string),
	}
	d.cond = sync.NewCond(&d.mu)
	return d
}

// Describe implements transport.Describer.
func (d *Device) Describe() string { return "fake:" + d.Machine }

// SetValue makes expr evaluate to the given JSON text.
func (d *Device) SetValue(expr, json string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.values[expr] = json
}

// Delay makes code containing substr take dur to run.
func (d *Device) Delay(substr string, dur time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.delays = append(d.delays, rule{substr: substr, delay: dur})
}

// Hang makes code containing substr run until interrupted.
func (d *Device) Hang(substr string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.hangs = append(d.hangs, substr)
}

// DisconnectOn drops the link when code containing substr runs for the
// n-th time. Bytes written afterwards are still recorded.
func (d *Device) DisconnectOn(substr string, n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dropOn, d.dropAt, d.dropSeen = substr, n, 0
}

// FailOpen makes open() of path raise OSError with the given errno text.
func (d *Device) FailOpen(path, errno string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failOpenOn[path] = errno
}

// Handle overrides execution. fn returns the output and true to take over.
func (d *Device) Handle(fn func(code string) (string, bool)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handler = fn
}

// Mute makes the board stop printing anything, even after Ctrl-C, like
// firmware stuck with interrupts disabled.
func (d *Device) Mute() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.muted = true
}

// Inject makes the board print text as if from a background task.
func (d *Device) Inject(text string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.emit(text)
}

// File returns the content of a file written on the board.
func (d *Device) File(name string) ([]byte, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.files[name]
	return append([]byte(nil), b...), ok
}

// CloseCount returns how often the upload handle for name was closed.
func (d *Device) CloseCount(name string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount[name]
}

// Writes returns the number of upload chunk writes executed.
func (d *Device) Writes() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.writes
}

// Executed returns every program the board ran, in order.
func (d *Device) Executed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.executed...)
}

// Written returns every byte handed to Write, including after a drop.
func (d *Device) Written() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return string(d.written)
}

// Resets returns the number of soft reboots.
func (d *Device) Resets() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resets
}

// Busy reports whether the board is running code.
func (d *Device) Busy() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.busy
}

// Open implements transport.Transport.
func (d *Device) Open(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.OpenErr != nil {
		return d.OpenErr
	}
	d.open, d.down = true, false
	if d.BannerOnOpen {
		d.emit(d.banner() + "\r\n>>> ")
	}
	return nil
}

// Read implements transport.Transport.
func (d *Device) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for len(d.out) == 0 && d.open && !d.down {
		d.cond.Wait()
	}
	if len(d.out) > 0 {
		n := copy(p, d.out)
		d.out = d.out[n:]
		return n, nil
	}
	if d.down {
		return 0, ErrLinkDown
	}
	return 0, io.EOF
}

// Write implements transport.Transport.
func (d *Device) Write(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	defer d.cond.Broadcast()

	d.written = append(d.written, p...)
	if !d.open {
		return 0, transport.ErrClosed
	}
	if d.down {
		return 0, ErrLinkDown
	}
	for i, b := range p {
		d.input(b)
		if d.down {
			return i + 1, ErrLinkDown
		}
	}
	return len(p), nil
}

// Close implements transport.Transport.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = false
	d.cond.Broadcast()
	return nil
}

// IsOpen implements transport.Transport.
func (d *Device) IsOpen() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

func (d *Device) emit(s string) {
	if d.muted {
		return
	}
	d.out = append(d.out, s...)
	d.cond.Broadcast()
}

func (d *Device) banner() string {
	return "MicroPython " + DefaultVersion + " on " + DefaultDate + "; " + d.Machine +
		"\r\nType \"help()\" for more information."
}

func (d *Device) input(b byte) {
	if d.busy {
		if b == 0x03 {
			d.interrupt()
		} else {
			d.queued = append(d.queued, b)
		}
		return
	}
	switch d.mode {
	case modePaste:
		d.pasteInput(b)
	case modeRaw:
		d.rawInput(b)
	default:
		d.friendlyInput(b)
	}
}

func (d *Device) friendlyInput(b byte) {
	switch b {
	case 0x01:
		d.line, d.block = nil, nil
		d.mode, d.raw = modeRaw, nil
		d.emit("\r\nraw REPL; CTRL-B to exit\r\n>")
	case 0x02:
		d.line, d.block = nil, nil
		d.emit("\r\n" + d.banner() + "\r\n>>> ")
	case 0x03:
		d.line, d.block = nil, nil
		d.emit("\r\n>>> ")
	case 0x04:
		if len(d.line) == 0 && len(d.block) == 0 {
			d.softReboot()
		}
	case 0x05:
		d.line, d.block = nil, nil
		d.mode, d.paste = modePaste, nil
		d.emit("\r\npaste mode; Ctrl-C to cancel, Ctrl-D to finish\r\n=== ")
	case '\r':
		d.emit("\r\n")
		l := string(d.line)
		d.line = nil
		d.enterLine(l)
	case '\n':
	default:
		d.line = append(d.line, b)
		d.emit(string(b))
	}
}

func (d *Device) enterLine(l string) {
	if len(d.block) > 0 {
		if strings.TrimSpace(l) == "" {
			code := strings.Join(d.block, "\n")
			d.block = nil
			d.execute(code, false)
			return
		}
		d.block = append(d.block, l)
		d.emit("... ")
		return
	}
	t := strings.TrimSpace(l)
	switch {
	case t == "":
		d.emit(">>> ")
	case strings.HasSuffix(t, ":"):
		d.block = []string{l}
		d.emit("... ")
	default:
		d.execute(l, true)
	}
}

func (d *Device) pasteInput(b byte) {
	switch b {
	case 0x03:
		d.mode, d.paste = modeFriendly, nil
		d.emit("\r\n>>> ")
	case 0x04:
		d.emit("\r\n")
		code := string(d.paste)
		d.mode, d.paste = modeFriendly, nil
		d.execute(code, false)
	case '\r':
		d.paste = append(d.paste, '\n')
		d.emit("\r\n=== ")
	case '\n':
	default:
		d.paste = append(d.paste, b)
		d.emit(string(b))
	}
}

func (d *Device) rawInput(b byte) {
	switch b {
	case 0x01:
		d.raw = nil
		d.emit("\r\nraw REPL; CTRL-B to exit\r\n>")
	case 0x02:
		d.mode, d.raw = modeFriendly, nil
		d.emit("\r\n" + d.banner() + "\r\n>>> ")
	case 0x03:
		d.raw = nil
	case 0x04:
		code := string(d.raw)
		d.raw = nil
		if code == "" {
			d.softReboot()
			return
		}
		d.executed = append(d.executed, code)
		stdout, stderr := d.run(code, false)
		d.emit("OK" + stdout + "\x04" + stderr + "\x04>")
	default:
		d.raw = append(d.raw, b)
	}
}

func (d *Device) softReboot() {
	d.resets++
	d.handle, d.decoder = "", false
	d.vars = make(map[string]string)
	d.mode = modeFriendly
	d.emit("MPY: soft reboot\r\n")
	if d.LoseREPLOnReset {
		d.emit("running main.py\r\n")
		d.busy = true
		d.gen++
		return
	}
	d.emit(d.banner() + "\r\n>>> ")
}

func (d *Device) interrupt() {
	d.gen++
	d.busy = false
	d.mode = modeFriendly
	d.emit("Traceback (most recent call last):\r\n  File \"<stdin>\", line 1, in <module>\r\nKeyboardInterrupt: \r\n>>> ")
	d.replay()
}

func (d *Device) replay() {
	q := d.queued
	d.queued = nil
	for _, b := range q {
		d.input(b)
		if d.down {
			return
		}
	}
}

func (d *Device) execute(code string, interactive bool) {
	d.executed = append(d.executed, code)

	if d.dropOn != "" && strings.Contains(code, d.dropOn) {
		d.dropSeen++
		if d.dropSeen == d.dropAt {
			d.down = true
			return
		}
	}

	for _, h := range d.hangs {
		if strings.Contains(code, h) {
			d.busy = true
			d.gen++
			return
		}
	}

	stdout, stderr := d.run(code, interactive)
	out := stdout + stderr + ">>> "
	for _, r := range d.delays {
		if strings.Contains(code, r.substr) {
			d.busy = true
			d.gen++
			gen := d.gen
			time.AfterFunc(r.delay, func() { d.finish(gen, out) })
			return
		}
	}
	d.emit(out)
}

func (d *Device) finish(gen int, out string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.busy || d.gen != gen || !d.open {
		return
	}
	d.busy = false
	d.emit(out)
	d.replay()
}
