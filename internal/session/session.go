// Package session drives a MicroPython REPL over a byte transport.
//
// A Session owns one worker goroutine that serializes every exchange with
// the board, and one reader goroutine that only moves bytes from the
// transport into the worker's inbox.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/acolita/micro-repl/internal/ports"
	"github.com/acolita/micro-repl/internal/prompt"
	"github.com/acolita/micro-repl/internal/transport"
)

// State is the lifecycle state of a Session.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateClosing      State = "closing"
)

// Session is one connection to a MicroPython board.
type Session struct {
	ID string

	t     transport.Transport
	opts  Options
	log   *slog.Logger
	clock ports.Clock

	mu        sync.Mutex
	state     State
	connected bool
	identity  string
	lastErr   error
	closeErr  error

	// Per-connection plumbing, replaced by Connect.
	queue    chan *job
	control  chan *controlReq
	stop     chan struct{}
	stopOnce *sync.Once
	done     chan struct{}
	readDone chan struct{}
	in       *inbox
	cap      *capture
	pending  atomic.Int32

	// Owned by the worker goroutine.
	fatal    error
	deferred *controlReq

	results resultStore
}

// New creates a disconnected session over t.
func New(t transport.Transport, opts Options) *Session {
	opts = opts.withDefaults()
	return &Session{
		t:     t,
		opts:  opts,
		log:   opts.Logger.With(slog.String("device", transport.Describe(t))),
		clock: opts.Clock,
		state: StateDisconnected,
	}
}

// Connect creates a session over t and runs the handshake.
func Connect(ctx context.Context, t transport.Transport, opts Options) (*Session, error) {
	s := New(t, opts)
	if err := s.Connect(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Connect opens the transport, stops whatever the board is running and
// establishes prompt synchronization. OnConnect fires before it returns.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateConnecting, StateConnected:
		s.mu.Unlock()
		return ErrAlreadyConnected
	case StateClosing:
		s.mu.Unlock()
		return ErrBusy
	}
	s.state = StateConnecting
	s.connected = false
	s.lastErr = nil
	s.closeErr = nil
	s.queue = make(chan *job, s.opts.MaxQueue)
	s.control = make(chan *controlReq)
	s.stop = make(chan struct{})
	s.stopOnce = &sync.Once{}
	s.done = make(chan struct{})
	s.readDone = make(chan struct{})
	s.in = newInbox()
	s.cap = newCapture(s.opts.Classifier)
	s.fatal = nil
	s.deferred = nil
	s.mu.Unlock()

	s.log.Info("connecting", slog.Int("baud_rate", s.opts.BaudRate))

	if err := s.t.Open(ctx); err != nil {
		err = fmt.Errorf("open %s: %w", transport.Describe(s.t), err)
		s.mu.Lock()
		s.state = StateDisconnected
		s.lastErr = err
		done := s.done
		s.mu.Unlock()
		close(done)
		s.log.Warn("connect failed", slog.String("error", err.Error()))
		if s.opts.OnceClosed != nil {
			s.opts.OnceClosed(err)
		}
		return err
	}

	go s.readLoop(s.in, s.readDone)

	ready := make(chan error, 1)
	go s.loop(ctx, ready)
	if err := <-ready; err != nil {
		<-s.done
		return err
	}

	identity := s.Identity()
	s.log.Info("connected", slog.String("identity", identity))
	if s.opts.OnConnect != nil {
		s.opts.OnConnect(identity)
	}
	return nil
}

// Close stops the worker, aborts queued commands and closes the transport.
// Calling Close on a session that is not connected is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	switch s.state {
	case StateDisconnected:
		s.mu.Unlock()
		return nil
	case StateClosing:
		done := s.done
		s.mu.Unlock()
		<-done
		return nil
	}
	stop, once, done := s.stop, s.stopOnce, s.done
	s.mu.Unlock()

	if confirm := s.opts.ConfirmBeforeClose; confirm != nil && s.pending.Load() > 0 {
		if !confirm() {
			return ErrCloseDeclined
		}
	}

	once.Do(func() { close(stop) })
	<-done

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

// Active reports whether the session is connected.
func (s *Session) Active() bool {
	return s.State() == StateConnected
}

// State returns the lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Identity returns the board description from the last handshake or reset.
func (s *Session) Identity() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.identity
}

// LastError returns the error that ended the previous connection.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// Result returns the value captured by the most recent Eval.
func (s *Session) Result() Result {
	return s.results.get()
}

// Pending returns the number of queued and running calls.
func (s *Session) Pending() int {
	return int(s.pending.Load())
}

// Describe names the transport endpoint.
func (s *Session) Describe() string {
	return transport.Describe(s.t)
}

// Done is closed when the current connection has been torn down.
func (s *Session) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done == nil {
		c := make(chan struct{})
		close(c)
		return c
	}
	return s.done
}

func (s *Session) setIdentity(id string) {
	s.mu.Lock()
	s.identity = id
	s.mu.Unlock()
}

// inbox buffers reads without ever blocking the reader goroutine.
type inbox struct {
	mu     sync.Mutex
	chunks [][]byte
	err    error
	signal chan struct{}
}

func newInbox() *inbox {
	return &inbox{signal: make(chan struct{}, 1)}
}

func (b *inbox) push(p []byte) {
	c := make([]byte, len(p))
	copy(c, p)
	b.mu.Lock()
	b.chunks = append(b.chunks, c)
	b.mu.Unlock()
	b.notify()
}

func (b *inbox) fail(err error) {
	b.mu.Lock()
	if b.err == nil {
		b.err = err
	}
	b.mu.Unlock()
	b.notify()
}

func (b *inbox) notify() {
	select {
	case b.signal <- struct{}{}:
	default:
	}
}

func (b *inbox) take() ([][]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	chunks := b.chunks
	b.chunks = nil
	return chunks, b.err
}

// readLoop closes done once it will no longer touch the transport.
func (s *Session) readLoop(in *inbox, done chan<- struct{}) {
	defer close(done)
	buf := make([]byte, readBufferSize)
	for {
		n, err := s.t.Read(buf)
		if n > 0 {
			in.push(buf[:n])
		}
		if err != nil {
			in.fail(err)
			return
		}
	}
}

// pump feeds everything in the inbox through the capture.
func (s *Session) pump() error {
	chunks, err := s.in.take()
	for _, c := range chunks {
		if s.opts.OnData != nil {
			s.opts.OnData(c)
		}
		if s.opts.Recorder != nil {
			s.opts.Recorder.RecordOutput(c)
		}
		s.deliver(s.cap.Feed(c))
	}
	if err != nil {
		if s.fatal == nil {
			s.fatal = err
		}
		return disconnected(err)
	}
	return nil
}

func (s *Session) deliver(events []OutputEvent) {
	for _, ev := range events {
		switch ev.Kind {
		case prompt.KindBanner:
			s.emit(ev.Text)
		case prompt.KindOutput:
			if s.opts.ShowCommandOutput {
				s.emit(ev.Text)
			}
		case prompt.KindDesync:
			s.log.Warn("unexpected device output", slog.String("line", ev.Text))
		}
	}
}

func (s *Session) emit(text string) {
	if s.opts.Output == nil {
		return
	}
	if _, err := fmt.Fprintln(s.opts.Output, text); err != nil {
		s.log.Debug("output sink write failed", slog.String("error", err.Error()))
	}
}

// send writes to the transport. A write failure is fatal to the session.
func (s *Session) send(data string) error {
	if s.opts.Recorder != nil {
		s.opts.Recorder.RecordInput([]byte(data))
	}
	if _, err := s.t.Write([]byte(data)); err != nil {
		if s.fatal == nil {
			s.fatal = err
		}
		return disconnected(err)
	}
	return nil
}

// loop is the worker goroutine.
func (s *Session) loop(ctx context.Context, ready chan<- error) {
	defer s.shutdown()

	if err := s.handshake(ctx); err != nil {
		if s.fatal == nil {
			s.fatal = err
		}
		ready <- fmt.Errorf("handshake: %w", err)
		return
	}
	s.mu.Lock()
	s.state = StateConnected
	s.connected = true
	s.mu.Unlock()
	ready <- nil

	for s.fatal == nil {
		// Control requests and stop take priority over queued work.
		select {
		case <-s.stop:
			return
		case req := <-s.control:
			s.handleControl(req)
			continue
		default:
		}

		select {
		case <-s.stop:
			return
		case req := <-s.control:
			s.handleControl(req)
		case <-s.in.signal:
			if err := s.pump(); err != nil {
				return
			}
		case j := <-s.queue:
			s.execute(j)
		}
	}
}

func (s *Session) execute(j *job) {
	defer s.pending.Add(-1)
	s.results.clear()

	var err error
	switch {
	case j.ctx.Err() != nil:
		err = ErrCancelled
	case s.stopped():
		err = ErrDisconnected
	default:
		err = j.run(s, j)
	}
	j.finish(err)
}

func (s *Session) stopped() bool {
	select {
	case <-s.stop:
		return true
	default:
		return false
	}
}

// shutdown runs on the worker when it exits, for any reason.
func (s *Session) shutdown() {
	s.mu.Lock()
	wasConnected := s.connected
	s.state = StateClosing
	s.mu.Unlock()

	cause := s.fatal
	if errors.Is(cause, transport.ErrClosed) && s.stopped() {
		cause = nil
	}

	s.drainQueue(disconnected(cause))
	closeErr := s.t.Close()
	// The next Connect reopens the transport; the old reader must be gone.
	<-s.readDone

	s.mu.Lock()
	s.state = StateDisconnected
	s.connected = false
	s.lastErr = cause
	s.closeErr = closeErr
	done := s.done
	s.mu.Unlock()

	if cause != nil {
		s.log.Warn("session lost", slog.String("error", cause.Error()))
		if wasConnected && s.opts.OnError != nil {
			s.opts.OnError(cause)
		}
	} else {
		s.log.Info("session closed")
	}
	if wasConnected && s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(cause)
	}
	if s.opts.OnceClosed != nil {
		s.opts.OnceClosed(cause)
	}
	close(done)
}

func (s *Session) drainQueue(err error) {
	for {
		select {
		case j := <-s.queue:
			s.pending.Add(-1)
			j.finish(err)
		default:
			return
		}
	}
}
