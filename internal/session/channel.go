package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"
)

// Call is a submitted command. Its result is available once Done is closed.
type Call struct {
	Kind Kind

	done   chan struct{}
	output string
	stderr string
	result Result
	err    error
}

func newCall(kind Kind) *Call {
	return &Call{Kind: kind, done: make(chan struct{})}
}

// Done is closed when the call has finished.
func (c *Call) Done() <-chan struct{} { return c.done }

// Wait blocks until the call finishes and returns its output.
func (c *Call) Wait() (string, error) {
	<-c.done
	return c.output, c.err
}

// Output returns the captured output. Valid after Done.
func (c *Call) Output() string { return c.output }

// Stderr returns what a raw REPL execution printed to stderr.
func (c *Call) Stderr() string { return c.stderr }

// Result returns the value of an Eval call. Valid after Done.
func (c *Call) Result() Result { return c.result }

// Err returns the call's error. Valid after Done.
func (c *Call) Err() error { return c.err }

type job struct {
	ctx      context.Context
	call     *Call
	code     string
	data     []byte
	upload   *uploadJob
	internal bool
	run      func(s *Session, j *job) error
}

func (j *job) finish(err error) {
	if err != nil && j.upload != nil {
		err = j.upload.fail(err)
	}
	j.call.err = err
	close(j.call.done)
}

// submit enqueues j, replying ErrBusy when the queue is full.
func (s *Session) submit(j *job) (*Call, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateConnected {
		return nil, ErrDisconnected
	}
	select {
	case s.queue <- j:
		s.pending.Add(1)
		return j.call, nil
	default:
		return nil, ErrBusy
	}
}

// Go submits code without waiting. Kind must be KindWrite, KindEval or
// KindPaste. Calls complete in the order they were submitted.
func (s *Session) Go(ctx context.Context, kind Kind, code string) (*Call, error) {
	j := &job{ctx: ctx, call: newCall(kind), code: code}
	switch kind {
	case KindWrite:
		j.run = (*Session).runWrite
	case KindEval:
		j.run = (*Session).runEval
	case KindPaste:
		j.run = (*Session).runPaste
	case KindExecRaw:
		j.run = (*Session).runExecRaw
	default:
		return nil, errors.New("unsupported call kind " + string(kind))
	}
	return s.submit(j)
}

func (s *Session) wait(ctx context.Context, call *Call) error {
	select {
	case <-call.Done():
	case <-ctx.Done():
		// The worker sees the cancellation too and replies once the device
		// is back at a prompt.
		<-call.Done()
	}
	return call.err
}

// Write sends one line of input as if typed at the prompt and returns the
// output it produced. Compound or multi-line text is sent in paste mode.
func (s *Session) Write(ctx context.Context, text string) (string, error) {
	call, err := s.Go(ctx, KindWrite, text)
	if err != nil {
		return "", err
	}
	err = s.wait(ctx, call)
	return call.output, err
}

// Eval runs code and captures the value of its last expression.
func (s *Session) Eval(ctx context.Context, code string) (Result, error) {
	call, err := s.Go(ctx, KindEval, code)
	if err != nil {
		return Result{}, err
	}
	err = s.wait(ctx, call)
	return call.result, err
}

// Paste runs a multi-line block in paste mode after dedenting it.
func (s *Session) Paste(ctx context.Context, code string) (string, error) {
	call, err := s.Go(ctx, KindPaste, code)
	if err != nil {
		return "", err
	}
	err = s.wait(ctx, call)
	return call.output, err
}

// ExecRaw runs code through the raw REPL, which keeps stdout and stderr
// apart and echoes nothing. A non-empty stderr is also returned as a
// *RemoteError.
func (s *Session) ExecRaw(ctx context.Context, code string) (stdout, stderr string, err error) {
	call, err := s.Go(ctx, KindExecRaw, code)
	if err != nil {
		return "", "", err
	}
	err = s.wait(ctx, call)
	return call.output, call.stderr, err
}

// WriteRaw passes bytes to the device unframed. Whatever they produce is
// delivered as unsolicited output.
func (s *Session) WriteRaw(ctx context.Context, data []byte) error {
	j := &job{ctx: ctx, call: newCall(KindPassthrough), data: data, run: (*Session).runPassthrough}
	call, err := s.submit(j)
	if err != nil {
		return err
	}
	return s.wait(ctx, call)
}

func (s *Session) runPassthrough(j *job) error {
	return s.send(string(j.data))
}

func (s *Session) runWrite(j *job) error {
	if needsPaste(j.code) {
		return s.runPaste(j)
	}
	cmd := newCommand(KindWrite, []string{j.code})
	out, err := s.exchange(j.ctx, cmd, j.code+enter)
	j.call.output = out
	return err
}

func (s *Session) runPaste(j *job) error {
	lines := dedent(j.code)
	cmd := newCommand(KindPaste, lines)
	out, err := s.exchange(j.ctx, cmd, pastePayload(lines)...)
	j.call.output = out
	return err
}

func (s *Session) runEval(j *job) error {
	cmd := newCommand(KindEval, nil)
	lines, want := evalProgram(j.code, cmd.id)
	for _, l := range lines {
		cmd.echoes = append(cmd.echoes, strings.TrimRight(l, " \t"))
	}
	cmd.wantValue = want
	cmd.startMark = valueStartMark + cmd.id + markSuffix
	cmd.endMark = valueEndMark + cmd.id + markSuffix

	out, err := s.exchange(j.ctx, cmd, pastePayload(lines)...)
	j.call.output = out
	if err != nil || !cmd.hasValue {
		return err
	}

	res := Result{Raw: cmd.value(), Valid: true, Output: out}
	decode := s.opts.OnResult
	if j.internal {
		decode = decodeJSON
	}
	res.Value, res.Err = decode(res.Raw)
	j.call.result = res
	if !j.internal {
		s.results.set(res)
	}
	if res.Err != nil {
		s.log.Debug("result decode failed", slog.String("raw", res.Raw), slog.String("error", res.Err.Error()))
	}
	return nil
}

func (s *Session) runExecRaw(j *job) error {
	cmd := newCommand(KindExecRaw, nil)
	cmd.raw = &rawReply{}
	s.cap.begin(cmd)

	err := s.send(ctrlA)
	if err == nil {
		err = s.await(j.ctx, cmd, true, cmd.raw.ready)
	}
	if err == nil {
		err = s.send(strings.Join(dedent(j.code), "\n") + ctrlD)
	}
	if err == nil {
		err = s.await(j.ctx, cmd, true, cmd.raw.finished)
	}
	s.cap.end(cmd)
	if err != nil {
		return s.settle(err, interruptSequence+ctrlB)
	}

	stderr := normalizeNewlines(string(cmd.raw.stderr))
	j.call.output = normalizeNewlines(string(cmd.raw.stdout))
	j.call.stderr = stderr

	// Back to the friendly REPL, which reprints the banner.
	back := newSyncCommand()
	s.cap.begin(back)
	if err := s.send(ctrlB); err != nil {
		return err
	}
	if err := s.send(back.sentinel + enter); err != nil {
		return err
	}
	if err := s.await(context.WithoutCancel(j.ctx), back, false, back.isDone); err != nil {
		s.cap.end(back)
		return s.settle(err, interruptSequence+ctrlB)
	}
	if stderr != "" {
		return &RemoteError{Text: stderr}
	}
	return nil
}

// RemoteError carries the traceback a raw REPL execution printed to stderr.
type RemoteError struct {
	Text string
}

func (e *RemoteError) Error() string {
	lines := strings.Split(strings.TrimSpace(e.Text), "\n")
	return "device error: " + lines[len(lines)-1]
}

func normalizeNewlines(s string) string {
	return strings.TrimSuffix(strings.ReplaceAll(s, "\r\n", "\n"), "\n")
}

func pastePayload(lines []string) []string {
	out := make([]string, 0, len(lines)+2)
	out = append(out, ctrlE)
	for _, l := range lines {
		out = append(out, l+enter)
	}
	return append(out, ctrlD)
}

// exchange writes payload followed by the command's sentinel and waits
// for the prompt that follows the sentinel's echo.
func (s *Session) exchange(ctx context.Context, cmd *command, payload ...string) (string, error) {
	s.cap.begin(cmd)
	s.log.Debug("command", slog.String("kind", string(cmd.kind)), slog.String("id", cmd.id))

	err := s.sendLines(ctx, payload)
	if err == nil {
		err = s.send(cmd.sentinel + enter)
	}
	if err == nil {
		err = s.await(ctx, cmd, true, cmd.isDone)
	}
	s.cap.end(cmd)
	if err != nil {
		var te *TimeoutError
		out := ""
		if errors.As(err, &te) {
			out = te.Output
		}
		recovery := interruptSequence
		if errors.Is(err, ErrProtocolDesync) {
			recovery += ctrlB
		}
		return out, s.settle(err, recovery)
	}
	if cmd.desync != nil {
		return "", s.settle(cmd.desync, interruptSequence+ctrlB)
	}
	return cmd.output(), nil
}

// sendLines writes each part, pausing LineDelay between them and giving
// up early when the caller cancels or a control request arrives.
func (s *Session) sendLines(ctx context.Context, parts []string) error {
	for i, p := range parts {
		if i > 0 {
			if err := s.checkAbort(ctx); err != nil {
				return err
			}
			if s.opts.LineDelay > 0 {
				s.clock.Sleep(s.opts.LineDelay)
			}
		}
		if err := s.send(p); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) checkAbort(ctx context.Context) error {
	select {
	case <-s.stop:
		return ErrDisconnected
	case req := <-s.control:
		s.deferred = req
		return ErrInterrupted
	case <-ctx.Done():
		return ErrCancelled
	default:
		return nil
	}
}

// await pumps device output until until reports true. Every wait is
// bounded by CommandTimeout. An abortable wait also returns when a control
// request arrives, leaving it in s.deferred.
func (s *Session) await(ctx context.Context, cmd *command, abortable bool, until func() bool) error {
	return s.awaitFor(ctx, cmd, s.opts.CommandTimeout, abortable, until)
}

func (s *Session) awaitFor(ctx context.Context, cmd *command, timeout time.Duration, abortable bool, until func() bool) error {
	timer := s.clock.NewTimer(timeout)
	defer timer.Stop()

	control := s.control
	if !abortable {
		control = nil
	}
	for {
		if until() {
			return nil
		}
		if cmd.desync != nil && !cmd.tolerant {
			return cmd.desync
		}
		if cmd.needEnter && !cmd.enterSent {
			cmd.enterSent = true
			if err := s.send(enter); err != nil {
				return err
			}
		}
		select {
		case <-s.in.signal:
			if err := s.pump(); err != nil {
				return err
			}
		case <-timer.C():
			s.deliver(s.cap.Flush())
			return &TimeoutError{Kind: cmd.kind, After: timeout, Output: cmd.output()}
		case req := <-control:
			s.deferred = req
			return ErrInterrupted
		case <-ctx.Done():
			return ErrCancelled
		case <-s.stop:
			return ErrDisconnected
		}
	}
}

// settle restores prompt synchronization after a failed wait and returns
// err unchanged.
func (s *Session) settle(err error, recovery string) error {
	switch {
	case errors.Is(err, ErrDisconnected):
	case errors.Is(err, ErrInterrupted):
		if req := s.deferred; req != nil {
			s.deferred = nil
			s.handleControl(req)
		}
	case errors.Is(err, ErrTimeout), errors.Is(err, ErrCancelled), errors.Is(err, ErrProtocolDesync):
		s.log.Warn("resynchronizing", slog.String("reason", err.Error()))
		if rerr := s.resync(context.Background(), recovery); rerr != nil && !errors.Is(rerr, ErrDisconnected) {
			s.log.Warn("resync failed", slog.String("error", rerr.Error()))
			if s.opts.OnError != nil {
				// Off the worker, so the callback may Close the session.
				go s.opts.OnError(rerr)
			}
		}
	}
	return err
}

// resync writes prefix then a bare sentinel and waits for its prompt,
// discarding everything printed in between.
func (s *Session) resync(ctx context.Context, prefix string) error {
	cmd := newSyncCommand()
	s.cap.begin(cmd)
	defer s.cap.end(cmd)

	if prefix != "" {
		if err := s.send(prefix); err != nil {
			return err
		}
	}
	if err := s.send(cmd.sentinel + enter); err != nil {
		return err
	}
	return s.await(ctx, cmd, false, cmd.isDone)
}

// drain consumes output until the line has been quiet for quiet, or max
// has passed.
func (s *Session) drain(ctx context.Context, quiet, max time.Duration) error {
	idle := s.clock.NewTimer(quiet)
	defer idle.Stop()
	limit := s.clock.NewTimer(max)
	defer limit.Stop()
	for {
		select {
		case <-s.in.signal:
			if err := s.pump(); err != nil {
				return err
			}
			idle.Reset(quiet)
		case <-idle.C():
			return nil
		case <-limit.C():
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			return ErrDisconnected
		}
	}
}

// handshake interrupts the board, leaves raw mode if it was in it and
// learns the board's identity.
func (s *Session) handshake(ctx context.Context) error {
	if err := s.drain(ctx, s.opts.HandshakeQuiet, s.opts.CommandTimeout); err != nil {
		return err
	}
	if err := s.resync(ctx, interruptSequence+ctrlB); err != nil {
		return err
	}
	if id := s.cap.identity; id != nil {
		s.setIdentity(id.String())
	}
	s.refreshIdentity(ctx)
	return nil
}

func (s *Session) refreshIdentity(ctx context.Context) {
	j := &job{ctx: ctx, call: newCall(KindEval), code: identityExpr, internal: true}
	if err := s.runEval(j); err != nil {
		s.log.Warn("identity query failed", slog.String("error", err.Error()))
		return
	}
	if name, ok := j.call.result.Value.(string); ok && name != "" {
		s.setIdentity(name)
	}
}
