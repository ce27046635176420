package session

import (
	"context"
	"errors"
	"log/slog"
)

type controlReq struct {
	kind  Kind
	reply chan error
}

// Interrupt aborts the running command, sending Ctrl-C until the board is
// back at a prompt. The aborted call fails with ErrInterrupted. Queued
// calls are not affected.
func (s *Session) Interrupt(ctx context.Context) error {
	return s.requestControl(ctx, KindInterrupt)
}

// SoftReset aborts the running command and soft reboots the board. The
// device forgets all Python state. The identity is refreshed afterwards.
func (s *Session) SoftReset(ctx context.Context) error {
	return s.requestControl(ctx, KindReset)
}

func (s *Session) requestControl(ctx context.Context, kind Kind) error {
	s.mu.Lock()
	if s.state != StateConnected {
		s.mu.Unlock()
		return ErrDisconnected
	}
	control, done := s.control, s.done
	s.mu.Unlock()

	req := &controlReq{kind: kind, reply: make(chan error, 1)}
	select {
	case control <- req:
	case <-done:
		return ErrDisconnected
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-req.reply:
		return err
	case <-done:
		return ErrDisconnected
	}
}

func (s *Session) handleControl(req *controlReq) {
	var err error
	switch req.kind {
	case KindReset:
		err = s.softReset()
	default:
		s.log.Info("interrupting")
		err = s.resync(context.Background(), interruptSequence)
	}
	req.reply <- err
}

func (s *Session) softReset() error {
	s.log.Info("soft reset")
	s.cap.identity = nil

	cmd := newCommand(KindReset, nil)
	cmd.tolerant = true
	cmd.discard = true
	cmd.awaitBoot = true
	s.cap.begin(cmd)
	err := s.send(interruptSequence + ctrlD)
	if err == nil {
		err = s.awaitFor(context.Background(), cmd, s.opts.ResetTimeout, false, cmd.isDone)
	}
	s.cap.end(cmd)
	if errors.Is(err, ErrDisconnected) {
		return err
	}

	// A board running main.py after the reboot needs Ctrl-C before it
	// shows a prompt again.
	prefix := ""
	if err != nil {
		s.log.Warn("no prompt after soft reset", slog.String("error", err.Error()))
		prefix = interruptSequence
	}
	for attempt := 1; ; attempt++ {
		err = s.resync(context.Background(), prefix)
		if err == nil || errors.Is(err, ErrDisconnected) || attempt == resetAttempts {
			break
		}
		prefix = interruptSequence
	}
	if err != nil {
		return err
	}

	if id := s.cap.identity; id != nil {
		s.setIdentity(id.String())
	}
	s.refreshIdentity(context.Background())
	return nil
}
