package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/acolita/micro-repl/internal/security"
	"github.com/acolita/micro-repl/internal/testing/fakes/fakeclock"
)

// newBoard serves a minimal WebREPL: a password challenge, then an echo of
// every text frame. A binary frame is sent first to check it is skipped.
func newBoard(t *testing.T, password string) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		conn.WriteMessage(websocket.TextMessage, []byte("Password: "))
		_, got, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if string(got) != password+"\r" {
			conn.WriteMessage(websocket.TextMessage, []byte("\r\nAccess denied\r\n"))
			return
		}
		conn.WriteMessage(websocket.TextMessage, []byte("\r\nWebREPL connected\r\n>>> "))
		conn.WriteMessage(websocket.BinaryMessage, []byte{'W', 'B', 0, 0})

		for {
			kind, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if kind == websocket.TextMessage {
				conn.WriteMessage(websocket.TextMessage, data)
			}
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func readString(t *testing.T, w *WebREPL, want string) string {
	t.Helper()
	var got strings.Builder
	buf := make([]byte, 4)
	for got.Len() < len(want) {
		n, err := w.Read(buf)
		if err != nil {
			t.Fatalf("Read() error = %v after %q", err, got.String())
		}
		got.Write(buf[:n])
	}
	return got.String()
}

func TestWebREPLLogin(t *testing.T) {
	srv := newBoard(t, "secret")
	w := NewWebREPL(wsURL(srv), "secret")

	if err := w.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer w.Close()

	if got := readString(t, w, ">>> "); got != ">>> " {
		t.Errorf("first read = %q, want prompt after greeting", got)
	}

	if _, err := w.Write([]byte("1+1\r")); err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if got := readString(t, w, "1+1\r"); got != "1+1\r" {
		t.Errorf("echo = %q, want %q", got, "1+1\r")
	}
}

func TestWebREPLAccessDenied(t *testing.T) {
	srv := newBoard(t, "secret")
	clock := fakeclock.New(time.Unix(0, 0))
	limiter := security.NewAuthRateLimiter(2, time.Minute, clock)

	w := NewWebREPL(wsURL(srv), "wrong")
	w.Limiter = limiter

	for i := 0; i < 2; i++ {
		if err := w.Open(context.Background()); !errors.Is(err, ErrAccessDenied) {
			t.Fatalf("Open() attempt %d error = %v, want ErrAccessDenied", i, err)
		}
	}
	if w.IsOpen() {
		t.Error("IsOpen() = true after denied login")
	}

	var locked *security.LockedError
	if err := w.Open(context.Background()); !errors.As(err, &locked) {
		t.Fatalf("Open() while locked error = %v, want *LockedError", err)
	}

	clock.Advance(time.Minute)
	w.Password = "secret"
	if err := w.Open(context.Background()); err != nil {
		t.Fatalf("Open() after lockout error = %v", err)
	}
	w.Close()
	if err := limiter.Allow(w.URL); err != nil {
		t.Errorf("Allow() after success = %v", err)
	}
}

func TestWebREPLCloseEndsRead(t *testing.T) {
	srv := newBoard(t, "pw")
	w := NewWebREPL(wsURL(srv), "pw")
	if err := w.Open(context.Background()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	readString(t, w, ">>> ")

	done := make(chan error, 1)
	go func() {
		_, err := w.Read(make([]byte, 8))
		done <- err
	}()
	time.Sleep(10 * time.Millisecond)
	if err := w.Close(); err != nil {
		t.Logf("Close() error = %v", err)
	}

	select {
	case err := <-done:
		if err == nil {
			t.Error("Read() error = nil after Close")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Read did not return after Close")
	}
	if _, err := w.Write([]byte("x")); !errors.Is(err, ErrClosed) {
		t.Errorf("Write() after Close error = %v, want ErrClosed", err)
	}
}
