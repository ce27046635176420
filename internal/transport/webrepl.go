package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// DefaultWebREPLURL is the address of a board running as an access point.
const DefaultWebREPLURL = "ws://192.168.4.1:8266/"

const (
	webreplPasswordPrompt = "Password: "
	webreplConnected      = "WebREPL connected"
	webreplDenied         = "Access denied"
	defaultLoginTimeout   = 5 * time.Second
)

// ErrAccessDenied is returned when the board rejects the password.
var ErrAccessDenied = errors.New("webrepl: access denied")

// AuthLimiter gates logins to a target after repeated failures.
type AuthLimiter interface {
	Allow(target string) error
	RecordFailure(target string)
	RecordSuccess(target string)
}

// WebREPL speaks to a board over its websocket REPL. Text frames carry
// the terminal stream. Binary frames belong to the file transfer protocol
// and are dropped.
type WebREPL struct {
	URL          string
	Password     string
	LoginTimeout time.Duration
	Limiter      AuthLimiter
	Dialer       *websocket.Dialer
	Header       http.Header

	mu      sync.Mutex
	conn    *websocket.Conn
	pending []byte
	wmu     sync.Mutex
}

// NewWebREPL creates a WebREPL transport.
func NewWebREPL(url, password string) *WebREPL {
	return &WebREPL{URL: url, Password: password}
}

// Describe implements Describer.
func (w *WebREPL) Describe() string { return w.url() }

func (w *WebREPL) url() string {
	if w.URL == "" {
		return DefaultWebREPLURL
	}
	return w.URL
}

// Open dials the board and logs in.
func (w *WebREPL) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		return nil
	}

	target := w.url()
	if w.Limiter != nil {
		if err := w.Limiter.Allow(target); err != nil {
			return err
		}
	}

	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, target, w.Header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", target, err)
	}

	timeout := w.LoginTimeout
	if timeout <= 0 {
		timeout = defaultLoginTimeout
	}
	rest, err := w.login(conn, time.Now().Add(timeout))
	if err != nil {
		conn.Close()
		if errors.Is(err, ErrAccessDenied) && w.Limiter != nil {
			w.Limiter.RecordFailure(target)
		}
		return err
	}
	if w.Limiter != nil {
		w.Limiter.RecordSuccess(target)
	}
	conn.SetReadDeadline(time.Time{})

	w.conn = conn
	w.pending = rest
	return nil
}

// login answers the password challenge and returns any REPL output that
// followed the greeting.
func (w *WebREPL) login(conn *websocket.Conn, deadline time.Time) ([]byte, error) {
	conn.SetReadDeadline(deadline)

	var seen []byte
	sentPassword := false
	for {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if bytes.Contains(seen, []byte(webreplDenied)) {
				return nil, ErrAccessDenied
			}
			return nil, fmt.Errorf("webrepl login: %w", err)
		}
		if kind != websocket.TextMessage {
			continue
		}
		seen = append(seen, data...)

		if !sentPassword && bytes.Contains(seen, []byte(webreplPasswordPrompt)) {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(w.Password+"\r")); err != nil {
				return nil, fmt.Errorf("webrepl login: %w", err)
			}
			sentPassword = true
			seen = nil
			continue
		}
		if bytes.Contains(seen, []byte(webreplDenied)) {
			return nil, ErrAccessDenied
		}
		if i := bytes.Index(seen, []byte(webreplConnected)); i >= 0 {
			rest := seen[i+len(webreplConnected):]
			return bytes.TrimPrefix(rest, []byte("\r\n")), nil
		}
	}
}

func (w *WebREPL) current() *websocket.Conn {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn
}

// Read implements Transport. Only the session's reader calls it.
func (w *WebREPL) Read(p []byte) (int, error) {
	conn := w.current()
	if conn == nil {
		return 0, io.EOF
	}
	for len(w.pending) == 0 {
		kind, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || !w.IsOpen() {
				return 0, io.EOF
			}
			return 0, fmt.Errorf("webrepl read: %w", err)
		}
		if kind == websocket.TextMessage {
			w.pending = data
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

// Write sends p as a single text frame.
func (w *WebREPL) Write(p []byte) (int, error) {
	conn := w.current()
	if conn == nil {
		return 0, ErrClosed
	}
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, p); err != nil {
		return 0, fmt.Errorf("webrepl write: %w", err)
	}
	return len(p), nil
}

// Close sends a close frame and drops the connection.
func (w *WebREPL) Close() error {
	w.mu.Lock()
	conn := w.conn
	w.conn = nil
	w.mu.Unlock()
	if conn == nil {
		return nil
	}

	w.wmu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	w.wmu.Unlock()
	return conn.Close()
}

// IsOpen implements Transport.
func (w *WebREPL) IsOpen() bool {
	return w.current() != nil
}
