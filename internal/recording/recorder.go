// Package recording writes device traffic in asciicast v2 format.
package recording

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/acolita/micro-repl/internal/ports"
)

// Recorder records REPL traffic in asciicast v2 format.
// See: https://docs.asciinema.org/manual/asciicast/v2/
type Recorder struct {
	mu        sync.Mutex
	w         io.WriteCloser
	path      string
	startTime time.Time
	closed    bool
	clock     ports.Clock
	err       error

	// Incomplete UTF-8 sequences held until the next chunk.
	outTail []byte
	inTail  []byte
}

// Header is the asciicast v2 header.
type Header struct {
	Version   int               `json:"version"`
	Width     int               `json:"width"`
	Height    int               `json:"height"`
	Timestamp int64             `json:"timestamp"`
	Title     string            `json:"title,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
}

// Event is an asciicast v2 event [time, type, data].
type Event struct {
	Time float64 `json:"-"`
	Type string  `json:"-"`
	Data string  `json:"-"`
}

// MarshalJSON implements custom JSON marshaling for Event. Prompts such as
// ">>> " are kept readable rather than HTML-escaped.
func (e Event) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{e.Time, e.Type, e.Data}); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Terminal size written to headers. Boards do not report one.
const (
	DefaultWidth  = 80
	DefaultHeight = 24
)

// NewRecorder writes the header to w and returns a recorder appending
// events to it.
func NewRecorder(w io.WriteCloser, title string, clock ports.Clock) (*Recorder, error) {
	r := &Recorder{w: w, startTime: clock.Now(), clock: clock}

	header := Header{
		Version:   2,
		Width:     DefaultWidth,
		Height:    DefaultHeight,
		Timestamp: r.startTime.Unix(),
		Title:     title,
		Env:       map[string]string{"TERM": "dumb"},
	}
	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("marshal header: %w", err)
	}
	if _, err := w.Write(append(headerJSON, '\n')); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	return r, nil
}

// Create makes a new recording file in dir named after the session and
// its start time.
func Create(fsys ports.FileSystem, dir, sessionID, title string, clock ports.Clock) (*Recorder, error) {
	if err := fsys.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create recording directory: %w", err)
	}

	filename := fmt.Sprintf("%s_%s.cast", sessionID, clock.Now().Format("20060102_150405"))
	fullPath := filepath.Join(dir, filename)

	f, err := fsys.Create(fullPath, 0600)
	if err != nil {
		return nil, fmt.Errorf("create recording file: %w", err)
	}
	r, err := NewRecorder(f, title, clock)
	if err != nil {
		f.Close()
		return nil, err
	}
	r.path = fullPath
	return r, nil
}

// RecordOutput records bytes read from the device.
func (r *Recorder) RecordOutput(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outTail = r.recordLocked("o", r.outTail, data)
}

// RecordInput records bytes written to the device. Use RecordMaskedInput
// for passwords.
func (r *Recorder) RecordInput(data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inTail = r.recordLocked("i", r.inTail, data)
}

// RecordMaskedInput records n bytes of input as asterisks.
func (r *Recorder) RecordMaskedInput(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writeLocked("i", strings.Repeat("*", n))
}

// recordLocked prepends tail to data and writes everything up to the last
// complete rune. The incomplete remainder is returned.
func (r *Recorder) recordLocked(kind string, tail, data []byte) []byte {
	buf := append(tail, data...)
	cut := completePrefix(buf)
	if cut > 0 {
		r.writeLocked(kind, string(buf[:cut]))
	}
	return append([]byte(nil), buf[cut:]...)
}

// completePrefix returns the length of buf without a trailing partial
// UTF-8 sequence. Invalid bytes count as complete.
func completePrefix(buf []byte) int {
	for i := len(buf) - 1; i >= 0 && i >= len(buf)-utf8.UTFMax; i-- {
		if !utf8.RuneStart(buf[i]) {
			continue
		}
		if !utf8.FullRune(buf[i:]) {
			return i
		}
		break
	}
	return len(buf)
}

func (r *Recorder) writeLocked(kind, data string) {
	if r.closed || r.err != nil {
		return
	}
	event := Event{
		Time: r.clock.Now().Sub(r.startTime).Seconds(),
		Type: kind,
		Data: data,
	}
	eventJSON, err := event.MarshalJSON()
	if err == nil {
		_, err = r.w.Write(append(eventJSON, '\n'))
	}
	if err != nil {
		r.err = fmt.Errorf("write event: %w", err)
	}
}

// Err returns the first write error. Recording stops after it.
func (r *Recorder) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

// Close flushes held partial runes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	if len(r.outTail) > 0 {
		r.writeLocked("o", string(r.outTail))
	}
	if len(r.inTail) > 0 {
		r.writeLocked("i", string(r.inTail))
	}
	r.closed = true
	return r.w.Close()
}

// Path returns the recording file path, or "" when not file-backed.
func (r *Recorder) Path() string {
	return r.path
}
