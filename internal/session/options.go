package session

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/acolita/micro-repl/internal/adapters/realclock"
	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/ports"
	"github.com/acolita/micro-repl/internal/prompt"
)

// DecodeFunc turns the raw text of an evaluated value into a Go value.
type DecodeFunc func(raw string) (any, error)

// Recorder receives a copy of all traffic on the wire.
type Recorder interface {
	RecordOutput(data []byte)
	RecordInput(data []byte)
}

// Options configures a Session. Callbacks are invoked synchronously from
// the session's goroutines and must not call back into Close, except for
// OnError reporting a failed resynchronization.
type Options struct {
	// Name is the configured device name, kept in session metadata.
	Name string
	// BaudRate is a speed hint passed to transports that need one.
	BaudRate int

	// Output receives unsolicited device output (boot banners, prints from
	// background tasks). Nil discards it.
	Output io.Writer
	// ShowCommandOutput also copies command output to Output.
	ShowCommandOutput bool
	// OnData receives every chunk read from the transport, unmodified.
	OnData func([]byte)

	// OnceClosed is called exactly once when the session ends, with the
	// cause or nil. It also fires when Connect fails.
	OnceClosed func(error)
	// OnResult decodes captured values. The default parses JSON.
	OnResult DecodeFunc
	// OnConnect fires after the handshake with the device identity.
	OnConnect func(identity string)
	// OnDisconnect fires after a connected session is torn down.
	OnDisconnect func(error)
	// OnError receives asynchronous errors not tied to a call. A failed
	// resynchronization is reported on its own goroutine while the session
	// is still connected.
	OnError func(error)
	// ConfirmBeforeClose is asked when Close is called with work pending.
	ConfirmBeforeClose func() bool

	CommandTimeout time.Duration
	ResetTimeout   time.Duration
	HandshakeQuiet time.Duration
	// LineDelay is slept between lines of multi-line input. Zero sends
	// lines back to back.
	LineDelay time.Duration
	MaxQueue  int
	ChunkSize int
	Encoding  Encoding

	Classifier *prompt.Classifier
	Clock      ports.Clock
	Logger     *slog.Logger
	Recorder   Recorder
}

func (o Options) withDefaults() Options {
	if o.BaudRate <= 0 {
		o.BaudRate = DefaultBaudRate
	}
	if o.OnResult == nil {
		o.OnResult = decodeJSON
	}
	if o.CommandTimeout <= 0 {
		o.CommandTimeout = DefaultCommandTimeout
	}
	if o.ResetTimeout <= 0 {
		o.ResetTimeout = DefaultResetTimeout
	}
	if o.HandshakeQuiet <= 0 {
		o.HandshakeQuiet = DefaultHandshakeQuiet
	}
	if o.MaxQueue <= 0 {
		o.MaxQueue = DefaultMaxQueue
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
	if o.ChunkSize > MaxChunkSize {
		o.ChunkSize = MaxChunkSize
	}
	if o.Encoding == "" {
		o.Encoding = EncodingDecimal
	}
	if o.Classifier == nil {
		o.Classifier = prompt.NewClassifier()
	}
	if o.Clock == nil {
		o.Clock = realclock.New()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

func decodeJSON(raw string) (any, error) {
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return nil, err
	}
	return v, nil
}

// OptionsFromConfig maps the session and prompt_detection sections onto
// Options. Callbacks and collaborators are left for the caller.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	enc, err := ParseEncoding(cfg.Session.UploadEncoding)
	if err != nil {
		return Options{}, err
	}
	cls := prompt.NewClassifier()
	for _, p := range cfg.PromptDetection.CustomPatterns {
		if err := cls.AddPatternFromConfig(p.Name, p.Regex, p.Role); err != nil {
			return Options{}, fmt.Errorf("prompt_detection: %w", err)
		}
	}
	return Options{
		CommandTimeout: cfg.Session.CommandTimeout,
		ResetTimeout:   cfg.Session.ResetTimeout,
		HandshakeQuiet: cfg.Session.HandshakeQuiet,
		LineDelay:      cfg.Session.LineDelay,
		MaxQueue:       cfg.Session.MaxQueue,
		ChunkSize:      cfg.Session.ChunkSize,
		Encoding:       enc,
		Classifier:     cls,
	}, nil
}
