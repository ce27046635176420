package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"golang.org/x/term"

	"github.com/acolita/micro-repl/internal/adapters/realclock"
	"github.com/acolita/micro-repl/internal/adapters/realdialog"
	"github.com/acolita/micro-repl/internal/adapters/realfs"
	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/mcp"
	"github.com/acolita/micro-repl/internal/ports"
	"github.com/acolita/micro-repl/internal/recording"
	"github.com/acolita/micro-repl/internal/security"
	"github.com/acolita/micro-repl/internal/session"
	"github.com/acolita/micro-repl/internal/transport"
)

// ErrNoDevice is returned when no board can be chosen.
var ErrNoDevice = errors.New("no device given and no board detected; use --device or --port")

// chooser picks the device a command talks to.
type chooser struct {
	cfg    *config.Config
	list   func() ([]transport.PortInfo, error)
	dialog ports.DialogProvider // nil when stdin is not a terminal
}

// choose resolves the --device and --port flags. With neither, a lone
// configured device wins, then a lone detected board, then the picker.
func (c chooser) choose(name, port string, baud int) (string, config.DeviceConfig, error) {
	switch {
	case name != "":
		dev, ok := c.cfg.Device(name)
		if !ok {
			return "", config.DeviceConfig{}, fmt.Errorf("unknown device %q (configured: %s)", name, strings.Join(c.cfg.DeviceNames(), ", "))
		}
		if baud > 0 {
			dev.BaudRate = baud
		}
		return name, dev, nil
	case port != "":
		if baud <= 0 {
			baud = session.DefaultBaudRate
		}
		return port, config.DeviceConfig{Transport: config.TransportSerial, Port: port, BaudRate: baud}, nil
	case len(c.cfg.Devices) == 1:
		return c.choose(c.cfg.DeviceNames()[0], "", baud)
	}

	found, err := c.list()
	if err != nil {
		return "", config.DeviceConfig{}, fmt.Errorf("list ports: %w", err)
	}
	// Likely boards first.
	sort.SliceStable(found, func(i, j int) bool { return found[i].Board != "" && found[j].Board == "" })

	var boards []transport.PortInfo
	for _, p := range found {
		if p.Board != "" {
			boards = append(boards, p)
		}
	}
	if len(boards) == 1 {
		return c.choose("", boards[0].Name, baud)
	}
	if len(found) == 0 || c.dialog == nil {
		if len(boards) > 1 {
			names := make([]string, len(boards))
			for i, b := range boards {
				names[i] = b.Name
			}
			return "", config.DeviceConfig{}, fmt.Errorf("several boards detected (%s); use --port", strings.Join(names, ", "))
		}
		return "", config.DeviceConfig{}, ErrNoDevice
	}

	choices := make([]ports.PortChoice, len(found))
	for i, p := range found {
		choices[i] = ports.PortChoice{Name: p.Name, Description: p.Description()}
	}
	picked, err := c.dialog.PickPort(choices)
	if err != nil {
		return "", config.DeviceConfig{}, err
	}
	return c.choose("", picked, baud)
}

// interactive reports whether stdin is a terminal.
func interactive() bool {
	return term.IsTerminal(int(os.Stdin.Fd()))
}

func dialogProvider() ports.DialogProvider {
	if !interactive() {
		return nil
	}
	return realdialog.New()
}

func secrets(cfg *config.Config) security.Secrets {
	s := security.Secrets{Getenv: os.Getenv}
	if cfg.Security.UseKeyring {
		s.Keyring = security.NewKeyringStore()
	}
	return s
}

// device is an open session plus what must be closed with it.
type device struct {
	name string
	*session.Session
	recordings *recording.Manager
}

// Close ends the session and its recording.
func (d *device) Close() error {
	err := d.Session.Close()
	if d.recordings != nil {
		d.recordings.CloseAll()
	}
	return err
}

// openDevice connects to the board selected by the global flags. mod may
// adjust the session options before connecting.
func openDevice(ctx context.Context, mod func(*session.Options)) (*device, error) {
	cfg := appConfig
	dialog := dialogProvider()
	name, dev, err := chooser{cfg: cfg, list: transport.List, dialog: dialog}.choose(deviceName, portName, baudRate)
	if err != nil {
		return nil, err
	}

	fs := realfs.New()
	clock := realclock.New()
	t, err := transport.FromConfig(name, dev, transport.Deps{
		FS:      fs,
		Clock:   clock,
		Secrets: secrets(cfg),
		Limiter: security.NewAuthRateLimiter(cfg.Security.MaxAuthFailures, cfg.Security.AuthLockout, clock),
	})
	if err != nil {
		return nil, err
	}

	opts, err := session.OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	opts.BaudRate = dev.BaudRate
	opts.Output = os.Stderr
	opts.Logger = slog.Default().With(slog.String("device", name))
	if cfg.Session.ConfirmBeforeClose && dialog != nil {
		opts.ConfirmBeforeClose = func() bool {
			ok, err := dialog.Confirm("Close with commands still running?", "Pending commands will fail.")
			return err == nil && ok
		}
	}

	d := &device{name: name}
	if cfg.Recording.Enabled {
		path := cfg.Recording.Path
		if path == "" {
			path = mcp.DefaultRecordingPath()
		}
		d.recordings = recording.NewManager(path, true, fs, clock)
		rec, err := d.recordings.Start(recordingID(name), name)
		if err != nil {
			slog.Warn("recording not started", slog.String("error", err.Error()))
		} else if rec != nil {
			opts.Recorder = rec
		}
	}
	if mod != nil {
		mod(&opts)
	}

	slog.Debug("connecting", slog.String("device", name), slog.String("transport", transport.Describe(t)))
	sess, err := session.Connect(ctx, t, opts)
	if err != nil {
		if d.recordings != nil {
			d.recordings.CloseAll()
		}
		return nil, fmt.Errorf("connect %s: %w", name, err)
	}
	d.Session = sess
	return d, nil
}

// recordingID turns a device name or port path into a file name part.
func recordingID(name string) string {
	return "cli_" + strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, strings.TrimPrefix(name, "/dev/"))
}
