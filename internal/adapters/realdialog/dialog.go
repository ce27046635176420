// Package realdialog provides a TUI DialogProvider using charmbracelet/huh.
//
// The CLI owns its terminal, so forms run inline on stdin/stdout. Callers
// must check that stdin is a terminal before asking anything. The MCP
// server does not own stdio and asks on the controlling terminal instead,
// see OpenTTY.
package realdialog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/acolita/micro-repl/internal/ports"
	"github.com/charmbracelet/huh"
)

// ErrNoChoices is returned by PickPort when there is nothing to pick.
var ErrNoChoices = errors.New("no serial devices found")

// Provider implements ports.DialogProvider with huh forms.
type Provider struct {
	// Accessible switches huh into its screen-reader friendly mode.
	Accessible bool

	// In and Out replace stdin and stdout when set.
	In  io.Reader
	Out io.Writer
}

// New returns a new TUI dialog provider.
func New() *Provider {
	return &Provider{}
}

// OpenTTY returns a provider that asks on /dev/tty, and a func that closes
// it. It fails when the process has no controlling terminal.
func OpenTTY() (*Provider, func() error, error) {
	f, err := os.OpenFile("/dev/tty", os.O_RDWR, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("open terminal: %w", err)
	}
	return &Provider{In: f, Out: f}, f.Close, nil
}

func (p *Provider) run(form *huh.Form) error {
	form = form.WithAccessible(p.Accessible)
	if p.In != nil {
		form = form.WithInput(p.In)
	}
	if p.Out != nil {
		form = form.WithOutput(p.Out)
	}
	return form.Run()
}

// PickPort shows a select list of serial devices and returns the chosen name.
func (p *Provider) PickPort(choices []ports.PortChoice) (string, error) {
	if len(choices) == 0 {
		return "", ErrNoChoices
	}
	if len(choices) == 1 {
		return choices[0].Name, nil
	}

	selected := choices[0].Name
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Select a device").
				Description("MicroPython boards visible on this host").
				Options(portOptions(choices)...).
				Value(&selected),
		),
	)

	if err := p.run(form); err != nil {
		return "", fmt.Errorf("pick port: %w", err)
	}
	return selected, nil
}

// Confirm shows a yes/no question.
func (p *Provider) Confirm(title, description string) (bool, error) {
	var ok bool
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewConfirm().
				Title(title).
				Description(description).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		),
	)

	if err := p.run(form); err != nil {
		return false, fmt.Errorf("confirm: %w", err)
	}
	return ok, nil
}

var _ ports.DialogProvider = (*Provider)(nil)
