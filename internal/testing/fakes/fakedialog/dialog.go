// Package fakedialog provides a test fake for ports.DialogProvider.
package fakedialog

import (
	"sync"

	"github.com/acolita/micro-repl/internal/ports"
)

// Provider is a controllable fake DialogProvider for testing.
type Provider struct {
	mu sync.Mutex

	// Port is returned by PickPort. Empty means the first choice.
	Port string
	// Answer is returned by Confirm.
	Answer bool
	// Err is returned by both methods when set.
	Err error

	// Choices records what PickPort was offered.
	Choices []ports.PortChoice
	// Questions records the titles passed to Confirm.
	Questions []string
}

// New returns a new fake dialog provider.
func New() *Provider {
	return &Provider{}
}

func (p *Provider) PickPort(choices []ports.PortChoice) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Choices = choices
	if p.Err != nil {
		return "", p.Err
	}
	if p.Port == "" && len(choices) > 0 {
		return choices[0].Name, nil
	}
	return p.Port, nil
}

func (p *Provider) Confirm(title, _ string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Questions = append(p.Questions, title)
	if p.Err != nil {
		return false, p.Err
	}
	return p.Answer, nil
}

var _ ports.DialogProvider = (*Provider)(nil)
