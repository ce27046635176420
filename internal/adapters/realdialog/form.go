package realdialog

import (
	"github.com/acolita/micro-repl/internal/ports"
	"github.com/charmbracelet/huh"
)

// portOptions renders device choices as select options, showing the
// description next to the device path when one is known.
func portOptions(choices []ports.PortChoice) []huh.Option[string] {
	opts := make([]huh.Option[string], 0, len(choices))
	for _, c := range choices {
		opts = append(opts, huh.NewOption(optionLabel(c), c.Name))
	}
	return opts
}

func optionLabel(c ports.PortChoice) string {
	if c.Description == "" {
		return c.Name
	}
	return c.Name + "  (" + c.Description + ")"
}
