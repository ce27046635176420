package ports

// PortChoice is one selectable serial device.
type PortChoice struct {
	Name        string
	Description string
}

// DialogProvider abstracts the interactive questions the CLI asks.
// Implementations may use TUI forms or test fakes.
type DialogProvider interface {
	// PickPort asks the user to choose one of the available devices.
	PickPort(choices []PortChoice) (string, error)

	// Confirm asks a yes/no question and reports the answer.
	Confirm(title, description string) (bool, error)
}
