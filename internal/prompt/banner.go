package prompt

import "strings"

// Identity is what a MicroPython boot banner says about the board.
type Identity struct {
	Version string
	Date    string
	Board   string
	MCU     string
}

// String formats the identity the same way sys.implementation._machine does.
func (i Identity) String() string {
	if i.MCU == "" {
		return i.Board
	}
	return i.Board + " with " + i.MCU
}

// ParseBanner parses a line such as
//
//	MicroPython v1.22.0 on 2024-01-05; Raspberry Pi Pico with RP2040
func ParseBanner(line string) (Identity, bool) {
	m := bannerRe.FindStringSubmatch(strings.TrimSpace(line))
	if m == nil {
		return Identity{}, false
	}
	return Identity{
		Version: m[1],
		Date:    m[2],
		Board:   m[3],
		MCU:     m[4],
	}, true
}
