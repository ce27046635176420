// Package prompt recognizes the line conventions of the MicroPython REPL.
package prompt

import "regexp"

// Kind tags one line (or prompt token) read from the device.
type Kind string

const (
	KindOutput       Kind = "output"
	KindEcho         Kind = "echo"
	KindPrompt       Kind = "prompt"
	KindContinuation Kind = "continuation"
	KindPastePrompt  Kind = "paste_prompt"
	KindRawPrompt    Kind = "raw_prompt"
	KindBanner       Kind = "banner"
	KindValue        Kind = "value"
	KindDesync       Kind = "desync"
)

// Prompt tokens printed by the friendly REPL. They are never followed by a
// line terminator.
const (
	PrimaryPrompt      = ">>> "
	ContinuationPrompt = "... "
	PasteModePrompt    = "=== "
	RawModePrompt      = ">"
)

// Role is what a recognized line means to the session.
type Role string

const (
	RoleNone        Role = ""
	RoleBoot        Role = "boot"
	RoleSoftReboot  Role = "soft_reboot"
	RoleHelp        Role = "help"
	RolePasteBanner Role = "paste_banner"
	RoleRawBanner   Role = "raw_banner"
	RoleWebREPL     Role = "webrepl"
	RoleTraceback   Role = "traceback"
	RoleDesync      Role = "desync"
)

// Pattern maps a regular expression over a complete line to a Role.
type Pattern struct {
	Name  string
	Regex *regexp.Regexp
	Role  Role
}

var bannerRe = regexp.MustCompile(`^MicroPython (v\S+?)(?:-\S+)? on (\d{4}-\d{2}-\d{2}); (.+?)(?: with (.+))?$`)

// DefaultPatterns returns the built-in line patterns.
func DefaultPatterns() []Pattern {
	return []Pattern{
		{
			Name:  "boot_banner",
			Regex: bannerRe,
			Role:  RoleBoot,
		},
		{
			Name:  "soft_reboot",
			Regex: regexp.MustCompile(`^(?:MPY: )?soft reboot$`),
			Role:  RoleSoftReboot,
		},
		{
			Name:  "help_hint",
			Regex: regexp.MustCompile(`^Type "help\(\)" for more information\.$`),
			Role:  RoleHelp,
		},
		{
			Name:  "paste_mode",
			Regex: regexp.MustCompile(`^paste mode; Ctrl-C to cancel, Ctrl-D to finish$`),
			Role:  RolePasteBanner,
		},
		{
			Name:  "raw_repl",
			Regex: regexp.MustCompile(`^raw REPL; CTRL-B to exit$`),
			Role:  RoleRawBanner,
		},
		{
			Name:  "webrepl_connected",
			Regex: regexp.MustCompile(`^WebREPL (?:connected|daemon started)`),
			Role:  RoleWebREPL,
		},
		{
			Name:  "traceback",
			Regex: regexp.MustCompile(`^Traceback \(most recent call last\):$`),
			Role:  RoleTraceback,
		},
	}
}
