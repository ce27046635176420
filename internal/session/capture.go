package session

import (
	"bytes"
	"strings"

	"github.com/acolita/micro-repl/internal/prompt"
)

// OutputEvent is one classified piece of device output.
type OutputEvent struct {
	Kind prompt.Kind
	Role prompt.Role
	Text string
}

var rawBanner = []byte("raw REPL; CTRL-B to exit\r\n>")

type rawPhase int

const (
	rawWaitBanner rawPhase = iota
	rawReady
	rawStdout
	rawStderr
	rawWaitPrompt
	rawFinished
)

// rawReply parses the framing of one raw REPL exchange:
// banner, then OK, stdout, EOT, stderr, EOT and the '>' prompt.
type rawReply struct {
	phase  rawPhase
	acc    []byte
	stdout []byte
	stderr []byte
}

// feed consumes bytes until the reply is finished and returns how many it
// used.
func (r *rawReply) feed(data []byte) int {
	for i, b := range data {
		switch r.phase {
		case rawWaitBanner:
			r.acc = append(r.acc, b)
			if bytes.HasSuffix(r.acc, rawBanner) {
				r.phase, r.acc = rawReady, nil
			}
		case rawReady:
			r.acc = append(r.acc, b)
			if bytes.HasSuffix(r.acc, []byte("OK")) {
				r.phase, r.acc = rawStdout, nil
			}
		case rawStdout:
			if b == ctrlD[0] {
				r.phase = rawStderr
			} else {
				r.stdout = append(r.stdout, b)
			}
		case rawStderr:
			if b == ctrlD[0] {
				r.phase = rawWaitPrompt
			} else {
				r.stderr = append(r.stderr, b)
			}
		case rawWaitPrompt:
			if b == '>' {
				r.phase = rawFinished
				return i + 1
			}
		case rawFinished:
			return i
		}
	}
	return len(data)
}

func (r *rawReply) ready() bool    { return r.phase >= rawReady }
func (r *rawReply) finished() bool { return r.phase == rawFinished }

// capture is the OutputCapture: it splits the device stream into lines,
// strips prompts and echo, and attributes the rest to the attached
// command. It is owned by the session worker and is not safe for
// concurrent use.
type capture struct {
	cls     *prompt.Classifier
	partial []byte
	cmd     *command

	// afterPrompt is set when the previous line ended in a prompt token,
	// so an empty terminator that follows it is dropped.
	afterPrompt bool

	// identity is the last boot banner seen, at any time.
	identity *prompt.Identity
}

func newCapture(cls *prompt.Classifier) *capture {
	return &capture{cls: cls}
}

func (c *capture) begin(cmd *command) {
	c.cmd = cmd
}

// end detaches cmd if it is still attached.
func (c *capture) end(cmd *command) {
	if c.cmd == cmd {
		c.cmd = nil
	}
}

// Feed consumes a chunk read from the transport.
func (c *capture) Feed(data []byte) []OutputEvent {
	var events []OutputEvent
	for len(data) > 0 {
		if cmd := c.cmd; cmd != nil && cmd.raw != nil && !cmd.raw.finished() {
			n := cmd.raw.feed(data)
			data = data[n:]
			continue
		}
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			c.partial = append(c.partial, data...)
			break
		}
		line := string(append(c.partial, data[:i]...))
		c.partial = nil
		data = data[i+1:]
		events = c.line(strings.Trim(line, "\r"), events)
	}

	if len(c.partial) > 0 {
		text := strings.TrimLeft(string(c.partial), "\r")
		if content, kind, ok := prompt.TrailingPrompt(text); ok {
			c.partial = nil
			if content != "" {
				events = c.line(content, events)
			}
			events = c.prompt(kind, events)
			c.afterPrompt = true
		}
	}
	return events
}

// Flush attributes a pending partial line, used when a deadline passes.
func (c *capture) Flush() []OutputEvent {
	text := strings.Trim(string(c.partial), "\r")
	c.partial = nil
	if text == "" {
		return nil
	}
	return c.text(text, nil)
}

func (c *capture) line(raw string, events []OutputEvent) []OutputEvent {
	kinds, rest := prompt.SplitPrompts(raw)
	hadPrompt := len(kinds) > 0 || c.afterPrompt
	c.afterPrompt = false
	for _, k := range kinds {
		events = c.prompt(k, events)
	}
	if rest == "" && hadPrompt {
		return events
	}
	return c.text(rest, events)
}

func (c *capture) prompt(k prompt.Kind, events []OutputEvent) []OutputEvent {
	events = append(events, OutputEvent{Kind: k, Text: promptToken(k)})
	cmd := c.cmd
	if cmd == nil {
		return events
	}
	switch k {
	case prompt.KindPrompt:
		if cmd.armed || (cmd.awaitBoot && cmd.booted) {
			cmd.done = true
			c.cmd = nil
		}
	case prompt.KindContinuation:
		if cmd.armed {
			cmd.needEnter = true
		}
	}
	return events
}

func (c *capture) text(text string, events []OutputEvent) []OutputEvent {
	role := c.cls.Role(text)
	if role == prompt.RoleBoot {
		if id, ok := prompt.ParseBanner(text); ok {
			c.identity = &id
		}
	}

	cmd := c.cmd
	if cmd == nil {
		return append(events, OutputEvent{Kind: prompt.KindBanner, Role: role, Text: text})
	}

	if text == cmd.sentinel {
		cmd.armed = true
		return append(events, OutputEvent{Kind: prompt.KindEcho, Text: text})
	}
	if !cmd.armed && cmd.matchEcho(text) {
		return append(events, OutputEvent{Kind: prompt.KindEcho, Text: text})
	}

	// Banners printed while a command is attached were caused by our own
	// input, so they are reported like echo. A program can print a line
	// that looks like a banner; it stays output unless the REPL restart is
	// confirmed by the help hint.
	switch role {
	case prompt.RoleBoot, prompt.RoleSoftReboot:
		if cmd.awaitBoot {
			cmd.booted = true
		}
		if cmd.tolerant {
			return append(events, OutputEvent{Kind: prompt.KindEcho, Role: role, Text: text})
		}
		if cmd.rebootLine == "" {
			cmd.rebootLine = text
		}
	case prompt.RoleHelp:
		if !cmd.tolerant && cmd.rebootLine != "" {
			return c.desync(cmd, cmd.rebootLine, events)
		}
		return append(events, OutputEvent{Kind: prompt.KindEcho, Role: role, Text: text})
	case prompt.RoleRawBanner:
		if cmd.raw == nil && !cmd.tolerant {
			return c.desync(cmd, text, events)
		}
		return append(events, OutputEvent{Kind: prompt.KindEcho, Role: role, Text: text})
	case prompt.RolePasteBanner, prompt.RoleWebREPL:
		return append(events, OutputEvent{Kind: prompt.KindEcho, Role: role, Text: text})
	case prompt.RoleDesync:
		if !cmd.tolerant {
			return c.desync(cmd, text, events)
		}
	}

	if cmd.wantValue {
		switch {
		case text == cmd.startMark:
			cmd.inValue = true
			return events
		case text == cmd.endMark:
			cmd.inValue, cmd.hasValue = false, true
			return events
		case cmd.inValue:
			cmd.valueLines = append(cmd.valueLines, text)
			return append(events, OutputEvent{Kind: prompt.KindValue, Text: text})
		}
	}

	if !cmd.discard {
		cmd.lines = append(cmd.lines, text)
	}
	return append(events, OutputEvent{Kind: prompt.KindOutput, Role: role, Text: text})
}

func (c *capture) desync(cmd *command, text string, events []OutputEvent) []OutputEvent {
	if cmd.desync == nil {
		cmd.desync = &DesyncError{Line: text}
	}
	return append(events, OutputEvent{Kind: prompt.KindDesync, Text: text})
}

func promptToken(k prompt.Kind) string {
	switch k {
	case prompt.KindPrompt:
		return prompt.PrimaryPrompt
	case prompt.KindContinuation:
		return prompt.ContinuationPrompt
	case prompt.KindPastePrompt:
		return prompt.PasteModePrompt
	case prompt.KindRawPrompt:
		return prompt.RawModePrompt
	}
	return ""
}
