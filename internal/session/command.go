package session

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// Kind is the kind of a PendingCommand.
type Kind string

const (
	KindWrite       Kind = "write"
	KindEval        Kind = "eval"
	KindPaste       Kind = "paste"
	KindExecRaw     Kind = "exec_raw"
	KindRawUpload   Kind = "raw_upload"
	KindPassthrough Kind = "passthrough"
	KindSync        Kind = "sync"
	KindInterrupt   Kind = "interrupt"
	KindReset       Kind = "reset"
)

// command is the PendingCommand: one framed exchange with the REPL. At
// most one is attached to the capture at a time.
type command struct {
	kind     Kind
	id       string
	sentinel string

	echoes   []string
	nextEcho int

	// armed is set once the sentinel's echo has been seen; the next primary
	// prompt completes the command.
	armed bool
	done  bool

	// tolerant commands accept banners and mode changes without desync.
	tolerant bool
	// discard drops output instead of collecting it.
	discard bool

	needEnter bool
	enterSent bool

	lines []string

	wantValue  bool
	startMark  string
	endMark    string
	inValue    bool
	hasValue   bool
	valueLines []string

	raw *rawReply

	awaitBoot bool
	booted    bool
	// rebootLine is a banner-like line seen mid-command. It only becomes
	// a desync once the help hint of a restarted REPL follows it.
	rebootLine string

	desync *DesyncError
}

func newCommand(kind Kind, sent []string) *command {
	id := uuid.NewString()
	c := &command{
		kind:     kind,
		id:       id,
		sentinel: sentinelPrefix + id,
	}
	for _, l := range sent {
		c.echoes = append(c.echoes, strings.TrimRight(l, " \t"))
	}
	return c
}

func newSyncCommand() *command {
	c := newCommand(KindSync, nil)
	c.tolerant = true
	c.discard = true
	return c
}

// matchEcho consumes the expected echo equal to text, searching forward so
// that one mangled echo does not hide the rest.
func (c *command) matchEcho(text string) bool {
	text = strings.TrimRight(text, " \t")
	for i := c.nextEcho; i < len(c.echoes); i++ {
		if c.echoes[i] == text {
			c.nextEcho = i + 1
			return true
		}
	}
	return false
}

func (c *command) isDone() bool { return c.done }

func (c *command) output() string {
	return strings.Join(c.lines, "\n")
}

func (c *command) value() string {
	return strings.Join(c.valueLines, "\n")
}

var lineSeparator = regexp.MustCompile(`\r\n|\r|\n`)

func splitLines(code string) []string {
	return lineSeparator.Split(code, -1)
}

// dedent drops leading and trailing blank lines and removes the whitespace
// prefix shared by every non-blank line.
func dedent(code string) []string {
	lines := splitLines(code)
	for len(lines) > 0 && strings.TrimSpace(lines[0]) == "" {
		lines = lines[1:]
	}
	for len(lines) > 0 && strings.TrimSpace(lines[len(lines)-1]) == "" {
		lines = lines[:len(lines)-1]
	}

	prefix := ""
	first := true
	for _, l := range lines {
		if strings.TrimSpace(l) == "" {
			continue
		}
		indent := l[:len(l)-len(strings.TrimLeft(l, " \t"))]
		if first {
			prefix, first = indent, false
			continue
		}
		for !strings.HasPrefix(indent, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}

	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = strings.TrimPrefix(l, prefix)
	}
	return out
}

// needsPaste reports whether text cannot be entered as one REPL line
// without triggering continuation or auto-indent.
func needsPaste(text string) bool {
	if strings.ContainsAny(text, "\r\n") {
		return true
	}
	t := strings.TrimRight(text, " \t")
	return strings.HasSuffix(t, ":") || strings.HasSuffix(t, "\\")
}

var (
	bareReference = regexp.MustCompile(`^[A-Za-z0-9._]+$`)
	statementHead = regexp.MustCompile(`^(?:pass|break|continue|return|import|from|del|raise|global|nonlocal|assert|if|elif|else|for|while|with|def|class|try|except|finally|async|yield)\b`)
)

// isValueLine reports whether the last line of an eval block is an
// expression whose value should be captured.
func isValueLine(line string) bool {
	if bareReference.MatchString(line) {
		return !statementHead.MatchString(line)
	}
	if line == "" || line[0] == ' ' || line[0] == '\t' || line[0] == '#' || line[0] == '@' {
		return false
	}
	if strings.ContainsAny(line, ";=") || strings.HasSuffix(line, ":") {
		return false
	}
	return !statementHead.MatchString(line)
}

// continues reports whether a statement begun in lines is still open at
// their end, so the next line cannot be a standalone expression.
func continues(lines []string) bool {
	depth := 0
	var quote string
	for _, line := range lines {
		for i := 0; i < len(line); i++ {
			c := line[i]
			if quote != "" {
				switch {
				case c == '\\':
					i++
				case strings.HasPrefix(line[i:], quote):
					i += len(quote) - 1
					quote = ""
				}
				continue
			}
			switch c {
			case '#':
				i = len(line)
			case '"', '\'':
				quote = string(c)
				if strings.HasPrefix(line[i:], strings.Repeat(quote, 3)) {
					quote = strings.Repeat(quote, 3)
					i += 2
				}
			case '(', '[', '{':
				depth++
			case ')', ']', '}':
				depth--
			}
		}
		if len(quote) == 1 {
			// Unterminated single-quoted strings end at the line.
			quote = ""
		}
	}
	if depth > 0 || quote != "" {
		return true
	}
	if n := len(lines); n > 0 {
		return strings.HasSuffix(strings.TrimRight(lines[n-1], " \t"), "\\")
	}
	return false
}

// evalProgram wraps code so the value of its last line is printed as JSON
// between markers unique to id. If the last line is not an expression the
// code is returned unchanged and no value is expected.
func evalProgram(code, id string) (lines []string, wantValue bool) {
	lines = dedent(code)
	if len(lines) == 0 {
		return nil, false
	}
	last := lines[len(lines)-1]
	if continues(lines[:len(lines)-1]) || !isValueLine(last) {
		return lines, false
	}

	// The markers are split in the source so their echo never looks like
	// the printed marker.
	start := "'" + valueStartMark + "'+'" + id + markSuffix + "'"
	end := "'" + valueEndMark + "'+'" + id + markSuffix + "'"
	body := append([]string{}, lines[:len(lines)-1]...)
	body = append(body,
		evalValueVar+"=("+last+")",
		"try:",
		" "+evalTextVar+"=__import__('json').dumps("+evalValueVar+")",
		"except Exception:",
		" "+evalTextVar+"=__import__('json').dumps(repr("+evalValueVar+"))",
		"print("+start+");print("+evalTextVar+");print("+end+")",
		"del "+evalValueVar+","+evalTextVar,
	)
	return body, true
}
