// Package recovery turns MicroPython tracebacks into fix suggestions.
package recovery

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Suggestion is one possible fix for an error seen in device output.
type Suggestion struct {
	Error       string   `json:"error"`
	Category    string   `json:"category"`
	Commands    []string `json:"commands,omitempty"` // code to run on the board
	Explanation string   `json:"explanation"`
	Confidence  float64  `json:"confidence"`
	Risky       bool     `json:"risky,omitempty"`
}

// Traceback is the last exception printed by the REPL.
type Traceback struct {
	Exception string `json:"exception"`
	Message   string `json:"message"`
	File      string `json:"file,omitempty"`
	Line      int    `json:"line,omitempty"`
}

// Analyzer detects errors and suggests recovery actions.
type Analyzer struct {
	rules []recoveryRule
}

type recoveryRule struct {
	name    string
	pattern *regexp.Regexp
	suggest func(matches []string) *Suggestion
}

// NewAnalyzer creates an analyzer with the built-in rules.
func NewAnalyzer() *Analyzer {
	return &Analyzer{rules: defaultRules()}
}

var (
	tracebackHeader = regexp.MustCompile(`Traceback \(most recent call last\):`)
	frameLine       = regexp.MustCompile(`^\s+File "([^"]*)", line (\d+)`)
	exceptionLine   = regexp.MustCompile(`^([A-Z][A-Za-z]*(?:Error|Exception|Interrupt|Exit|Iteration))(?::\s*(.*))?$`)
)

// ParseTraceback returns the last traceback in output. Bare exception
// lines without a header are accepted too, since the raw REPL reports
// errors on stderr that way.
func ParseTraceback(output string) (*Traceback, bool) {
	lines := strings.Split(strings.ReplaceAll(output, "\r\n", "\n"), "\n")
	start := 0
	for i, l := range lines {
		if tracebackHeader.MatchString(l) {
			start = i
		}
	}

	var tb *Traceback
	var file string
	var line int
	for _, l := range lines[start:] {
		if m := frameLine.FindStringSubmatch(l); m != nil {
			file = m[1]
			line, _ = strconv.Atoi(m[2])
			continue
		}
		if m := exceptionLine.FindStringSubmatch(strings.TrimSpace(l)); m != nil {
			tb = &Traceback{Exception: m[1], Message: m[2], File: file, Line: line}
		}
	}
	return tb, tb != nil
}

// Analyze examines device output and returns suggestions, most
// confident first. Output without an exception yields nil.
func (a *Analyzer) Analyze(output string) []*Suggestion {
	tb, ok := ParseTraceback(output)
	if !ok {
		return nil
	}
	text := tb.Exception
	if tb.Message != "" {
		text += ": " + tb.Message
	}

	var suggestions []*Suggestion
	for _, rule := range a.rules {
		if matches := rule.pattern.FindStringSubmatch(text); matches != nil {
			if s := rule.suggest(matches); s != nil {
				suggestions = append(suggestions, s)
			}
		}
	}
	sort.SliceStable(suggestions, func(i, j int) bool {
		return suggestions[i].Confidence > suggestions[j].Confidence
	})
	return suggestions
}

// errnoNames maps the errno numbers MicroPython prints to their names.
var errnoNames = map[int]string{
	1:   "EPERM",
	2:   "ENOENT",
	5:   "EIO",
	9:   "EBADF",
	11:  "EAGAIN",
	12:  "ENOMEM",
	13:  "EACCES",
	17:  "EEXIST",
	19:  "ENODEV",
	21:  "EISDIR",
	22:  "EINVAL",
	28:  "ENOSPC",
	39:  "ENOTEMPTY",
	103: "ECONNABORTED",
	104: "ECONNRESET",
	110: "ETIMEDOUT",
	111: "ECONNREFUSED",
	113: "EHOSTUNREACH",
	116: "ETIMEDOUT",
	118: "EHOSTUNREACH",
}

func errnoName(s string) string {
	if n, err := strconv.Atoi(s); err == nil {
		if name, ok := errnoNames[n]; ok {
			return name
		}
	}
	return s
}

func defaultRules() []recoveryRule {
	return []recoveryRule{
		{
			name:    "import_error",
			pattern: regexp.MustCompile(`^ImportError: (?:no module named|can't import name) '([\w.]+)'`),
			suggest: func(m []string) *Suggestion {
				return &Suggestion{
					Error:    "Module not found: " + m[1],
					Category: "package",
					Commands: []string{
						"import mip; mip.install('" + m[1] + "')",
						"import os; os.listdir('/lib')",
					},
					Explanation: "The module is not frozen into the firmware or present on the filesystem. Install it with mip or upload it to /lib.",
					Confidence:  0.85,
				}
			},
		},
		{
			name:    "memory_error",
			pattern: regexp.MustCompile(`^MemoryError(?:: memory allocation failed, allocating (\d+) bytes)?`),
			suggest: func(m []string) *Suggestion {
				msg := "Out of memory"
				if m[1] != "" {
					msg += " allocating " + m[1] + " bytes"
				}
				return &Suggestion{
					Error:       msg,
					Category:    "memory",
					Commands:    []string{"import gc; gc.collect(); gc.mem_free()", "import micropython; micropython.mem_info()"},
					Explanation: "The heap is exhausted or fragmented. Collect garbage, allocate buffers early, or precompile large modules to .mpy.",
					Confidence:  0.8,
				}
			},
		},
		{
			name:    "oserror_errno",
			pattern: regexp.MustCompile(`^OSError: (?:\[Errno (\d+)\] (\w+)|(-?\d+))`),
			suggest: func(m []string) *Suggestion {
				name := m[2]
				if name == "" {
					name = errnoName(m[3])
				}
				return errnoSuggestion(name)
			},
		},
		{
			name:    "syntax_error",
			pattern: regexp.MustCompile(`^(SyntaxError|IndentationError): (.*)`),
			suggest: func(m []string) *Suggestion {
				return &Suggestion{
					Error:       m[1] + ": " + m[2],
					Category:    "syntax",
					Explanation: "The code did not compile. Multi-line blocks typed in line mode lose indentation, so send them with paste instead.",
					Confidence:  0.7,
				}
			},
		},
		{
			name:    "name_error",
			pattern: regexp.MustCompile(`^NameError: name '(\w+)' is(?:n't| not) defined`),
			suggest: func(m []string) *Suggestion {
				cmds := []string{"dir()"}
				switch m[1] {
				case "machine", "time", "os", "sys", "gc", "network", "micropython":
					cmds = []string{"import " + m[1]}
				}
				return &Suggestion{
					Error:       "Name not defined: " + m[1],
					Category:    "name",
					Commands:    cmds,
					Explanation: "The name does not exist in the REPL namespace. A soft reset clears all globals, so imports must be repeated afterwards.",
					Confidence:  0.75,
				}
			},
		},
		{
			name:    "attribute_error",
			pattern: regexp.MustCompile(`^AttributeError: '(\w+)' object has no attribute '(\w+)'`),
			suggest: func(m []string) *Suggestion {
				return &Suggestion{
					Error:       "Missing attribute " + m[2] + " on " + m[1],
					Category:    "name",
					Commands:    []string{"import sys; sys.implementation"},
					Explanation: "The port or firmware version does not provide this attribute. Check the board's MicroPython documentation.",
					Confidence:  0.5,
				}
			},
		},
	}
}

func errnoSuggestion(name string) *Suggestion {
	s := &Suggestion{Error: "OSError " + name, Category: "filesystem", Confidence: 0.6}
	switch name {
	case "ENOENT":
		s.Commands = []string{"import os; os.listdir()"}
		s.Explanation = "The file or directory does not exist on the board. Paths are relative to the current directory, usually /."
		s.Confidence = 0.8
	case "EEXIST":
		s.Commands = []string{"import os; os.stat(path)"}
		s.Explanation = "A file or directory already exists at that path."
	case "ENOSPC":
		s.Commands = []string{"import os; os.statvfs('/')"}
		s.Explanation = "The board's filesystem is full. Remove unused files."
		s.Confidence = 0.85
	case "EACCES", "EPERM":
		s.Explanation = "The filesystem is mounted read-only or the mount is busy."
	case "ENODEV":
		s.Category = "hardware"
		s.Commands = []string{"from machine import I2C; I2C(0).scan()"}
		s.Explanation = "The peripheral did not respond. Check wiring, pull-ups and the bus address."
		s.Confidence = 0.7
	case "EIO":
		s.Category = "hardware"
		s.Explanation = "A bus or flash operation failed. Check wiring and power."
	case "ETIMEDOUT", "ECONNREFUSED", "ECONNRESET", "ECONNABORTED", "EHOSTUNREACH":
		s.Category = "network"
		s.Commands = []string{"import network; network.WLAN(network.STA_IF).ifconfig()"}
		s.Explanation = "The network operation failed. Check that WLAN is connected and the host is reachable."
		s.Confidence = 0.7
	case "ENOMEM":
		s.Category = "memory"
		s.Commands = []string{"import gc; gc.collect()"}
		s.Explanation = "The driver could not allocate memory."
	default:
		s.Explanation = "The operating system call failed with " + name + "."
		s.Confidence = 0.3
	}
	return s
}
