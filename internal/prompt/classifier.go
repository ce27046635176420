package prompt

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Match is a line that one of the classifier's patterns recognized.
type Match struct {
	Pattern Pattern
	Text    string
}

// Classifier assigns Roles to complete lines and splits prompt tokens off
// the front and back of raw lines. It holds no per-command state.
type Classifier struct {
	mu       sync.RWMutex
	patterns []Pattern
	custom   []Pattern
}

// ClassifierOption configures the classifier.
type ClassifierOption func(*Classifier)

// WithCustomPatterns adds patterns checked before the defaults.
func WithCustomPatterns(patterns []Pattern) ClassifierOption {
	return func(c *Classifier) {
		c.custom = append(c.custom, patterns...)
	}
}

// NewClassifier creates a classifier with the default MicroPython patterns.
func NewClassifier(opts ...ClassifierOption) *Classifier {
	c := &Classifier{patterns: DefaultPatterns()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// AddPattern adds a custom pattern to the classifier.
func (c *Classifier) AddPattern(p Pattern) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.custom = append(c.custom, p)
}

// AddPatternFromConfig adds a pattern from configuration. Unknown roles
// are treated as desync markers.
func (c *Classifier) AddPatternFromConfig(name, regex, role string) error {
	re, err := regexp.Compile(regex)
	if err != nil {
		return fmt.Errorf("pattern %q: %w", name, err)
	}

	r := Role(role)
	switch r {
	case RoleBoot, RoleSoftReboot, RoleHelp, RolePasteBanner, RoleRawBanner, RoleWebREPL, RoleTraceback:
	default:
		r = RoleDesync
	}

	c.AddPattern(Pattern{Name: name, Regex: re, Role: r})
	return nil
}

// Match returns the first pattern matching line, custom patterns first.
func (c *Classifier) Match(line string) *Match {
	c.mu.RLock()
	defer c.mu.RUnlock()

	for _, p := range c.custom {
		if p.Regex.MatchString(line) {
			return &Match{Pattern: p, Text: line}
		}
	}
	for _, p := range c.patterns {
		if p.Regex.MatchString(line) {
			return &Match{Pattern: p, Text: line}
		}
	}
	return nil
}

// Role returns the role of a complete line, or RoleNone.
func (c *Classifier) Role(line string) Role {
	if m := c.Match(line); m != nil {
		return m.Pattern.Role
	}
	return RoleNone
}

var promptTokens = []struct {
	token string
	kind  Kind
}{
	{PrimaryPrompt, KindPrompt},
	{ContinuationPrompt, KindContinuation},
	{PasteModePrompt, KindPastePrompt},
}

// SplitPrompts strips the prompt tokens that start line and returns them in
// order with the remaining text.
func SplitPrompts(line string) ([]Kind, string) {
	var kinds []Kind
	for {
		matched := false
		for _, p := range promptTokens {
			if strings.HasPrefix(line, p.token) {
				kinds = append(kinds, p.kind)
				line = line[len(p.token):]
				matched = true
				break
			}
		}
		if !matched {
			return kinds, line
		}
	}
}

// TrailingPrompt reports whether an unterminated partial line ends in a
// prompt token. The text before the token is returned as content.
func TrailingPrompt(partial string) (content string, kind Kind, ok bool) {
	for _, p := range promptTokens {
		if strings.HasSuffix(partial, p.token) {
			return strings.TrimSuffix(partial, p.token), p.kind, true
		}
	}
	return partial, "", false
}

// IsPromptKind reports whether k is one of the prompt token kinds.
func IsPromptKind(k Kind) bool {
	switch k {
	case KindPrompt, KindContinuation, KindPastePrompt, KindRawPrompt:
		return true
	}
	return false
}
