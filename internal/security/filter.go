package security

import (
	"fmt"
	"regexp"
	"sync"
)

// CodeFilter screens code sent to a board through agent tools. Blocked
// patterns are checked first. If any allowed patterns exist, code must
// match one of them.
type CodeFilter struct {
	mu        sync.RWMutex
	blocklist []*regexp.Regexp
	allowlist []*regexp.Regexp
}

// BlockedError names the pattern that rejected the code.
type BlockedError struct {
	Pattern string
}

func (e *BlockedError) Error() string {
	if e.Pattern == "" {
		return "code not in allowlist"
	}
	return fmt.Sprintf("code blocked by pattern: %s", e.Pattern)
}

// NewCodeFilter compiles the block and allow patterns.
func NewCodeFilter(blocklist, allowlist []string) (*CodeFilter, error) {
	cf := &CodeFilter{}
	if err := cf.Update(blocklist, allowlist); err != nil {
		return nil, err
	}
	return cf, nil
}

// Update replaces both lists. On error the filter is unchanged.
func (cf *CodeFilter) Update(blocklist, allowlist []string) error {
	block, err := compileAll("blocklist", blocklist)
	if err != nil {
		return err
	}
	allow, err := compileAll("allowlist", allowlist)
	if err != nil {
		return err
	}
	cf.mu.Lock()
	cf.blocklist, cf.allowlist = block, allow
	cf.mu.Unlock()
	return nil
}

func compileAll(list string, patterns []string) ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s pattern %q: %w", list, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}

// Check returns a *BlockedError if code may not run.
func (cf *CodeFilter) Check(code string) error {
	if cf == nil {
		return nil
	}
	cf.mu.RLock()
	defer cf.mu.RUnlock()

	for _, re := range cf.blocklist {
		if re.MatchString(code) {
			return &BlockedError{Pattern: re.String()}
		}
	}
	if len(cf.allowlist) == 0 {
		return nil
	}
	for _, re := range cf.allowlist {
		if re.MatchString(code) {
			return nil
		}
	}
	return &BlockedError{}
}

// HasBlocklist reports whether any block patterns are set.
func (cf *CodeFilter) HasBlocklist() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.blocklist) > 0
}

// HasAllowlist reports whether any allow patterns are set.
func (cf *CodeFilter) HasAllowlist() bool {
	cf.mu.RLock()
	defer cf.mu.RUnlock()
	return len(cf.allowlist) > 0
}

// DefaultBlocklist matches calls that reformat storage, leave the REPL for
// good, or brick the board until it is reflashed.
func DefaultBlocklist() []string {
	return []string{
		`\bmachine\.bootloader\s*\(`,          // drops to the ROM bootloader
		`\b(os|uos)\.VfsFat\.mkfs\s*\(`,       // reformats flash
		`\b(os|uos)\.VfsLfs[12]\.mkfs\s*\(`,   // reformats flash
		`\besp\.flash_erase\s*\(`,             // raw flash erase
		`\brp2\.Flash\s*\(\s*\)\.ioctl\s*\(`,  // raw flash ioctl
		`\b(os|uos)\.umount\s*\(\s*['"]/['"]`, // unmounts root
		`\bmachine\.deepsleep\s*\(\s*\)`,      // sleeps with no wake source
	}
}
