// Package syncer mirrors a host directory onto a board's filesystem.
package syncer

import (
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// Entry is one host file selected for upload.
type Entry struct {
	Path    string // slash-separated, relative to the sync root
	Dest    string // path on the board
	Size    int64
	ModTime time.Time
}

// Selection holds include and exclude doublestar patterns matched against
// slash-separated paths relative to the root.
type Selection struct {
	Include []string
	Exclude []string
	// DestRoot prefixes every board path. Empty means the board's
	// current directory.
	DestRoot string
}

// Validate checks every pattern.
func (s Selection) Validate() error {
	for _, p := range append(append([]string(nil), s.Include...), s.Exclude...) {
		if !doublestar.ValidatePattern(p) {
			return fmt.Errorf("invalid pattern %q", p)
		}
	}
	return nil
}

func (s Selection) included(rel string) bool {
	if len(s.Include) == 0 {
		return true
	}
	for _, p := range s.Include {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

func (s Selection) excluded(rel string) bool {
	for _, p := range s.Exclude {
		if ok, _ := doublestar.Match(p, rel); ok {
			return true
		}
	}
	return false
}

// Plan walks fsys and returns the selected regular files sorted by path.
// Excluded directories are not descended into.
func Plan(fsys fs.FS, sel Selection) ([]Entry, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	var entries []Entry
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		if d.IsDir() {
			if sel.excluded(p) || sel.excluded(p+"/") {
				return fs.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() || sel.excluded(p) || !sel.included(p) {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		entries = append(entries, Entry{
			Path:    p,
			Dest:    destPath(sel.DestRoot, p),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}

func destPath(root, rel string) string {
	if root == "" {
		return rel
	}
	return path.Join(root, rel)
}

// dirs returns the board directories entries need, parents first.
func dirs(entries []Entry) []string {
	seen := map[string]bool{}
	var out []string
	for _, e := range entries {
		for d := path.Dir(e.Dest); d != "." && d != "/" && !seen[d]; d = path.Dir(d) {
			seen[d] = true
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		di, dj := strings.Count(out[i], "/"), strings.Count(out[j], "/")
		if di != dj {
			return di < dj
		}
		return out[i] < out[j]
	})
	return out
}
