package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/acolita/micro-repl/internal/ports"
	"github.com/acolita/micro-repl/internal/session"
)

// Device is the part of a session the syncer drives.
type Device interface {
	Upload(ctx context.Context, dest string, src io.Reader, size int64, opts session.UploadOptions) error
	ExecRaw(ctx context.Context, code string) (stdout, stderr string, err error)
}

// Report summarizes one sync pass.
type Report struct {
	Uploaded []string `json:"uploaded"`
	Skipped  int      `json:"skipped"`
	Bytes    int64    `json:"bytes"`
}

// DefaultDebounce is how long Watch waits for changes to settle.
const DefaultDebounce = 250 * time.Millisecond

// Syncer uploads the selected files of a host directory to a board and
// remembers what it sent so later passes only upload changes.
type Syncer struct {
	Device    Device
	Root      string
	FS        fs.FS // defaults to os.DirFS(Root)
	Selection Selection
	Upload    session.UploadOptions
	Clock     ports.Clock
	Debounce  time.Duration
	Logger    *slog.Logger
	// OnFile is called before each upload.
	OnFile func(e Entry, index, count int)

	mu   sync.Mutex
	sent map[string]stamp
	made map[string]bool
}

type stamp struct {
	size    int64
	modTime time.Time
}

func (s *Syncer) fsys() fs.FS {
	if s.FS != nil {
		return s.FS
	}
	return os.DirFS(s.Root)
}

func (s *Syncer) logger() *slog.Logger {
	if s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// Run performs one pass. With force every selected file is uploaded,
// otherwise only files whose size or modification time changed.
func (s *Syncer) Run(ctx context.Context, force bool) (Report, error) {
	var rep Report
	entries, err := Plan(s.fsys(), s.Selection)
	if err != nil {
		return rep, err
	}

	s.mu.Lock()
	if s.sent == nil {
		s.sent = make(map[string]stamp)
		s.made = make(map[string]bool)
	}
	var todo []Entry
	for _, e := range entries {
		if prev, ok := s.sent[e.Path]; ok && !force && prev.size == e.Size && prev.modTime.Equal(e.ModTime) {
			rep.Skipped++
			continue
		}
		todo = append(todo, e)
	}
	s.mu.Unlock()

	if len(todo) == 0 {
		return rep, nil
	}
	if err := s.mkdirs(ctx, todo); err != nil {
		return rep, err
	}

	for i, e := range todo {
		if s.OnFile != nil {
			s.OnFile(e, i, len(todo))
		}
		if err := s.uploadOne(ctx, e); err != nil {
			return rep, err
		}
		rep.Uploaded = append(rep.Uploaded, e.Dest)
		rep.Bytes += e.Size

		s.mu.Lock()
		s.sent[e.Path] = stamp{e.Size, e.ModTime}
		s.mu.Unlock()
	}
	s.logger().Info("sync finished", slog.Int("uploaded", len(rep.Uploaded)), slog.Int("skipped", rep.Skipped), slog.Int64("bytes", rep.Bytes))
	return rep, nil
}

func (s *Syncer) uploadOne(ctx context.Context, e Entry) error {
	f, err := s.fsys().Open(e.Path)
	if err != nil {
		return fmt.Errorf("open %s: %w", e.Path, err)
	}
	defer f.Close()
	return s.Device.Upload(ctx, e.Dest, f, e.Size, s.Upload)
}

// mkdirs creates the board directories the entries need. Existing
// directories are not an error.
func (s *Syncer) mkdirs(ctx context.Context, entries []Entry) error {
	var need []string
	s.mu.Lock()
	for _, d := range dirs(entries) {
		if !s.made[d] {
			need = append(need, d)
		}
	}
	s.mu.Unlock()
	if len(need) == 0 {
		return nil
	}

	quoted := make([]string, len(need))
	for i, d := range need {
		quoted[i] = strconv.Quote(d)
	}
	code := "import os\n" +
		"for d in (" + strings.Join(quoted, ",") + ",):\n" +
		"    try:\n" +
		"        os.mkdir(d)\n" +
		"    except OSError as e:\n" +
		"        if e.errno != 17:\n" +
		"            raise\n"
	if _, _, err := s.Device.ExecRaw(ctx, code); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}

	s.mu.Lock()
	for _, d := range need {
		s.made[d] = true
	}
	s.mu.Unlock()
	return nil
}

// Watch runs a pass, then another after each burst of changes under Root
// until ctx ends. Pass errors are logged and go to onErr when set.
func (s *Syncer) Watch(ctx context.Context, onErr func(error)) error {
	if s.Root == "" {
		return errors.New("watch needs a root directory")
	}
	if s.Clock == nil {
		return errors.New("watch needs a clock")
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := s.watchTree(w, s.Root); err != nil {
		return err
	}

	report := func(err error) {
		s.logger().Warn("sync failed", slog.String("error", err.Error()))
		if onErr != nil {
			onErr(err)
		}
	}
	if _, err := s.Run(ctx, false); err != nil {
		report(err)
	}

	debounce := s.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	timer := s.Clock.NewTimer(debounce)
	timer.Stop()
	pending := false

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					if err := s.watchTree(w, ev.Name); err != nil {
						report(err)
					}
				}
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			pending = true
			timer.Reset(debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			report(err)
		case <-timer.C():
			if !pending {
				continue
			}
			pending = false
			if _, err := s.Run(ctx, false); err != nil && ctx.Err() == nil {
				report(err)
			}
		}
	}
}

// watchTree adds dir and its subdirectories, since fsnotify is not
// recursive. Excluded directories are skipped.
func (s *Syncer) watchTree(w *fsnotify.Watcher, dir string) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || !d.IsDir() {
			return err
		}
		if rel, rerr := filepath.Rel(s.Root, p); rerr == nil && rel != "." {
			rel = filepath.ToSlash(rel)
			if s.Selection.excluded(rel) || s.Selection.excluded(rel+"/") {
				return fs.SkipDir
			}
		}
		if err := w.Add(p); err != nil {
			return fmt.Errorf("watch %s: %w", p, err)
		}
		return nil
	})
}
