// Package source opens the host-side bytes of an upload: a local file or
// a file on another machine reached over sftp.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/pkg/sftp"

	"github.com/acolita/micro-repl/internal/adapters/realfs"
	"github.com/acolita/micro-repl/internal/ports"
	"github.com/acolita/micro-repl/internal/ssh"
)

// ErrIsDirectory is returned when a source names a directory.
var ErrIsDirectory = errors.New("source is a directory")

// File is an open upload source.
type File struct {
	io.Reader
	// Size is the length in bytes, known before reading.
	Size int64
	// Name is the base name, the default upload destination.
	Name string

	closers []io.Closer
}

// Close releases the file and any connection opened for it.
func (f *File) Close() error {
	var errs []error
	for i := len(f.closers) - 1; i >= 0; i-- {
		if err := f.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	f.closers = nil
	return errors.Join(errs...)
}

// Remote identifies a file on an sftp host.
type Remote struct {
	User string
	Host string
	Port int
	Path string
}

// DialFunc connects to the host of a remote source.
type DialFunc func(ctx context.Context, r Remote) (*ssh.Client, error)

// Opener resolves source references.
type Opener struct {
	FS   ports.FileSystem
	Dial DialFunc
}

// Parse splits an sftp://[user@]host[:port]/path reference. ok is false
// for anything else, which is treated as a local path.
func Parse(ref string) (Remote, bool, error) {
	if !strings.HasPrefix(ref, "sftp://") {
		return Remote{}, false, nil
	}
	u, err := url.Parse(ref)
	if err != nil {
		return Remote{}, true, fmt.Errorf("parse %q: %w", ref, err)
	}
	r := Remote{Host: u.Hostname(), Path: u.Path}
	if u.User != nil {
		r.User = u.User.Username()
	}
	if p := u.Port(); p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Remote{}, true, fmt.Errorf("parse %q: bad port", ref)
		}
		r.Port = n
	}
	if r.Host == "" || r.Path == "" || r.Path == "/" {
		return Remote{}, true, fmt.Errorf("parse %q: want sftp://host/path", ref)
	}
	return r, true, nil
}

// Open opens ref for reading.
func (o *Opener) Open(ctx context.Context, ref string) (*File, error) {
	remote, isRemote, err := Parse(ref)
	if err != nil {
		return nil, err
	}
	if isRemote {
		return o.openRemote(ctx, remote)
	}
	return o.openLocal(ref)
}

func (o *Opener) openLocal(name string) (*File, error) {
	fsys := o.FS
	if fsys == nil {
		fsys = realfs.New()
	}
	info, err := fsys.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%s: %w", name, ErrIsDirectory)
	}
	rc, err := fsys.Open(name)
	if err != nil {
		return nil, err
	}
	return &File{Reader: rc, Size: info.Size(), Name: info.Name(), closers: []io.Closer{rc}}, nil
}

func (o *Opener) openRemote(ctx context.Context, r Remote) (*File, error) {
	if o.Dial == nil {
		return nil, errors.New("sftp sources are not configured")
	}
	client, err := o.Dial(ctx, r)
	if err != nil {
		return nil, err
	}
	sc, err := client.SFTP()
	if err != nil {
		client.Close()
		return nil, err
	}

	f, info, err := openRemoteFile(sc, r.Path)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("sftp %s:%s: %w", r.Host, r.Path, err)
	}
	return &File{
		Reader:  f,
		Size:    info.Size(),
		Name:    path.Base(r.Path),
		closers: []io.Closer{client, f},
	}, nil
}

func openRemoteFile(sc *sftp.Client, p string) (*sftp.File, fs.FileInfo, error) {
	info, err := sc.Stat(p)
	if err != nil {
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, nil, ErrIsDirectory
	}
	f, err := sc.Open(p)
	if err != nil {
		return nil, nil, err
	}
	return f, info, nil
}
