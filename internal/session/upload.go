package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ProgressFunc is called after each chunk with bytes written and total.
type ProgressFunc func(done, total int64)

// UploadOptions tunes one upload. Zero values fall back to the session's
// Options.
type UploadOptions struct {
	ChunkSize  int
	Encoding   Encoding
	OnProgress ProgressFunc
}

type uploadJob struct {
	dest        string
	src         io.Reader
	total       int64
	transferred int64
	chunkSize   int
	enc         Encoding
	progress    ProgressFunc
	closed      bool
}

// fail wraps err with the progress made so far.
func (u *uploadJob) fail(err error) error {
	var ue *UploadError
	if errors.As(err, &ue) {
		return err
	}
	return &UploadError{
		Dest:        u.dest,
		Transferred: u.transferred,
		Total:       u.total,
		Closed:      u.closed,
		Cause:       err,
	}
}

func (u *uploadJob) report() {
	if u.progress != nil {
		u.progress(u.transferred, u.total)
	}
}

// Upload streams size bytes from src into dest on the board's filesystem.
// Chunks are written as Python literals and acknowledged one at a time, so
// the whole transfer occupies a single place in the queue.
func (s *Session) Upload(ctx context.Context, dest string, src io.Reader, size int64, opts UploadOptions) error {
	if dest == "" || !utf8.ValidString(dest) || strings.ContainsAny(dest, "\x00\r\n") {
		return fmt.Errorf("invalid destination path %q", dest)
	}
	if size < 0 {
		return fmt.Errorf("invalid upload size %d", size)
	}
	u := &uploadJob{
		dest:      dest,
		src:       io.LimitReader(src, size),
		total:     size,
		chunkSize: opts.ChunkSize,
		enc:       opts.Encoding,
		progress:  opts.OnProgress,
		closed:    true,
	}
	if u.chunkSize <= 0 {
		u.chunkSize = s.opts.ChunkSize
	}
	if u.chunkSize > MaxChunkSize {
		u.chunkSize = MaxChunkSize
	}
	if u.enc == "" {
		u.enc = s.opts.Encoding
	}

	j := &job{ctx: ctx, call: newCall(KindRawUpload), upload: u, run: (*Session).runUpload}
	call, err := s.submit(j)
	if err != nil {
		return u.fail(err)
	}
	return s.wait(ctx, call)
}

// UploadBytes uploads data to dest.
func (s *Session) UploadBytes(ctx context.Context, dest string, data []byte, opts UploadOptions) error {
	return s.Upload(ctx, dest, bytes.NewReader(data), int64(len(data)), opts)
}

func (s *Session) runUpload(j *job) (err error) {
	u := j.upload
	s.log.Info("upload started", slog.String("dest", u.dest), slog.Int64("size", u.total), slog.String("encoding", string(u.enc)))

	open := uploadFileVar + "=open(" + strconv.Quote(u.dest) + ",'wb')"
	if pre := u.enc.prelude(); pre != "" {
		open = pre + ";" + open
	}
	u.closed = false
	out, err := s.line(j.ctx, open)
	if err == nil && out != "" {
		// The device refused the open, so there is no handle to close.
		u.closed = true
		return fmt.Errorf("open %s: %s", u.dest, lastLine(out))
	}

	defer func() {
		cerr := s.closeUpload(j.ctx, u)
		u.closed = cerr == nil
		if err == nil && cerr != nil {
			err = cerr
		}
		if err == nil {
			s.log.Info("upload finished", slog.String("dest", u.dest), slog.Int64("bytes", u.transferred))
		}
	}()
	if err != nil {
		return err
	}

	u.report()
	buf := make([]byte, u.chunkSize)
	for {
		n, rerr := io.ReadFull(u.src, buf)
		if n > 0 {
			out, err := s.line(j.ctx, u.enc.chunk(buf[:n]))
			if err != nil {
				return err
			}
			if strings.TrimSpace(out) != strconv.Itoa(n) {
				return fmt.Errorf("write at offset %d: %s", u.transferred, lastLine(out))
			}
			u.transferred += int64(n)
			u.report()
		}
		if rerr == io.EOF || rerr == io.ErrUnexpectedEOF {
			break
		}
		if rerr != nil {
			return fmt.Errorf("read source: %w", rerr)
		}
	}
	if u.transferred != u.total {
		return fmt.Errorf("source ended after %d of %d bytes", u.transferred, u.total)
	}
	return nil
}

// closeUpload is attempted whatever happened to the transfer, with a
// context the caller cannot cancel.
func (s *Session) closeUpload(ctx context.Context, u *uploadJob) error {
	line := uploadFileVar + ".close();del " + u.enc.cleanup()
	out, err := s.line(context.WithoutCancel(ctx), line)
	if err != nil {
		return fmt.Errorf("close %s: %w", u.dest, err)
	}
	if out != "" {
		return fmt.Errorf("close %s: %s", u.dest, lastLine(out))
	}
	return nil
}

// line runs one single-line command for the uploader.
func (s *Session) line(ctx context.Context, text string) (string, error) {
	return s.exchange(ctx, newCommand(KindRawUpload, []string{text}), text+enter)
}

func lastLine(out string) string {
	out = strings.TrimSpace(out)
	if i := strings.LastIndexByte(out, '\n'); i >= 0 {
		return out[i+1:]
	}
	return out
}
