package mcp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/acolita/micro-repl/internal/session"
	"github.com/acolita/micro-repl/internal/source"
	"github.com/acolita/micro-repl/internal/syncer"
)

// registerTransferTools registers the upload and sync tools.
func (s *Server) registerTransferTools() {
	s.mcpServer.AddTool(deviceUploadTool(), s.handleDeviceUpload)
	s.mcpServer.AddTool(deviceSyncTool(), s.handleDeviceSync)
}

func deviceUploadTool() mcp.Tool {
	return mcp.NewTool("device_upload",
		mcp.WithDescription(`Write a file to the board's filesystem.

Give either content, or source: a local path or sftp://[user@]host[:port]/path.
The data is sent in chunks through the REPL. On failure the error reports how
many bytes were written and whether the board file was closed.`),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
		mcp.WithString("dest",
			mcp.Description("Path on the board (default: the source file name)"),
		),
		mcp.WithString("source",
			mcp.Description("Local path or sftp:// reference to upload"),
		),
		mcp.WithString("local_path",
			mcp.Description("Alias for source"),
		),
		mcp.WithString("content",
			mcp.Description("File content to upload instead of source"),
		),
		mcp.WithString("encoding",
			mcp.Description("Chunk encoding: 'decimal', 'hex' or 'base64' (default from config)"),
		),
		mcp.WithNumber("chunk_size",
			mcp.Description("Bytes per chunk, 1 to 512 (default from config)"),
		),
	)
}

func deviceSyncTool() mcp.Tool {
	return mcp.NewTool("device_sync",
		mcp.WithDescription(`Mirror a host directory onto the board using the sync include and
exclude patterns from the config. Only files changed since this session's last
sync are sent unless force is set.`),
		mcp.WithString("session_id", mcp.Required(), mcp.Description(descSessionID)),
		mcp.WithString("local_dir", mcp.Required(), mcp.Description("Host directory to mirror")),
		mcp.WithString("dest_root",
			mcp.Description("Board directory to mirror into (default: current directory)"),
		),
		mcp.WithBoolean("force",
			mcp.Description("Upload every selected file"),
		),
	)
}

func (s *Server) handleDeviceUpload(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.sessionFromRequest(req)
	if res != nil {
		return res, nil
	}
	dest := mcp.ParseString(req, "dest", "")
	ref := mcp.ParseString(req, "source", "")
	if ref == "" {
		ref = mcp.ParseString(req, "local_path", "")
	}
	content := mcp.ParseString(req, "content", "")
	_, hasContent := req.GetArguments()["content"]

	if ref != "" && hasContent {
		return mcp.NewToolResultError("give source or content, not both"), nil
	}
	if ref == "" && !hasContent {
		return mcp.NewToolResultError("source or content is required"), nil
	}

	opts, err := s.uploadOptions(req)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var src io.Reader
	var size int64
	if hasContent {
		if dest == "" {
			return mcp.NewToolResultError("dest is required with content"), nil
		}
		src, size = strings.NewReader(content), int64(len(content))
	} else {
		f, err := s.openSource(ctx, ref)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("open source: %v", err)), nil
		}
		defer f.Close()
		if dest == "" {
			dest = f.Name
		}
		src, size = f, f.Size
	}

	slog.Info("uploading file",
		slog.String("session_id", sess.ID),
		slog.String("dest", dest),
		slog.Int64("size", size),
		slog.String("encoding", string(opts.Encoding)),
	)

	var sent int64
	opts.OnProgress = func(done, total int64) { sent = done }
	if err := sess.Upload(ctx, dest, src, size, opts); err != nil {
		return errorResult(err, map[string]any{"dest": dest}), nil
	}
	return jsonResult(map[string]any{
		"status": "uploaded",
		"dest":   dest,
		"bytes":  sent,
	})
}

func (s *Server) handleDeviceSync(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sess, res := s.sessionFromRequest(req)
	if res != nil {
		return res, nil
	}
	dir := mcp.ParseString(req, "local_dir", "")
	if dir == "" {
		return mcp.NewToolResultError("local_dir is required"), nil
	}
	force := mcp.ParseBoolean(req, "force", false)

	cfg := s.currentConfig()
	opts, err := session.OptionsFromConfig(cfg)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	info, err := s.fs.Stat(dir)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !info.IsDir() {
		return mcp.NewToolResultError(dir + " is not a directory"), nil
	}

	sel := syncer.Selection{
		Include:  cfg.Sync.Include,
		Exclude:  cfg.Sync.Exclude,
		DestRoot: mcp.ParseString(req, "dest_root", ""),
	}
	if err := sel.Validate(); err != nil {
		return mcp.NewToolResultError("sync: " + err.Error()), nil
	}

	sy := s.syncerFor(sess.ID, dir, sel)
	sy.Device = sess
	sy.Upload = session.UploadOptions{ChunkSize: opts.ChunkSize, Encoding: opts.Encoding}

	rep, err := sy.Run(ctx, force)
	if err != nil {
		return errorResult(err, map[string]any{"uploaded": rep.Uploaded}), nil
	}
	if rep.Uploaded == nil {
		rep.Uploaded = []string{}
	}
	return jsonResult(rep)
}

// syncerFor returns the session's syncer for dir, so repeated syncs only
// send what changed. A different directory or selection starts afresh.
func (s *Server) syncerFor(sessionID, dir string, sel syncer.Selection) *syncer.Syncer {
	key := sessionID + "\x00" + dir + "\x00" + sel.DestRoot
	s.outMu.Lock()
	defer s.outMu.Unlock()
	if sy, ok := s.syncers[key]; ok && sameSelection(sy.Selection, sel) {
		return sy
	}
	sy := &syncer.Syncer{
		Root:      dir,
		Selection: sel,
		Clock:     s.clock,
		Logger:    slog.Default().With(slog.String("session_id", sessionID)),
	}
	s.syncers[key] = sy
	return sy
}

func sameSelection(a, b syncer.Selection) bool {
	return strings.Join(a.Include, "\x00") == strings.Join(b.Include, "\x00") &&
		strings.Join(a.Exclude, "\x00") == strings.Join(b.Exclude, "\x00")
}

func (s *Server) forgetSyncers(sessionID string) {
	s.outMu.Lock()
	defer s.outMu.Unlock()
	for key := range s.syncers {
		if strings.HasPrefix(key, sessionID+"\x00") {
			delete(s.syncers, key)
		}
	}
}

// uploadOptions merges the request's encoding and chunk size over the
// configured defaults.
func (s *Server) uploadOptions(req mcp.CallToolRequest) (session.UploadOptions, error) {
	cfg := s.currentConfig()
	opts := session.UploadOptions{ChunkSize: cfg.Session.ChunkSize}

	name := mcp.ParseString(req, "encoding", cfg.Session.UploadEncoding)
	enc, err := session.ParseEncoding(name)
	if err != nil {
		return opts, err
	}
	opts.Encoding = enc

	if n := mcp.ParseInt(req, "chunk_size", 0); n != 0 {
		if n < 1 || n > 512 {
			return opts, fmt.Errorf("chunk_size %d outside 1..512", n)
		}
		opts.ChunkSize = n
	}
	return opts, nil
}

func (s *Server) openSource(ctx context.Context, ref string) (*source.File, error) {
	f, err := s.sources.Open(ctx, ref)
	if errors.Is(err, source.ErrIsDirectory) {
		return nil, fmt.Errorf("%s is a directory; use device_sync", path.Base(ref))
	}
	return f, err
}
