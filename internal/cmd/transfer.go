package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path"
	"strings"

	"github.com/spf13/cobra"

	"github.com/acolita/micro-repl/internal/adapters/realclock"
	"github.com/acolita/micro-repl/internal/adapters/realfs"
	"github.com/acolita/micro-repl/internal/session"
	"github.com/acolita/micro-repl/internal/source"
	"github.com/acolita/micro-repl/internal/syncer"
)

var uploadCmd = &cobra.Command{
	Use:   "upload SRC [DEST]",
	Short: "Copy a file to the board",
	Long: `Copy a file to the board's filesystem through the REPL.

SRC is a local path or sftp://[user@]host[:port]/path. DEST defaults to the
base name of SRC; a DEST ending in / names a directory.`,
	Example: `  micro-repl upload main.py
  micro-repl upload build/app.mpy /lib/
  micro-repl upload sftp://ci@builder/out/firmware.py lib/firmware.py`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runUpload,
}

var syncCmd = &cobra.Command{
	Use:   "sync DIR",
	Short: "Mirror a directory onto the board",
	Long: `Upload the files under DIR that match the sync include patterns and none of
the exclude patterns in the config. With --watch, keep running and upload
files as they change.`,
	Args: cobra.ExactArgs(1),
	RunE: runSync,
}

var (
	uploadEncoding string
	uploadChunk    int
	syncWatch      bool
	syncForce      bool
	syncDest       string
)

func init() {
	rootCmd.AddCommand(uploadCmd, syncCmd)

	for _, c := range []*cobra.Command{uploadCmd, syncCmd} {
		c.Flags().StringVar(&uploadEncoding, "encoding", "", "Chunk encoding: decimal, hex or base64 (default from config)")
		c.Flags().IntVar(&uploadChunk, "chunk-size", 0, "Bytes per chunk (default from config)")
	}
	syncCmd.Flags().BoolVarP(&syncWatch, "watch", "w", false, "Keep syncing as files change")
	syncCmd.Flags().BoolVarP(&syncForce, "force", "f", false, "Upload every file on the first pass")
	syncCmd.Flags().StringVar(&syncDest, "dest", "", "Board directory to sync into (default: current directory)")
}

func uploadOptions() (session.UploadOptions, error) {
	opts := session.UploadOptions{ChunkSize: appConfig.Session.ChunkSize}
	name := appConfig.Session.UploadEncoding
	if uploadEncoding != "" {
		name = uploadEncoding
	}
	enc, err := session.ParseEncoding(name)
	if err != nil {
		return opts, err
	}
	opts.Encoding = enc
	if uploadChunk != 0 {
		if uploadChunk < 1 || uploadChunk > 512 {
			return opts, fmt.Errorf("--chunk-size %d outside 1..512", uploadChunk)
		}
		opts.ChunkSize = uploadChunk
	}
	return opts, nil
}

// uploadDest applies the DEST rules to a source base name.
func uploadDest(args []string, base string) string {
	if len(args) < 2 || args[1] == "" {
		return base
	}
	if strings.HasSuffix(args[1], "/") {
		return path.Join(args[1], base)
	}
	return args[1]
}

func runUpload(cmd *cobra.Command, args []string) error {
	opts, err := uploadOptions()
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	opener := &source.Opener{Dial: source.AgentDialer(realfs.New(), realclock.New())}
	src, err := opener.Open(ctx, args[0])
	if err != nil {
		return err
	}
	defer src.Close()
	dest := uploadDest(args, src.Name)

	dev, err := openDevice(ctx, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	bar := newProgressLine(cmd.ErrOrStderr(), dest, interactive())
	opts.OnProgress = bar.Update
	err = dev.Upload(ctx, dest, src, src.Size, opts)
	bar.Done(err, src.Size)
	return err
}

func runSync(cmd *cobra.Command, args []string) error {
	opts, err := uploadOptions()
	if err != nil {
		return err
	}
	root := args[0]
	if info, err := os.Stat(root); err != nil {
		return err
	} else if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", root)
	}
	sel := syncer.Selection{
		Include:  appConfig.Sync.Include,
		Exclude:  appConfig.Sync.Exclude,
		DestRoot: syncDest,
	}
	if err := sel.Validate(); err != nil {
		return fmt.Errorf("sync patterns: %w", err)
	}

	ctx, stop := signalContext()
	defer stop()

	dev, err := openDevice(ctx, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	tty := interactive()
	var bar *progressLine
	s := &syncer.Syncer{
		Device:    dev,
		Root:      root,
		Selection: sel,
		Upload:    opts,
		Clock:     realclock.New(),
		Logger:    slog.Default(),
		OnFile: func(e syncer.Entry, index, count int) {
			bar = newProgressLine(cmd.ErrOrStderr(), fmt.Sprintf("[%d/%d] %s", index+1, count, e.Dest), tty)
		},
	}
	s.Upload.OnProgress = func(done, total int64) {
		if bar != nil {
			bar.Update(done, total)
			if done == total {
				bar.Done(nil, total)
				bar = nil
			}
		}
	}

	if !syncWatch {
		rep, err := s.Run(ctx, syncForce)
		if bar != nil {
			bar.Done(err, 0)
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d uploaded, %d unchanged\n", successStyle.Render("✓"), len(rep.Uploaded), rep.Skipped)
		return nil
	}

	if syncForce {
		if _, err := s.Run(ctx, true); err != nil {
			return err
		}
	}
	fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("watching "+root+", Ctrl-C to stop"))
	return s.Watch(ctx, func(err error) {
		if bar != nil {
			bar.Done(err, 0)
			bar = nil
			return
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", errorStyle.Render("✗"), err)
	})
}
