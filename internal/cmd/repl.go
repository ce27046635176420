package cmd

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/acolita/micro-repl/internal/session"
)

// quitKey is Ctrl-], as in telnet and miniterm.
const quitKey = 0x1d

var errQuit = errors.New("quit")

var replCmd = &cobra.Command{
	Use:   "repl",
	Short: "Open an interactive terminal on the board",
	Long: `Connect the terminal straight to the board's REPL. Keys go to the board
unchanged, so Ctrl-C interrupts and Ctrl-D soft resets as usual.

Press Ctrl-] to quit.`,
	Args: cobra.NoArgs,
	RunE: runREPL,
}

func init() {
	rootCmd.AddCommand(replCmd)
}

func runREPL(cmd *cobra.Command, args []string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("repl needs a terminal on stdin")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	out := cmd.OutOrStdout()
	dev, err := openDevice(ctx, func(o *session.Options) {
		o.Output = nil
		o.OnData = func(p []byte) { out.Write(p) }
	})
	if err != nil {
		return err
	}
	defer dev.Close()

	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %s\r\n", successStyle.Render("connected"), boardStyle.Render(dev.Identity()), dimStyle.Render("(Ctrl-] to quit)"))

	state, err := term.MakeRaw(fd)
	if err != nil {
		return err
	}
	defer term.Restore(fd, state)

	confirmQuit := func() bool {
		dialog := dialogProvider()
		if dialog == nil {
			return true
		}
		term.Restore(fd, state)
		ok, err := dialog.Confirm("Leave the REPL?", "The board keeps running.")
		if raw, rerr := term.MakeRaw(fd); rerr == nil {
			state = raw
		}
		return err != nil || ok
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return pumpKeys(gctx, os.Stdin, dev.Session, confirmQuit)
	})
	g.Go(func() error {
		select {
		case <-dev.Done():
			return fmt.Errorf("board disconnected: %w", session.ErrDisconnected)
		case <-gctx.Done():
			return nil
		}
	})

	// A key read blocks until the next keystroke, so do not wait for the
	// pump once the group has failed.
	waited := make(chan error, 1)
	go func() { waited <- g.Wait() }()
	select {
	case err = <-waited:
	case <-gctx.Done():
		err = context.Cause(gctx)
	}
	if errors.Is(err, errQuit) {
		fmt.Fprint(cmd.ErrOrStderr(), "\r\n")
		return nil
	}
	return err
}

// rawWriter is the part of a session the key pump needs.
type rawWriter interface {
	WriteRaw(ctx context.Context, data []byte) error
}

// pumpKeys copies keystrokes to the board until quitKey is pressed and
// confirmed, or in ends.
func pumpKeys(ctx context.Context, in io.Reader, w rawWriter, confirm func() bool) error {
	buf := make([]byte, 256)
	for {
		n, err := in.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if i := bytes.IndexByte(chunk, quitKey); i >= 0 {
				if i > 0 {
					if werr := w.WriteRaw(ctx, chunk[:i]); werr != nil {
						return werr
					}
				}
				if confirm() {
					return errQuit
				}
				chunk = chunk[i+1:]
			}
			if len(chunk) > 0 {
				if werr := w.WriteRaw(ctx, chunk); werr != nil {
					return werr
				}
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return errQuit
			}
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
	}
}
