package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/acolita/micro-repl/internal/recovery"
	"github.com/acolita/micro-repl/internal/session"
)

var execCmd = &cobra.Command{
	Use:   "exec FILE|-",
	Short: "Run a script in the raw REPL",
	Long: `Run a Python file on the board through the raw REPL and print what it
writes. stdout and stderr are kept apart. Use - to read the script from stdin.

Exits non-zero when the script raises.`,
	Args: cobra.ExactArgs(1),
	RunE: runExec,
}

var evalCmd = &cobra.Command{
	Use:   "eval EXPR",
	Short: "Evaluate an expression and print its value as JSON",
	Example: `  micro-repl eval "os.listdir()"
  micro-repl eval "machine.freq()" --device pico`,
	Args: cobra.ExactArgs(1),
	RunE: runEval,
}

var pasteCmd = &cobra.Command{
	Use:   "paste FILE|-",
	Short: "Send a file through paste mode",
	Long: `Send a file through the friendly REPL's paste mode (Ctrl-E), exactly as if
pasted into a terminal, and print the output.`,
	Args: cobra.ExactArgs(1),
	RunE: runPaste,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Soft reset the board",
	Args:  cobra.NoArgs,
	RunE:  runReset,
}

func init() {
	rootCmd.AddCommand(execCmd, evalCmd, pasteCmd, resetCmd)
}

// signalContext is cancelled on SIGINT or SIGTERM, which aborts the
// running command on the board.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func readScript(cmd *cobra.Command, name string) (string, error) {
	if name == "-" {
		data, err := io.ReadAll(cmd.InOrStdin())
		return string(data), err
	}
	data, err := os.ReadFile(name)
	return string(data), err
}

func runExec(cmd *cobra.Command, args []string) error {
	code, err := readScript(cmd, args[0])
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	dev, err := openDevice(ctx, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	stdout, stderr, err := dev.ExecRaw(ctx, code)
	fmt.Fprint(cmd.OutOrStdout(), stdout)
	if stderr != "" {
		fmt.Fprint(cmd.ErrOrStderr(), stderr)
		printSuggestions(cmd.ErrOrStderr(), stderr)
	}
	return err
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	dev, err := openDevice(ctx, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	res, err := dev.Eval(ctx, args[0])
	if err != nil {
		return err
	}
	if !res.Valid {
		fmt.Fprint(cmd.ErrOrStderr(), res.Output)
		printSuggestions(cmd.ErrOrStderr(), res.Output)
		return fmt.Errorf("no value from %q", args[0])
	}
	if res.Output != "" {
		fmt.Fprintln(cmd.ErrOrStderr(), res.Output)
	}
	fmt.Fprintln(cmd.OutOrStdout(), res.Raw)
	return nil
}

func runPaste(cmd *cobra.Command, args []string) error {
	code, err := readScript(cmd, args[0])
	if err != nil {
		return err
	}
	ctx, stop := signalContext()
	defer stop()

	dev, err := openDevice(ctx, nil)
	if err != nil {
		return err
	}
	defer dev.Close()

	out, err := dev.Paste(ctx, code)
	if out != "" {
		fmt.Fprintln(cmd.OutOrStdout(), out)
	}
	printSuggestions(cmd.ErrOrStderr(), out)
	return err
}

func runReset(cmd *cobra.Command, args []string) error {
	ctx, stop := signalContext()
	defer stop()

	dev, err := openDevice(ctx, func(o *session.Options) { o.ShowCommandOutput = true })
	if err != nil {
		return err
	}
	defer dev.Close()

	if err := dev.SoftReset(ctx); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s reset %s\n", successStyle.Render("✓"), boardStyle.Render(dev.Identity()))
	return nil
}

// printSuggestions explains the traceback in output, if any.
func printSuggestions(w io.Writer, output string) {
	for _, s := range recovery.NewAnalyzer().Analyze(output) {
		fmt.Fprintf(w, "%s %s\n", dimStyle.Render("hint:"), s.Explanation)
		for _, c := range s.Commands {
			fmt.Fprintf(w, "  %s\n", strings.TrimSpace(c))
		}
	}
}
