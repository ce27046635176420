package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/acolita/micro-repl/internal/security"
)

var passwordCmd = &cobra.Command{
	Use:   "password",
	Short: "Store WebREPL passwords in the system keyring",
	Long: `Store and remove WebREPL passwords in the system keyring so they never
appear in the config file. Set security.use_keyring in the config to have
micro-repl look them up.`,
}

var passwordSetCmd = &cobra.Command{
	Use:   "set DEVICE",
	Short: "Prompt for a device's WebREPL password and store it",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswordSet,
}

var passwordDeleteCmd = &cobra.Command{
	Use:   "delete DEVICE",
	Short: "Remove a device's stored WebREPL password",
	Args:  cobra.ExactArgs(1),
	RunE:  runPasswordDelete,
}

func init() {
	rootCmd.AddCommand(passwordCmd)
	passwordCmd.AddCommand(passwordSetCmd, passwordDeleteCmd)
}

func keyringFor(device string) (*security.KeyringStore, error) {
	if _, ok := appConfig.Device(device); !ok {
		return nil, fmt.Errorf("unknown device %q", device)
	}
	ks := security.NewKeyringStore()
	if !ks.IsEnabled() {
		return nil, security.ErrKeyringUnavailable
	}
	return ks, nil
}

func runPasswordSet(cmd *cobra.Command, args []string) error {
	ks, err := keyringFor(args[0])
	if err != nil {
		return err
	}
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return errors.New("password set needs a terminal on stdin")
	}

	fmt.Fprintf(cmd.ErrOrStderr(), "WebREPL password for %s: ", args[0])
	pw, err := term.ReadPassword(fd)
	fmt.Fprintln(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	secret := strings.TrimSpace(string(pw))
	if secret == "" {
		return errors.New("empty password")
	}
	if err := ks.Set(security.WebREPLKey(args[0]), secret); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s stored password for %s\n", successStyle.Render("✓"), args[0])
	if !appConfig.Security.UseKeyring {
		fmt.Fprintln(cmd.ErrOrStderr(), dimStyle.Render("set security.use_keyring: true to use it"))
	}
	return nil
}

func runPasswordDelete(cmd *cobra.Command, args []string) error {
	ks, err := keyringFor(args[0])
	if err != nil {
		return err
	}
	if err := ks.Delete(security.WebREPLKey(args[0])); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s removed password for %s\n", successStyle.Render("✓"), args[0])
	return nil
}
