package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/acolita/micro-repl/internal/config"
	"github.com/acolita/micro-repl/internal/transport"
)

var portsJSON bool

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and configured devices",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		found, err := transport.List()
		if err != nil {
			return fmt.Errorf("list ports: %w", err)
		}
		if portsJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(map[string]any{"ports": found, "devices": appConfig.Devices})
		}
		printPorts(cmd.OutOrStdout(), found, appConfig)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(portsCmd)
	portsCmd.Flags().BoolVar(&portsJSON, "json", false, "Output in JSON format")
}

func printPorts(w io.Writer, found []transport.PortInfo, cfg *config.Config) {
	if len(found) == 0 {
		fmt.Fprintln(w, dimStyle.Render("no serial ports found"))
	} else {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		for _, p := range found {
			name := p.Name
			if p.Board != "" {
				name = boardStyle.Render(name)
			}
			fmt.Fprintf(tw, "%s\t%s\n", name, p.Description())
		}
		tw.Flush()
	}

	names := cfg.DeviceNames()
	if len(names) == 0 {
		return
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, dimStyle.Render("configured devices:"))
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, name := range names {
		d := cfg.Devices[name]
		fmt.Fprintf(tw, "  %s\t%s\t%s\n", name, d.Transport, deviceTarget(d))
	}
	tw.Flush()
}

func deviceTarget(d config.DeviceConfig) string {
	switch d.Transport {
	case config.TransportWebREPL:
		return d.URL
	case config.TransportPTY:
		if d.Command == "" {
			return transport.DefaultPTYCommand
		}
		return d.Command
	case config.TransportSSH:
		return d.SSH.User + "@" + d.SSH.Host
	}
	return fmt.Sprintf("%s @ %d", d.Port, d.BaudRate)
}
