// micro-repl drives MicroPython boards over their REPL, from the command
// line or as an MCP server.
package main

import (
	"fmt"
	"os"

	"github.com/acolita/micro-repl/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
