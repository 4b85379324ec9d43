// Command opald is opal's CLI entry point: it loads a model roster,
// wires a provider, session store, and MCP clients per the loaded
// configuration, and drives one interactive session from stdin/stdout.
//
// Flag/command structure grounded on the cobra-based CLIs elsewhere in
// the example pack (goclaw's cmd/root.go); the session loop itself is
// opal's own, since none of those examples run a single-process
// supervisor.Session the way opal does.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// version is set at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		rosterPath string
		modelName  string
		workDir    string
		debug      bool
	)

	root := &cobra.Command{
		Use:   "opald",
		Short: "opal — a streaming coding-agent runtime",
	}

	chatCmd := &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive session in the current terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), chatOptions{
				rosterPath: rosterPath,
				modelName:  modelName,
				workDir:    workDir,
				debug:      debug,
			})
		},
	}
	chatCmd.Flags().StringVar(&rosterPath, "roster", "", "path to the model/MCP roster YAML (overrides OPAL_ROSTER)")
	chatCmd.Flags().StringVar(&modelName, "model", "", "roster model name to use (overrides the roster's default_model)")
	chatCmd.Flags().StringVar(&workDir, "workdir", "", "working directory tools operate in (default: current directory)")
	chatCmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(chatCmd)
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("opald " + version)
		},
	})

	return root
}
