// cmdguard: validated, routed and self-healing command execution for coding agents.
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "cmdguard",
	Short: "cmdguard: secure command execution for coding agents.",
	Long: `cmdguard sits between a coding agent and the shell. Every command is
validated against a fixed pipeline of safety checks, routed to the host or a
locked-down container, confirmed, executed with a hard timeout, and retried
with a known fix when it fails in a recognisable way.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "path to config file (default ~/.cmdguard/config.yaml)")
	rootCmd.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug logging")
	rootCmd.AddCommand(runCmd, streamCmd, validateCmd, routeCmd, shellCmd, serveCmd, mcpCmd, checkpointsCmd, auditCmd, versionCmd)
	_ = godotenv.Load()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		// Exit-coded errors have already been reported.
		if code, ok := exitCodeOf(err); ok {
			os.Exit(code)
		}
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
