package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tibidi",
	Short: "Peer-to-peer group chat for small trust circles",
	Long: `tibidi is a peer-to-peer group collaboration node. Every participant
runs the same binary; groups converge on a shared, totally ordered event log
with no central authority beyond a dumb websocket relay.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
