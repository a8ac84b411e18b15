package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:   "perch",
		Short: "perch — run AI agent sessions behind a relay",
		Long:  "Hosts long-running agent CLI processes and lets any number of clients attach, detach, and reattach over WebSocket.",
	}

	root.AddCommand(
		serveCmd(),
		tokenCmd(),
		sessionsCmd(),
		attachCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}
