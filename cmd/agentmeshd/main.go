// Command agentmeshd runs the agent registry server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
)

func main() {
	root := &cobra.Command{
		Use:   "agentmeshd",
		Short: "Agent registry with heartbeat-driven health tracking",
		Long: `agentmeshd is the registry agents register with, heartbeat against,
and discover each other through. Registrations live in Redis with an
in-process read cache; a background monitor degrades and eventually
reaps agents that stop heartbeating.`,
		SilenceUsage: true,
	}

	root.AddCommand(newServeCmd())
	root.AddCommand(newVersionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agentmeshd %s (%s)\n", version, commit)
		},
	}
}
