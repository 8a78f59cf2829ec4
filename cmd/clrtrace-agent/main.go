// Package main provides the clrtrace-agent demo host binary.
//
// The agent itself is an in-process library loaded by a profiled runtime.
// This binary hosts it against a scripted fake runtime so the event stream
// can be inspected without a managed process, and carries the usual
// version plumbing.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/clrtrace/clrtrace/pkg/version"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "clrtrace-agent",
		Short:         "clrtrace - managed runtime profiling agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newReplayCmd())
	rootCmd.AddCommand(newVersionCmd())

	if err := rootCmd.Execute(); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Printf("clrtrace version %s\n", version.Version)
			cmd.Printf("Git commit: %s\n", version.GitCommit)
			cmd.Printf("Build date: %s\n", version.BuildDate)
			cmd.Printf("Go version: %s\n", version.GoVersion)
		},
	}
}
