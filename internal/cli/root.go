package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "torc",
	Short: "Task orchestrator for model-driven tool execution",
	Long: `torc runs agentic tasks locally: it feeds user messages to a model,
schedules the tool calls the model requests, routes confirmation decisions,
and persists task state so interrupted tasks can be resumed.

Running 'torc' without a subcommand is equivalent to 'torc run'.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'run' command
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	// Add subcommands
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to torc.json or torc.yaml config file (default: search up directory tree)")
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
