package cli

import (
	"ptywarden/internal/config"

	"github.com/spf13/cobra"
)

// NewRootCommand builds the warden CLI.
func NewRootCommand() *cobra.Command {
	cfg := config.FromEnv()

	rootCmd := &cobra.Command{
		Use:   "warden",
		Short: "Supervise interactive PTY sessions and relay them to a remote operator channel",
	}

	rootCmd.SilenceUsage = true
	rootCmd.AddCommand(
		newServeCmd(cfg),
		newRunCmd(cfg),
	)

	return rootCmd
}
