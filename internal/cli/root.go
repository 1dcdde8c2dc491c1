// Package cli implements the loomclaw command tree.
package cli

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	// version can be overridden at build time via:
	// go build -ldflags "-X github.com/LoomClaw/LoomClaw/internal/cli.version=1.2.3"
	version = "0.3.0"
	logo    = "\n" +
		"  _                           ____ _\n" +
		" | |    ___   ___  _ __ ___  / ___| | __ ___      __\n" +
		" | |   / _ \\ / _ \\| '_ ` _ \\| |   | |/ _` \\ \\ /\\ / /\n" +
		" | |__| (_) | (_) | | | | | | |___| | (_| |\\ V  V /\n" +
		" |_____\\___/ \\___/|_| |_| |_|\\____|_|\\__,_| \\_/\\_/\n"
)

var rootCmd = &cobra.Command{
	Use:   "loomclaw",
	Short: "LoomClaw - multi-channel AI agent runtime",
	Long:  color.CyanString(logo) + "\nA multi-user, multi-channel LLM agent runtime written in Go.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Println("loomclaw " + version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(agentCmd)
}
