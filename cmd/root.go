package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

// rootCmd represents the base command for the calfanout application
var rootCmd = &cobra.Command{
	Use:   "calfanout",
	Short: "Broadcasts calendar events to every Google Calendar linked to a chat workspace",
	Long: `calfanout lets a chat workspace link several Google Calendar accounts and
create, update or delete one event in all of them at once.

It runs as an MCP (Model Context Protocol) server for chat bots and AI
assistants, and offers a few offline commands to inspect and repair the
stored state.`,
	SilenceUsage: true,
}

// version will be set by main
var version = "dev"

// configPath is the --config flag shared by every command.
var configPath string

// SetVersion sets the version for the root command
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute is the main entry point for the CLI application
func Execute() {
	rootCmd.SetVersionTemplate(`{{printf "calfanout version %s\n" .Version}}`)

	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to a YAML configuration file. Can also use CALFANOUT_CONFIG env var.")

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newAccountsCmd())
	rootCmd.AddCommand(newEventsCmd())
	rootCmd.AddCommand(newKeygenCmd())
	rootCmd.AddCommand(newGenerateDocsCmd())
	rootCmd.AddCommand(newVersionCmd())
}
