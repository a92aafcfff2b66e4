// Package cmd implements the pingbridge CLI using cobra.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

const version = "0.1.0"
const logo = "🔔"

var configPath string

// rootCmd is the base command.
var rootCmd = &cobra.Command{
	Use:   "pingbridge",
	Short: logo + " pingbridge: chat widget to Telegram, Discord and Slack bridge",
	Long:  logo + " pingbridge relays website chat sessions into operator team chats and mirrors the replies back",
}

// Execute runs the root command and exits on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.Version = version
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default ~/.pingbridge/config.json)")

	rootCmd.AddCommand(onboardCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(statusCmd)
}
