// Package commands implements the padstrap CLI.
package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "padstrap",
		Short: "Padstrap - Device Provisioning Agent",
		Long: `Padstrap provisions a development environment on a freshly unboxed
device and keeps it healthy.

Features:
  - Resumable step sequence with persisted completion markers
  - Positive verification of every step, independent of exit codes
  - Session-based package installs with durable commit
  - Browser-based OAuth2 login with PKCE`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newProvisionCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newInstallCommand())
	rootCmd.AddCommand(newLoginCommand())
	rootCmd.AddCommand(newLogoutCommand())

	return rootCmd
}
