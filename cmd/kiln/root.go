// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/charmbracelet/fang"
	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/config"
	"github.com/kilnlabs/kiln/internal/issue"
)

var (
	// Version is the semantic version (set via -ldflags).
	Version = "dev"
	// Commit is the git commit hash (set via -ldflags).
	Commit = "unknown"
	// BuildDate is the build timestamp (set via -ldflags).
	BuildDate = "unknown"

	// verbose enables debug logging and full error chains.
	verbose bool
	// cfgFile allows specifying a custom config file.
	cfgFile string

	// cfg is the loaded configuration, populated before any RunE runs.
	cfg = config.DefaultConfig()

	// rootCmd represents the base command when called without subcommands.
	rootCmd = &cobra.Command{
		Use:   "kiln",
		Short: "Declared computations, fired into containers",
		Long: TitleStyle.Render("kiln") + SubtitleStyle.Render(" - declared computations, fired into containers") + `

kiln turns a declared computation - an entry point plus a dependency
manifest - into a cached container image, executes it, and streams its
output back as typed, incrementally updatable components.

Dev iterations reuse warm containers over a persistent channel; deploys
bake the payload into a standalone image that runs anywhere.

` + SubtitleStyle.Render("Quick Start:") + `
  1. Create a kiln.yaml next to your code
  2. Declare your entrypoint and dependencies
  3. Run it with: kiln run

` + SubtitleStyle.Render("Examples:") + `
  kiln run                  Execute the manifest in the current directory
  kiln build                Bake a standalone deploy image
  kiln images               List kiln-managed images
  kiln prune                Remove stale cached images
  kiln check                Validate the manifest without building`,
	}
)

func init() {
	cobra.OnInitialize(initRootConfig)

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/kiln/config.cue)")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(buildCmd)
	rootCmd.AddCommand(imagesCmd)
	rootCmd.AddCommand(pruneCmd)
	rootCmd.AddCommand(checkCmd)
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(explainCmd)
}

// getVersionString returns a formatted version string for display.
func getVersionString() string {
	if Version == "dev" {
		return "dev (built from source)"
	}
	return fmt.Sprintf("%s (commit: %s, built: %s)", Version, Commit, BuildDate)
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() {
	if err := fang.Execute(
		context.Background(),
		rootCmd,
		fang.WithVersion(getVersionString()),
		fang.WithNotifySignal(os.Interrupt),
	); err != nil {
		var exitErr *ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}

// initRootConfig loads the configuration before any command runs.
func initRootConfig() {
	loaded, err := config.NewProvider().Load(context.Background(), config.LoadOptions{
		ConfigFilePath: cfgFile,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, WarningStyle.Render("Warning: ")+formatErrorForDisplay(err, verbose))
		return
	}
	cfg = loaded

	if !verbose {
		verbose = cfg.UI.Verbose
	}
}

// formatErrorForDisplay formats an error for user display. ActionableErrors
// render their suggestions; verbose mode shows the full error chain.
func formatErrorForDisplay(err error, verboseMode bool) string {
	var ae *issue.ActionableError
	if errors.As(err, &ae) {
		return ae.Format(verboseMode)
	}
	return err.Error()
}
