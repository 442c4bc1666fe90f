// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect kiln configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		dir, err := config.ConfigDir()
		if err == nil {
			fmt.Println(SubtitleStyle.Render("config dir: ") + dir)
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		defer tw.Flush()
		row := func(key string, value any) {
			fmt.Fprintf(tw, "%s\t%v\n", TagStyle.Render(key), value)
		}
		row("engine", cfg.Engine)
		row("base_image", cfg.BaseImage)
		row("runner_dir", cfg.RunnerDir)
		row("build.timeout_seconds", cfg.Build.TimeoutSeconds)
		row("build.no_cache", cfg.Build.NoCache)
		row("build.log_tail_lines", cfg.Build.LogTailLines)
		row("channel.port", cfg.Channel.Port)
		row("channel.handshake_timeout_seconds", cfg.Channel.HandshakeTimeoutSeconds)
		row("channel.dial_attempts", cfg.Channel.DialAttempts)
		row("channel.dial_backoff_ms", cfg.Channel.DialBackoffMillis)
		row("channel.call_timeout_seconds", cfg.Channel.CallTimeoutSeconds)
		row("pool.max_warm", cfg.Pool.MaxWarm)
		row("pool.idle_grace_seconds", cfg.Pool.IdleGraceSeconds)
		row("pool.reaper_interval_seconds", cfg.Pool.ReaperIntervalSeconds)
		row("stream.buffer", cfg.Stream.Buffer)
		row("ui.verbose", cfg.UI.Verbose)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
