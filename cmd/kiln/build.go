// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/dispatch"
	"github.com/kilnlabs/kiln/internal/issue"
)

var (
	buildManifestPath string
	buildNoCache      bool
	buildRunLocal     bool
)

var buildCmd = &cobra.Command{
	Use:   "build [dir]",
	Short: "Bake a standalone image with the payload embedded",
	Long: `Build produces a self-contained image: the manifest's entrypoint and
arguments are baked into the image itself, so it runs anywhere the
container engine does, with no channel and no kiln on the other end.

Standalone images are pinned and never reclaimed by 'kiln prune'. With
--run the baked image is executed locally right away, relaying its log
output.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		m, root, err := resolveManifest(buildManifestPath, args)
		if err != nil {
			return err
		}
		if buildNoCache {
			cfg.Build.NoCache = true
		}
		a, err := newApp(root)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cobraCmd.Context(), os.Interrupt)
		defer stop()

		payload, err := payloadFromManifest(m)
		if err != nil {
			return err
		}
		raw, err := payload.Marshal()
		if err != nil {
			return err
		}

		rec, err := a.images.EnsureStandalone(ctx, &m.BuildSpec, raw, m.Port)
		if err != nil {
			return issue.WrapWithOperation(err, "bake standalone image")
		}

		fmt.Println(SuccessStyle.Render("✓ baked ") + TagStyle.Render(string(rec.Tag)))
		if m.Port > 0 {
			fmt.Printf("  run it with: docker run -p %d:%d %s\n", m.Port, m.Port, rec.Tag)
		} else {
			fmt.Printf("  run it with: docker run %s\n", rec.Tag)
		}

		if !buildRunLocal {
			return nil
		}
		events, err := a.dispatcher.Dispatch(ctx, rec, payload, dispatch.ModeStandalone)
		if err != nil {
			return issue.WrapWithOperation(err, "run baked image")
		}
		if failed, msg := renderEvents(os.Stdout, events); failed {
			return &ExitError{Code: 1, Err: fmt.Errorf("%s", msg)}
		}
		return nil
	},
}

func init() {
	buildCmd.Flags().StringVarP(&buildManifestPath, "manifest", "m", "", "manifest file (default <dir>/kiln.yaml)")
	buildCmd.Flags().BoolVar(&buildNoCache, "no-cache", false, "rebuild even when a cached image exists")
	buildCmd.Flags().BoolVar(&buildRunLocal, "run", false, "run the baked image locally after building")
}
