// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/issue"
)

var pruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove stale kiln-managed images and exited containers",
	Long: `Prune reclaims images whose manifest no longer exists in this session
and removes exited managed containers. Standalone (baked) images and
images backing a running container are never touched.`,
	Args: cobra.NoArgs,
	RunE: func(cobraCmd *cobra.Command, _ []string) error {
		a, err := newApp(".")
		if err != nil {
			return err
		}
		defer a.close()

		removed, err := a.images.Prune(cobraCmd.Context())
		if err != nil {
			return issue.WrapWithOperation(err, "prune images")
		}
		if removed == 0 {
			fmt.Println(SubtitleStyle.Render("nothing to prune"))
			return nil
		}
		fmt.Println(SuccessStyle.Render(fmt.Sprintf("✓ removed %d image(s)", removed)))
		return nil
	},
}
