// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/buildspec"
	"github.com/kilnlabs/kiln/internal/issue"
)

var checkManifestPath string

var checkCmd = &cobra.Command{
	Use:   "check [dir]",
	Short: "Validate a manifest without building anything",
	Long: `Check loads the manifest, validates it, and computes the fingerprint
its image would be cached under. Nothing is built and no container
engine is required.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		m, root, err := resolveManifest(checkManifestPath, args)
		if err != nil {
			return err
		}

		fp, err := buildspec.NewFingerprinter(root).Fingerprint(&m.BuildSpec)
		if err != nil {
			return issue.NewErrorContext().
				WithOperation("fingerprint manifest").
				WithSuggestion("Check that every 'copy' source exists under the project root").
				Wrap(err).
				BuildError()
		}

		fmt.Println(SuccessStyle.Render("✓ manifest is valid"))
		fmt.Printf("  name:        %s\n", m.Name)
		fmt.Printf("  entrypoint:  %s\n", m.Entrypoint)
		fmt.Printf("  fingerprint: %s\n", TagStyle.Render(fp.Short()))
		if len(m.LanguagePackages) > 0 {
			fmt.Printf("  packages:    %d language, %d system\n", len(m.LanguagePackages), len(m.SystemPackages))
		}
		return nil
	},
}

func init() {
	checkCmd.Flags().StringVarP(&checkManifestPath, "manifest", "m", "", "manifest file (default <dir>/kiln.yaml)")
}
