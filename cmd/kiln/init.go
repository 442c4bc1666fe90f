// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/buildspec"
	"github.com/kilnlabs/kiln/internal/issue"
)

const starterManifest = `# kiln manifest
name: my-app
language_version: "3.12"

# OS packages installed at build time.
# system_packages:
#   - curl

# Language packages installed at build time.
# language_packages:
#   - requests

# Files copied into the image, source -> destination.
copy:
  main.py: main.py

# Module path of the function to execute.
entrypoint: main.run

# Arguments passed to the entrypoint.
# args:
#   greeting: hello
`

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create a starter manifest",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		dir := "."
		if len(args) > 0 {
			dir = args[0]
		}
		path := filepath.Join(dir, buildspec.DefaultManifestName)

		if _, err := os.Stat(path); err == nil {
			return issue.NewErrorContext().
				WithOperation("create manifest").
				WithResource(path).
				WithSuggestion("Edit the existing file, or remove it first").
				Wrap(errors.New("file already exists")).
				BuildError()
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(path, []byte(starterManifest), 0o644); err != nil {
			return issue.WrapWithOperation(err, "create manifest")
		}

		fmt.Println(SuccessStyle.Render("✓ created ") + TagStyle.Render(path))
		fmt.Println(SubtitleStyle.Render("  edit it, then run: kiln run " + dir))
		return nil
	},
}
