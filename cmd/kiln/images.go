// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/image"
	"github.com/kilnlabs/kiln/internal/issue"
)

var imagesCmd = &cobra.Command{
	Use:   "images",
	Short: "List the cached images kiln manages",
	Args:  cobra.NoArgs,
	RunE: func(cobraCmd *cobra.Command, _ []string) error {
		a, err := newApp(".")
		if err != nil {
			return err
		}
		defer a.close()

		imgs, err := a.engine.ListImages(cobraCmd.Context(), image.ManagedLabel+"=true")
		if err != nil {
			return issue.WrapWithOperation(err, "list images")
		}
		if len(imgs) == 0 {
			fmt.Println(SubtitleStyle.Render("no kiln-managed images"))
			return nil
		}
		sort.Slice(imgs, func(i, j int) bool { return imgs[i].Tag < imgs[j].Tag })

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, TitleStyle.Render("TAG")+"\t"+TitleStyle.Render("ID")+"\t"+TitleStyle.Render("KIND"))
		for _, img := range imgs {
			kind := "dev"
			if image.IsDeployTag(img.Tag) {
				kind = "standalone"
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\n", img.Tag, shortID(img.ID), kind)
		}
		return tw.Flush()
	},
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
