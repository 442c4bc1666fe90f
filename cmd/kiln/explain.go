// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/issue"
)

var explainCmd = &cobra.Command{
	Use:   "explain [id]",
	Short: "Show guidance pages for known failure modes",
	Long: `Explain renders the guidance page for a known failure mode. Without
an id it lists every page.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		if len(args) == 0 {
			pages := issue.Values()
			sort.Slice(pages, func(i, j int) bool { return pages[i].Id() < pages[j].Id() })
			for _, page := range pages {
				fmt.Printf("%s  %s\n", TagStyle.Render(fmt.Sprintf("%3d", page.Id())), firstLine(page))
			}
			fmt.Println(SubtitleStyle.Render("\nrun 'kiln explain <id>' for the full page"))
			return nil
		}

		n, err := strconv.Atoi(args[0])
		if err != nil {
			return fmt.Errorf("issue id must be a number, got %q", args[0])
		}
		page := issue.Get(issue.Id(n))
		if page == nil {
			return fmt.Errorf("no issue page with id %d", n)
		}
		rendered, err := page.Render("dark")
		if err != nil {
			return err
		}
		fmt.Println(rendered)
		return nil
	},
}

// firstLine extracts the page's title for the listing.
func firstLine(page *issue.Issue) string {
	md := string(page.MarkdownMsg())
	for i := 0; i < len(md); i++ {
		if md[i] == '#' {
			start := i + 2
			end := start
			for end < len(md) && md[end] != '\n' {
				end++
			}
			return md[start:end]
		}
	}
	return ""
}
