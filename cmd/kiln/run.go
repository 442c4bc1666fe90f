// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/spf13/cobra"

	"github.com/kilnlabs/kiln/internal/dispatch"
	"github.com/kilnlabs/kiln/internal/issue"
	"github.com/kilnlabs/kiln/internal/stream"
)

var runManifestPath string

var runCmd = &cobra.Command{
	Use:   "run [dir]",
	Short: "Build (if needed) and execute the manifest's computation",
	Long: `Run resolves the manifest, ensures its image exists in the cache
(building it on a miss), dispatches the entrypoint to a warm container,
and renders the streamed output.

Repeated runs with an unchanged manifest reuse both the cached image and
the warm container, so iteration stays fast.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cobraCmd *cobra.Command, args []string) error {
		m, root, err := resolveManifest(runManifestPath, args)
		if err != nil {
			return err
		}
		a, err := newApp(root)
		if err != nil {
			return err
		}
		defer a.close()

		ctx, stop := signal.NotifyContext(cobraCmd.Context(), os.Interrupt)
		defer stop()
		a.pool.StartReaper(ctx)

		rec, err := a.images.Ensure(ctx, &m.BuildSpec)
		if err != nil {
			return issue.WrapWithOperation(err, "build image")
		}
		a.log.Debug("image ready", "tag", rec.Tag)

		payload, err := payloadFromManifest(m)
		if err != nil {
			return err
		}

		events, err := a.dispatcher.Dispatch(ctx, rec, payload, dispatch.ModeInteractive)
		if err != nil {
			return issue.WrapWithOperation(err, "dispatch payload")
		}

		if failed, msg := renderEvents(os.Stdout, events); failed {
			return &ExitError{Code: 1, Err: fmt.Errorf("%s", msg)}
		}
		return nil
	},
}

func init() {
	runCmd.Flags().StringVarP(&runManifestPath, "manifest", "m", "", "manifest file (default <dir>/kiln.yaml)")
}

// renderEvents renders an event stream to the terminal as it arrives:
// textual deltas print incrementally, structured components print when they
// finalize. Returns the failure message if the stream ended in an error.
func renderEvents(w *os.File, events <-chan stream.Event) (failed bool, message string) {
	dec := stream.NewDecoder()
	rendered := 0
	var openKind stream.Kind

	// Textual kinds print incrementally as deltas arrive, so flushNew only
	// renders the structured components that finalize silently.
	flushNew := func() {
		comps := dec.Components()
		for ; rendered < len(comps); rendered++ {
			renderComponent(w, comps[rendered])
		}
	}

	for ev := range events {
		if err := dec.Feed(ev); err != nil && verbose {
			fmt.Fprintln(os.Stderr, WarningStyle.Render("protocol: ")+err.Error())
		}
		switch ev.Op {
		case stream.OpStart:
			openKind = ev.Kind
			if s := textFragment(ev.Kind, ev.Props); s != "" {
				printFragment(w, ev.Kind, s)
			}
		case stream.OpDelta:
			if s := textFragment(openKind, ev.Props); s != "" {
				printFragment(w, openKind, s)
			}
		case stream.OpClose:
			if openKind.Textual() {
				fmt.Fprintln(w)
			}
			openKind = ""
			flushNew()
		case stream.OpComplete:
			if s := textFragment(ev.Kind, ev.Props); s != "" {
				printFragment(w, ev.Kind, s)
				fmt.Fprintln(w)
			}
			flushNew()
		case stream.OpError:
			flushNew()
			fmt.Fprintln(w, ErrorStyle.Render("✗ ")+ev.Message)
			return true, ev.Message
		}
	}
	flushNew()
	return false, ""
}

// textFragment extracts the incremental printable text of a start/delta for
// textual kinds; structured kinds render only on finalize.
func textFragment(kind stream.Kind, props stream.Props) string {
	if !kind.Textual() {
		return ""
	}
	s, _ := props["content"].(string)
	return s
}

func printFragment(w *os.File, kind stream.Kind, s string) {
	switch kind {
	case stream.KindThinking, stream.KindStatus:
		fmt.Fprint(w, ThinkingStyle.Render(s))
	default:
		fmt.Fprint(w, s)
	}
}

// renderComponent prints a finalized structured component. Textual kinds
// already streamed incrementally and are skipped here.
func renderComponent(w *os.File, c stream.Component) {
	if c.Kind.Textual() {
		return
	}
	switch c.Kind {
	case stream.KindTable:
		renderTable(w, c.Props)
	case stream.KindCallout:
		content, _ := c.Props["content"].(string)
		style, _ := c.Props["style"].(string)
		prefix := TagStyle.Render("ℹ ")
		switch style {
		case "success":
			prefix = SuccessStyle.Render("✓ ")
		case "warning":
			prefix = WarningStyle.Render("⚠ ")
		case "error":
			prefix = ErrorStyle.Render("✗ ")
		}
		fmt.Fprintln(w, prefix+content)
	case stream.KindImage:
		src, _ := c.Props["src"].(string)
		fmt.Fprintln(w, SubtitleStyle.Render("[image] ")+TagStyle.Render(src))
	default:
		fmt.Fprintf(w, "%v\n", c.Props)
	}
}

func renderTable(w *os.File, props stream.Props) {
	if headers, ok := props["headers"].([]any); ok {
		for i, h := range headers {
			if i > 0 {
				fmt.Fprint(w, "\t")
			}
			fmt.Fprint(w, TitleStyle.Render(fmt.Sprint(h)))
		}
		fmt.Fprintln(w)
	}
	if rows, ok := props["rows"].([]any); ok {
		for _, row := range rows {
			cells, ok := row.([]any)
			if !ok {
				fmt.Fprintln(w, fmt.Sprint(row))
				continue
			}
			for i, cell := range cells {
				if i > 0 {
					fmt.Fprint(w, "\t")
				}
				fmt.Fprint(w, fmt.Sprint(cell))
			}
			fmt.Fprintln(w)
		}
	}
}
