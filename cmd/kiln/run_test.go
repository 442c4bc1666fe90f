// SPDX-License-Identifier: MPL-2.0

package cmd

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/kilnlabs/kiln/internal/buildspec"
	"github.com/kilnlabs/kiln/internal/stream"
)

func captureRender(t *testing.T, events []stream.Event) (out string, failed bool, msg string) {
	t.Helper()

	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("pipe: %v", err)
	}
	ch := make(chan stream.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)

	failed, msg = renderEvents(w, ch)
	w.Close()

	var sb strings.Builder
	buf := make([]byte, 4096)
	for {
		n, rerr := r.Read(buf)
		sb.Write(buf[:n])
		if rerr != nil {
			break
		}
	}
	return sb.String(), failed, msg
}

func TestRenderEventsStreamsTextIncrementally(t *testing.T) {
	out, failed, _ := captureRender(t, []stream.Event{
		{Op: stream.OpStart, ComponentID: "c1", Kind: stream.KindText, Props: stream.Props{"content": "hel"}},
		{Op: stream.OpDelta, ComponentID: "c1", Props: stream.Props{"content": "lo"}},
		{Op: stream.OpClose, ComponentID: "c1"},
		{Op: stream.OpDone},
	})
	if failed {
		t.Fatal("stream reported failure")
	}
	if !strings.Contains(out, "hello") {
		t.Errorf("output %q missing streamed text", out)
	}
	if strings.Count(out, "hello") != 1 {
		t.Errorf("streamed text printed more than once: %q", out)
	}
}

func TestRenderEventsRendersTableOnClose(t *testing.T) {
	out, failed, _ := captureRender(t, []stream.Event{
		{Op: stream.OpStart, ComponentID: "t1", Kind: stream.KindTable, Props: stream.Props{"headers": []any{"city", "temp"}}},
		{Op: stream.OpDelta, ComponentID: "t1", Props: stream.Props{"row": []any{"Oslo", "4"}}},
		{Op: stream.OpClose, ComponentID: "t1"},
		{Op: stream.OpDone},
	})
	if failed {
		t.Fatal("stream reported failure")
	}
	for _, want := range []string{"city", "Oslo", "4"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output %q missing %q", out, want)
		}
	}
}

func TestRenderEventsTerminalError(t *testing.T) {
	out, failed, msg := captureRender(t, []stream.Event{
		{Op: stream.OpStart, ComponentID: "c1", Kind: stream.KindText, Props: stream.Props{"content": "partial"}},
		{Op: stream.OpError, Message: "runner exploded"},
	})
	if !failed {
		t.Fatal("expected failure")
	}
	if msg != "runner exploded" {
		t.Errorf("message = %q", msg)
	}
	if !strings.Contains(out, "partial") {
		t.Errorf("output %q missing text streamed before the failure", out)
	}
	if !strings.Contains(out, "runner exploded") {
		t.Errorf("output %q missing error message", out)
	}
}

func TestRenderEventsAtomicCallout(t *testing.T) {
	out, failed, _ := captureRender(t, []stream.Event{
		{Op: stream.OpComplete, Kind: stream.KindCallout, Props: stream.Props{"content": "deployed", "style": "success"}},
		{Op: stream.OpDone},
	})
	if failed {
		t.Fatal("stream reported failure")
	}
	if !strings.Contains(out, "deployed") {
		t.Errorf("output %q missing callout content", out)
	}
}

func TestResolveManifestMissingFile(t *testing.T) {
	_, _, err := resolveManifest("", []string{t.TempDir()})
	if err == nil {
		t.Fatal("expected error for missing manifest")
	}
	if !strings.Contains(err.Error(), "locate manifest") {
		t.Errorf("error %q missing operation context", err)
	}
}

func TestResolveManifestExplicitPath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "custom.yaml")
	manifest := "name: demo\nentrypoint: main.run\ncopy:\n  main.py: main.py\n"
	if err := os.WriteFile(path, []byte(manifest), 0o644); err != nil {
		t.Fatal(err)
	}

	m, root, err := resolveManifest(path, nil)
	if err != nil {
		t.Fatalf("resolveManifest: %v", err)
	}
	if m.Entrypoint != "main.run" {
		t.Errorf("entrypoint = %q", m.Entrypoint)
	}
	if root != dir {
		t.Errorf("root = %q, want %q", root, dir)
	}
}

func TestPayloadFromManifest(t *testing.T) {
	m, _, err := resolveManifestFromLiteral(t, "name: demo\nentrypoint: main.run\nargs:\n  city: Oslo\n")
	if err != nil {
		t.Fatal(err)
	}
	p, err := payloadFromManifest(m)
	if err != nil {
		t.Fatalf("payloadFromManifest: %v", err)
	}
	if p.Entrypoint != "main.run" {
		t.Errorf("entrypoint = %q", p.Entrypoint)
	}
	if !strings.Contains(string(p.Args), "Oslo") {
		t.Errorf("args %q missing value", p.Args)
	}
}

func resolveManifestFromLiteral(t *testing.T, yaml string) (m *buildspec.Manifest, root string, err error) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "kiln.yaml")
	if werr := os.WriteFile(path, []byte(yaml), 0o644); werr != nil {
		t.Fatal(werr)
	}
	return resolveManifest("", []string{dir})
}
