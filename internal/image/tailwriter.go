// SPDX-License-Identifier: MPL-2.0

package image

import (
	"strings"
	"sync"
)

// tailWriter is an io.Writer retaining only the last n lines written. Build
// output flows through it so a BuildError can carry a bounded log excerpt.
type tailWriter struct {
	mu      sync.Mutex
	n       int
	lines   []string
	partial strings.Builder
}

func newTailWriter(n int) *tailWriter {
	return &tailWriter{n: n}
}

func (w *tailWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, b := range p {
		if b == '\n' {
			w.push(w.partial.String())
			w.partial.Reset()
			continue
		}
		w.partial.WriteByte(b)
	}
	return len(p), nil
}

func (w *tailWriter) push(line string) {
	w.lines = append(w.lines, line)
	if len(w.lines) > w.n {
		w.lines = w.lines[len(w.lines)-w.n:]
	}
}

// String returns the retained tail, including any unterminated final line.
func (w *tailWriter) String() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := strings.Join(w.lines, "\n")
	if w.partial.Len() > 0 {
		if out != "" {
			out += "\n"
		}
		out += w.partial.String()
	}
	return out
}
