// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/kilnlabs/kiln/internal/container"
	"github.com/kilnlabs/kiln/internal/stream"
)

// runnerScript drives a fake in-container runner: for each received call it
// replays the scripted frames.
type runnerScript struct {
	// frames sent after each call frame, in order.
	replies []frame
	// skipReady suppresses the readiness handshake.
	skipReady bool
	// hang keeps the runner silent after the call until the connection
	// drops, simulating a stuck computation.
	hang bool

	calls atomic.Int32
	// cancelled is closed when a cancel frame arrives.
	cancelOnce sync.Once
	cancelled  chan struct{}
}

// startRunner serves the script over WebSocket and returns its ws:// address.
func startRunner(t *testing.T, script *runnerScript) string {
	t.Helper()
	script.cancelled = make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if !script.skipReady {
			if err := conn.WriteJSON(frame{Type: frameReady}); err != nil {
				return
			}
		}
		for {
			var f frame
			if err := conn.ReadJSON(&f); err != nil {
				return
			}
			switch f.Type {
			case frameCall:
				script.calls.Add(1)
				if script.hang {
					continue
				}
				for _, reply := range script.replies {
					if err := conn.WriteJSON(reply); err != nil {
						return
					}
				}
			case frameCancel:
				script.cancelOnce.Do(func() { close(script.cancelled) })
			}
		}
	}))
	t.Cleanup(srv.Close)
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func itemFrame(item stream.Item) frame {
	return frame{Type: frameItem, Item: &item}
}

// stubEngine implements container.Engine for dispatch tests. Containers are
// purely notional; Start hands out sequential IDs.
type stubEngine struct {
	mu       sync.Mutex
	nextID   int
	started  []container.ContainerID
	stopped  []container.ContainerID
	removed  []container.ContainerID
	startErr error

	logTail  string
	logsBody string
	waitCode int
	// waitBlock, when set, makes Wait block until ctx is done.
	waitBlock bool
}

func (s *stubEngine) Name() string                            { return "stub" }
func (s *stubEngine) Available() bool                         { return true }
func (s *stubEngine) Version(context.Context) (string, error) { return "0.0.0", nil }
func (s *stubEngine) Build(context.Context, container.BuildOptions) error {
	return fmt.Errorf("not supported")
}
func (s *stubEngine) Run(context.Context, container.RunOptions) (*container.RunResult, error) {
	return &container.RunResult{}, nil
}

func (s *stubEngine) Start(_ context.Context, opts container.RunOptions) (container.ContainerID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.startErr != nil {
		return "", s.startErr
	}
	s.nextID++
	id := container.ContainerID(fmt.Sprintf("c%d", s.nextID))
	s.started = append(s.started, id)
	return id, nil
}

func (s *stubEngine) Stop(_ context.Context, id container.ContainerID, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = append(s.stopped, id)
	return nil
}

func (s *stubEngine) Remove(_ context.Context, id container.ContainerID, _ bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removed = append(s.removed, id)
	return nil
}

func (s *stubEngine) Logs(context.Context, container.ContainerID, int) (string, error) {
	return s.logTail, nil
}

func (s *stubEngine) StreamLogs(context.Context, container.ContainerID) (io.ReadCloser, error) {
	return io.NopCloser(strings.NewReader(s.logsBody)), nil
}

func (s *stubEngine) Wait(ctx context.Context, _ container.ContainerID) (int, error) {
	if s.waitBlock {
		<-ctx.Done()
		return -1, ctx.Err()
	}
	return s.waitCode, nil
}

func (s *stubEngine) ImageExists(context.Context, container.ImageTag) (bool, error) {
	return true, nil
}
func (s *stubEngine) ImageID(context.Context, container.ImageTag) (string, error) { return "", nil }
func (s *stubEngine) RemoveImage(context.Context, container.ImageTag, bool) error { return nil }
func (s *stubEngine) ListImages(context.Context, string) ([]container.ImageInfo, error) {
	return nil, nil
}
func (s *stubEngine) ListContainers(context.Context, string, bool) ([]container.ContainerInfo, error) {
	return nil, nil
}

func (s *stubEngine) stoppedIDs() []container.ContainerID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]container.ContainerID(nil), s.stopped...)
}

// dialTo returns a DialFunc that always connects to addr, regardless of the
// address the pool computed from its notional port mapping.
func dialTo(addr string) DialFunc {
	return func(ctx context.Context, _ string) (*websocket.Conn, *http.Response, error) {
		return websocket.DefaultDialer.DialContext(ctx, addr, nil)
	}
}

func testLogger() *log.Logger { return log.New(io.Discard) }

func fastChannelOptions() ChannelOptions {
	return ChannelOptions{
		HandshakeTimeout: 2 * time.Second,
		DialAttempts:     3,
		DialBackoff:      10 * time.Millisecond,
	}
}

// collect drains an event channel.
func collect(events <-chan stream.Event) []stream.Event {
	var out []stream.Event
	for ev := range events {
		out = append(out, ev)
	}
	return out
}

// decodeAll feeds events through a decoder, ignoring recoverable protocol
// errors the way a presentation layer would.
func decodeAll(t *testing.T, events []stream.Event) *stream.Decoder {
	t.Helper()
	dec := stream.NewDecoder()
	for _, ev := range events {
		_ = dec.Feed(ev)
	}
	return dec
}
