// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/kilnlabs/kiln/internal/image"
	"github.com/kilnlabs/kiln/internal/stream"
)

func newTestDispatcher(t *testing.T, engine *stubEngine, script *runnerScript) *Dispatcher {
	t.Helper()
	pool := newTestPool(t, engine, script)
	return NewDispatcher(engine, pool, Options{}, testLogger())
}

func devRecord() *image.Record {
	return &image.Record{Tag: "kiln/app:aaaa", Kind: image.PlanDev}
}

func deployRecord() *image.Record {
	return &image.Record{Tag: "kiln/app:deploy-aaaa", Kind: image.PlanDeploy, Pinned: true}
}

func TestDispatchInteractive(t *testing.T) {
	t.Parallel()

	script := &runnerScript{replies: []frame{
		itemFrame(stream.Thinking("Let me ")),
		itemFrame(stream.Thinking("think")),
		itemFrame(stream.Text("answer")),
		itemFrame(stream.Callout("Done!", "success", "")),
		{Type: frameDone},
	}}
	engine := &stubEngine{}
	d := newTestDispatcher(t, engine, script)

	events, err := d.Dispatch(context.Background(), devRecord(),
		Payload{Entrypoint: "app:main", Args: json.RawMessage(`{}`)}, ModeInteractive)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := collect(events)

	if evs[len(evs)-1].Op != stream.OpDone {
		t.Errorf("stream does not end with the sentinel: %+v", evs[len(evs)-1])
	}

	dec := decodeAll(t, evs)
	comps := dec.Components()
	if len(comps) != 3 {
		t.Fatalf("components = %d, want 3: %+v", len(comps), comps)
	}
	if comps[0].Kind != stream.KindThinking || comps[0].Props["content"] != "Let me think" {
		t.Errorf("thinking component = %+v", comps[0])
	}
	if comps[1].Kind != stream.KindText || comps[1].Props["content"] != "answer" {
		t.Errorf("text component = %+v", comps[1])
	}
	if comps[2].Kind != stream.KindCallout {
		t.Errorf("callout component = %+v", comps[2])
	}
	if !dec.Done() {
		t.Error("decoder did not observe stream completion")
	}
}

func TestDispatchInteractiveFailureIsTerminalEvent(t *testing.T) {
	t.Parallel()

	script := &runnerScript{replies: []frame{
		itemFrame(stream.Text("partial output")),
		{Type: frameError, Message: "boom", Stderr: "traceback"},
	}}
	d := newTestDispatcher(t, &stubEngine{}, script)

	events, err := d.Dispatch(context.Background(), devRecord(),
		Payload{Entrypoint: "app:main"}, ModeInteractive)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := collect(events)

	last := evs[len(evs)-1]
	if last.Op != stream.OpError {
		t.Fatalf("last event op = %q, want %q", last.Op, stream.OpError)
	}
	if !strings.Contains(last.Message, "boom") {
		t.Errorf("error message lost: %q", last.Message)
	}

	// Output streamed before the failure is still decodable.
	dec := decodeAll(t, evs)
	comps := dec.Components()
	if len(comps) != 1 || comps[0].Props["content"] != "partial output" {
		t.Errorf("partial output lost: %+v", comps)
	}
	if _, failed := dec.Failure(); !failed {
		t.Error("decoder did not record the failure")
	}
}

func TestDispatchInteractiveReusesWarmContainer(t *testing.T) {
	t.Parallel()

	script := &runnerScript{replies: []frame{
		itemFrame(stream.Text("hi")),
		{Type: frameDone},
	}}
	engine := &stubEngine{}
	d := newTestDispatcher(t, engine, script)

	for range 3 {
		events, err := d.Dispatch(context.Background(), devRecord(),
			Payload{Entrypoint: "app:main"}, ModeInteractive)
		if err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		collect(events)
	}

	engine.mu.Lock()
	started := len(engine.started)
	engine.mu.Unlock()
	if started != 1 {
		t.Errorf("containers started = %d, want 1 (warm reuse)", started)
	}
	if got := script.calls.Load(); got != 3 {
		t.Errorf("runner calls = %d, want 3", got)
	}
}

func TestDispatchInteractiveCancellationTearsDownBenignly(t *testing.T) {
	t.Parallel()

	script := &runnerScript{hang: true}
	engine := &stubEngine{}
	d := newTestDispatcher(t, engine, script)

	ctx, cancel := context.WithCancel(context.Background())
	events, err := d.Dispatch(ctx, devRecord(), Payload{Entrypoint: "app:main"}, ModeInteractive)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()

	// The stream simply ends: cancellation is cleanup, not a failure.
	evs := collect(events)
	for _, ev := range evs {
		if ev.Op == stream.OpError {
			t.Errorf("cancellation surfaced as an error event: %+v", ev)
		}
	}

	deadline := time.After(2 * time.Second)
	for len(engine.stoppedIDs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("cancelled call's container never torn down")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestDispatchInteractiveHungRunnerTimesOut(t *testing.T) {
	t.Parallel()

	script := &runnerScript{hang: true}
	engine := &stubEngine{}
	pool := newTestPool(t, engine, script)
	d := NewDispatcher(engine, pool, Options{CallTimeout: 100 * time.Millisecond}, testLogger())

	// No caller cancellation: the dispatcher's own bound must fire.
	events, err := d.Dispatch(context.Background(), devRecord(),
		Payload{Entrypoint: "app:main"}, ModeInteractive)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := collect(events)

	last := evs[len(evs)-1]
	if last.Op != stream.OpError {
		t.Fatalf("last event op = %q, want %q", last.Op, stream.OpError)
	}
	if !strings.Contains(last.Message, "deadline") {
		t.Errorf("timeout not surfaced in message: %q", last.Message)
	}
}

func TestDispatcherCallTimeoutDefaultsBounded(t *testing.T) {
	t.Parallel()

	d := NewDispatcher(&stubEngine{}, nil, Options{}, testLogger())
	if d.opts.CallTimeout <= 0 {
		t.Errorf("default call timeout %v is unbounded", d.opts.CallTimeout)
	}
}

func TestDispatchModeValidation(t *testing.T) {
	t.Parallel()

	d := newTestDispatcher(t, &stubEngine{}, &runnerScript{})

	if _, err := d.Dispatch(context.Background(), deployRecord(),
		Payload{Entrypoint: "app:main"}, ModeInteractive); err == nil {
		t.Error("interactive dispatch accepted a deploy image")
	}
	if _, err := d.Dispatch(context.Background(), devRecord(),
		Payload{Entrypoint: "app:main"}, ModeStandalone); err == nil {
		t.Error("standalone dispatch accepted a dev image")
	}
	if _, err := d.Dispatch(context.Background(), devRecord(),
		Payload{}, ModeInteractive); err == nil {
		t.Error("payload without entrypoint accepted")
	}
	if _, err := d.Dispatch(context.Background(), devRecord(),
		Payload{Entrypoint: "app:main"}, Mode("bogus")); err == nil {
		t.Error("unknown mode accepted")
	}
}

func TestDispatchStandaloneBatch(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{logsBody: "step one\nstep two\n", waitCode: 0}
	d := newTestDispatcher(t, engine, &runnerScript{})

	events, err := d.Dispatch(context.Background(), deployRecord(),
		Payload{Entrypoint: "app:main"}, ModeStandalone)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := collect(events)

	if evs[len(evs)-1].Op != stream.OpDone {
		t.Errorf("batch run does not end with the sentinel")
	}
	comps := decodeAll(t, evs).Components()
	if len(comps) != 1 || comps[0].Kind != stream.KindText {
		t.Fatalf("components = %+v", comps)
	}
	if got := comps[0].Props["content"]; got != "step one\nstep two\n" {
		t.Errorf("relayed logs = %q", got)
	}
}

func TestDispatchStandaloneRelaysOversizedLine(t *testing.T) {
	t.Parallel()

	// One line past bufio.Scanner's 64KB default; the relay's raised
	// buffer must carry it through instead of silently stopping.
	long := strings.Repeat("x", 100*1024)
	engine := &stubEngine{logsBody: long + "\nafter\n", waitCode: 0}
	d := newTestDispatcher(t, engine, &runnerScript{})

	events, err := d.Dispatch(context.Background(), deployRecord(),
		Payload{Entrypoint: "app:main"}, ModeStandalone)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := collect(events)

	if evs[len(evs)-1].Op != stream.OpDone {
		t.Errorf("run does not end with the sentinel")
	}
	comps := decodeAll(t, evs).Components()
	if len(comps) != 1 {
		t.Fatalf("components = %d, want 1", len(comps))
	}
	content, _ := comps[0].Props["content"].(string)
	if !strings.Contains(content, long) {
		t.Error("oversized line truncated or dropped")
	}
	if !strings.Contains(content, "after\n") {
		t.Error("relay stopped before lines following the oversized one")
	}
}

func TestDispatchStandaloneNonZeroExit(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{logsBody: "starting\n", waitCode: 3, logTail: "fatal: config missing"}
	d := newTestDispatcher(t, engine, &runnerScript{})

	events, err := d.Dispatch(context.Background(), deployRecord(),
		Payload{Entrypoint: "app:main"}, ModeStandalone)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	evs := collect(events)

	last := evs[len(evs)-1]
	if last.Op != stream.OpError {
		t.Fatalf("last event op = %q, want %q", last.Op, stream.OpError)
	}
	if !strings.Contains(last.Message, "status 3") || !strings.Contains(last.Message, "config missing") {
		t.Errorf("diagnostics lost: %q", last.Message)
	}
}

func TestDispatchStandaloneCancelledService(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{logsBody: "serving\n", waitBlock: true}
	d := newTestDispatcher(t, engine, &runnerScript{})

	ctx, cancel := context.WithCancel(context.Background())
	events, err := d.Dispatch(ctx, deployRecord(),
		Payload{Entrypoint: "app:main"}, ModeStandalone)
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	time.Sleep(50 * time.Millisecond)
	cancel()

	evs := collect(events)
	for _, ev := range evs {
		if ev.Op == stream.OpError {
			t.Errorf("service cancellation surfaced as an error event: %+v", ev)
		}
	}
	deadline := time.After(2 * time.Second)
	for len(engine.stoppedIDs()) == 0 {
		select {
		case <-deadline:
			t.Fatal("cancelled service container never stopped")
		case <-time.After(10 * time.Millisecond):
		}
	}
}
