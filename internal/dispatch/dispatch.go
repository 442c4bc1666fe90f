// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kilnlabs/kiln/internal/container"
	"github.com/kilnlabs/kiln/internal/image"
	"github.com/kilnlabs/kiln/internal/stream"
)

// maxLogLine caps one relayed log line; longer lines abort the relay with
// bufio.ErrTooLong rather than truncating silently.
const maxLogLine = 1 << 20

// Mode selects the execution transport.
type Mode string

const (
	// ModeInteractive sends the payload to a warm container's runner and
	// streams typed items back over the channel.
	ModeInteractive Mode = "interactive"
	// ModeStandalone runs a fresh container whose image carries the
	// payload; its log output is relayed as text.
	ModeStandalone Mode = "standalone"
)

type (
	// Options configures a Dispatcher.
	Options struct {
		// Buffer is the event channel capacity.
		Buffer int
		// CallTimeout bounds one interactive call. A zero value takes
		// the default; a hung runner raises a timeout instead of
		// blocking the call forever.
		CallTimeout time.Duration
		// LogTailLines is how much container output an ExecutionError
		// carries.
		LogTailLines int
		// StopTimeout bounds standalone container shutdown on
		// cancellation.
		StopTimeout time.Duration
	}

	// Dispatcher executes payloads against image records and streams the
	// output as events. Interactive calls go through the warm pool;
	// standalone runs start fresh containers.
	Dispatcher struct {
		engine container.Engine
		pool   *Pool
		opts   Options
		log    *log.Logger
	}
)

func defaultOptions(o Options) Options {
	if o.Buffer == 0 {
		o.Buffer = 64
	}
	if o.LogTailLines == 0 {
		o.LogTailLines = 40
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = 10 * time.Second
	}
	if o.CallTimeout == 0 {
		o.CallTimeout = 5 * time.Minute
	}
	return o
}

// NewDispatcher creates a Dispatcher sharing the given pool.
func NewDispatcher(engine container.Engine, pool *Pool, opts Options, logger *log.Logger) *Dispatcher {
	return &Dispatcher{
		engine: engine,
		pool:   pool,
		opts:   defaultOptions(opts),
		log:    logger.WithPrefix("dispatch"),
	}
}

// Dispatch executes a payload against a built image and returns the ordered
// event stream. Validation problems are returned synchronously; execution
// failures arrive as a terminal error event so output already streamed stays
// valid. The channel closes when the stream ends or ctx is cancelled.
func (d *Dispatcher) Dispatch(ctx context.Context, rec *image.Record, p Payload, mode Mode) (<-chan stream.Event, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	switch mode {
	case ModeInteractive:
		if rec.Kind != image.PlanDev {
			return nil, fmt.Errorf("interactive dispatch requires a dev image, got %s (%s)", rec.Kind, rec.Tag)
		}
		return d.interactive(ctx, rec, p), nil
	case ModeStandalone:
		if rec.Kind != image.PlanDeploy {
			return nil, fmt.Errorf("standalone dispatch requires a deploy image, got %s (%s)", rec.Kind, rec.Tag)
		}
		return d.standalone(ctx, rec), nil
	default:
		return nil, fmt.Errorf("unknown dispatch mode %q", mode)
	}
}

func (d *Dispatcher) interactive(ctx context.Context, rec *image.Record, p Payload) <-chan stream.Event {
	out := make(chan stream.Event, d.opts.Buffer)
	go func() {
		defer close(out)
		enc := stream.NewEncoder()
		emit := func(evs []stream.Event) bool {
			for _, ev := range evs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		w, err := d.pool.Acquire(ctx, rec.Tag)
		if err != nil {
			if IsBenignTeardown(err) {
				d.log.Debug("acquire abandoned", "image", rec.Tag, "err", err)
				return
			}
			emit(enc.Fail(err.Error()))
			return
		}

		callCtx := ctx
		if d.opts.CallTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, d.opts.CallTimeout)
			defer cancel()
		}

		err = w.Channel.Call(callCtx, p, func(item stream.Item) error {
			if !emit(enc.Encode(item)) {
				return context.Canceled
			}
			return nil
		})
		if err != nil {
			if IsBenignTeardown(err) {
				// The caller went away; the runner's state is
				// unknown, so the container is not reused.
				d.log.Debug("call cancelled", "container", w.ID, "image", rec.Tag)
				d.pool.Discard(w)
				return
			}
			d.pool.Release(w)
			emit(enc.Fail(d.enrich(ctx, w.ID, err).Error()))
			return
		}
		d.pool.Release(w)
		emit(enc.Flush())
	}()
	return out
}

// enrich attaches the container's log tail when the runner died without
// reporting a structured failure.
func (d *Dispatcher) enrich(ctx context.Context, id container.ContainerID, err error) error {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return err
	}
	tail, logErr := d.engine.Logs(ctx, id, d.opts.LogTailLines)
	if logErr != nil {
		tail = ""
	}
	return &ExecutionError{Message: err.Error(), StderrTail: tail}
}

func (d *Dispatcher) standalone(ctx context.Context, rec *image.Record) <-chan stream.Event {
	out := make(chan stream.Event, d.opts.Buffer)
	go func() {
		defer close(out)
		enc := stream.NewEncoder()
		emit := func(evs []stream.Event) bool {
			for _, ev := range evs {
				select {
				case out <- ev:
				case <-ctx.Done():
					return false
				}
			}
			return true
		}

		id, err := d.engine.Start(ctx, container.RunOptions{
			Image:  rec.Tag,
			Labels: map[string]string{image.ManagedLabel: "true"},
		})
		if err != nil {
			emit(enc.Fail(fmt.Sprintf("starting container for %s: %v", rec.Tag, err)))
			return
		}
		d.log.Info("standalone container started", "container", id, "image", rec.Tag)

		logs, err := d.engine.StreamLogs(ctx, id)
		if err != nil {
			emit(enc.Fail(fmt.Sprintf("attaching to %s: %v", id, err)))
			return
		}
		defer func() { _ = logs.Close() }()

		exitCh := make(chan int, 1)
		go func() {
			code, waitErr := d.engine.Wait(ctx, id)
			if waitErr != nil {
				code = -1
			}
			exitCh <- code
		}()

		scanner := bufio.NewScanner(logs)
		scanner.Buffer(make([]byte, 64*1024), maxLogLine)
		for scanner.Scan() {
			if !emit(enc.Encode(stream.Text(scanner.Text() + "\n"))) {
				d.stopStandalone(id)
				return
			}
		}
		if scanErr := scanner.Err(); scanErr != nil && ctx.Err() == nil {
			d.log.Warn("log relay ended early", "container", id, "err", scanErr)
		}

		select {
		case <-ctx.Done():
			// Caller cancelled a serving container. Expected
			// teardown, not a failure.
			d.log.Debug("standalone run cancelled", "container", id)
			d.stopStandalone(id)
			return
		case code := <-exitCh:
			if ctx.Err() != nil {
				d.log.Debug("standalone run cancelled", "container", id)
				d.stopStandalone(id)
				return
			}
			if code != 0 {
				tail, _ := d.engine.Logs(context.WithoutCancel(ctx), id, d.opts.LogTailLines)
				execErr := &ExecutionError{
					Message:    fmt.Sprintf("container exited with status %d", code),
					StderrTail: tail,
				}
				emit(enc.Fail(execErr.Error()))
				return
			}
			emit(enc.Flush())
		}
	}()
	return out
}

func (d *Dispatcher) stopStandalone(id container.ContainerID) {
	ctx, cancel := context.WithTimeout(context.Background(), d.opts.StopTimeout+5*time.Second)
	defer cancel()
	if err := d.engine.Stop(ctx, id, d.opts.StopTimeout); err != nil &&
		!strings.Contains(err.Error(), "No such container") {
		d.log.Debug("stop after cancellation", "container", id, "err", err)
	}
	_ = d.engine.Remove(ctx, id, true)
}
