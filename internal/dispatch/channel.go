// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/kilnlabs/kiln/internal/container"
	"github.com/kilnlabs/kiln/internal/stream"
)

// ChannelState tracks a channel through its lifecycle.
type ChannelState string

const (
	StateIdle       ChannelState = "idle"
	StateConnecting ChannelState = "connecting"
	StateReady      ChannelState = "ready"
	StateSending    ChannelState = "sending"
	StateStreaming  ChannelState = "streaming"
	StateDone       ChannelState = "done"
	StateError      ChannelState = "error"
)

// Frame types exchanged with the in-container runner. The runner announces
// readiness once, then answers each call with a sequence of item frames
// terminated by done or error.
const (
	frameReady  = "ready"
	frameCall   = "call"
	frameItem   = "item"
	frameDone   = "done"
	frameError  = "error"
	frameCancel = "cancel"
)

type (
	// frame is one message of the runner protocol.
	frame struct {
		Type    string       `json:"type"`
		Payload *Payload     `json:"payload,omitempty"`
		Item    *stream.Item `json:"item,omitempty"`
		Message string       `json:"message,omitempty"`
		Stderr  string       `json:"stderr,omitempty"`
	}

	// DialFunc opens a WebSocket connection. Injectable so tests can
	// point channels at in-process servers.
	DialFunc func(ctx context.Context, addr string) (*websocket.Conn, *http.Response, error)

	// ChannelOptions bounds every wait a channel performs.
	ChannelOptions struct {
		// HandshakeTimeout bounds the wait for the runner's ready frame.
		HandshakeTimeout time.Duration
		// DialAttempts is how many connection attempts are made before
		// the channel is declared unavailable.
		DialAttempts int
		// DialBackoff is the base backoff between dial attempts.
		DialBackoff time.Duration
	}

	// Channel is one connection to a warm container's runner. A channel
	// carries at most one in-flight call; Call is not reentrant.
	Channel struct {
		addr string
		conn *websocket.Conn

		mu    sync.Mutex
		state ChannelState
	}
)

// DefaultDial dials with gorilla's default dialer.
func DefaultDial(ctx context.Context, addr string) (*websocket.Conn, *http.Response, error) {
	return websocket.DefaultDialer.DialContext(ctx, addr, nil)
}

func defaultChannelOptions(o ChannelOptions) ChannelOptions {
	if o.HandshakeTimeout == 0 {
		o.HandshakeTimeout = 10 * time.Second
	}
	if o.DialAttempts == 0 {
		o.DialAttempts = 5
	}
	if o.DialBackoff == 0 {
		o.DialBackoff = 200 * time.Millisecond
	}
	return o
}

// OpenChannel dials the runner at addr and waits for its readiness
// handshake. Dial failures are retried with backoff; a runner that connects
// but never announces readiness within the handshake window is a failure.
// On success the channel is in StateReady.
func OpenChannel(ctx context.Context, dial DialFunc, addr string, opts ChannelOptions) (*Channel, error) {
	opts = defaultChannelOptions(opts)
	c := &Channel{addr: addr, state: StateIdle}

	c.setState(StateConnecting)
	err := container.RetryWithBackoff(ctx, opts.DialAttempts, opts.DialBackoff, func(int) (bool, error) {
		conn, resp, dialErr := dial(ctx, addr)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if dialErr != nil {
			// The runner may still be booting inside the container.
			return true, dialErr
		}
		c.conn = conn
		return false, nil
	})
	if err != nil {
		c.setState(StateError)
		return nil, &ChannelError{Addr: addr, Attempts: opts.DialAttempts, Err: err}
	}

	if err := c.awaitReady(opts.HandshakeTimeout); err != nil {
		_ = c.conn.Close()
		c.setState(StateError)
		return nil, &ChannelError{Addr: addr, Attempts: opts.DialAttempts, Err: err}
	}
	c.setState(StateReady)
	return c, nil
}

func (c *Channel) awaitReady(timeout time.Duration) error {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	var f frame
	if err := c.conn.ReadJSON(&f); err != nil {
		return fmt.Errorf("waiting for readiness handshake: %w", err)
	}
	if f.Type != frameReady {
		return fmt.Errorf("handshake: unexpected frame %q", f.Type)
	}
	return nil
}

// State returns the channel's current state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) setState(s ChannelState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Call sends a payload and streams the resulting items to yield, in order,
// until the runner signals completion. A runner-reported failure returns
// ExecutionError. Cancelling ctx sends a best-effort cancel frame, closes
// the connection, and returns ctx.Err(); the channel is unusable afterwards.
func (c *Channel) Call(ctx context.Context, p Payload, yield func(stream.Item) error) error {
	if err := p.Validate(); err != nil {
		return err
	}

	c.setState(StateSending)
	if err := c.conn.WriteJSON(frame{Type: frameCall, Payload: &p}); err != nil {
		c.setState(StateError)
		return c.callErr(ctx, fmt.Errorf("sending payload: %w", err))
	}
	c.setState(StateStreaming)

	// Unblock the read loop when the caller goes away.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.conn.WriteJSON(frame{Type: frameCancel})
			_ = c.conn.Close()
		case <-watchDone:
		}
	}()

	for {
		var f frame
		if err := c.conn.ReadJSON(&f); err != nil {
			c.setState(StateError)
			return c.callErr(ctx, fmt.Errorf("reading stream: %w", err))
		}
		switch f.Type {
		case frameItem:
			if f.Item == nil {
				continue
			}
			if err := yield(*f.Item); err != nil {
				c.setState(StateError)
				return c.callErr(ctx, err)
			}
		case frameDone:
			c.setState(StateDone)
			return nil
		case frameError:
			c.setState(StateError)
			return &ExecutionError{Message: f.Message, StderrTail: f.Stderr}
		default:
			// Unknown frame types are skipped so runner upgrades
			// don't break older dispatchers.
		}
	}
}

// callErr prefers the caller's cancellation over whatever connection error
// it provoked.
func (c *Channel) callErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Healthy reports whether the channel can accept another call.
func (c *Channel) Healthy() bool {
	s := c.State()
	return s == StateReady || s == StateDone
}

// Close closes the underlying connection.
func (c *Channel) Close() error {
	if c.conn == nil {
		return nil
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	return c.conn.Close()
}
