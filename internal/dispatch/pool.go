// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/kilnlabs/kiln/internal/container"
	"github.com/kilnlabs/kiln/internal/image"
)

type (
	// PoolOptions configures warm-container management.
	PoolOptions struct {
		// MaxWarm caps warm containers per image; extra demand queues.
		MaxWarm int
		// ChannelPort is the runner's listen port inside containers.
		ChannelPort int
		// IdleGrace is how long an unleased warm container survives
		// before the reaper terminates it.
		IdleGrace time.Duration
		// ReaperInterval is the sweep period.
		ReaperInterval time.Duration
		// StopTimeout bounds container shutdown during teardown.
		StopTimeout time.Duration
		Channel     ChannelOptions
	}

	// Warm is a leased warm container: a running container plus the open
	// channel to its runner. At most one call is in flight per Warm.
	Warm struct {
		ID      container.ContainerID
		Tag     container.ImageTag
		Channel *Channel

		busy     bool
		lastUsed time.Time
	}

	// Pool manages warm containers per image tag. Acquire hands out a
	// free one, provisions a new one under the cap, or queues.
	Pool struct {
		engine container.Engine
		dial   DialFunc
		opts   PoolOptions
		log    *log.Logger

		mu      sync.Mutex
		warms   map[container.ImageTag][]*Warm
		counts  map[container.ImageTag]int
		waiters map[container.ImageTag][]chan *Warm
		closed  bool
	}
)

func defaultPoolOptions(o PoolOptions) PoolOptions {
	if o.MaxWarm == 0 {
		o.MaxWarm = 2
	}
	if o.ChannelPort == 0 {
		o.ChannelPort = image.DefaultChannelPort
	}
	if o.IdleGrace == 0 {
		o.IdleGrace = 2 * time.Minute
	}
	if o.ReaperInterval == 0 {
		o.ReaperInterval = 15 * time.Second
	}
	if o.StopTimeout == 0 {
		o.StopTimeout = 5 * time.Second
	}
	return o
}

// NewPool creates a warm-container pool. A nil dial uses the default
// WebSocket dialer.
func NewPool(engine container.Engine, dial DialFunc, opts PoolOptions, logger *log.Logger) *Pool {
	if dial == nil {
		dial = DefaultDial
	}
	p := &Pool{
		engine:  engine,
		dial:    dial,
		opts:    defaultPoolOptions(opts),
		log:     logger.WithPrefix("pool"),
		warms:   make(map[container.ImageTag][]*Warm),
		counts:  make(map[container.ImageTag]int),
		waiters: make(map[container.ImageTag][]chan *Warm),
	}
	return p
}

// Acquire leases a warm container for the image. A free one is reused; under
// the per-image cap a new one is provisioned; otherwise the call queues until
// a lease is released or ctx is cancelled.
func (p *Pool) Acquire(ctx context.Context, tag container.ImageTag) (*Warm, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("pool is closed")
	}
	for _, w := range p.warms[tag] {
		if !w.busy && w.Channel.Healthy() {
			w.busy = true
			w.lastUsed = time.Now()
			p.mu.Unlock()
			return w, nil
		}
	}
	if p.counts[tag] < p.opts.MaxWarm {
		p.counts[tag]++ // reserve the slot before the slow provision
		p.mu.Unlock()
		w, err := p.provision(ctx, tag)
		if err != nil {
			p.mu.Lock()
			p.counts[tag]--
			p.mu.Unlock()
			return nil, err
		}
		return w, nil
	}

	waiter := make(chan *Warm, 1)
	p.waiters[tag] = append(p.waiters[tag], waiter)
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		p.abandonWaiter(tag, waiter)
		return nil, ctx.Err()
	case w, ok := <-waiter:
		if !ok {
			return nil, fmt.Errorf("pool is closed")
		}
		return w, nil
	}
}

func (p *Pool) abandonWaiter(tag container.ImageTag, waiter chan *Warm) {
	p.mu.Lock()
	ws := p.waiters[tag]
	for i, c := range ws {
		if c == waiter {
			p.waiters[tag] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
	// A lease may have been handed over concurrently; put it back.
	select {
	case w, ok := <-waiter:
		if ok {
			p.Release(w)
		}
	default:
	}
}

// Release returns a lease. The container stays warm for reuse; a queued
// waiter for the same image receives it directly.
func (p *Pool) Release(w *Warm) {
	if !w.Channel.Healthy() {
		p.Discard(w)
		return
	}
	p.mu.Lock()
	w.lastUsed = time.Now()
	if ws := p.waiters[w.Tag]; len(ws) > 0 {
		waiter := ws[0]
		p.waiters[w.Tag] = ws[1:]
		p.mu.Unlock()
		waiter <- w
		return
	}
	w.busy = false
	p.mu.Unlock()
}

// Discard terminates a leased container instead of returning it to the pool.
// Used when a call left the runner in an unknown state, typically after
// cancellation; the teardown is benign cleanup.
func (p *Pool) Discard(w *Warm) {
	p.mu.Lock()
	warms := p.warms[w.Tag]
	for i, cand := range warms {
		if cand == w {
			p.warms[w.Tag] = append(warms[:i], warms[i+1:]...)
			p.counts[w.Tag]--
			break
		}
	}
	p.mu.Unlock()
	p.teardown(w)
}

// teardown stops and removes a container. Failures are logged and swallowed;
// stopping containers during cleanup is expected, not an error.
func (p *Pool) teardown(w *Warm) {
	_ = w.Channel.Close()
	ctx, cancel := context.WithTimeout(context.Background(), p.opts.StopTimeout+5*time.Second)
	defer cancel()
	if err := p.engine.Stop(ctx, w.ID, p.opts.StopTimeout); err != nil {
		p.log.Debug("stop during teardown", "container", w.ID, "err", err)
	}
	if err := p.engine.Remove(ctx, w.ID, true); err != nil {
		p.log.Debug("remove during teardown", "container", w.ID, "err", err)
	}
	p.log.Debug("warm container torn down", "container", w.ID, "image", w.Tag)
}

// provision starts a container, publishes its channel port on a free host
// port, and opens the channel. The returned Warm is already leased.
func (p *Pool) provision(ctx context.Context, tag container.ImageTag) (*Warm, error) {
	hostPort, err := freePort()
	if err != nil {
		return nil, fmt.Errorf("allocating channel port: %w", err)
	}

	id, err := p.engine.Start(ctx, container.RunOptions{
		Image:  tag,
		Labels: map[string]string{image.ManagedLabel: "true"},
		Ports: []container.PortMapping{{
			HostPort:      container.NetworkPort(hostPort),
			ContainerPort: container.NetworkPort(p.opts.ChannelPort),
			Protocol:      container.PortProtocolTCP,
		}},
	})
	if err != nil {
		return nil, fmt.Errorf("starting warm container for %s: %w", tag, err)
	}
	p.log.Debug("warm container started", "container", id, "image", tag, "port", hostPort)

	addr := fmt.Sprintf("ws://127.0.0.1:%d/channel", hostPort)
	ch, err := OpenChannel(ctx, p.dial, addr, p.opts.Channel)
	if err != nil {
		w := &Warm{ID: id, Tag: tag, Channel: &Channel{addr: addr, state: StateError}}
		p.teardown(w)
		return nil, err
	}

	w := &Warm{ID: id, Tag: tag, Channel: ch, busy: true, lastUsed: time.Now()}
	p.mu.Lock()
	p.warms[tag] = append(p.warms[tag], w)
	p.mu.Unlock()
	return w, nil
}

// freePort asks the kernel for an unused TCP port.
func freePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, err
	}
	port := l.Addr().(*net.TCPAddr).Port
	_ = l.Close()
	return port, nil
}

// Close tears down every warm container and fails queued waiters.
func (p *Pool) Close() {
	p.mu.Lock()
	p.closed = true
	var all []*Warm
	for tag, ws := range p.warms {
		all = append(all, ws...)
		delete(p.warms, tag)
		p.counts[tag] = 0
	}
	for tag, ws := range p.waiters {
		for _, c := range ws {
			close(c)
		}
		delete(p.waiters, tag)
	}
	p.mu.Unlock()
	for _, w := range all {
		p.teardown(w)
	}
}
