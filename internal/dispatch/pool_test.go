// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"testing"
	"time"
)

func fastPoolOptions() PoolOptions {
	return PoolOptions{
		MaxWarm:        2,
		IdleGrace:      time.Minute,
		ReaperInterval: time.Hour,
		StopTimeout:    time.Second,
		Channel:        fastChannelOptions(),
	}
}

func newTestPool(t *testing.T, engine *stubEngine, script *runnerScript) *Pool {
	t.Helper()
	addr := startRunner(t, script)
	p := NewPool(engine, dialTo(addr), fastPoolOptions(), testLogger())
	t.Cleanup(p.Close)
	return p
}

func TestPoolReusesWarmContainer(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	pool := newTestPool(t, engine, &runnerScript{})

	w1, err := pool.Acquire(context.Background(), "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Release(w1)

	w2, err := pool.Acquire(context.Background(), "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire (reuse): %v", err)
	}
	defer pool.Release(w2)

	if w2 != w1 {
		t.Error("released container not reused")
	}
	if len(engine.started) != 1 {
		t.Errorf("containers started = %d, want 1", len(engine.started))
	}
}

func TestPoolProvisionsPerImage(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	pool := newTestPool(t, engine, &runnerScript{})

	wa, err := pool.Acquire(context.Background(), "kiln/a:aaaa")
	if err != nil {
		t.Fatalf("Acquire a: %v", err)
	}
	defer pool.Release(wa)
	wb, err := pool.Acquire(context.Background(), "kiln/b:bbbb")
	if err != nil {
		t.Fatalf("Acquire b: %v", err)
	}
	defer pool.Release(wb)

	if wa.ID == wb.ID {
		t.Error("distinct images share a container")
	}
}

func TestPoolQueuesBeyondCap(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	pool := newTestPool(t, engine, &runnerScript{})

	ctx := context.Background()
	w1, err := pool.Acquire(ctx, "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire 1: %v", err)
	}
	w2, err := pool.Acquire(ctx, "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire 2: %v", err)
	}

	// Cap is 2: the third acquire must queue until a release.
	got := make(chan *Warm, 1)
	go func() {
		w, err := pool.Acquire(ctx, "kiln/app:aaaa")
		if err != nil {
			close(got)
			return
		}
		got <- w
	}()

	select {
	case <-got:
		t.Fatal("third acquire did not queue")
	case <-time.After(100 * time.Millisecond):
	}

	pool.Release(w1)
	select {
	case w3, ok := <-got:
		if !ok {
			t.Fatal("queued acquire failed")
		}
		if w3 != w1 {
			t.Error("queued caller did not receive the released container")
		}
		pool.Release(w3)
	case <-time.After(2 * time.Second):
		t.Fatal("queued acquire never completed")
	}
	pool.Release(w2)

	if len(engine.started) != 2 {
		t.Errorf("containers started = %d, want 2", len(engine.started))
	}
}

func TestPoolAcquireCancelledWhileQueued(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	pool := newTestPool(t, engine, &runnerScript{})
	pool.opts.MaxWarm = 1

	w1, err := pool.Acquire(context.Background(), "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer pool.Release(w1)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := pool.Acquire(ctx, "kiln/app:aaaa"); err == nil {
		t.Fatal("queued acquire survived cancellation")
	}
}

func TestPoolChannelFailureCleansUpContainer(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	opts := fastPoolOptions()
	opts.Channel.HandshakeTimeout = 100 * time.Millisecond
	addr := startRunner(t, &runnerScript{skipReady: true})
	pool := NewPool(engine, dialTo(addr), opts, testLogger())
	t.Cleanup(pool.Close)

	if _, err := pool.Acquire(context.Background(), "kiln/app:aaaa"); err == nil {
		t.Fatal("acquire succeeded against a runner that never handshakes")
	}
	if len(engine.stoppedIDs()) != 1 {
		t.Errorf("orphaned container not stopped: %v", engine.stoppedIDs())
	}

	// The reserved slot was returned; the next acquire may provision again.
	pool.mu.Lock()
	count := pool.counts["kiln/app:aaaa"]
	pool.mu.Unlock()
	if count != 0 {
		t.Errorf("slot count = %d, want 0", count)
	}
}

func TestReaperTerminatesIdleContainers(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	pool := newTestPool(t, engine, &runnerScript{})
	pool.opts.IdleGrace = 10 * time.Millisecond

	w, err := pool.Acquire(context.Background(), "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	busy, err := pool.Acquire(context.Background(), "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire busy: %v", err)
	}
	defer pool.Release(busy)
	pool.Release(w)

	pool.reap(time.Now().Add(time.Second))

	stopped := engine.stoppedIDs()
	if len(stopped) != 1 || stopped[0] != w.ID {
		t.Errorf("reaper stopped %v, want just %v", stopped, w.ID)
	}

	// The leased container survives and keeps working.
	if !busy.Channel.Healthy() {
		t.Error("reaper touched a leased container")
	}
}

func TestDiscardRemovesContainer(t *testing.T) {
	t.Parallel()

	engine := &stubEngine{}
	pool := newTestPool(t, engine, &runnerScript{})

	w, err := pool.Acquire(context.Background(), "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	pool.Discard(w)

	if len(engine.stoppedIDs()) != 1 {
		t.Errorf("discarded container not stopped: %v", engine.stoppedIDs())
	}
	w2, err := pool.Acquire(context.Background(), "kiln/app:aaaa")
	if err != nil {
		t.Fatalf("Acquire after discard: %v", err)
	}
	defer pool.Release(w2)
	if w2 == w {
		t.Error("discarded container handed out again")
	}
}
