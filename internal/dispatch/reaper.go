// SPDX-License-Identifier: MPL-2.0

package dispatch

import (
	"context"
	"time"
)

// StartReaper runs the idle sweep until ctx is cancelled. The reaper is the
// backstop for consumers that disappear without cleanly releasing their
// lease: any warm container unleased for longer than the idle grace period
// is terminated. Reaped containers are benign cleanup, logged at debug.
func (p *Pool) StartReaper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(p.opts.ReaperInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.reap(time.Now())
			}
		}
	}()
}

// reap terminates warm containers idle past the grace period. Leased
// containers are never touched.
func (p *Pool) reap(now time.Time) {
	p.mu.Lock()
	var idle []*Warm
	for tag, ws := range p.warms {
		kept := ws[:0]
		for _, w := range ws {
			if !w.busy && now.Sub(w.lastUsed) > p.opts.IdleGrace {
				idle = append(idle, w)
				p.counts[tag]--
				continue
			}
			kept = append(kept, w)
		}
		p.warms[tag] = kept
	}
	p.mu.Unlock()

	for _, w := range idle {
		p.log.Debug("reaping idle warm container", "container", w.ID, "image", w.Tag)
		p.teardown(w)
	}
}
