package apply

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
)

// ErrTimedOut reports that a wait's deadline elapsed before the subscriber
// reached the target position.  It is a "not yet" signal, not a failure;
// the subscriber may simply be lagging.
var ErrTimedOut = fmt.Errorf("ERR_WAIT_001: Timed out waiting for the subscriber to reach the target position.")

// WaitForLSN blocks the caller until this subscriber has durably applied
// all transactions up to and including target, or until ctx is done.  It
// returns nil once the position is reached, ErrTimedOut when the context's
// deadline elapsed, and ctx.Err() on plain cancellation.
//
// The check is a level over monotonically increasing published state, not
// an edge-triggered notification: a caller racing the apply loop past
// target still observes satisfaction, and an already-satisfied wait returns
// immediately.  Waiters never block the engine, which does not know how
// many exist.
func (e *Engine) WaitForLSN(ctx context.Context, target pglogrepl.LSN) error {
	return e.gate.wait(ctx, target)
}

// WaitForLSNTimeout is WaitForLSN with an explicit timeout; a timeout <= 0
// blocks indefinitely.
func (e *Engine) WaitForLSNTimeout(target pglogrepl.LSN, timeout time.Duration) error {
	ctx := context.Background()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	return e.WaitForLSN(ctx, target)
}

// gate broadcasts advances of a monotonic position.  Each advance closes
// the current notify channel and installs a fresh one; any number of
// waiters observe the close without registering themselves anywhere.
type gate struct {
	mu     sync.Mutex
	lsn    pglogrepl.LSN
	notify chan struct{}
}

func newGate(lsn pglogrepl.LSN) *gate {
	return &gate{lsn: lsn, notify: make(chan struct{})}
}

func (g *gate) advance(lsn pglogrepl.LSN) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if lsn <= g.lsn {
		return
	}
	g.lsn = lsn
	close(g.notify)
	g.notify = make(chan struct{})
}

func (g *gate) wait(ctx context.Context, target pglogrepl.LSN) error {
	for {
		g.mu.Lock()
		lsn, notify := g.lsn, g.notify
		g.mu.Unlock()

		if lsn >= target {
			return nil
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ErrTimedOut
			}
			return ctx.Err()
		case <-notify:
		}
	}
}
