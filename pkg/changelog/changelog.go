// Package changelog is the append-only, monotonically positioned sequence
// of committed transactions between the capture side and its subscribers.
// Positions are assigned in a short critical section at commit time, so the
// log order is the primary's commit order regardless of capture order.
package changelog

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"

	"github.com/replforge/bulkrepl/pkg/changeset"
)

// startLSN is the position before the first committed transaction.  Non-zero
// so that a zero LSN always reads as "nothing applied yet".
const startLSN = pglogrepl.LSN(0x1000000)

type Log struct {
	mu      sync.RWMutex
	entries []*changeset.Transaction
	head    pglogrepl.LSN

	// notify is closed and replaced on every append, waking blocked cursors.
	notify chan struct{}
}

func New() *Log {
	return &Log{
		head:   startLSN,
		notify: make(chan struct{}),
	}
}

// Append commits a transaction to the log, assigning its position.  This is
// the serialization point for concurrent capture sessions: whoever appends
// first commits first, on every subscriber.
func (l *Log) Append(txn *changeset.Transaction) pglogrepl.LSN {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.head += pglogrepl.LSN(walSize(txn))
	txn.Watermark = changeset.Watermark{
		LSN:        l.head,
		ServerTime: time.Now(),
	}
	l.entries = append(l.entries, txn)

	close(l.notify)
	l.notify = make(chan struct{})
	return l.head
}

// CurrentLSN returns the position of the most recently committed
// transaction, the natural target for a confirmation-barrier wait.  Returns
// the start position when nothing has committed yet.
func (l *Log) CurrentLSN() pglogrepl.LSN {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.head
}

// StartLSN returns the position before the first committed transaction.
func (l *Log) StartLSN() pglogrepl.LSN {
	return startLSN
}

// Cursor returns a position-ordered reader over transactions with a
// position strictly greater than after.  Each subscriber owns its own
// cursor; cursors never contend with appends beyond the head lookup.
func (l *Log) Cursor(after pglogrepl.LSN) *Cursor {
	return &Cursor{log: l, pos: after}
}

type Cursor struct {
	log *Log
	pos pglogrepl.LSN
	idx int
}

// Next blocks until a transaction past the cursor's position is available,
// or until the context is done.
func (c *Cursor) Next(ctx context.Context) (*changeset.Transaction, error) {
	for {
		if txn := c.advance(); txn != nil {
			return txn, nil
		}

		c.log.mu.RLock()
		notify := c.log.notify
		c.log.mu.RUnlock()

		// Re-check after grabbing the notify channel: an append between
		// advance() and the read above would have rotated the channel.
		if txn := c.advance(); txn != nil {
			return txn, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-notify:
		}
	}
}

func (c *Cursor) advance() *changeset.Transaction {
	c.log.mu.RLock()
	defer c.log.mu.RUnlock()
	for ; c.idx < len(c.log.entries); c.idx++ {
		txn := c.log.entries[c.idx]
		if txn.Watermark.LSN > c.pos {
			c.idx++
			c.pos = txn.Watermark.LSN
			return txn
		}
	}
	return nil
}

// walSize estimates the encoded size of a transaction so that positions
// advance like byte offsets.  Only monotonicity is load-bearing.
func walSize(txn *changeset.Transaction) int {
	n := 26 // begin + commit framing
	for _, ch := range txn.Changes {
		n += 16 + len(ch.Table)
		for _, t := range ch.New {
			n += 2 + len(t.Column) + len(t.Value.Data)
		}
	}
	return n
}
