// Package apply consumes the change log for one subscriber, reconstructing
// and committing rows on a replica node.  One engine per subscriber; the
// engine is intentionally a single sequential consumer so that "caught up to
// position P" always means every transaction up to and including P is
// visible.
package apply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/jackc/pglogrepl"

	"github.com/replforge/bulkrepl/pkg/changelog"
	"github.com/replforge/bulkrepl/pkg/changeset"
	"github.com/replforge/bulkrepl/pkg/schema"
)

var (
	ErrApplyConflict = fmt.Errorf("ERR_APPLY_001: A constraint violation aborted the transaction.  The subscriber is halted until the conflict is cleared.")

	ErrRelationMismatch = fmt.Errorf("ERR_APPLY_002: The change's relation id does not match the subscriber's schema registry.")

	ErrUnsupportedOperation = fmt.Errorf("ERR_APPLY_003: The change carries an operation this subscriber cannot apply.")
)

// State is the engine's per-transaction apply state.
type State string

const (
	StateIdle      State = "idle"
	StateReceiving State = "receiving"
	StateApplying  State = "applying"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// Opts configures an Engine.  The replica database and schema registry are
// explicit handles passed at construction, never ambient state.
type Opts struct {
	// Subscriber identifies this consumer.  Randomly assigned when empty.
	Subscriber string
	// DB is the replica node's database.  Rows and the progress checkpoint
	// are committed to it in the same local transaction.
	DB *sql.DB
	// Schema is the registry as defined on this subscriber.  UseDefault
	// columns are evaluated against it, via the replica database's own
	// default expressions.
	Schema *schema.Registry
	// Log is the change log to consume.
	Log *changelog.Log

	Logger *slog.Logger
}

type Engine struct {
	opts Opts

	// lsn is the last durably applied position.
	lsn  uint64
	gate *gate

	cp checkpoints

	mu       sync.Mutex
	state    State
	conflict error
	resume   chan struct{}

	log *slog.Logger
}

// New builds an engine and recovers its durable apply state, so a restarted
// subscriber resumes strictly after the last transaction it committed.
func New(ctx context.Context, opts Opts) (*Engine, error) {
	if opts.DB == nil || opts.Schema == nil || opts.Log == nil {
		return nil, fmt.Errorf("apply: DB, Schema and Log are all required")
	}
	if opts.Subscriber == "" {
		opts.Subscriber = uuid.NewString()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	cp := checkpoints{db: opts.DB, subscriber: opts.Subscriber}
	if err := cp.init(ctx); err != nil {
		return nil, err
	}
	last, err := cp.load(ctx)
	if err != nil {
		return nil, err
	}
	if last == 0 {
		last = opts.Log.StartLSN()
	}

	return &Engine{
		opts:  opts,
		lsn:   uint64(last),
		gate:  newGate(last),
		cp:    cp,
		state: StateIdle,
		log:   opts.Logger.With("subscriber", opts.Subscriber),
	}, nil
}

// Run is a blocking method which consumes the change log in position order,
// applying each transaction before touching the next.  It returns nil when
// the context is done.  A conflict halts the loop on the conflicting
// transaction until ClearConflict is called; no transaction is skipped.
func (e *Engine) Run(ctx context.Context) error {
	cur := e.opts.Log.Cursor(e.LSN())

	for {
		e.setState(StateIdle)

		txn, err := cur.Next(ctx)
		if err != nil {
			return nil
		}
		e.setState(StateReceiving)

		for {
			err := e.applyTxn(ctx, txn)
			if err == nil {
				break
			}
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, ErrApplyConflict) || errors.Is(err, ErrRelationMismatch) || errors.Is(err, ErrUnsupportedOperation) {
				resume := e.halt(err)
				e.log.Error("apply halted", "error", err, "xid", txn.Xid, "lsn", txn.Watermark.LSN.String())
				select {
				case <-ctx.Done():
					return nil
				case <-resume:
					// Conflict cleared externally; retry the same txn.
					continue
				}
			}
			return err
		}
	}
}

// LSN returns the last durably applied position.
func (e *Engine) LSN() pglogrepl.LSN {
	return pglogrepl.LSN(atomic.LoadUint64(&e.lsn))
}

// Commit publishes a durably applied watermark.  It is called by the apply
// loop after the local commit succeeds, never before.
func (e *Engine) Commit(wm changeset.Watermark) {
	atomic.StoreUint64(&e.lsn, uint64(wm.LSN))
	e.gate.advance(wm.LSN)
}

var _ changeset.WatermarkCommitter = (*Engine)(nil)

// Status reports the engine's state.  A halted subscriber is distinct from
// one that is merely lagging: Conflict is non-nil and forward progress has
// stopped until ClearConflict.
type Status struct {
	Subscriber  string
	State       State
	LastApplied pglogrepl.LSN
	Halted      bool
	Conflict    error
}

func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{
		Subscriber:  e.opts.Subscriber,
		State:       e.state,
		LastApplied: e.LSN(),
		Halted:      e.conflict != nil,
		Conflict:    e.conflict,
	}
}

// ClearConflict resumes a halted engine.  The caller is responsible for
// having removed the conflicting condition first; the engine retries the
// same transaction and halts again if it still fails.
func (e *Engine) ClearConflict() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.conflict == nil {
		return
	}
	e.conflict = nil
	close(e.resume)
	e.resume = nil
}

func (e *Engine) halt(err error) <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateAborted
	e.conflict = err
	if e.resume == nil {
		e.resume = make(chan struct{})
	}
	return e.resume
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// applyTxn applies all changes of one source transaction as a single local
// transaction, saving the checkpoint inside it, so rows and progress are
// durable together or not at all.
func (e *Engine) applyTxn(ctx context.Context, txn *changeset.Transaction) error {
	e.setState(StateApplying)

	tx, err := e.opts.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("error beginning apply transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, ch := range txn.Changes {
		if err := e.applyChange(ctx, tx, ch); err != nil {
			e.setState(StateAborted)
			return err
		}
	}

	if err := e.cp.save(ctx, tx, txn.Watermark.LSN); err != nil {
		e.setState(StateAborted)
		return err
	}
	if err := tx.Commit(); err != nil {
		e.setState(StateAborted)
		if isConstraint(err) {
			return fmt.Errorf("%w xid=%d: %v", ErrApplyConflict, txn.Xid, err)
		}
		return fmt.Errorf("error committing apply transaction: %w", err)
	}

	e.setState(StateCommitted)
	e.Commit(txn.Watermark)
	e.log.Debug("applied transaction", "xid", txn.Xid, "lsn", txn.Watermark.LSN.String(), "changes", len(txn.Changes))
	return nil
}

func (e *Engine) applyChange(ctx context.Context, tx *sql.Tx, ch changeset.Change) error {
	if ch.Operation != changeset.OperationInsert {
		return fmt.Errorf("%w operation=%s", ErrUnsupportedOperation, ch.Operation)
	}
	tbl, ok := e.opts.Schema.Table(ch.Table)
	if !ok || tbl.RelationID() != ch.RelationID {
		return fmt.Errorf("%w table=%s relation_id=%d", ErrRelationMismatch, ch.Table, ch.RelationID)
	}

	q, args := buildInsert(tbl, ch)
	if _, err := tx.ExecContext(ctx, q, args...); err != nil {
		if isConstraint(err) {
			return fmt.Errorf("%w table=%s: %v", ErrApplyConflict, ch.Table, err)
		}
		return fmt.Errorf("error applying insert into %s: %w", ch.Table, err)
	}
	return nil
}

// buildInsert reconstructs the row.  Literals and explicit nulls are named
// in the statement; use-default columns are omitted entirely so the replica
// database evaluates its own default expression, reproducing "insert with
// omitted column" semantics exactly.
func buildInsert(tbl *schema.Table, ch changeset.Change) (string, []any) {
	var (
		cols  []string
		marks []string
		args  []any
	)
	for _, col := range tbl.Columns {
		v, ok := ch.Tuple(col.Name)
		if !ok {
			v = changeset.Default()
		}
		switch {
		case v.IsDefault():
			// omitted from the statement
		case v.IsNull():
			cols = append(cols, fmt.Sprintf("%q", col.Name))
			marks = append(marks, "?")
			args = append(args, nil)
		default:
			cols = append(cols, fmt.Sprintf("%q", col.Name))
			marks = append(marks, "?")
			args = append(args, v.Data)
		}
	}
	if len(cols) == 0 {
		return fmt.Sprintf("INSERT INTO %q DEFAULT VALUES", tbl.Name), nil
	}
	return fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		tbl.Name, strings.Join(cols, ", "), strings.Join(marks, ", ")), args
}

func isConstraint(err error) bool {
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "constraint")
}
