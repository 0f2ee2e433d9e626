// Package capture implements the bulk-load entry point on a primary node.
// A session wraps one local transaction: rows are inserted into the primary
// and, for tables with a subscribed replication set, staged as change
// records.  Staged records reach the change log atomically at commit and
// never on abort.
package capture

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/jackc/pglogrepl"

	"github.com/replforge/bulkrepl/pkg/changelog"
	"github.com/replforge/bulkrepl/pkg/changeset"
	"github.com/replforge/bulkrepl/pkg/replset"
	"github.com/replforge/bulkrepl/pkg/schema"
)

// NullToken is the field value denoting an explicit SQL null in bulk-load
// input, distinguishable from an empty string.
const NullToken = `\N`

var (
	ErrUnknownTable = fmt.Errorf("ERR_COPY_001: The target table is not defined in the schema registry.")

	ErrUnknownColumn = fmt.Errorf("ERR_COPY_002: The column list names a column the target table does not have.")

	ErrArityMismatch = fmt.Errorf("ERR_COPY_003: A row supplies a different number of fields than the column list declares.")

	ErrSessionClosed = fmt.Errorf("ERR_COPY_004: The bulk-load session has already been committed or rolled back.")

	ErrLineTooLong = fmt.Errorf("ERR_COPY_005: A line of bulk-load input exceeds the maximum line size.")
)

// Opts configures a Loader.  All collaborators are explicit handles; the
// loader holds no process-wide state.
type Opts struct {
	// DB is the primary node's database.
	DB *sql.DB
	// Schema is the registry both sides were created from.
	Schema *schema.Registry
	// Sets gates capture per table.
	Sets *replset.Registry
	// Log receives one transaction per committed session.
	Log *changelog.Log
}

// Loader creates bulk-load sessions against one primary node.
type Loader struct {
	opts Opts
	xid  uint32
}

func New(opts Opts) (*Loader, error) {
	if opts.DB == nil || opts.Schema == nil || opts.Sets == nil || opts.Log == nil {
		return nil, fmt.Errorf("capture: DB, Schema, Sets and Log are all required")
	}
	return &Loader{opts: opts}, nil
}

// CurrentLSN returns the position of the most recent committed transaction
// on the primary, the target for a confirmation-barrier wait.
func (l *Loader) CurrentLSN() pglogrepl.LSN {
	return l.opts.Log.CurrentLSN()
}

// Begin opens a bulk-load session.  The session owns one local transaction
// and one replication-set membership snapshot; every CopyFrom within the
// session shares both.
func (l *Loader) Begin(ctx context.Context) (*Session, error) {
	tx, err := l.opts.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("error beginning bulk-load transaction: %w", err)
	}
	return &Session{
		loader:     l,
		tx:         tx,
		xid:        atomic.AddUint32(&l.xid, 1),
		membership: l.opts.Sets.Snapshot(),
	}, nil
}

// Session is one bulk-load transaction on the primary.
type Session struct {
	loader     *Loader
	tx         *sql.Tx
	xid        uint32
	membership replset.Membership
	staged     []changeset.Change
	done       bool
}

// Xid returns the session's transaction id.  Every change captured by the
// session shares it.
func (s *Session) Xid() uint32 { return s.xid }

// CopyFrom bulk-loads rows into the target table.  columns is an explicit
// ordered column list and may be a subset of the table's columns, in any
// order; an empty list means all columns in definition order.  Each row
// supplies exactly one field per listed column; a NullToken field loads an
// explicit null.  Returns the number of rows loaded.
//
// Validation errors reject the whole call before any row is inserted or
// staged, leaving the session usable.
func (s *Session) CopyFrom(ctx context.Context, table string, columns []string, rows [][]string) (int64, error) {
	if s.done {
		return 0, ErrSessionClosed
	}

	tbl, ok := s.loader.opts.Schema.Table(table)
	if !ok {
		return 0, fmt.Errorf("%w table=%s", ErrUnknownTable, table)
	}
	if len(columns) == 0 {
		columns = tbl.ColumnNames()
	}
	for _, col := range columns {
		if _, ok := tbl.Column(col); !ok {
			return 0, fmt.Errorf("%w table=%s column=%s", ErrUnknownColumn, table, col)
		}
	}
	for i, row := range rows {
		if len(row) != len(columns) {
			return 0, fmt.Errorf("%w row=%d fields=%d columns=%d", ErrArityMismatch, i, len(row), len(columns))
		}
	}

	stmt, err := s.tx.PrepareContext(ctx, insertSQL(table, columns))
	if err != nil {
		return 0, fmt.Errorf("error preparing bulk-load insert: %w", err)
	}
	defer stmt.Close()

	captured := s.membership.HasSubscriber(table)

	var n int64
	for _, row := range rows {
		args := make([]any, len(row))
		for i, field := range row {
			if field == NullToken {
				args[i] = nil
				continue
			}
			args[i] = field
		}
		if _, err := stmt.ExecContext(ctx, args...); err != nil {
			return n, fmt.Errorf("error loading row into %s: %w", table, err)
		}
		n++

		if !captured {
			continue
		}
		tuples := make([]changeset.Tuple, len(columns))
		for i, col := range columns {
			v := changeset.Text(row[i])
			if row[i] == NullToken {
				v = changeset.Null()
			}
			tuples[i] = changeset.Tuple{Column: col, Value: v}
		}
		s.staged = append(s.staged, changeset.Change{
			Operation:  changeset.OperationInsert,
			RelationID: tbl.RelationID(),
			Table:      table,
			New:        tuples,
		})
	}
	return n, nil
}

// Commit commits the local transaction and then emits the staged changes as
// one transaction in the change log, returning its assigned position.  A
// session that captured nothing still commits locally and returns the
// current position.
func (s *Session) Commit(ctx context.Context) (pglogrepl.LSN, error) {
	if s.done {
		return 0, ErrSessionClosed
	}
	s.done = true

	if err := s.tx.Commit(); err != nil {
		return 0, fmt.Errorf("error committing bulk-load transaction: %w", err)
	}
	if len(s.staged) == 0 {
		return s.loader.opts.Log.CurrentLSN(), nil
	}
	return s.loader.opts.Log.Append(&changeset.Transaction{
		Xid:     s.xid,
		Changes: s.staged,
	}), nil
}

// Rollback aborts the session.  Nothing reaches the primary table or the
// change log.
func (s *Session) Rollback() error {
	if s.done {
		return nil
	}
	s.done = true
	s.staged = nil
	return s.tx.Rollback()
}

func insertSQL(table string, columns []string) string {
	quoted := make([]string, len(columns))
	marks := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = fmt.Sprintf("%q", c)
		marks[i] = "?"
	}
	return fmt.Sprintf("INSERT INTO %q (%s) VALUES (%s)",
		table, strings.Join(quoted, ", "), strings.Join(marks, ", "))
}
