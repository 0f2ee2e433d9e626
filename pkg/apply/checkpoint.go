package apply

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pglogrepl"
)

// checkpointTable holds per-subscriber apply progress on the replica.  The
// row is updated inside the same local transaction as the applied rows, so
// a crash can never leave progress pointing past data (or vice versa).
const checkpointTable = "repl_progress"

type checkpoints struct {
	db         *sql.DB
	subscriber string
}

func (c checkpoints) init(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %q (
		subscriber TEXT PRIMARY KEY,
		last_lsn   INTEGER NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (datetime('now'))
	)`, checkpointTable)
	if _, err := c.db.ExecContext(ctx, q); err != nil {
		return fmt.Errorf("error creating %s table: %w", checkpointTable, err)
	}
	return nil
}

// load returns the last applied position, or zero when the subscriber has
// never applied anything.
func (c checkpoints) load(ctx context.Context) (pglogrepl.LSN, error) {
	var last int64
	q := fmt.Sprintf("SELECT last_lsn FROM %q WHERE subscriber = ?", checkpointTable)
	err := c.db.QueryRowContext(ctx, q, c.subscriber).Scan(&last)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("error loading checkpoint for %s: %w", c.subscriber, err)
	}
	return pglogrepl.LSN(last), nil
}

// save upserts the checkpoint within the caller's transaction.
func (c checkpoints) save(ctx context.Context, tx *sql.Tx, lsn pglogrepl.LSN) error {
	q := fmt.Sprintf(`INSERT INTO %q (subscriber, last_lsn, updated_at)
		VALUES (?, ?, datetime('now'))
		ON CONFLICT (subscriber) DO UPDATE SET
			last_lsn = excluded.last_lsn,
			updated_at = excluded.updated_at`, checkpointTable)
	if _, err := tx.ExecContext(ctx, q, c.subscriber, int64(lsn)); err != nil {
		return fmt.Errorf("error saving checkpoint for %s: %w", c.subscriber, err)
	}
	return nil
}
