package changeset

import (
	"time"

	"github.com/jackc/pglogrepl"
)

type Operation string

// Transaction boundaries are carried by the Transaction struct itself, so
// the only change-level operation is the row insert.
const (
	OperationInsert Operation = "INSERT"
)

// Encodings for a ColumnValue.  Exactly one applies to each captured column:
//
// - "t", a text-encoded literal supplied by the bulk load.
// - "n", an explicit null supplied by the bulk load (the \N token).
// - "d", a column omitted from the bulk load's column list; the applying
//   node evaluates the column's default expression itself.
const (
	EncodingText    = "t"
	EncodingNull    = "n"
	EncodingDefault = "d"
)

// ColumnValue is the three-way value tag carried for every captured column.
// "explicit null" and "use the column default" are distinct states and must
// never collapse into each other: a default may be non-deterministic, so the
// only correct representation of an omitted column is the tag itself, not a
// value materialized at capture time.
type ColumnValue struct {
	Encoding string `json:"encoding"`
	// Data is the text-format value.  Only meaningful for the "t" encoding;
	// an empty string is a legal literal, distinct from null.
	Data string `json:"data,omitempty"`
}

// Text returns a literal text value.
func Text(data string) ColumnValue {
	return ColumnValue{Encoding: EncodingText, Data: data}
}

// Null returns an explicit SQL null.
func Null() ColumnValue {
	return ColumnValue{Encoding: EncodingNull}
}

// Default returns the use-column-default tag.
func Default() ColumnValue {
	return ColumnValue{Encoding: EncodingDefault}
}

func (v ColumnValue) IsText() bool    { return v.Encoding == EncodingText }
func (v ColumnValue) IsNull() bool    { return v.Encoding == EncodingNull }
func (v ColumnValue) IsDefault() bool { return v.Encoding == EncodingDefault }

// Tuple is one (column, value) pair of a change.  Tuples are ordered as the
// bulk load's column list was ordered.
type Tuple struct {
	Column string      `json:"column"`
	Value  ColumnValue `json:"value"`
}

// Change represents a single captured row.  New covers exactly the columns
// named in the originating bulk load's column list; every other column of
// the table is implicitly "d".
type Change struct {
	// Operation represents the operation type for this change.
	Operation Operation `json:"operation"`

	// RelationID is the stable numeric id of the table in the schema
	// registry; the applying side cross-checks it against its own registry.
	RelationID uint32 `json:"relation_id"`
	Table      string `json:"table"`

	New []Tuple `json:"new,omitempty"`
}

// Tuple returns the captured value for a column, if the column was named in
// the originating bulk load's column list.
func (c Change) Tuple(column string) (ColumnValue, bool) {
	for _, t := range c.New {
		if t.Column == column {
			return t.Value, true
		}
	}
	return ColumnValue{}, false
}

// Watermark identifies a point in the change log.  The LSN is assigned once,
// at commit on the primary; all changes of one transaction share it.
type Watermark struct {
	LSN        pglogrepl.LSN
	ServerTime time.Time
}

// Transaction groups the changes of one committed source transaction.  It is
// the unit of emission on the primary and the unit of apply on every
// subscriber.
type Transaction struct {
	Xid       uint32    `json:"xid"`
	Watermark Watermark `json:"watermark"`
	Changes   []Change  `json:"changes,omitempty"`
}

// WatermarkCommitter publishes apply progress.  Publication must happen only
// after the watermark's transaction is durably committed on the subscriber;
// waiters treat a published watermark as "visible and durable".
type WatermarkCommitter interface {
	Commit(Watermark)
}
