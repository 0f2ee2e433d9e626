package changelog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/replforge/bulkrepl/pkg/changeset"
)

func txn(xid uint32) *changeset.Transaction {
	return &changeset.Transaction{
		Xid: xid,
		Changes: []changeset.Change{{
			Operation: changeset.OperationInsert,
			Table:     "basic_copy",
			New:       []changeset.Tuple{{Column: "b", Value: changeset.Text("x")}},
		}},
	}
}

func TestAppendAssignsMonotonicPositions(t *testing.T) {
	l := New()
	require.Equal(t, l.StartLSN(), l.CurrentLSN())

	a := l.Append(txn(1))
	b := l.Append(txn(2))
	c := l.Append(txn(3))

	require.Greater(t, a, l.StartLSN())
	require.Greater(t, b, a)
	require.Greater(t, c, b)
	require.Equal(t, c, l.CurrentLSN())
}

func TestAppendStampsWatermark(t *testing.T) {
	l := New()
	tx := txn(7)
	lsn := l.Append(tx)

	require.Equal(t, lsn, tx.Watermark.LSN)
	require.False(t, tx.Watermark.ServerTime.IsZero())
}

func TestCursorReadsInOrder(t *testing.T) {
	l := New()
	l.Append(txn(1))
	l.Append(txn(2))
	l.Append(txn(3))

	ctx := context.Background()
	cur := l.Cursor(l.StartLSN())

	for _, want := range []uint32{1, 2, 3} {
		got, err := cur.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, want, got.Xid)
	}

	// Exhausted: Next blocks until the context gives up.
	ctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err := cur.Next(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestCursorResumesAfterPosition(t *testing.T) {
	l := New()
	l.Append(txn(1))
	mid := l.Append(txn(2))
	l.Append(txn(3))

	cur := l.Cursor(mid)
	got, err := cur.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(3), got.Xid)
}

func TestCursorWakesOnAppend(t *testing.T) {
	l := New()
	cur := l.Cursor(l.StartLSN())

	done := make(chan uint32, 1)
	go func() {
		got, err := cur.Next(context.Background())
		require.NoError(t, err)
		done <- got.Xid
	}()

	// Let the reader block first.
	time.Sleep(10 * time.Millisecond)
	l.Append(txn(42))

	select {
	case xid := <-done:
		require.Equal(t, uint32(42), xid)
	case <-time.After(time.Second):
		t.Fatal("cursor never woke after append")
	}
}
