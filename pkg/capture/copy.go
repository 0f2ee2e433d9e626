package capture

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// maxCopyLine bounds one line of COPY text input.
const maxCopyLine = 1 << 20

// CopyIn bulk-loads rows from COPY text-format input: one row per line,
// fields separated by tabs, with the NullToken denoting an explicit null.
// Every line before the "\." terminator is a row; an empty line is a row
// supplying a single empty-string field.  Fields are passed through
// verbatim; the null token is the only recognized escape.
func (s *Session) CopyIn(ctx context.Context, table string, columns []string, r io.Reader) (int64, error) {
	var rows [][]string

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxCopyLine)
	for sc.Scan() {
		line := sc.Text()
		if line == `\.` {
			break
		}
		rows = append(rows, strings.Split(line, "\t"))
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return 0, fmt.Errorf("%w max=%d", ErrLineTooLong, maxCopyLine)
		}
		return 0, err
	}

	return s.CopyFrom(ctx, table, columns, rows)
}
