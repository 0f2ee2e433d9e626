package test

import (
	"fmt"
	"math/rand"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

const DefaultSeed = 123

// SeedRows generates deterministic full-column-list rows (b, d, e supplied;
// the same seed always produces the same data).
func SeedRows(n int) [][]string {
	r := rand.New(rand.NewSource(DefaultSeed))

	rows := make([][]string, n)
	for i := range rows {
		id := Hash(r.Int63())
		rows[i] = []string{id, id + "-d", id + "-e"}
	}
	return rows
}

// Hash returns a short stable identifier for arbitrary input.
func Hash(in any) string {
	switch v := in.(type) {
	case string:
		ui := xxhash.Sum64String(v)
		return strconv.FormatUint(ui, 36)
	default:
		ui := xxhash.Sum64String(fmt.Sprintf("%v", in))
		return strconv.FormatUint(ui, 36)
	}
}
