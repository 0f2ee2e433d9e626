// Package replset tracks which tables belong to which named replication
// sets, and which subscribers consume each set.  Capture consults an
// immutable snapshot of this registry: a table is captured only when it is
// in at least one set that has an active subscriber.
package replset

import (
	"sort"
	"sync"
)

// Registry is the mutable membership store.  Safe for concurrent use.
type Registry struct {
	mu sync.RWMutex
	// sets maps set name -> table names.  A set with no tables is legal.
	sets map[string]map[string]struct{}
	// subs maps set name -> subscriber ids.
	subs map[string]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		sets: map[string]map[string]struct{}{},
		subs: map[string]map[string]struct{}{},
	}
}

// CreateSet registers an empty replication set.  Creating a set that already
// exists is a no-op.
func (r *Registry) CreateSet(set string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureSet(set)
}

// AddTable adds a table to the named set, creating the set if needed.
// Idempotent: adding the same table twice is not an error and returns true
// both times.
func (r *Registry) AddTable(set, table string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureSet(set)
	r.sets[set][table] = struct{}{}
	return true
}

// Subscribe marks a subscriber as consuming the named set.
func (r *Registry) Subscribe(set, subscriber string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ensureSet(set)
	if r.subs[set] == nil {
		r.subs[set] = map[string]struct{}{}
	}
	r.subs[set][subscriber] = struct{}{}
}

// Unsubscribe removes a subscriber from the named set.
func (r *Registry) Unsubscribe(set, subscriber string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if subs, ok := r.subs[set]; ok {
		delete(subs, subscriber)
	}
}

func (r *Registry) ensureSet(set string) {
	if _, ok := r.sets[set]; !ok {
		r.sets[set] = map[string]struct{}{}
	}
}

// Snapshot returns an immutable view of the current membership.  A capture
// session takes one snapshot when it begins and uses it for every row of
// its transaction, so a table added mid-transaction never retroactively
// captures rows of that transaction.
func (r *Registry) Snapshot() Membership {
	r.mu.RLock()
	defer r.mu.RUnlock()

	m := Membership{byTable: map[string][]string{}, subscribed: map[string]bool{}}
	for set, tables := range r.sets {
		hasSub := len(r.subs[set]) > 0
		for table := range tables {
			m.byTable[table] = append(m.byTable[table], set)
			if hasSub {
				m.subscribed[table] = true
			}
		}
	}
	for _, sets := range m.byTable {
		sort.Strings(sets)
	}
	return m
}

// Membership is a point-in-time, read-only view of set membership.
type Membership struct {
	byTable    map[string][]string
	subscribed map[string]bool
}

// Sets returns the names of the sets the table belongs to, sorted.
func (m Membership) Sets(table string) []string {
	return m.byTable[table]
}

// HasSubscriber reports whether the table belongs to at least one set with
// an active subscriber, i.e. whether a bulk load into it must be captured.
func (m Membership) HasSubscriber(table string) bool {
	return m.subscribed[table]
}
