package models

import "errors"

// ErrNotDirectory is returned when directory operations are applied to a file.
var ErrNotDirectory = errors.New("not a directory")

// Table is the ordered set of entries listed in one remote directory.
// Order is the order in which the listing presented the links. A table is
// built by a single goroutine and is read-only once installed on its
// parent entry.
type Table struct {
	entries []*Entry
	index   map[string]int
}

// NewTable creates an empty table with room for n entries.
func NewTable(n int) *Table {
	return &Table{
		entries: make([]*Entry, 0, n),
		index:   make(map[string]int, n),
	}
}

// Add appends an entry. If an entry with the same name is already present
// the first one stays authoritative and Add returns false.
func (t *Table) Add(e *Entry) bool {
	if _, dup := t.index[e.Name]; dup {
		return false
	}
	t.index[e.Name] = len(t.entries)
	t.entries = append(t.entries, e)
	return true
}

// Lookup finds an entry by exact name.
func (t *Table) Lookup(name string) (*Entry, bool) {
	i, ok := t.index[name]
	if !ok {
		return nil, false
	}
	return t.entries[i], true
}

// Len returns the number of entries.
func (t *Table) Len() int {
	return len(t.entries)
}

// Entries returns the entries in listing order. The slice must not be
// modified.
func (t *Table) Entries() []*Entry {
	return t.entries
}

// Names returns the entry names in listing order.
func (t *Table) Names() []string {
	names := make([]string, len(t.entries))
	for i, e := range t.entries {
		names[i] = e.Name
	}
	return names
}
