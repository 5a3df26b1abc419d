// Package models contains the remote tree types shared by the resolver,
// the listing fetcher and the filesystem bridge.
package models

import (
	"sync"
	"sync/atomic"
)

// Kind is the type of a remote entry.
type Kind int

const (
	KindDirectory Kind = iota + 1
	KindFile
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	case KindFile:
		return "file"
	default:
		return "unknown"
	}
}

// Entry represents one remote file or directory discovered in a listing.
type Entry struct {
	Name string `json:"name"`
	URL  string `json:"url"`
	Size int64  `json:"size"`
	Kind Kind   `json:"kind"`

	// mu serializes the first population of children.
	mu       sync.Mutex
	children atomic.Pointer[Table]
}

// NewDirectory creates a directory entry.
func NewDirectory(name, url string) *Entry {
	return &Entry{Name: name, URL: url, Kind: KindDirectory}
}

// NewFile creates a file entry of the given size.
func NewFile(name, url string, size int64) *Entry {
	return &Entry{Name: name, URL: url, Size: size, Kind: KindFile}
}

// IsDir reports whether the entry is a directory.
func (e *Entry) IsDir() bool {
	return e.Kind == KindDirectory
}

// Children returns the directory table, or nil if it has not been
// populated yet. Always nil for files.
func (e *Entry) Children() *Table {
	return e.children.Load()
}

// Populate installs the entry's directory table exactly once. The first
// call for a directory runs fetch under the entry lock; concurrent callers
// wait and observe the installed table. A failed fetch installs nothing,
// so a later call fetches again.
//
// The returned bool is true when this call performed the fetch.
func (e *Entry) Populate(fetch func() (*Table, error)) (*Table, bool, error) {
	if t := e.children.Load(); t != nil {
		return t, false, nil
	}
	if !e.IsDir() {
		return nil, false, ErrNotDirectory
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if t := e.children.Load(); t != nil {
		return t, false, nil
	}

	t, err := fetch()
	if err != nil {
		return nil, true, err
	}
	if t == nil {
		t = NewTable(0)
	}
	e.children.Store(t)
	return t, true, nil
}
