// Package tree resolves filesystem paths against the lazily populated
// remote directory tree.
package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/httpdirfs/httpdirfs/internal/logging"
	"github.com/httpdirfs/httpdirfs/internal/metrics"
	"github.com/httpdirfs/httpdirfs/internal/models"
)

var (
	// ErrNotFound is returned when a path does not name a remote entry.
	ErrNotFound = errors.New("no such entry")

	// ErrNotInitialized is returned when the root listing has not been loaded.
	ErrNotInitialized = errors.New("tree not initialized")
)

// Lister fetches and parses the listing of a remote directory.
type Lister interface {
	FetchListing(ctx context.Context, url string) (*models.Table, error)
}

// Tree is the mount-wide view of the remote site. It owns the root table;
// every other table is owned by its parent entry.
type Tree struct {
	lister Lister
	root   *models.Entry
}

// New creates a tree rooted at baseURL. Nothing is fetched until Init.
func New(baseURL string, lister Lister) *Tree {
	return &Tree{
		lister: lister,
		root:   &models.Entry{URL: baseURL, Kind: models.KindDirectory},
	}
}

// Init loads the root listing. It runs once per mount; later calls return
// immediately once the root table is installed.
func (t *Tree) Init(ctx context.Context) error {
	if _, err := t.populate(ctx, t.root); err != nil {
		return fmt.Errorf("load root listing %s: %w", t.root.URL, err)
	}
	logging.Info("root listing loaded",
		logging.URL(t.root.URL),
		logging.Int("entries", t.root.Children().Len()),
	)
	return nil
}

// Root returns the root table, or nil before Init.
func (t *Tree) Root() *models.Table {
	return t.root.Children()
}

// IsRoot reports whether path denotes the mount point itself.
func IsRoot(path string) bool {
	return strings.Trim(path, "/") == ""
}

// Resolve walks path from the root and returns the entry it names.
// The mount root resolves to a synthetic nameless directory entry.
// Directories on the way are populated on first descent.
func (t *Tree) Resolve(ctx context.Context, path string) (*models.Entry, error) {
	if t.root.Children() == nil {
		return nil, ErrNotInitialized
	}
	if IsRoot(path) {
		return t.root, nil
	}

	segments := splitPath(path)
	cur := t.root
	for i, seg := range segments {
		table, err := t.populate(ctx, cur)
		if err != nil {
			return nil, err
		}

		next, ok := table.Lookup(seg)
		if !ok {
			return nil, fmt.Errorf("%s: %w", path, ErrNotFound)
		}
		if i < len(segments)-1 && !next.IsDir() {
			return nil, fmt.Errorf("%s: %s is a file: %w", path, seg, ErrNotFound)
		}
		cur = next
	}
	return cur, nil
}

// Children returns the table of a directory entry, fetching it on first use.
func (t *Tree) Children(ctx context.Context, e *models.Entry) (*models.Table, error) {
	if !e.IsDir() {
		return nil, fmt.Errorf("%s: %w", e.Name, models.ErrNotDirectory)
	}
	return t.populate(ctx, e)
}

// populate returns the entry's table, running the listing fetch under the
// entry's claim if it has never succeeded. Fetch failures are reported as
// ErrNotFound with the cause attached.
func (t *Tree) populate(ctx context.Context, e *models.Entry) (*models.Table, error) {
	table, fetched, err := e.Populate(func() (*models.Table, error) {
		logging.Debug("fetching listing", logging.URL(e.URL))
		return t.lister.FetchListing(ctx, e.URL)
	})
	if err != nil {
		if errors.Is(err, models.ErrNotDirectory) {
			return nil, err
		}
		logging.Warn("listing fetch failed", logging.URL(e.URL), logging.Err(err))
		return nil, &FetchError{URL: e.URL, Err: err}
	}
	if fetched {
		metrics.IncDirectoriesLoaded()
	}
	return table, nil
}

// FetchError reports a failed listing fetch. It matches ErrNotFound with
// errors.Is, since the mount cannot tell an unreachable directory from a
// missing one.
type FetchError struct {
	URL string
	Err error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch listing %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() []error {
	return []error{ErrNotFound, e.Err}
}

func splitPath(path string) []string {
	parts := strings.Split(path, "/")
	segments := parts[:0]
	for _, p := range parts {
		if p != "" {
			segments = append(segments, p)
		}
	}
	return segments
}
