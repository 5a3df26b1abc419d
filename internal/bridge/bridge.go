// Package bridge implements the read-only filesystem operations on top of
// the tree resolver and a byte-range reader. It holds no network or
// parsing logic; the kernel adapters in internal/mount translate its
// results into their protocol's calling convention.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sys/unix"

	"github.com/httpdirfs/httpdirfs/internal/logging"
	"github.com/httpdirfs/httpdirfs/internal/metrics"
	"github.com/httpdirfs/httpdirfs/internal/models"
	"github.com/httpdirfs/httpdirfs/internal/tree"
)

// Fixed permission bits. Nothing in the mount is writable.
const (
	DirMode  = unix.S_IFDIR | 0o555
	FileMode = unix.S_IFREG | 0o444
)

var (
	// ErrNotFound is returned when the path does not resolve.
	ErrNotFound = tree.ErrNotFound

	// ErrPermission is returned for any open that asks for write access.
	ErrPermission = errors.New("permission denied")
)

// Resolver maps paths to remote entries. *tree.Tree implements it.
type Resolver interface {
	Resolve(ctx context.Context, path string) (*models.Entry, error)
	Children(ctx context.Context, e *models.Entry) (*models.Table, error)
}

// RangeReader delivers file content for a path. It returns fewer than
// len(dest) bytes only at end of file.
type RangeReader interface {
	ReadRange(ctx context.Context, path string, dest []byte, off int64) (int, error)
}

// Operations is the filesystem surface the kernel adapters call. *FS
// implements it.
type Operations interface {
	Getattr(ctx context.Context, path string) (Attr, error)
	Readdir(ctx context.Context, path string, fill func(name string) bool) error
	Open(ctx context.Context, path string, flags int) error
	Read(ctx context.Context, path string, dest []byte, off int64) (int, error)
}

var _ Operations = (*FS)(nil)

// Attr is the attribute record returned by Getattr.
type Attr struct {
	Mode  uint32
	Nlink uint32
	Size  int64
	Uid   uint32
	Gid   uint32
	Mtime time.Time
}

// IsDir reports whether the attributes describe a directory.
func (a Attr) IsDir() bool {
	return a.Mode&unix.S_IFMT == unix.S_IFDIR
}

// Option configures an FS.
type Option func(*FS)

// WithOwner sets the uid and gid reported for every entry.
func WithOwner(uid, gid uint32) Option {
	return func(f *FS) {
		f.uid, f.gid = uid, gid
	}
}

// FS is the filesystem bridge. It keeps no per-call state; the only
// side effect of its operations is the one-time population of directory
// tables inside the resolver.
type FS struct {
	resolver Resolver
	reader   RangeReader

	uid   uint32
	gid   uint32
	mtime time.Time
}

// New creates a bridge over resolver and reader.
func New(resolver Resolver, reader RangeReader, options ...Option) *FS {
	f := &FS{
		resolver: resolver,
		reader:   reader,
		mtime:    time.Now(),
	}
	for _, opt := range options {
		opt(f)
	}
	return f
}

// Getattr returns the attributes of path. The mount root is always a
// directory, whatever the remote state.
func (f *FS) Getattr(ctx context.Context, path string) (attr Attr, err error) {
	defer observe("getattr", path, time.Now(), &err)

	if tree.IsRoot(path) {
		return f.dirAttr(), nil
	}

	e, err := f.resolver.Resolve(ctx, path)
	if err != nil {
		return Attr{}, err
	}
	return f.attrOf(e), nil
}

// Readdir lists path. fill receives ".", "..", then every child name in
// listing order, and may return false to stop early.
func (f *FS) Readdir(ctx context.Context, path string, fill func(name string) bool) (err error) {
	defer observe("readdir", path, time.Now(), &err)

	e, err := f.resolver.Resolve(ctx, path)
	if err != nil {
		return err
	}
	if !e.IsDir() {
		return fmt.Errorf("%s: %w", path, ErrNotFound)
	}

	table, err := f.resolver.Children(ctx, e)
	if err != nil {
		return err
	}

	if !fill(".") || !fill("..") {
		return nil
	}
	for _, child := range table.Entries() {
		if !fill(child.Name) {
			return nil
		}
	}
	return nil
}

// Open checks that path can be opened with flags. Any access mode other
// than read-only is refused before the path is looked up.
func (f *FS) Open(ctx context.Context, path string, flags int) (err error) {
	defer observe("open", path, time.Now(), &err)

	if flags&unix.O_ACCMODE != unix.O_RDONLY {
		return fmt.Errorf("%s: %w", path, ErrPermission)
	}

	_, err = f.resolver.Resolve(ctx, path)
	return err
}

// Read fills dest from path at off and returns the number of bytes
// delivered. The path is not looked up again here; the range reader owns
// that, and callers have already checked existence through Open.
func (f *FS) Read(ctx context.Context, path string, dest []byte, off int64) (n int, err error) {
	defer observe("read", path, time.Now(), &err)

	if off < 0 {
		return 0, fmt.Errorf("%s: negative offset %d: %w", path, off, unix.EINVAL)
	}
	return f.reader.ReadRange(ctx, path, dest, off)
}

func (f *FS) attrOf(e *models.Entry) Attr {
	if e.IsDir() {
		return f.dirAttr()
	}
	return Attr{
		Mode:  FileMode,
		Nlink: 1,
		Size:  e.Size,
		Uid:   f.uid,
		Gid:   f.gid,
		Mtime: f.mtime,
	}
}

func (f *FS) dirAttr() Attr {
	return Attr{
		Mode:  DirMode,
		Nlink: 1,
		Uid:   f.uid,
		Gid:   f.gid,
		Mtime: f.mtime,
	}
}

// Errno maps an operation error to the POSIX error code returned to the
// kernel. Listing failures are already ErrNotFound; anything else that is
// not a recognised errno is a transport failure.
func Errno(err error) unix.Errno {
	if err == nil {
		return 0
	}

	switch {
	case errors.Is(err, ErrPermission):
		return unix.EACCES
	case errors.Is(err, ErrNotFound), errors.Is(err, tree.ErrNotInitialized):
		return unix.ENOENT
	case errors.Is(err, models.ErrNotDirectory):
		return unix.ENOTDIR
	case errors.Is(err, context.Canceled):
		return unix.EINTR
	}

	var errno unix.Errno
	if errors.As(err, &errno) {
		return errno
	}
	return unix.EIO
}

func observe(op, path string, start time.Time, errp *error) {
	err := *errp
	metrics.RecordOp(op, start, err)
	if err != nil && !errors.Is(err, ErrNotFound) {
		logging.Debug(op+" failed", logging.Path(path), logging.Err(err))
	}
}
