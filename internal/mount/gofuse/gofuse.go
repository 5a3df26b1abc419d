// Package gofuse serves the bridge over the kernel FUSE protocol with
// github.com/hanwen/go-fuse/v2.
package gofuse

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/hanwen/go-fuse/v2/fs"
	"github.com/hanwen/go-fuse/v2/fuse"

	"github.com/httpdirfs/httpdirfs/internal/bridge"
	"github.com/httpdirfs/httpdirfs/internal/logging"
)

// Options configures the mount.
type Options struct {
	// FsName is shown as the source in the mount table, usually the URL.
	FsName     string
	AllowOther bool
	Debug      bool

	// Timeout is how long the kernel may cache entries and attributes.
	// Lookups that failed are never cached, so a directory whose listing
	// could not be fetched is retried on next access.
	Timeout time.Duration
}

// Node is one path in the mounted tree. It keeps only its path; all
// state lives in the bridge.
type Node struct {
	fs.Inode

	ops  bridge.Operations
	path string
}

var _ fs.InodeEmbedder = (*Node)(nil)
var _ fs.NodeGetattrer = (*Node)(nil)
var _ fs.NodeLookuper = (*Node)(nil)
var _ fs.NodeReaddirer = (*Node)(nil)
var _ fs.NodeOpener = (*Node)(nil)
var _ fs.NodeReader = (*Node)(nil)

// NewRoot returns the root node for ops.
func NewRoot(ops bridge.Operations) *Node {
	return &Node{ops: ops, path: "/"}
}

// Mount mounts ops at mountPoint. The returned server is already serving.
func Mount(mountPoint string, ops bridge.Operations, opts Options) (*fuse.Server, error) {
	timeout := opts.Timeout
	if timeout == 0 {
		timeout = time.Hour
	}

	fsOpts := &fs.Options{
		MountOptions: fuse.MountOptions{
			AllowOther: opts.AllowOther,
			Debug:      opts.Debug,
			FsName:     opts.FsName,
			Name:       "httpdirfs",
		},
		EntryTimeout: &timeout,
		AttrTimeout:  &timeout,
		UID:          uint32(os.Getuid()),
		GID:          uint32(os.Getgid()),
	}

	server, err := fs.Mount(mountPoint, NewRoot(ops), fsOpts)
	if err != nil {
		return nil, fmt.Errorf("mount: %w", err)
	}
	logging.Info("mounted", logging.Path(mountPoint), logging.String("backend", "gofuse"))
	return server, nil
}

// Getattr returns file attributes.
func (n *Node) Getattr(ctx context.Context, fh fs.FileHandle, out *fuse.AttrOut) syscall.Errno {
	attr, err := n.ops.Getattr(ctx, n.path)
	if err != nil {
		return bridge.Errno(err)
	}
	fillAttr(&out.Attr, attr)
	return 0
}

// Lookup finds a child by name.
func (n *Node) Lookup(ctx context.Context, name string, out *fuse.EntryOut) (*fs.Inode, syscall.Errno) {
	p := childPath(n.path, name)
	attr, err := n.ops.Getattr(ctx, p)
	if err != nil {
		return nil, bridge.Errno(err)
	}
	fillAttr(&out.Attr, attr)

	child := &Node{ops: n.ops, path: p}
	return n.NewInode(ctx, child, fs.StableAttr{Mode: attr.Mode & syscall.S_IFMT}), 0
}

// Readdir lists directory contents. go-fuse adds "." and ".." itself.
func (n *Node) Readdir(ctx context.Context) (fs.DirStream, syscall.Errno) {
	var entries []fuse.DirEntry
	err := n.ops.Readdir(ctx, n.path, func(name string) bool {
		if name == "." || name == ".." {
			return true
		}
		mode := uint32(syscall.S_IFREG)
		if attr, err := n.ops.Getattr(ctx, childPath(n.path, name)); err == nil {
			mode = attr.Mode & syscall.S_IFMT
		}
		entries = append(entries, fuse.DirEntry{Name: name, Mode: mode})
		return true
	})
	if err != nil {
		return nil, bridge.Errno(err)
	}
	return fs.NewListDirStream(entries), 0
}

// Open checks access. No file handle is kept; reads go through the node.
func (n *Node) Open(ctx context.Context, flags uint32) (fs.FileHandle, uint32, syscall.Errno) {
	if err := n.ops.Open(ctx, n.path, int(flags)); err != nil {
		return nil, 0, bridge.Errno(err)
	}
	return nil, fuse.FOPEN_KEEP_CACHE, 0
}

// Read reads file content.
func (n *Node) Read(ctx context.Context, fh fs.FileHandle, dest []byte, off int64) (fuse.ReadResult, syscall.Errno) {
	read, err := n.ops.Read(ctx, n.path, dest, off)
	if err != nil {
		return nil, bridge.Errno(err)
	}
	return fuse.ReadResultData(dest[:read]), 0
}

func fillAttr(out *fuse.Attr, a bridge.Attr) {
	out.Mode = a.Mode
	out.Nlink = a.Nlink
	out.Size = uint64(a.Size)
	out.Blocks = (out.Size + 511) / 512
	out.Uid = a.Uid
	out.Gid = a.Gid

	secs := uint64(a.Mtime.Unix())
	nsecs := uint32(a.Mtime.Nanosecond())
	out.Mtime, out.Mtimensec = secs, nsecs
	out.Atime, out.Atimensec = secs, nsecs
	out.Ctime, out.Ctimensec = secs, nsecs
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
