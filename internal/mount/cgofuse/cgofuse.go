// Package cgofuse serves the bridge through libfuse or WinFsp using
// github.com/winfsp/cgofuse. Its callbacks are path based and report
// failures as negative errno values.
package cgofuse

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/winfsp/cgofuse/fuse"

	"github.com/httpdirfs/httpdirfs/internal/bridge"
	"github.com/httpdirfs/httpdirfs/internal/logging"
)

// Options configures the mount.
type Options struct {
	FsName     string
	AllowOther bool
	Debug      bool
}

// FileSystem adapts bridge operations to fuse.FileSystemInterface.
// Calls it does not implement fall back to FileSystemBase, which answers
// ENOSYS.
type FileSystem struct {
	fuse.FileSystemBase

	ops    bridge.Operations
	ctx    context.Context
	cancel context.CancelFunc
	ready  chan struct{}
}

// New creates a filesystem over ops.
func New(ops bridge.Operations) *FileSystem {
	ctx, cancel := context.WithCancel(context.Background())
	return &FileSystem{
		ops:    ops,
		ctx:    ctx,
		cancel: cancel,
		ready:  make(chan struct{}),
	}
}

func (f *FileSystem) Init() {
	logging.Debug("cgofuse: init")
	close(f.ready)
}

func (f *FileSystem) Destroy() {
	logging.Debug("cgofuse: destroy")
	f.cancel()
}

func (f *FileSystem) Getattr(path string, stat *fuse.Stat_t, fh uint64) int {
	attr, err := f.ops.Getattr(f.ctx, path)
	if err != nil {
		return errc(err)
	}
	fillStat(stat, attr)
	return 0
}

func (f *FileSystem) Opendir(path string) (int, uint64) {
	attr, err := f.ops.Getattr(f.ctx, path)
	if err != nil {
		return errc(err), ^uint64(0)
	}
	if !attr.IsDir() {
		return -fuse.ENOTDIR, ^uint64(0)
	}
	return 0, 0
}

func (f *FileSystem) Readdir(path string, fill func(name string, stat *fuse.Stat_t, ofst int64) bool, ofst int64, fh uint64) int {
	err := f.ops.Readdir(f.ctx, path, func(name string) bool {
		if name == "." || name == ".." {
			return fill(name, nil, 0)
		}
		attr, err := f.ops.Getattr(f.ctx, childPath(path, name))
		if err != nil {
			return fill(name, nil, 0)
		}
		var st fuse.Stat_t
		fillStat(&st, attr)
		return fill(name, &st, 0)
	})
	if err != nil {
		return errc(err)
	}
	return 0
}

func (f *FileSystem) Open(path string, flags int) (int, uint64) {
	if err := f.ops.Open(f.ctx, path, flags); err != nil {
		return errc(err), ^uint64(0)
	}
	return 0, 0
}

func (f *FileSystem) Read(path string, buff []byte, ofst int64, fh uint64) int {
	n, err := f.ops.Read(f.ctx, path, buff, ofst)
	if err != nil {
		return errc(err)
	}
	return n
}

func (f *FileSystem) Access(path string, mask uint32) int {
	if _, err := f.ops.Getattr(f.ctx, path); err != nil {
		return errc(err)
	}
	if mask&2 != 0 { // W_OK
		return -fuse.EACCES
	}
	return 0
}

func (f *FileSystem) Statfs(path string, stat *fuse.Statfs_t) int {
	stat.Bsize = 4096
	stat.Frsize = 4096
	stat.Namemax = 255
	return 0
}

// Server is a running cgofuse mount.
type Server struct {
	host *fuse.FileSystemHost
	done chan struct{}
}

// Mount mounts ops at mountPoint and returns once the filesystem is
// serving.
func Mount(mountPoint string, ops bridge.Operations, opts Options) (*Server, error) {
	if err := os.MkdirAll(mountPoint, 0o755); err != nil {
		return nil, fmt.Errorf("create mount point: %w", err)
	}

	fsys := New(ops)
	host := fuse.NewFileSystemHost(fsys)
	host.SetCapReaddirPlus(false)

	s := &Server{host: host, done: make(chan struct{})}
	mounted := make(chan bool, 1)
	go func() {
		defer close(s.done)
		mounted <- host.Mount(mountPoint, mountArgs(opts))
	}()

	select {
	case <-fsys.ready:
	case ok := <-mounted:
		if !ok {
			return nil, fmt.Errorf("mount %s: %w", mountPoint, errMountFailed)
		}
	case <-time.After(30 * time.Second):
		host.Unmount()
		return nil, fmt.Errorf("mount %s: timed out waiting for init", mountPoint)
	}

	logging.Info("mounted", logging.Path(mountPoint), logging.String("backend", "cgofuse"))
	return s, nil
}

var errMountFailed = errors.New("host refused mount")

// Unmount asks the host to unmount.
func (s *Server) Unmount() error {
	if !s.host.Unmount() {
		return errors.New("unmount failed")
	}
	return nil
}

// Wait blocks until the filesystem is unmounted.
func (s *Server) Wait() {
	<-s.done
}

func mountArgs(opts Options) []string {
	var args []string
	if opts.FsName != "" {
		args = append(args, "-o", "fsname="+opts.FsName)
	}
	args = append(args, "-o", "subtype=httpdirfs")
	if opts.AllowOther {
		args = append(args, "-o", "allow_other")
	}
	if opts.Debug {
		args = append(args, "-d")
	}
	return args
}

func fillStat(stat *fuse.Stat_t, a bridge.Attr) {
	ts := fuse.NewTimespec(a.Mtime)
	stat.Mode = a.Mode
	stat.Nlink = a.Nlink
	stat.Size = a.Size
	stat.Uid = a.Uid
	stat.Gid = a.Gid
	stat.Mtim = ts
	stat.Atim = ts
	stat.Ctim = ts
	stat.Blksize = 4096
	stat.Blocks = (a.Size + 511) / 512
}

// errc converts err to the negative errno cgofuse expects.
func errc(err error) int {
	return -int(bridge.Errno(err))
}

func childPath(parent, name string) string {
	if parent == "/" {
		return "/" + name
	}
	return parent + "/" + name
}
