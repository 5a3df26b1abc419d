package bridge

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"golang.org/x/sys/unix"

	"github.com/httpdirfs/httpdirfs/internal/logging"
	"github.com/httpdirfs/httpdirfs/internal/models"
	"github.com/httpdirfs/httpdirfs/internal/tree"
)

const base = "http://example.test/"

type countingLister struct {
	mu       sync.Mutex
	calls    map[string]int
	listings map[string]func() *models.Table
}

func (l *countingLister) FetchListing(ctx context.Context, url string) (*models.Table, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[url]++
	build, ok := l.listings[url]
	if !ok {
		return nil, fmt.Errorf("GET %s: 404", url)
	}
	return build(), nil
}

func (l *countingLister) count(url string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[url]
}

// memReader serves file bodies from memory keyed by path.
type memReader struct {
	files map[string][]byte
}

func (r *memReader) ReadRange(ctx context.Context, path string, dest []byte, off int64) (int, error) {
	body, ok := r.files[path]
	if !ok {
		return 0, tree.ErrNotFound
	}
	if off >= int64(len(body)) {
		return 0, nil
	}
	return copy(dest, body[off:]), nil
}

func newTestFS(t *testing.T) (*FS, *countingLister) {
	t.Helper()
	logging.Replace(zaptest.NewLogger(t))
	t.Cleanup(func() { logging.Replace(zap.NewNop()) })

	l := &countingLister{
		calls: make(map[string]int),
		listings: map[string]func() *models.Table{
			base: func() *models.Table {
				tbl := models.NewTable(2)
				tbl.Add(models.NewDirectory("docs", base+"docs/"))
				tbl.Add(models.NewFile("readme.txt", base+"readme.txt", 42))
				return tbl
			},
			base + "docs/": func() *models.Table {
				tbl := models.NewTable(3)
				tbl.Add(models.NewFile("b.txt", base+"docs/b.txt", 1))
				tbl.Add(models.NewFile("a.txt", base+"docs/a.txt", 2))
				tbl.Add(models.NewDirectory("sub", base+"docs/sub/"))
				return tbl
			},
		},
	}

	tr := tree.New(base, l)
	if err := tr.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	body := make([]byte, 42)
	for i := range body {
		body[i] = byte('a' + i%26)
	}
	r := &memReader{files: map[string][]byte{"/readme.txt": body}}

	return New(tr, r, WithOwner(1000, 1000)), l
}

func collect(t *testing.T, f *FS, path string) ([]string, error) {
	t.Helper()
	var names []string
	err := f.Readdir(context.Background(), path, func(name string) bool {
		names = append(names, name)
		return true
	})
	return names, err
}

func TestGetattr(t *testing.T) {
	f, _ := newTestFS(t)
	ctx := context.Background()

	attr, err := f.Getattr(ctx, "/readme.txt")
	if err != nil {
		t.Fatal(err)
	}
	if attr.Mode != unix.S_IFREG|0o444 || attr.Size != 42 || attr.Nlink != 1 {
		t.Errorf("readme.txt attr = %+v", attr)
	}
	if attr.Uid != 1000 || attr.Gid != 1000 {
		t.Errorf("owner = %d:%d", attr.Uid, attr.Gid)
	}

	attr, err = f.Getattr(ctx, "/docs")
	if err != nil {
		t.Fatal(err)
	}
	if !attr.IsDir() || attr.Mode != unix.S_IFDIR|0o555 || attr.Nlink != 1 {
		t.Errorf("docs attr = %+v", attr)
	}

	if _, err := f.Getattr(ctx, "/docs/missing.txt"); Errno(err) != unix.ENOENT {
		t.Errorf("missing err = %v (%v), want ENOENT", err, Errno(err))
	}
}

func TestGetattr_RootIndependentOfRemote(t *testing.T) {
	// Never initialised and nothing reachable: the root is still a directory.
	f := New(tree.New(base, &countingLister{calls: map[string]int{}}), &memReader{})

	attr, err := f.Getattr(context.Background(), "/")
	if err != nil {
		t.Fatal(err)
	}
	if !attr.IsDir() || attr.Mode&0o222 != 0 {
		t.Errorf("root attr = %+v", attr)
	}
}

func TestReaddir_Root(t *testing.T) {
	f, _ := newTestFS(t)
	names, err := collect(t, f, "/")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{".", "..", "docs", "readme.txt"}
	if fmt.Sprint(names) != fmt.Sprint(want) {
		t.Errorf("Readdir(/) = %v, want %v", names, want)
	}
}

func TestReaddir_MemoizedAndStable(t *testing.T) {
	f, l := newTestFS(t)

	first, err := collect(t, f, "/docs")
	if err != nil {
		t.Fatal(err)
	}
	second, err := collect(t, f, "/docs")
	if err != nil {
		t.Fatal(err)
	}

	if n := l.count(base + "docs/"); n != 1 {
		t.Errorf("docs listing fetched %d times, want 1", n)
	}
	want := []string{".", "..", "b.txt", "a.txt", "sub"}
	if fmt.Sprint(first) != fmt.Sprint(want) || fmt.Sprint(second) != fmt.Sprint(want) {
		t.Errorf("Readdir = %v then %v, want %v", first, second, want)
	}
}

func TestReaddir_Errors(t *testing.T) {
	f, _ := newTestFS(t)

	if _, err := collect(t, f, "/readme.txt"); Errno(err) != unix.ENOENT {
		t.Errorf("Readdir(file) errno = %v, want ENOENT", Errno(err))
	}
	if _, err := collect(t, f, "/nope"); Errno(err) != unix.ENOENT {
		t.Errorf("Readdir(missing) errno = %v, want ENOENT", Errno(err))
	}
	// docs/sub has no listing on the remote.
	if _, err := collect(t, f, "/docs/sub"); Errno(err) != unix.ENOENT {
		t.Errorf("Readdir(unlistable) errno = %v, want ENOENT", Errno(err))
	}
}

func TestReaddir_StopsWhenFillFull(t *testing.T) {
	f, _ := newTestFS(t)
	var names []string
	err := f.Readdir(context.Background(), "/docs", func(name string) bool {
		names = append(names, name)
		return len(names) < 3
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 3 {
		t.Errorf("fill called %d times, want 3", len(names))
	}
}

func TestConcurrentFirstAccess(t *testing.T) {
	f, l := newTestFS(t)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			collect(t, f, "/docs")
		}()
		go func() {
			defer wg.Done()
			f.Getattr(context.Background(), "/docs/a.txt")
		}()
	}
	wg.Wait()

	if n := l.count(base + "docs/"); n != 1 {
		t.Errorf("docs listing fetched %d times, want 1", n)
	}
}

func TestOpen(t *testing.T) {
	f, _ := newTestFS(t)
	ctx := context.Background()

	if err := f.Open(ctx, "/readme.txt", os.O_RDONLY); err != nil {
		t.Errorf("Open(ro): %v", err)
	}
	if err := f.Open(ctx, "/missing", os.O_RDONLY); Errno(err) != unix.ENOENT {
		t.Errorf("Open(missing) errno = %v, want ENOENT", Errno(err))
	}

	writeFlags := []int{
		os.O_WRONLY,
		os.O_RDWR,
		os.O_WRONLY | os.O_APPEND,
		os.O_RDWR | os.O_CREATE | os.O_TRUNC,
	}
	for _, flags := range writeFlags {
		for _, p := range []string{"/readme.txt", "/missing", "/docs"} {
			if err := f.Open(ctx, p, flags); Errno(err) != unix.EACCES {
				t.Errorf("Open(%s, %#x) errno = %v, want EACCES", p, flags, Errno(err))
			}
		}
	}
}

func TestRead_EOF(t *testing.T) {
	f, _ := newTestFS(t)
	ctx := context.Background()

	buf := make([]byte, 16)
	n, err := f.Read(ctx, "/readme.txt", buf, 0)
	if err != nil || n != 16 {
		t.Fatalf("Read(0) = %d, %v", n, err)
	}

	n, err = f.Read(ctx, "/readme.txt", buf, 32)
	if err != nil {
		t.Fatal(err)
	}
	if n != 10 {
		t.Fatalf("Read(32) = %d, want 10", n)
	}

	n, err = f.Read(ctx, "/readme.txt", buf, 32+int64(n))
	if err != nil || n != 0 {
		t.Errorf("Read at EOF = %d, %v; want 0, nil", n, err)
	}

	if _, err := f.Read(ctx, "/readme.txt", buf, -1); Errno(err) != unix.EINVAL {
		t.Errorf("negative offset errno = %v, want EINVAL", Errno(err))
	}
}

func TestErrno(t *testing.T) {
	tests := []struct {
		err  error
		want unix.Errno
	}{
		{nil, 0},
		{ErrPermission, unix.EACCES},
		{fmt.Errorf("x: %w", tree.ErrNotFound), unix.ENOENT},
		{&tree.FetchError{URL: base, Err: errors.New("timeout")}, unix.ENOENT},
		{tree.ErrNotInitialized, unix.ENOENT},
		{models.ErrNotDirectory, unix.ENOTDIR},
		{context.Canceled, unix.EINTR},
		{fmt.Errorf("wrapped: %w", unix.ERANGE), unix.ERANGE},
		{errors.New("502 Bad Gateway"), unix.EIO},
	}
	for _, tt := range tests {
		if got := Errno(tt.err); got != tt.want {
			t.Errorf("Errno(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
