package remote

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/httpdirfs/httpdirfs/internal/cache"
	"github.com/httpdirfs/httpdirfs/internal/client"
	"github.com/httpdirfs/httpdirfs/internal/models"
	"github.com/httpdirfs/httpdirfs/internal/retry"
	"github.com/httpdirfs/httpdirfs/internal/tree"
)

var files = map[string][]byte{
	"/pub/readme.txt":     []byte("read me first\n"),
	"/pub/my file.bin":    bytes.Repeat([]byte("0123456789"), 10),
	"/pub/docs/guide.txt": []byte("guide"),
}

const pubIndex = `<html><body><h1>Index of /pub</h1><pre>
<a href="?C=N;O=D">Name</a>
<a href="/">Parent Directory</a>
<a href="docs/">docs/</a>
<a href="readme.txt">readme.txt</a>
<a href="my%20file.bin">my file.bin</a>
<a href="broken.txt">broken.txt</a>
<a href="readme.txt">readme.txt</a>
</pre></body></html>`

const docsIndex = `<html><body><a href="../">../</a><a href="guide.txt">guide.txt</a></body></html>`

type site struct {
	*httptest.Server
	gets atomic.Int32
}

func newSite(t *testing.T) *site {
	t.Helper()
	s := &site{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pub":
			http.Redirect(w, r, "/pub/", http.StatusMovedPermanently)
		case "/pub/":
			w.Write([]byte(pubIndex))
		case "/pub/docs/":
			w.Write([]byte(docsIndex))
		default:
			body, ok := files[r.URL.Path]
			if !ok {
				http.NotFound(w, r)
				return
			}
			if r.Method == http.MethodGet {
				s.gets.Add(1)
			}
			http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(body))
		}
	}))
	t.Cleanup(s.Close)
	return s
}

func testClient(t *testing.T) *client.Client {
	t.Helper()
	c, err := client.New(client.Config{
		RetryConfig: retry.Config{MaxAttempts: 1},
	})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestLister_FetchListing(t *testing.T) {
	s := newSite(t)
	l := NewLister(testClient(t), 2)

	table, err := l.FetchListing(context.Background(), s.URL+"/pub")
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"docs", "readme.txt", "my file.bin"}
	if got := table.Names(); strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("names = %q, want %q", got, want)
	}

	docs, _ := table.Lookup("docs")
	if !docs.IsDir() || docs.URL != s.URL+"/pub/docs/" {
		t.Errorf("docs = %+v", docs)
	}
	readme, _ := table.Lookup("readme.txt")
	if readme.IsDir() || readme.Size != int64(len(files["/pub/readme.txt"])) {
		t.Errorf("readme = %+v", readme)
	}
	spaced, _ := table.Lookup("my file.bin")
	if spaced.Size != 100 {
		t.Errorf("my file.bin size = %d", spaced.Size)
	}
	if _, ok := table.Lookup("broken.txt"); ok {
		t.Error("file with failing HEAD should be left out")
	}
}

func TestLister_FetchError(t *testing.T) {
	s := newSite(t)
	l := NewLister(testClient(t), 0)

	if _, err := l.FetchListing(context.Background(), s.URL+"/missing/"); err == nil {
		t.Fatal("expected error for missing listing")
	}
}

func TestLister_TransientHeadFailure(t *testing.T) {
	var heads atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/pub/":
			w.Write([]byte(`<a href="readme.txt">readme.txt</a><a href="gone.txt">gone.txt</a>`))
		case "/pub/readme.txt":
			if r.Method == http.MethodHead && heads.Add(1) == 1 {
				http.Error(w, "busy", http.StatusServiceUnavailable)
				return
			}
			http.ServeContent(w, r, r.URL.Path, time.Time{}, bytes.NewReader(files["/pub/readme.txt"]))
		default:
			http.Error(w, "gone", http.StatusGone)
		}
	}))
	t.Cleanup(ts.Close)
	l := NewLister(testClient(t), 1)

	if _, err := l.FetchListing(context.Background(), ts.URL+"/pub/"); err == nil {
		t.Fatal("expected error while a HEAD is failing with 503")
	}

	table, err := l.FetchListing(context.Background(), ts.URL+"/pub/")
	if err != nil {
		t.Fatal(err)
	}
	if got := table.Names(); strings.Join(got, ",") != "readme.txt" {
		t.Errorf("names = %q, want [readme.txt]", got)
	}
}

func TestDefinitive(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&client.StatusError{StatusCode: http.StatusNotFound}, true},
		{&client.StatusError{StatusCode: http.StatusForbidden}, true},
		{&client.StatusError{StatusCode: http.StatusTooManyRequests}, false},
		{&client.StatusError{StatusCode: http.StatusBadGateway}, false},
		{errors.New("connection reset"), false},
	}
	for _, tt := range tests {
		if got := definitive(tt.err); got != tt.want {
			t.Errorf("definitive(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

type staticResolver map[string]*models.Entry

func (r staticResolver) Resolve(_ context.Context, path string) (*models.Entry, error) {
	if e, ok := r[path]; ok {
		return e, nil
	}
	return nil, tree.ErrNotFound
}

func TestReader_ReadRange(t *testing.T) {
	s := newSite(t)
	body := files["/pub/my file.bin"]
	resolver := staticResolver{
		"/f":    models.NewFile("f", s.URL+"/pub/my%20file.bin", int64(len(body))),
		"/docs": models.NewDirectory("docs", s.URL+"/pub/docs/"),
	}
	r := NewReader(resolver, testClient(t))
	ctx := context.Background()

	buf := make([]byte, 15)
	n, err := r.ReadRange(ctx, "/f", buf, 5)
	if err != nil || !bytes.Equal(buf[:n], body[5:20]) {
		t.Fatalf("ReadRange = %q, %v", buf[:n], err)
	}

	n, err = r.ReadRange(ctx, "/f", buf, 95)
	if err != nil || n != 5 {
		t.Errorf("read at tail = %d, %v; want 5", n, err)
	}

	for _, off := range []int64{100, 1000} {
		if n, err := r.ReadRange(ctx, "/f", buf, off); n != 0 || err != nil {
			t.Errorf("read at %d = %d, %v; want 0, nil", off, n, err)
		}
	}

	if _, err := r.ReadRange(ctx, "/docs", buf, 0); !errors.Is(err, unix.EISDIR) {
		t.Errorf("read of directory = %v, want EISDIR", err)
	}
	if _, err := r.ReadRange(ctx, "/nope", buf, 0); !errors.Is(err, tree.ErrNotFound) {
		t.Errorf("read of missing = %v, want ErrNotFound", err)
	}
}

func TestReader_Cached(t *testing.T) {
	s := newSite(t)
	body := files["/pub/my file.bin"]
	resolver := staticResolver{
		"/f": models.NewFile("f", s.URL+"/pub/my%20file.bin", int64(len(body))),
	}
	c, err := cache.New(t.TempDir(), 0)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(resolver, testClient(t), WithCache(c, 16))
	ctx := context.Background()

	// Spans blocks 1, 2 and 3.
	buf := make([]byte, 30)
	n, err := r.ReadRange(ctx, "/f", buf, 20)
	if err != nil || !bytes.Equal(buf[:n], body[20:50]) {
		t.Fatalf("ReadRange = %q, %v", buf[:n], err)
	}
	if got := s.gets.Load(); got != 3 {
		t.Errorf("GETs after first read = %d, want 3", got)
	}

	n, err = r.ReadRange(ctx, "/f", buf, 20)
	if err != nil || !bytes.Equal(buf[:n], body[20:50]) {
		t.Fatalf("cached ReadRange = %q, %v", buf[:n], err)
	}
	if got := s.gets.Load(); got != 3 {
		t.Errorf("GETs after cached read = %d, want 3", got)
	}

	// Last block is short: 100 = 6*16 + 4.
	n, err = r.ReadRange(ctx, "/f", buf, 90)
	if err != nil || !bytes.Equal(buf[:n], body[90:]) {
		t.Errorf("tail read = %q, %v", buf[:n], err)
	}
	if _, _, count := c.Stats(); count != 5 {
		t.Errorf("cached blocks = %d, want 5", count)
	}
}

// shortFetcher answers every range with at most limit bytes and no error.
type shortFetcher struct {
	body  []byte
	limit int
	calls atomic.Int32
}

func (f *shortFetcher) GetRange(_ context.Context, _ string, dest []byte, off int64) (int, error) {
	f.calls.Add(1)
	if off >= int64(len(f.body)) {
		return 0, nil
	}
	return copy(dest[:min(len(dest), f.limit)], f.body[off:]), nil
}

func TestReader_ShortRemoteIsEIO(t *testing.T) {
	body := files["/pub/my file.bin"]
	resolver := staticResolver{
		"/f": models.NewFile("f", "http://example.test/f", int64(len(body))),
	}
	ctx := context.Background()

	t.Run("uncached", func(t *testing.T) {
		r := NewReader(resolver, &shortFetcher{body: body, limit: 5})
		n, err := r.ReadRange(ctx, "/f", make([]byte, 10), 0)
		if !errors.Is(err, unix.EIO) {
			t.Errorf("ReadRange = %d, %v; want EIO", n, err)
		}
	})

	t.Run("cached", func(t *testing.T) {
		c, err := cache.New(t.TempDir(), 0)
		if err != nil {
			t.Fatal(err)
		}
		f := &shortFetcher{body: body, limit: 8}
		r := NewReader(resolver, f, WithCache(c, 16))

		n, err := r.ReadRange(ctx, "/f", make([]byte, 10), 0)
		if !errors.Is(err, unix.EIO) {
			t.Errorf("ReadRange = %d, %v; want EIO", n, err)
		}
		if _, _, count := c.Stats(); count != 0 {
			t.Errorf("cached blocks = %d, want 0", count)
		}

		// The incomplete block is fetched again rather than served from cache.
		r.ReadRange(ctx, "/f", make([]byte, 10), 0)
		if got := f.calls.Load(); got != 2 {
			t.Errorf("fetches = %d, want 2", got)
		}
	})
}
