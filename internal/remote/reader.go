package remote

import (
	"context"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/httpdirfs/httpdirfs/internal/cache"
	"github.com/httpdirfs/httpdirfs/internal/logging"
	"github.com/httpdirfs/httpdirfs/internal/models"
)

// DefaultBlockSize is the unit in which file content is cached.
const DefaultBlockSize = 1 << 20

// Resolver maps a mount path to its remote entry.
type Resolver interface {
	Resolve(ctx context.Context, path string) (*models.Entry, error)
}

// RangeFetcher reads a byte range of a remote URL.
type RangeFetcher interface {
	GetRange(ctx context.Context, rawURL string, dest []byte, off int64) (int, error)
}

// Reader serves file content by path. It implements bridge.RangeReader.
type Reader struct {
	resolver  Resolver
	fetcher   RangeFetcher
	cache     *cache.Cache
	blockSize int64
}

// ReaderOption configures a Reader.
type ReaderOption func(*Reader)

// WithCache serves content in blocks of blockSize bytes through c.
func WithCache(c *cache.Cache, blockSize int64) ReaderOption {
	return func(r *Reader) {
		r.cache = c
		if blockSize > 0 {
			r.blockSize = blockSize
		}
	}
}

// NewReader creates a reader that resolves paths with resolver and
// downloads ranges with fetcher.
func NewReader(resolver Resolver, fetcher RangeFetcher, options ...ReaderOption) *Reader {
	r := &Reader{
		resolver:  resolver,
		fetcher:   fetcher,
		blockSize: DefaultBlockSize,
	}
	for _, opt := range options {
		opt(r)
	}
	return r
}

// ReadRange fills dest with the content of the file at path starting at
// off. Reads are clamped to the size recorded in the listing, so a read
// at or past the end returns 0. Inside that size the remote must deliver
// every byte; a shorter answer fails with EIO.
func (r *Reader) ReadRange(ctx context.Context, path string, dest []byte, off int64) (int, error) {
	e, err := r.resolver.Resolve(ctx, path)
	if err != nil {
		return 0, err
	}
	if e.IsDir() {
		return 0, fmt.Errorf("%s: %w", path, unix.EISDIR)
	}

	if off >= e.Size || len(dest) == 0 {
		return 0, nil
	}
	if remaining := e.Size - off; int64(len(dest)) > remaining {
		dest = dest[:remaining]
	}

	if r.cache == nil {
		n, err := r.fetcher.GetRange(ctx, e.URL, dest, off)
		if err != nil {
			return 0, err
		}
		if n < len(dest) {
			return 0, shortRead(e.URL, off, n, len(dest))
		}
		return n, nil
	}
	return r.readBlocks(ctx, e, dest, off)
}

func (r *Reader) readBlocks(ctx context.Context, e *models.Entry, dest []byte, off int64) (int, error) {
	total := 0
	for total < len(dest) {
		pos := off + int64(total)
		index := pos / r.blockSize

		block, err := r.block(ctx, e, index)
		if err != nil {
			return 0, err
		}
		total += copy(dest[total:], block[pos-index*r.blockSize:])
	}
	return total, nil
}

// block returns block index of e, from the cache or the remote. Only
// complete blocks are returned or cached.
func (r *Reader) block(ctx context.Context, e *models.Entry, index int64) ([]byte, error) {
	key := cache.BlockKey(e.URL, index)
	want := r.blockLen(e, index)
	if data, ok := r.cache.Get(key); ok && int64(len(data)) == want {
		return data, nil
	}

	buf := make([]byte, want)
	n, err := r.fetcher.GetRange(ctx, e.URL, buf, index*r.blockSize)
	if err != nil {
		return nil, err
	}
	if n < len(buf) {
		return nil, shortRead(e.URL, index*r.blockSize, n, len(buf))
	}

	if err := r.cache.Put(key, buf); err != nil {
		logging.Warn("cache block", logging.URL(e.URL), logging.Int64("block", index), logging.Err(err))
	}
	return buf, nil
}

func (r *Reader) blockLen(e *models.Entry, index int64) int64 {
	return min(r.blockSize, e.Size-index*r.blockSize)
}

// shortRead reports a remote that ended before the size in its listing.
func shortRead(rawURL string, off int64, got, want int) error {
	logging.Warn("remote returned fewer bytes than listed",
		logging.URL(rawURL),
		logging.Int64("offset", off),
		logging.Int("got", got),
		logging.Int("want", want),
	)
	return fmt.Errorf("read %s at %d: got %d of %d bytes: %w", rawURL, off, got, want, unix.EIO)
}
