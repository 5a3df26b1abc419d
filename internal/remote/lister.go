// Package remote connects the tree and the filesystem bridge to the HTTP
// site: it turns index pages into entry tables and serves file content
// through ranged requests.
package remote

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/httpdirfs/httpdirfs/internal/client"
	"github.com/httpdirfs/httpdirfs/internal/listing"
	"github.com/httpdirfs/httpdirfs/internal/logging"
	"github.com/httpdirfs/httpdirfs/internal/metrics"
	"github.com/httpdirfs/httpdirfs/internal/models"
)

// DefaultMaxConcurrent is the number of HEAD requests a listing fetch keeps
// in flight when no limit is configured.
const DefaultMaxConcurrent = 8

// PageFetcher is the part of the HTTP client a Lister needs.
type PageFetcher interface {
	GetPage(ctx context.Context, rawURL string) (*client.Page, error)
	Head(ctx context.Context, rawURL string) (client.Info, error)
}

// Lister fetches directory listings over HTTP. It implements tree.Lister.
type Lister struct {
	fetcher       PageFetcher
	maxConcurrent int
}

// NewLister creates a lister. maxConcurrent bounds the HEAD requests issued
// per listing; values below 1 use DefaultMaxConcurrent.
func NewLister(fetcher PageFetcher, maxConcurrent int) *Lister {
	if maxConcurrent < 1 {
		maxConcurrent = DefaultMaxConcurrent
	}
	return &Lister{fetcher: fetcher, maxConcurrent: maxConcurrent}
}

// FetchListing downloads the index page at dirURL and builds its table.
// Subdirectories are taken from the page as is. File sizes come from a
// HEAD request per file. A file the server refuses outright or that has no
// length is left out of the table; any other HEAD failure fails the whole
// fetch so that it can be retried later.
func (l *Lister) FetchListing(ctx context.Context, dirURL string) (table *models.Table, err error) {
	defer func() {
		n := 0
		if table != nil {
			n = table.Len()
		}
		metrics.RecordListingFetch(n, err)
	}()

	page, err := l.fetcher.GetPage(ctx, dirURL)
	if err != nil {
		return nil, err
	}
	base, err := url.Parse(page.URL)
	if err != nil {
		return nil, fmt.Errorf("parse page url %q: %w", page.URL, err)
	}
	links, err := listing.Parse(base, bytes.NewReader(page.Body))
	if err != nil {
		return nil, err
	}
	links = dedupe(links)

	sizes, err := l.fileSizes(ctx, links)
	if err != nil {
		return nil, err
	}

	table = models.NewTable(len(links))
	for i, link := range links {
		var e *models.Entry
		if link.IsDir {
			e = models.NewDirectory(link.Name, link.URL)
		} else {
			if sizes[i] < 0 {
				continue
			}
			e = models.NewFile(link.Name, link.URL, sizes[i])
		}
		table.Add(e)
	}

	logging.Debug("listing parsed",
		logging.URL(dirURL),
		logging.Int("links", len(links)),
		logging.Int("entries", table.Len()),
	)
	return table, nil
}

// fileSizes issues HEAD requests for every file link, at most
// maxConcurrent at a time. The result is indexed like links; directories
// and rejected files hold -1.
func (l *Lister) fileSizes(ctx context.Context, links []listing.Link) ([]int64, error) {
	sizes := make([]int64, len(links))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(l.maxConcurrent)
	for i, link := range links {
		i, link := i, link
		sizes[i] = -1
		if link.IsDir {
			continue
		}
		g.Go(func() error {
			info, err := l.fetcher.Head(gctx, link.URL)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if !definitive(err) {
					return fmt.Errorf("head %s: %w", link.URL, err)
				}
				logging.Warn("skipping file", logging.URL(link.URL), logging.Err(err))
				return nil
			}
			if info.Size < 0 {
				logging.Warn("skipping file without content length", logging.URL(link.URL))
				return nil
			}
			sizes[i] = info.Size
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return sizes, nil
}

// definitive reports whether a HEAD error is a final answer about the file
// rather than a transient failure.
func definitive(err error) bool {
	var se *client.StatusError
	if !errors.As(err, &se) {
		return false
	}
	switch se.StatusCode {
	case http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return se.StatusCode < http.StatusInternalServerError
}

// dedupe drops links whose name was already seen, keeping the first.
func dedupe(links []listing.Link) []listing.Link {
	seen := make(map[string]struct{}, len(links))
	out := links[:0]
	for _, link := range links {
		if _, ok := seen[link.Name]; ok {
			logging.Debug("duplicate link ignored", logging.String("name", link.Name), logging.URL(link.URL))
			continue
		}
		seen[link.Name] = struct{}{}
		out = append(out, link)
	}
	return out
}
