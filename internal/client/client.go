// Package client provides the HTTP client used to talk to the remote
// site, with retry, basic auth and offline tracking.
package client

import (
	"compress/gzip"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/httpdirfs/httpdirfs/internal/logging"
	"github.com/httpdirfs/httpdirfs/internal/metrics"
	"github.com/httpdirfs/httpdirfs/internal/retry"
)

// MaxListingSize bounds the size of a directory page we are willing to parse.
const MaxListingSize = 32 << 20

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "httpdirfs"

// Client is an HTTP client for a remote directory site.
type Client struct {
	httpClient  *http.Client
	retryConfig retry.Config
	username    string
	password    string
	userAgent   string

	mu     sync.RWMutex
	online bool
}

// Config holds client configuration.
type Config struct {
	Timeout     time.Duration
	RetryConfig retry.Config
	Username    string
	Password    string
	UserAgent   string
	ProxyURL    string
	InsecureTLS bool
	MaxConns    int
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        100,
		MaxConnsPerHost:     cfg.MaxConns,
		MaxIdleConnsPerHost: cfg.MaxConns,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		// Listing pages are decompressed by hand; content must stay
		// byte-exact for ranged reads.
		DisableCompression: true,
	}
	if cfg.ProxyURL != "" {
		proxy, err := url.Parse(cfg.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(proxy)
	}
	if cfg.InsecureTLS {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: transport,
		},
		retryConfig: cfg.RetryConfig,
		username:    cfg.Username,
		password:    cfg.Password,
		userAgent:   cfg.UserAgent,
		online:      true,
	}, nil
}

// IsOnline returns true if the last request reached the server.
func (c *Client) IsOnline() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.online
}

func (c *Client) setOnline(online bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.online != online {
		if online {
			logging.Info("remote is back online")
		} else {
			logging.Error("remote is unreachable")
		}
	}
	c.online = online
}

func (c *Client) newRequest(ctx context.Context, method, rawURL string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	return req, nil
}

// do sends req and classifies the outcome for retry. The response is
// returned open only when its status is one of ok.
func (c *Client) do(req *http.Request, ok ...int) (*http.Response, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.RecordHTTPRequest(req.Method, 0)
		if req.Context().Err() != nil {
			return nil, req.Context().Err()
		}
		c.setOnline(false)
		return nil, retry.Retryable(err)
	}
	metrics.RecordHTTPRequest(req.Method, resp.StatusCode)

	for _, code := range ok {
		if resp.StatusCode == code {
			c.setOnline(true)
			return resp, nil
		}
	}

	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()

	statusErr := AsStatusError(req.URL.String(), resp.StatusCode, resp.Status)
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		c.setOnline(false)
		return nil, retry.Retryable(statusErr)
	}
	c.setOnline(true)
	return nil, statusErr
}

// Page is a fetched directory listing.
type Page struct {
	// URL is the final location after redirects. Relative links in the
	// body resolve against it.
	URL         string
	ContentType string
	Body        []byte
}

// GetPage fetches a listing page.
func (c *Client) GetPage(ctx context.Context, rawURL string) (*Page, error) {
	return retry.Do(ctx, c.retryConfig, func() (*Page, error) {
		req, err := c.newRequest(ctx, http.MethodGet, rawURL)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Accept-Encoding", "gzip")

		resp, err := c.do(req, http.StatusOK)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		var reader io.Reader = resp.Body
		if resp.Header.Get("Content-Encoding") == "gzip" {
			gr, err := gzip.NewReader(resp.Body)
			if err != nil {
				return nil, fmt.Errorf("gzip listing %s: %w", rawURL, err)
			}
			defer gr.Close()
			reader = gr
		}

		body, err := io.ReadAll(io.LimitReader(reader, MaxListingSize+1))
		if err != nil {
			return nil, retry.Retryable(fmt.Errorf("read listing %s: %w", rawURL, err))
		}
		if len(body) > MaxListingSize {
			return nil, fmt.Errorf("listing %s larger than %d bytes", rawURL, MaxListingSize)
		}

		return &Page{
			URL:         resp.Request.URL.String(),
			ContentType: resp.Header.Get("Content-Type"),
			Body:        body,
		}, nil
	})
}

// Info is what a HEAD request tells us about a remote file.
type Info struct {
	Size         int64 // -1 when the server does not send a length
	ContentType  string
	AcceptRanges bool
}

// Head fetches the metadata of a remote file.
func (c *Client) Head(ctx context.Context, rawURL string) (Info, error) {
	return retry.Do(ctx, c.retryConfig, func() (Info, error) {
		req, err := c.newRequest(ctx, http.MethodHead, rawURL)
		if err != nil {
			return Info{}, err
		}
		req.Header.Set("Accept-Encoding", "identity")

		resp, err := c.do(req, http.StatusOK)
		if err != nil {
			return Info{}, err
		}
		resp.Body.Close()

		return Info{
			Size:         resp.ContentLength,
			ContentType:  resp.Header.Get("Content-Type"),
			AcceptRanges: resp.Header.Get("Accept-Ranges") == "bytes",
		}, nil
	})
}

// GetRange reads up to len(dest) bytes of rawURL starting at off. A
// short count means the resource itself ended; a body cut short of its
// Content-Length is retried and then reported as an error. A range past
// the end of the resource yields zero bytes and no error.
func (c *Client) GetRange(ctx context.Context, rawURL string, dest []byte, off int64) (int, error) {
	if len(dest) == 0 {
		return 0, nil
	}

	n, err := retry.Do(ctx, c.retryConfig, func() (int, error) {
		req, err := c.newRequest(ctx, http.MethodGet, rawURL)
		if err != nil {
			return 0, err
		}
		end := off + int64(len(dest)) - 1
		req.Header.Set("Range", "bytes="+strconv.FormatInt(off, 10)+"-"+strconv.FormatInt(end, 10))
		req.Header.Set("Accept-Encoding", "identity")

		resp, err := c.do(req, http.StatusPartialContent, http.StatusOK)
		if err != nil {
			var se *StatusError
			if errors.As(err, &se) && se.StatusCode == http.StatusRequestedRangeNotSatisfiable {
				return 0, nil
			}
			return 0, err
		}
		defer resp.Body.Close()

		// skipped counts body bytes consumed before dest.
		var skipped int64
		switch resp.StatusCode {
		case http.StatusPartialContent:
			start, err := contentRangeStart(resp.Header.Get("Content-Range"))
			if err != nil {
				return 0, fmt.Errorf("range of %s: %w", rawURL, err)
			}
			if start != off {
				return 0, fmt.Errorf("range of %s: server sent offset %d, asked for %d", rawURL, start, off)
			}
		case http.StatusOK:
			if off > 0 {
				// The server ignored the Range header and sent the whole body.
				if _, err := io.CopyN(io.Discard, resp.Body, off); err != nil {
					if errors.Is(err, io.EOF) {
						return 0, nil
					}
					return 0, retry.Retryable(fmt.Errorf("skip to offset %d: %w", off, err))
				}
				skipped = off
			}
		}

		n, err := io.ReadFull(resp.Body, dest)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, retry.Retryable(fmt.Errorf("read range of %s: %w", rawURL, err))
		}
		// A body shorter than its declared length was cut off in transit.
		if n < len(dest) && resp.ContentLength >= 0 && skipped+int64(n) < resp.ContentLength {
			return 0, retry.Retryable(fmt.Errorf("read range of %s: body truncated after %d bytes", rawURL, n))
		}
		return n, nil
	})
	metrics.RecordRangeRead(n, err)
	return n, err
}

// contentRangeStart returns the first byte position of a
// "bytes start-end/total" Content-Range value.
func contentRangeStart(v string) (int64, error) {
	spec, ok := strings.CutPrefix(v, "bytes ")
	if !ok {
		return 0, fmt.Errorf("bad Content-Range %q", v)
	}
	first, _, ok := strings.Cut(spec, "-")
	if !ok {
		return 0, fmt.Errorf("bad Content-Range %q", v)
	}
	start, err := strconv.ParseInt(strings.TrimSpace(first), 10, 64)
	if err != nil || start < 0 {
		return 0, fmt.Errorf("bad Content-Range %q", v)
	}
	return start, nil
}
