// Package listing extracts directory entries from HTML index pages such
// as those generated by Apache mod_autoindex, nginx autoindex or
// python -m http.server.
package listing

import (
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Link is one candidate entry found in a listing page.
type Link struct {
	Name  string // unescaped last path segment, without trailing slash
	URL   string // absolute URL
	IsDir bool
}

// Parse reads an index page served at base and returns its entries in
// document order. Links that do not point at a direct child of base are
// ignored: sort controls, fragments, parent links, links to other hosts
// and deeper or shallower paths.
//
// Parse does not deduplicate; the first occurrence of a name wins later
// when entries are added to a table.
func Parse(base *url.URL, r io.Reader) ([]Link, error) {
	dirURL := *base
	if !strings.HasSuffix(dirURL.Path, "/") {
		dirURL.Path += "/"
		dirURL.RawPath = ""
	}
	dirURL.RawQuery = ""
	dirURL.Fragment = ""

	var links []Link
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return nil, fmt.Errorf("parse listing %s: %w", base, err)
			}
			return links, nil

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			if atom.Lookup(name) != atom.A || !hasAttr {
				continue
			}
			href, ok := hrefAttr(z)
			if !ok {
				continue
			}
			if link, ok := resolve(&dirURL, href); ok {
				links = append(links, link)
			}
		}
	}
}

func hrefAttr(z *html.Tokenizer) (string, bool) {
	for {
		key, val, more := z.TagAttr()
		if string(key) == "href" {
			return strings.TrimSpace(string(val)), true
		}
		if !more {
			return "", false
		}
	}
}

// resolve turns href into a Link when it names a direct child of dir.
func resolve(dir *url.URL, href string) (Link, bool) {
	if href == "" || strings.HasPrefix(href, "?") || strings.HasPrefix(href, "#") {
		return Link{}, false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return Link{}, false
	}
	abs := dir.ResolveReference(ref)
	if abs.Scheme != dir.Scheme || abs.Host != dir.Host {
		return Link{}, false
	}
	if abs.RawQuery != "" {
		return Link{}, false
	}
	abs.Fragment = ""

	p := abs.Path
	if !strings.HasPrefix(p, dir.Path) {
		return Link{}, false
	}
	rel := strings.TrimPrefix(p, dir.Path)
	isDir := strings.HasSuffix(rel, "/")
	rel = strings.TrimSuffix(rel, "/")

	// Direct children only.
	if rel == "" || rel == "." || rel == ".." || strings.Contains(rel, "/") {
		return Link{}, false
	}

	name := path.Clean(rel)
	if name != rel {
		return Link{}, false
	}

	return Link{Name: name, URL: abs.String(), IsDir: isDir}, true
}
