// Package imaging provides the download and filter capabilities: an HTTP
// fetcher whose failures carry retry classes, an HTML page resolver built on
// goquery, and a lighting color filter.
package imaging

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// FetchRequest names what to download. With a Selector, URL is an HTML page
// and the image is the first element the selector matches.
type FetchRequest struct {
	URL      string
	Selector string
}

// Image is a downloaded image body.
type Image struct {
	Data        []byte
	ContentType string
	SourceURL   string
}

// Fetcher downloads images over HTTP.
type Fetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewFetcher creates a Fetcher from configuration.
func NewFetcher(cfg Config) (*Fetcher, error) {
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return NewFetcherWithClient(client, cfg.MaxBytes), nil
}

// NewFetcherWithClient wraps an existing client.
func NewFetcherWithClient(client *http.Client, maxBytes int64) *Fetcher {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	return &Fetcher{client: client, maxBytes: maxBytes}
}

// Fetch downloads the image for req.
func (f *Fetcher) Fetch(ctx context.Context, req FetchRequest) (Image, error) {
	target := strings.TrimSpace(req.URL)
	if target == "" {
		return Image{}, fmt.Errorf("%w: url", ErrMissingInput)
	}

	if req.Selector != "" {
		page, _, err := f.get(ctx, target)
		if err != nil {
			return Image{}, err
		}
		target, err = resolveImage(page, target, req.Selector)
		if err != nil {
			return Image{}, err
		}
	}

	data, contentType, err := f.get(ctx, target)
	if err != nil {
		return Image{}, err
	}
	return Image{Data: data, ContentType: contentType, SourceURL: target}, nil
}

func (f *Fetcher) get(ctx context.Context, u string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, "", fmt.Errorf("%w: bad url %q: %v", ErrMissingInput, u, err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &NetworkError{URL: u, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, "", &StatusError{URL: u, StatusCode: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		if ctx.Err() != nil {
			return nil, "", ctx.Err()
		}
		return nil, "", &NetworkError{URL: u, Err: err}
	}
	if int64(len(body)) > f.maxBytes {
		return nil, "", fmt.Errorf("%w: %s is over %d bytes", ErrTooLarge, u, f.maxBytes)
	}
	if len(body) == 0 {
		return nil, "", fmt.Errorf("%w: %s", ErrEmptyBody, u)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

// imageAttrs are checked in order on the matched element.
var imageAttrs = []string{"src", "content", "href", "data-src"}

// resolveImage finds the first selector match in page and returns its image
// reference resolved against pageURL.
func resolveImage(page []byte, pageURL, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(page))
	if err != nil {
		return "", fmt.Errorf("%w: parse %s: %v", ErrNoMatch, pageURL, err)
	}

	sel := doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", fmt.Errorf("%w: %q on %s", ErrNoMatch, selector, pageURL)
	}

	for _, attr := range imageAttrs {
		if ref, ok := sel.Attr(attr); ok && strings.TrimSpace(ref) != "" {
			return resolveURL(pageURL, ref)
		}
	}
	return "", fmt.Errorf("%w: %q has no %s", ErrNoMatch, selector, strings.Join(imageAttrs, "/"))
}

func resolveURL(base, ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	bu, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("%w: bad page url %q", ErrMissingInput, base)
	}
	ru, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("%w: bad image reference %q", ErrNoMatch, ref)
	}
	return bu.ResolveReference(ru).String(), nil
}
