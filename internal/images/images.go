// Package images fetches the numbered pages of an image through an
// authenticated client.
package images

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"git.sr.ht/~jakintosh/session/pkg/client"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultConcurrency = 4
	maxPageSize        = 32 << 20
)

type Page struct {
	Number      int
	ContentType string
	Data        []byte
}

// Fetcher downloads pages from {base}/api/v1/image/{id}/{n}.
type Fetcher struct {
	httpClient  *http.Client
	base        *url.URL
	concurrency int
	log         zerolog.Logger
}

func NewFetcher(
	httpClient *http.Client,
	baseURL string,
	concurrency int,
	log zerolog.Logger,
) (
	*Fetcher,
	error,
) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}
	return &Fetcher{
		httpClient:  httpClient,
		base:        base,
		concurrency: concurrency,
		log:         log.With().Str("component", "images").Logger(),
	}, nil
}

// FetchAll fetches pages 1..last of image id and returns them in page order.
// The first failing page cancels the rest.
func (f *Fetcher) FetchAll(
	ctx context.Context,
	id string,
	last int,
) (
	[]Page,
	error,
) {
	if last < 1 {
		return nil, nil
	}

	pages := make([]Page, last)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)
	for n := 1; n <= last; n++ {
		g.Go(func() error {
			page, err := f.fetch(ctx, id, n)
			if err != nil {
				return err
			}
			pages[n-1] = page
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return pages, nil
}

func (f *Fetcher) fetch(
	ctx context.Context,
	id string,
	n int,
) (
	Page,
	error,
) {
	ref := &url.URL{Path: fmt.Sprintf("/api/v1/image/%s/%d", url.PathEscape(id), n)}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.base.ResolveReference(ref).String(), nil)
	if err != nil {
		return Page{}, err
	}

	res, err := f.httpClient.Do(req)
	if err != nil {
		return Page{}, fmt.Errorf("page %d: %w", n, err)
	}
	defer res.Body.Close()

	if err := client.CheckResponse(fmt.Sprintf("image %s page %d", id, n), res); err != nil {
		return Page{}, err
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, maxPageSize))
	if err != nil {
		return Page{}, fmt.Errorf("page %d: %w", n, err)
	}

	f.log.Debug().Str("id", id).Int("page", n).Int("bytes", len(data)).Msg("fetched page")
	return Page{
		Number:      n,
		ContentType: res.Header.Get("Content-Type"),
		Data:        data,
	}, nil
}
