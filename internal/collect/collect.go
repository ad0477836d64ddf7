// Package collect produces the per-cycle feed batches the digest pipeline
// filters and summarizes.
package collect

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

// Source produces one batch of feed results per call.
type Source interface {
	Fetch(ctx context.Context) ([]FeedResult, error)
}

// Enricher fills in missing entry content after a fetch.
type Enricher interface {
	Enrich(ctx context.Context, results []FeedResult)
}

// ErrNoFeeds is returned when every configured source failed.
var ErrNoFeeds = errors.New("no feed produced any entries")

// Collector combines RSS/Atom feeds and NewsAPI into a single batch.
type Collector struct {
	feeds    *FeedParser
	news     *NewsAPIClient
	enricher Enricher
	log      zerolog.Logger
}

// NewCollector creates a collector. Any of the parts may be nil.
func NewCollector(feeds *FeedParser, news *NewsAPIClient, enricher Enricher, log zerolog.Logger) *Collector {
	return &Collector{feeds: feeds, news: news, enricher: enricher, log: log}
}

// Fetch collects from every configured source.
func (c *Collector) Fetch(ctx context.Context) ([]FeedResult, error) {
	var results []FeedResult

	if c.feeds != nil {
		fr, err := c.feeds.Fetch(ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, fr...)
	}

	if c.news != nil && c.news.IsConfigured() {
		entries, err := c.news.Search(ctx)
		if err != nil {
			c.log.Warn().Err(err).Msg("NewsAPI search failed")
		}
		results = append(results, FeedResult{URL: c.news.Source(), Name: "NewsAPI", Entries: entries, Err: err})
	}

	if c.enricher != nil {
		c.enricher.Enrich(ctx, results)
	}

	var total, failed int
	for _, r := range results {
		total += len(r.Entries)
		if r.Err != nil {
			failed++
		}
	}
	c.log.Info().Int("sources", len(results)).Int("failed", failed).Int("entries", total).Msg("collection complete")

	if len(results) > 0 && failed == len(results) {
		return results, ErrNoFeeds
	}
	return results, nil
}

// CachedSource shares one fetch between concurrent callers and reuses the
// batch for ttl, so tasks firing in the same cycle fetch feeds once.
type CachedSource struct {
	src Source
	ttl time.Duration
	now func() time.Time

	group singleflight.Group

	mu        sync.Mutex
	results   []FeedResult
	fetchedAt time.Time
}

// NewCachedSource wraps src with a batch cache.
func NewCachedSource(src Source, ttl time.Duration) *CachedSource {
	return &CachedSource{src: src, ttl: ttl, now: time.Now}
}

// Fetch returns the cached batch when fresh, otherwise fetches once for all
// waiting callers.
func (c *CachedSource) Fetch(ctx context.Context) ([]FeedResult, error) {
	if results, ok := c.fresh(); ok {
		return results, nil
	}

	ch := c.group.DoChan("feeds", func() (any, error) {
		if results, ok := c.fresh(); ok {
			return results, nil
		}
		results, err := c.src.Fetch(context.WithoutCancel(ctx))
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.results = results
		c.fetchedAt = c.now()
		c.mu.Unlock()
		return results, nil
	})

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]FeedResult), nil
	}
}

func (c *CachedSource) fresh() ([]FeedResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.results != nil && c.now().Sub(c.fetchedAt) < c.ttl {
		return c.results, true
	}
	return nil, false
}

// Invalidate drops the cached batch.
func (c *CachedSource) Invalidate() {
	c.mu.Lock()
	c.results = nil
	c.mu.Unlock()
}
