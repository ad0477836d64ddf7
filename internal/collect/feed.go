package collect

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mmcdole/gofeed"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultMaxPerFeed  = 50
	defaultConcurrency = 4
)

// FeedEntry is a single item from a feed. Published is the raw,
// unnormalized timestamp string as the source provided it.
type FeedEntry struct {
	Title       string
	Description string
	Link        string
	Published   string
	Author      string
}

// FeedResult holds the entries fetched from one source in a polling cycle.
type FeedResult struct {
	URL     string
	Name    string
	Entries []FeedEntry
	Err     error
}

// FeedConfig represents a single feed configuration.
type FeedConfig struct {
	URL  string
	Name string
}

// FeedParser fetches and parses RSS/Atom feeds.
type FeedParser struct {
	mu    sync.RWMutex
	feeds []FeedConfig

	client      *http.Client
	maxPerFeed  int
	concurrency int
	log         zerolog.Logger
}

// NewFeedParser creates a new FeedParser.
func NewFeedParser(feeds []FeedConfig, timeout time.Duration, log zerolog.Logger) *FeedParser {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &FeedParser{
		feeds:       feeds,
		client:      &http.Client{Timeout: timeout},
		maxPerFeed:  defaultMaxPerFeed,
		concurrency: defaultConcurrency,
		log:         log,
	}
}

// SetFeeds replaces the feed list. Safe to call while a fetch is running.
func (fp *FeedParser) SetFeeds(feeds []FeedConfig) {
	fp.mu.Lock()
	fp.feeds = append([]FeedConfig(nil), feeds...)
	fp.mu.Unlock()
}

// Feeds returns a copy of the configured feeds.
func (fp *FeedParser) Feeds() []FeedConfig {
	fp.mu.RLock()
	defer fp.mu.RUnlock()
	return append([]FeedConfig(nil), fp.feeds...)
}

// Fetch parses all configured feeds concurrently. A failing feed is reported
// in its FeedResult.Err and never aborts the others.
func (fp *FeedParser) Fetch(ctx context.Context) ([]FeedResult, error) {
	feeds := fp.Feeds()
	results := make([]FeedResult, len(feeds))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(fp.concurrency)
	for i, fc := range feeds {
		g.Go(func() error {
			name := fc.Name
			if name == "" {
				name = extractSourceName(fc.URL)
			}
			entries, err := fp.parseFeed(gctx, fc.URL)
			if err != nil {
				fp.log.Warn().Err(err).Str("feed", fc.URL).Msg("failed to parse feed")
			} else {
				fp.log.Debug().Str("feed", name).Int("entries", len(entries)).Msg("parsed feed")
			}
			results[i] = FeedResult{URL: fc.URL, Name: name, Entries: entries, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return results, nil
}

func (fp *FeedParser) parseFeed(ctx context.Context, feedURL string) ([]FeedEntry, error) {
	parser := gofeed.NewParser()
	parser.Client = fp.client
	parser.UserAgent = "newsdigest/1.0 (news aggregator)"

	feed, err := parser.ParseURLWithContext(feedURL, ctx)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", feedURL, err)
	}

	var entries []FeedEntry
	for _, item := range feed.Items {
		if len(entries) >= fp.maxPerFeed {
			break
		}
		if entry, ok := parseItem(item); ok {
			entries = append(entries, entry)
		}
	}
	return entries, nil
}

func parseItem(item *gofeed.Item) (FeedEntry, bool) {
	title := strings.TrimSpace(item.Title)
	if title == "" {
		return FeedEntry{}, false
	}

	link := item.Link
	if link == "" {
		link = item.GUID
	}

	published := item.Published
	if published == "" {
		published = item.Updated
	}

	var description string
	if item.Description != "" {
		description = stripHTML(item.Description)
	} else if item.Content != "" {
		description = stripHTML(item.Content)
	}

	var author string
	if item.Author != nil {
		author = item.Author.Name
	} else if len(item.Authors) > 0 && item.Authors[0] != nil {
		author = item.Authors[0].Name
	}

	return FeedEntry{
		Title:       title,
		Description: description,
		Link:        link,
		Published:   strings.TrimSpace(published),
		Author:      strings.TrimSpace(author),
	}, true
}

func stripHTML(text string) string {
	var result strings.Builder
	inTag := false
	for _, r := range text {
		if r == '<' {
			inTag = true
			result.WriteRune(' ')
			continue
		}
		if r == '>' {
			inTag = false
			continue
		}
		if !inTag {
			result.WriteRune(r)
		}
	}

	s := result.String()
	s = strings.ReplaceAll(s, "&nbsp;", " ")
	s = strings.ReplaceAll(s, "&amp;", "&")
	s = strings.ReplaceAll(s, "&lt;", "<")
	s = strings.ReplaceAll(s, "&gt;", ">")
	s = strings.ReplaceAll(s, "&quot;", `"`)
	s = strings.ReplaceAll(s, "&#39;", "'")

	return strings.Join(strings.Fields(s), " ")
}

func extractSourceName(feedURL string) string {
	u, err := url.Parse(feedURL)
	if err != nil || u.Hostname() == "" {
		return feedURL
	}
	host := strings.ToLower(u.Hostname())

	for _, prefix := range []string{"www.", "blog.", "blogs.", "rss.", "feeds."} {
		host = strings.TrimPrefix(host, prefix)
	}

	parts := strings.Split(host, ".")
	if len(parts) >= 2 {
		name := parts[len(parts)-2]
		return strings.ToUpper(name[:1]) + name[1:]
	}
	return strings.ToUpper(host[:1]) + host[1:]
}
