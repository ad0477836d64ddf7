// Package fetch fills in missing feed entry descriptions by extracting the
// linked article text.
package fetch

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/newsdigest/internal/collect"
)

const (
	maxBodyBytes   = 2 << 20
	minTextLength  = 100
	maxDescription = 1500
)

// ContentFetcher fetches full article text via HTTP + readability extraction.
type ContentFetcher struct {
	client    *http.Client
	maxPerRun int
	log       zerolog.Logger
}

// NewContentFetcher creates a new content fetcher. maxPerRun bounds how many
// articles are fetched in one cycle.
func NewContentFetcher(timeout time.Duration, maxPerRun int, log zerolog.Logger) *ContentFetcher {
	if timeout == 0 {
		timeout = 15 * time.Second
	}
	if maxPerRun <= 0 {
		maxPerRun = 20
	}
	return &ContentFetcher{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
		maxPerRun: maxPerRun,
		log:       log,
	}
}

// Enrich fetches article text for entries that have a link but no
// description. A domain that returns an HTTP error is skipped for the rest of
// the run.
func (f *ContentFetcher) Enrich(ctx context.Context, results []collect.FeedResult) {
	failedDomains := make(map[string]struct{})
	var fetched, failed int

	for i := range results {
		for j := range results[i].Entries {
			entry := &results[i].Entries[j]
			if entry.Description != "" || entry.Link == "" {
				continue
			}
			if fetched+failed >= f.maxPerRun || ctx.Err() != nil {
				f.log.Debug().Int("fetched", fetched).Int("failed", failed).Msg("content fetch stopped early")
				return
			}

			domain := ""
			if u, err := url.Parse(entry.Link); err == nil {
				domain = strings.ToLower(u.Host)
			}
			if _, skip := failedDomains[domain]; skip {
				failed++
				continue
			}

			content, err := f.fetchArticleContent(ctx, entry.Link)
			if err != nil {
				failed++
				if domain != "" {
					failedDomains[domain] = struct{}{}
				}
				f.log.Debug().Err(err).Str("url", entry.Link).Str("domain", domain).Msg("HTTP error, skipping domain")
				continue
			}
			if content == "" {
				failed++
				continue
			}
			entry.Description = truncate(content, maxDescription)
			fetched++
		}
	}

	if fetched+failed > 0 {
		f.log.Info().Int("fetched", fetched).Int("failed", failed).Msg("content fetch complete")
	}
}

func (f *ContentFetcher) fetchArticleContent(ctx context.Context, articleURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, articleURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "newsdigest/1.0 (news aggregator)")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", nil // connection error, not HTTP error
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", &httpError{code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", nil
	}

	parsedURL, _ := url.Parse(articleURL)
	article, err := readability.FromReader(strings.NewReader(string(body)), parsedURL)
	if err != nil {
		return "", nil
	}

	text := strings.Join(strings.Fields(article.TextContent), " ")
	if len(text) > minTextLength {
		return text, nil
	}
	return "", nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := strings.LastIndex(s[:n], " ")
	if cut <= 0 {
		cut = n
	}
	return s[:cut] + "..."
}

type httpError struct {
	code int
}

func (e *httpError) Error() string {
	return http.StatusText(e.code)
}
