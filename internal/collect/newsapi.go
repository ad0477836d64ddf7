package collect

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const newsAPIBaseURL = "https://newsapi.org/v2/everything"

// NewsAPIClient fetches articles from NewsAPI and presents them as one feed.
type NewsAPIClient struct {
	apiKey   string
	query    string
	pageSize int
	baseURL  string
	client   *http.Client
	log      zerolog.Logger
}

// NewNewsAPIClient creates a new NewsAPI client reading its key from apiKeyEnv.
func NewNewsAPIClient(apiKeyEnv, query string, timeout time.Duration, log zerolog.Logger) *NewsAPIClient {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &NewsAPIClient{
		apiKey:   os.Getenv(apiKeyEnv),
		query:    query,
		pageSize: 100,
		baseURL:  newsAPIBaseURL,
		client:   &http.Client{Timeout: timeout},
		log:      log,
	}
}

// IsConfigured returns whether the API key is available.
func (c *NewsAPIClient) IsConfigured() bool {
	return c.apiKey != ""
}

// Source identifies the NewsAPI results inside a FeedResult list.
func (c *NewsAPIClient) Source() string {
	return "newsapi:" + c.query
}

// Search fetches articles published in the last day matching the query.
func (c *NewsAPIClient) Search(ctx context.Context) ([]FeedEntry, error) {
	if c.apiKey == "" {
		return nil, fmt.Errorf("NewsAPI key not configured")
	}

	params := url.Values{
		"q":        {c.query},
		"from":     {time.Now().UTC().Add(-24 * time.Hour).Format(time.RFC3339)},
		"language": {"en"},
		"pageSize": {strconv.Itoa(c.pageSize)},
		"sortBy":   {"publishedAt"},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("NewsAPI error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("NewsAPI returned %d", resp.StatusCode)
	}

	var result struct {
		Status   string `json:"status"`
		Articles []struct {
			URL         string `json:"url"`
			Title       string `json:"title"`
			PublishedAt string `json:"publishedAt"`
			Description string `json:"description"`
			Content     string `json:"content"`
			Author      string `json:"author"`
			Source      struct {
				Name string `json:"name"`
			} `json:"source"`
		} `json:"articles"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding NewsAPI response: %w", err)
	}
	if result.Status != "ok" {
		return nil, fmt.Errorf("NewsAPI status: %s", result.Status)
	}

	var entries []FeedEntry
	for _, a := range result.Articles {
		if a.URL == "" || a.Title == "" {
			continue
		}
		if a.Title == "[Removed]" || a.URL == "https://removed.com" {
			continue
		}

		description := strings.TrimSpace(a.Description)
		if description == "" {
			description = strings.TrimSpace(a.Content)
		}
		author := strings.TrimSpace(a.Author)
		if author == "" {
			author = a.Source.Name
		}

		entries = append(entries, FeedEntry{
			Title:       strings.TrimSpace(a.Title),
			Description: description,
			Link:        a.URL,
			Published:   a.PublishedAt,
			Author:      author,
		})
	}

	c.log.Debug().Int("articles", len(entries)).Str("query", c.query).Msg("fetched NewsAPI articles")
	return entries, nil
}
