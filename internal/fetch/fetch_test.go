package fetch

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"

	"github.com/TobiSchelling/newsdigest/internal/collect"
)

var articleHTML = `<html><head><title>Story</title></head><body>
<article><h1>Story</h1><p>` + strings.Repeat("The quick brown fox jumps over the lazy dog. ", 20) + `</p>
<p>` + strings.Repeat("Another paragraph with enough words to be extracted. ", 10) + `</p></article>
</body></html>`

func TestEnrichFillsMissingDescriptions(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, articleHTML)
	}))
	defer srv.Close()

	results := []collect.FeedResult{{
		URL: "https://feed.example/rss",
		Entries: []collect.FeedEntry{
			{Title: "Has text", Description: "already here", Link: srv.URL + "/a"},
			{Title: "Needs text", Link: srv.URL + "/b"},
			{Title: "No link"},
		},
	}}

	f := NewContentFetcher(5*time.Second, 10, zerolog.Nop())
	f.Enrich(context.Background(), results)

	entries := results[0].Entries
	assert.Equal(t, "already here", entries[0].Description)
	assert.Contains(t, entries[1].Description, "quick brown fox")
	assert.LessOrEqual(t, len(entries[1].Description), maxDescription+3)
	assert.Empty(t, entries[2].Description)
}

func TestEnrichSkipsFailedDomain(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	results := []collect.FeedResult{{Entries: []collect.FeedEntry{
		{Title: "A", Link: srv.URL + "/a"},
		{Title: "B", Link: srv.URL + "/b"},
		{Title: "C", Link: srv.URL + "/c"},
	}}}

	NewContentFetcher(time.Second, 10, zerolog.Nop()).Enrich(context.Background(), results)
	assert.Equal(t, int32(1), hits.Load())
	for _, e := range results[0].Entries {
		assert.Empty(t, e.Description)
	}
}

func TestEnrichRespectsLimit(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "<html><body>short</body></html>")
	}))
	defer srv.Close()

	var entries []collect.FeedEntry
	for i := range 5 {
		entries = append(entries, collect.FeedEntry{Title: fmt.Sprint(i), Link: fmt.Sprintf("%s/%d", srv.URL, i)})
	}
	results := []collect.FeedResult{{Entries: entries}}

	NewContentFetcher(time.Second, 2, zerolog.Nop()).Enrich(context.Background(), results)
	assert.Equal(t, int32(2), hits.Load())
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "hello...", truncate("hello world", 8))
}
