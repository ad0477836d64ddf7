// Package window narrows a feed batch to the entries published inside a
// cadence's recency window and renders them as generation input.
package window

import (
	"strings"
	"time"

	"github.com/araddon/dateparse"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
	"github.com/TobiSchelling/newsdigest/internal/collect"
)

const publishedLayout = "2006-01-02 15:04 MST"

// Item is an entry that passed the window filter, with its publication time
// normalized to the target location.
type Item struct {
	Title       string
	Description string
	Link        string
	Source      string
	Author      string
	Published   time.Time
}

// Filter returns the entries published strictly after now - window, in feed
// order. Entries with a missing or unparseable timestamp are dropped.
func Filter(feeds []collect.FeedResult, c cadence.Cadence, loc *time.Location, now time.Time) []Item {
	if loc == nil {
		loc = time.UTC
	}
	localNow := now.In(loc)
	cutoff := localNow.Add(-c.Window())

	var items []Item
	for _, feed := range feeds {
		for _, entry := range feed.Entries {
			published, ok := ParsePublished(entry.Published)
			if !ok {
				continue
			}
			published = published.In(loc)
			if !published.After(cutoff) {
				continue
			}
			items = append(items, Item{
				Title:       entry.Title,
				Description: entry.Description,
				Link:        entry.Link,
				Source:      feed.URL,
				Author:      entry.Author,
				Published:   published,
			})
		}
	}
	return items
}

// ParsePublished parses a free-form feed timestamp. Values without an
// explicit offset are taken as UTC.
func ParsePublished(raw string) (time.Time, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := dateparse.ParseIn(raw, time.UTC)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// Render serializes items into blank-line separated text blocks.
func Render(items []Item) string {
	blocks := make([]string, 0, len(items))
	for _, it := range items {
		author := it.Author
		if author == "" {
			author = "Unknown"
		}
		var b strings.Builder
		b.WriteString("Title: " + it.Title + "\n")
		b.WriteString("Source: " + it.Source + "\n")
		b.WriteString("Published: " + it.Published.Format(publishedLayout) + "\n")
		b.WriteString("Description: " + it.Description + "\n")
		b.WriteString("Author: " + author + "\n")
		blocks = append(blocks, b.String())
	}
	return strings.Join(blocks, "\n\n")
}

// FilterText filters and renders in one step. An empty result means there
// is nothing to generate.
func FilterText(feeds []collect.FeedResult, c cadence.Cadence, loc *time.Location, now time.Time) string {
	return Render(Filter(feeds, c, loc, now))
}
