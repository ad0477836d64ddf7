package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
	"github.com/TobiSchelling/newsdigest/internal/collect"
	"github.com/TobiSchelling/newsdigest/internal/database"
	"github.com/TobiSchelling/newsdigest/internal/llm"
)

var now = time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC)

type fakeGenerator struct {
	calls  atomic.Int32
	system string
	user   string
	est    int
	err    error
}

func (g *fakeGenerator) Generate(_ context.Context, system, user string, est int) (string, error) {
	g.calls.Add(1)
	g.system, g.user, g.est = system, user, est
	if g.err != nil {
		return "", g.err
	}
	return "## Digest\nThings happened.", nil
}

func (g *fakeGenerator) MaxTokens() int { return 1000 }

type staticSource struct {
	feeds []collect.FeedResult
	err   error
	calls int
}

func (s *staticSource) Fetch(context.Context) ([]collect.FeedResult, error) {
	s.calls++
	return s.feeds, s.err
}

type recordingPublisher struct {
	got []*database.Digest
	err error
}

func (r *recordingPublisher) Publish(_ context.Context, d *database.Digest) error {
	r.got = append(r.got, d)
	return r.err
}

func testFeeds() []collect.FeedResult {
	return []collect.FeedResult{{
		URL: "https://feed.example/rss",
		Entries: []collect.FeedEntry{
			{Title: "Fresh", Description: "new", Link: "https://feed.example/1", Published: "2024-03-14T11:30:00Z"},
			{Title: "Stale", Description: "old", Published: "2024-03-13T09:00:00Z"},
		},
	}}
}

type fixture struct {
	db     *database.DB
	prompt *database.Prompt
	gen    *fakeGenerator
	source *staticSource
	pub    *recordingPublisher
	p      *Pipeline
}

func newFixture(t *testing.T, customTemplate string) *fixture {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(filepath.Join(t.TempDir(), "test.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	uid, err := db.CreateUser(ctx, &database.User{Username: "alice", Timezone: "Europe/Berlin", DailyHour1: 6, DailyHour2: 18, IsActive: true})
	require.NoError(t, err)
	prompt := &database.Prompt{UserID: uid, Name: "AI", Content: "Summarize AI news", TemplateType: "summary",
		CustomTemplate: customTemplate, Visibility: database.VisibilityPublic}
	prompt.ID, err = db.CreatePrompt(ctx, prompt)
	require.NoError(t, err)

	f := &fixture{
		db:     db,
		prompt: prompt,
		gen:    &fakeGenerator{},
		source: &staticSource{feeds: testFeeds()},
		pub:    &recordingPublisher{},
	}
	f.p = New(db, f.source, f.gen, zerolog.Nop(), WithPublisher(f.pub))
	f.p.now = func() time.Time { return now }
	return f
}

func TestRunStoresDigest(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()

	d, err := f.p.Run(ctx, Request{PromptID: f.prompt.ID, Cadence: cadence.Hourly, Slot: now, Feeds: testFeeds()})
	require.NoError(t, err)
	require.NotNil(t, d)

	assert.Equal(t, "Hourly Update - 2024-03-14 13:00 CET", d.Title)
	assert.Equal(t, "## Digest\nThings happened.", d.Body)
	require.Len(t, d.Sources, 1)
	assert.Equal(t, "Fresh", d.Sources[0].Title)
	assert.Zero(t, f.source.calls, "supplied feeds must not be refetched")

	assert.Contains(t, f.gen.system, "the last hour")
	assert.Contains(t, f.gen.user, "Prompt: Summarize AI news")
	assert.Contains(t, f.gen.user, "Title: Fresh")
	assert.NotContains(t, f.gen.user, "Stale")
	assert.Greater(t, f.gen.est, 1000)

	stored, err := f.db.GetDigest(ctx, d.ID)
	require.NoError(t, err)
	assert.True(t, stored.WindowStart.Equal(now))
	assert.Len(t, stored.Sources, 1)

	require.Len(t, f.pub.got, 1)
	assert.Equal(t, "alice", f.pub.got[0].Username)
}

func TestRunIsIdempotentPerSlot(t *testing.T) {
	f := newFixture(t, "")
	ctx := context.Background()
	req := Request{PromptID: f.prompt.ID, Cadence: cadence.Daily, Slot: now}

	first, err := f.p.Run(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := f.p.Run(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, second)
	assert.Equal(t, int32(1), f.gen.calls.Load())
	assert.Equal(t, 1, f.source.calls)

	other, err := f.p.Run(ctx, Request{PromptID: f.prompt.ID, Cadence: cadence.Daily, Slot: now.Add(12 * time.Hour)})
	require.NoError(t, err)
	assert.NotNil(t, other)
}

func TestRunNothingInWindow(t *testing.T) {
	f := newFixture(t, "")
	f.p.now = func() time.Time { return now.Add(48 * time.Hour) }

	d, err := f.p.Run(context.Background(), Request{PromptID: f.prompt.ID, Cadence: cadence.Daily})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, f.gen.calls.Load())
}

func TestRunMissingPrompt(t *testing.T) {
	f := newFixture(t, "")
	d, err := f.p.Run(context.Background(), Request{PromptID: 999, Cadence: cadence.Hourly})
	require.NoError(t, err)
	assert.Nil(t, d)
	assert.Zero(t, f.gen.calls.Load())
}

func TestRunUnknownCadence(t *testing.T) {
	f := newFixture(t, "")
	_, err := f.p.Run(context.Background(), Request{PromptID: f.prompt.ID, Cadence: "weekly"})
	assert.Error(t, err)
}

func TestRunGenerationFailureStoresNothing(t *testing.T) {
	f := newFixture(t, "")
	f.gen.err = &llm.GenerationError{Kind: llm.Transient, Attempts: 3, Err: errors.New("503")}

	d, err := f.p.Run(context.Background(), Request{PromptID: f.prompt.ID, Cadence: cadence.Hourly, Slot: now})
	assert.Nil(t, d)
	assert.True(t, llm.IsTransient(err))

	exists, err := f.db.DigestExists(context.Background(), f.prompt.ID, cadence.Hourly, now)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestRunFetchFailure(t *testing.T) {
	f := newFixture(t, "")
	f.source.err = collect.ErrNoFeeds

	_, err := f.p.Run(context.Background(), Request{PromptID: f.prompt.ID, Cadence: cadence.Hourly, Slot: now})
	assert.ErrorIs(t, err, collect.ErrNoFeeds)
	assert.Zero(t, f.gen.calls.Load())
}

func TestRunInvalidTemplateFallsBack(t *testing.T) {
	f := newFixture(t, "Summarize {prompt")

	d, err := f.p.Run(context.Background(), Request{PromptID: f.prompt.ID, Cadence: cadence.Hourly, Slot: now})
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Contains(t, f.gen.user, "Write a concise summary of the most important developments from the last hour")
	assert.NotContains(t, f.gen.user, "{prompt")
}

func TestRunPublisherErrorIsNotFatal(t *testing.T) {
	f := newFixture(t, "")
	f.pub.err = errors.New("bucket gone")

	d, err := f.p.Run(context.Background(), Request{PromptID: f.prompt.ID, Cadence: cadence.Hourly, Slot: now})
	require.NoError(t, err)
	assert.NotNil(t, d)
}

func TestPrepareDoesNotGenerate(t *testing.T) {
	f := newFixture(t, "")
	plan, err := f.p.Prepare(context.Background(), Request{PromptID: f.prompt.ID, Cadence: cadence.Hourly})
	require.NoError(t, err)
	require.NotNil(t, plan)
	assert.Len(t, plan.Items, 1)
	assert.Equal(t, now.Truncate(time.Minute), plan.Slot)
	assert.Zero(t, f.gen.calls.Load())
}

func TestTitle(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	assert.Equal(t, "Daily Update - 2024-03-14 08:00 EDT", Title(cadence.Daily, now, ny))
	assert.Equal(t, "30 Minutes Update - 2024-03-14 12:00 UTC", Title(cadence.ThirtyMinutes, now, time.UTC))
}
