// Package pipeline produces one digest for one prompt and cadence:
// fetch, filter, compose, generate, persist.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
	"github.com/TobiSchelling/newsdigest/internal/collect"
	"github.com/TobiSchelling/newsdigest/internal/compose"
	"github.com/TobiSchelling/newsdigest/internal/database"
	"github.com/TobiSchelling/newsdigest/internal/window"
)

const titleLayout = "2006-01-02 15:04 MST"

// Store is the persistence the pipeline needs.
type Store interface {
	GetPrompt(ctx context.Context, id int64) (*database.Prompt, error)
	GetUser(ctx context.Context, id int64) (*database.User, error)
	DigestExists(ctx context.Context, promptID int64, c cadence.Cadence, windowStart time.Time) (bool, error)
	SaveDigest(ctx context.Context, d *database.Digest) (int64, error)
}

// Generator produces text under the shared budget.
type Generator interface {
	Generate(ctx context.Context, system, user string, estimatedTokens int) (string, error)
	MaxTokens() int
}

// Publisher receives stored digests, e.g. for archiving.
type Publisher interface {
	Publish(ctx context.Context, d *database.Digest) error
}

// Request identifies one run. A zero Slot means now, truncated to the
// minute. Nil Feeds are fetched from the pipeline's source.
type Request struct {
	PromptID int64
	Cadence  cadence.Cadence
	Slot     time.Time
	Feeds    []collect.FeedResult
}

// Pipeline orchestrates digest generation.
type Pipeline struct {
	store        Store
	source       collect.Source
	gen          Generator
	publisher    Publisher
	fetchTimeout time.Duration
	now          func() time.Time
	log          zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithPublisher sets a best-effort publisher for stored digests.
func WithPublisher(pub Publisher) Option {
	return func(p *Pipeline) { p.publisher = pub }
}

// WithFetchTimeout bounds feed fetching when the request carries no feeds.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Pipeline) { p.fetchTimeout = d }
}

// New creates a new pipeline.
func New(store Store, source collect.Source, gen Generator, log zerolog.Logger, opts ...Option) *Pipeline {
	p := &Pipeline{
		store:        store,
		source:       source,
		gen:          gen,
		fetchTimeout: 30 * time.Second,
		now:          time.Now,
		log:          log,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Plan is the prepared input of a run, before generation.
type Plan struct {
	Prompt       *database.Prompt
	User         *database.User
	Location     *time.Location
	Now          time.Time
	Slot         time.Time
	Items        []window.Item
	Instructions compose.Instructions
}

// Run generates and stores a digest. It returns (nil, nil) when there is
// nothing to do: unknown prompt or owner, a digest for the slot already
// exists, or no entries fall inside the cadence window.
func (p *Pipeline) Run(ctx context.Context, req Request) (*database.Digest, error) {
	plan, err := p.Prepare(ctx, req)
	if err != nil || plan == nil {
		return nil, err
	}
	log := p.log.With().Int64("prompt_id", plan.Prompt.ID).Str("cadence", string(req.Cadence)).Logger()

	est := compose.EstimateTokens(plan.Instructions, p.gen.MaxTokens())
	body, err := p.gen.Generate(ctx, plan.Instructions.System, plan.Instructions.User, est)
	if err != nil {
		return nil, fmt.Errorf("generating digest for prompt %d: %w", plan.Prompt.ID, err)
	}

	d := &database.Digest{
		PromptID:    plan.Prompt.ID,
		Cadence:     req.Cadence,
		Title:       Title(req.Cadence, plan.Now, plan.Location),
		Body:        body,
		WindowStart: plan.Slot,
		Sources:     sources(plan.Items),
	}
	if _, err := p.store.SaveDigest(ctx, d); err != nil {
		if errors.Is(err, database.ErrDuplicateDigest) {
			log.Info().Msg("digest already stored by a concurrent run")
			return nil, nil
		}
		return nil, fmt.Errorf("saving digest: %w", err)
	}
	d.PromptName = plan.Prompt.Name
	d.Username = plan.User.Username
	d.Visibility = plan.Prompt.Visibility
	log.Info().Int64("digest_id", d.ID).Int("sources", len(d.Sources)).Msg("digest generated")

	if p.publisher != nil {
		if err := p.publisher.Publish(ctx, d); err != nil {
			log.Warn().Err(err).Int64("digest_id", d.ID).Msg("publishing digest failed")
		}
	}
	return d, nil
}

// Prepare runs every step up to generation. A nil plan means nothing to do.
func (p *Pipeline) Prepare(ctx context.Context, req Request) (*Plan, error) {
	if !req.Cadence.Valid() {
		return nil, fmt.Errorf("unknown cadence %q", req.Cadence)
	}
	log := p.log.With().Int64("prompt_id", req.PromptID).Str("cadence", string(req.Cadence)).Logger()

	prompt, err := p.store.GetPrompt(ctx, req.PromptID)
	if err != nil {
		return nil, fmt.Errorf("loading prompt %d: %w", req.PromptID, err)
	}
	if prompt == nil {
		log.Warn().Msg("prompt not found")
		return nil, nil
	}
	user, err := p.store.GetUser(ctx, prompt.UserID)
	if err != nil {
		return nil, fmt.Errorf("loading user %d: %w", prompt.UserID, err)
	}
	if user == nil {
		log.Warn().Int64("user_id", prompt.UserID).Msg("prompt owner not found")
		return nil, nil
	}
	loc, err := user.Location()
	if err != nil {
		log.Warn().Err(err).Str("timezone", user.Timezone).Msg("invalid timezone, using UTC")
		loc = time.UTC
	}

	now := p.now()
	slot := req.Slot
	if slot.IsZero() {
		slot = now.Truncate(time.Minute)
	}
	slot = slot.UTC()

	exists, err := p.store.DigestExists(ctx, prompt.ID, req.Cadence, slot)
	if err != nil {
		return nil, err
	}
	if exists {
		log.Info().Time("slot", slot).Msg("digest already exists for slot")
		return nil, nil
	}

	feeds := req.Feeds
	if feeds == nil {
		feeds, err = p.fetch(ctx)
		if err != nil {
			return nil, err
		}
	}

	items := window.Filter(feeds, req.Cadence, loc, now)
	if len(items) == 0 {
		log.Info().Msg("no new content in window")
		return nil, nil
	}

	instructions := compose.Compose(compose.Input{
		Prompt:         prompt.Content,
		TemplateType:   compose.TemplateType(prompt.TemplateType),
		CustomTemplate: prompt.CustomTemplate,
		Cadence:        req.Cadence,
		Location:       loc,
		Now:            now,
		Content:        window.Render(items),
	})
	if instructions.TemplateErr != nil {
		log.Warn().Err(instructions.TemplateErr).Msg("custom template rejected, using built-in")
	}

	return &Plan{
		Prompt:       prompt,
		User:         user,
		Location:     loc,
		Now:          now,
		Slot:         slot,
		Items:        items,
		Instructions: instructions,
	}, nil
}

func (p *Pipeline) fetch(ctx context.Context) ([]collect.FeedResult, error) {
	if p.source == nil {
		return nil, collect.ErrNoFeeds
	}
	ctx, cancel := context.WithTimeout(ctx, p.fetchTimeout)
	defer cancel()
	feeds, err := p.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetching feeds: %w", err)
	}
	return feeds, nil
}

// Title formats a digest title in the user's zone.
func Title(c cadence.Cadence, now time.Time, loc *time.Location) string {
	return fmt.Sprintf("%s Update - %s", c.Label(), now.In(loc).Format(titleLayout))
}

func sources(items []window.Item) []database.DigestSource {
	out := make([]database.DigestSource, 0, len(items))
	for _, it := range items {
		out = append(out, database.DigestSource{
			Title:     it.Title,
			Link:      it.Link,
			FeedURL:   it.Source,
			Published: it.Published,
		})
	}
	return out
}
