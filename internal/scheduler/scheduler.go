// Package scheduler runs one recurring task per active user and cadence,
// firing the digest pipeline for each of the user's prompts.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
	"github.com/TobiSchelling/newsdigest/internal/collect"
	"github.com/TobiSchelling/newsdigest/internal/database"
	"github.com/TobiSchelling/newsdigest/internal/llm"
	"github.com/TobiSchelling/newsdigest/internal/pipeline"
)

// Store is the persistence the scheduler reads.
type Store interface {
	ListActiveUsers(ctx context.Context) ([]database.User, error)
	GetUser(ctx context.Context, id int64) (*database.User, error)
	ListPromptsForUser(ctx context.Context, userID int64) ([]database.Prompt, error)
}

// Runner executes the pipeline for one prompt.
type Runner interface {
	Run(ctx context.Context, req pipeline.Request) (*database.Digest, error)
}

// Config controls which cadences run and how long each run may take.
type Config struct {
	Cadences     []cadence.Cadence
	Tolerance    time.Duration
	RunTimeout   time.Duration
	FetchTimeout time.Duration
}

type taskKey struct {
	userID  int64
	cadence cadence.Cadence
}

type task struct {
	key      taskKey
	username string
	timezone string
	trigger  *Trigger
	cancel   context.CancelFunc
	done     chan struct{}

	mu   sync.Mutex
	next time.Time
	last time.Time
}

func (t *task) slots() (next, last time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.next, t.last
}

func (t *task) setNext(next time.Time) {
	t.mu.Lock()
	t.next = next
	t.mu.Unlock()
}

func (t *task) setLast(last time.Time) {
	t.mu.Lock()
	t.last = last
	t.mu.Unlock()
}

// TaskInfo describes one scheduled task.
type TaskInfo struct {
	UserID   int64           `json:"user_id"`
	Username string          `json:"username"`
	Cadence  cadence.Cadence `json:"cadence"`
	Timezone string          `json:"timezone"`
	Spec     string          `json:"spec"`
	NextSlot time.Time       `json:"next_slot"`
	LastSlot time.Time       `json:"last_slot,omitempty"`
}

// Scheduler owns the task registry. At most one task exists per user and
// cadence; tasks are replaced by removing the old ones first.
type Scheduler struct {
	mu      sync.Mutex
	store   Store
	runner  Runner
	source  collect.Source
	cfg     Config
	log     zerolog.Logger
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	tasks   map[taskKey]*task

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	fire  func(ctx context.Context, t *task, slot time.Time)
}

// New creates a scheduler. source is fetched once per fired slot and shared
// by every prompt of that slot.
func New(store Store, runner Runner, source collect.Source, cfg Config, log zerolog.Logger) *Scheduler {
	if len(cfg.Cadences) == 0 {
		cfg.Cadences = []cadence.Cadence{cadence.Hourly, cadence.Daily}
	}
	if cfg.Tolerance <= 0 {
		cfg.Tolerance = 5 * time.Minute
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 5 * time.Minute
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = time.Minute
	}
	s := &Scheduler{
		store:  store,
		runner: runner,
		source: source,
		cfg:    cfg,
		log:    log,
		tasks:  make(map[taskKey]*task),
		now:    time.Now,
		sleep:  sleepCtx,
	}
	s.fire = s.runCycle
	return s
}

// Start loads active users and installs their tasks. A failure to load
// users leaves the scheduler stopped and is returned.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	users, err := s.store.ListActiveUsers(ctx)
	if err != nil {
		return fmt.Errorf("loading active users: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	for i := range users {
		s.installLocked(&users[i])
	}
	s.log.Info().Int("users", len(users)).Int("tasks", len(s.tasks)).Msg("scheduler started")
	return nil
}

// Stop cancels every task and waits for them to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	for key, t := range s.tasks {
		t.cancel()
		<-t.done
		delete(s.tasks, key)
	}
	s.cancel()
	s.log.Info().Msg("scheduler stopped")
}

// Running reports whether Start has succeeded and Stop not yet been called.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Update replaces a user's tasks from their current settings. Calling it
// repeatedly leaves exactly one task per configured cadence for an active
// user, and none for an inactive or deleted one.
func (s *Scheduler) Update(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := s.removeUserLocked(userID)
	if !s.running {
		return nil
	}

	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("loading user %d: %w", userID, err)
	}
	if user == nil || !user.IsActive {
		s.log.Info().Int64("user_id", userID).Int("removed", removed).Msg("user has no active schedule")
		return nil
	}
	s.installLocked(user)
	s.log.Info().Int64("user_id", userID).Int("removed", removed).Msg("user schedule updated")
	return nil
}

// Snapshot lists the scheduled tasks ordered by user and cadence.
func (s *Scheduler) Snapshot() []TaskInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]TaskInfo, 0, len(s.tasks))
	for _, t := range s.tasks {
		next, last := t.slots()
		out = append(out, TaskInfo{
			UserID:   t.key.userID,
			Username: t.username,
			Cadence:  t.key.cadence,
			Timezone: t.timezone,
			Spec:     t.trigger.Spec(),
			NextSlot: next,
			LastSlot: last,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UserID != out[j].UserID {
			return out[i].UserID < out[j].UserID
		}
		return out[i].Cadence < out[j].Cadence
	})
	return out
}

func (s *Scheduler) removeUserLocked(userID int64) int {
	n := 0
	for key, t := range s.tasks {
		if key.userID != userID {
			continue
		}
		t.cancel()
		<-t.done
		delete(s.tasks, key)
		n++
	}
	return n
}

func (s *Scheduler) installLocked(u *database.User) {
	log := s.log.With().Int64("user_id", u.ID).Str("username", u.Username).Logger()
	loc, err := u.Location()
	if err != nil {
		log.Error().Err(err).Str("timezone", u.Timezone).Msg("invalid timezone, user not scheduled")
		return
	}

	for _, c := range s.cfg.Cadences {
		trigger, err := NewTrigger(c, loc, u.DailyHour1, u.DailyHour2, s.cfg.Tolerance)
		if err != nil {
			log.Error().Err(err).Str("cadence", string(c)).Msg("invalid schedule")
			continue
		}
		key := taskKey{userID: u.ID, cadence: c}
		if old, ok := s.tasks[key]; ok {
			old.cancel()
			<-old.done
		}

		ctx, cancel := context.WithCancel(s.ctx)
		t := &task{
			key:      key,
			username: u.Username,
			timezone: loc.String(),
			trigger:  trigger,
			cancel:   cancel,
			done:     make(chan struct{}),
		}
		s.tasks[key] = t
		go s.runTask(ctx, t)
		log.Debug().Str("cadence", string(c)).Str("spec", trigger.Spec()).Msg("task installed")
	}
}

// runTask is the per-task loop: compute the next slot, sleep, fire.
func (s *Scheduler) runTask(ctx context.Context, t *task) {
	defer close(t.done)
	log := s.log.With().Int64("user_id", t.key.userID).Str("cadence", string(t.key.cadence)).Logger()

	for {
		now := s.now()
		base := t.trigger.earliest(now)
		if _, last := t.slots(); !last.IsZero() && !last.Before(base) {
			base = last
		}
		slot := t.trigger.Next(base)
		if slot.IsZero() {
			log.Error().Str("spec", t.trigger.Spec()).Msg("schedule never fires")
			return
		}
		t.setNext(slot)

		if d := slot.Sub(now); d > 0 {
			if err := s.sleep(ctx, d); err != nil {
				return
			}
		}
		if ctx.Err() != nil {
			return
		}

		if late := s.now().Sub(slot); late > s.cfg.Tolerance {
			log.Warn().Time("slot", slot).Dur("late", late).Msg("slot missed")
			t.setLast(slot)
			continue
		}

		s.safeFire(ctx, t, slot, log)
		t.setLast(slot)
	}
}

func (s *Scheduler) safeFire(ctx context.Context, t *task, slot time.Time, log zerolog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Str("stack", string(debug.Stack())).Msg("panic in scheduled task")
		}
	}()
	s.fire(ctx, t, slot)
}

// runCycle fetches feeds once and runs the pipeline for each of the user's
// prompts. Errors are logged; the task keeps running.
func (s *Scheduler) runCycle(ctx context.Context, t *task, slot time.Time) {
	log := s.log.With().
		Str("cycle", uuid.NewString()).
		Int64("user_id", t.key.userID).
		Str("cadence", string(t.key.cadence)).
		Time("slot", slot).
		Logger()

	prompts, err := s.store.ListPromptsForUser(ctx, t.key.userID)
	if err != nil {
		log.Error().Err(err).Msg("loading prompts")
		return
	}
	if len(prompts) == 0 {
		log.Debug().Msg("no prompts")
		return
	}

	feeds, err := s.fetch(ctx)
	if err != nil && len(feeds) == 0 {
		log.Error().Err(err).Msg("fetching feeds")
		return
	}
	if feeds == nil {
		feeds = []collect.FeedResult{}
	}

	var generated int
	for _, p := range prompts {
		if ctx.Err() != nil {
			return
		}
		runCtx, cancel := context.WithTimeout(ctx, s.cfg.RunTimeout)
		d, err := s.runner.Run(runCtx, pipeline.Request{
			PromptID: p.ID,
			Cadence:  t.key.cadence,
			Slot:     slot,
			Feeds:    feeds,
		})
		cancel()

		switch {
		case err != nil && llm.IsTransient(err):
			log.Warn().Err(err).Int64("prompt_id", p.ID).Msg("generation failed, next slot will retry")
		case err != nil:
			log.Error().Err(err).Int64("prompt_id", p.ID).Msg("pipeline failed")
		case d != nil:
			generated++
		}
	}
	log.Info().Int("prompts", len(prompts)).Int("generated", generated).Msg("cycle complete")
}

func (s *Scheduler) fetch(ctx context.Context) ([]collect.FeedResult, error) {
	if s.source == nil {
		return nil, collect.ErrNoFeeds
	}
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()
	feeds, err := s.source.Fetch(ctx)
	if errors.Is(err, collect.ErrNoFeeds) && len(feeds) > 0 {
		err = nil
	}
	return feeds, err
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
