package database

import (
	"time"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
)

// User owns prompts and a delivery schedule.
type User struct {
	ID         int64
	Username   string
	Email      string
	Timezone   string // IANA name
	DailyHour1 int
	DailyHour2 int
	IsActive   bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Location resolves the user's timezone.
func (u *User) Location() (*time.Location, error) {
	if u.Timezone == "" {
		return time.UTC, nil
	}
	return time.LoadLocation(u.Timezone)
}

// Visibility controls who can read a prompt's digests.
const (
	VisibilityPublic   = "public"
	VisibilityInternal = "internal"
	VisibilityPrivate  = "private"
)

// Prompt is a user-defined instruction digests are generated from.
type Prompt struct {
	ID             int64
	UserID         int64
	Name           string
	Content        string
	TemplateType   string
	CustomTemplate string
	Visibility     string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Digest is one generated news digest.
type Digest struct {
	ID          int64
	PromptID    int64
	Cadence     cadence.Cadence
	Title       string
	Body        string
	WindowStart time.Time
	CreatedAt   time.Time
	Sources     []DigestSource

	// Filled by listing queries.
	PromptName string
	Username   string
	Visibility string
}

// DigestSource is a feed entry that fed a digest.
type DigestSource struct {
	Title     string
	Link      string
	FeedURL   string
	Published time.Time
}

// Stats summarizes database contents.
type Stats struct {
	Users        int
	ActiveUsers  int
	Prompts      int
	Digests      int
	LastDigestAt *time.Time
}
