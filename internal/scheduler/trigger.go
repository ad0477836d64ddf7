package scheduler

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Trigger computes the fire instants of one cadence for one user. Daily
// fires at the user's two hours; hourly fires at the top of every other
// hour so a daily slot never also produces an hourly digest.
type Trigger struct {
	cadence   cadence.Cadence
	spec      string
	sched     cron.Schedule
	tolerance time.Duration
}

// NewTrigger builds a trigger evaluated in loc.
func NewTrigger(c cadence.Cadence, loc *time.Location, hour1, hour2 int, tolerance time.Duration) (*Trigger, error) {
	if hour1 < 0 || hour1 > 23 || hour2 < 0 || hour2 > 23 {
		return nil, fmt.Errorf("daily hours must be in 0-23, got %d and %d", hour1, hour2)
	}
	if loc == nil {
		loc = time.UTC
	}

	var expr string
	switch c {
	case cadence.Daily:
		if hour1 == hour2 {
			expr = fmt.Sprintf("0 %d * * *", hour1)
		} else {
			expr = fmt.Sprintf("0 %d,%d * * *", min(hour1, hour2), max(hour1, hour2))
		}
	case cadence.Hourly:
		var hours []string
		for h := range 24 {
			if h != hour1 && h != hour2 {
				hours = append(hours, strconv.Itoa(h))
			}
		}
		expr = "0 " + strings.Join(hours, ",") + " * * *"
	case cadence.ThirtyMinutes:
		expr = "30 * * * *"
	default:
		return nil, fmt.Errorf("unknown cadence %q", c)
	}

	spec := "CRON_TZ=" + loc.String() + " " + expr
	sched, err := parser.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parsing %q: %w", spec, err)
	}
	return &Trigger{cadence: c, spec: spec, sched: sched, tolerance: tolerance}, nil
}

// Spec returns the cron expression, including its CRON_TZ prefix.
func (t *Trigger) Spec() string { return t.spec }

// Cadence returns the cadence this trigger fires for.
func (t *Trigger) Cadence() cadence.Cadence { return t.cadence }

// Next returns the first slot strictly after the given instant.
func (t *Trigger) Next(after time.Time) time.Time {
	return t.sched.Next(after)
}

// Due returns the slot whose tolerance window contains now, if any.
func (t *Trigger) Due(now time.Time) (time.Time, bool) {
	slot := t.Next(t.earliest(now))
	if slot.IsZero() || slot.After(now) {
		return time.Time{}, false
	}
	return slot, true
}

// earliest is the instant just before the oldest slot that may still fire.
func (t *Trigger) earliest(now time.Time) time.Time {
	return now.Add(-t.tolerance - time.Second)
}
