// Package cadence defines the digest trigger frequencies and their fixed
// recency windows.
package cadence

import (
	"fmt"
	"strings"
	"time"
)

// Cadence is the trigger frequency class of a digest.
type Cadence string

const (
	ThirtyMinutes Cadence = "30_minutes"
	Hourly        Cadence = "hourly"
	Daily         Cadence = "daily"
)

type info struct {
	window      time.Duration
	label       string
	description string
}

// table maps each cadence to its recency window. Add new tiers here.
var table = map[Cadence]info{
	ThirtyMinutes: {window: 30 * time.Minute, label: "30 Minutes", description: "the last 30 minutes"},
	Hourly:        {window: time.Hour, label: "Hourly", description: "the last hour"},
	Daily:         {window: 24 * time.Hour, label: "Daily", description: "the last 24 hours"},
}

// All returns every known cadence, shortest window first.
func All() []Cadence {
	return []Cadence{ThirtyMinutes, Hourly, Daily}
}

// Parse converts a config or CLI value into a Cadence.
func Parse(s string) (Cadence, error) {
	c := Cadence(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := table[c]; !ok {
		return "", fmt.Errorf("unknown cadence %q", s)
	}
	return c, nil
}

// Valid reports whether c is a known cadence.
func (c Cadence) Valid() bool {
	_, ok := table[c]
	return ok
}

// Window returns how far back content is considered for this cadence.
func (c Cadence) Window() time.Duration {
	return table[c].window
}

// Label is the human-readable name used in digest titles.
func (c Cadence) Label() string {
	if s, ok := table[c]; ok {
		return s.label
	}
	return string(c)
}

// Describe returns the window phrased for generation instructions.
func (c Cadence) Describe() string {
	if s, ok := table[c]; ok {
		return s.description
	}
	return "the recent past"
}

func (c Cadence) String() string { return string(c) }
