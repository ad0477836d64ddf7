package cadence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	c, err := Parse(" Hourly ")
	require.NoError(t, err)
	assert.Equal(t, Hourly, c)

	c, err = Parse("30_minutes")
	require.NoError(t, err)
	assert.Equal(t, ThirtyMinutes, c)

	_, err = Parse("weekly")
	assert.Error(t, err)
}

func TestWindows(t *testing.T) {
	assert.Equal(t, 30*time.Minute, ThirtyMinutes.Window())
	assert.Equal(t, time.Hour, Hourly.Window())
	assert.Equal(t, 24*time.Hour, Daily.Window())
	assert.Zero(t, Cadence("weekly").Window())
}

func TestLabels(t *testing.T) {
	assert.Equal(t, "Daily", Daily.Label())
	assert.Equal(t, "the last hour", Hourly.Describe())
	assert.Equal(t, "weekly", Cadence("weekly").Label())
}
