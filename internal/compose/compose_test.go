package compose

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
)

func TestValidateTemplate(t *testing.T) {
	valid := []string{
		"",
		"plain text",
		"{prompt} for {time_window}",
		"Focus: {prompt}. Date {date} in {timezone}, {custom_1}",
	}
	for _, tpl := range valid {
		assert.NoError(t, ValidateTemplate(tpl), tpl)
	}

	invalid := []string{
		"{prompt",
		"prompt}",
		"{{prompt}}",
		"{pro{mpt}}",
		"{}",
		"{1abc}",
		"{two words}",
		"{prompt} and {prompt}",
	}
	for _, tpl := range invalid {
		assert.ErrorIs(t, ValidateTemplate(tpl), ErrInvalidTemplate, tpl)
	}
}

func TestRender(t *testing.T) {
	out := Render("{prompt} over {time_window}; keep {unknown}", map[string]string{
		"prompt":      "AI news",
		"time_window": "the last hour",
	})
	assert.Equal(t, "AI news over the last hour; keep {unknown}", out)
}

func TestComposeBuiltin(t *testing.T) {
	in := Input{
		Prompt:       "Track chip export rules",
		TemplateType: BulletPoints,
		Cadence:      cadence.Hourly,
		Now:          time.Date(2024, 3, 14, 12, 0, 0, 0, time.UTC),
		Content:      "Title: One",
	}
	out := Compose(in)

	assert.NoError(t, out.TemplateErr)
	assert.Contains(t, out.System, "news from the last hour according to the user's prompt")
	assert.True(t, strings.HasPrefix(out.User, "Prompt: Track chip export rules\n\nList the key stories from the last hour"))
	assert.True(t, strings.HasSuffix(out.User, "\n\nContent to analyze:\nTitle: One"))
}

func TestComposeCustomTemplate(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)

	out := Compose(Input{
		Prompt:         "robotics",
		TemplateType:   Narrative,
		CustomTemplate: "{cadence} brief on {prompt} for {date} ({timezone}), {extra}",
		Cadence:        cadence.Daily,
		Location:       berlin,
		Now:            time.Date(2024, 3, 14, 23, 30, 0, 0, time.UTC),
		Content:        "x",
	})

	assert.NoError(t, out.TemplateErr)
	assert.Equal(t, "Prompt: Daily brief on robotics for 2024-03-15 (Europe/Berlin), {extra}\n\nContent to analyze:\nx", out.User)
}

func TestComposeUnbalancedTemplateFallsBack(t *testing.T) {
	in := Input{
		Prompt:         "climate",
		TemplateType:   Analysis,
		CustomTemplate: "Summarize {prompt",
		Cadence:        cadence.Daily,
		Now:            time.Now(),
		Content:        "body",
	}
	out := Compose(in)

	assert.ErrorIs(t, out.TemplateErr, ErrInvalidTemplate)

	in.CustomTemplate = ""
	want := Compose(in)
	assert.Equal(t, want.User, out.User)
	assert.Contains(t, out.User, "Analyze the news from the last 24 hours")
}

func TestParseTemplateType(t *testing.T) {
	got, err := ParseTemplateType(" Bullet_Points ")
	require.NoError(t, err)
	assert.Equal(t, BulletPoints, got)

	_, err = ParseTemplateType("poem")
	assert.Error(t, err)
	assert.Equal(t, Builtin(Summary), Builtin("poem"))
	assert.Len(t, TemplateTypes(), 4)
}

func TestEstimateTokens(t *testing.T) {
	in := Instructions{System: strings.Repeat("a", 10), User: strings.Repeat("b", 7)}
	assert.Equal(t, 5+1000, EstimateTokens(in, 1000))
	assert.Equal(t, 0, EstimateTokens(Instructions{}, 0))
}
