// Package compose turns a prompt and its template into the system and user
// instructions sent to the generation backend.
package compose

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/TobiSchelling/newsdigest/internal/cadence"
)

// TemplateType selects a built-in instruction template.
type TemplateType string

const (
	Summary      TemplateType = "summary"
	Analysis     TemplateType = "analysis"
	BulletPoints TemplateType = "bullet_points"
	Narrative    TemplateType = "narrative"
)

// ErrInvalidTemplate is returned by ValidateTemplate.
var ErrInvalidTemplate = errors.New("invalid template")

const systemPrompt = `You are a professional news curator and writer. Analyze and summarize news from %s according to the user's prompt.
Follow these guidelines:
1. Focus on the most important and relevant information
2. Maintain objectivity and journalistic standards
3. Organize information logically and clearly
4. Include relevant context when necessary
5. Use professional language and tone
6. Follow the user's prompt requirements exactly`

var builtins = map[TemplateType]string{
	Summary: `{prompt}

Write a concise summary of the most important developments from {time_window}. Keep it to a few short paragraphs.`,

	Analysis: `{prompt}

Analyze the news from {time_window}. Identify the main developments, explain why they matter, and point out connections between stories.`,

	BulletPoints: `{prompt}

List the key stories from {time_window} as bullet points. Use one line per story and lead with what happened.`,

	Narrative: `{prompt}

Tell the story of {time_window} as a short narrative that connects the individual reports into one coherent account.`,
}

// TemplateTypes returns the known template types.
func TemplateTypes() []TemplateType {
	return []TemplateType{Summary, Analysis, BulletPoints, Narrative}
}

// ParseTemplateType parses a template type name.
func ParseTemplateType(s string) (TemplateType, error) {
	t := TemplateType(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := builtins[t]; !ok {
		return "", fmt.Errorf("unknown template type %q", s)
	}
	return t, nil
}

// Builtin returns the built-in template for t, defaulting to summary.
func Builtin(t TemplateType) string {
	if tpl, ok := builtins[t]; ok {
		return tpl
	}
	return builtins[Summary]
}

// SystemPrompt returns the curator instructions for a cadence.
func SystemPrompt(c cadence.Cadence) string {
	return fmt.Sprintf(systemPrompt, c.Describe())
}

// ValidateTemplate checks that braces are balanced and not nested, that every
// placeholder is an identifier, and that no placeholder repeats.
func ValidateTemplate(tpl string) error {
	seen := make(map[string]bool)
	open := -1
	for i, r := range tpl {
		switch r {
		case '{':
			if open >= 0 {
				return fmt.Errorf("%w: nested brace at offset %d", ErrInvalidTemplate, i)
			}
			open = i
		case '}':
			if open < 0 {
				return fmt.Errorf("%w: unmatched '}' at offset %d", ErrInvalidTemplate, i)
			}
			name := tpl[open+1 : i]
			if !isIdentifier(name) {
				return fmt.Errorf("%w: placeholder %q is not an identifier", ErrInvalidTemplate, name)
			}
			if seen[name] {
				return fmt.Errorf("%w: duplicate placeholder {%s}", ErrInvalidTemplate, name)
			}
			seen[name] = true
			open = -1
		}
	}
	if open >= 0 {
		return fmt.Errorf("%w: unclosed '{' at offset %d", ErrInvalidTemplate, open)
	}
	return nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case i > 0 && r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return true
}

// Render substitutes {name} placeholders present in vals. Unknown
// placeholders are left as written. tpl must be valid.
func Render(tpl string, vals map[string]string) string {
	var b strings.Builder
	for {
		start := strings.IndexByte(tpl, '{')
		if start < 0 {
			break
		}
		end := strings.IndexByte(tpl[start:], '}')
		if end < 0 {
			break
		}
		end += start
		b.WriteString(tpl[:start])
		if v, ok := vals[tpl[start+1:end]]; ok {
			b.WriteString(v)
		} else {
			b.WriteString(tpl[start : end+1])
		}
		tpl = tpl[end+1:]
	}
	b.WriteString(tpl)
	return b.String()
}

// Input is everything needed to build the instructions for one digest.
type Input struct {
	Prompt         string
	TemplateType   TemplateType
	CustomTemplate string
	Cadence        cadence.Cadence
	Location       *time.Location
	Now            time.Time
	Content        string
}

// Instructions are the system and user messages for one generation call.
type Instructions struct {
	System string
	User   string

	// TemplateErr is set when a custom template was rejected and the
	// built-in default was used instead.
	TemplateErr error
}

// Compose builds the instructions. An invalid custom template never fails
// the call; the built-in template of the prompt's type is used instead.
func Compose(in Input) Instructions {
	loc := in.Location
	if loc == nil {
		loc = time.UTC
	}

	tpl := Builtin(in.TemplateType)
	var tplErr error
	if strings.TrimSpace(in.CustomTemplate) != "" {
		if err := ValidateTemplate(in.CustomTemplate); err != nil {
			tplErr = err
		} else {
			tpl = in.CustomTemplate
		}
	}

	instruction := Render(tpl, map[string]string{
		"prompt":      in.Prompt,
		"time_window": in.Cadence.Describe(),
		"cadence":     in.Cadence.Label(),
		"timezone":    loc.String(),
		"date":        in.Now.In(loc).Format("2006-01-02"),
	})

	return Instructions{
		System:      SystemPrompt(in.Cadence),
		User:        fmt.Sprintf("Prompt: %s\n\nContent to analyze:\n%s", strings.TrimSpace(instruction), in.Content),
		TemplateErr: tplErr,
	}
}

// EstimateTokens approximates the token cost of a call as a quarter of the
// input characters plus the output allowance.
func EstimateTokens(in Instructions, maxTokens int) int {
	n := len(in.System) + len(in.User)
	return (n+3)/4 + maxTokens
}
