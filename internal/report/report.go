// Package report renders one trace's event timeline as a Markdown report,
// optionally with a model written summary.
package report

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"tracelog/internal/models"
	"tracelog/internal/query"
	"tracelog/pkg/llm"
)

// ErrEmptyTrace is returned when a trace id has no recorded events.
var ErrEmptyTrace = errors.New("trace has no events")

// Report is the digest of one logical trace.
type Report struct {
	TraceID    string
	Start      time.Time
	End        time.Time
	Duration   time.Duration
	Events     int
	Errors     int
	Components []string
	Summary    string
	Markdown   string
}

// Generator builds reports from the query service. The provider is optional.
type Generator struct {
	query    *query.Service
	provider llm.Provider
}

// NewGenerator creates a Generator. A nil provider skips the summary.
func NewGenerator(q *query.Service, provider llm.Provider) *Generator {
	return &Generator{query: q, provider: provider}
}

// Generate reads the events of traceID and assembles the report. When
// summarize is set and a provider is configured the model is asked for a
// short narrative.
func (g *Generator) Generate(ctx context.Context, traceID string, summarize bool) (*Report, error) {
	events, err := g.query.ListEventsByTraceID(ctx, traceID)
	if err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%s: %w", traceID, ErrEmptyTrace)
	}

	r := &Report{
		TraceID: traceID,
		Start:   events[0].Timestamp,
		End:     events[len(events)-1].Timestamp,
		Events:  len(events),
	}
	r.Duration = r.End.Sub(r.Start)

	seen := make(map[string]bool)
	for _, e := range events {
		if e.Level == models.LevelError {
			r.Errors++
		}
		if !seen[e.Component] {
			seen[e.Component] = true
			r.Components = append(r.Components, e.Component)
		}
	}
	sort.Strings(r.Components)

	if summarize && g.provider != nil {
		summary, err := g.provider.Chat(ctx, []llm.Message{
			{Role: llm.RoleSystem, Content: "You are an SRE reading an application trace. Answer in at most five sentences."},
			{Role: llm.RoleUser, Content: buildPrompt(r, events)},
		})
		if err != nil {
			return nil, fmt.Errorf("trace summary failed: %w", err)
		}
		r.Summary = strings.TrimSpace(summary)
	}

	r.Markdown = assembleMarkdown(r, events)
	return r, nil
}

func buildPrompt(r *Report, events []models.TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Summarize what happened in trace %s and, if it failed, the most likely cause.\n\n", r.TraceID)
	fmt.Fprintf(&b, "Duration: %s. Events: %d. Error events: %d.\n\nTimeline:\n", r.Duration, r.Events, r.Errors)
	for _, e := range events {
		fmt.Fprintf(&b, "- %s [%s] %s/%s: %s\n", e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Component, e.Action, e.Message)
	}
	return b.String()
}

func assembleMarkdown(r *Report, events []models.TraceEvent) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Trace %s\n", r.TraceID)
	fmt.Fprintf(&b, "**Started:** %s\n", r.Start.UTC().Format("2006-01-02 15:04:05.000"))
	fmt.Fprintf(&b, "**Duration:** %s\n", r.Duration)
	fmt.Fprintf(&b, "**Components:** %s\n", strings.Join(r.Components, ", "))
	fmt.Fprintf(&b, "**Events:** %d (%d errors)\n\n", r.Events, r.Errors)

	if r.Summary != "" {
		b.WriteString("## Summary\n")
		b.WriteString(r.Summary + "\n\n")
	}

	b.WriteString("## Timeline\n")
	b.WriteString("| Offset | Level | Component | Action | Message |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, e := range events {
		fmt.Fprintf(&b, "| +%dms | %s | %s | %s | %s |\n",
			e.Timestamp.Sub(r.Start).Milliseconds(), e.Level, e.Component, e.Action,
			strings.ReplaceAll(e.Message, "|", `\|`))
	}
	return b.String()
}
