package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"tracelog/internal/models"
)

// ErrRateLimited is returned when an alert is dropped by the limiter.
var ErrRateLimited = fmt.Errorf("slack: rate limited")

var severity = map[models.Level]int{
	models.LevelDebug: 0,
	models.LevelInfo:  1,
	models.LevelWarn:  2,
	models.LevelError: 3,
	models.LevelFatal: 4,
}

// Slack posts high severity logs to an incoming webhook. Events are ignored.
type Slack struct {
	webhookURL string
	minLevel   models.Level
	limiter    *rate.Limiter
	client     *http.Client
}

// NewSlack creates a Slack alert sink. perMinute bounds the alert rate;
// zero or less disables the limit.
func NewSlack(webhookURL string, minLevel models.Level, perMinute int) *Slack {
	if !minLevel.Valid() {
		minLevel = models.LevelError
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if perMinute > 0 {
		limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), perMinute)
	}
	return &Slack{
		webhookURL: webhookURL,
		minLevel:   minLevel,
		limiter:    limiter,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// SlackBlock represents a Slack message block
type SlackBlock struct {
	Type     string       `json:"type"`
	Text     *SlackText   `json:"text,omitempty"`
	Fields   []SlackField `json:"fields,omitempty"`
	Elements []SlackText  `json:"elements,omitempty"`
}

// SlackText represents text in Slack
type SlackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackField represents a field in Slack
type SlackField struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// SlackMessage represents a Slack message
type SlackMessage struct {
	Blocks []SlackBlock `json:"blocks"`
}

func (s *Slack) WriteEvent(context.Context, models.TraceEvent) error { return nil }

func (s *Slack) WriteLog(ctx context.Context, l models.LogRecord) error {
	if severity[l.Level] < severity[s.minLevel] {
		return nil
	}
	if s.webhookURL == "" {
		return fmt.Errorf("slack webhook URL not configured")
	}
	if !s.limiter.Allow() {
		return ErrRateLimited
	}

	body, err := json.Marshal(buildMessage(l))
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.webhookURL, bytes.NewBuffer(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("slack returned status: %d", resp.StatusCode)
	}
	return nil
}

func (s *Slack) Close() error { return nil }

// buildMessage renders a log record as a block kit payload.
func buildMessage(l models.LogRecord) SlackMessage {
	emoji := "⚠️"
	if l.Level == models.LevelError || l.Level == models.LevelFatal {
		emoji = "🚨"
	}

	blocks := []SlackBlock{
		{
			Type: "header",
			Text: &SlackText{
				Type: "plain_text",
				Text: fmt.Sprintf("%s %s in %s", emoji, l.Level, l.Component),
			},
		},
		{
			Type: "section",
			Text: &SlackText{Type: "mrkdwn", Text: l.Message},
		},
	}

	var fields []SlackField
	if l.TraceID != "" {
		fields = append(fields, SlackField{Type: "mrkdwn", Text: fmt.Sprintf("*Trace:*\n`%s`", l.TraceID)})
	}
	if l.RequestID != "" {
		fields = append(fields, SlackField{Type: "mrkdwn", Text: fmt.Sprintf("*Request:*\n`%s`", l.RequestID)})
	}
	if l.Error != nil {
		fields = append(fields, SlackField{Type: "mrkdwn", Text: fmt.Sprintf("*Error:*\n%s: %s", l.Error.Name, l.Error.Message)})
	}
	if len(fields) > 0 {
		blocks = append(blocks, SlackBlock{Type: "section", Fields: fields})
	}

	blocks = append(blocks,
		SlackBlock{Type: "divider"},
		SlackBlock{
			Type: "context",
			Elements: []SlackText{{
				Type: "mrkdwn",
				Text: fmt.Sprintf("Logged at: %s", l.Timestamp.Format(time.RFC3339)),
			}},
		},
	)
	return SlackMessage{Blocks: blocks}
}
