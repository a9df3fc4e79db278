package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/klauspost/compress/gzip"

	"tracelog/internal/models"
)

// Loki pushes records to a Grafana Loki instance as JSON log lines.
type Loki struct {
	baseURL string
	labels  map[string]string
	client  *http.Client
}

// NewLoki creates a Loki push sink. Extra labels are attached to every stream.
func NewLoki(baseURL string, timeout time.Duration, labels map[string]string) *Loki {
	if baseURL == "" {
		baseURL = "http://localhost:3100"
	}
	return &Loki{
		baseURL: baseURL,
		labels:  labels,
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// PushRequest is the body of POST /loki/api/v1/push.
type PushRequest struct {
	Streams []Stream `json:"streams"`
}

// Stream is one label set with its entries.
type Stream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

func (l *Loki) streamLabels(kind, component string, level models.Level) map[string]string {
	labels := make(map[string]string, len(l.labels)+3)
	for k, v := range l.labels {
		labels[k] = v
	}
	labels["kind"] = kind
	labels["component"] = component
	labels["level"] = string(level)
	return labels
}

func (l *Loki) WriteEvent(ctx context.Context, e models.TraceEvent) error {
	return l.push(ctx, l.streamLabels("event", e.Component, e.Level), e.Timestamp, e)
}

func (l *Loki) WriteLog(ctx context.Context, r models.LogRecord) error {
	return l.push(ctx, l.streamLabels("log", r.Component, r.Level), r.Timestamp, r)
}

func (l *Loki) Close() error { return nil }

func (l *Loki) push(ctx context.Context, labels map[string]string, ts time.Time, record interface{}) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}
	body, err := gzipJSON(PushRequest{Streams: []Stream{{
		Stream: labels,
		Values: [][2]string{{strconv.FormatInt(ts.UnixNano(), 10), string(line)}},
	}}})
	if err != nil {
		return err
	}

	u, err := url.Parse(l.baseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	u.Path = "/loki/api/v1/push"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Content-Encoding", "gzip")

	resp, err := l.client.Do(req)
	if err != nil {
		return fmt.Errorf("loki push failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("loki returned status: %d", resp.StatusCode)
	}
	return nil
}

func gzipJSON(v interface{}) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(v); err != nil {
		return nil, fmt.Errorf("failed to encode push body: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("failed to compress push body: %w", err)
	}
	return &buf, nil
}
