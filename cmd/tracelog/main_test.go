package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracelog/internal/config"
	"tracelog/internal/models"
	"tracelog/internal/tracer"
)

// writeConfig writes a config file pointing at a fresh store in a temp dir.
func writeConfig(t *testing.T, driver string) (string, *config.Config) {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "app:\n  log_level: warn\n" +
		"store:\n  driver: " + driver + "\n  path: " + filepath.Join(dir, "data") + "\n" +
		"sinks:\n  console:\n    enabled: false\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return path, cfg
}

func seed(t *testing.T, cfg *config.Config) {
	t.Helper()
	logger, err := newLogger(cfg.App, &bytes.Buffer{})
	require.NoError(t, err)
	a, err := newApp(cfg, logger)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	ctx := context.Background()
	spanID := a.tracer.StartTrace(ctx, tracer.TraceContext{TraceID: "req-1", Component: "API", Name: "checkout"})
	a.tracer.LogEvent(ctx, tracer.EventParams{TraceID: "req-1", Level: models.LevelInfo, Component: "API", Action: "validate", Message: "validated"})
	a.tracer.EndTrace(ctx, spanID, models.StatusError, models.Metadata{"error": "declined"})
	a.tracer.Error(ctx, "payment declined", tracer.LogContext{Component: "API", TraceID: "req-1"}, errors.New("declined"))
	a.tracer.Info(ctx, "cache warmed", tracer.LogContext{Component: "Cache"})
}

func run(t *testing.T, args ...string) (map[string]interface{}, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	if err := cmd.Execute(); err != nil {
		return nil, err
	}
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(out.Bytes(), &body))
	return body, nil
}

func TestQueryCommands(t *testing.T) {
	for _, driver := range []string{"sqlite", "badger"} {
		t.Run(driver, func(t *testing.T) {
			path, cfg := writeConfig(t, driver)
			seed(t, cfg)

			body, err := run(t, "--config", path, "logs", "--level", "error")
			require.NoError(t, err)
			assert.EqualValues(t, 1, body["count"])

			body, err = run(t, "--config", path, "traces", "--status", "error")
			require.NoError(t, err)
			assert.EqualValues(t, 1, body["count"])

			body, err = run(t, "--config", path, "events", "req-1")
			require.NoError(t, err)
			assert.EqualValues(t, 3, body["count"])
			assert.Equal(t, "req-1", body["traceId"])

			body, err = run(t, "--config", path, "stats")
			require.NoError(t, err)
			stats := body["stats"].(map[string]interface{})
			assert.EqualValues(t, 2, stats["totalLogs"])
			assert.EqualValues(t, 1, stats["errorTraces"])
			assert.EqualValues(t, 3, stats["totalEvents"])
		})
	}
}

func TestReportCommand(t *testing.T) {
	path, cfg := writeConfig(t, "sqlite")
	seed(t, cfg)

	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "report", "req-1"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, out.String(), "# Trace req-1")
	assert.Contains(t, out.String(), "| validate |")

	cmd = newRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "report", "req-1", "--summarize"})
	assert.Error(t, cmd.Execute())
}

func TestQueryCommandErrors(t *testing.T) {
	path, _ := writeConfig(t, "sqlite")

	_, err := run(t, "--config", path, "logs", "--level", "verbose")
	assert.Error(t, err)

	_, err = run(t, "--config", path, "events")
	assert.Error(t, err)

	_, err = run(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"), "stats")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger(config.AppConfig{LogLevel: "warn", LogFormat: "json"}, &buf)
	require.NoError(t, err)
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	var line map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])

	_, err = newLogger(config.AppConfig{LogLevel: "loud", LogFormat: "text"}, &buf)
	assert.Error(t, err)
	_, err = newLogger(config.AppConfig{LogLevel: "info", LogFormat: "xml"}, &buf)
	assert.Error(t, err)
}

func TestBuildSink(t *testing.T) {
	logger, err := newLogger(config.AppConfig{LogLevel: "info"}, &bytes.Buffer{})
	require.NoError(t, err)

	out, err := buildSink(config.SinksConfig{
		Console: config.ConsoleSinkConfig{Enabled: true},
		Loki:    config.LokiSinkConfig{Enabled: true, URL: "http://127.0.0.1:1", Timeout: "100ms", Buffer: 4},
		Slack:   config.SlackSinkConfig{Enabled: true, MinLevel: "error", PerMinute: 1, Buffer: 4},
	}, logger, nil)
	require.NoError(t, err)
	require.NoError(t, out.WriteLog(context.Background(), models.LogRecord{
		Timestamp: time.Now(), Level: models.LevelInfo, Component: "Test", Message: "hello",
	}))
	assert.NoError(t, out.Close())

	_, err = buildSink(config.SinksConfig{Slack: config.SlackSinkConfig{Enabled: true, MinLevel: "loud"}}, logger, nil)
	assert.Error(t, err)
}

func TestNewAppWithoutProviderKey(t *testing.T) {
	_, cfg := writeConfig(t, "memory")
	cfg.LLM.Provider = "openai"
	cfg.LLM.APIKey = ""

	var buf bytes.Buffer
	logger, err := newLogger(cfg.App, &buf)
	require.NoError(t, err)

	a, err := newApp(cfg, logger)
	require.NoError(t, err)
	defer a.Close()
	assert.Nil(t, a.provider)
	assert.Contains(t, buf.String(), "LLM provider disabled")
}
