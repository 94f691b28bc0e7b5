package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "eventguard.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(PathEnvVar, "")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Pipeline, cfg.Pipeline)
	assert.Equal(t, Default().Aggregate, cfg.Aggregate)
	assert.Equal(t, Default().Engine, cfg.Engine)
	assert.Equal(t, "info", cfg.Logging.Level)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := writeFile(t, `
logging:
  level: debug
  format: console
pipeline:
  min_events: 120
  trees: 64
aggregate:
  anomaly_threshold: 0.6
engine:
  train_timeout: 90s
archive:
  path: /tmp/models
  keep: 3
`)
	t.Setenv("EVENTGUARD_PIPELINE_MIN_EVENTS", "200")
	t.Setenv("EVENTGUARD_ENGINE_RETRAIN_INTERVAL", "15m")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.Equal(t, 200, cfg.Pipeline.MinEvents, "env wins over file")
	assert.Equal(t, 64, cfg.Pipeline.Trees)
	assert.Equal(t, 256, cfg.Pipeline.SampleSize, "untouched keys keep defaults")
	assert.Equal(t, 0.6, cfg.Aggregate.AnomalyThreshold)
	assert.Equal(t, 90*time.Second, cfg.Engine.TrainTimeout)
	assert.Equal(t, 15*time.Minute, cfg.Engine.RetrainInterval)
	assert.Equal(t, "/tmp/models", cfg.Archive.Path)
	assert.Equal(t, 3, cfg.Archive.Keep)
}

func TestLoadPathFromEnv(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv(PathEnvVar, writeFile(t, "pipeline:\n  contamination: 0.2\n"))

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 0.2, cfg.Pipeline.Contamination)
}

func TestLoadErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "bad level", body: "logging:\n  level: loud\n"},
		{name: "bad format", body: "logging:\n  format: xml\n"},
		{name: "bad threshold", body: "aggregate:\n  anomaly_threshold: 1.5\n"},
		{name: "bad pipeline", body: "pipeline:\n  trees: 0\n"},
		{name: "bad engine", body: "engine:\n  history_size: 0\n"},
		{name: "bad archive", body: "archive:\n  keep: -2\n"},
		{name: "bad yaml", body: "pipeline: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeFile(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	tests := map[string]string{
		"EVENTGUARD_PIPELINE_MIN_EVENTS":      "pipeline.min_events",
		"EVENTGUARD_LOGGING_LEVEL":            "logging.level",
		"EVENTGUARD_AGGREGATE_OUTLIER_WEIGHT": "aggregate.outlier_weight",
		"EVENTGUARD_CONFIG":                   "",
		"EVENTGUARD_ENGINE_":                  "",
	}
	for in, want := range tests {
		assert.Equal(t, want, envKey(in), in)
	}
}
