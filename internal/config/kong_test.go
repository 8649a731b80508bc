package config //nolint:testpackage

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/assert/v2"
	"github.com/alecthomas/hcl/v2"
	"github.com/alecthomas/kong"
)

func writeConfig(t *testing.T, config string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ctfplug.hcl")
	assert.NoError(t, os.WriteFile(path, []byte(config), 0o600))
	return path
}

func TestKongLoaderSetsGlobalFlags(t *testing.T) {
	path := writeConfig(t, `
bind = "0.0.0.0:9090"
scoreboard = "scoreboard.json"
reload-interval = "45s"

scheduler {
  concurrency = 3
}

log {
  level = "debug"
  json = true
}

metrics {
  prometheus = false
  otlp = true
  otlp-endpoint = "http://collector:4318"
}

memory {}

points "decay" {
  decay-factor = 0.25
}
`)
	var cli struct {
		GlobalConfig
	}
	parser, err := kong.New(&cli, kong.Configuration(KongLoader, path))
	assert.NoError(t, err)
	_, err = parser.Parse(nil)
	assert.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cli.Bind)
	assert.Equal(t, "scoreboard.json", cli.Scoreboard)
	assert.Equal(t, 45*time.Second, cli.ReloadInterval)
	assert.Equal(t, time.Minute, cli.RescoreInterval)
	assert.Equal(t, 3, cli.SchedulerConfig.Concurrency)
	assert.Equal(t, slog.LevelDebug, cli.LoggingConfig.Level)
	assert.True(t, cli.LoggingConfig.JSON)
	assert.False(t, cli.MetricsConfig.EnablePrometheus)
	assert.True(t, cli.MetricsConfig.EnableOTLP)
	assert.Equal(t, "http://collector:4318", cli.MetricsConfig.OTLPEndpoint)
	assert.Equal(t, "ctfplug", cli.MetricsConfig.ServiceName)
}

func TestKongLoaderIgnoresProviderBlocks(t *testing.T) {
	path := writeConfig(t, `
log {
  level = "warn"
}

points "decay" {
  decay-factor = 0.25
}
`)
	var cli struct {
		LogLevel    string  `default:"info"`
		DecayFactor float64 `name:"points-decay-decay-factor" default:"0.5"`
	}
	parser, err := kong.New(&cli, kong.Configuration(KongLoader, path))
	assert.NoError(t, err)
	_, err = parser.Parse(nil)
	assert.NoError(t, err)
	assert.Equal(t, "warn", cli.LogLevel)
	assert.Equal(t, 0.5, cli.DecayFactor)
}

func TestGlobalFlags(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected map[string]any
	}{
		{
			name:     "Attributes",
			input:    `standings = "standings.json"` + "\n" + `rescore-interval = "2m"`,
			expected: map[string]any{"standings": "standings.json", "rescore-interval": "2m"},
		},
		{
			name:     "BlockPrefix",
			input:    "metrics {\n  otlp-interval = \"10s\"\n}",
			expected: map[string]any{"metrics-otlp-interval": "10s"},
		},
		{
			name:     "Numbers",
			input:    "scheduler {\n  concurrency = 8\n}",
			expected: map[string]any{"scheduler-concurrency": int64(8)},
		},
		{
			name:     "ProvidersDropped",
			input:    "disk {\n  root = \"/tmp\"\n}\nflag \"lenient\" {\n  format = \"flag\"\n}",
			expected: map[string]any{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ast, err := hcl.Parse(strings.NewReader(tt.input))
			assert.NoError(t, err)
			global, _ := Split[GlobalConfig](ast)
			values, err := globalFlags(global)
			assert.NoError(t, err)
			assert.Equal(t, tt.expected, values)
		})
	}
}

func TestGlobalFlagsErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
		err   string
	}{
		{"LabelledBlock", "log \"x\" {\n  level = \"debug\"\n}", "does not take labels"},
		{"NestedBlock", "log {\n  inner {\n    level = \"debug\"\n  }\n}", "may only contain attributes"},
		{"MapValue", `bind = {host: "localhost"}`, "unsupported value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ast, err := hcl.Parse(strings.NewReader(tt.input))
			assert.NoError(t, err)
			global, _ := Split[GlobalConfig](ast)
			_, err = globalFlags(global)
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestBlockPrefixes(t *testing.T) {
	assert.Equal(t, map[string]string{
		"scheduler": "scheduler-",
		"log":       "log-",
		"metrics":   "metrics-",
	}, blockPrefixes())
}
