package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/sourcewatch/internal/poller"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func boolPtr(b bool) *bool { return &b }

// TestLoadDefaults verifies a config with no file applies every default.
func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, time.Second, cfg.Scheduler.TickPeriod())
	require.Equal(t, 3, cfg.Scheduler.MaxConcurrency)
	require.Equal(t, 20*time.Second, cfg.Scheduler.RateFloor())
	require.Equal(t, 4*time.Hour, cfg.Retention.Window())
	require.Equal(t, time.Minute, cfg.Retention.SweepPeriod())
	require.Equal(t, 64, cfg.Bus.BufferSize)
	require.Equal(t, "memory", cfg.DB.Provider)
	require.Equal(t, "noop", cfg.Blob.Provider)
	require.Equal(t, "noop", cfg.PubSub.Provider)
}

// TestLoadWithFileOverrides reads a YAML file and checks overrides land.
func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
scheduler:
  tick_period_ms: 500
  max_concurrency: 5
retention:
  window_minutes: 120
db:
  provider: postgres
  dsn: postgres://sourcewatch:pw@localhost:5432/sourcewatch
sources:
  - id: prices
    url: https://example.com/prices
    interval_ms: 30000
    fields:
      - name: price
        selector: ".price"
        type: number
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 500*time.Millisecond, cfg.Scheduler.TickPeriod())
	require.Equal(t, 5, cfg.Scheduler.MaxConcurrency)
	require.Equal(t, 2*time.Hour, cfg.Retention.Window())
	require.Equal(t, "postgres", cfg.DB.Provider)
	require.Len(t, cfg.Sources, 1)
	require.Equal(t, "prices", cfg.Sources[0].ID)
}

// TestValidateRejectsBadProviders walks the provider enums.
func TestValidateRejectsBadProviders(t *testing.T) {
	t.Parallel()

	base := func() Config {
		cfg, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	cfg := base()
	cfg.DB.Provider = "mysql"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.DB.Provider = "postgres"
	require.Error(t, cfg.Validate(), "postgres without dsn must fail")

	cfg = base()
	cfg.Blob.Provider = "s3"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.Blob.Provider = "gcs"
	require.Error(t, cfg.Validate(), "gcs without bucket must fail")

	cfg = base()
	cfg.PubSub.Provider = "kafka"
	require.Error(t, cfg.Validate())

	cfg = base()
	cfg.PubSub.Provider = "pubsub"
	require.Error(t, cfg.Validate(), "pubsub without project/topic must fail")

	cfg = base()
	cfg.Auth.Enabled = true
	require.Error(t, cfg.Validate(), "auth without key must fail")
}

func validSourceConfig() SourceConfig {
	return SourceConfig{
		ID:         "prices",
		URL:        "https://example.com/prices",
		IntervalMs: 30000,
		Fields: []FieldConfig{
			{Name: "price", Selector: ".price", Type: "number", Required: true},
		},
	}
}

func resolveOne(t *testing.T, sc SourceConfig) (poller.Source, error) {
	t.Helper()
	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Sources = []SourceConfig{sc}
	sources, err := ResolveSources(cfg)
	if err != nil {
		return poller.Source{}, err
	}
	require.Len(t, sources, 1)
	return sources[0], nil
}

// TestResolveSourceAppliesRateFloor checks the global floor raises a too-fast
// interval but leaves slower ones alone.
func TestResolveSourceAppliesRateFloor(t *testing.T) {
	t.Parallel()

	sc := validSourceConfig()
	sc.IntervalMs = 5000
	src, err := resolveOne(t, sc)
	require.NoError(t, err)
	require.Equal(t, 5*time.Second, src.Schedule.Interval)
	require.Equal(t, 20*time.Second, src.Schedule.EffectiveInterval)

	sc.IntervalMs = 30000
	src, err = resolveOne(t, sc)
	require.NoError(t, err)
	require.Equal(t, 30*time.Second, src.Schedule.EffectiveInterval)
}

// TestResolveSourceScheduleDefaults verifies the backoff defaults.
func TestResolveSourceScheduleDefaults(t *testing.T) {
	t.Parallel()

	src, err := resolveOne(t, validSourceConfig())
	require.NoError(t, err)
	require.Equal(t, 2.0, src.Schedule.BackoffMultiplier)
	require.Equal(t, time.Hour, src.Schedule.MaxBackoff)
	require.Equal(t, 5, src.Schedule.FailureLimit)
	require.Zero(t, src.Schedule.Jitter)
	require.Equal(t, poller.ModeHeadless, src.Mode)
	require.True(t, src.Enabled)
}

// TestResolveSourceEnabledIsPermittedAndEnabled covers the two-flag gate.
func TestResolveSourceEnabledIsPermittedAndEnabled(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		permitted *bool
		enabled   *bool
		want      bool
	}{
		{"both omitted", nil, nil, true},
		{"not permitted", boolPtr(false), nil, false},
		{"not enabled", nil, boolPtr(false), false},
		{"permitted but disabled", boolPtr(true), boolPtr(false), false},
		{"both true", boolPtr(true), boolPtr(true), true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			sc := validSourceConfig()
			sc.Permitted = tc.permitted
			sc.Enabled = tc.enabled
			src, err := resolveOne(t, sc)
			require.NoError(t, err)
			require.Equal(t, tc.want, src.Enabled)
		})
	}
}

// TestResolveSourceRejectsInvalidDefinitions covers the startup-abort cases.
func TestResolveSourceRejectsInvalidDefinitions(t *testing.T) {
	t.Parallel()

	mutations := map[string]func(*SourceConfig){
		"missing id":         func(sc *SourceConfig) { sc.ID = "" },
		"missing url":        func(sc *SourceConfig) { sc.URL = "" },
		"bad url scheme":     func(sc *SourceConfig) { sc.URL = "ftp://example.com/x" },
		"no fields":          func(sc *SourceConfig) { sc.Fields = nil },
		"zero interval":      func(sc *SourceConfig) { sc.IntervalMs = 0 },
		"unknown mode":       func(sc *SourceConfig) { sc.Mode = "spa" },
		"unknown field type": func(sc *SourceConfig) { sc.Fields[0].Type = "bool" },
		"duplicate field": func(sc *SourceConfig) {
			sc.Fields = append(sc.Fields, sc.Fields[0])
		},
		"multiplier below one": func(sc *SourceConfig) { sc.BackoffMultiplier = 0.5 },
		"negative jitter":      func(sc *SourceConfig) { sc.JitterMs = -100 },
		"negative limit":       func(sc *SourceConfig) { sc.FailureLimit = -1 },
	}
	for name, mutate := range mutations {
		mutate := mutate
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			sc := validSourceConfig()
			mutate(&sc)
			_, err := resolveOne(t, sc)
			require.Error(t, err)
		})
	}
}

// TestResolveSourcesRejectsDuplicateIDs checks the set-level invariant.
func TestResolveSourcesRejectsDuplicateIDs(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	cfg.Sources = []SourceConfig{validSourceConfig(), validSourceConfig()}
	_, err = ResolveSources(cfg)
	require.ErrorContains(t, err, "duplicate source id")
}
