package model_test

import (
	"strings"
	"testing"
	"time"

	"github.com/valuation-tools/tabctl/internal/model"

	"github.com/stretchr/testify/require"
)

const alphaConfig = `
verbose: true
browser:
  headless: false
jobs:
  max_tabs: 3
  poll_interval: 250ms
  page_size: 20
store:
  kind: redis
  redis_url: redis://localhost:6379/0
portal:
  base_url: https://portal.example.com
  create:
    url: "{{.BaseURL}}/reports/{{.JobID}}/new"
    script: "return true"
`

func TestLoadConfig(t *testing.T) {
	cfg, err := model.LoadConfig(strings.NewReader(alphaConfig))
	require.NoError(t, err)

	require.True(t, cfg.Verbose)
	require.False(t, cfg.Browser.Headless)
	require.Equal(t, 3, cfg.Jobs.MaxTabs)
	require.Equal(t, 250*time.Millisecond, cfg.Jobs.PollInterval)
	require.Equal(t, 20, cfg.Jobs.PageSize)
	require.Equal(t, model.StoreRedis, cfg.Store.Kind)
	require.Equal(t, "{{.BaseURL}}/reports/{{.JobID}}/new", cfg.Portal.Create.URL)
	// defaults survive a partial file
	require.Equal(t, "tabctl.progress", cfg.Progress.Subject)
	require.Equal(t, 1366, cfg.Browser.WindowWidth)
}

func TestDefaultConfig(t *testing.T) {
	cfg := model.DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Equal(t, 5, cfg.Jobs.MaxTabs)
	require.Equal(t, 500*time.Millisecond, cfg.Jobs.PollInterval)
	require.Equal(t, 15, cfg.Jobs.PageSize)
	require.Equal(t, model.StoreBadger, cfg.Store.Kind)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TABCTL_JOBS_MAX_TABS", "8")
	cfg, err := model.LoadConfig(strings.NewReader("verbose: false\n"))
	require.NoError(t, err)
	require.Equal(t, 8, cfg.Jobs.MaxTabs)
}

func TestValidate(t *testing.T) {
	t.Parallel()
	var testCases = []struct {
		scenario string
		given    func(*model.Config)
		then     string
	}{
		{"ok", func(*model.Config) {}, ""},
		{"max tabs", func(c *model.Config) { c.Jobs.MaxTabs = 0 }, "jobs.max_tabs"},
		{"poll interval", func(c *model.Config) { c.Jobs.PollInterval = 0 }, "jobs.poll_interval"},
		{"page size", func(c *model.Config) { c.Jobs.PageSize = 0 }, "jobs.page_size"},
		{"store kind", func(c *model.Config) { c.Store.Kind = "mongo" }, "store.kind"},
		{"redis url", func(c *model.Config) { c.Store.Kind = model.StoreRedis }, "store.redis_url"},
		{"base url", func(c *model.Config) { c.Portal.BaseURL = "portal" }, "portal.base_url"},
	}

	for _, tt := range testCases {
		t.Run(tt.scenario, func(t *testing.T) {
			t.Parallel()
			cfg := validConfig()
			tt.given(&cfg)
			err := cfg.Validate()
			if tt.then == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.then)
		})
	}
}

func validConfig() model.Config {
	var cfg model.Config
	cfg.Jobs.MaxTabs = 2
	cfg.Jobs.PollInterval = time.Second
	cfg.Jobs.PageSize = 15
	cfg.Store.Kind = model.StoreBadger
	return cfg
}

func TestParseJobType(t *testing.T) {
	t.Parallel()
	jt, err := model.ParseJobType("fill-items")
	require.NoError(t, err)
	require.Equal(t, model.JobTypeFillItems, jt)

	_, err = model.ParseJobType("macro-edit")
	require.ErrorIs(t, err, model.ErrUnknownJobType)
}

func TestValidJobID(t *testing.T) {
	t.Parallel()
	require.True(t, model.ValidJobID("1234567"))
	require.True(t, model.ValidJobID("batch-0c5a:2"))
	require.False(t, model.ValidJobID(""))
	require.False(t, model.ValidJobID("-leading"))
	require.False(t, model.ValidJobID("with space"))
	require.False(t, model.ValidJobID("R.1"))
	require.False(t, model.ValidJobID("R-1.*"))
}

func TestPercentage(t *testing.T) {
	t.Parallel()
	require.Equal(t, 100.0, model.Percentage(0, 0))
	require.Equal(t, 50.0, model.Percentage(1, 2))
	require.Equal(t, 100.0, model.Percentage(3, 2))
}
