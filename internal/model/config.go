package model

import (
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	StoreBadger = "badger"
	StoreRedis  = "redis"
	StoreNone   = "none"

	envPrefix = "TABCTL"
)

type Config struct {
	Verbose  bool     `mapstructure:"verbose"`
	Browser  Browser  `mapstructure:"browser"`
	Jobs     Jobs     `mapstructure:"jobs"`
	Store    Store    `mapstructure:"store"`
	Progress Progress `mapstructure:"progress"`
	Schedule Schedule `mapstructure:"schedule"`
	Output   Output   `mapstructure:"output"`
	Portal   Portal   `mapstructure:"portal"`
}

// Browser controls how the primary browser is launched or attached to.
type Browser struct {
	ExecPath     string `mapstructure:"exec_path"`
	Headless     bool   `mapstructure:"headless"`
	UserDataDir  string `mapstructure:"user_data_dir"`
	RemoteURL    string `mapstructure:"remote_url"` // ws:// devtools url of a running browser
	WindowWidth  int    `mapstructure:"window_width"`
	WindowHeight int    `mapstructure:"window_height"`
}

type Jobs struct {
	MaxTabs      int           `mapstructure:"max_tabs"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// PageSize is the number of rows the portal lists per page, used to
	// estimate asset counts from pagination.
	PageSize    int           `mapstructure:"page_size"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
}

type Store struct {
	Kind     string        `mapstructure:"kind"`
	Path     string        `mapstructure:"path"`
	RedisURL string        `mapstructure:"redis_url"`
	TTL      time.Duration `mapstructure:"ttl"`
}

type Progress struct {
	NATSURL        string `mapstructure:"nats_url"`
	Subject        string `mapstructure:"subject"`
	ControlSubject string `mapstructure:"control_subject"`
}

type Schedule struct {
	Cron  string `mapstructure:"cron"`
	Items string `mapstructure:"items"`
	JobID string `mapstructure:"job_id"`
}

type Output struct {
	Dir     string `mapstructure:"dir"`
	Webhook string `mapstructure:"webhook"`
}

// Portal holds the per job type page scripts. Selectors live inside the
// scripts, so the orchestration code never sees them.
type Portal struct {
	BaseURL string `mapstructure:"base_url"`
	Create  Step   `mapstructure:"create"`
	Fill    Step   `mapstructure:"fill"`
	Check   Step   `mapstructure:"check"`
	Grab    Step   `mapstructure:"grab"`
}

// Step is one page interaction: open URL (a text/template), optionally wait
// for a selector, then evaluate Script.
type Step struct {
	URL    string `mapstructure:"url"`
	Wait   string `mapstructure:"wait"`
	Script string `mapstructure:"script"`
	// Submit is clicked after the script ran, when present on the page.
	Submit string `mapstructure:"submit"`
}

var defaults = map[string]any{
	"verbose":                  false,
	"browser.exec_path":        "",
	"browser.headless":         true,
	"browser.user_data_dir":    "",
	"browser.remote_url":       "",
	"browser.window_width":     1366,
	"browser.window_height":    900,
	"jobs.max_tabs":            5,
	"jobs.poll_interval":       "500ms",
	"jobs.page_size":           15,
	"jobs.item_timeout":        "0s",
	"store.kind":               StoreBadger,
	"store.path":               "",
	"store.redis_url":          "",
	"store.ttl":                "0s",
	"progress.nats_url":        "",
	"progress.subject":         "tabctl.progress",
	"progress.control_subject": "tabctl.control",
	"schedule.cron":            "",
	"schedule.items":           "",
	"schedule.job_id":          "",
	"output.dir":               "",
	"output.webhook":           "",
	"portal.base_url":          "",
	"portal.create.url":        "",
	"portal.create.wait":       "",
	"portal.create.script":     "",
	"portal.create.submit":     "",
	"portal.fill.url":          "",
	"portal.fill.wait":         "",
	"portal.fill.script":       "",
	"portal.fill.submit":       "",
	"portal.check.url":         "",
	"portal.check.wait":        "",
	"portal.check.script":      "",
	"portal.check.submit":      "",
	"portal.grab.url":          "",
	"portal.grab.wait":         "",
	"portal.grab.script":       "",
	"portal.grab.submit":       "",
}

func newViper() *viper.Viper {
	v := viper.New()
	for k, d := range defaults {
		v.SetDefault(k, d)
	}
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// DefaultConfig returns the configuration used when no file is present.
// Environment overrides still apply.
func DefaultConfig() Config {
	cfg, err := decode(newViper())
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadConfig reads YAML from r and applies defaults and TABCTL_* overrides.
func LoadConfig(r io.Reader) (Config, error) {
	v := newViper()
	v.SetConfigType("yaml")
	if err := v.ReadConfig(r); err != nil {
		return Config{}, fmt.Errorf("reading config: %w", err)
	}
	cfg, err := decode(v)
	if err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func LoadConfigFile(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	return LoadConfig(f)
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// Validate reports every invalid field at once.
func (c Config) Validate() error {
	var errs []error
	if c.Jobs.MaxTabs < 1 {
		errs = append(errs, fmt.Errorf("jobs.max_tabs: must be >= 1, got %d", c.Jobs.MaxTabs))
	}
	if c.Jobs.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("jobs.poll_interval: must be positive, got %s", c.Jobs.PollInterval))
	}
	if c.Jobs.PageSize < 1 {
		errs = append(errs, fmt.Errorf("jobs.page_size: must be >= 1, got %d", c.Jobs.PageSize))
	}
	if c.Jobs.ItemTimeout < 0 {
		errs = append(errs, fmt.Errorf("jobs.item_timeout: must not be negative"))
	}
	switch c.Store.Kind {
	case StoreBadger, StoreNone:
	case StoreRedis:
		if c.Store.RedisURL == "" {
			errs = append(errs, errors.New("store.redis_url: required for redis store"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.kind: possible values (badger,redis,none): got %q", c.Store.Kind))
	}
	if c.Progress.NATSURL != "" && c.Progress.Subject == "" {
		errs = append(errs, errors.New("progress.subject: required when progress.nats_url is set"))
	}
	for name, raw := range map[string]string{
		"portal.base_url": c.Portal.BaseURL,
		"output.webhook":  c.Output.Webhook,
	} {
		if raw == "" {
			continue
		}
		u, err := url.Parse(raw)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("%s: expected absolute url, got %q", name, raw))
		}
	}
	return errors.Join(errs...)
}
