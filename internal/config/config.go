// Package config loads and hot-reloads the worker's settings.
//
// Recognized options live in a flat key-value file (YAML), with per-key
// environment-variable overrides under the MEMORYD_ prefix; precedence is
// env > file > default, composed via github.com/spf13/viper.
package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Version is the build version reported by /api/health and /api/version.
var Version = "0.1.0-dev"

// Settings holds all runtime configuration for the worker service.
type Settings struct {
	DataDir  string
	Host     string
	Port     int
	LogLevel string
	Daemon   bool

	// Provider selection and credentials.
	Provider          string // "primary", "alternateA", "alternateB"
	AnthropicAPIKey   string
	AnthropicModel    string
	OpenAIAPIKey      string
	OpenAIModel       string
	CLIProviderBinary string
	CLIProviderArgs   []string

	// Context injection and privacy.
	ContextInjectionLimit int
	ObservationTypes      []string
	ConceptWhitelist      []string
	ContextDisplay        bool
	ProjectExclusions     []string
	SkipTools             []string

	// Storage and timing.
	DedupWindow time.Duration
}

func defaults() Settings {
	return Settings{
		DataDir:               "./.memoryd",
		Host:                  "127.0.0.1",
		Port:                  37777,
		LogLevel:              "info",
		Daemon:                false,
		Provider:              "primary",
		AnthropicModel:        "claude-haiku-4-5",
		OpenAIModel:           "gpt-4.1-mini",
		CLIProviderBinary:     "claude",
		ContextInjectionLimit: 4000,
		ObservationTypes: []string{
			"bugfix", "feature", "refactor", "change", "discovery", "decision", "session", "prompt",
		},
		ContextDisplay: true,
		SkipTools:      []string{"TodoWrite"},
		DedupWindow:    15 * time.Minute,
	}
}

// Loader owns a viper instance and republishes Settings atomically whenever
// the underlying file changes on disk.
type Loader struct {
	v       *viper.Viper
	current atomic.Pointer[Settings]
}

// NewLoader reads settings from configPath (if it exists), environment
// variables (MEMORYD_*), and built-in defaults, then watches configPath for
// changes so provider/model/whitelist edits take effect without a restart.
func NewLoader(configPath string) (*Loader, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	d := defaults()
	v.SetDefault("data_dir", d.DataDir)
	v.SetDefault("host", d.Host)
	v.SetDefault("port", d.Port)
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("daemon", d.Daemon)
	v.SetDefault("provider", d.Provider)
	v.SetDefault("anthropic_model", d.AnthropicModel)
	v.SetDefault("openai_model", d.OpenAIModel)
	v.SetDefault("cli_provider_binary", d.CLIProviderBinary)
	v.SetDefault("cli_provider_args", []string{})
	v.SetDefault("context_injection_limit", d.ContextInjectionLimit)
	v.SetDefault("observation_types", d.ObservationTypes)
	v.SetDefault("concept_whitelist", []string{})
	v.SetDefault("context_display", d.ContextDisplay)
	v.SetDefault("project_exclusions", []string{})
	v.SetDefault("skip_tools", d.SkipTools)
	v.SetDefault("dedup_window_seconds", int(d.DedupWindow.Seconds()))

	v.SetEnvPrefix("MEMORYD")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if configPath == "" {
		configPath = filepath.Join(v.GetString("data_dir"), "config.yaml")
	}
	v.SetConfigFile(configPath)

	// A missing file is not fatal: defaults + env still apply.
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
	}

	l := &Loader{v: v}
	l.current.Store(l.snapshot())

	v.OnConfigChange(func(fsnotify.Event) {
		l.current.Store(l.snapshot())
	})
	v.WatchConfig()

	return l, nil
}

// Current returns the most recently loaded Settings. Safe for concurrent use;
// callers that need a consistent view across several fields (e.g. the
// generator's per-spawn provider selection) should capture the returned
// pointer once rather than re-calling Current per field.
func (l *Loader) Current() *Settings {
	return l.current.Load()
}

func (l *Loader) snapshot() *Settings {
	v := l.v
	s := &Settings{
		DataDir:               v.GetString("data_dir"),
		Host:                  v.GetString("host"),
		Port:                  v.GetInt("port"),
		LogLevel:              v.GetString("log_level"),
		Daemon:                v.GetBool("daemon"),
		Provider:              v.GetString("provider"),
		AnthropicAPIKey:       v.GetString("anthropic_api_key"),
		AnthropicModel:        v.GetString("anthropic_model"),
		OpenAIAPIKey:          v.GetString("openai_api_key"),
		OpenAIModel:           v.GetString("openai_model"),
		CLIProviderBinary:     v.GetString("cli_provider_binary"),
		CLIProviderArgs:       v.GetStringSlice("cli_provider_args"),
		ContextInjectionLimit: v.GetInt("context_injection_limit"),
		ObservationTypes:      v.GetStringSlice("observation_types"),
		ConceptWhitelist:      v.GetStringSlice("concept_whitelist"),
		ContextDisplay:        v.GetBool("context_display"),
		ProjectExclusions:     v.GetStringSlice("project_exclusions"),
		SkipTools:             v.GetStringSlice("skip_tools"),
		DedupWindow:           time.Duration(v.GetInt("dedup_window_seconds")) * time.Second,
	}
	return s
}
