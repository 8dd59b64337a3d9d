// Package config loads the chatsync session configuration file.
//
// The format is chosen by extension: .toml, .yaml/.yml or .json. Durations are
// strings accepted by time.ParseDuration. Absent or zero settings keep the
// component defaults.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

const defaultRequestTimeout = 10 * time.Second

// ErrUnsupportedFormat is returned for config files with an unknown extension.
var ErrUnsupportedFormat = errors.New("unsupported config format")

// Config is the resolved session configuration.
type Config struct {
	// LogLevel is the minimum level of the CLI logger.
	LogLevel slog.Level
	// Remote configures the WebSocket remote store.
	Remote Remote
	// Local configures the local persistent store.
	Local Local
	// CacheLimits holds per-class entity cache bounds keyed by scope class.
	CacheLimits map[string]Limits
	// Subscriptions configures the subscription manager.
	Subscriptions Subscriptions
	// Profiles configures the profile cache.
	Profiles Profiles
	// Preload configures the preload orchestrator.
	Preload Preload
	// Typing configures the typing coalescer.
	Typing Typing
	// BadgeCap bounds the reported badge count.
	BadgeCap int
	// WarmStart bounds the persisted warm start state.
	WarmStart WarmStart
	// PageSize is the default message page size.
	PageSize int
}

// Remote configures the remote store transport.
type Remote struct {
	URL            string
	RequestTimeout time.Duration
}

// Local configures the local store. An empty Path keeps state in memory.
type Local struct {
	Path string
}

// Limits bounds one entity cache class.
type Limits struct {
	MaxItems  int
	MaxScopes int
}

// Subscriptions configures the live slot table.
type Subscriptions struct {
	Capacity      int
	IdleTimeout   time.Duration
	SweepInterval time.Duration
	BatchDelay    time.Duration
	BatchSize     int
	SideCacheTTL  time.Duration
	TypeBudgets   map[string]int
}

// Profiles configures profile batching and freshness.
type Profiles struct {
	TTL        time.Duration
	BatchDelay time.Duration
	BatchSize  int
}

// Preload configures speculative loading.
type Preload struct {
	Workers    int
	QueueSize  int
	HoverDelay time.Duration
	IdleDelay  time.Duration
	Cooldown   time.Duration
	Adjacent   int
}

// Typing configures typing indicator coalescing.
type Typing struct {
	Debounce     time.Duration
	Expiry       time.Duration
	WriteTimeout time.Duration
}

// WarmStart bounds the persisted state.
type WarmStart struct {
	MaxScopes   int
	MaxMessages int
}

type fileConfig struct {
	LogLevel      string                `json:"log_level" toml:"log_level" yaml:"log_level"`
	Remote        fileRemote            `json:"remote" toml:"remote" yaml:"remote"`
	Local         fileLocal             `json:"local" toml:"local" yaml:"local"`
	Cache         map[string]fileLimits `json:"cache" toml:"cache" yaml:"cache"`
	Subscriptions fileSubscriptions     `json:"subscriptions" toml:"subscriptions" yaml:"subscriptions"`
	Profiles      fileProfiles          `json:"profiles" toml:"profiles" yaml:"profiles"`
	Preload       filePreload           `json:"preload" toml:"preload" yaml:"preload"`
	Typing        fileTyping            `json:"typing" toml:"typing" yaml:"typing"`
	Notifications fileNotifications     `json:"notifications" toml:"notifications" yaml:"notifications"`
	WarmStart     fileWarmStart         `json:"warm_start" toml:"warm_start" yaml:"warm_start"`
	PageSize      *int                  `json:"page_size" toml:"page_size" yaml:"page_size"`
}

type fileRemote struct {
	URL            string `json:"url" toml:"url" yaml:"url"`
	RequestTimeout string `json:"request_timeout" toml:"request_timeout" yaml:"request_timeout"`
}

type fileLocal struct {
	Path string `json:"path" toml:"path" yaml:"path"`
}

type fileLimits struct {
	MaxItems  *int `json:"max_items" toml:"max_items" yaml:"max_items"`
	MaxScopes *int `json:"max_scopes" toml:"max_scopes" yaml:"max_scopes"`
}

type fileSubscriptions struct {
	Capacity      *int           `json:"capacity" toml:"capacity" yaml:"capacity"`
	IdleTimeout   string         `json:"idle_timeout" toml:"idle_timeout" yaml:"idle_timeout"`
	SweepInterval string         `json:"sweep_interval" toml:"sweep_interval" yaml:"sweep_interval"`
	BatchDelay    string         `json:"batch_delay" toml:"batch_delay" yaml:"batch_delay"`
	BatchSize     *int           `json:"batch_size" toml:"batch_size" yaml:"batch_size"`
	SideCacheTTL  string         `json:"side_cache_ttl" toml:"side_cache_ttl" yaml:"side_cache_ttl"`
	TypeBudgets   map[string]int `json:"type_budgets" toml:"type_budgets" yaml:"type_budgets"`
}

type fileProfiles struct {
	TTL        string `json:"ttl" toml:"ttl" yaml:"ttl"`
	BatchDelay string `json:"batch_delay" toml:"batch_delay" yaml:"batch_delay"`
	BatchSize  *int   `json:"batch_size" toml:"batch_size" yaml:"batch_size"`
}

type filePreload struct {
	Workers    *int   `json:"workers" toml:"workers" yaml:"workers"`
	QueueSize  *int   `json:"queue_size" toml:"queue_size" yaml:"queue_size"`
	HoverDelay string `json:"hover_delay" toml:"hover_delay" yaml:"hover_delay"`
	IdleDelay  string `json:"idle_delay" toml:"idle_delay" yaml:"idle_delay"`
	Cooldown   string `json:"cooldown" toml:"cooldown" yaml:"cooldown"`
	Adjacent   *int   `json:"adjacent" toml:"adjacent" yaml:"adjacent"`
}

type fileTyping struct {
	Debounce     string `json:"debounce" toml:"debounce" yaml:"debounce"`
	Expiry       string `json:"expiry" toml:"expiry" yaml:"expiry"`
	WriteTimeout string `json:"write_timeout" toml:"write_timeout" yaml:"write_timeout"`
}

type fileNotifications struct {
	BadgeCap *int `json:"badge_cap" toml:"badge_cap" yaml:"badge_cap"`
}

type fileWarmStart struct {
	MaxScopes   *int `json:"max_scopes" toml:"max_scopes" yaml:"max_scopes"`
	MaxMessages *int `json:"max_messages" toml:"max_messages" yaml:"max_messages"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		LogLevel:    slog.LevelInfo,
		Remote:      Remote{RequestTimeout: defaultRequestTimeout},
		CacheLimits: make(map[string]Limits),
		Subscriptions: Subscriptions{
			TypeBudgets: make(map[string]int),
		},
	}
}

// LoadFile reads, decodes and validates the config file at path.
func LoadFile(path string) (Config, error) {
	trimmedPath := strings.TrimSpace(path)
	if trimmedPath == "" {
		return Config{}, fmt.Errorf("load config: empty path")
	}

	data, err := os.ReadFile(trimmedPath)
	if err != nil {
		return Config{}, fmt.Errorf("load config read %s: %w", trimmedPath, err)
	}

	var parsed fileConfig
	if err := decodeStrict(filepath.Ext(trimmedPath), data, &parsed); err != nil {
		return Config{}, fmt.Errorf("load config parse %s: %w", trimmedPath, err)
	}

	cfg := Default()
	if err := apply(&cfg, parsed); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", trimmedPath, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", trimmedPath, err)
	}

	return cfg, nil
}

// Validate checks cross-field constraints of a resolved configuration.
func (cfg Config) Validate() error {
	if rawURL := strings.TrimSpace(cfg.Remote.URL); rawURL != "" {
		parsed, err := url.Parse(rawURL)
		if err != nil {
			return fmt.Errorf("validate remote.url: %w", err)
		}
		if parsed.Scheme != "ws" && parsed.Scheme != "wss" {
			return fmt.Errorf("validate remote.url: scheme must be ws or wss, got %q", parsed.Scheme)
		}
		if parsed.Host == "" {
			return fmt.Errorf("validate remote.url: missing host")
		}
	}
	if cfg.Remote.RequestTimeout <= 0 {
		return fmt.Errorf("validate remote.request_timeout: must be > 0")
	}
	if cfg.Typing.Expiry > 0 && cfg.Typing.WriteTimeout > 0 && cfg.Typing.Expiry < cfg.Typing.WriteTimeout {
		return fmt.Errorf("validate typing: expiry must not be shorter than write_timeout")
	}
	if cfg.Subscriptions.Capacity > 0 {
		for slotType, budget := range cfg.Subscriptions.TypeBudgets {
			if budget > cfg.Subscriptions.Capacity {
				return fmt.Errorf("validate subscriptions.type_budgets.%s: exceeds capacity %d", slotType, cfg.Subscriptions.Capacity)
			}
		}
	}

	return nil
}

func apply(cfg *Config, parsed fileConfig) error {
	if rawLevel := strings.TrimSpace(parsed.LogLevel); rawLevel != "" {
		level, err := ParseLogLevel(rawLevel)
		if err != nil {
			return fmt.Errorf("parse log_level: %w", err)
		}
		cfg.LogLevel = level
	}

	cfg.Remote.URL = strings.TrimSpace(parsed.Remote.URL)
	cfg.Local.Path = strings.TrimSpace(parsed.Local.Path)

	durations := []struct {
		name   string
		raw    string
		target *time.Duration
	}{
		{name: "remote.request_timeout", raw: parsed.Remote.RequestTimeout, target: &cfg.Remote.RequestTimeout},
		{name: "subscriptions.idle_timeout", raw: parsed.Subscriptions.IdleTimeout, target: &cfg.Subscriptions.IdleTimeout},
		{name: "subscriptions.sweep_interval", raw: parsed.Subscriptions.SweepInterval, target: &cfg.Subscriptions.SweepInterval},
		{name: "subscriptions.batch_delay", raw: parsed.Subscriptions.BatchDelay, target: &cfg.Subscriptions.BatchDelay},
		{name: "subscriptions.side_cache_ttl", raw: parsed.Subscriptions.SideCacheTTL, target: &cfg.Subscriptions.SideCacheTTL},
		{name: "profiles.ttl", raw: parsed.Profiles.TTL, target: &cfg.Profiles.TTL},
		{name: "profiles.batch_delay", raw: parsed.Profiles.BatchDelay, target: &cfg.Profiles.BatchDelay},
		{name: "preload.hover_delay", raw: parsed.Preload.HoverDelay, target: &cfg.Preload.HoverDelay},
		{name: "preload.idle_delay", raw: parsed.Preload.IdleDelay, target: &cfg.Preload.IdleDelay},
		{name: "preload.cooldown", raw: parsed.Preload.Cooldown, target: &cfg.Preload.Cooldown},
		{name: "typing.debounce", raw: parsed.Typing.Debounce, target: &cfg.Typing.Debounce},
		{name: "typing.expiry", raw: parsed.Typing.Expiry, target: &cfg.Typing.Expiry},
		{name: "typing.write_timeout", raw: parsed.Typing.WriteTimeout, target: &cfg.Typing.WriteTimeout},
	}
	for _, entry := range durations {
		if err := parsePositiveDuration(entry.name, entry.raw, entry.target); err != nil {
			return err
		}
	}

	counts := []struct {
		name   string
		raw    *int
		target *int
	}{
		{name: "subscriptions.capacity", raw: parsed.Subscriptions.Capacity, target: &cfg.Subscriptions.Capacity},
		{name: "subscriptions.batch_size", raw: parsed.Subscriptions.BatchSize, target: &cfg.Subscriptions.BatchSize},
		{name: "profiles.batch_size", raw: parsed.Profiles.BatchSize, target: &cfg.Profiles.BatchSize},
		{name: "preload.workers", raw: parsed.Preload.Workers, target: &cfg.Preload.Workers},
		{name: "preload.queue_size", raw: parsed.Preload.QueueSize, target: &cfg.Preload.QueueSize},
		{name: "preload.adjacent", raw: parsed.Preload.Adjacent, target: &cfg.Preload.Adjacent},
		{name: "notifications.badge_cap", raw: parsed.Notifications.BadgeCap, target: &cfg.BadgeCap},
		{name: "warm_start.max_scopes", raw: parsed.WarmStart.MaxScopes, target: &cfg.WarmStart.MaxScopes},
		{name: "warm_start.max_messages", raw: parsed.WarmStart.MaxMessages, target: &cfg.WarmStart.MaxMessages},
		{name: "page_size", raw: parsed.PageSize, target: &cfg.PageSize},
	}
	for _, entry := range counts {
		if err := parsePositiveInt(entry.name, entry.raw, entry.target); err != nil {
			return err
		}
	}

	for class, raw := range parsed.Cache {
		name := strings.TrimSpace(class)
		if name == "" {
			return fmt.Errorf("parse cache: empty class key")
		}
		var limits Limits
		if err := parsePositiveInt("cache."+name+".max_items", raw.MaxItems, &limits.MaxItems); err != nil {
			return err
		}
		if err := parsePositiveInt("cache."+name+".max_scopes", raw.MaxScopes, &limits.MaxScopes); err != nil {
			return err
		}
		cfg.CacheLimits[name] = limits
	}

	for slotType, budget := range parsed.Subscriptions.TypeBudgets {
		if budget <= 0 {
			return fmt.Errorf("parse subscriptions.type_budgets.%s: must be > 0", slotType)
		}
		cfg.Subscriptions.TypeBudgets[strings.TrimSpace(slotType)] = budget
	}

	return nil
}

// ParseLogLevel maps a level name to its slog level.
func ParseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unsupported level %q", raw)
	}
}

func parsePositiveDuration(name string, raw string, target *time.Duration) error {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}
	value, err := time.ParseDuration(trimmed)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if value <= 0 {
		return fmt.Errorf("parse %s: must be > 0", name)
	}
	*target = value

	return nil
}

func parsePositiveInt(name string, raw *int, target *int) error {
	if raw == nil {
		return nil
	}
	if *raw <= 0 {
		return fmt.Errorf("parse %s: must be > 0", name)
	}
	*target = *raw

	return nil
}

func decodeStrict(ext string, data []byte, target *fileConfig) error {
	switch strings.ToLower(ext) {
	case ".toml":
		decoder := toml.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(target); err != nil {
			return fmt.Errorf("decode toml: %w", err)
		}
	case ".yaml", ".yml":
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(target); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("decode yaml: %w", err)
		}
	case ".json":
		decoder := json.NewDecoder(bytes.NewReader(data))
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(target); err != nil {
			return fmt.Errorf("decode json: %w", err)
		}
		if err := decoder.Decode(&struct{}{}); err != io.EOF {
			if err == nil {
				return fmt.Errorf("unexpected trailing content")
			}
			return fmt.Errorf("decode trailing json: %w", err)
		}
	default:
		return fmt.Errorf("%w %q", ErrUnsupportedFormat, ext)
	}

	return nil
}
