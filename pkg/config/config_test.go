package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfigFile(t *testing.T, name string, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config file failed: %v", err)
	}

	return path
}

func TestLoadFile(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name             string
		file             string
		body             string
		wantErrSubstring string
		assert           func(*testing.T, Config)
	}{
		{
			name: "toml",
			file: "chatsync.toml",
			body: `
log_level = "debug"
page_size = 40

[remote]
url = "wss://sync.example.com/v1"
request_timeout = "3s"

[cache.channel_messages]
max_items = 200
max_scopes = 12

[subscriptions]
capacity = 64
idle_timeout = "2m"
type_budgets = { typing = 8 }

[typing]
debounce = "1500ms"
expiry = "4s"
`,
			assert: func(t *testing.T, cfg Config) {
				t.Helper()

				if cfg.LogLevel != slog.LevelDebug || cfg.PageSize != 40 {
					t.Fatalf("level=%v page=%d", cfg.LogLevel, cfg.PageSize)
				}
				if cfg.Remote.URL != "wss://sync.example.com/v1" || cfg.Remote.RequestTimeout != 3*time.Second {
					t.Fatalf("remote = %+v", cfg.Remote)
				}
				if cfg.CacheLimits["channel_messages"] != (Limits{MaxItems: 200, MaxScopes: 12}) {
					t.Fatalf("cache limits = %+v", cfg.CacheLimits)
				}
				if cfg.Subscriptions.Capacity != 64 || cfg.Subscriptions.IdleTimeout != 2*time.Minute || cfg.Subscriptions.TypeBudgets["typing"] != 8 {
					t.Fatalf("subscriptions = %+v", cfg.Subscriptions)
				}
				if cfg.Typing.Debounce != 1500*time.Millisecond || cfg.Typing.Expiry != 4*time.Second {
					t.Fatalf("typing = %+v", cfg.Typing)
				}
			},
		},
		{
			name: "yaml",
			file: "chatsync.yaml",
			body: `
log_level: warn
local:
  path: /tmp/chatsync.db
preload:
  workers: 3
  hover_delay: 150ms
notifications:
  badge_cap: 9
warm_start:
  max_scopes: 4
`,
			assert: func(t *testing.T, cfg Config) {
				t.Helper()

				if cfg.LogLevel != slog.LevelWarn || cfg.Local.Path != "/tmp/chatsync.db" {
					t.Fatalf("level=%v local=%+v", cfg.LogLevel, cfg.Local)
				}
				if cfg.Preload.Workers != 3 || cfg.Preload.HoverDelay != 150*time.Millisecond {
					t.Fatalf("preload = %+v", cfg.Preload)
				}
				if cfg.BadgeCap != 9 || cfg.WarmStart.MaxScopes != 4 {
					t.Fatalf("badge=%d warm=%+v", cfg.BadgeCap, cfg.WarmStart)
				}
				if cfg.Remote.RequestTimeout != defaultRequestTimeout {
					t.Fatalf("request timeout default lost: %v", cfg.Remote.RequestTimeout)
				}
			},
		},
		{
			name: "json",
			file: "chatsync.json",
			body: `{"profiles":{"ttl":"10m","batch_size":25}}`,
			assert: func(t *testing.T, cfg Config) {
				t.Helper()

				if cfg.Profiles.TTL != 10*time.Minute || cfg.Profiles.BatchSize != 25 {
					t.Fatalf("profiles = %+v", cfg.Profiles)
				}
			},
		},
		{
			name: "empty yaml keeps defaults",
			file: "empty.yml",
			body: "",
			assert: func(t *testing.T, cfg Config) {
				t.Helper()

				if cfg.LogLevel != slog.LevelInfo || cfg.Remote.RequestTimeout != defaultRequestTimeout {
					t.Fatalf("defaults = %+v", cfg)
				}
			},
		},
		{
			name:             "unknown field",
			file:             "chatsync.toml",
			body:             "flavour = \"mint\"\n",
			wantErrSubstring: "decode toml",
		},
		{
			name:             "zero count",
			file:             "chatsync.yaml",
			body:             "preload:\n  workers: 0\n",
			wantErrSubstring: "preload.workers: must be > 0",
		},
		{
			name:             "bad duration",
			file:             "chatsync.json",
			body:             `{"typing":{"expiry":"soon"}}`,
			wantErrSubstring: "parse typing.expiry",
		},
		{
			name:             "remote scheme",
			file:             "chatsync.toml",
			body:             "[remote]\nurl = \"https://sync.example.com\"\n",
			wantErrSubstring: "scheme must be ws or wss",
		},
		{
			name:             "budget over capacity",
			file:             "chatsync.toml",
			body:             "[subscriptions]\ncapacity = 4\ntype_budgets = { profile = 5 }\n",
			wantErrSubstring: "exceeds capacity",
		},
		{
			name:             "unknown log level",
			file:             "chatsync.json",
			body:             `{"log_level":"loud"}`,
			wantErrSubstring: "unsupported level",
		},
	}

	for _, testCase := range tests {
		testCase := testCase
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			cfg, err := LoadFile(writeConfigFile(t, testCase.file, testCase.body))
			if testCase.wantErrSubstring != "" {
				if err == nil || !strings.Contains(err.Error(), testCase.wantErrSubstring) {
					t.Fatalf("LoadFile() error = %v, want substring %q", err, testCase.wantErrSubstring)
				}
				return
			}
			if err != nil {
				t.Fatalf("LoadFile() error = %v", err)
			}
			testCase.assert(t, cfg)
		})
	}
}

func TestLoadFileUnsupportedExtension(t *testing.T) {
	t.Parallel()

	_, err := LoadFile(writeConfigFile(t, "chatsync.ini", "x=1"))
	if !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("LoadFile() error = %v, want ErrUnsupportedFormat", err)
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	for raw, want := range map[string]slog.Level{
		"debug":   slog.LevelDebug,
		" INFO ":  slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	} {
		got, err := ParseLogLevel(raw)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v", raw, got, err)
		}
	}
}
