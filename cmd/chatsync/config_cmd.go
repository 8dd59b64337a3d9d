package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"chatsync/pkg/config"
)

func newConfigCommand(root *rootOptions) *cobra.Command {
	command := &cobra.Command{
		Use:   "config",
		Short: "Inspect the resolved configuration",
	}
	command.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the resolved configuration as TOML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, path, err := root.load()
			if err != nil {
				return err
			}
			data, err := toml.Marshal(newConfigView(cfg))
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}

			out := cmd.OutOrStdout()
			if path == "" {
				fmt.Fprintln(out, "# no config file found, showing defaults")
			} else {
				fmt.Fprintf(out, "# %s\n", path)
			}
			_, err = out.Write(data)
			return err
		},
	})

	return command
}

// configView is the printable form of config.Config. Zero values mean the
// component default applies.
type configView struct {
	LogLevel      string                `toml:"log_level"`
	PageSize      int                   `toml:"page_size"`
	Remote        remoteView            `toml:"remote"`
	Local         localView             `toml:"local"`
	Cache         map[string]limitsView `toml:"cache"`
	Subscriptions subscriptionsView     `toml:"subscriptions"`
	Profiles      profilesView          `toml:"profiles"`
	Preload       preloadView           `toml:"preload"`
	Typing        typingView            `toml:"typing"`
	Notifications notificationsView     `toml:"notifications"`
	WarmStart     warmStartView         `toml:"warm_start"`
}

type remoteView struct {
	URL            string `toml:"url"`
	RequestTimeout string `toml:"request_timeout"`
}

type localView struct {
	Path string `toml:"path"`
}

type limitsView struct {
	MaxItems  int `toml:"max_items"`
	MaxScopes int `toml:"max_scopes"`
}

type subscriptionsView struct {
	Capacity      int            `toml:"capacity"`
	IdleTimeout   string         `toml:"idle_timeout"`
	SweepInterval string         `toml:"sweep_interval"`
	BatchDelay    string         `toml:"batch_delay"`
	BatchSize     int            `toml:"batch_size"`
	SideCacheTTL  string         `toml:"side_cache_ttl"`
	TypeBudgets   map[string]int `toml:"type_budgets"`
}

type profilesView struct {
	TTL        string `toml:"ttl"`
	BatchDelay string `toml:"batch_delay"`
	BatchSize  int    `toml:"batch_size"`
}

type preloadView struct {
	Workers    int    `toml:"workers"`
	QueueSize  int    `toml:"queue_size"`
	HoverDelay string `toml:"hover_delay"`
	IdleDelay  string `toml:"idle_delay"`
	Cooldown   string `toml:"cooldown"`
	Adjacent   int    `toml:"adjacent"`
}

type typingView struct {
	Debounce     string `toml:"debounce"`
	Expiry       string `toml:"expiry"`
	WriteTimeout string `toml:"write_timeout"`
}

type notificationsView struct {
	BadgeCap int `toml:"badge_cap"`
}

type warmStartView struct {
	MaxScopes   int `toml:"max_scopes"`
	MaxMessages int `toml:"max_messages"`
}

func newConfigView(cfg config.Config) configView {
	view := configView{
		LogLevel: strings.ToLower(cfg.LogLevel.String()),
		PageSize: cfg.PageSize,
		Remote: remoteView{
			URL:            cfg.Remote.URL,
			RequestTimeout: durationText(cfg.Remote.RequestTimeout),
		},
		Local: localView{Path: cfg.Local.Path},
		Cache: make(map[string]limitsView, len(cfg.CacheLimits)),
		Subscriptions: subscriptionsView{
			Capacity:      cfg.Subscriptions.Capacity,
			IdleTimeout:   durationText(cfg.Subscriptions.IdleTimeout),
			SweepInterval: durationText(cfg.Subscriptions.SweepInterval),
			BatchDelay:    durationText(cfg.Subscriptions.BatchDelay),
			BatchSize:     cfg.Subscriptions.BatchSize,
			SideCacheTTL:  durationText(cfg.Subscriptions.SideCacheTTL),
			TypeBudgets:   make(map[string]int, len(cfg.Subscriptions.TypeBudgets)),
		},
		Profiles: profilesView{
			TTL:        durationText(cfg.Profiles.TTL),
			BatchDelay: durationText(cfg.Profiles.BatchDelay),
			BatchSize:  cfg.Profiles.BatchSize,
		},
		Preload: preloadView{
			Workers:    cfg.Preload.Workers,
			QueueSize:  cfg.Preload.QueueSize,
			HoverDelay: durationText(cfg.Preload.HoverDelay),
			IdleDelay:  durationText(cfg.Preload.IdleDelay),
			Cooldown:   durationText(cfg.Preload.Cooldown),
			Adjacent:   cfg.Preload.Adjacent,
		},
		Typing: typingView{
			Debounce:     durationText(cfg.Typing.Debounce),
			Expiry:       durationText(cfg.Typing.Expiry),
			WriteTimeout: durationText(cfg.Typing.WriteTimeout),
		},
		Notifications: notificationsView{BadgeCap: cfg.BadgeCap},
		WarmStart: warmStartView{
			MaxScopes:   cfg.WarmStart.MaxScopes,
			MaxMessages: cfg.WarmStart.MaxMessages,
		},
	}
	for class, limits := range cfg.CacheLimits {
		view.Cache[class] = limitsView{MaxItems: limits.MaxItems, MaxScopes: limits.MaxScopes}
	}
	for slotType, budget := range cfg.Subscriptions.TypeBudgets {
		view.Subscriptions.TypeBudgets[slotType] = budget
	}

	return view
}

func durationText(value time.Duration) string {
	if value == 0 {
		return ""
	}

	return value.String()
}
