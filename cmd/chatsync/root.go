package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"chatsync/pkg/config"
)

const (
	envConfigFile           = "CHATSYNC_CONFIG"
	defaultConfigFilePath   = "config/chatsync.toml"
	alternateConfigFilePath = "chatsync.toml"
)

type rootOptions struct {
	configFile string
}

func newRootCommand() *cobra.Command {
	options := &rootOptions{}

	root := &cobra.Command{
		Use:   "chatsync",
		Short: "Chat sync core client and development server",
		Long: `chatsync keeps a local view of servers, channels, direct threads and
unread counters in sync with a remote document store.

Run "chatsync serve" for an in-memory development store and
"chatsync watch" to follow it as a signed-in user.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&options.configFile, "config", "",
		fmt.Sprintf("config file (default $%s, %s or %s)", envConfigFile, defaultConfigFilePath, alternateConfigFilePath))

	root.AddCommand(
		newConfigCommand(options),
		newServeCommand(options),
		newWatchCommand(options),
		newSendCommand(options),
	)

	return root
}

// setup resolves the configuration and builds the command logger.
func (o *rootOptions) setup(cmd *cobra.Command) (config.Config, *slog.Logger, error) {
	cfg, _, err := o.load()
	if err != nil {
		return config.Config{}, nil, err
	}

	return cfg, newLogger(cmd.ErrOrStderr(), cfg.LogLevel), nil
}

func (o *rootOptions) load() (config.Config, string, error) {
	path, err := resolveConfigFilePath(o.configFile)
	if err != nil {
		return config.Config{}, "", err
	}
	if path == "" {
		return config.Default(), "", nil
	}

	cfg, err := config.LoadFile(path)
	if err != nil {
		return config.Config{}, "", err
	}

	return cfg, path, nil
}

// resolveConfigFilePath prefers the flag, then the environment, then the
// default locations. An empty result means no file was found.
func resolveConfigFilePath(flagValue string) (string, error) {
	if configFile := strings.TrimSpace(flagValue); configFile != "" {
		return configFile, nil
	}
	if configFile := strings.TrimSpace(os.Getenv(envConfigFile)); configFile != "" {
		return configFile, nil
	}

	for _, candidate := range []string{defaultConfigFilePath, alternateConfigFilePath} {
		info, err := os.Stat(candidate)
		if err == nil {
			if info.IsDir() {
				return "", fmt.Errorf("config file %s is a directory", candidate)
			}
			return candidate, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", fmt.Errorf("stat config file %s: %w", candidate, err)
		}
	}

	return "", nil
}

func newLogger(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}
