package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/session"
)

const (
	envToken        = "CHATSYNC_TOKEN"
	teardownTimeout = 5 * time.Second
)

type watchOptions struct {
	token    string
	servers  []string
	channels []string
	directs  []string
}

func newWatchCommand(root *rootOptions) *cobra.Command {
	options := &watchOptions{}

	command := &cobra.Command{
		Use:   "watch",
		Short: "Follow servers, channels and unread counters as JSON lines",
		Long: `watch signs in with an ID token, opens the given servers, channels and
direct threads and prints badge, notification, alert and typing events
until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := root.setup(cmd)
			if err != nil {
				return err
			}
			token, err := resolveToken(options.token)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			printer := newEventPrinter(cmd.OutOrStdout())
			client, err := openClientSession(ctx, cfg, token, logger, session.Deps{Badge: printer, Alert: printer},
				session.WithEvictObserver(printer.evicted))
			if err != nil {
				return err
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
				defer cancel()
				if err := client.Close(closeCtx); err != nil {
					logger.Warn("session close failed", "error", err)
				}
			}()

			if err := client.Start(ctx); err != nil {
				return err
			}
			stopNotifications := client.Notifications().Subscribe(printer.notifications)
			defer stopNotifications()

			releases, err := openScopes(client, options, printer)
			defer func() {
				for _, release := range releases {
					release()
				}
			}()
			if err != nil {
				return err
			}

			<-ctx.Done()
			return nil
		},
	}
	command.Flags().StringVar(&options.token, "token", "", "ID token (default $"+envToken+")")
	command.Flags().StringSliceVar(&options.servers, "server", nil, "server id to follow (repeatable)")
	command.Flags().StringSliceVar(&options.channels, "channel", nil, "channel id to follow (repeatable)")
	command.Flags().StringSliceVar(&options.directs, "direct", nil, "direct thread id to follow (repeatable)")

	return command
}

func openScopes(client *clientSession, options *watchOptions, printer *eventPrinter) ([]chatsync.CancelFunc, error) {
	var releases []chatsync.CancelFunc

	for _, serverID := range options.servers {
		release, err := client.OpenServer(serverID)
		if err != nil {
			return releases, err
		}
		releases = append(releases, release)
	}
	for _, channelID := range options.channels {
		release, err := client.OpenChannel(channelID)
		if err != nil {
			return releases, err
		}
		releases = append(releases, release, client.Typing().Watch(channelID, printer.typing(channelID)))
	}
	for _, threadID := range options.directs {
		release, err := client.OpenDirectThread(threadID)
		if err != nil {
			return releases, err
		}
		releases = append(releases, release, client.Typing().Watch(threadID, printer.typing(threadID)))
	}

	return releases, nil
}

func resolveToken(flagValue string) (string, error) {
	if flagValue != "" {
		return flagValue, nil
	}
	if token := os.Getenv(envToken); token != "" {
		return token, nil
	}

	return "", fmt.Errorf("missing ID token; pass --token or set %s", envToken)
}
