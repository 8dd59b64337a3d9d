package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"chatsync/pkg/chatsync"
	"chatsync/pkg/session"
)

type sendOptions struct {
	token   string
	channel string
	direct  string
	replyTo string
}

func newSendCommand(root *rootOptions) *cobra.Command {
	options := &sendOptions{}

	command := &cobra.Command{
		Use:   "send <text>",
		Short: "Send a text message to a channel or direct thread",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := root.setup(cmd)
			if err != nil {
				return err
			}
			token, err := resolveToken(options.token)
			if err != nil {
				return err
			}
			scope, err := options.scope()
			if err != nil {
				return err
			}
			text := strings.TrimSpace(args[0])
			if text == "" {
				return errors.New("empty message text")
			}

			ctx := cmd.Context()
			client, err := openClientSession(ctx, cfg, token, logger, session.Deps{})
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

			var payload chatsync.Payload = chatsync.TextPayload{Text: text}
			if options.replyTo != "" {
				payload = chatsync.ReplyPayload{ReplyToID: options.replyTo, Text: text}
			}
			message, err := client.SendMessage(ctx, scope, payload)
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), message.ID)
			return nil
		},
	}
	command.Flags().StringVar(&options.token, "token", "", "ID token (default $"+envToken+")")
	command.Flags().StringVar(&options.channel, "channel", "", "target channel id")
	command.Flags().StringVar(&options.direct, "direct", "", "target direct thread id")
	command.Flags().StringVar(&options.replyTo, "reply-to", "", "id of the message replied to")

	return command
}

func (o *sendOptions) scope() (chatsync.ScopeKey, error) {
	switch {
	case o.channel != "" && o.direct != "":
		return chatsync.ScopeKey{}, errors.New("pass either --channel or --direct, not both")
	case o.channel != "":
		return chatsync.ChannelScope(o.channel), nil
	case o.direct != "":
		return chatsync.DirectScope(o.direct), nil
	default:
		return chatsync.ScopeKey{}, errors.New("missing target; pass --channel or --direct")
	}
}
