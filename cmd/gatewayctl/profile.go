package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/profile"
)

func newLastOnlineCmd() *cobra.Command {
	var clearRecord bool

	cmd := &cobra.Command{
		Use:   "last-online <user>",
		Short: "Show when a user was last online",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := requireSetting("redis-addr")
			if err != nil {
				return err
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
			defer cancel()

			client, err := profile.Dial(ctx, addr)
			if err != nil {
				return err
			}
			defer client.Close()
			profiles := profile.NewStore(client, "gatewayctl")

			user := args[0]
			at, ok, err := profiles.LastOnline(ctx, user)
			if err != nil {
				return err
			}
			printLastOnline(cmd.OutOrStdout(), user, at, ok, time.Now())

			if clearRecord && ok {
				if err := profiles.Delete(ctx, user); err != nil {
					return err
				}
				logger.Info("last-online record cleared", zap.String("user_id", user))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&clearRecord, "clear", false, "Delete the record after printing it.")
	return cmd
}

func printLastOnline(w io.Writer, user string, at time.Time, ok bool, now time.Time) {
	if !ok {
		fmt.Fprintf(w, "%s: no last-online record\n", user)
		return
	}
	fmt.Fprintf(w, "%s: last online %s (%s ago)\n",
		user, at.UTC().Format(time.RFC3339), now.Sub(at).Round(time.Second))
}
