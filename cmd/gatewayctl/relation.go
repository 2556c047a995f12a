package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/store"
)

func newBlockCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "block <blocker> <blocked>",
		Short: "Record that one user blocked another",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				return s.Block(ctx, args[0], args[1])
			})
		},
	}
}

func newLikeCmd() *cobra.Command {
	var mutual bool

	cmd := &cobra.Command{
		Use:   "like <liker> <liked>",
		Short: "Record a like; two opposite likes make a match",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd.Context(), func(ctx context.Context, s *store.Store) error {
				if err := s.Like(ctx, args[0], args[1]); err != nil {
					return err
				}
				if mutual {
					return s.Like(ctx, args[1], args[0])
				}
				return nil
			})
		},
	}

	cmd.Flags().BoolVar(&mutual, "mutual", false, "Also record the opposite like.")
	return cmd
}

// withStore migrates and opens the relationship store and runs fn against it.
func withStore(ctx context.Context, fn func(context.Context, *store.Store) error) error {
	databaseURL, err := requireSetting("database-url")
	if err != nil {
		return err
	}

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	if err := store.Migrate(databaseURL); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := store.Open(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := fn(ctx, store.NewStore(db)); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	logger.Info("relationship recorded", zap.String("database", redactURL(databaseURL)))
	return nil
}

// redactURL drops credentials from a database URL before it is logged.
func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "invalid"
	}
	return u.Redacted()
}
