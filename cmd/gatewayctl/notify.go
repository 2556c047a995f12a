package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/messaging"
	"github.com/sparkmatch/gateway/internal/notify"
)

func newNotifyCmd() *cobra.Command {
	var (
		user    string
		payload string
	)

	cmd := &cobra.Command{
		Use:     "notify",
		Short:   "Publish a notification for one user",
		Example: `  gatewayctl notify --user 42 --payload '{"kind":"new_match","match_id":"m-1"}'`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if user == "" {
				return fmt.Errorf("--user is required")
			}
			if !json.Valid([]byte(payload)) {
				return fmt.Errorf("--payload must be valid JSON")
			}

			logger, err := newLogger()
			if err != nil {
				return err
			}
			defer func() { _ = logger.Sync() }()

			natsConfig := messaging.DefaultNATSConfig()
			natsConfig.URL, err = requireSetting("nats-url")
			if err != nil {
				return err
			}
			natsConfig.Name = "gatewayctl"
			natsConfig.MaxReconnects = 0

			client, err := messaging.NewNATSClient(natsConfig, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			subject := notify.Subject(user)
			if err := client.Publish(subject, []byte(payload)); err != nil {
				return fmt.Errorf("publish %s: %w", subject, err)
			}
			if err := client.Flush(5 * time.Second); err != nil {
				return fmt.Errorf("flush: %w", err)
			}

			logger.Info("notification published", zap.String("subject", subject))
			return nil
		},
	}

	cmd.Flags().StringVar(&user, "user", "", "Target user id.")
	cmd.Flags().StringVar(&payload, "payload", "{}", "Opaque JSON payload delivered to the user's sessions.")
	return cmd
}
