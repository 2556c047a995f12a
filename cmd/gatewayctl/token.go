package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sparkmatch/gateway/internal/identity"
)

func newTokenCmd() *cobra.Command {
	var (
		ident identity.Identity
		ttl   time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token the gateway accepts",
		RunE: func(cmd *cobra.Command, args []string) error {
			if ident.ID == "" {
				return fmt.Errorf("--user is required")
			}
			secret, err := requireSetting("jwt-secret")
			if err != nil {
				return err
			}

			dec := identity.NewJWTDecoder([]byte(secret), viper.GetString("jwt-issuer"))
			tok, err := dec.Issue(ident, ttl)
			if err != nil {
				return fmt.Errorf("sign token: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}

	cmd.Flags().StringVar(&ident.ID, "user", "", "User id carried by the token.")
	cmd.Flags().StringVar(&ident.Username, "username", "", "Username claim.")
	cmd.Flags().StringVar(&ident.Email, "email", "", "Email claim.")
	cmd.Flags().BoolVar(&ident.Activated, "activated", true, "Activated claim.")
	cmd.Flags().DurationVar(&ttl, "ttl", time.Hour, "Token lifetime.")
	return cmd
}
