// Command gatewayctl is an operator tool for the presence gateway. It
// publishes notifications onto the ingress subjects, seeds relationships in
// the store, reads last-online records and mints development tokens.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/sparkmatch/gateway/internal/config"
	"github.com/sparkmatch/gateway/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gatewayctl",
		Short:        "Operator tool for the presence gateway",
		SilenceUsage: true,
	}

	cobra.OnInitialize(initConfig)

	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error).")
	cmd.PersistentFlags().String("nats-url", "nats://localhost:4222", "NATS server URL.")
	cmd.PersistentFlags().String("database-url", "", "Postgres URL for relationship commands.")
	cmd.PersistentFlags().String("redis-addr", "localhost:6379", "Redis address holding profile records.")
	cmd.PersistentFlags().String("jwt-secret", "", "HS256 secret shared with the gateway.")
	cmd.PersistentFlags().String("jwt-issuer", "", "Issuer claim expected by the gateway.")
	for _, name := range []string{"log-level", "nats-url", "database-url", "redis-addr", "jwt-secret", "jwt-issuer"} {
		_ = viper.BindPFlag(name, cmd.PersistentFlags().Lookup(name))
	}

	cmd.AddCommand(newNotifyCmd())
	cmd.AddCommand(newBlockCmd())
	cmd.AddCommand(newLikeCmd())
	cmd.AddCommand(newLastOnlineCmd())
	cmd.AddCommand(newTokenCmd())

	return cmd
}

// initConfig reads every flag from GATEWAY_* as well, so the tool shares its
// environment with the gateway process.
func initConfig() {
	viper.SetEnvPrefix(config.Prefix)
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func newLogger() (*zap.Logger, error) {
	return logging.New(viper.GetString("log-level"), "console")
}

func requireSetting(name string) (string, error) {
	v := strings.TrimSpace(viper.GetString(name))
	if v == "" {
		return "", fmt.Errorf("--%s (or %s_%s) is required",
			name, config.Prefix, strings.ToUpper(strings.ReplaceAll(name, "-", "_")))
	}
	return v, nil
}
