package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/frahmantamala/listing-payment/internal"
	"github.com/frahmantamala/listing-payment/pkg/logger"
)

const envPrefix = "APP"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "listing-payment",
	Short: "Listing Payment",
	Long:  `Collects property listing fees through Chapa and reconciles their outcome.`,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// loadConfig reads config.yml from path, lets APP_* environment variables
// override it and validates the result. A .env file is loaded first when present.
func loadConfig(path string) (*internal.Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("error loading .env: %w", err)
	}

	v := viper.New()
	v.AddConfigPath(path)
	v.SetConfigName("config")
	v.SetConfigType("yml")
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config: %w", err)
		}
	}

	var cfg internal.Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logger.Init(cfg.Observability.Logging.Level, cfg.Observability.Logging.Format)
	return &cfg, nil
}

// setDefaults registers every key so AutomaticEnv can fill it without a config file.
func setDefaults(v *viper.Viper) {
	v.SetDefault("http_server.port", 8120)
	v.SetDefault("http_server.base_url", "http://localhost:8120")
	v.SetDefault("http_server.read_header_timeout", "5s")
	v.SetDefault("http_server.read_timeout", "15s")
	v.SetDefault("http_server.write_timeout", "30s")
	v.SetDefault("http_server.idle_timeout", "60s")

	v.SetDefault("database.source", "")
	v.SetDefault("database.max_open_conns", 20)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.conn_max_idle_time", "5m")

	v.SetDefault("security.encryption_key", "")
	v.SetDefault("security.jwt_secret", "")
	v.SetDefault("security.service_api_key", "")

	v.SetDefault("gateway.base_url", "https://api.chapa.co/v1")
	v.SetDefault("gateway.api_key", "")
	v.SetDefault("gateway.webhook_secret", "")
	v.SetDefault("gateway.callback_path", "/api/v1/webhook/chapa")
	v.SetDefault("gateway.return_path", "/api/v1/payments/return")
	v.SetDefault("gateway.currency", "ETB")
	v.SetDefault("gateway.timeout", "10s")

	v.SetDefault("services.user_management_url", "")
	v.SetDefault("services.notification_url", "")
	v.SetDefault("services.property_listing_url", "")
	v.SetDefault("services.timeout", "5s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.token_ttl", "5m")

	v.SetDefault("payment.timeout_window", "168h")
	v.SetDefault("payment.sweep_interval", "24h")
	v.SetDefault("payment.sweep_concurrency", 4)
	v.SetDefault("payment.sweep_in_server", true)
	v.SetDefault("payment.frontend_return_url", "")
	v.SetDefault("payment.scan_limit", 1000)
	v.SetDefault("payment.reservation_wait", "15s")

	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.base_delay", "500ms")
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.max_delay", "5s")

	v.SetDefault("observability.logging.level", "info")
	v.SetDefault("observability.logging.format", "json")
	v.SetDefault("observability.alerts.user_id", "payment-service-ops")
	v.SetDefault("observability.alerts.email", "")
	v.SetDefault("observability.alerts.phone_number", "")
	v.SetDefault("observability.alerts.language", "en")
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", ".", "directory containing config.yml")

	rootCmd.AddCommand(httpServerCmd)
	rootCmd.AddCommand(migrateCmd)
}
