package internal

import (
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type Config struct {
	Server        ServerConfig        `mapstructure:"http_server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Security      SecurityConfig      `mapstructure:"security" validate:"required"`
	Gateway       GatewayConfig       `mapstructure:"gateway"`
	Services      ServicesConfig      `mapstructure:"services"`
	Redis         RedisConfig         `mapstructure:"redis"`
	Payment       PaymentConfig       `mapstructure:"payment"`
	Retry         RetryConfig         `mapstructure:"retry"`
	Observability ObservabilityConfig `mapstructure:"observability"`
}

type ServerConfig struct {
	Port              int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	BaseURL           string        `mapstructure:"base_url" validate:"required,url"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	IdleTimeout       time.Duration `mapstructure:"idle_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
}

type DatabaseConfig struct {
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"required,min=1"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"required,min=1"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"required,min=1m"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time" validate:"required,min=1m"`
	Source          string        `mapstructure:"source" validate:"required"`
}

type SecurityConfig struct {
	// EncryptionKey is a hex encoded 32-byte master key for stored transaction references.
	EncryptionKey string `mapstructure:"encryption_key" validate:"required,hexadecimal,len=64"`
	JWTSecret     string `mapstructure:"jwt_secret" validate:"required,min=16"`
	ServiceAPIKey string `mapstructure:"service_api_key" validate:"required,min=16"`
}

type GatewayConfig struct {
	BaseURL       string        `mapstructure:"base_url" validate:"required,url"`
	APIKey        string        `mapstructure:"api_key" validate:"required"`
	WebhookSecret string        `mapstructure:"webhook_secret" validate:"required"`
	CallbackPath  string        `mapstructure:"callback_path"`
	ReturnPath    string        `mapstructure:"return_path"`
	Currency      string        `mapstructure:"currency" validate:"required,len=3"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type ServicesConfig struct {
	UserManagementURL  string        `mapstructure:"user_management_url" validate:"required,url"`
	NotificationURL    string        `mapstructure:"notification_url" validate:"required,url"`
	PropertyListingURL string        `mapstructure:"property_listing_url" validate:"required,url"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// RedisConfig is optional. An empty Addr selects the in-process token cache.
type RedisConfig struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db" validate:"min=0"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

type PaymentConfig struct {
	TimeoutWindow     time.Duration `mapstructure:"timeout_window" validate:"required"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval" validate:"required"`
	SweepConcurrency  int           `mapstructure:"sweep_concurrency" validate:"min=0"`
	SweepInServer     bool          `mapstructure:"sweep_in_server"`
	FrontendReturnURL string        `mapstructure:"frontend_return_url" validate:"required,url"`
	ScanLimit         int           `mapstructure:"scan_limit" validate:"min=0"`
	ReservationWait   time.Duration `mapstructure:"reservation_wait"`
}

type RetryConfig struct {
	MaxAttempts int           `mapstructure:"max_attempts" validate:"min=1,max=10"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
	Multiplier  float64       `mapstructure:"multiplier" validate:"min=1"`
	MaxDelay    time.Duration `mapstructure:"max_delay"`
}

type ObservabilityConfig struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Alerts  AlertConfig   `mapstructure:"alerts"`
}

// AlertConfig addresses health alerts. Leaving both email and phone empty
// disables them.
type AlertConfig struct {
	UserID      string `mapstructure:"user_id"`
	Email       string `mapstructure:"email" validate:"omitempty,email"`
	PhoneNumber string `mapstructure:"phone_number"`
	Language    string `mapstructure:"language" validate:"omitempty,oneof=en am om"`
}

func (c AlertConfig) Enabled() bool {
	return c.Email != "" || c.PhoneNumber != ""
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"required,oneof=debug info warn error"`
	Format string `mapstructure:"format" validate:"required,oneof=json text"`
}

// ----------------- VALIDATION -----------------

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed on %s", fe.Namespace(), fe.Tag()))
			}
			return errors.New(strings.Join(msgs, "; "))
		}
		return err
	}

	var errs []string

	if err := c.Server.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("server config: %v", err))
	}

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("database config: %v", err))
	}

	if err := c.Security.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("security config: %v", err))
	}

	if err := c.Payment.Validate(); err != nil {
		errs = append(errs, fmt.Sprintf("payment config: %v", err))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}

	return nil
}

func (c *ServerConfig) Validate() error {
	if c.ReadTimeout < c.ReadHeaderTimeout {
		return errors.New("read_timeout must be >= read_header_timeout")
	}
	return nil
}

func (c *DatabaseConfig) Validate() error {
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("max_idle_conns cannot be greater than max_open_conns")
	}
	return nil
}

func (c *DatabaseConfig) GetDSN() string {
	return c.Source
}

func (c *SecurityConfig) Validate() error {
	if _, err := c.MasterKey(); err != nil {
		return err
	}
	return nil
}

// MasterKey decodes EncryptionKey.
func (c *SecurityConfig) MasterKey() ([]byte, error) {
	key, err := hex.DecodeString(c.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid encryption key: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("encryption key must be 32 bytes, got %d", len(key))
	}
	return key, nil
}

func (c *PaymentConfig) Validate() error {
	if c.SweepInterval < time.Minute {
		return errors.New("sweep_interval must be at least 1m")
	}
	if c.TimeoutWindow < time.Hour {
		return errors.New("timeout_window must be at least 1h")
	}
	return nil
}

// CallbackURL is the server-to-server webhook target handed to the gateway.
func (c *Config) CallbackURL() string {
	return joinURL(c.Server.BaseURL, c.Gateway.CallbackPath)
}

// ReturnURL is where the gateway sends the payer's browser afterwards.
func (c *Config) ReturnURL() string {
	return joinURL(c.Server.BaseURL, c.Gateway.ReturnPath)
}

func joinURL(base, path string) string {
	u, err := url.JoinPath(base, path)
	if err != nil {
		return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	}
	return u
}
