package config

import (
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Trading   Trading   `mapstructure:"trading"`
	Providers Providers `mapstructure:"providers"`
	FX        FX        `mapstructure:"fx"`
	Logger    Logger    `mapstructure:"logger"`
	Server    Server    `mapstructure:"server"`
	Database  Database  `mapstructure:"database"`
}

// Trading holds the process-wide trading controls. All values are read once
// at service construction; toggling requires a restart.
type Trading struct {
	Enabled             bool     `mapstructure:"enabled"` // kill switch, default off
	PreviewTTLMinutes   int      `mapstructure:"preview_ttl_minutes"`
	RenewWindowMultiple int      `mapstructure:"renew_window_multiple"`
	AuthorizedAccounts  []string `mapstructure:"authorized_accounts"`
	DryRun              bool     `mapstructure:"dry_run"`
}

// PreviewTTL returns the preview time-to-live as a duration.
func (t Trading) PreviewTTL() time.Duration {
	return time.Duration(t.PreviewTTLMinutes) * time.Minute
}

// Providers holds the per-provider enablement and credentials.
type Providers struct {
	Alpaca  Alpaca  `mapstructure:"alpaca"`
	Tradier Tradier `mapstructure:"tradier"`
	Gateway Gateway `mapstructure:"gateway"`
}

// Alpaca holds the configuration for the Alpaca brokerage API.
type Alpaca struct {
	Enabled   bool   `mapstructure:"enabled"`
	ApiKey    string `mapstructure:"apiKey"`
	ApiSecret string `mapstructure:"apiSecret"`
	BaseURL   string `mapstructure:"base_url"`
	DataURL   string `mapstructure:"data_url"`
}

// Tradier holds the configuration for the Tradier brokerage API.
type Tradier struct {
	Enabled        bool    `mapstructure:"enabled"`
	AccessToken    string  `mapstructure:"access_token"`
	BaseURL        string  `mapstructure:"base_url"`
	AccountID      string  `mapstructure:"account_id"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// Gateway holds the configuration for the direct exchange-connectivity gateway.
type Gateway struct {
	Enabled               bool   `mapstructure:"enabled"`
	URL                   string `mapstructure:"url"`
	Username              string `mapstructure:"username"`
	Password              string `mapstructure:"password"`
	ConnectTimeoutSeconds int    `mapstructure:"connect_timeout_seconds"`
	RequestTimeoutSeconds int    `mapstructure:"request_timeout_seconds"`
}

// ConnectTimeout returns the gateway dial timeout as a duration.
func (g Gateway) ConnectTimeout() time.Duration {
	return time.Duration(g.ConnectTimeoutSeconds) * time.Second
}

// RequestTimeout returns the per-request gateway timeout as a duration.
func (g Gateway) RequestTimeout() time.Duration {
	return time.Duration(g.RequestTimeoutSeconds) * time.Second
}

// FX holds the configuration for the spot exchange-rate client.
type FX struct {
	BaseURL         string `mapstructure:"base_url"`
	CacheTTLMinutes int    `mapstructure:"cache_ttl_minutes"`
}

// Server holds the configuration for the web server.
type Server struct {
	Port int `mapstructure:"port"`
}

// Database holds the configuration for the database.
type Database struct {
	DSN string `mapstructure:"dsn"`
}

// Logger holds the configuration for the logger.
type Logger struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("config") // name of config file (without extension)
	viper.SetConfigType("yml")    // or yaml, json

	// Allow environment variables to override config file
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("trading.enabled", false) // kill switch stays off unless opted in
	viper.SetDefault("trading.preview_ttl_minutes", 5)
	viper.SetDefault("trading.renew_window_multiple", 3)
	viper.SetDefault("providers.tradier.rate_limit", 10) // requests per second
	viper.SetDefault("providers.tradier.rate_limit_burst", 5)
	viper.SetDefault("providers.gateway.connect_timeout_seconds", 10)
	viper.SetDefault("providers.gateway.request_timeout_seconds", 15)
	viper.SetDefault("fx.base_url", "https://api.frankfurter.app")
	viper.SetDefault("fx.cache_ttl_minutes", 60)

	err = viper.ReadInConfig()
	if err != nil {
		return
	}

	err = viper.Unmarshal(&config)
	return
}
