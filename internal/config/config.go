package config

import (
	"errors"
	"strings"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	Environment   string `mapstructure:"environment"`
	DevModeBypass bool   `mapstructure:"dev_mode_bypass"`

	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	Redis struct {
		Addr     string `mapstructure:"addr"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
	} `mapstructure:"redis"`
	Auth struct {
		OktaDomain   string `mapstructure:"okta_domain"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
		RedirectURL  string `mapstructure:"redirect_url"`
	} `mapstructure:"auth"`
	Scheduler struct {
		SweepSpec        string `mapstructure:"sweep_spec"`
		DueSoonWindowHrs int    `mapstructure:"due_soon_window_hours"`
	} `mapstructure:"scheduler"`
	TLS struct {
		Enable       bool     `mapstructure:"enable"`
		CertFile     string   `mapstructure:"cert_file"`
		KeyFile      string   `mapstructure:"key_file"`
		Hostnames    []string `mapstructure:"hostnames"`
		ValidityDays int      `mapstructure:"validity_days"`
	} `mapstructure:"tls"`
}

// LoadConfig loads the configuration from a file and the environment. If
// path is non-empty it names an explicit config file to read instead of the
// default search locations.
func LoadConfig(path string) (*Config, error) {
	if path != "" {
		viper.SetConfigFile(path)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(".")
		viper.AddConfigPath("./config")
	}
	viper.AutomaticEnv()

	viper.SetDefault("environment", "DEV")
	viper.SetDefault("db.sslmode", "disable")
	viper.SetDefault("scheduler.sweep_spec", "*/5 * * * *")
	viper.SetDefault("scheduler.due_soon_window_hours", 24)
	viper.SetDefault("tls.validity_days", 365)

	if err := viper.ReadInConfig(); err != nil {
		// A missing file is fine when no explicit path was given; defaults
		// and environment variables carry a dev setup.
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.Auth.OktaDomain = normalizeIssuer(config.Auth.OktaDomain)

	return &config, nil
}

// normalizeIssuer ensures the provided issuer string is in a predictable
// form. It removes any trailing slash and leaves the scheme and path intact,
// so users can paste the full URL from the Okta admin console without
// worrying about double prefixes.
func normalizeIssuer(input string) string {
	iss := strings.TrimSpace(input)
	if strings.HasSuffix(iss, "/") {
		iss = strings.TrimRight(iss, "/")
	}
	return iss
}
