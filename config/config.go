// Package config reads service configuration from flags and environment.
package config

import (
	"flag"
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds the runtime parameters of the contract service.
type Config struct {
	RunAddress        string `env:"RUN_ADDRESS"`
	DatabaseURL       string `env:"DATABASE_URL"`
	PartnerBaseURL    string `env:"PARTNER_BASE_URL"`
	PartnerSigningKey string `env:"PARTNER_SIGNING_KEY"`
	JWTSecret         string `env:"JWT_SECRET"`
	SMSEndpoint       string `env:"SMS_ENDPOINT"`

	// DeathPensionMinAge is the minimum holder age for death/survivor
	// pension benefits. Zero disables the check.
	DeathPensionMinAge int `env:"DEATH_PENSION_MIN_AGE" envDefault:"0"`
	// RestrictedSpecies lists benefit species codes refused outright.
	RestrictedSpecies []int `env:"RESTRICTED_SPECIES" envSeparator:","`
}

// Parse reads configuration from command line flags and environment
// variables. Environment values win over flags.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURL := cfg.DatabaseURL
	envPartnerBaseURL := cfg.PartnerBaseURL

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURL, "d", "", "database connection string")
	flag.StringVar(&cfg.PartnerBaseURL, "p", "", "financial partner base URL")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURL != "" {
		cfg.DatabaseURL = envDatabaseURL
	}
	if envPartnerBaseURL != "" {
		cfg.PartnerBaseURL = envPartnerBaseURL
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("database connection string is required")
	}
	if cfg.PartnerBaseURL == "" {
		return nil, fmt.Errorf("partner base URL is required")
	}
	if cfg.PartnerSigningKey == "" {
		return nil, fmt.Errorf("partner signing key is required")
	}
	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT secret is required")
	}

	return cfg, nil
}
