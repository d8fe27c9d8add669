package config

import (
	"encoding/json"
	"os"
	"time"

	"github.com/dmvolov/exvault/internal/flagx"
	"github.com/dmvolov/exvault/internal/timex"
)

// JsonConfig defines a configuration structure tailored for JSON unmarshalling.
// It uses timex.Duration for interval fields, which allows parsing both
// string values such as "90m" and integer nanoseconds.
//
// This struct is an intermediate DTO used only for reading JSON configuration
// files. After unmarshalling, its fields are copied into the runtime Config
// struct which uses time.Duration.
type JsonConfig struct {
	DatabaseDSN              string         `json:"database_dsn"`
	SecretKey                string         `json:"secret_key"`
	TokenValidityDuration    timex.Duration `json:"token_validity_duration"`
	ExchangeBaseURL          string         `json:"exchange_base_url"`
	PasswordMinLength        int            `json:"password_min_length"`
	PasswordRequireMixedCase bool           `json:"password_require_mixed_case"`
	PasswordRequireDigit     bool           `json:"password_require_digit"`
}

// parseJson loads configuration values from a JSON file into the provided
// Config instance.
//
// The file path is taken from the -c or -config command-line flags; if
// neither is set, no JSON file is loaded. The DTO is seeded with the current
// Config values first, so keys omitted from the file keep their defaults.
// If the file cannot be read or contains invalid JSON, the function panics.
func parseJson(config *Config) {

	// try flags
	jsonConfigFile := flagx.JsonConfigFlags()

	// nothing to load
	if jsonConfigFile == "" {
		return
	}

	c := &JsonConfig{
		DatabaseDSN:              config.DatabaseDSN,
		SecretKey:                config.SecretKey,
		TokenValidityDuration:    timex.Duration{Duration: config.TokenValidityDuration},
		ExchangeBaseURL:          config.ExchangeBaseURL,
		PasswordMinLength:        config.PasswordMinLength,
		PasswordRequireMixedCase: config.PasswordRequireMixedCase,
		PasswordRequireDigit:     config.PasswordRequireDigit,
	}

	file, err := os.ReadFile(jsonConfigFile)
	if err != nil {
		panic(err)
	}

	err = json.Unmarshal(file, c)
	if err != nil {
		panic(err)
	}

	config.DatabaseDSN = c.DatabaseDSN
	config.SecretKey = c.SecretKey
	config.TokenValidityDuration = time.Duration(c.TokenValidityDuration.Duration)
	config.ExchangeBaseURL = c.ExchangeBaseURL
	config.PasswordMinLength = c.PasswordMinLength
	config.PasswordRequireMixedCase = c.PasswordRequireMixedCase
	config.PasswordRequireDigit = c.PasswordRequireDigit
}
