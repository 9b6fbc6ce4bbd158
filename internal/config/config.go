// Package config loads the hub configuration from environment variables and
// an optional .env file next to the storage root.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultPort is the websocket listen port.
	DefaultPort = 4711
	// DefaultSessionExpiration is the sliding session lifetime.
	DefaultSessionExpiration = 1200 * time.Second
)

// Config holds everything the hub needs at startup. Port and StorageRoot are
// usually set from command line flags, the rest from the environment.
type Config struct {
	Port        int
	StorageRoot string

	SessionExpiration time.Duration

	// FirmwareUpdateLookup points at the directory scanned for device
	// firmware images. Empty disables firmware update hints.
	FirmwareUpdateLookup string

	// SSLCert and SSLKey switch the listener to TLS when both are set.
	SSLCert string
	SSLKey  string

	LogLevel  string
	LogFormat string
}

// Load reads the environment into a Config. A .env file in the storage root
// or the working directory is applied first, without overriding variables
// already set in the process environment.
func Load(storageRoot string) Config {
	if storageRoot == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			storageRoot = filepath.Join(home, ".quickhub")
		} else {
			storageRoot = ".quickhub"
		}
	}

	envFile := filepath.Join(storageRoot, ".env")
	if _, err := os.Stat(envFile); err == nil {
		if err := godotenv.Load(envFile); err != nil {
			log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
		}
	}
	// Development convenience.
	_ = godotenv.Load()

	cfg := Config{
		Port:                 DefaultPort,
		StorageRoot:          storageRoot,
		SessionExpiration:    DefaultSessionExpiration,
		FirmwareUpdateLookup: os.Getenv("FIRMWARE_UPDATE_LOOKUP"),
		SSLCert:              os.Getenv("SSL_CERT"),
		SSLKey:               os.Getenv("SSL_KEY"),
		LogLevel:             os.Getenv("LOG_LEVEL"),
		LogFormat:            os.Getenv("LOG_FORMAT"),
	}

	if raw := os.Getenv("USER_SESSION_EXPIRATION"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			cfg.SessionExpiration = time.Duration(secs) * time.Second
		} else {
			log.Warn().Str("value", raw).Msg("Invalid USER_SESSION_EXPIRATION, using default")
		}
	}

	return cfg
}

// TLSEnabled reports whether both certificate and key are configured.
func (c Config) TLSEnabled() bool {
	return c.SSLCert != "" && c.SSLKey != ""
}
