package rest

import (
	"time"

	"github.com/joeshaw/envdecode"
)

// Config carries tunables common to every request issued through a
// Connection. Defaults can be loaded from the environment via envdecode.
type Config struct {
	// DefaultTimeout bounds calls that carry no WithTimeout override.
	// ENV: RESTCLIENT_DEFAULT_TIMEOUT
	DefaultTimeout time.Duration `env:"RESTCLIENT_DEFAULT_TIMEOUT,default=30s"`

	// UserAgent is stamped on every outgoing request.
	// ENV: RESTCLIENT_USER_AGENT
	UserAgent string `env:"RESTCLIENT_USER_AGENT,default=centrumvms-restclient"`
}

// DefaultConfig returns the built-in defaults without consulting the
// environment.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout: 30 * time.Second,
		UserAgent:      "centrumvms-restclient",
	}
}

// ConfigFromEnv populates a Config using envdecode; unset variables fall
// back to the struct tag defaults.
func ConfigFromEnv() Config {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return DefaultConfig()
	}
	return cfg
}
