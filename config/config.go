// Package config loads gateway settings from the environment.
//
// Values come from process environment variables, optionally seeded from a
// dotenv file. Variables already present in the environment win over the
// file. List values are separated by semicolons.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
)

// DefaultEnvFile is read by Load when no file is named.
const DefaultEnvFile = ".env"

// ErrInvalid wraps every configuration problem. Callers treat it as fatal.
var ErrInvalid = errors.New("invalid configuration")

// IMAP holds the mail account. All four credentials are required.
type IMAP struct {
	Host     string `env:"IMAP_HOST,required"`
	Port     int    `env:"IMAP_PORT,required"`
	Username string `env:"IMAP_USERNAME,required"`
	Password string `env:"IMAP_PASSWORD,required"`
	// TLS selects implicit TLS; otherwise STARTTLS is used when offered.
	TLS     bool          `env:"IMAP_TLS,default=true"`
	Timeout time.Duration `env:"IMAP_TIMEOUT,default=30s"`
}

// Weather configures the weather.gov client.
type Weather struct {
	BaseURL   string        `env:"WEATHER_BASE_URL,default=https://api.weather.gov"`
	UserAgent string        `env:"WEATHER_USER_AGENT"`
	CacheTTL  time.Duration `env:"WEATHER_CACHE_TTL,default=24h"`
}

// Redis selects the shared store. An empty Addr keeps everything in memory.
type Redis struct {
	Addr      string `env:"REDIS_ADDR"`
	DB        int    `env:"REDIS_DB,default=0"`
	KeyPrefix string `env:"REDIS_KEY_PREFIX,default=mcpme:"`
}

// Auth enables bearer authentication when Issuer is set.
type Auth struct {
	Issuer string `env:"OIDC_ISSUER"`
	// Audiences defaults to the public endpoint URL.
	Audiences      []string `env:"OIDC_AUDIENCE"`
	RequiredScopes []string `env:"OIDC_REQUIRED_SCOPES"`
}

// Enabled reports whether an issuer is configured.
func (a Auth) Enabled() bool { return a.Issuer != "" }

// Config is the complete gateway configuration.
type Config struct {
	IMAP    IMAP
	Weather Weather
	Redis   Redis
	Auth    Auth

	// CallTimeout bounds each provider call. Zero disables the bound.
	CallTimeout time.Duration `env:"MCPME_CALL_TIMEOUT,default=60s"`
	SessionTTL  time.Duration `env:"MCPME_SESSION_TTL,default=1h"`
	// CacheItems caps the in-memory store when Redis is not used.
	CacheItems int `env:"MCPME_CACHE_ITEMS,default=10000"`
}

// Load reads envFile (DefaultEnvFile when empty) into the environment and
// decodes a Config. A missing default file is ignored; a missing named file
// is an error.
func Load(envFile string) (*Config, error) {
	file := envFile
	if file == "" {
		file = DefaultEnvFile
	}
	if err := godotenv.Load(file); err != nil {
		if envFile != "" || !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: loading %s: %v", ErrInvalid, file, err)
		}
	}

	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values envdecode cannot.
func (c *Config) Validate() error {
	if c.IMAP.Port < 1 || c.IMAP.Port > 65535 {
		return fmt.Errorf("%w: IMAP_PORT %d out of range", ErrInvalid, c.IMAP.Port)
	}
	if c.IMAP.Timeout < 0 || c.CallTimeout < 0 {
		return fmt.Errorf("%w: timeouts must not be negative", ErrInvalid)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("%w: MCPME_SESSION_TTL must be positive", ErrInvalid)
	}
	if c.Redis.Addr == "" && c.CacheItems <= 0 {
		return fmt.Errorf("%w: MCPME_CACHE_ITEMS must be positive", ErrInvalid)
	}
	return nil
}
