// Package config loads server settings from the environment and, optionally,
// a YAML file. Environment variables always win over the file.
//
// STRUCT TAGS:
// cleanenv reads three tags per field:
//   - yaml:"..."          key in the optional config file
//   - env:"..."           environment variable name
//   - env-default:"..."   value when neither source sets it
//
// env-required fields have no default; Load fails when they are missing.
// time.Duration fields accept Go duration strings ("15m", "168h").
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

type Config struct {
	App        AppConfig        `yaml:"app"`
	DB         DBConfig         `yaml:"db"`
	Session    SessionConfig    `yaml:"session"`
	Codes      CodeConfig       `yaml:"codes"`
	Dispatch   DispatchConfig   `yaml:"dispatch"`
	Notify     NotifyConfig     `yaml:"notify"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Settlement SettlementConfig `yaml:"settlement"`
}

type AppConfig struct {
	Port      string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel  string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`
	LogFormat string `yaml:"log_format" env:"LOG_FORMAT" env-default:"text"`
}

type DBConfig struct {
	Path string `yaml:"path" env:"DB_PATH" env-default:"clickpay.db"`
}

type SessionConfig struct {
	Secret        string        `yaml:"secret" env:"SESSION_SECRET" env-required:"true"`
	TTL           time.Duration `yaml:"ttl" env:"SESSION_TTL" env-default:"168h"`
	SecureCookie  bool          `yaml:"secure_cookie" env:"SESSION_SECURE_COOKIE" env-default:"false"`
	SweepInterval time.Duration `yaml:"sweep_interval" env:"SESSION_SWEEP_INTERVAL" env-default:"10m"`
}

type CodeConfig struct {
	BcryptCost  int           `yaml:"bcrypt_cost" env:"CODE_BCRYPT_COST" env-default:"10"`
	RegisterTTL time.Duration `yaml:"register_ttl" env:"CODE_REGISTER_TTL" env-default:"15m"`
	LoginTTL    time.Duration `yaml:"login_ttl" env:"CODE_LOGIN_TTL" env-default:"10m"`
	MaxAttempts int           `yaml:"max_attempts" env:"CODE_MAX_ATTEMPTS" env-default:"5"`
	CacheTTL    time.Duration `yaml:"cache_ttl" env:"PERMANENT_CODE_CACHE_TTL" env-default:"5m"`
}

type DispatchConfig struct {
	Capacity    int           `yaml:"capacity" env:"DISPATCH_CAPACITY" env-default:"1000"`
	Interval    time.Duration `yaml:"interval" env:"DISPATCH_INTERVAL" env-default:"2s"`
	BatchSize   int           `yaml:"batch_size" env:"DISPATCH_BATCH_SIZE" env-default:"10"`
	Concurrency int           `yaml:"concurrency" env:"DISPATCH_CONCURRENCY" env-default:"3"`
	MaxAttempts int           `yaml:"max_attempts" env:"DISPATCH_MAX_ATTEMPTS" env-default:"3"`
	SendTimeout time.Duration `yaml:"send_timeout" env:"DISPATCH_SEND_TIMEOUT" env-default:"10s"`
}

// NotifyConfig selects the notification sink. With an empty URL codes are
// only logged, which is what local development wants.
type NotifyConfig struct {
	URL          string   `yaml:"url" env:"NOTIFY_URL"`
	TokenURL     string   `yaml:"token_url" env:"NOTIFY_TOKEN_URL"`
	ClientID     string   `yaml:"client_id" env:"NOTIFY_CLIENT_ID"`
	ClientSecret string   `yaml:"client_secret" env:"NOTIFY_CLIENT_SECRET"`
	Scopes       []string `yaml:"scopes" env:"NOTIFY_SCOPES" env-separator:","`
}

type RateLimitConfig struct {
	// AuthPerMinute is the sustained rate of /api/auth requests per client
	// IP. Zero disables the limiter.
	AuthPerMinute int `yaml:"auth_per_minute" env:"RATE_LIMIT_AUTH_PER_MINUTE" env-default:"20"`
	AuthBurst     int `yaml:"auth_burst" env:"RATE_LIMIT_AUTH_BURST" env-default:"10"`
}

type SettlementConfig struct {
	// EnforceTargeting rejects clicks on posts not aimed at the caller's
	// batch. Off by default: targeting is a listing filter only.
	EnforceTargeting bool `yaml:"enforce_targeting" env:"SETTLEMENT_ENFORCE_TARGETING" env-default:"false"`
}

// Load reads the configuration. If path is non-empty the YAML file is read
// first and environment variables override it.
func Load(path string) (*Config, error) {
	var cfg Config

	var err error
	if path != "" {
		err = cleanenv.ReadConfig(path, &cfg)
	} else {
		err = cleanenv.ReadEnv(&cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the values cleanenv cannot express as tags.
func (c *Config) Validate() error {
	var errs []error

	if len(c.Session.Secret) < 16 {
		errs = append(errs, errors.New("SESSION_SECRET must be at least 16 characters"))
	}
	if c.Session.TTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.Codes.BcryptCost < 4 || c.Codes.BcryptCost > 31 {
		errs = append(errs, fmt.Errorf("CODE_BCRYPT_COST must be between 4 and 31, got %d", c.Codes.BcryptCost))
	}
	if c.Codes.MaxAttempts < 1 {
		errs = append(errs, errors.New("CODE_MAX_ATTEMPTS must be at least 1"))
	}
	if c.Dispatch.Capacity < 1 || c.Dispatch.BatchSize < 1 || c.Dispatch.Concurrency < 1 || c.Dispatch.MaxAttempts < 1 {
		errs = append(errs, errors.New("dispatch capacity, batch size, concurrency and max attempts must be positive"))
	}
	if c.Dispatch.Interval <= 0 {
		errs = append(errs, errors.New("DISPATCH_INTERVAL must be positive"))
	}
	if c.Notify.TokenURL != "" && (c.Notify.ClientID == "" || c.Notify.ClientSecret == "") {
		errs = append(errs, errors.New("NOTIFY_TOKEN_URL requires NOTIFY_CLIENT_ID and NOTIFY_CLIENT_SECRET"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Usage returns the environment variable help text.
func Usage() string {
	var cfg Config
	text, err := cleanenv.GetDescription(&cfg, nil)
	if err != nil {
		return ""
	}
	return text
}
