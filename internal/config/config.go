// internal/config/config.go
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`

	DBDriver string `env:"DB_DRIVER" envDefault:"postgres"`
	DBDSN    string `env:"DATABASE_URL"`

	// Empty AMQP URL means the in-memory queue; empty Redis URL disables the scan lock.
	AMQPURL  string `env:"AMQP_URL"`
	RedisURL string `env:"REDIS_URL"`

	// EmbeddedPipeline runs generation, dispatch and retry loops inside the API process.
	EmbeddedPipeline bool `env:"PIPELINE_EMBEDDED" envDefault:"false"`

	ProviderBaseURL string        `env:"PROVIDER_BASE_URL" envDefault:"https://api.talkinghead.example"`
	ProviderAPIKey  string        `env:"PROVIDER_API_KEY"`
	ProviderTimeout time.Duration `env:"PROVIDER_HTTP_TIMEOUT" envDefault:"30s"`

	WhatsAppAPIBase       string        `env:"WHATSAPP_API_BASE" envDefault:"https://graph.facebook.com/v19.0"`
	WhatsAppToken         string        `env:"WHATSAPP_TOKEN"`
	WhatsAppPhoneNumberID string        `env:"PHONE_NUMBER_ID"`
	WhatsAppTimeout       time.Duration `env:"WHATSAPP_HTTP_TIMEOUT" envDefault:"15s"`

	PublicLinkBase string `env:"PUBLIC_LINK_BASE" envDefault:"http://localhost:8080/campaign-items/link/"`

	Generation GenerationConfig
	Dispatch   DispatchConfig
	Retry      RetryConfig
}

type GenerationConfig struct {
	Concurrency  int           `env:"GEN_CONCURRENCY" envDefault:"4"`
	BatchSize    int           `env:"GEN_BATCH_SIZE" envDefault:"100"`
	PollInitial  time.Duration `env:"GEN_POLL_INITIAL" envDefault:"2s"`
	PollMax      time.Duration `env:"GEN_POLL_MAX" envDefault:"30s"`
	PollTimeout  time.Duration `env:"GEN_POLL_TIMEOUT" envDefault:"10m"`
	MaxRetries   int           `env:"GEN_MAX_RETRIES" envDefault:"3"`
	LoopInterval time.Duration `env:"GEN_LOOP_INTERVAL" envDefault:"30s"`
}

type DispatchConfig struct {
	MaxBatch        int           `env:"DISPATCH_MAX_BATCH" envDefault:"50"`
	MinSendInterval time.Duration `env:"DISPATCH_MIN_SEND_INTERVAL" envDefault:"1s"`
	ClaimTTL        time.Duration `env:"DISPATCH_CLAIM_TTL" envDefault:"15m"`
	MaxRetries      int           `env:"DISPATCH_MAX_RETRIES" envDefault:"3"`
	RetryWindow     time.Duration `env:"DISPATCH_RETRY_WINDOW" envDefault:"72h"`
	LoopInterval    time.Duration `env:"DISPATCH_LOOP_INTERVAL" envDefault:"20s"`
}

type RetryConfig struct {
	Schedule   string        `env:"RETRY_SCHEDULE" envDefault:"0 9,21 * * *"`
	Timezone   string        `env:"RETRY_TIMEZONE" envDefault:"UTC"`
	MaxAge     time.Duration `env:"RETRY_MAX_AGE" envDefault:"72h"`
	CallDelay  time.Duration `env:"RETRY_CALL_DELAY" envDefault:"2s"`
	ScanLimit  int           `env:"RETRY_SCAN_LIMIT" envDefault:"500"`
	StaleAfter time.Duration `env:"RETRY_STALE_PROCESSING_AFTER" envDefault:"30m"`
	LockTTL    time.Duration `env:"RETRY_LOCK_TTL" envDefault:"1h"`
}

// Load reads .env (if present) and then the process environment.
func Load() (*Config, error) {
	// .env is optional; the environment always wins.
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	switch strings.ToLower(c.DBDriver) {
	case "postgres", "sqlite":
	default:
		return fmt.Errorf("unknown DB_DRIVER %q", c.DBDriver)
	}
	if strings.TrimSpace(c.DBDSN) == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Generation.Concurrency <= 0 {
		return fmt.Errorf("GEN_CONCURRENCY must be positive")
	}
	if c.Generation.BatchSize <= 0 {
		return fmt.Errorf("GEN_BATCH_SIZE must be positive")
	}
	if c.Generation.PollTimeout <= 0 || c.Generation.PollInitial <= 0 {
		return fmt.Errorf("generation poll intervals must be positive")
	}
	if c.Dispatch.MaxBatch <= 0 {
		return fmt.Errorf("DISPATCH_MAX_BATCH must be positive")
	}
	if c.Dispatch.ClaimTTL <= 0 {
		return fmt.Errorf("DISPATCH_CLAIM_TTL must be positive")
	}
	if c.Retry.MaxAge <= 0 {
		return fmt.Errorf("RETRY_MAX_AGE must be positive")
	}
	if c.Dispatch.RetryWindow > c.Retry.MaxAge {
		return fmt.Errorf("DISPATCH_RETRY_WINDOW (%s) must not exceed RETRY_MAX_AGE (%s)", c.Dispatch.RetryWindow, c.Retry.MaxAge)
	}
	if c.Retry.ScanLimit <= 0 {
		return fmt.Errorf("RETRY_SCAN_LIMIT must be positive")
	}
	return nil
}
