// Package config loads runtime configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// State backends for the identity directory and stage cache.
const (
	BackendMemory   = "memory"
	BackendBadger   = "badger"
	BackendPostgres = "postgres"
)

// Config holds every knob of the bridge process.
type Config struct {
	HTTPAddr        string        `env:"DEALBRIDGE_HTTP_ADDR"        envDefault:":8001"`
	ShutdownTimeout time.Duration `env:"DEALBRIDGE_SHUTDOWN_TIMEOUT" envDefault:"15s"`
	LogLevel        string        `env:"DEALBRIDGE_LOG_LEVEL"        envDefault:"info"`

	BitrixWebhookURL string        `env:"DEALBRIDGE_BITRIX_WEBHOOK_URL"`
	TelegramToken    string        `env:"DEALBRIDGE_TELEGRAM_TOKEN"`
	OutboundTimeout  time.Duration `env:"DEALBRIDGE_OUTBOUND_TIMEOUT" envDefault:"8s"`
	SendRatePerSec   float64       `env:"DEALBRIDGE_SEND_RATE"        envDefault:"25"`

	StaffIDs []int64 `env:"DEALBRIDGE_STAFF_IDS" envSeparator:","`

	DataDir      string `env:"DEALBRIDGE_DATA_DIR"      envDefault:"."`
	StateBackend string `env:"DEALBRIDGE_STATE_BACKEND" envDefault:"memory"`
	PostgresDSN  string `env:"DEALBRIDGE_PG_DSN"`
	BadgerPath   string `env:"DEALBRIDGE_BADGER_PATH"   envDefault:"state"`

	InvoiceStage   string        `env:"DEALBRIDGE_INVOICE_STAGE"   envDefault:"UC_EWKB0I"`
	WarehouseStage string        `env:"DEALBRIDGE_WAREHOUSE_STAGE" envDefault:"UC_Y5IE8J"`
	ArtifactGrace  time.Duration `env:"DEALBRIDGE_ARTIFACT_GRACE"  envDefault:"2s"`

	WebhookSecret string `env:"DEALBRIDGE_WEBHOOK_SECRET"`
	RateBurst     int    `env:"DEALBRIDGE_RATE_BURST"       envDefault:"20"`
	RatePerSecond int    `env:"DEALBRIDGE_RATE_PER_SECOND"  envDefault:"10"`

	OTELEndpoint string `env:"DEALBRIDGE_OTEL_ENDPOINT"`

	ManagerWhatsAppURL string `env:"DEALBRIDGE_MANAGER_WHATSAPP_URL" envDefault:"https://wa.me/79222330619"`
	ManagerTelegramURL string `env:"DEALBRIDGE_MANAGER_TELEGRAM_URL" envDefault:"https://t.me/Sunway74"`
}

// Load reads optional dotenv files (default ".env") and then the environment.
// Variables already present in the environment win over dotenv values.
func Load(dotenvFiles ...string) (Config, error) {
	if len(dotenvFiles) == 0 {
		dotenvFiles = []string{".env"}
	}
	for _, f := range dotenvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.StateBackend = strings.ToLower(strings.TrimSpace(cfg.StateBackend))
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks cross-field constraints.
func (c Config) Validate() error {
	switch c.StateBackend {
	case BackendMemory, BackendBadger:
	case BackendPostgres:
		if c.PostgresDSN == "" {
			return errors.New("config: DEALBRIDGE_PG_DSN is required for the postgres backend")
		}
	default:
		return fmt.Errorf("config: unknown state backend %q", c.StateBackend)
	}
	if c.InvoiceStage == "" || c.WarehouseStage == "" {
		return errors.New("config: stage tags must not be empty")
	}
	if c.InvoiceStage == c.WarehouseStage {
		return errors.New("config: invoice and warehouse stage tags must differ")
	}
	if c.ArtifactGrace < 0 {
		return errors.New("config: artifact grace must not be negative")
	}
	if c.OutboundTimeout <= 0 {
		return errors.New("config: outbound timeout must be positive")
	}
	return nil
}
