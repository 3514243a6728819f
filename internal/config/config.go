package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/vasiliy-maslov/order-exchange/internal/order"
	"github.com/vasiliy-maslov/order-exchange/internal/salestax"
	"github.com/vasiliy-maslov/order-exchange/internal/totals"
	"gopkg.in/yaml.v3"
)

type Config struct {
	App      AppConfig
	Postgres PostgresConfig
	RabbitMQ RabbitMQConfig
	Clients  ClientsConfig
	Jobs     JobsConfig
	Rates    Rates
}

type AppConfig struct {
	Port      string `env:"APP_PORT" envDefault:"8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	JWTSecret string `env:"JWT_SECRET,notEmpty"`
	RatesFile string `env:"RATES_FILE" envDefault:"config/rates.yaml"`
}

type PostgresConfig struct {
	Host            string        `env:"DB_HOST,notEmpty"`
	Port            string        `env:"DB_PORT" envDefault:"5432"`
	User            string        `env:"DB_USER,notEmpty"`
	Password        string        `env:"DB_PASSWORD,notEmpty"`
	DBName          string        `env:"DB_NAME,notEmpty"`
	SSLMode         string        `env:"DB_SSLMODE" envDefault:"disable"`
	MaxConns        int32         `env:"DB_MAX_CONNS" envDefault:"10"`
	MinConns        int32         `env:"DB_MIN_CONNS" envDefault:"2"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MigrationsPath  string        `env:"MIGRATIONS_PATH" envDefault:"migrations"`
}

// RabbitMQConfig leaves URL empty to log notifications instead of publishing.
type RabbitMQConfig struct {
	URL      string `env:"RABBITMQ_URL"`
	Exchange string `env:"NOTIFY_EXCHANGE" envDefault:"order_events"`
}

type ClientsConfig struct {
	CatalogURL    string        `env:"CATALOG_URL,notEmpty"`
	CatalogToken  string        `env:"CATALOG_TOKEN"`
	PaymentURL    string        `env:"PAYMENT_URL" envDefault:"https://api.stripe.com"`
	PaymentAPIKey string        `env:"PAYMENT_API_KEY,notEmpty"`
	TaxURL        string        `env:"TAX_URL" envDefault:"https://api.taxjar.com"`
	TaxAPIKey     string        `env:"TAX_API_KEY,notEmpty"`
	Timeout       time.Duration `env:"HTTP_CLIENT_TIMEOUT" envDefault:"10s"`
}

type JobsConfig struct {
	Workers       int           `env:"JOB_WORKERS" envDefault:"4"`
	QueueSize     int           `env:"JOB_QUEUE_SIZE" envDefault:"256"`
	MaxAttempts   int           `env:"JOB_MAX_ATTEMPTS" envDefault:"5"`
	Backoff       time.Duration `env:"JOB_BACKOFF" envDefault:"2s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`
	SweepBatch    int           `env:"SWEEP_BATCH" envDefault:"100"`
}

// Rates holds the money and tax rules that change without a deploy.
type Rates struct {
	Currency       string             `yaml:"currency"`
	TransactionFee totals.FeeSchedule `yaml:"transaction_fee"`
	Nexus          salestax.Rules     `yaml:"nexus"`
	Expirations    order.Expirations  `yaml:"expirations"`
}

func DefaultRates() Rates {
	nexus := salestax.DefaultRules
	nexus.NexusRegions = append([]string(nil), nexus.NexusRegions...)

	return Rates{
		Currency:       "usd",
		TransactionFee: totals.DefaultFeeSchedule,
		Nexus:          nexus,
		Expirations:    order.DefaultExpirations,
	}
}

func (r Rates) Validate() error {
	if len(r.Currency) != 3 {
		return fmt.Errorf("currency must be a 3 letter code, got %q", r.Currency)
	}
	if r.TransactionFee.PercentRate < 0 || r.TransactionFee.PercentRate >= 1 {
		return fmt.Errorf("transaction fee percent must be in [0, 1), got %v", r.TransactionFee.PercentRate)
	}
	if r.TransactionFee.FixedCents < 0 {
		return errors.New("transaction fee fixed_cents must not be negative")
	}
	if r.Nexus.NexusCountry == "" {
		return errors.New("nexus country is required")
	}
	return nil
}

// NewConfig reads an optional .env file, the process environment and the
// rates file named by RATES_FILE.
func NewConfig() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	rates, err := LoadRates(cfg.App.RatesFile)
	if err != nil {
		return nil, err
	}
	cfg.Rates = rates

	return cfg, nil
}

// LoadRates overlays the file at path on DefaultRates. A missing file is not
// an error.
func LoadRates(path string) (Rates, error) {
	rates := DefaultRates()

	file, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return rates, nil
	}
	if err != nil {
		return rates, fmt.Errorf("failed to open rates file: %w", err)
	}
	defer file.Close()

	if err := yaml.NewDecoder(file).Decode(&rates); err != nil && !errors.Is(err, io.EOF) {
		return rates, fmt.Errorf("invalid rates file %s: %w", path, err)
	}

	rates.Currency = strings.ToLower(rates.Currency)
	rates.Nexus.NexusCountry = strings.ToUpper(rates.Nexus.NexusCountry)
	for i, region := range rates.Nexus.NexusRegions {
		rates.Nexus.NexusRegions[i] = strings.ToUpper(region)
	}

	if err := rates.Validate(); err != nil {
		return rates, fmt.Errorf("invalid rates file %s: %w", path, err)
	}
	return rates, nil
}
