package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the process configuration, read from the environment with an
// optional .env file for local development.
type Config struct {
	HTTPAddr     string
	DatabaseURL  string // empty = in-memory store
	KafkaBrokers []string
	AuditTopic   string

	ReconDateToleranceDays int
	ReconAmountTolerance   decimal.Decimal
}

// Load reads .env (if present) and the environment.
func Load() (Config, error) {
	// Missing .env is fine; the environment wins either way.
	_ = godotenv.Load()

	cfg := Config{
		HTTPAddr:               getEnv("HTTP_ADDR", ":8080"),
		DatabaseURL:            os.Getenv("DATABASE_URL"),
		AuditTopic:             getEnv("AUDIT_TOPIC", "ledger_audit_events"),
		ReconDateToleranceDays: 1,
		ReconAmountTolerance:   decimal.New(1, -2),
	}
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	if v := os.Getenv("RECON_DATE_TOLERANCE_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil {
			return cfg, err
		}
		cfg.ReconDateToleranceDays = days
	}
	if v := os.Getenv("RECON_AMOUNT_TOLERANCE"); v != "" {
		tol, err := decimal.NewFromString(v)
		if err != nil {
			return cfg, err
		}
		cfg.ReconAmountTolerance = tol
	}
	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
