// Package config содержит логику чтения конфигурации сервиса RestaFlow.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	defaultRunAddress = "localhost:8080"
	defaultSecret     = "restaflow-secret"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress  string `env:"RUN_ADDRESS"`
	APIBase     string `env:"API_BASE"`
	DatabaseURI string `env:"DATABASE_URI"`
	AMQPURL     string `env:"AMQP_URL"`
	EmployeeID  int64  `env:"EMPLOYEE_ID"`

	APIToken      string `env:"API_TOKEN"`
	SessionSecret string `env:"SESSION_SECRET" envDefault:"restaflow-secret"`

	PollInterval        time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	PollMaxErrors       int           `env:"POLL_MAX_ERRORS" envDefault:"3"`
	PollWatchVisibility bool          `env:"POLL_WATCH_VISIBILITY" envDefault:"true"`
	OutboxFlushInterval time.Duration `env:"OUTBOX_FLUSH_INTERVAL" envDefault:"5s"`
	OutboxMaxAttempts   int           `env:"OUTBOX_MAX_ATTEMPTS" envDefault:"10"`

	HTTPTimeout  time.Duration `env:"HTTP_TIMEOUT" envDefault:"10s"`
	HTTPRetryMax int           `env:"HTTP_RETRY_MAX" envDefault:"0"`
	StepRetries  int           `env:"STEP_RETRIES" envDefault:"0"`
}

// Parse считывает конфигурацию из файла .env (если он есть), флагов командной строки
// и переменных окружения. Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envAPIBase := cfg.APIBase
	envDatabaseURI := cfg.DatabaseURI
	envAMQPURL := cfg.AMQPURL
	envEmployeeID := cfg.EmployeeID

	flag.StringVar(&cfg.RunAddress, "a", defaultRunAddress, "address and port for HTTP server")
	flag.StringVar(&cfg.APIBase, "b", "", "RestaFlow backend base URL")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI for the movement outbox")
	flag.StringVar(&cfg.AMQPURL, "m", "", "AMQP broker URL for order events")
	flag.Int64Var(&cfg.EmployeeID, "e", 0, "default employee id of this terminal")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envAPIBase != "" {
		cfg.APIBase = envAPIBase
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envAMQPURL != "" {
		cfg.AMQPURL = envAMQPURL
	}
	if envEmployeeID != 0 {
		cfg.EmployeeID = envEmployeeID
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = defaultRunAddress
	}
	if cfg.SessionSecret == "" {
		cfg.SessionSecret = defaultSecret
	}

	if cfg.APIBase == "" {
		return nil, errors.New("backend base URL is required (API_BASE or -b)")
	}
	if cfg.PollInterval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", cfg.PollInterval)
	}
	if cfg.HTTPRetryMax < 0 || cfg.StepRetries < 0 || cfg.OutboxMaxAttempts < 0 {
		return nil, errors.New("retry counts must not be negative")
	}

	return cfg, nil
}
