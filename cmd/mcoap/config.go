// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/absmach/mcoap/pkg/client"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/phsym/console-slog"
)

const envPrefix = "MCOAP_"

// Config holds the application configuration. Every field can be set from
// the environment with the MCOAP_ prefix and overridden by a flag.
type Config struct {
	// Logging
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"console"`

	// Client
	MaxRequests    int           `env:"MAX_REQUESTS"     envDefault:"2"`
	MaxMessageSize int           `env:"MAX_MESSAGE_SIZE" envDefault:"0"`
	BlockSize      int           `env:"BLOCK_SIZE"       envDefault:"256"`
	ACKTimeout     time.Duration `env:"ACK_TIMEOUT"      envDefault:"2s"`
	MaxRetransmit  int           `env:"MAX_RETRANSMIT"   envDefault:"4"`
	PollPeriod     time.Duration `env:"POLL_PERIOD"      envDefault:"500ms"`
	Timeout        time.Duration `env:"TIMEOUT"          envDefault:"2m"`

	// Observability
	MetricsAddr  string `env:"METRICS_ADDR"  envDefault:""`
	HealthAddr   string `env:"HEALTH_ADDR"   envDefault:""`
	OTLPEndpoint string `env:"OTLP_ENDPOINT" envDefault:""`
	ServiceName  string `env:"SERVICE_NAME"  envDefault:"mcoap"`

	// Polling
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`
	RateLimitCapacity   int64         `env:"RATE_LIMIT_CAPACITY"   envDefault:"10"`
	RateLimitRefill     int64         `env:"RATE_LIMIT_REFILL"     envDefault:"5"`

	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"5s"`
}

// loadConfig reads an optional .env file and the environment.
func loadConfig(logger *slog.Logger) (Config, error) {
	if err := godotenv.Load(); err != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: envPrefix}); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) clientConfig(logger *slog.Logger) client.Config {
	return client.Config{
		MaxRequests:    cfg.MaxRequests,
		MaxMessageSize: cfg.MaxMessageSize,
		BlockSize:      cfg.BlockSize,
		Params: client.TransmissionParams{
			ACKTimeout:    cfg.ACKTimeout,
			BackoffFactor: client.DefaultBackoffFactor,
			MaxRetransmit: cfg.MaxRetransmit,
			RandomFactor:  client.DefaultRandomFactor,
		},
		Logger: logger,
	}
}

// newLogger creates a structured logger with the specified level and format.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	var logLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: logLevel})
	default:
		handler = console.NewHandler(w, &console.HandlerOptions{Level: logLevel})
	}

	return slog.New(handler)
}
