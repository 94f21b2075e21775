// Package config loads the call router's startup configuration the way
// the teacher's ws/config.go does: environment variables, optionally
// seeded from a .env file, parsed with struct tags via caarlos0/env.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

// Config holds everything spec.md §6 says is "read once at startup",
// plus the ambient knobs (addresses, shard count, logging) a deployable
// service needs on top of that.
type Config struct {
	// Shard pool
	NumShards int `env:"CR_NUM_SHARDS" envDefault:"0"` // 0 = NumCPU

	// Admission and SIP timers (spec.md §3 "global")
	GlobalID           string        `env:"CR_GLOBAL_ID" envDefault:"nksip"`
	MaxCalls           int           `env:"CR_MAX_CALLS" envDefault:"100000"`
	TransactionTimeout time.Duration `env:"CR_TRANSACTION_TIMEOUT" envDefault:"32s"`
	DialogTimeout      time.Duration `env:"CR_DIALOG_TIMEOUT" envDefault:"12h"`
	MaxDialogTime      time.Duration `env:"CR_MAX_DIALOG_TIME" envDefault:"30m"`
	T1                 time.Duration `env:"CR_T1" envDefault:"500ms"`
	T2                 time.Duration `env:"CR_T2" envDefault:"4s"`
	T4                 time.Duration `env:"CR_T4" envDefault:"5s"`
	C                  time.Duration `env:"CR_C" envDefault:"180s"`
	SyncWorkTimeout    time.Duration `env:"CR_SYNC_WORK_TIMEOUT" envDefault:"5s"`

	// Admission safety valve (golang.org/x/time/rate), on top of MaxCalls.
	AdmitRatePerSec float64 `env:"CR_ADMIT_RATE_PER_SEC" envDefault:"0"` // 0 = disabled
	AdmitBurst      int     `env:"CR_ADMIT_BURST" envDefault:"50"`

	// Transports
	WSAddr   string `env:"CR_WS_ADDR" envDefault:":6060"`
	NATSUrl  string `env:"CR_NATS_URL" envDefault:""` // empty = NATS transport disabled
	NATSSubj string `env:"CR_NATS_SUBJECT" envDefault:"sip.incoming"`
	JWTSecret string `env:"CR_JWT_SECRET" envDefault:""`

	// Metrics
	MetricsAddr string `env:"CR_METRICS_ADDR" envDefault:":9090"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads configuration from an optional .env file and then the
// environment, following the teacher's precedence: env vars > .env file
// > struct defaults.
func Load(logger *zerolog.Logger) (*Config, error) {
	if err := godotenv.Load(); err != nil {
		if logger != nil {
			logger.Info().Msg("no .env file found, using environment variables only")
		}
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
