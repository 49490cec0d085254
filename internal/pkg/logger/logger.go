package logger

import (
	"context"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

type Config struct {
	Level       string // debug, info, warn, error
	Environment string // development, production, test
	Service     string // stamped on every line when set
}

func init() {
	// Requests without an attached logger fall back to the global one.
	zerolog.DefaultContextLogger = &log.Logger
}

// Init configures the global logger. Development gets a console writer,
// everything else emits JSON with microsecond timestamps to match ledger rows.
func Init(cfg Config) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var l zerolog.Logger
	switch cfg.Environment {
	case "development", "dev":
		l = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"})
	default:
		l = zerolog.New(os.Stdout)
	}

	lc := l.With().Timestamp().Caller()
	if cfg.Service != "" {
		lc = lc.Str("service", cfg.Service)
	}
	log.Logger = lc.Logger()
}

// FromContext returns the request logger, or the global logger.
func FromContext(ctx context.Context) *zerolog.Logger {
	return zerolog.Ctx(ctx)
}

// WithFields returns a context whose logger carries the extra string fields.
func WithFields(ctx context.Context, fields map[string]string) context.Context {
	lc := FromContext(ctx).With()
	for k, v := range fields {
		lc = lc.Str(k, v)
	}
	l := lc.Logger()
	return l.WithContext(ctx)
}
