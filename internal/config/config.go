// Package config loads relay settings. Sources apply in order, each
// overriding the last: built-in defaults, a .env file, the process
// environment (WARDRELAY_* variables), then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"strings"
	"time"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
)

// Config is the full relay configuration.
type Config struct {
	Addr     string `env:"WARDRELAY_ADDR" validate:"required"`
	DBDriver string `env:"WARDRELAY_DB_DRIVER" validate:"oneof=sqlite postgres"`
	DBDSN    string `env:"WARDRELAY_DB_DSN" validate:"required"`
	BlobsDir string `env:"WARDRELAY_BLOBS_DIR"`

	JWTSecret string `env:"WARDRELAY_JWT_SECRET" validate:"omitempty,min=16"`
	JWTIssuer string `env:"WARDRELAY_JWT_ISSUER"`

	LogLevel string `env:"WARDRELAY_LOG_LEVEL" validate:"oneof=debug info warn error"`

	SendBuffer      int           `env:"WARDRELAY_SEND_BUFFER" validate:"min=1,max=65536"`
	SendTimeout     time.Duration `env:"WARDRELAY_SEND_TIMEOUT" validate:"gt=0"`
	SweepInterval   time.Duration `env:"WARDRELAY_SWEEP_INTERVAL" validate:"gt=0"`
	MetricsInterval time.Duration `env:"WARDRELAY_METRICS_INTERVAL" validate:"gt=0"`
	ShutdownTimeout time.Duration `env:"WARDRELAY_SHUTDOWN_TIMEOUT" validate:"gt=0"`
	PingInterval    time.Duration `env:"WARDRELAY_PING_INTERVAL" validate:"gt=0"`
	ReadLimit       int64         `env:"WARDRELAY_READ_LIMIT" validate:"min=1024"`

	// LinkPreviews turns on OpenGraph fetches for links in messages.
	LinkPreviews        bool `env:"WARDRELAY_LINK_PREVIEWS"`
	LinkPreviewsPrivate bool `env:"WARDRELAY_LINK_PREVIEWS_PRIVATE"`
}

// Defaults returns the configuration used when nothing overrides it.
func Defaults() Config {
	return Config{
		Addr:            ":8080",
		DBDriver:        "sqlite",
		DBDSN:           "wardrelay.db",
		LogLevel:        "info",
		SendBuffer:      64,
		SendTimeout:     50 * time.Millisecond,
		SweepInterval:   time.Minute,
		MetricsInterval: 30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
		PingInterval:    30 * time.Second,
		ReadLimit:       1 << 20,
	}
}

var validate = validator.New()

// Load builds the configuration from every source. envFile names an optional
// dotenv file; a missing file is not an error. Arguments left after flag
// parsing (subcommands) are returned.
func Load(envFile string, args []string) (Config, []string, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return Config{}, nil, fmt.Errorf("load %s: %w", envFile, err)
		}
	}

	cfg := Defaults()
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, nil, fmt.Errorf("read environment: %w", err)
	}

	fset := flag.NewFlagSet("wardrelay", flag.ContinueOnError)
	fset.SetOutput(io.Discard)
	fset.StringVar(&cfg.Addr, "addr", cfg.Addr, "HTTP listen address")
	fset.StringVar(&cfg.DBDriver, "db-driver", cfg.DBDriver, "database driver: sqlite or postgres")
	fset.StringVar(&cfg.DBDSN, "db", cfg.DBDSN, "database path (sqlite) or connection string (postgres)")
	fset.StringVar(&cfg.BlobsDir, "blobs-dir", cfg.BlobsDir, "attachment directory (defaults to <db-dir>/blobs)")
	fset.StringVar(&cfg.JWTSecret, "jwt-secret", cfg.JWTSecret, "HS256 signing secret for client tokens")
	fset.StringVar(&cfg.JWTIssuer, "jwt-issuer", cfg.JWTIssuer, "required token issuer (empty accepts any)")
	fset.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	fset.IntVar(&cfg.SendBuffer, "send-buffer", cfg.SendBuffer, "outbound events queued per session")
	fset.DurationVar(&cfg.SendTimeout, "send-timeout", cfg.SendTimeout, "max wait to enqueue one event on a full session")
	fset.DurationVar(&cfg.SweepInterval, "sweep-interval", cfg.SweepInterval, "stale membership sweep period")
	fset.DurationVar(&cfg.MetricsInterval, "metrics-interval", cfg.MetricsInterval, "stats log period")
	fset.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", cfg.ShutdownTimeout, "graceful shutdown bound")
	fset.DurationVar(&cfg.PingInterval, "ping-interval", cfg.PingInterval, "websocket keepalive ping period")
	fset.Int64Var(&cfg.ReadLimit, "read-limit", cfg.ReadLimit, "max inbound websocket frame in bytes")
	fset.BoolVar(&cfg.LinkPreviews, "link-previews", cfg.LinkPreviews, "fetch link previews for message URLs")
	fset.BoolVar(&cfg.LinkPreviewsPrivate, "link-previews-private", cfg.LinkPreviewsPrivate, "allow previews of intranet addresses")
	if err := fset.Parse(args); err != nil {
		return Config{}, nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg.DBDriver = strings.ToLower(strings.TrimSpace(cfg.DBDriver))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	if err := validate.Struct(cfg); err != nil {
		return Config{}, nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, fset.Args(), nil
}

// SlogLevel maps LogLevel to a slog level.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
