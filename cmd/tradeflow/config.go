package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	cli "github.com/urfave/cli/v3"

	"github.com/rendis/tradeflow/internal/engine"
)

// Config holds all tradeflow configuration.
// Priority: flags > TRADEFLOW_* env vars > settings.json > defaults.
type Config struct {
	Store       string        `json:"store" validate:"required,store_url"`
	LogLevel    string        `json:"log_level" validate:"oneof=debug info warn error"`
	LogFormat   string        `json:"log_format" validate:"oneof=text json"`
	Parallelism int           `json:"parallelism" validate:"min=1,max=256"`
	MarkerTTL   time.Duration `json:"-" validate:"gte=0"`
	MetricsAddr string        `json:"metrics_addr" validate:"omitempty,hostname_port"`
	QuotesFile  string        `json:"quotes_file" validate:"omitempty,file"`
}

// settingsFile is the on-disk shape of settings.json. Durations are strings.
type settingsFile struct {
	Config
	MarkerTTL string `json:"marker_ttl"`
}

func defaultConfig() Config {
	return Config{
		Store:       "memory",
		LogLevel:    "info",
		LogFormat:   "text",
		Parallelism: engine.DefaultParallelism,
		MarkerTTL:   engine.DefaultMarkerTTL,
	}
}

func tradeflowDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".tradeflow"
	}
	return filepath.Join(home, ".tradeflow")
}

func settingsPath() string {
	return filepath.Join(tradeflowDir(), "settings.json")
}

// loadSettings layers settings.json over cfg. A missing file is not an error.
func loadSettings(path string, cfg Config) (Config, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return cfg, fmt.Errorf("read settings %s: %w", path, err)
	}

	file := settingsFile{Config: cfg}
	if err := json.Unmarshal(data, &file); err != nil {
		return cfg, fmt.Errorf("decode settings %s: %w", path, err)
	}
	cfg = file.Config
	if file.MarkerTTL != "" {
		d, err := time.ParseDuration(file.MarkerTTL)
		if err != nil {
			return cfg, fmt.Errorf("settings %s: marker_ttl: %w", path, err)
		}
		cfg.MarkerTTL = d
	}
	return cfg, nil
}

// configFlags are the global flags; each also reads its TRADEFLOW_* env var.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "Path to settings.json",
			Value:   settingsPath(),
			Sources: cli.EnvVars("TRADEFLOW_CONFIG"),
		},
		&cli.StringFlag{
			Name:    "store",
			Usage:   "State store: memory, redis://host:port/db or libsql:file:/path/state.db",
			Sources: cli.EnvVars("TRADEFLOW_STORE"),
		},
		&cli.StringFlag{
			Name:    "log-level",
			Usage:   "Log level (debug, info, warn, error)",
			Sources: cli.EnvVars("TRADEFLOW_LOG_LEVEL"),
		},
		&cli.StringFlag{
			Name:    "log-format",
			Usage:   "Log format (text, json)",
			Sources: cli.EnvVars("TRADEFLOW_LOG_FORMAT"),
		},
		&cli.IntFlag{
			Name:    "parallelism",
			Aliases: []string{"p"},
			Usage:   "Maximum concurrently running nodes per run",
			Sources: cli.EnvVars("TRADEFLOW_PARALLELISM"),
		},
		&cli.DurationFlag{
			Name:    "marker-ttl",
			Usage:   "How long completion markers stay resumable",
			Sources: cli.EnvVars("TRADEFLOW_MARKER_TTL"),
		},
		&cli.StringFlag{
			Name:    "metrics-addr",
			Usage:   "Serve Prometheus metrics on this address (e.g. :9464)",
			Sources: cli.EnvVars("TRADEFLOW_METRICS_ADDR"),
		},
		&cli.StringFlag{
			Name:    "quotes",
			Usage:   "JSON file of static quotes keyed by symbol for the market_data provider",
			Sources: cli.EnvVars("TRADEFLOW_QUOTES"),
		},
	}
}

// loadConfig resolves the layered configuration for cmd and validates it.
func loadConfig(cmd *cli.Command) (Config, error) {
	cfg, err := loadSettings(cmd.String("config"), defaultConfig())
	if err != nil {
		return cfg, err
	}

	if cmd.IsSet("store") {
		cfg.Store = cmd.String("store")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("parallelism") {
		cfg.Parallelism = int(cmd.Int("parallelism"))
	}
	if cmd.IsSet("marker-ttl") {
		cfg.MarkerTTL = cmd.Duration("marker-ttl")
	}
	if cmd.IsSet("metrics-addr") {
		cfg.MetricsAddr = cmd.String("metrics-addr")
	}
	if cmd.IsSet("quotes") {
		cfg.QuotesFile = cmd.String("quotes")
	}

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	cfg.LogFormat = strings.ToLower(cfg.LogFormat)
	return cfg, validateConfig(cfg)
}

var configValidate = newConfigValidator()

func newConfigValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("store_url", func(fl validator.FieldLevel) bool {
		_, err := parseStoreURL(fl.Field().String())
		return err == nil
	})
	return v
}

func validateConfig(cfg Config) error {
	err := configValidate.Struct(cfg)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		msgs = append(msgs, fmt.Sprintf("%s: failed %q (value %v)", fe.Field(), fe.Tag(), fe.Value()))
	}
	return fmt.Errorf("invalid configuration: %s", strings.Join(msgs, "; "))
}

// storeKind identifies a state store backend.
type storeKind int

const (
	storeMemory storeKind = iota
	storeRedis
	storeLibSQL
)

type storeURL struct {
	kind storeKind
	// dsn is the backend-specific address: the redis URL or the libSQL file URI.
	dsn string
}

func parseStoreURL(raw string) (storeURL, error) {
	switch {
	case raw == "memory":
		return storeURL{kind: storeMemory}, nil
	case strings.HasPrefix(raw, "redis://"), strings.HasPrefix(raw, "rediss://"):
		return storeURL{kind: storeRedis, dsn: raw}, nil
	case strings.HasPrefix(raw, "libsql:"):
		dsn := strings.TrimPrefix(raw, "libsql:")
		if dsn == "" {
			return storeURL{}, fmt.Errorf("libsql store needs a file URI")
		}
		return storeURL{kind: storeLibSQL, dsn: dsn}, nil
	default:
		return storeURL{}, fmt.Errorf("unsupported store %q", raw)
	}
}
