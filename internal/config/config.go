package config

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	ServerEnabled  bool          `mapstructure:"HL7_SERVER_ENABLED"`
	ListenHost     string        `mapstructure:"HL7_LISTEN_HOST"`
	ListenPort     int           `mapstructure:"HL7_LISTEN_PORT" validate:"min=0,max=65535"`
	MaxConnections int           `mapstructure:"HL7_MAX_CONNECTIONS" validate:"min=1"`
	IdleTimeout    time.Duration `mapstructure:"HL7_IDLE_TIMEOUT" validate:"gt=0"`
	MessageTimeout time.Duration `mapstructure:"HL7_MESSAGE_TIMEOUT" validate:"gt=0"`
	MaxFrameBytes  int           `mapstructure:"HL7_MAX_FRAME_BYTES" validate:"min=1024"`
	AckMode        string        `mapstructure:"HL7_ACK_MODE" validate:"oneof=always error-only never"`
	UnroutableAck  string        `mapstructure:"HL7_UNROUTABLE_ACK" validate:"oneof=accept reject"`
	Application    string        `mapstructure:"HL7_APPLICATION" validate:"required"`
	Facility       string        `mapstructure:"HL7_FACILITY"`
	NationalSystem string        `mapstructure:"NATIONAL_ID_SYSTEM" validate:"required"`

	OutboundAttempts   int           `mapstructure:"OUTBOUND_RETRY_ATTEMPTS" validate:"min=1,max=20"`
	OutboundRetryDelay time.Duration `mapstructure:"OUTBOUND_RETRY_DELAY" validate:"min=0"`
	OutboundTimeout    time.Duration `mapstructure:"OUTBOUND_TIMEOUT" validate:"gt=0"`

	ForwardEnabled bool   `mapstructure:"FORWARD_ENABLED"`
	ForwardHost    string `mapstructure:"FORWARD_HOST" validate:"required_if=ForwardEnabled true"`
	ForwardPort    int    `mapstructure:"FORWARD_PORT" validate:"min=0,max=65535"`

	WebPort     int           `mapstructure:"WEB_PORT" validate:"min=1,max=65535"`
	DataDir     string        `mapstructure:"DATA_DIR" validate:"required"`
	DatabaseURL string        `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32         `mapstructure:"DB_MAX_CONNS" validate:"min=1"`
	RedisURL    string        `mapstructure:"REDIS_URL"`
	LockTTL     time.Duration `mapstructure:"LOCK_TTL" validate:"gt=0"`

	RegistryURL     string        `mapstructure:"REGISTRY_URL" validate:"omitempty,url"`
	RegistryTimeout time.Duration `mapstructure:"REGISTRY_TIMEOUT" validate:"gt=0"`

	LogLevel string `mapstructure:"LOG_LEVEL" validate:"oneof=debug info warn error"`
}

var defaults = map[string]any{
	"HL7_SERVER_ENABLED":      true,
	"HL7_LISTEN_HOST":         "",
	"HL7_LISTEN_PORT":         2575,
	"HL7_MAX_CONNECTIONS":     100,
	"HL7_IDLE_TIMEOUT":        "5m",
	"HL7_MESSAGE_TIMEOUT":     "30s",
	"HL7_MAX_FRAME_BYTES":     1 << 20,
	"HL7_ACK_MODE":            "always",
	"HL7_UNROUTABLE_ACK":      "accept",
	"HL7_APPLICATION":         "ADT_GATEWAY",
	"HL7_FACILITY":            "",
	"NATIONAL_ID_SYSTEM":      "NRIC",
	"OUTBOUND_RETRY_ATTEMPTS": 3,
	"OUTBOUND_RETRY_DELAY":    "5s",
	"OUTBOUND_TIMEOUT":        "30s",
	"FORWARD_ENABLED":         false,
	"FORWARD_HOST":            "",
	"FORWARD_PORT":            2575,
	"WEB_PORT":                5678,
	"DATA_DIR":                "/data",
	"DATABASE_URL":            "",
	"DB_MAX_CONNS":            10,
	"REDIS_URL":               "",
	"LOCK_TTL":                "30s",
	"REGISTRY_URL":            "",
	"REGISTRY_TIMEOUT":        "10s",
	"LOG_LEVEL":               "info",
}

// Load reads .env (when present) and the environment, validates the result
// and installs the default logger.
func Load() (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
		_ = v.BindEnv(key)
	}
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.AckMode = strings.ToLower(strings.TrimSpace(cfg.AckMode))
	cfg.UnroutableAck = strings.ToLower(strings.TrimSpace(cfg.UnroutableAck))
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	setupLogger(cfg.LogLevel)

	slog.Info("Configuration loaded",
		"listenAddr", cfg.ListenAddr(),
		"serverEnabled", cfg.ServerEnabled,
		"ackMode", cfg.AckMode,
		"forwardEnabled", cfg.ForwardEnabled,
		"postgres", cfg.DatabaseURL != "",
		"redis", cfg.RedisURL != "",
		"webPort", cfg.WebPort,
	)

	return cfg, nil
}

// ListenAddr is the MLLP listener address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.ListenHost, c.ListenPort)
}

func setupLogger(level string) {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, opts))
	slog.SetDefault(logger)
}
