package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Shugur-Network/w2nb/internal/logger"
	"github.com/Shugur-Network/w2nb/internal/protocol"
	validator "github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

//go:embed defaults.yaml
var defaultYAML []byte

// Version is set at runtime from build information
var Version = "dev"

// EnvPrefix prefixes every environment override, e.g. W2NB_BRIDGE_WS_ADDR.
const EnvPrefix = "W2NB"

var validate = validator.New()

var hostnameRe = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?(\.[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?)*$`)

// Native messaging host names: dot-separated lowercase alphanumerics and underscores.
var appNameRe = regexp.MustCompile(`^[a-z0-9_]+(\.[a-z0-9_]+)*$`)

// Config holds every sub‑config.
type Config struct {
	Logging LoggingConfig `mapstructure:"LOGGING" validate:"required"`
	Metrics MetricsConfig `mapstructure:"METRICS"`
	Relay   RelayConfig   `mapstructure:"RELAY"   validate:"required"`
	Bridge  BridgeConfig  `mapstructure:"BRIDGE"  validate:"required"`
}

func init() {
	registerCustomValidators()
	validate.RegisterStructValidation(func(sl validator.StructLevel) {
		performCrossFieldValidation(sl, sl.Current().Interface().(Config))
	}, Config{})
}

func registerCustomValidators() {
	// ":8080" or "host:8080"
	if err := validate.RegisterValidation("wsaddr", func(fl validator.FieldLevel) bool {
		host, port, err := net.SplitHostPort(fl.Field().String())
		if err != nil || port == "" {
			return false
		}
		if _, err := net.LookupPort("tcp", port); err != nil {
			return false
		}
		return host == "" || net.ParseIP(host) != nil || hostnameRe.MatchString(host)
	}); err != nil {
		logger.Error("Failed to register wsaddr validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("reasonable_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Interface().(time.Duration)
		return d >= time.Second && d <= 24*time.Hour
	}); err != nil {
		logger.Error("Failed to register reasonable_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("timeout_duration", func(fl validator.FieldLevel) bool {
		d := fl.Field().Interface().(time.Duration)
		return d >= 10*time.Millisecond && d <= time.Hour
	}); err != nil {
		logger.Error("Failed to register timeout_duration validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_level", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case "debug", "info", "warn", "error", "fatal":
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register log_level validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("log_format", func(fl validator.FieldLevel) bool {
		format := fl.Field().String()
		return format == "console" || format == "json"
	}); err != nil {
		logger.Error("Failed to register log_format validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("codec", func(fl validator.FieldLevel) bool {
		switch fl.Field().String() {
		case protocol.SubprotocolJSON, protocol.SubprotocolCBOR:
			return true
		}
		return false
	}); err != nil {
		logger.Error("Failed to register codec validator", zap.Error(err))
	}

	if err := validate.RegisterValidation("app_name", func(fl validator.FieldLevel) bool {
		return appNameRe.MatchString(fl.Field().String())
	}); err != nil {
		logger.Error("Failed to register app_name validator", zap.Error(err))
	}
}

func performCrossFieldValidation(sl validator.StructLevel, cfg Config) {
	seen := make(map[string]bool, len(cfg.Bridge.Applications))
	for _, app := range cfg.Bridge.Applications {
		if seen[app.Name] {
			sl.ReportError(app.Name, "Applications", "Applications", "duplicate_application", app.Name)
		}
		seen[app.Name] = true
	}

	if cfg.Metrics.Enabled && cfg.Metrics.Port != 0 {
		if _, port, err := net.SplitHostPort(cfg.Bridge.WSAddr); err == nil && port == strconv.Itoa(cfg.Metrics.Port) {
			sl.ReportError(cfg.Metrics.Port, "Port", "Port", "port_conflict", "")
		}
	}

	if cfg.Bridge.OpenRate.BanThreshold > 0 && cfg.Bridge.OpenRate.BanDuration == 0 {
		sl.ReportError(cfg.Bridge.OpenRate.BanDuration, "BanDuration", "BanDuration", "ban_duration_missing", "")
	}
}

/* ------------------------------------------------------------------ *
|  Public API                                                         |
* -------------------------------------------------------------------*/

// SetVersion sets the version from build information
func SetVersion(v string) {
	Version = v
}

// Read merges defaults → file (optional) → env vars and validates, without
// touching the global logger.
func Read(path string, log *zap.Logger) (*Config, error) {
	if log == nil {
		log = zap.NewNop()
	}

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// 1. defaults.yaml (embedded)
	if err := v.ReadConfig(bytes.NewReader(defaultYAML)); err != nil {
		return nil, fmt.Errorf("read defaults: %w", err)
	}

	// 2. optional user file
	if path != "" {
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		log.Info("Loaded config file", zap.String("path", path))
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.MergeInConfig(); err != nil {
			log.Debug("No config.yaml found, using defaults")
		} else {
			log.Info("Loaded config.yaml from current directory")
		}
	}

	// 3. env already merged by AutomaticEnv()

	var cfg Config
	if err := v.UnmarshalExact(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, formatValidationError(err)
	}
	return &cfg, nil
}

// Load reads the configuration and initializes the global logger from it.
func Load(path string, log *zap.Logger) (*Config, error) {
	cfg, err := Read(path, log)
	if err != nil {
		return nil, err
	}
	if err := initializeLogger(cfg.Logging); err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	logger.Debug("Configuration loaded",
		zap.String("version", Version),
		zap.String("level", cfg.Logging.Level),
		zap.String("format", cfg.Logging.Format),
		zap.Int("applications", len(cfg.Bridge.Applications)))
	return cfg, nil
}

func initializeLogger(loggingConfig LoggingConfig) error {
	return logger.Init(
		logger.WithLevel(loggingConfig.Level),
		logger.WithFormat(loggingConfig.Format),
		logger.WithFile(loggingConfig.FilePath),
		logger.WithVersion(Version),
		logger.WithComponent("w2nb"),
		logger.WithRotation(loggingConfig.MaxSize, loggingConfig.MaxBackups, loggingConfig.MaxAge),
	)
}

// formatValidationError converts validator errors into user-friendly messages
func formatValidationError(err error) error {
	if validationErrors, ok := err.(validator.ValidationErrors); ok {
		messages := make([]string, 0, len(validationErrors))
		for _, fieldError := range validationErrors {
			messages = append(messages, getFieldErrorMessage(fieldError))
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(messages, "\n  - "))
	}
	return fmt.Errorf("configuration validation failed: %w", err)
}

func getFieldErrorMessage(fe validator.FieldError) string {
	field := fe.Namespace()
	value := fe.Value()
	param := fe.Param()

	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required but not provided", field)
	case "min", "gt":
		return fmt.Sprintf("%s must be at least %s (got: %v)", field, param, value)
	case "max", "lt":
		return fmt.Sprintf("%s must be at most %s (got: %v)", field, param, value)
	case "url":
		return fmt.Sprintf("%s must be a valid URL (got: %v)", field, value)
	case "wsaddr":
		return fmt.Sprintf("%s must be a valid WebSocket address in format ':port' or 'host:port' (got: %v)", field, value)
	case "reasonable_duration":
		return fmt.Sprintf("%s must be between 1 second and 24 hours (got: %v)", field, value)
	case "timeout_duration":
		return fmt.Sprintf("%s must be between 10ms and 1 hour (got: %v)", field, value)
	case "log_level":
		return fmt.Sprintf("%s must be one of: debug, info, warn, error, fatal (got: %v)", field, value)
	case "log_format":
		return fmt.Sprintf("%s must be either 'console' or 'json' (got: %v)", field, value)
	case "codec":
		return fmt.Sprintf("%s must be one of: %s, %s (got: %v)", field, protocol.SubprotocolJSON, protocol.SubprotocolCBOR, value)
	case "app_name":
		return fmt.Sprintf("%s must be dot-separated lowercase letters, digits and underscores (got: %v)", field, value)
	case "duplicate_application":
		return fmt.Sprintf("application %q is configured more than once", param)
	case "port_conflict":
		return "metrics port conflicts with bridge websocket port, they must be different"
	case "ban_duration_missing":
		return fmt.Sprintf("%s is required when a ban threshold is set", field)
	default:
		return fmt.Sprintf("%s validation failed: %s (got: %v)", field, fe.Tag(), value)
	}
}
