package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"scantool/internal/device"
	"scantool/internal/transport"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Device struct {
		Port      string `yaml:"port"`
		Transport string `yaml:"transport"` // cdc, pos, composite, uart
		Baud      int    `yaml:"baud"`
	} `yaml:"device"`
	Web struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
		MaxFirmware    int64    `yaml:"max_firmware"`
		Metrics        bool     `yaml:"metrics"`
	} `yaml:"web"`
	Store struct {
		Path        string `yaml:"path"`
		KeepUpdates int    `yaml:"keep_updates"`
	} `yaml:"store"`
	MQTT struct {
		Enabled         bool   `yaml:"enabled"`
		Broker          string `yaml:"broker"`
		Username        string `yaml:"username"`
		Password        string `yaml:"password"`
		TopicPrefix     string `yaml:"topic_prefix"`
		ClientID        string `yaml:"client_id"`
		Model           string `yaml:"model"`
		RemoveDiscovery bool   `yaml:"remove_discovery"`
	} `yaml:"mqtt"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
	Formatter struct {
		Script  string `yaml:"script"`
		Timeout string `yaml:"timeout"`
	} `yaml:"formatter"`
}

func (c *Config) validate() error {
	if c.Device.Port == "" {
		return fmt.Errorf("device.port is required")
	}
	kind, err := transport.ParseKind(c.Device.Transport)
	if err != nil {
		return fmt.Errorf("device.transport: %w", err)
	}
	if kind == transport.UART && c.Device.Baud <= 0 {
		return fmt.Errorf("device.baud must be positive for uart, got %d", c.Device.Baud)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("mqtt.broker is required when mqtt is enabled")
	}
	if c.Store.KeepUpdates < 0 {
		return fmt.Errorf("store.keep_updates must not be negative")
	}
	if c.Formatter.Timeout != "" {
		d, err := time.ParseDuration(c.Formatter.Timeout)
		if err != nil {
			return fmt.Errorf("formatter.timeout: %w", err)
		}
		if d <= 0 {
			return fmt.Errorf("formatter.timeout must be positive, got %s", c.Formatter.Timeout)
		}
	}
	return nil
}

func (c *Config) kind() transport.Kind {
	kind, _ := transport.ParseKind(c.Device.Transport)
	return kind
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help" || os.Args[1] == "help") {
		usage(os.Stdout)
		return
	}

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}
	name := "serve"
	var args []string
	if len(os.Args) > 2 {
		name = os.Args[2]
		args = os.Args[3:]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)

	if err := run(cfg, name, args, logger); err != nil {
		if errors.Is(err, errUsage) {
			usage(os.Stderr)
		}
		logger.Error(name, "err", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Device.Transport == "" {
		cfg.Device.Transport = "cdc"
	}
	if cfg.Device.Baud == 0 {
		cfg.Device.Baud = 115200
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "127.0.0.1:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "scantool.db"
	}
	if cfg.Store.KeepUpdates == 0 {
		cfg.Store.KeepUpdates = 100
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "scantool"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, opts)
	default:
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// openDevice opens a session on the configured port.
func openDevice(cfg *Config, logger *slog.Logger, opts ...device.Option) (*device.Device, error) {
	tr := transport.New(cfg.kind(), cfg.Device.Port, cfg.Device.Baud)
	dev := device.New(tr, cfg.Device.Port, logger, opts...)
	if err := dev.Open(); err != nil {
		return nil, err
	}
	return dev, nil
}
