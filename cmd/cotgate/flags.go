package main

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"
)

// CLIConfig holds command-line configuration
type CLIConfig struct {
	ConfigPath      string
	Protocol        string
	KeyFile         string
	GenerateKeys    bool
	WriteConfig     string
	LogLevel        string
	LogFormat       string
	Debug           bool
	ShutdownTimeout time.Duration
	ShowVersion     bool
	ShowHelp        bool
	Validate        bool

	level slog.Level
	usage func()
}

func parseFlags(args []string) (*CLIConfig, error) {
	cfg := &CLIConfig{}
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)

	fs.StringVar(&cfg.ConfigPath, "config",
		getEnv("COTGATE_CONFIG", ""),
		"Path to JSON configuration file, defaults only when empty (env: COTGATE_CONFIG)")
	fs.StringVar(&cfg.ConfigPath, "c",
		getEnv("COTGATE_CONFIG", ""),
		"Path to JSON configuration file (env: COTGATE_CONFIG)")

	fs.StringVar(&cfg.Protocol, "protocol", "",
		"Device protocol: coap, mqtt, websocket (overrides gateway.protocol)")

	fs.StringVar(&cfg.KeyFile, "key-file", "",
		"Key pair file (overrides keys.file)")

	fs.BoolVar(&cfg.GenerateKeys, "generate-keys", false,
		"Write a fresh key pair to the key file and exit")

	fs.StringVar(&cfg.WriteConfig, "write-config", "",
		"Write the effective configuration to this JSON file and exit")

	fs.StringVar(&cfg.LogLevel, "log-level",
		getEnv("COTGATE_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: COTGATE_LOG_LEVEL)")

	fs.StringVar(&cfg.LogFormat, "log-format",
		getEnv("COTGATE_LOG_FORMAT", "json"),
		"Log format: json, text (env: COTGATE_LOG_FORMAT)")

	fs.BoolVar(&cfg.Debug, "debug",
		getEnvBool("COTGATE_DEBUG", false),
		"Enable debug logging (env: COTGATE_DEBUG)")

	fs.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout",
		getEnvDuration("COTGATE_SHUTDOWN_TIMEOUT", 10*time.Second),
		"Graceful shutdown timeout (env: COTGATE_SHUTDOWN_TIMEOUT)")

	fs.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	fs.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	fs.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	fs.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")
	fs.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")

	fs.Usage = func() { printDetailedHelp(fs) }
	cfg.usage = fs.Usage

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if cfg.Debug {
		cfg.LogLevel = "debug"
	}
	return cfg, nil
}

func validateFlags(cfg *CLIConfig) error {
	if cfg.ShowVersion || cfg.ShowHelp {
		return nil
	}

	if cfg.ConfigPath != "" {
		if _, err := os.Stat(cfg.ConfigPath); err != nil {
			return fmt.Errorf("config file not found: %s", cfg.ConfigPath)
		}
	}

	if cfg.Protocol != "" && !slices.Contains([]string{"coap", "mqtt", "websocket"}, cfg.Protocol) {
		return fmt.Errorf("invalid protocol: %s", cfg.Protocol)
	}

	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	cfg.level = level

	if !slices.Contains([]string{"json", "text"}, cfg.LogFormat) {
		return fmt.Errorf("invalid log format: %s", cfg.LogFormat)
	}

	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", cfg.ShutdownTimeout)
	}

	return nil
}

func printDetailedHelp(fs *flag.FlagSet) {
	_, _ = fmt.Fprintf(os.Stderr, `%s - IoT gateway bridging CoAP, MQTT and WebSocket nodes to a broker

Usage: %s [options]

Options:
`, appName, os.Args[0])
	fs.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Create the shared key pair once
  %s --generate-keys --key-file=~/.cotgate/keys.yaml

  # Inspect the merged defaults, file and environment
  %s --config=/etc/cotgate/config.json --write-config=/tmp/effective.json

  # Serve CoAP nodes against a local broker
  %s --protocol=coap --log-format=text

  # Run with environment variables
  export COTGATE_CONFIG=/etc/cotgate/config.json
  export COTGATE_BROKER_URL=wss://broker.example.com/gw
  %s

Version: %s
Build: %s
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], Version, BuildTime)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}
