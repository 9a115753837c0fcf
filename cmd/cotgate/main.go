// Package main implements the cotgate gateway daemon. One process serves one
// device protocol and keeps a single authenticated link to the broker.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/c360/cotgate/adapter/coap"
	"github.com/c360/cotgate/adapter/mqtt"
	"github.com/c360/cotgate/adapter/websocket"
	"github.com/c360/cotgate/auth"
	"github.com/c360/cotgate/broker"
	"github.com/c360/cotgate/config"
	"github.com/c360/cotgate/gateway"
	"github.com/c360/cotgate/health"
	"github.com/c360/cotgate/metric"
	"github.com/c360/cotgate/pkg/tlsutil"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "cotgate"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	cliCfg, err := parseFlags(args)
	if err == flag.ErrHelp {
		return nil
	}
	if err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		cliCfg.usage()
		return nil
	}

	logger := newLogger(os.Stdout, cliCfg.level, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg)
	if err != nil {
		return err
	}
	logger = gatewayLogger(logger, cfg)
	slog.SetDefault(logger)

	if cliCfg.GenerateKeys {
		return generateKeys(cfg.Keys.File)
	}
	if cliCfg.WriteConfig != "" {
		if err := cfg.SaveToFile(cliCfg.WriteConfig); err != nil {
			return fmt.Errorf("write config: %w", err)
		}
		slog.Info("Configuration written", "path", cliCfg.WriteConfig)
		return nil
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}

	slog.Info("Starting cotgate",
		"version", Version,
		"build_time", BuildTime,
		"protocol", cfg.Gateway.Protocol,
		"broker", cfg.Broker.URL)
	slog.Debug("Effective configuration", "config", cfg.String())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, cliCfg, logger)
}

// loadConfig layers defaults, the optional file, environment and flags
func loadConfig(cliCfg *CLIConfig) (*config.Config, error) {
	loader := config.NewLoader()
	if cliCfg.ConfigPath != "" {
		loader.AddLayer(cliCfg.ConfigPath)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	if cliCfg.Protocol != "" {
		cfg.Gateway.Protocol = cliCfg.Protocol
	}
	if cliCfg.KeyFile != "" {
		cfg.Keys.File = cliCfg.KeyFile
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func generateKeys(path string) error {
	keys, err := auth.GenerateKeys()
	if err != nil {
		return err
	}
	if err := auth.WriteKeyFile(path, keys); err != nil {
		return err
	}
	slog.Info("Key pair written", "path", path)
	return nil
}

// serve wires the gateway and runs every task until ctx ends or one fails
func serve(ctx context.Context, cfg *config.Config, cliCfg *CLIConfig, logger *slog.Logger) error {
	keys, err := auth.LoadKeyFile(cfg.Keys.File)
	if err != nil {
		return fmt.Errorf("load keys (run with --generate-keys to create them): %w", err)
	}
	codec, err := auth.NewCodec(keys)
	if err != nil {
		return err
	}

	registry := metric.NewMetricsRegistry()
	monitor := health.NewMonitor()

	adapter, err := newAdapter(cfg, logger, monitor)
	if err != nil {
		return err
	}

	link, err := newLink(cfg, codec, logger, registry, monitor)
	if err != nil {
		return err
	}

	gw, err := gateway.New(gateway.Config{
		MaxTime:       cfg.Gateway.MaxTime,
		DeviceTimeout: cfg.Gateway.DeviceTimeout,
		Workers:       cfg.Gateway.Workers,
		QueueSize:     cfg.Gateway.QueueSize,
		MailboxSize:   cfg.Gateway.MailboxSize,
		StopTimeout:   cliCfg.ShutdownTimeout,
	}, adapter, link,
		gateway.WithLogger(logger),
		gateway.WithMetricsRegistry(registry),
		gateway.WithHealthMonitor(monitor),
	)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error { return gw.Run(ctx) })
	g.Go(func() error { return link.Run(ctx, gw) })

	// WebSocket nodes leave by closing their connection
	if cfg.Gateway.Protocol != config.ProtocolWebSocket {
		g.Go(func() error { return gw.RunReaper(ctx, cfg.Gateway.ReaperInterval) })
	}

	if cfg.Metrics.Enabled {
		server := metric.NewServer(cfg.Metrics.Addr, cfg.Metrics.Path, registry, monitor.Handler(appName))
		g.Go(func() error { return server.Run(ctx) })
		slog.Info("Metrics server enabled", "addr", cfg.Metrics.Addr, "path", cfg.Metrics.Path)
	}

	err = g.Wait()
	if err != nil {
		return err
	}
	slog.Info("cotgate shutdown complete")
	return nil
}

func newAdapter(cfg *config.Config, logger *slog.Logger, monitor *health.Monitor) (gateway.Adapter, error) {
	switch cfg.Gateway.Protocol {
	case config.ProtocolCoAP:
		return coap.New(coap.Config{
			Bind:           cfg.CoAP.Bind,
			DevicePort:     cfg.CoAP.DevicePort,
			RequestTimeout: cfg.CoAP.RequestTimeout,
		}, coap.WithLogger(logger), coap.WithHealthMonitor(monitor))

	case config.ProtocolMQTT:
		client := mqtt.NewPahoClient(mqtt.ClientConfig{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
		}, logger)
		return mqtt.New(mqtt.Config{
			QoS:           cfg.MQTT.QoS,
			AliveInterval: cfg.MQTT.AliveInterval,
		}, client, mqtt.WithLogger(logger), mqtt.WithHealthMonitor(monitor))

	case config.ProtocolWebSocket:
		return websocket.New(websocket.Config{
			Bind:           cfg.WebSocket.Bind,
			Path:           cfg.WebSocket.Path,
			MaxMessageSize: cfg.WebSocket.MaxMessageSize,
			TLS: tlsutil.ServerConfig{
				CertFile: cfg.WebSocket.CertFile,
				KeyFile:  cfg.WebSocket.KeyFile,
			},
		}, websocket.WithLogger(logger), websocket.WithHealthMonitor(monitor))

	default:
		return nil, fmt.Errorf("unsupported protocol %q", cfg.Gateway.Protocol)
	}
}

func newLink(cfg *config.Config, issuer broker.TokenIssuer, logger *slog.Logger,
	registry *metric.MetricsRegistry, monitor *health.Monitor) (*broker.Link, error) {
	linkCfg := broker.Config{
		URL:              cfg.Broker.URL,
		RetryInterval:    cfg.Broker.RetryInterval,
		SettleDelay:      cfg.Broker.SettleDelay,
		HandshakeTimeout: cfg.Broker.HandshakeTimeout,
		WriteTimeout:     cfg.Broker.WriteTimeout,
		OutboxSize:       cfg.Broker.OutboxSize,
	}

	tlsCfg, err := tlsutil.LoadClientTLSConfig(tlsutil.ClientConfig{
		CAFiles:            []string{cfg.Broker.TLS.CAFile},
		InsecureSkipVerify: cfg.Broker.TLS.InsecureSkipVerify,
		MinVersion:         cfg.Broker.TLS.MinVersion,
	})
	if err != nil {
		return nil, err
	}
	linkCfg.TLS = tlsCfg

	return broker.NewLink(linkCfg, issuer,
		broker.WithLogger(logger),
		broker.WithMetrics(registry.CoreMetrics()),
		broker.WithHealthMonitor(monitor),
	)
}
