package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/phuslu/log"

	"github.com/quickfawn/lockhost/internal/autohost"
	"github.com/quickfawn/lockhost/internal/frameclock"
	"github.com/quickfawn/lockhost/internal/gameserver"
	"github.com/quickfawn/lockhost/internal/transport"
)

type Config struct {
	ListenAddr4 string `envconfig:"LOCKHOST_LISTEN_ADDR4" default:"0.0.0.0:5200"`
	// Transport selects the delivery variant: "udp", "ws", or
	// "redundant" (udp duplicated over a second socket).
	Transport       string `envconfig:"LOCKHOST_TRANSPORT" default:"udp"`
	SecondaryAddr4  string `envconfig:"LOCKHOST_SECONDARY_ADDR4" default:"0.0.0.0:5201"`
	AutohostAddr4   string `envconfig:"LOCKHOST_AUTOHOST_ADDR4" default:""`
	TickMillis      int    `envconfig:"LOCKHOST_TICK_MS" default:"5"`
	SpeedControl    int    `envconfig:"LOCKHOST_SPEED_CONTROL" default:"1"`
	KeyframeFrames  int    `envconfig:"LOCKHOST_KEYFRAME_INTERVAL" default:"16"`
	AllowSpectators bool   `envconfig:"LOCKHOST_ALLOW_SPECTATORS" default:"true"`
	DemoName        string `envconfig:"LOCKHOST_DEMO_NAME" default:""`
}

func loadConfig() (*Config, error) {
	config := new(Config)
	if err := envconfig.Process("", config); err != nil {
		return nil, err
	}
	return config, nil
}

func configureLogger() *log.Logger {
	logger := log.DefaultLogger

	// https://github.com/phuslu/log?tab=readme-ov-file#pretty-console-writer
	logger.Caller = 1
	logger.TimeFormat = "15:04:05"
	logger.Writer = &log.ConsoleWriter{
		ColorOutput:    true,
		QuoteString:    true,
		EndWithMessage: true,
	}

	return &logger
}

func buildTransport(config *Config, logger *log.Logger) (transport.Transport, error) {
	switch config.Transport {
	case "udp":
		return transport.NewUDP("udp4", config.ListenAddr4, logger)
	case "ws":
		return transport.NewWS(config.ListenAddr4, logger)
	case "redundant":
		primary, err := transport.NewUDP("udp4", config.ListenAddr4, logger)
		if err != nil {
			return nil, err
		}
		secondary, err := transport.NewUDP("udp4", config.SecondaryAddr4, logger)
		if err != nil {
			primary.Close()
			return nil, err
		}
		return transport.NewRedundant(primary, secondary, logger), nil
	default:
		return nil, fmt.Errorf("unknown transport %q", config.Transport)
	}
}

func erringMain() error {
	config, err := loadConfig()
	if err != nil {
		return fmt.Errorf("could not process config: %w", err)
	}

	logger := configureLogger()

	tr, err := buildTransport(config, logger)
	if err != nil {
		return fmt.Errorf("could not construct transport: %w", err)
	}

	var hostif *autohost.Interface
	if config.AutohostAddr4 != "" {
		hostif, err = autohost.New("udp4", config.AutohostAddr4, logger)
		if err != nil {
			return fmt.Errorf("could not construct autohost interface: %w", err)
		}
		logger.Info().Msgf("autohost notifications to %s", config.AutohostAddr4)
	}

	cfg := gameserver.DefaultConfig()
	cfg.TickInterval = time.Duration(config.TickMillis) * time.Millisecond
	cfg.SpeedControl = config.SpeedControl
	cfg.DemoName = config.DemoName
	cfg.Registry.AllowSpectatorJoin = config.AllowSpectators
	if config.KeyframeFrames > 0 {
		cfg.Clock.KeyframeInterval = int32(config.KeyframeFrames)
	}
	if cfg.SpeedControl < frameclock.SpeedCtrlOff || cfg.SpeedControl > frameclock.SpeedCtrlMaximum {
		return fmt.Errorf("invalid speed control mode %d", cfg.SpeedControl)
	}

	server := gameserver.New(cfg, tr, nil, hostif, logger)
	logger.Info().Msgf("started session server on %s (%s)", config.ListenAddr4, config.Transport)

	wg := new(sync.WaitGroup)
	ctx, cancel := context.WithCancel(context.Background())

	wg.Add(1)
	var serverRunErr error
	go func() {
		defer wg.Done()
		serverRunErr = server.Run(ctx)
	}()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGTERM, syscall.SIGINT)

	sig := <-signalChan
	logger.Info().Msgf("received %+v signal", sig)

	cancel()
	wg.Wait()
	if serverRunErr != nil {
		return fmt.Errorf("session server run failed: %w", serverRunErr)
	}

	return nil
}

func main() {
	if err := erringMain(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}
