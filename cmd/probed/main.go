package main

import (
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yairfalse/probed/pkg/config"
	"github.com/yairfalse/probed/pkg/producer"
	"github.com/yairfalse/probed/pkg/task"
	"github.com/yairfalse/probed/pkg/transport"
	"github.com/yairfalse/probed/pkg/watchdog"
)

const version = "0.1.0"

var (
	configPath string
	endpoint   string
	debug      bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:     "probed",
		Short:   "Tracing probe producer daemon",
		Long:    "probed hosts system probes and exposes them to a tracing service, reconnecting with backoff when the service goes away and terminating itself when it exceeds its resource budget.",
		Version: version,
		RunE:    run,
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&endpoint, "endpoint", "", "Tracing service endpoint (overrides config)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, args []string) error {
	logger, err := buildLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	cfg := config.Default()
	if configPath != "" {
		cfg, err = config.Load(configPath)
		if err != nil {
			return err
		}
	}
	if endpoint != "" {
		cfg.Endpoint = endpoint
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	wd := watchdog.GetInstance()
	wd.SetLogger(logger)
	wd.SetPollingInterval(cfg.Watchdog.PollingInterval())
	// A window that does not divide into polling intervals is a deployment
	// mistake; running without the configured ceiling would hide it.
	if err := wd.SetMemoryLimit(cfg.Watchdog.MemoryLimitBytes, cfg.Watchdog.MemoryWindow()); err != nil {
		logger.Fatal("Invalid memory watchdog configuration", zap.Error(err))
	}
	if err := wd.SetCPULimit(cfg.Watchdog.CPULimitPercent, cfg.Watchdog.CPUWindow()); err != nil {
		logger.Fatal("Invalid CPU watchdog configuration", zap.Error(err))
	}
	wd.Start()
	defer wd.Shutdown()

	dial, err := dialerFor(cfg.Endpoint)
	if err != nil {
		return err
	}

	runner := task.New(logger)
	p := producer.New(logger, runner, dial, producer.Config{
		TraceFSRoot:  cfg.TraceFSRoot,
		FlushTimeout: producer.DefaultConfig().FlushTimeout,
	})
	runner.Post(func() { p.ConnectWithRetries(cfg.Endpoint) })

	logger.Info("probed started",
		zap.String("version", version),
		zap.String("endpoint", cfg.Endpoint))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("Shutting down", zap.String("signal", sig.String()))

	runner.Post(p.Close)
	runner.Quit()
	return nil
}

func buildLogger() (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// dialerFor maps an endpoint scheme to a transport. Only the in-process
// loopback transport ships in-tree; it exists for integration smoke runs
// against a fake service.
func dialerFor(addr string) (transport.ConnectFunc, error) {
	switch {
	case strings.HasPrefix(addr, "loopback://"):
		return (&transport.Loopback{SharedMemoryBytes: 1 << 20}).Connect, nil
	default:
		return nil, fmt.Errorf("unsupported endpoint scheme in %q", addr)
	}
}
