package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"plugbridge/internal/domain"
	"plugbridge/internal/infra/config"
	"plugbridge/internal/infra/logger"
	"plugbridge/internal/infra/tracer"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "run":
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
	case "plugin":
		if err := runPlugin(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "plugin: %v\n", err)
			os.Exit(1)
		}
	case "keyring":
		if err := runKeyring(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "keyring: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'plugbridge --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`plugbridge - sandboxed plugin runtime bridge

USAGE:
    plugbridge [COMMAND] [FLAGS]

COMMANDS:
    run         Start the runtime and boot every enabled plugin (default)
    plugin      Manage installed plugins
                Subcommands: list, install, uninstall, enable, disable, updates, search
    keyring     Manage host secrets for keyring() template functions
                Subcommands: set, delete
    doctor      Run health checks on your setup

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: PLUGBRIDGE_* variables override config

EXAMPLES:
    plugbridge                                  # Run with config.yaml
    plugbridge --config /etc/plugbridge.yaml    # Run with custom config
    plugbridge plugin install @acme/themes      # Install from the registry
    plugbridge plugin updates                   # Check for newer versions`)
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("PLUGBRIDGE_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Store, security, transport, router, manager
	b, cleanup, err := initBridge(cfg, log)
	if err != nil {
		return err
	}
	defer cleanup()

	// 4. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	runtimeExited := make(chan struct{}, 1)
	unsub := b.Bus.Subscribe(domain.EventRuntimeExited, func(context.Context, domain.Event) {
		select {
		case runtimeExited <- struct{}{}:
		default:
		}
	})
	defer unsub()

	// 5. Start
	failed, err := b.Manager.Start(ctx)
	if err != nil {
		return fmt.Errorf("start: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.Manager.Shutdown(shutdownCtx); err != nil {
			log.Error("shutdown error", "error", err)
		}
	}()

	log.Info("plugbridge started",
		"addr", b.Transport.BoundAddr(),
		"plugins", len(b.Manager.Handles().List()),
		"failed", len(failed),
		"encryption", b.Encryptor != nil,
	)

	select {
	case <-ctx.Done():
		return nil
	case <-runtimeExited:
		return errors.New("plugin runtime exited unexpectedly")
	}
}
