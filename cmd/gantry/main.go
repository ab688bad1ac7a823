package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/gantrylab/gantry/config"
	"github.com/gantrylab/gantry/internal/logging"
	"github.com/gantrylab/gantry/internal/server"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

// Exit codes: 0 clean shutdown, 1 startup or runtime failure, 2 bad
// configuration, 130 interrupted by signal.
const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitInterrupt = 130
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "gantry.yaml", "Path to the configuration file")
	validateOnly := flag.Bool("validate", false, "Validate the configuration and exit")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("gantry %s (built %s)\n", version, buildTime)
		return exitOK
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gantry: %v\n", err)
		return exitConfig
	}
	if *validateOnly {
		fmt.Println("configuration is valid")
		return exitOK
	}

	logger, err := logging.New(logging.Options{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "gantry: logger: %v\n", err)
		return exitFailure
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting gantry",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.String("addr", cfg.Server.Addr()))

	srv, err := server.New(cfg, *configPath)
	if err != nil {
		logging.Error("server initialization failed", zap.Error(err))
		return exitFailure
	}

	switch err := srv.Run(context.Background()); {
	case err == nil:
		return exitOK
	case errors.Is(err, server.ErrInterrupted):
		return exitInterrupt
	default:
		logging.Error("server exited", zap.Error(err))
		return exitFailure
	}
}
