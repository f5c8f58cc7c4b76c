package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/isomoes/mvideo/internal"
	"github.com/isomoes/mvideo/pkg/logger"
	"github.com/joho/godotenv"
)

var log = logger.Get("Bootstrap")

// main is the entry point to the program. The configuration is read
// from the optional YAML file and the environment (including a .env
// file in the working directory), after which the services are run
// until an interrupt or SIGTERM is received.
func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	envPath := flag.String("env", ".env", "path to a dotenv file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Emit(logger.WARNING, "Failed to load %s: %v\n", *envPath, err)
	}

	config, err := internal.LoadConfig(*configPath)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}
	logger.SetMinLoggingLevel(config.Level().Level())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	mvideo, err := internal.New(*config)
	if err != nil {
		log.Emit(logger.FATAL, "Failed to initialise: %v\n", err)
		os.Exit(1)
	}

	if err := mvideo.Run(ctx); err != nil {
		log.Emit(logger.FATAL, "Shutdown with error: %v\n", err)
		os.Exit(1)
	}

	log.Emit(logger.STOP, "Shutdown complete\n")
}
