package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/kirinyoku/tixmint/internal/app"
	"github.com/kirinyoku/tixmint/internal/config"
	"github.com/spf13/pflag"
)

//go:generate swag init -g main.go -d .,../../internal/transport/http/gin,../../internal/domain -o ../../docs

// @title TixMint API
// @version 1.0
// @description Ticket sales where every sold ticket is minted as a token owned by the buyer.
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	var (
		envFile  string
		migrate  bool
		logLevel string
	)

	pflag.StringVar(&envFile, "env-file", "", "load environment from this file before reading config")
	pflag.BoolVar(&migrate, "migrate", false, "apply the database schema on startup")
	pflag.StringVar(&logLevel, "log-level", "info", "debug, info, warn or error")
	pflag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		level = slog.LevelInfo
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))

	cfg, err := config.Load(envFile)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()

	application, err := app.New(ctx, cfg, logger, app.Options{Migrate: migrate})
	if err != nil {
		logger.Error("failed to create application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("application finished with error", "error", err)
		os.Exit(1)
	}
}
