package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"

	"github.com/kirinyoku/freightgo/docs"
	"github.com/kirinyoku/freightgo/internal/app"
	"github.com/kirinyoku/freightgo/internal/config"
	"github.com/spf13/pflag"
)

// @title Freightgo API
// @version 1.0
// @description Freight schedules and bookings.
// @host localhost:8080
// @BasePath /
// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
func main() {
	service := pflag.StringP("service", "s", "all", "service to run: booking, scheduling or all")
	pflag.Parse()

	cfg, err := config.New()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	role, err := app.ParseRole(*service)
	if err != nil {
		slog.Error("invalid --service", "error", err)
		os.Exit(2)
	}

	logger := newLogger(cfg.Log).With("service", string(role))

	docs.SwaggerInfo.Host = cfg.Server.Host + ":" + strconv.Itoa(cfg.Server.Port)

	application, err := app.New(context.Background(), cfg, role, logger)
	if err != nil {
		logger.Error("failed to create application", "error", err)
		os.Exit(1)
	}

	if err := application.Run(context.Background()); err != nil {
		logger.Error("application finished with error", "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
