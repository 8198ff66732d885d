package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"chatfleet/global"
	"chatfleet/global/config"
	"chatfleet/logger"

	"go.uber.org/zap"
)

func main() {
	path := flag.String("config", config.DefaultConfigPath, "path to the yaml config file")
	flag.Parse()
	defer logger.Sync()

	cfg, err := config.Load(*path)
	if err != nil {
		logger.Error("load config failed", zap.String("path", *path), zap.Error(err))
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := global.Boot(ctx, cfg)
	if err != nil {
		logger.Error("boot failed", zap.String("server_id", cfg.Server.ID), zap.Error(err))
		os.Exit(1)
	}
	if err := app.Run(ctx); err != nil {
		logger.Error("instance exited with error", zap.Error(err))
		os.Exit(1)
	}
}
