// Command kfre-server serves the KFRE risk engine over HTTP.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"

	"github.com/kfre-risk-server/internal/api"
	"github.com/kfre-risk-server/internal/config"
	"github.com/kfre-risk-server/internal/logging"
)

func main() {
	configManager, err := config.NewManager()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	if err := configManager.Validate(); err != nil {
		logrus.Fatalf("Configuration validation failed: %v", err)
	}

	cfg := configManager.GetConfig()
	logger, err := logging.FromConfig(cfg.Logging)
	if err != nil {
		logrus.Fatalf("Failed to set up logging: %v", err)
	}

	server, err := api.NewServer(configManager, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create server")
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close audit store")
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.WithFields(logrus.Fields{
		"host":        cfg.Server.Host,
		"port":        cfg.Server.Port,
		"production": configManager.IsProduction(),
	}).Info("Starting KFRE risk server")

	if err := server.Start(ctx); err != nil {
		logger.WithError(err).Error("Server failed")
		return
	}

	logger.Info("Server stopped")
}
