package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/onvifcam/gateway/app"
	"github.com/onvifcam/gateway/log"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	logger := log.New("Gateway").WithOutput(log.NewConsoleWriter(os.Stderr, log.ParseLevel(os.Getenv("VCAM_LOGLEVEL")), true))

	a, code, err := app.New(app.FromEnv())
	if err != nil {
		logger.WithError(err).Error().Log("Failed to create gateway")
		os.Exit(code)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if code, err := a.Start(ctx); err != nil {
		logger.WithError(err).Error().Log("Failed to start gateway")

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		a.Stop(shutdownCtx)
		shutdownCancel()

		os.Exit(code)
	}

	// Wait for a signal to gracefully shut down
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info().Log("Shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	a.Stop(shutdownCtx)
}
