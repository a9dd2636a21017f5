package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"opmsync/config"
	"opmsync/internal/app"
	"opmsync/internal/handlers/middleware"
	"opmsync/internal/server"

	logger "github.com/Bparsons0904/goLogger"
)

const defaultTokenTTL = 24 * time.Hour

func serve(ctx context.Context, config config.Config, schedule bool) int {
	log := logger.New("main").Function("serve")

	application, err := app.New(ctx, config, app.Options{Serve: true, Schedule: schedule})
	if err != nil {
		return exitCode(err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.Er("failed to close app", err)
		}
	}()

	appServer, err := server.New(application)
	if err != nil {
		return exitFailures
	}

	listenErr := make(chan error, 1)
	go func() {
		listenErr <- appServer.Listen(config.ServerPort)
	}()

	select {
	case err := <-listenErr:
		if err != nil {
			log.Er("server stopped", err)
			return exitFailures
		}
		return exitOK
	case <-ctx.Done():
	}

	log.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := appServer.FiberApp.ShutdownWithContext(shutdownCtx); err != nil {
		log.Er("Server forced to shutdown", err)
	}

	log.Info("Server exiting")
	return exitOK
}

func token(config config.Config, subject string, ttl time.Duration) int {
	log := logger.New("main").Function("token")

	if config.AdminJWTSecret == "" {
		log.Warn("ADMIN_JWT_SECRET is not set")
		return exitConfigError
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	signed, err := middleware.SignAdminToken([]byte(config.AdminJWTSecret), subject, ttl)
	if err != nil {
		log.Er("failed to sign token", err)
		return exitFailures
	}

	fmt.Fprintln(os.Stdout, signed)
	return exitOK
}
