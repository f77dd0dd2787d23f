package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/chadiek/interview-agent/internal/app"
	"github.com/chadiek/interview-agent/internal/config"
	"github.com/chadiek/interview-agent/internal/httpserver"
	"github.com/chadiek/interview-agent/internal/logging"
)

func main() {
	// Config is read before the logger exists, so bootstrap with a plain one.
	boot := logging.New(logging.Config{Level: os.Getenv("LOG_LEVEL")})
	cfg := config.Load(boot)
	log := logging.New(logging.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})

	interviews := app.New(cfg, log)
	e := httpserver.New(log)
	httpserver.NewHandlers(interviews, cfg.AuthPassword, log).Register(e)

	server := &http.Server{
		Addr:              cfg.HTTPAddress,
		Handler:           e,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in background
	serverErrors := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.HTTPAddress).Msg("server listening")
		serverErrors <- server.ListenAndServe()
	}()

	// Graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown failed")
		_ = server.Close()
	}

	// Live interviews finalize their recordings before exit.
	finalize, cancelFinalize := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancelFinalize()
	if err := interviews.Shutdown(finalize); err != nil {
		log.Warn().Err(err).Int("active", interviews.Active()).Msg("interviews did not finalize in time")
	}
	log.Info().Msg("server stopped")
}
