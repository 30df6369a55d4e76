// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mobiletoly/go-posync/cmd/posyncd/server"
	"github.com/mobiletoly/go-posync/internal/config"
)

func main() {
	configPath := flag.String("config", os.Getenv("POSYNC_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger := cfg.Logger

	components, err := server.SetupServer(context.Background(), cfg)
	if err != nil {
		log.Fatalf("Failed to setup agent: %v", err)
	}
	defer components.Close()

	httpServer := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      components.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // downloads run inside the request
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info("Starting posync agent", "addr", httpServer.Addr, "database", cfg.DatabasePath, "api", cfg.APIBaseURL)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server failed to start: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down agent...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
	}

	logger.Info("Agent exited")
}
