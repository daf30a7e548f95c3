// Command bedrock runs a lightweight HTTP mock of the Bedrock runtime and
// control-plane APIs. It is used for E2E/load testing the gateway without
// real credentials or network access to the downstream service.
//
// The mock listens on :19005 (override with PORT).
//
// Behaviour flags (via env):
//
//	MOCK_LATENCY_MS       — artificial latency added to every response (default 0)
//	MOCK_ERROR_RATE       — fraction [0,1] of requests that return HTTP 503 (default 0)
//	MOCK_REQUIRE_PROFILE  — when "1", reject Claude model ids without a "us."
//	                        prefix with the on-demand throughput 400, forcing
//	                        the gateway's inference-profile retry
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"
)

// Config holds runtime configuration for the mock server.
type Config struct {
	LatencyMS      int
	ErrorRate      float64
	RequireProfile bool
}

func loadConfig() Config {
	var c Config

	if v := os.Getenv("MOCK_LATENCY_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.LatencyMS = n
		}
	}
	if v := os.Getenv("MOCK_ERROR_RATE"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			c.ErrorRate = f
		}
	}
	c.RequireProfile = os.Getenv("MOCK_REQUIRE_PROFILE") == "1"

	return c
}

func main() {
	log := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	cfg := loadConfig()

	port := os.Getenv("PORT")
	if port == "" {
		port = "19005"
	}
	addr := ":" + port

	srv := &http.Server{
		Addr:         addr,
		Handler:      newHandler(cfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("mock bedrock listening",
			slog.String("addr", addr),
			slog.Int("latency_ms", cfg.LatencyMS),
			slog.Float64("error_rate", cfg.ErrorRate),
			slog.Bool("require_profile", cfg.RequireProfile),
		)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server error", slog.String("error", err.Error()))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down mock bedrock")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
