// Package main runs an in-memory Redis for local development, so the server
// can persist preferences and upload history without a real Redis install.
//
// Usage:
//
//	go run ./cmd/redis_server
//
// It listens on REDIS_ADDR (127.0.0.1:6379).
package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/alicebob/miniredis/v2"
	"github.com/guido-cesarano/pipelined/pkg/config"
	"github.com/guido-cesarano/pipelined/pkg/logger"
)

func main() {
	cfg := config.Load()
	logger.Configure(cfg.AppEnv, cfg.LogLevel)

	s := miniredis.NewMiniRedis()
	if err := s.StartAddr(cfg.RedisAddr); err != nil {
		logger.Log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Failed to start miniredis")
	}
	defer s.Close()

	logger.Log.Info().Str("addr", s.Addr()).Msg("MiniRedis server started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Log.Info().Msg("Shutting down MiniRedis...")
}
