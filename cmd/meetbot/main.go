package main

import (
	"context"
	"log"
	"os"

	"github.com/seantiz/meetbot/internal/api"
	"github.com/seantiz/meetbot/internal/bot"
	"github.com/seantiz/meetbot/internal/bot/process"
	"github.com/seantiz/meetbot/internal/config"
	"github.com/seantiz/meetbot/internal/engine"
	"github.com/seantiz/meetbot/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.BotCommand == "" {
		log.Fatalf("MEETBOT_BOT_COMMAND (or bot.command in the config file) is required")
	}

	logger.Info("meetbot: starting",
		"listen_addr", cfg.ListenAddr,
		"db_path", cfg.DBPath,
		"max_concurrent", cfg.MaxConcurrent,
		"max_attempts", cfg.MaxAttempts,
		"bot_command", cfg.BotCommand,
	)

	db, err := store.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("failed to open database: %v", err)
	}
	defer db.Close()

	recorder, err := process.New(process.Config{
		Command:          cfg.BotCommand,
		Args:             cfg.BotArgs,
		AdmissionTimeout: cfg.AdmissionTimeout,
		StopGrace:        cfg.StopGrace,
		MaxConcurrency:   cfg.MaxConcurrent,
	}, logger)
	if err != nil {
		log.Fatalf("failed to create recorder bot: %v", err)
	}
	defer recorder.Shutdown(context.Background())

	reg := bot.NewRegistry()
	for _, platform := range recorder.Capabilities().Platforms {
		reg.Register(platform, recorder)
	}

	eng, err := engine.NewEngine(engine.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		MaxAttempts:   cfg.MaxAttempts,
		BackoffUnit:   cfg.BackoffUnit,
		DrainInterval: cfg.DrainInterval,
	}, db, reg, logger)
	if err != nil {
		log.Fatalf("failed to create engine: %v", err)
	}

	srv := api.NewServer(api.Options{
		Addr:         cfg.ListenAddr,
		AdmitRPS:     cfg.AdmitRPS,
		DrainTimeout: cfg.DrainTimeout,
	}, db, reg, eng, logger)

	if err := srv.Run(); err != nil {
		logger.Error("server stopped with error", "error", err)
	}
}
