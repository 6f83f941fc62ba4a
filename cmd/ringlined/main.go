package main

import (
	"context"
	"flag"
	stdlog "log"
	"os"
	"os/signal"
	"syscall"

	"github.com/vkravets/ringline/internal/app"
	"github.com/vkravets/ringline/internal/config"
	"github.com/vkravets/ringline/internal/log"
	"github.com/vkravets/ringline/internal/ringback"
)

func main() {
	var (
		configPath string
		addr       string
		receiverID int64
	)
	flag.StringVar(&configPath, "config", "", "path to config file")
	flag.StringVar(&addr, "addr", "", "HTTP listen address (overrides config)")
	flag.Int64Var(&receiverID, "receiver-id", 0, "party whose incoming calls to handle (overrides config)")
	flag.Parse()

	bootLogger := log.New("info")
	cfg, path, err := config.Load(bootLogger, configPath)
	if err != nil {
		stdlog.Fatalf("load config: %v", err)
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if receiverID != 0 {
		cfg.ReceiverID = receiverID
	}

	logger := log.New(cfg.LogLevel)
	logger.Info().Str("config_path", path).Str("addr", cfg.Addr).Msg("starting ringline")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, logger, ringback.DiscardSink())
	if err != nil {
		logger.Fatal().Err(err).Msg("initialize application")
	}

	if err := application.Run(ctx); err != nil {
		logger.Fatal().Err(err).Msg("server exited with error")
	}
	logger.Info().Msg("server stopped")
}
