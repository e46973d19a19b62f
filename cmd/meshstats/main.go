package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/mdecourcy/baymesh-mqtt-bot/internal/command"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/config"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/export"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/ingest"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/logging"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/meshproto"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/packetgroup"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/radio"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/service"
	"github.com/mdecourcy/baymesh-mqtt-bot/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New(cfg.LogLevel)
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupGracefulShutdown(cancel, logger)

	store, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		logger.Fatal("open database", zap.String("path", cfg.DatabasePath), zap.Error(err))
	}
	defer store.Close()

	var firehose ingest.FramePublisher
	if len(cfg.KafkaBrokers) > 0 {
		kf := export.NewFirehose(cfg.KafkaBrokers, cfg.KafkaTopic, logger)
		defer kf.Close()
		firehose = kf
	}

	codec := meshproto.NewCodec(meshproto.NewKeyRing(cfg.DecryptionKeys, cfg.IncludeDefaultKey), logger)
	ingestor := ingest.New(cfg, logger, codec, packetgroup.NewQueue(), store, store, firehose)
	if err := ingestor.Start(); err != nil {
		logger.Fatal("start ingestion", zap.Error(err))
	}
	defer ingestor.Stop()

	var listener *command.Listener
	if cfg.CommandsEnabled && cfg.MeshConnectionURL != "" {
		exec := command.NewExecutor(logger,
			service.NewStats(store), service.NewSubscriptions(store),
			store, store, ingestor.Status)
		limiter := command.NewRateLimiter(
			time.Duration(cfg.RateLimitSeconds)*time.Second, cfg.RateLimitBurst)
		dial := func() (command.RadioConn, error) {
			return radio.Dial(cfg.MeshConnectionURL, codec, logger)
		}
		listener = command.NewListener(logger, dial, exec, limiter, command.Options{
			ChunkLimit:       cfg.ResponseChunkLimit,
			ChunkPause:       time.Duration(cfg.ChunkPauseSeconds) * time.Second,
			RetryDelay:       5 * time.Second,
			BroadcastChannel: cfg.StatsChannelIndex,
		})
		listener.Start()
		defer listener.Stop()
	}

	<-ctx.Done()
	logger.Info("meshstats stopped")
}

func setupGracefulShutdown(cancel context.CancelFunc, logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		s := <-sigCh
		logger.Info("received signal, shutting down", zap.String("signal", s.String()))
		cancel()
	}()
}
