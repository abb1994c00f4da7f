package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"zapleads/config"
	"zapleads/internal/connstate"
	"zapleads/internal/gateway"
	"zapleads/internal/httpapi"
	"zapleads/internal/media"
	"zapleads/internal/notify"
	"zapleads/internal/session"
	"zapleads/internal/store"
	"zapleads/internal/webhook"
	"zapleads/pkg/logger"
)

func main() {
	logger.Init()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	messages, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open message store")
	}
	defer messages.Close()

	uploader, err := media.NewUploader(media.Config{
		Enabled:   cfg.S3Enabled,
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: cfg.S3PublicURL,
		PathStyle: cfg.S3PathStyle,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize media storage")
	}

	notifier := notify.New(cfg.ForwardWebhookURL, cfg.RabbitURL, cfg.RabbitQueue)
	defer notifier.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	factory, err := session.NewWhatsmeowFactory(ctx, cfg.DatabaseURL, cfg.DeviceName)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize session backend")
	}

	states := connstate.NewStore()
	sessions := session.NewManager(states, factory, session.Config{
		SendTimeout:       cfg.SendTimeout,
		ReconnectMax:      cfg.ReconnectMaxRetries,
		ReconnectBaseWait: cfg.ReconnectBaseWait,
	})

	outbound := gateway.New(sessions, messages, uploader, cfg.MediaMaxBytes)
	dispatcher := webhook.NewDispatcher(messages, sessions, notifier, cfg.WebhookSecret, cfg.WebhookTimeout)

	server := httpapi.NewServer(states, sessions, messages, outbound, dispatcher, cfg.WebhookPath)

	if err := server.Run(ctx, cfg.Address); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}

	// Close the socket without logging out so the pairing survives a restart.
	sessions.Close()
	log.Info().Msg("Shutdown complete")
}
