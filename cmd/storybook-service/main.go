// main package for the storybook-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/assets"
	"github.com/book-expert/storybook-service/internal/audio"
	"github.com/book-expert/storybook-service/internal/auth"
	"github.com/book-expert/storybook-service/internal/config"
	"github.com/book-expert/storybook-service/internal/core"
	"github.com/book-expert/storybook-service/internal/gemini"
	"github.com/book-expert/storybook-service/internal/objectstore"
	"github.com/book-expert/storybook-service/internal/session"
	"github.com/book-expert/storybook-service/internal/worker"
	"github.com/nats-io/nats.go"
)

// narrationPrefix is the fallback key prefix; an open book records under its own story prefix.
const narrationPrefix = "narration/"

func setupLogger(logPath string) (*logger.Logger, error) {
	log, err := logger.New(logPath, "storybook-service.log")
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

// providerFactory builds the Gemini-backed provider set for a capability. Illustrations are
// inlined as data URLs or uploaded to the asset store depending on configuration.
func providerFactory(cfg *config.Config, store core.ObjectStore) session.ProviderFactory {
	geminiConfig := gemini.Config{
		StoryModel:    cfg.Gemini.StoryModel,
		ImageModel:    cfg.Gemini.ImageModel,
		ProImageModel: cfg.Gemini.ProImageModel,
		SpeechModel:   cfg.Gemini.SpeechModel,
		ChatModel:     cfg.Gemini.ChatModel,
		Voice:         cfg.Gemini.Voice,
		AspectRatio:   cfg.Gemini.AspectRatio,
	}

	return func(ctx context.Context, capability auth.Capability) (session.Providers, error) {
		client, err := gemini.New(ctx, capability.APIKey(), geminiConfig)
		if err != nil {
			return session.Providers{}, fmt.Errorf("failed to create gemini client: %w", err)
		}

		var illustrator core.Illustrator = assets.NewStoredIllustrator(client, store)
		if cfg.NATS.InlineAssets {
			illustrator = assets.NewInlineIllustrator(client)
		}

		return session.Providers{
			Writer:      client,
			Illustrator: illustrator,
			Narrator:    client,
			Companion:   client,
		}, nil
	}
}

func keySources(cfg *config.Config) []auth.KeySource {
	sources := []auth.KeySource{auth.EnvKeySource(cfg.Gemini.APIKeyEnv)}
	if cfg.Gemini.APIKeyFile != "" {
		sources = append(sources, auth.FileKeySource(cfg.Gemini.APIKeyFile))
	}

	return sources
}

func newPlayer(cfg *config.Config, store core.ObjectStore, log *logger.Logger) (audio.Player, func()) {
	clock := &audio.ClockPlayer{Speed: cfg.Storybook.NarrationSpeed}

	if !cfg.NATS.RecordNarrations {
		return clock, func() {}
	}

	recorder := audio.NewRecordingPlayer(clock, store, narrationPrefix, log)

	return recorder, recorder.Wait
}

func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	natsConnection, err := nats.Connect(cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return fmt.Errorf("failed to create JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.AssetBucket, cfg.AssetTTL())
	if err != nil {
		return fmt.Errorf("failed to open asset store: %w", err)
	}

	gate := auth.NewGate(auth.NewKeyAuthorizer(keySources(cfg)...), log)

	capability, err := gate.Authorize(ctx)
	if err != nil {
		return fmt.Errorf("failed to authorize provider capability: %w", err)
	}

	tier, err := cfg.DefaultTier()
	if err != nil {
		return fmt.Errorf("failed to parse default quality: %w", err)
	}

	player, waitUploads := newPlayer(cfg, store, log)
	defer waitUploads()

	storySession, err := session.New(ctx, capability, session.Options{
		Factory:      providerFactory(cfg, store),
		Reauthorize:  gate.Reauthorize,
		Player:       player,
		Cleaner:      store,
		DefaultTier:  tier,
		FetchTimeout: cfg.FetchTimeout(),
		Log:          log,
	})
	if err != nil {
		return fmt.Errorf("failed to create session: %w", err)
	}
	defer storySession.Close()

	natsWorker, err := worker.NewNatsWorker(natsConnection, cfg.NATS.CommandSubject, storySession, log)
	if err != nil {
		return fmt.Errorf("failed to create worker: %w", err)
	}

	log.System("Storybook-Service listening for commands on subject: %s", cfg.NATS.CommandSubject)

	return natsWorker.Run(ctx)
}

func run() error {
	// 1. Create a temporary logger for the bootstrap process
	bootstrapLog, err := setupLogger(os.TempDir())
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	// 2. Load configuration using the central configurator
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	// 3. Initialize the final logger based on the loaded configuration
	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = serve(ctx, cfg, finalLog)
	if err != nil {
		finalLog.Error("Service stopped: %v", err)

		return err
	}

	finalLog.System("Storybook-Service shut down cleanly.")

	return nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
