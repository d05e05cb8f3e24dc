package main

import (
	"context"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/assets"
	"github.com/book-expert/storybook-service/internal/audio"
	"github.com/book-expert/storybook-service/internal/auth"
	"github.com/book-expert/storybook-service/internal/config"
	"github.com/book-expert/storybook-service/internal/gemini"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopStore struct{}

func (nopStore) Download(_ context.Context, _ string) ([]byte, error) { return nil, nil }

func (nopStore) Upload(_ context.Context, _ string, _ []byte) error { return nil }

func testCapability(t *testing.T) auth.Capability {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "main-test.log")
	require.NoError(t, err)

	gate := auth.NewGate(auth.NewKeyAuthorizer(func() (string, error) { return "test-key", nil }), testLogger)

	capability, err := gate.Authorize(context.Background())
	require.NoError(t, err)

	return capability
}

func TestProviderFactory_IllustratorFollowsConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		inline bool
		check  func(t *testing.T, illustrator any)
	}{
		{
			name:   "stored",
			inline: false,
			check: func(t *testing.T, illustrator any) {
				t.Helper()
				assert.IsType(t, &assets.StoredIllustrator{}, illustrator)
			},
		},
		{
			name:   "inline",
			inline: true,
			check: func(t *testing.T, illustrator any) {
				t.Helper()
				assert.IsType(t, &assets.InlineIllustrator{}, illustrator)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := &config.Config{NATS: config.NATSConfig{URL: "nats://localhost:4222", InlineAssets: tt.inline}}
			cfg.ApplyDefaults()

			providers, err := providerFactory(cfg, nopStore{})(context.Background(), testCapability(t))
			require.NoError(t, err)

			assert.IsType(t, &gemini.Client{}, providers.Writer)
			assert.IsType(t, &gemini.Client{}, providers.Narrator)
			assert.IsType(t, &gemini.Client{}, providers.Companion)
			tt.check(t, providers.Illustrator)
		})
	}
}

func TestKeySources(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{}
	cfg.ApplyDefaults()
	assert.Len(t, keySources(cfg), 1)

	cfg.Gemini.APIKeyFile = "/run/secrets/gemini"
	assert.Len(t, keySources(cfg), 2)
}

func TestNewPlayer(t *testing.T) {
	t.Parallel()

	testLogger, err := logger.New(t.TempDir(), "main-test.log")
	require.NoError(t, err)

	cfg := &config.Config{}

	player, wait := newPlayer(cfg, nopStore{}, testLogger)
	assert.IsType(t, &audio.ClockPlayer{}, player)
	wait()

	cfg.NATS.RecordNarrations = true

	player, wait = newPlayer(cfg, nopStore{}, testLogger)
	assert.IsType(t, &audio.RecordingPlayer{}, player)
	wait()
}
