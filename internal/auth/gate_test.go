package auth_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/auth"
	"github.com/book-expert/storybook-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockSource = errors.New("mock source error")

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()

	testLogger, err := logger.New(t.TempDir(), "auth-test.log")
	require.NoError(t, err)

	return testLogger
}

func staticSource(key string) auth.KeySource {
	return func() (string, error) { return key, nil }
}

type mockAuthorizer struct {
	has         bool
	hasFail     bool
	requestFail bool
	key         string
	requests    int
}

func (m *mockAuthorizer) HasAuthorizedCapability(_ context.Context) (bool, error) {
	if m.hasFail {
		return false, errMockSource
	}

	return m.has, nil
}

func (m *mockAuthorizer) RequestCapabilityAuthorization(_ context.Context) error {
	m.requests++

	if m.requestFail {
		return core.ErrAuth
	}

	m.has = true

	return nil
}

func (m *mockAuthorizer) APIKey() string {
	return m.key
}

func TestKeyAuthorizer_SelectsFirstAvailableKey(t *testing.T) {
	t.Parallel()

	authorizer := auth.NewKeyAuthorizer(staticSource(""), staticSource("key-b"), staticSource("key-c"))

	has, err := authorizer.HasAuthorizedCapability(context.Background())
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, authorizer.RequestCapabilityAuthorization(context.Background()))

	has, err = authorizer.HasAuthorizedCapability(context.Background())
	require.NoError(t, err)
	assert.True(t, has)
	assert.Equal(t, "key-b", authorizer.APIKey())
}

func TestKeyAuthorizer_NoKeyIsAuthError(t *testing.T) {
	t.Parallel()

	authorizer := auth.NewKeyAuthorizer(staticSource(""))

	err := authorizer.RequestCapabilityAuthorization(context.Background())
	require.ErrorIs(t, err, core.ErrAuth)
}

func TestKeyAuthorizer_SourceErrorIsAuthError(t *testing.T) {
	t.Parallel()

	authorizer := auth.NewKeyAuthorizer(func() (string, error) { return "", errMockSource })

	err := authorizer.RequestCapabilityAuthorization(context.Background())
	require.ErrorIs(t, err, core.ErrAuth)
	require.ErrorIs(t, err, errMockSource)
}

func TestEnvKeySource(t *testing.T) {
	t.Setenv("STORYBOOK_TEST_KEY", "  from-env \n")

	key, err := auth.EnvKeySource("STORYBOOK_TEST_KEY")()
	require.NoError(t, err)
	assert.Equal(t, "from-env", key)
}

func TestFileKeySource(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "key")

	key, err := auth.FileKeySource(path)()
	require.NoError(t, err)
	assert.Empty(t, key)

	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))

	key, err = auth.FileKeySource(path)()
	require.NoError(t, err)
	assert.Equal(t, "from-file", key)
}

func TestGate_UsesHeldCapability(t *testing.T) {
	t.Parallel()

	authorizer := &mockAuthorizer{has: true, key: "held"}
	gate := auth.NewGate(authorizer, newTestLogger(t))

	capability, err := gate.Authorize(context.Background())
	require.NoError(t, err)

	assert.False(t, capability.IsZero())
	assert.Equal(t, "held", capability.APIKey())
	assert.False(t, capability.GrantedAt().IsZero())
	assert.Zero(t, authorizer.requests)
}

func TestGate_RequestsWhenNotHeld(t *testing.T) {
	t.Parallel()

	authorizer := &mockAuthorizer{key: "granted"}
	gate := auth.NewGate(authorizer, newTestLogger(t))

	capability, err := gate.Authorize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "granted", capability.APIKey())
	assert.Equal(t, 1, authorizer.requests)
}

func TestGate_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		authorizer *mockAuthorizer
		wantErr    error
	}{
		{name: "check fails", authorizer: &mockAuthorizer{hasFail: true}, wantErr: core.ErrAuth},
		{name: "request fails", authorizer: &mockAuthorizer{requestFail: true}, wantErr: core.ErrAuth},
		{name: "no key", authorizer: &mockAuthorizer{has: true}, wantErr: auth.ErrUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			gate := auth.NewGate(tt.authorizer, newTestLogger(t))

			capability, err := gate.Authorize(context.Background())
			require.ErrorIs(t, err, tt.wantErr)
			assert.True(t, capability.IsZero())
		})
	}
}

func TestGate_ReauthorizeAlwaysRequests(t *testing.T) {
	t.Parallel()

	authorizer := auth.NewKeyAuthorizer(staticSource("fresh"))
	gate := auth.NewGate(authorizer, newTestLogger(t))

	first, err := gate.Authorize(context.Background())
	require.NoError(t, err)

	second, err := gate.Reauthorize(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first.APIKey(), second.APIKey())
	assert.False(t, second.GrantedAt().Before(first.GrantedAt()))
}
