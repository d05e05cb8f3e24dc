// Package auth gates the service behind an authorized provider capability.
//
// Nothing that talks to the asset provider can be built without a Capability, and a
// Capability can only be obtained from a Gate. The gate asks its authorizer whether a
// capability is already held and otherwise requests one.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/core"
)

// ErrUnauthorized indicates the authorizer reported success but produced no usable key.
var ErrUnauthorized = errors.New("capability not authorized")

// Capability is proof that the provider capability was authorized.
type Capability struct {
	apiKey    string
	grantedAt time.Time
}

// IsZero reports whether the capability was never granted.
func (c Capability) IsZero() bool {
	return c.apiKey == ""
}

// APIKey returns the provider key carried by the capability.
func (c Capability) APIKey() string {
	return c.apiKey
}

// GrantedAt returns when the capability was granted.
func (c Capability) GrantedAt() time.Time {
	return c.grantedAt
}

// KeySource yields a provider API key, or an empty string when none is available.
type KeySource func() (string, error)

// EnvKeySource reads the key from an environment variable.
func EnvKeySource(name string) KeySource {
	return func() (string, error) {
		return strings.TrimSpace(os.Getenv(name)), nil
	}
}

// FileKeySource reads the key from a file, such as a mounted secret. A missing file yields no key.
func FileKeySource(path string) KeySource {
	return func() (string, error) {
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			return "", nil
		}

		if err != nil {
			return "", fmt.Errorf("failed to read key file %s: %w", path, err)
		}

		return strings.TrimSpace(string(data)), nil
	}
}

// KeyAuthorizer holds an API key selected from the first source that provides one.
type KeyAuthorizer struct {
	mu      sync.Mutex
	sources []KeySource
	key     string
}

// NewKeyAuthorizer creates an authorizer that has not yet selected a key.
func NewKeyAuthorizer(sources ...KeySource) *KeyAuthorizer {
	return &KeyAuthorizer{sources: sources}
}

// HasAuthorizedCapability reports whether a key has been selected.
func (a *KeyAuthorizer) HasAuthorizedCapability(_ context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.key != "", nil
}

// RequestCapabilityAuthorization selects a key again from the sources, in order.
func (a *KeyAuthorizer) RequestCapabilityAuthorization(ctx context.Context) error {
	for _, source := range a.sources {
		err := ctx.Err()
		if err != nil {
			return fmt.Errorf("%w: %w", core.ErrAuth, err)
		}

		key, err := source()
		if err != nil {
			return fmt.Errorf("%w: %w", core.ErrAuth, err)
		}

		if key != "" {
			a.mu.Lock()
			a.key = key
			a.mu.Unlock()

			return nil
		}
	}

	return fmt.Errorf("%w: no API key available", core.ErrAuth)
}

// APIKey returns the selected key.
func (a *KeyAuthorizer) APIKey() string {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.key
}

// KeyedAuthorizer is an authorizer whose capability is an API key.
type KeyedAuthorizer interface {
	core.Authorizer
	APIKey() string
}

// Gate hands out capabilities.
type Gate struct {
	authorizer KeyedAuthorizer
	log        *logger.Logger
}

// NewGate creates a gate over an authorizer.
func NewGate(authorizer KeyedAuthorizer, log *logger.Logger) *Gate {
	return &Gate{authorizer: authorizer, log: log}
}

// Authorize returns a capability, requesting authorization only when none is held.
func (g *Gate) Authorize(ctx context.Context) (Capability, error) {
	authorized, err := g.authorizer.HasAuthorizedCapability(ctx)
	if err != nil {
		return Capability{}, fmt.Errorf("%w: failed to check capability: %w", core.ErrAuth, err)
	}

	if authorized {
		return g.grant()
	}

	return g.Reauthorize(ctx)
}

// Reauthorize always requests authorization, so a different key may be selected.
func (g *Gate) Reauthorize(ctx context.Context) (Capability, error) {
	g.log.Info("Requesting capability authorization")

	err := g.authorizer.RequestCapabilityAuthorization(ctx)
	if err != nil {
		g.log.Error("Capability authorization failed: %v", err)

		return Capability{}, err
	}

	return g.grant()
}

func (g *Gate) grant() (Capability, error) {
	key := g.authorizer.APIKey()
	if key == "" {
		return Capability{}, ErrUnauthorized
	}

	return Capability{apiKey: key, grantedAt: time.Now()}, nil
}
