// Package objectstore keeps generated story assets in a NATS JetStream object store bucket.
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// AssetStore implements core.ObjectStore on a JetStream object store bucket.
// Assets are session-local, so the bucket lives in memory and expires objects after ttl.
type AssetStore struct {
	bucket string
	store  nats.ObjectStore
}

// New creates the bucket, or binds to it when it already exists.
func New(jetstreamContext nats.JetStreamContext, bucketName string, ttl time.Duration) (*AssetStore, error) {
	store, err := jetstreamContext.CreateObjectStore(&nats.ObjectStoreConfig{
		Bucket:      bucketName,
		Description: fmt.Sprintf("Generated storybook assets (%s).", bucketName),
		TTL:         ttl,
		Storage:     nats.MemoryStorage,
		Replicas:    1,
	})
	if err != nil {
		if !errors.Is(err, jetstream.ErrBucketExists) && !errors.Is(err, nats.ErrStreamNameAlreadyInUse) {
			return nil, fmt.Errorf("failed to create object store bucket '%s': %w", bucketName, err)
		}

		store, err = jetstreamContext.ObjectStore(bucketName)
		if err != nil {
			return nil, fmt.Errorf("failed to bind to existing object store bucket '%s': %w", bucketName, err)
		}
	}

	return &AssetStore{
		bucket: bucketName,
		store:  store,
	}, nil
}

// Download retrieves an asset.
func (s *AssetStore) Download(_ context.Context, key string) ([]byte, error) {
	obj, err := s.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("failed to get object '%s' from bucket '%s': %w", key, s.bucket, err)
	}

	data, readErr := io.ReadAll(obj)
	closeErr := obj.Close()

	if readErr != nil {
		return nil, fmt.Errorf("failed to read object '%s': %w", key, readErr)
	}

	if closeErr != nil {
		return data, fmt.Errorf("failed to close object '%s': %w", key, closeErr)
	}

	return data, nil
}

// Upload stores an asset under key.
func (s *AssetStore) Upload(_ context.Context, key string, data []byte) error {
	_, err := s.store.Put(&nats.ObjectMeta{Name: key}, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to put object '%s' to bucket '%s': %w", key, s.bucket, err)
	}

	return nil
}

// DeletePrefix removes every asset whose key starts with prefix and returns how many were removed.
func (s *AssetStore) DeletePrefix(_ context.Context, prefix string) (int, error) {
	infos, err := s.store.List()
	if err != nil {
		if errors.Is(err, nats.ErrNoObjectsFound) {
			return 0, nil
		}

		return 0, fmt.Errorf("failed to list bucket '%s': %w", s.bucket, err)
	}

	removed := 0

	for _, info := range infos {
		if !strings.HasPrefix(info.Name, prefix) {
			continue
		}

		err = s.store.Delete(info.Name)
		if err != nil {
			return removed, fmt.Errorf("failed to delete object '%s': %w", info.Name, err)
		}

		removed++
	}

	return removed, nil
}
