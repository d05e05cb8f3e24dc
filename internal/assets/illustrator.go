// Package assets turns generated image data into renderable asset references.
package assets

import (
	"context"
	"encoding/base64"
	"fmt"
	"mime"
	"strings"

	"github.com/book-expert/storybook-service/internal/core"
	"github.com/google/uuid"
)

const defaultImageMIMEType = "image/png"

// InlineIllustrator returns illustrations as data URLs, with no storage behind them.
type InlineIllustrator struct {
	images core.ImageGenerator
}

// NewInlineIllustrator wraps an image generator.
func NewInlineIllustrator(images core.ImageGenerator) *InlineIllustrator {
	return &InlineIllustrator{images: images}
}

// GenerateIllustration generates the image and encodes it as a data URL.
func (i *InlineIllustrator) GenerateIllustration(ctx context.Context, req core.IllustrationRequest) (core.AssetRef, error) {
	image, err := i.images.GenerateImage(ctx, req)
	if err != nil {
		return core.AssetRef{}, err
	}

	mimeType := imageMIMEType(image)

	return core.AssetRef{
		URL:      "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image.Data),
		MIMEType: mimeType,
	}, nil
}

// StoredIllustrator uploads illustrations to an object store and returns their keys.
type StoredIllustrator struct {
	images core.ImageGenerator
	store  core.ObjectStore
}

// NewStoredIllustrator wraps an image generator and the store that will hold its output.
func NewStoredIllustrator(images core.ImageGenerator, store core.ObjectStore) *StoredIllustrator {
	return &StoredIllustrator{images: images, store: store}
}

// GenerateIllustration generates the image and stores it under <story>/page-NN-<uuid><ext>.
// Upload failures are generation failures: the page simply has no asset.
func (s *StoredIllustrator) GenerateIllustration(ctx context.Context, req core.IllustrationRequest) (core.AssetRef, error) {
	image, err := s.images.GenerateImage(ctx, req)
	if err != nil {
		return core.AssetRef{}, err
	}

	mimeType := imageMIMEType(image)
	key := IllustrationKey(req.StoryID, req.Page, mimeType)

	err = s.store.Upload(ctx, key, image.Data)
	if err != nil {
		return core.AssetRef{}, fmt.Errorf("%w: failed to store illustration: %w", core.ErrGeneration, err)
	}

	return core.AssetRef{Key: key, MIMEType: mimeType}, nil
}

// StoryPrefix returns the key prefix shared by all assets of a story.
func StoryPrefix(storyID string) string {
	return storyID + "/"
}

// IllustrationKey names a stored illustration. Every call yields a fresh key.
func IllustrationKey(storyID string, page int, mimeType string) string {
	return fmt.Sprintf("%spage-%02d-%s%s", StoryPrefix(storyID), page+1, uuid.NewString(), extension(mimeType))
}

func imageMIMEType(image core.Image) string {
	if image.MIMEType == "" {
		return defaultImageMIMEType
	}

	return image.MIMEType
}

func extension(mimeType string) string {
	switch strings.ToLower(mimeType) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	}

	extensions, err := mime.ExtensionsByType(mimeType)
	if err != nil || len(extensions) == 0 {
		return ".bin"
	}

	return extensions[0]
}
