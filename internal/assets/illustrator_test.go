package assets_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/book-expert/storybook-service/internal/assets"
	"github.com/book-expert/storybook-service/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errMockUpload = errors.New("mock upload error")

type mockImages struct {
	image core.Image
	err   error
}

func (m *mockImages) GenerateImage(_ context.Context, _ core.IllustrationRequest) (core.Image, error) {
	return m.image, m.err
}

type mockObjectStore struct {
	uploadShouldFail bool
	uploadedKey      string
	uploadedData     []byte
}

func (m *mockObjectStore) Download(_ context.Context, _ string) ([]byte, error) {
	return m.uploadedData, nil
}

func (m *mockObjectStore) Upload(_ context.Context, key string, data []byte) error {
	if m.uploadShouldFail {
		return errMockUpload
	}

	m.uploadedKey = key
	m.uploadedData = data

	return nil
}

func TestInlineIllustrator_DataURL(t *testing.T) {
	t.Parallel()

	illustrator := assets.NewInlineIllustrator(&mockImages{image: core.Image{Data: []byte("hi")}})

	ref, err := illustrator.GenerateIllustration(context.Background(), core.IllustrationRequest{})
	require.NoError(t, err)

	assert.Equal(t, "data:image/png;base64,aGk=", ref.URL)
	assert.Equal(t, "image/png", ref.MIMEType)
	assert.Empty(t, ref.Key)
}

func TestInlineIllustrator_PassesErrorsThrough(t *testing.T) {
	t.Parallel()

	illustrator := assets.NewInlineIllustrator(&mockImages{err: core.ErrPermissionDenied})

	_, err := illustrator.GenerateIllustration(context.Background(), core.IllustrationRequest{})
	require.ErrorIs(t, err, core.ErrPermissionDenied)
}

func TestStoredIllustrator_UploadsUnderStoryPrefix(t *testing.T) {
	t.Parallel()

	store := &mockObjectStore{}
	illustrator := assets.NewStoredIllustrator(
		&mockImages{image: core.Image{Data: []byte{1, 2}, MIMEType: "image/jpeg"}},
		store,
	)

	ref, err := illustrator.GenerateIllustration(context.Background(), core.IllustrationRequest{
		StoryID: "story-9",
		Page:    2,
	})
	require.NoError(t, err)

	assert.Equal(t, store.uploadedKey, ref.Key)
	assert.True(t, strings.HasPrefix(ref.Key, "story-9/page-03-"), ref.Key)
	assert.True(t, strings.HasSuffix(ref.Key, ".jpg"), ref.Key)
	assert.Equal(t, []byte{1, 2}, store.uploadedData)
	assert.Empty(t, ref.URL)
}

func TestStoredIllustrator_UploadFailureIsGenerationError(t *testing.T) {
	t.Parallel()

	illustrator := assets.NewStoredIllustrator(
		&mockImages{image: core.Image{Data: []byte{1}}},
		&mockObjectStore{uploadShouldFail: true},
	)

	_, err := illustrator.GenerateIllustration(context.Background(), core.IllustrationRequest{StoryID: "s"})
	require.ErrorIs(t, err, core.ErrGeneration)
	require.ErrorIs(t, err, errMockUpload)
}

func TestIllustrationKey_IsFreshPerCall(t *testing.T) {
	t.Parallel()

	first := assets.IllustrationKey("s", 0, "image/png")
	second := assets.IllustrationKey("s", 0, "image/png")

	assert.NotEqual(t, first, second)
	assert.True(t, strings.HasPrefix(first, assets.StoryPrefix("s")+"page-01-"))
}
