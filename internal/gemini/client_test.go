// Package gemini_test tests the Gen AI backed asset provider against a fake generator.
package gemini_test

import (
	"context"
	"errors"
	"testing"

	"github.com/book-expert/storybook-service/internal/core"
	"github.com/book-expert/storybook-service/internal/gemini"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genai"
)

// fakeGenerator records the last request and replays a canned response.
type fakeGenerator struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
	response *genai.GenerateContentResponse
	err      error
}

func (f *fakeGenerator) GenerateContent(
	_ context.Context,
	model string,
	contents []*genai.Content,
	config *genai.GenerateContentConfig,
) (*genai.GenerateContentResponse, error) {
	f.model = model
	f.contents = contents
	f.config = config

	return f.response, f.err
}

func responseWithParts(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{
			{Content: &genai.Content{Role: string(genai.RoleModel), Parts: parts}},
		},
	}
}

func TestGenerateStorySkeleton_ParsesJSON(t *testing.T) {
	t.Parallel()

	fake := &fakeGenerator{
		response: responseWithParts(&genai.Part{
			Text: `{"title":"The Whistling Robot","pages":["a","b","c","d","e"]}`,
		}),
	}
	client := gemini.NewWithGenerator(fake, gemini.Config{})

	skeleton, err := client.GenerateStorySkeleton(context.Background(), "a robot learns to whistle")
	require.NoError(t, err)

	assert.Equal(t, "The Whistling Robot", skeleton.Title)
	assert.Equal(t, []string{"a", "b", "c", "d", "e"}, skeleton.PageTexts)
	assert.Equal(t, gemini.DefaultStoryModel, fake.model)
	assert.Equal(t, "application/json", fake.config.ResponseMIMEType)
	require.NotNil(t, fake.config.ResponseSchema)
	assert.Equal(t, []string{"title", "pages"}, fake.config.ResponseSchema.Required)
}

func TestGenerateStorySkeleton_Errors(t *testing.T) {
	t.Parallel()

	fake := &fakeGenerator{err: errors.New("boom")}
	client := gemini.NewWithGenerator(fake, gemini.Config{})

	_, err := client.GenerateStorySkeleton(context.Background(), "x")
	require.ErrorIs(t, err, core.ErrGeneration)

	fake.err = nil
	fake.response = responseWithParts(&genai.Part{Text: "not json"})

	_, err = client.GenerateStorySkeleton(context.Background(), "x")
	require.ErrorIs(t, err, core.ErrGeneration)
}

func TestGenerateImage_ModelPerTier(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		tier      core.QualityTier
		wantModel string
		wantSize  string
	}{
		{name: "low", tier: core.QualityLow, wantModel: gemini.DefaultImageModel, wantSize: ""},
		{name: "medium", tier: core.QualityMedium, wantModel: gemini.DefaultProImageModel, wantSize: "2K"},
		{name: "high", tier: core.QualityHigh, wantModel: gemini.DefaultProImageModel, wantSize: "4K"},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			fake := &fakeGenerator{
				response: responseWithParts(
					&genai.Part{Text: "here you go"},
					&genai.Part{InlineData: &genai.Blob{Data: []byte{0x89, 'P', 'N', 'G'}, MIMEType: "image/png"}},
				),
			}
			client := gemini.NewWithGenerator(fake, gemini.Config{})

			image, err := client.GenerateImage(context.Background(), core.IllustrationRequest{
				PageText:   "The robot puckers its lips.",
				StoryTitle: "The Whistling Robot",
				Tier:       testCase.tier,
			})
			require.NoError(t, err)

			assert.Equal(t, "image/png", image.MIMEType)
			assert.Equal(t, testCase.wantModel, fake.model)
			require.NotNil(t, fake.config.ImageConfig)
			assert.Equal(t, "16:9", fake.config.ImageConfig.AspectRatio)
			assert.Equal(t, testCase.wantSize, fake.config.ImageConfig.ImageSize)
		})
	}
}

func TestGenerateImage_ClassifiesErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		wantErr error
	}{
		{
			name:    "permission status",
			err:     errors.New("Error 403, Message: denied, Status: PERMISSION_DENIED"),
			wantErr: core.ErrPermissionDenied,
		},
		{
			name:    "permission message",
			err:     errors.New("The caller does not have permission"),
			wantErr: core.ErrPermissionDenied,
		},
		{
			name:    "other failure",
			err:     errors.New("Error 500, Status: INTERNAL"),
			wantErr: core.ErrGeneration,
		},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			client := gemini.NewWithGenerator(&fakeGenerator{err: testCase.err}, gemini.Config{})

			_, err := client.GenerateImage(context.Background(), core.IllustrationRequest{Tier: core.QualityHigh})
			require.ErrorIs(t, err, testCase.wantErr)
		})
	}
}

func TestGenerateImage_NoImagePart(t *testing.T) {
	t.Parallel()

	client := gemini.NewWithGenerator(&fakeGenerator{
		response: responseWithParts(&genai.Part{Text: "I cannot draw that"}),
	}, gemini.Config{})

	_, err := client.GenerateImage(context.Background(), core.IllustrationRequest{})
	require.ErrorIs(t, err, core.ErrGeneration)
	require.ErrorIs(t, err, gemini.ErrNoImage)
}

func TestSynthesizeNarration(t *testing.T) {
	t.Parallel()

	pcm := []byte{1, 0, 2, 0}
	fake := &fakeGenerator{
		response: responseWithParts(&genai.Part{InlineData: &genai.Blob{Data: pcm, MIMEType: "audio/L16;rate=24000"}}),
	}
	client := gemini.NewWithGenerator(fake, gemini.Config{Voice: "Puck"})

	data, err := client.SynthesizeNarration(context.Background(), "The robot whistled")
	require.NoError(t, err)

	assert.Equal(t, pcm, data)
	assert.Equal(t, gemini.DefaultSpeechModel, fake.model)
	assert.Equal(t, []string{"AUDIO"}, fake.config.ResponseModalities)
	assert.Equal(t, "Puck", fake.config.SpeechConfig.VoiceConfig.PrebuiltVoiceConfig.VoiceName)
	require.Len(t, fake.contents, 1)
	assert.Equal(t,
		"Read this story page warmly and expressively: The robot whistled.",
		fake.contents[0].Parts[0].Text,
	)
}

func TestSynthesizeNarration_NoAudio(t *testing.T) {
	t.Parallel()

	client := gemini.NewWithGenerator(&fakeGenerator{response: responseWithParts()}, gemini.Config{})

	_, err := client.SynthesizeNarration(context.Background(), "text")
	require.ErrorIs(t, err, gemini.ErrNoAudio)
	require.ErrorIs(t, err, core.ErrGeneration)
}

func TestSendCompanionMessage_SendsHistory(t *testing.T) {
	t.Parallel()

	fake := &fakeGenerator{response: responseWithParts(&genai.Part{Text: "Robots whistle with tiny fans!"})}
	client := gemini.NewWithGenerator(fake, gemini.Config{})

	history := []core.ChatMessage{
		{Role: core.RoleAssistant, Text: "Hi there!"},
		{Role: core.RoleUser, Text: "Hello"},
	}

	reply, err := client.SendCompanionMessage(context.Background(), history, "How do robots whistle?")
	require.NoError(t, err)

	assert.Equal(t, "Robots whistle with tiny fans!", reply)
	assert.Equal(t, gemini.DefaultChatModel, fake.model)
	require.Len(t, fake.contents, 3)
	assert.Equal(t, string(genai.RoleModel), fake.contents[0].Role)
	assert.Equal(t, string(genai.RoleUser), fake.contents[1].Role)
	assert.Equal(t, "How do robots whistle?", fake.contents[2].Parts[0].Text)
	require.NotNil(t, fake.config.SystemInstruction)
}

func TestNew_RequiresAPIKey(t *testing.T) {
	t.Parallel()

	_, err := gemini.New(context.Background(), "", gemini.Config{})
	require.ErrorIs(t, err, gemini.ErrAPIKeyEmpty)
}
