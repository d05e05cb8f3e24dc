// Package gemini implements the storybook asset provider on the Google Gen AI SDK.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/book-expert/storybook-service/internal/core"
	"github.com/book-expert/storybook-service/internal/narration"
	"google.golang.org/genai"
)

// Default models and settings.
const (
	DefaultStoryModel    = "gemini-3-flash-preview"
	DefaultImageModel    = "gemini-2.5-flash-image"
	DefaultProImageModel = "gemini-3-pro-image-preview"
	DefaultSpeechModel   = "gemini-2.5-flash-preview-tts"
	DefaultChatModel     = "gemini-3-pro-preview"
	DefaultVoice         = "Kore"
	DefaultAspectRatio   = "16:9"
)

const (
	companionInstruction = "You are a friendly, helpful, and magical AI companion for children. " +
		"You help explain things from their storybooks or just chat about fun things. " +
		"Keep your answers simple, encouraging, and safe for kids."
	storyPromptFormat = "Write a short story for children based on this prompt: %q. " +
		"The story should be divided into 4-6 distinct pages. " +
		"Return a JSON object with a \"title\" string and an \"pages\" array of strings."
	illustrationPromptFormat = "A whimsical, kid-friendly illustration for a story titled %q. " +
		"Scene: %s. Style: Vibrant, colorful, 3D animated movie style."
	responseMIMETypeJSON = "application/json"
	permissionDeniedCode = "PERMISSION_DENIED"
	permissionDeniedText = "caller does not have permission"
)

var (
	// ErrAPIKeyEmpty indicates the client was built without an API key.
	ErrAPIKeyEmpty = errors.New("gemini api key cannot be empty")
	// ErrNoImage indicates the response carried no inline image.
	ErrNoImage = errors.New("no image generated in the response parts")
	// ErrNoAudio indicates the response carried no inline audio.
	ErrNoAudio = errors.New("no audio generated")
)

// Config selects models and voice.
type Config struct {
	StoryModel    string
	ImageModel    string
	ProImageModel string
	SpeechModel   string
	ChatModel     string
	Voice         string
	AspectRatio   string
}

func (c Config) withDefaults() Config {
	if c.StoryModel == "" {
		c.StoryModel = DefaultStoryModel
	}

	if c.ImageModel == "" {
		c.ImageModel = DefaultImageModel
	}

	if c.ProImageModel == "" {
		c.ProImageModel = DefaultProImageModel
	}

	if c.SpeechModel == "" {
		c.SpeechModel = DefaultSpeechModel
	}

	if c.ChatModel == "" {
		c.ChatModel = DefaultChatModel
	}

	if c.Voice == "" {
		c.Voice = DefaultVoice
	}

	if c.AspectRatio == "" {
		c.AspectRatio = DefaultAspectRatio
	}

	return c
}

// ContentGenerator is the subset of genai.Models the client uses.
type ContentGenerator interface {
	GenerateContent(
		ctx context.Context,
		model string,
		contents []*genai.Content,
		config *genai.GenerateContentConfig,
	) (*genai.GenerateContentResponse, error)
}

// Client generates story skeletons, images, narration and chat replies.
type Client struct {
	models   ContentGenerator
	config   Config
	preparer *narration.Preparer
}

// New creates a client for the Gemini API authenticated with apiKey.
func New(ctx context.Context, apiKey string, cfg Config) (*Client, error) {
	if apiKey == "" {
		return nil, ErrAPIKeyEmpty
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}

	return NewWithGenerator(client.Models, cfg), nil
}

// NewWithGenerator creates a client around an existing content generator.
// Tests use it to inject a fake.
func NewWithGenerator(models ContentGenerator, cfg Config) *Client {
	return &Client{
		models:   models,
		config:   cfg.withDefaults(),
		preparer: narration.NewPreparer(),
	}
}

// GenerateStorySkeleton asks the story model for a title and 4-6 page texts.
func (c *Client) GenerateStorySkeleton(ctx context.Context, prompt string) (core.Skeleton, error) {
	config := &genai.GenerateContentConfig{
		ResponseMIMEType: responseMIMETypeJSON,
		ResponseSchema: &genai.Schema{
			Type: genai.TypeObject,
			Properties: map[string]*genai.Schema{
				"title": {Type: genai.TypeString},
				"pages": {
					Type:  genai.TypeArray,
					Items: &genai.Schema{Type: genai.TypeString},
				},
			},
			Required: []string{"title", "pages"},
		},
	}

	resp, err := c.models.GenerateContent(ctx, c.config.StoryModel, genai.Text(fmt.Sprintf(storyPromptFormat, prompt)), config)
	if err != nil {
		return core.Skeleton{}, fmt.Errorf("%w: failed to generate story structure: %w", core.ErrGeneration, err)
	}

	var skeleton core.Skeleton

	err = json.Unmarshal([]byte(resp.Text()), &skeleton)
	if err != nil {
		return core.Skeleton{}, fmt.Errorf("%w: failed to parse story structure: %w", core.ErrGeneration, err)
	}

	return skeleton, nil
}

// GenerateImage renders one page illustration. Low tier uses the standard image model;
// higher tiers use the pro model, the only one that accepts an explicit image size.
func (c *Client) GenerateImage(ctx context.Context, req core.IllustrationRequest) (core.Image, error) {
	model := c.config.ImageModel
	imageConfig := &genai.ImageConfig{AspectRatio: c.config.AspectRatio}

	if req.Tier != core.QualityLow {
		model = c.config.ProImageModel
		imageConfig.ImageSize = req.Tier.String()
	}

	prompt := fmt.Sprintf(illustrationPromptFormat, req.StoryTitle, req.PageText)

	resp, err := c.models.GenerateContent(ctx, model, genai.Text(prompt), &genai.GenerateContentConfig{
		ImageConfig: imageConfig,
	})
	if err != nil {
		return core.Image{}, classify(model, err)
	}

	for _, part := range firstCandidateParts(resp) {
		if part.InlineData != nil && len(part.InlineData.Data) > 0 {
			return core.Image{Data: part.InlineData.Data, MIMEType: part.InlineData.MIMEType}, nil
		}
	}

	return core.Image{}, fmt.Errorf("%w: %s: %w", core.ErrGeneration, model, ErrNoImage)
}

// SynthesizeNarration returns raw 24 kHz mono PCM16 audio for the page text.
func (c *Client) SynthesizeNarration(ctx context.Context, pageText string) ([]byte, error) {
	config := &genai.GenerateContentConfig{
		ResponseModalities: []string{string(genai.ModalityAudio)},
		SpeechConfig: &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: c.config.Voice},
			},
		},
	}

	resp, err := c.models.GenerateContent(ctx, c.config.SpeechModel, genai.Text(c.preparer.Prompt(pageText)), config)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to synthesize narration: %w", core.ErrGeneration, err)
	}

	parts := firstCandidateParts(resp)
	if len(parts) == 0 || parts[0].InlineData == nil || len(parts[0].InlineData.Data) == 0 {
		return nil, fmt.Errorf("%w: %w", core.ErrGeneration, ErrNoAudio)
	}

	return parts[0].InlineData.Data, nil
}

// SendCompanionMessage sends the full transcript plus the new message to the chat model.
func (c *Client) SendCompanionMessage(ctx context.Context, history []core.ChatMessage, message string) (string, error) {
	contents := make([]*genai.Content, 0, len(history)+1)

	for _, entry := range history {
		var role genai.Role = genai.RoleUser
		if entry.Role == core.RoleAssistant {
			role = genai.RoleModel
		}

		contents = append(contents, genai.NewContentFromText(entry.Text, role))
	}

	contents = append(contents, genai.NewContentFromText(message, genai.RoleUser))

	resp, err := c.models.GenerateContent(ctx, c.config.ChatModel, contents, &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(companionInstruction, genai.RoleUser),
	})
	if err != nil {
		return "", fmt.Errorf("%w: failed to send chat message: %w", core.ErrGeneration, err)
	}

	return resp.Text(), nil
}

func firstCandidateParts(resp *genai.GenerateContentResponse) []*genai.Part {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return nil
	}

	return resp.Candidates[0].Content.Parts
}

// classify maps an image error onto the permission/generation taxonomy.
func classify(model string, err error) error {
	if IsPermissionDenied(err) {
		return fmt.Errorf("%w: %s: %w", core.ErrPermissionDenied, model, err)
	}

	return fmt.Errorf("%w: %s: %w", core.ErrGeneration, model, err)
}

// IsPermissionDenied reports whether err is an entitlement failure from the API.
func IsPermissionDenied(err error) bool {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusForbidden || apiErr.Status == permissionDeniedCode {
			return true
		}
	}

	message := err.Error()

	return strings.Contains(message, permissionDeniedCode) ||
		strings.Contains(strings.ToLower(message), permissionDeniedText)
}
