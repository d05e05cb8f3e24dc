// Package core defines the collaborator interfaces and shared types of the storybook service.
package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrGeneration indicates a generic provider failure. It is recoverable by a manual retry.
	ErrGeneration = errors.New("generation failed")
	// ErrPermissionDenied indicates the caller lacks entitlement to the requested capability tier.
	ErrPermissionDenied = errors.New("permission denied")
	// ErrAuth indicates the capability authorization flow itself failed.
	ErrAuth = errors.New("authorization failed")
	// ErrUnknownQualityTier indicates a quality tier name that is not 1K, 2K or 4K.
	ErrUnknownQualityTier = errors.New("unknown quality tier")
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// QualityTier is the requested illustration resolution. Higher tiers use the pro image model.
type QualityTier int

// Supported quality tiers.
const (
	QualityLow QualityTier = iota
	QualityMedium
	QualityHigh
)

// String returns the image size name used on the wire (1K, 2K, 4K).
func (q QualityTier) String() string {
	switch q {
	case QualityMedium:
		return "2K"
	case QualityHigh:
		return "4K"
	default:
		return "1K"
	}
}

// ParseQualityTier maps an image size name to a tier.
func ParseQualityTier(name string) (QualityTier, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "1K", "LOW":
		return QualityLow, nil
	case "2K", "MEDIUM":
		return QualityMedium, nil
	case "4K", "HIGH":
		return QualityHigh, nil
	default:
		return QualityLow, fmt.Errorf("%w: '%s'", ErrUnknownQualityTier, name)
	}
}

// AssetRef is a renderable reference to a generated asset.
// URL is either an inline data URL or empty when the asset lives in an object store under Key.
type AssetRef struct {
	Key      string `json:"key,omitempty"`
	URL      string `json:"url,omitempty"`
	MIMEType string `json:"mime_type"`
}

// IsZero reports whether the reference points at nothing.
func (r AssetRef) IsZero() bool {
	return r.Key == "" && r.URL == ""
}

// Image is raw generated image data.
type Image struct {
	Data     []byte
	MIMEType string
}

// Skeleton is the generated structure of a story before any assets exist.
type Skeleton struct {
	Title     string   `json:"title"`
	PageTexts []string `json:"pages"`
}

// IllustrationRequest describes one page illustration.
// StoryID and Page only name the stored asset; they never reach the model.
type IllustrationRequest struct {
	PageText   string
	StoryTitle string
	Tier       QualityTier
	StoryID    string
	Page       int
}

// Role identifies the author of a chat message.
type Role string

// Chat roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry of a companion chat transcript.
type ChatMessage struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// StoryWriter turns a prompt into a story skeleton.
type StoryWriter interface {
	GenerateStorySkeleton(ctx context.Context, prompt string) (Skeleton, error)
}

// ImageGenerator produces raw image data for a page.
type ImageGenerator interface {
	GenerateImage(ctx context.Context, req IllustrationRequest) (Image, error)
}

// Illustrator produces a renderable illustration reference for a page.
// Errors wrap ErrPermissionDenied or ErrGeneration.
type Illustrator interface {
	GenerateIllustration(ctx context.Context, req IllustrationRequest) (AssetRef, error)
}

// Narrator synthesizes raw PCM audio for a page of text.
type Narrator interface {
	SynthesizeNarration(ctx context.Context, pageText string) ([]byte, error)
}

// Companion answers chat messages given the full prior transcript.
type Companion interface {
	SendCompanionMessage(ctx context.Context, history []ChatMessage, message string) (string, error)
}

// AssetProvider is the full external generative service.
type AssetProvider interface {
	StoryWriter
	Illustrator
	Narrator
	Companion
}

// Authorizer checks and requests the capability that gates the whole service.
type Authorizer interface {
	HasAuthorizedCapability(ctx context.Context) (bool, error)
	RequestCapabilityAuthorization(ctx context.Context) error
}
