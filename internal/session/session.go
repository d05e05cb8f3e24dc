// Package session is the top-level storybook session: one story at a time, a companion chat
// and the provider capability they share.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/assets"
	"github.com/book-expert/storybook-service/internal/audio"
	"github.com/book-expert/storybook-service/internal/auth"
	"github.com/book-expert/storybook-service/internal/companion"
	"github.com/book-expert/storybook-service/internal/core"
	"github.com/book-expert/storybook-service/internal/story"
	"github.com/book-expert/storybook-service/internal/storybook"
)

// SkeletonFailureNotice is shown when a story could not be written.
const SkeletonFailureNotice = "Magic wand failure! Please try again with a different prompt."

const cleanupTimeout = 30 * time.Second

var (
	// ErrNoCapability is returned when a session is built without an authorized capability.
	ErrNoCapability = errors.New("an authorized capability is required")
	// ErrEmptyPrompt is returned for a blank story prompt.
	ErrEmptyPrompt = errors.New("story prompt is empty")
	// ErrGenerating is returned while a story is already being written.
	ErrGenerating = errors.New("a story is already being generated")
	// ErrNoStory is returned by page operations when no story is open.
	ErrNoStory = errors.New("no story is open")
)

// Phase is where the session is in its lifecycle.
type Phase string

// Session phases.
const (
	PhasePrompt     Phase = "prompt"
	PhaseGenerating Phase = "generating"
	PhaseReading    Phase = "reading"
)

// Providers is the provider set built from one capability.
type Providers struct {
	Writer      core.StoryWriter
	Illustrator core.Illustrator
	Narrator    core.Narrator
	Companion   core.Companion
}

// ProviderFactory builds providers for a capability.
type ProviderFactory func(ctx context.Context, capability auth.Capability) (Providers, error)

// Reauthorizer obtains a fresh capability.
type Reauthorizer func(ctx context.Context) (auth.Capability, error)

// AssetCleaner removes stored assets under a key prefix.
type AssetCleaner interface {
	DeletePrefix(ctx context.Context, prefix string) (int, error)
}

// Options configures a session.
type Options struct {
	Factory      ProviderFactory
	Reauthorize  Reauthorizer
	Player       audio.Player
	Cleaner      AssetCleaner
	DefaultTier  core.QualityTier
	FetchTimeout time.Duration
	Log          *logger.Logger
}

// Snapshot is the presentable state of the session.
type Snapshot struct {
	Phase  Phase               `json:"phase"`
	Notice string              `json:"notice,omitempty"`
	Book   *storybook.Snapshot `json:"book,omitempty"`
	Chat   []core.ChatMessage  `json:"chat"`
}

// Session owns the open book and the companion chat.
type Session struct {
	mu         sync.Mutex
	opts       Options
	providers  atomic.Pointer[Providers]
	book       *storybook.Book
	generating bool
	notice     string
	chat       *companion.Session
}

// New builds a session. The capability must come from an auth.Gate.
func New(ctx context.Context, capability auth.Capability, opts Options) (*Session, error) {
	if capability.IsZero() {
		return nil, ErrNoCapability
	}

	providers, err := opts.Factory(ctx, capability)
	if err != nil {
		return nil, fmt.Errorf("failed to build providers: %w", err)
	}

	s := &Session{opts: opts}
	s.providers.Store(&providers)
	s.chat = companion.NewSession(liveCompanion{&s.providers}, opts.Log)

	return s, nil
}

// StartStory writes a story for prompt and opens it at the first page. On failure the session
// keeps its previous state and shows the skeleton failure notice.
func (s *Session) StartStory(ctx context.Context, prompt string, tier core.QualityTier) (Snapshot, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return s.Snapshot(), ErrEmptyPrompt
	}

	s.mu.Lock()
	if s.generating {
		s.mu.Unlock()

		return s.Snapshot(), ErrGenerating
	}

	s.generating = true
	s.notice = ""
	s.mu.Unlock()

	s.opts.Log.Info("Generating story skeleton (quality %s)", tier)

	doc, err := s.writeStory(ctx, prompt)

	s.mu.Lock()
	s.generating = false

	if err != nil {
		s.notice = SkeletonFailureNotice
		s.mu.Unlock()
		s.opts.Log.Error("Story generation failed: %v", err)

		return s.Snapshot(), err
	}

	book, err := storybook.Open(doc, storybook.Dependencies{
		Illustrator:  liveIllustrator{&s.providers},
		Narrator:     liveNarrator{&s.providers},
		Player:       s.opts.Player,
		Log:          s.opts.Log,
		Tier:         tier,
		FetchTimeout: s.opts.FetchTimeout,
	})
	if err != nil {
		s.notice = SkeletonFailureNotice
		s.mu.Unlock()

		return s.Snapshot(), fmt.Errorf("failed to open story: %w", err)
	}

	previous := s.book
	s.book = book
	s.mu.Unlock()

	s.opts.Log.Info("Opened story %s '%s' with %d pages", doc.ID(), doc.Title(), doc.Len())
	s.discard(previous)

	return s.Snapshot(), nil
}

func (s *Session) writeStory(ctx context.Context, prompt string) (*story.Document, error) {
	skeleton, err := s.providers.Load().Writer.GenerateStorySkeleton(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to generate story: %w", err)
	}

	doc, err := story.New(skeleton)
	if err != nil {
		return nil, fmt.Errorf("%w: unusable story: %w", core.ErrGeneration, err)
	}

	return doc, nil
}

// Reset closes the open story and returns to the prompt.
func (s *Session) Reset() Snapshot {
	s.mu.Lock()
	book := s.book
	s.book = nil
	s.notice = ""
	s.mu.Unlock()

	s.discard(book)

	return s.Snapshot()
}

// Reauthorize requests a new capability and swaps in providers built from it. The open story
// and chat survive; failed pages pick up the new providers when revisited or retried.
func (s *Session) Reauthorize(ctx context.Context) (Snapshot, error) {
	capability, err := s.opts.Reauthorize(ctx)
	if err != nil {
		return s.Snapshot(), err
	}

	providers, err := s.opts.Factory(ctx, capability)
	if err != nil {
		return s.Snapshot(), fmt.Errorf("failed to build providers: %w", err)
	}

	s.providers.Store(&providers)
	s.opts.Log.Info("Providers rebuilt after reauthorization")

	return s.Snapshot(), nil
}

// Next moves to the following page.
func (s *Session) Next() (Snapshot, error) {
	return s.withBook(func(book *storybook.Book) error {
		_, err := book.Next()

		return err
	})
}

// Previous moves to the preceding page.
func (s *Session) Previous() (Snapshot, error) {
	return s.withBook(func(book *storybook.Book) error {
		_, err := book.Previous()

		return err
	})
}

// ToggleNarration starts or stops reading the viewed page.
func (s *Session) ToggleNarration() (Snapshot, error) {
	return s.withBook(func(book *storybook.Book) error {
		return book.ToggleNarration()
	})
}

// RetryIllustration refetches the viewed page's illustration.
func (s *Session) RetryIllustration() (Snapshot, error) {
	return s.withBook(func(book *storybook.Book) error {
		return book.RetryIllustration()
	})
}

// Chat sends a message to the companion.
func (s *Session) Chat(ctx context.Context, message string) (Snapshot, error) {
	_, err := s.chat.Send(ctx, message)

	return s.Snapshot(), err
}

// DefaultTier is the quality used when a request names none.
func (s *Session) DefaultTier() core.QualityTier {
	return s.opts.DefaultTier
}

// Book returns the open book, if any.
func (s *Session) Book() *storybook.Book {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.book
}

// Snapshot captures the session state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	book := s.book
	snapshot := Snapshot{Phase: PhasePrompt, Notice: s.notice}

	if s.generating {
		snapshot.Phase = PhaseGenerating
	}
	s.mu.Unlock()

	if book != nil && snapshot.Phase != PhaseGenerating {
		snapshot.Phase = PhaseReading
	}

	if book != nil {
		view := book.Snapshot()
		snapshot.Book = &view
	}

	snapshot.Chat = s.chat.Messages()

	return snapshot
}

// Close tears down the open story.
func (s *Session) Close() {
	s.Reset()
}

func (s *Session) withBook(action func(book *storybook.Book) error) (Snapshot, error) {
	book := s.Book()
	if book == nil {
		return s.Snapshot(), ErrNoStory
	}

	err := action(book)

	return s.Snapshot(), err
}

func (s *Session) discard(book *storybook.Book) {
	if book == nil {
		return
	}

	book.Close()

	if s.opts.Cleaner == nil {
		return
	}

	storyID := book.Snapshot().StoryID

	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()

	removed, err := s.opts.Cleaner.DeletePrefix(ctx, assets.StoryPrefix(storyID))
	if err != nil {
		s.opts.Log.Warn("Failed to clean up assets of story %s: %v", storyID, err)

		return
	}

	s.opts.Log.Info("Removed %d assets of story %s", removed, storyID)
}

type liveIllustrator struct{ providers *atomic.Pointer[Providers] }

func (l liveIllustrator) GenerateIllustration(ctx context.Context, req core.IllustrationRequest) (core.AssetRef, error) {
	return l.providers.Load().Illustrator.GenerateIllustration(ctx, req)
}

type liveNarrator struct{ providers *atomic.Pointer[Providers] }

func (l liveNarrator) SynthesizeNarration(ctx context.Context, pageText string) ([]byte, error) {
	return l.providers.Load().Narrator.SynthesizeNarration(ctx, pageText)
}

type liveCompanion struct{ providers *atomic.Pointer[Providers] }

func (l liveCompanion) SendCompanionMessage(ctx context.Context, history []core.ChatMessage, message string) (string, error) {
	return l.providers.Load().Companion.SendCompanionMessage(ctx, history, message)
}
