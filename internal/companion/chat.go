// Package companion runs the companion chat beside the story.
package companion

import (
	"context"
	"errors"
	"strings"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/core"
)

// Texts the companion says on its own.
const (
	Greeting      = "Hi there! I'm your Magic Companion. Have a question about a story or anything else?"
	FallbackEmpty = "I'm not sure what to say, but I'm here!"
	FallbackError = "Oh no, my magic is a bit fizzy right now. Let's try again!"
)

var (
	// ErrEmptyMessage is returned for a blank message.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrBusy is returned while an earlier message is still awaiting its reply.
	ErrBusy = errors.New("companion is still answering")
)

// Transcript is an ordered, append-only list of chat messages.
type Transcript struct {
	messages []core.ChatMessage
}

// NewTranscript returns a transcript opened by the companion greeting.
func NewTranscript() *Transcript {
	return &Transcript{messages: []core.ChatMessage{{Role: core.RoleAssistant, Text: Greeting}}}
}

// Append adds a message to the end.
func (t *Transcript) Append(message core.ChatMessage) {
	t.messages = append(t.messages, message)
}

// Messages returns a copy of the transcript.
func (t *Transcript) Messages() []core.ChatMessage {
	return append([]core.ChatMessage(nil), t.messages...)
}

// Len returns the number of messages.
func (t *Transcript) Len() int {
	return len(t.messages)
}

// Session sends user messages to the companion with the full prior transcript.
type Session struct {
	mu         sync.Mutex
	companion  core.Companion
	transcript *Transcript
	busy       bool
	log        *logger.Logger
}

// NewSession creates a session with a fresh transcript.
func NewSession(companion core.Companion, log *logger.Logger) *Session {
	return &Session{companion: companion, transcript: NewTranscript(), log: log}
}

// Send appends message and the companion's reply. Provider failures become a friendly reply
// rather than an error; only a blank message or an overlapping send is refused.
func (s *Session) Send(ctx context.Context, message string) (core.ChatMessage, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return core.ChatMessage{}, ErrEmptyMessage
	}

	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()

		return core.ChatMessage{}, ErrBusy
	}

	s.busy = true
	history := s.transcript.Messages()
	s.transcript.Append(core.ChatMessage{Role: core.RoleUser, Text: message})
	companion := s.companion
	s.mu.Unlock()

	text, err := companion.SendCompanionMessage(ctx, history, message)

	switch {
	case err != nil:
		s.log.Error("Companion message failed: %v", err)

		text = FallbackError
	case strings.TrimSpace(text) == "":
		s.log.Warn("Companion returned an empty reply")

		text = FallbackEmpty
	}

	reply := core.ChatMessage{Role: core.RoleAssistant, Text: text}

	s.mu.Lock()
	s.transcript.Append(reply)
	s.busy = false
	s.mu.Unlock()

	return reply, nil
}

// Messages returns the transcript so far.
func (s *Session) Messages() []core.ChatMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.transcript.Messages()
}

// Busy reports whether a reply is awaited.
func (s *Session) Busy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.busy
}
