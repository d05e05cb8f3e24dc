// Package worker exposes a storybook session over NATS request/reply.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/core"
	"github.com/book-expert/storybook-service/internal/session"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

const handleMessageTimeout = 3 * time.Minute

// ErrUnknownAction indicates a command with an unsupported action.
var ErrUnknownAction = errors.New("unknown action")

// Action names a session operation.
type Action string

// Supported actions.
const (
	ActionStart             Action = "start"
	ActionNext              Action = "next"
	ActionPrevious          Action = "previous"
	ActionToggleNarration   Action = "toggle-narration"
	ActionRetryIllustration Action = "retry-illustration"
	ActionChat              Action = "chat"
	ActionReset             Action = "reset"
	ActionReauthorize       Action = "reauthorize"
	ActionSnapshot          Action = "snapshot"
)

// Command is a request sent to the worker.
type Command struct {
	Header  events.EventHeader `json:"header"`
	Action  Action             `json:"action"`
	Prompt  string             `json:"prompt,omitempty"`
	Quality string             `json:"quality,omitempty"`
	Message string             `json:"message,omitempty"`
}

// Reply is the worker's answer: the session state after the command, and the error if it failed.
type Reply struct {
	Header   events.EventHeader `json:"header"`
	Snapshot session.Snapshot   `json:"snapshot"`
	Error    string             `json:"error,omitempty"`
}

// Session is the part of session.Session the worker drives.
type Session interface {
	StartStory(ctx context.Context, prompt string, tier core.QualityTier) (session.Snapshot, error)
	Next() (session.Snapshot, error)
	Previous() (session.Snapshot, error)
	ToggleNarration() (session.Snapshot, error)
	RetryIllustration() (session.Snapshot, error)
	Chat(ctx context.Context, message string) (session.Snapshot, error)
	Reset() session.Snapshot
	Reauthorize(ctx context.Context) (session.Snapshot, error)
	Snapshot() session.Snapshot
	DefaultTier() core.QualityTier
}

// NatsWorker listens for storybook commands on a NATS subject. Each command is handled on
// its own goroutine so a slow story or chat request does not hold up navigation.
type NatsWorker struct {
	natsConnection *nats.Conn
	subject        string
	session        Session
	log            *logger.Logger

	mu       sync.Mutex
	stopping bool
	wg       sync.WaitGroup
}

// NewNatsWorker creates a new instance of a NATS worker.
func NewNatsWorker(natsConnection *nats.Conn, subject string, session Session, log *logger.Logger) (*NatsWorker, error) {
	return &NatsWorker{
		natsConnection: natsConnection,
		subject:        subject,
		session:        session,
		log:            log,
	}, nil
}

// Run starts the worker and begins listening for messages.
func (w *NatsWorker) Run(ctx context.Context) error {
	sub, err := w.natsConnection.Subscribe(w.subject, w.receive)
	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.subject, err)
	}

	<-ctx.Done()

	drainErr := sub.Drain()

	w.mu.Lock()
	w.stopping = true
	w.mu.Unlock()

	w.wg.Wait()

	if drainErr != nil {
		return fmt.Errorf("failed to drain subscription: %w", drainErr)
	}

	return nil
}

// receive hands the message to a goroutine. Once Run is stopping, messages still being
// drained are handled inline so none escape the wait.
func (w *NatsWorker) receive(msg *nats.Msg) {
	w.mu.Lock()
	if w.stopping {
		w.mu.Unlock()
		w.handleMessage(msg)

		return
	}

	w.wg.Add(1)
	w.mu.Unlock()

	go func() {
		defer w.wg.Done()

		w.handleMessage(msg)
	}()
}

func (w *NatsWorker) handleMessage(msg *nats.Msg) {
	ctx, cancel := context.WithTimeout(context.Background(), handleMessageTimeout)
	defer cancel()

	var (
		reply Reply
		err   error
	)

	command, err := parseCommand(msg)
	if err != nil {
		w.log.Error("Failed to parse command: %v", err)

		reply = Reply{Snapshot: w.session.Snapshot()}
	} else {
		w.log.Info("Handling '%s' for workflow %s", command.Action, command.Header.WorkflowID)

		reply.Snapshot, err = w.dispatch(ctx, command)
		reply.Header = command.Header
	}

	if err != nil {
		w.log.Warn("Command failed for workflow %s: %v", reply.Header.WorkflowID, err)
		reply.Error = err.Error()
	}

	reply.Header.EventID = uuid.NewString()
	reply.Header.Timestamp = time.Now()

	err = w.publishReply(msg, &reply)
	if err != nil {
		w.log.Error("Failed to publish reply for workflow %s: %v", reply.Header.WorkflowID, err)
	}
}

func (w *NatsWorker) dispatch(ctx context.Context, command *Command) (session.Snapshot, error) {
	switch command.Action {
	case ActionStart:
		tier := w.session.DefaultTier()

		if command.Quality != "" {
			parsed, err := core.ParseQualityTier(command.Quality)
			if err != nil {
				return w.session.Snapshot(), err
			}

			tier = parsed
		}

		return w.session.StartStory(ctx, command.Prompt, tier)
	case ActionNext:
		return w.session.Next()
	case ActionPrevious:
		return w.session.Previous()
	case ActionToggleNarration:
		return w.session.ToggleNarration()
	case ActionRetryIllustration:
		return w.session.RetryIllustration()
	case ActionChat:
		return w.session.Chat(ctx, command.Message)
	case ActionReset:
		return w.session.Reset(), nil
	case ActionReauthorize:
		return w.session.Reauthorize(ctx)
	case ActionSnapshot:
		return w.session.Snapshot(), nil
	default:
		return w.session.Snapshot(), fmt.Errorf("%w: '%s'", ErrUnknownAction, command.Action)
	}
}

// publishReply marshals and responds with the reply.
func (w *NatsWorker) publishReply(msg *nats.Msg, reply *Reply) error {
	replyData, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("failed to marshal reply: %w", err)
	}

	err = msg.Respond(replyData)
	if err != nil {
		return fmt.Errorf("failed to publish reply: %w", err)
	}

	return nil
}

func parseCommand(msg *nats.Msg) (*Command, error) {
	var command Command

	err := json.Unmarshal(msg.Data, &command)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal command: %w", err)
	}

	return &command, nil
}
