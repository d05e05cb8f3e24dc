// Package playback owns the single narration playback session.
//
// The controller is a small state machine: Idle -> Starting -> Playing -> Idle, with
// Starting -> Idle on fetch/decode failure or supersession and Playing -> Idle on manual
// stop, navigation or natural completion. Every start is stamped with a token; results
// and completion callbacks carrying a stale token are discarded.
package playback

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/audio"
	"github.com/book-expert/storybook-service/internal/core"
)

var (
	// ErrClosed is returned by Toggle after Close.
	ErrClosed = errors.New("playback controller is closed")
	// ErrUnknownState indicates a state name that does not decode.
	ErrUnknownState = errors.New("unknown playback state")
)

// State is the playback session state.
type State int

// Playback states.
const (
	Idle State = iota
	Starting
	Playing
)

func (s State) String() string {
	switch s {
	case Starting:
		return "starting"
	case Playing:
		return "playing"
	default:
		return "idle"
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	for _, candidate := range []State{Idle, Starting, Playing} {
		if candidate.String() == string(text) {
			*s = candidate

			return nil
		}
	}

	return fmt.Errorf("%w: '%s'", ErrUnknownState, text)
}

// Status is a snapshot of the playback session.
type Status struct {
	State     State  `json:"state"`
	Page      int    `json:"page"`
	AssetKey  string `json:"asset_key,omitempty"`
	LastError string `json:"last_error,omitempty"`
}

// Active reports whether a playback handle is held.
func (s Status) Active() bool {
	return s.State == Playing
}

// Listener observes status changes. It must not call back into the controller synchronously.
type Listener func(Status)

type assetKeyer interface {
	AssetKey() string
}

// Controller owns at most one playback handle.
type Controller struct {
	mu          sync.Mutex
	narrator    core.Narrator
	player      audio.Player
	format      audio.Format
	log         *logger.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	cancelFetch context.CancelFunc
	state       State
	token       uint64
	page        int
	handle      audio.Handle
	lastErr     error
	closed      bool
	listeners   []Listener
	wg          sync.WaitGroup
}

// New creates an idle controller.
func New(narrator core.Narrator, player audio.Player, log *logger.Logger) *Controller {
	ctx, cancel := context.WithCancel(context.Background())

	return &Controller{
		narrator: narrator,
		player:   player,
		format:   audio.NarrationFormat(),
		log:      log,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// OnChange registers a status listener.
func (c *Controller) OnChange(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.listeners = append(c.listeners, listener)
}

// Status returns the current status.
func (c *Controller) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.statusLocked()
}

// Toggle stops an active session, or starts narrating text for page when idle.
// A toggle while starting supersedes the pending start instead of issuing another fetch.
func (c *Controller) Toggle(page int, text string) error {
	c.mu.Lock()

	if c.closed {
		c.mu.Unlock()

		return ErrClosed
	}

	switch c.state {
	case Playing, Starting:
		c.stopLocked()
	case Idle:
		c.beginLocked(page, text)
	}

	status, listeners := c.statusLocked(), c.listenersLocked()
	c.mu.Unlock()

	notify(listeners, status)

	return nil
}

// Stop releases any active session. Navigation, reset and teardown call it.
func (c *Controller) Stop() {
	c.mu.Lock()

	if c.state == Idle {
		c.mu.Unlock()

		return
	}

	c.stopLocked()
	status, listeners := c.statusLocked(), c.listenersLocked()
	c.mu.Unlock()

	notify(listeners, status)
}

// Close stops playback and waits for in-flight fetches to drain.
func (c *Controller) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	c.Stop()

	c.cancel()
	c.wg.Wait()
}

func (c *Controller) beginLocked(page int, text string) {
	c.token++
	c.state = Starting
	c.page = page
	c.lastErr = nil

	fetchCtx, cancelFetch := context.WithCancel(c.ctx)
	c.cancelFetch = cancelFetch

	c.wg.Add(1)

	go c.start(fetchCtx, c.token, page, text)
}

func (c *Controller) start(ctx context.Context, token uint64, page int, text string) {
	defer c.wg.Done()

	clip, err := c.fetch(ctx, text)

	c.mu.Lock()

	if token != c.token || c.state != Starting {
		c.mu.Unlock()
		c.log.Info("Discarding superseded narration for page %d", page+1)

		return
	}

	c.cancelFetch()
	c.cancelFetch = nil

	if err != nil {
		c.failLocked(err)
		status, listeners := c.statusLocked(), c.listenersLocked()
		c.mu.Unlock()

		notify(listeners, status)

		return
	}

	handle, err := c.player.Play(clip, func() { c.finished(token) })
	if err != nil {
		c.failLocked(err)
	} else {
		c.handle = handle
		c.state = Playing
	}

	status, listeners := c.statusLocked(), c.listenersLocked()
	c.mu.Unlock()

	notify(listeners, status)
}

func (c *Controller) fetch(ctx context.Context, text string) (*audio.Clip, error) {
	data, err := c.narrator.SynthesizeNarration(ctx, text)
	if err != nil {
		return nil, err
	}

	return audio.DecodePCM16(data, c.format)
}

func (c *Controller) finished(token uint64) {
	c.mu.Lock()

	if token != c.token || c.state != Playing {
		c.mu.Unlock()

		return
	}

	c.handle = nil
	c.state = Idle
	status, listeners := c.statusLocked(), c.listenersLocked()
	c.mu.Unlock()

	notify(listeners, status)
}

func (c *Controller) failLocked(err error) {
	c.log.Error("Narration failed for page %d: %v", c.page+1, err)
	c.state = Idle
	c.lastErr = err
}

func (c *Controller) stopLocked() {
	c.token++

	if c.cancelFetch != nil {
		c.cancelFetch()
		c.cancelFetch = nil
	}

	if c.handle != nil {
		c.handle.Stop()
		c.handle = nil
	}

	c.state = Idle
}

func (c *Controller) statusLocked() Status {
	status := Status{State: c.state, Page: c.page}

	if keyer, ok := c.handle.(assetKeyer); ok {
		status.AssetKey = keyer.AssetKey()
	}

	if c.lastErr != nil {
		status.LastError = "The storyteller lost their voice. Please try again."
	}

	return status
}

func (c *Controller) listenersLocked() []Listener {
	return append([]Listener(nil), c.listeners...)
}

func notify(listeners []Listener, status Status) {
	for _, listener := range listeners {
		listener(status)
	}
}
