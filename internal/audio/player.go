package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/core"
	"github.com/google/uuid"
)

const uploadTimeout = 30 * time.Second

// Handle is an active playback that can be stopped. Stop is idempotent.
type Handle interface {
	Stop()
}

// ClockPlayer holds the output for the clip's duration and reports natural completion.
// It models the device's occupancy; the service has no local speaker.
type ClockPlayer struct {
	// Speed scales playing time; values <= 0 mean real time.
	Speed float64
}

type clockHandle struct {
	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

// Play starts the clip. onEnded runs once when playback finishes naturally, never after Stop.
func (p *ClockPlayer) Play(clip *Clip, onEnded func()) (Handle, error) {
	if clip == nil || clip.Frames() == 0 {
		return nil, ErrEmptyAudio
	}

	duration := clip.Duration()
	if p.Speed > 0 {
		duration = time.Duration(float64(duration) / p.Speed)
	}

	handle := &clockHandle{}

	handle.mu.Lock()
	handle.timer = time.AfterFunc(duration, func() {
		handle.mu.Lock()
		if handle.stopped {
			handle.mu.Unlock()

			return
		}

		handle.stopped = true
		handle.mu.Unlock()

		if onEnded != nil {
			onEnded()
		}
	})
	handle.mu.Unlock()

	return handle, nil
}

func (h *clockHandle) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.stopped {
		return
	}

	h.stopped = true
	h.timer.Stop()
}

// Player starts playback of decoded clips.
type Player interface {
	Play(clip *Clip, onEnded func()) (Handle, error)
}

// Scoper is a player that can hand out a copy publishing under a different key prefix.
type Scoper interface {
	Scoped(prefix string) Player
}

// RecordingPlayer publishes every played clip as a WAV object so remote readers can fetch it.
type RecordingPlayer struct {
	next   Player
	store  core.ObjectStore
	prefix string
	log    *logger.Logger
	parent *RecordingPlayer
	wg     sync.WaitGroup
}

// NewRecordingPlayer wraps next, uploading clips under prefix in store.
func NewRecordingPlayer(next Player, store core.ObjectStore, prefix string, log *logger.Logger) *RecordingPlayer {
	return &RecordingPlayer{
		next:   next,
		store:  store,
		prefix: prefix,
		log:    log,
	}
}

// Scoped returns a recorder that publishes under prefix instead. Its uploads are also
// awaited by the parent's Wait.
func (p *RecordingPlayer) Scoped(prefix string) Player {
	return &RecordingPlayer{
		next:   p.next,
		store:  p.store,
		prefix: prefix,
		log:    p.log,
		parent: p,
	}
}

// RecordedHandle is a playback handle that knows where its audio was published.
type RecordedHandle struct {
	Handle
	key string
}

// AssetKey returns the object store key of the playing clip.
func (h *RecordedHandle) AssetKey() string {
	return h.key
}

// Play encodes the clip, starts the upload in the background and delegates playback.
func (p *RecordingPlayer) Play(clip *Clip, onEnded func()) (Handle, error) {
	wav, err := EncodeWAV(clip)
	if err != nil {
		return nil, fmt.Errorf("failed to encode narration: %w", err)
	}

	handle, err := p.next.Play(clip, onEnded)
	if err != nil {
		return nil, err
	}

	key := p.prefix + uuid.NewString() + ".wav"

	p.track(1)

	go func() {
		defer p.track(-1)

		ctx, cancel := context.WithTimeout(context.Background(), uploadTimeout)
		defer cancel()

		uploadErr := p.store.Upload(ctx, key, wav)
		if uploadErr != nil {
			p.log.Error("Failed to publish narration '%s': %v", key, uploadErr)
		}
	}()

	return &RecordedHandle{Handle: handle, key: key}, nil
}

func (p *RecordingPlayer) track(delta int) {
	for recorder := p; recorder != nil; recorder = recorder.parent {
		recorder.wg.Add(delta)
	}
}

// Wait blocks until all pending uploads are done.
func (p *RecordingPlayer) Wait() {
	p.wg.Wait()
}
