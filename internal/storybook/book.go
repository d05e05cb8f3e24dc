// Package storybook drives page illustration and narration for an open story.
//
// A Book keeps a view cursor over a story document. Whenever the viewed page changes, or
// the viewed page's illustration state changes, the book evaluates one trigger: an Absent
// page becomes Pending and exactly one illustration fetch is issued for it. Fetches are
// never cancelled by navigation; each carries the page's generation token and is applied
// only while that token is current. Arriving at a Failed page by navigation clears it to
// Absent, which re-arms the trigger; a failure on the page being viewed is never retried
// automatically.
//
// Page and narration listeners are called in order from a dedicated goroutine, never while
// the book holds its lock, so a listener may read the book. A listener must not call Close.
package storybook

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/storybook-service/internal/assets"
	"github.com/book-expert/storybook-service/internal/audio"
	"github.com/book-expert/storybook-service/internal/core"
	"github.com/book-expert/storybook-service/internal/playback"
	"github.com/book-expert/storybook-service/internal/story"
)

const (
	defaultFetchTimeout = 2 * time.Minute
	narrationKeyPrefix  = "narration-"
)

var (
	// ErrClosed is returned by operations on a closed book.
	ErrClosed = errors.New("storybook is closed")
	// ErrNothingToRetry indicates the viewed page has no failed or finished illustration to redo.
	ErrNothingToRetry = errors.New("illustration is not in a retryable state")
)

// Dependencies are the collaborators a book needs.
type Dependencies struct {
	Illustrator  core.Illustrator
	Narrator     core.Narrator
	Player       audio.Player
	Log          *logger.Logger
	Tier         core.QualityTier
	FetchTimeout time.Duration
}

// Book is the page orchestrator for one story.
type Book struct {
	mu           sync.Mutex
	doc          *story.Document
	illustrator  core.Illustrator
	narration    *playback.Controller
	log          *logger.Logger
	tier         core.QualityTier
	fetchTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	cursor       int
	generations  []uint64
	outstanding  []int
	closed       bool
	wg           sync.WaitGroup
	uploads      interface{ Wait() }

	eventsMu        sync.Mutex
	events          []event
	pageListeners   []story.Listener
	statusListeners []playback.Listener
	wake            chan struct{}
	done            chan struct{}
	dispatched      chan struct{}
}

// event is one queued notification: a page update, or a narration status when page is nil.
type event struct {
	index  int
	page   *story.Page
	status playback.Status
}

// Open creates a book viewing the first page, which immediately triggers its illustration.
func Open(doc *story.Document, deps Dependencies) (*Book, error) {
	if deps.FetchTimeout <= 0 {
		deps.FetchTimeout = defaultFetchTimeout
	}

	// Recorded narration lives under the story's prefix so discarding the story removes it.
	player := deps.Player

	var uploads interface{ Wait() }

	if scoper, ok := player.(audio.Scoper); ok {
		player = scoper.Scoped(assets.StoryPrefix(doc.ID()) + narrationKeyPrefix)
		uploads, _ = player.(interface{ Wait() })
	}

	ctx, cancel := context.WithCancel(context.Background())

	book := &Book{
		doc:          doc,
		illustrator:  deps.Illustrator,
		narration:    playback.New(deps.Narrator, player, deps.Log),
		log:          deps.Log,
		tier:         deps.Tier,
		fetchTimeout: deps.FetchTimeout,
		ctx:          ctx,
		cancel:       cancel,
		generations:  make([]uint64, doc.Len()),
		outstanding:  make([]int, doc.Len()),
		uploads:      uploads,
		wake:         make(chan struct{}, 1),
		done:         make(chan struct{}),
		dispatched:   make(chan struct{}),
	}

	doc.OnUpdate(func(index int, page story.Page) {
		book.enqueue(event{index: index, page: &page})
	})
	book.narration.OnChange(func(status playback.Status) {
		book.enqueue(event{status: status})
	})

	book.mu.Lock()
	err := book.reactLocked()
	book.mu.Unlock()

	if err != nil {
		cancel()

		return nil, err
	}

	go book.dispatch()

	return book, nil
}

// OnPageUpdate registers a listener for page state changes.
func (b *Book) OnPageUpdate(listener story.Listener) {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()

	b.pageListeners = append(b.pageListeners, listener)
}

// OnNarrationChange registers a listener for playback status changes.
func (b *Book) OnNarrationChange(listener playback.Listener) {
	b.eventsMu.Lock()
	defer b.eventsMu.Unlock()

	b.statusListeners = append(b.statusListeners, listener)
}

func (b *Book) enqueue(e event) {
	b.eventsMu.Lock()
	b.events = append(b.events, e)
	b.eventsMu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

func (b *Book) dispatch() {
	defer close(b.dispatched)

	for {
		select {
		case <-b.wake:
			b.deliver()
		case <-b.done:
			b.deliver()

			return
		}
	}
}

// deliver drains the queue, calling listeners with no lock held.
func (b *Book) deliver() {
	for {
		b.eventsMu.Lock()
		pending := b.events
		b.events = nil
		pageListeners := append([]story.Listener(nil), b.pageListeners...)
		statusListeners := append([]playback.Listener(nil), b.statusListeners...)
		b.eventsMu.Unlock()

		if len(pending) == 0 {
			return
		}

		for _, e := range pending {
			if e.page != nil {
				for _, listener := range pageListeners {
					listener(e.index, *e.page)
				}

				continue
			}

			for _, listener := range statusListeners {
				listener(e.status)
			}
		}
	}
}

// Current returns the viewed page index.
func (b *Book) Current() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.cursor
}

// Outstanding returns how many illustration fetches are in flight for page index.
func (b *Book) Outstanding(index int) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if index < 0 || index >= len(b.outstanding) {
		return 0
	}

	return b.outstanding[index]
}

// Next moves to the following page. It reports false at the last page.
func (b *Book) Next() (bool, error) {
	return b.move(1)
}

// Previous moves to the preceding page. It reports false at the first page.
func (b *Book) Previous() (bool, error) {
	return b.move(-1)
}

func (b *Book) move(delta int) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return false, ErrClosed
	}

	target := b.cursor + delta
	if target < 0 || target >= b.doc.Len() {
		return false, nil
	}

	b.narration.Stop()
	b.cursor = target

	page, err := b.doc.Page(target)
	if err != nil {
		return true, err
	}

	if page.State == story.Failed {
		_, err = b.doc.ApplyPageUpdate(target, story.PageUpdate{State: story.StatePtr(story.Absent)})
		if err != nil {
			return true, err
		}
	}

	return true, b.reactLocked()
}

// RetryIllustration clears the viewed page's failed or finished illustration and fetches a new one.
func (b *Book) RetryIllustration() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	page, err := b.doc.Page(b.cursor)
	if err != nil {
		return err
	}

	if page.State != story.Failed && page.State != story.Ready {
		return fmt.Errorf("%w: page %d is %s", ErrNothingToRetry, b.cursor+1, page.State)
	}

	_, err = b.doc.ApplyPageUpdate(b.cursor, story.PageUpdate{State: story.StatePtr(story.Absent)})
	if err != nil {
		return err
	}

	return b.reactLocked()
}

// ToggleNarration starts reading the viewed page aloud, or stops the active reading.
func (b *Book) ToggleNarration() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrClosed
	}

	page, err := b.doc.Page(b.cursor)
	if err != nil {
		return err
	}

	return b.narration.Toggle(b.cursor, page.Text)
}

// Close stops narration, abandons in-flight fetches and waits for them to return. Queued
// listener notifications are delivered before it returns.
func (b *Book) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()

		return
	}

	b.closed = true
	b.cancel()
	b.mu.Unlock()

	b.narration.Close()
	b.wg.Wait()

	if b.uploads != nil {
		b.uploads.Wait()
	}

	close(b.done)
	<-b.dispatched
}

// reactLocked is the trigger: an Absent viewed page gets exactly one fetch.
func (b *Book) reactLocked() error {
	page, err := b.doc.Page(b.cursor)
	if err != nil {
		return err
	}

	if page.State != story.Absent {
		return nil
	}

	return b.issueLocked(b.cursor, page.Text)
}

func (b *Book) issueLocked(index int, text string) error {
	_, err := b.doc.ApplyPageUpdate(index, story.PageUpdate{State: story.StatePtr(story.Pending)})
	if err != nil {
		return err
	}

	b.generations[index]++
	b.outstanding[index]++

	req := core.IllustrationRequest{
		PageText:   text,
		StoryTitle: b.doc.Title(),
		Tier:       b.tier,
		StoryID:    b.doc.ID(),
		Page:       index,
	}

	b.wg.Add(1)

	go b.fetch(index, b.generations[index], req)

	return nil
}

func (b *Book) fetch(index int, token uint64, req core.IllustrationRequest) {
	defer b.wg.Done()

	ctx, cancel := context.WithTimeout(b.ctx, b.fetchTimeout)
	defer cancel()

	ref, err := b.illustrator.GenerateIllustration(ctx, req)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.outstanding[index]--

	if b.closed || token != b.generations[index] {
		b.log.Info("Discarding stale illustration for page %d of story %s", index+1, b.doc.ID())

		return
	}

	var update story.PageUpdate

	if err != nil {
		kind := Classify(err)
		b.log.Error("Illustration failed for page %d of story %s (%s): %v", index+1, b.doc.ID(), kind, err)
		update = story.PageUpdate{State: story.StatePtr(story.Failed), Failure: story.FailurePtr(kind)}
	} else {
		update = story.PageUpdate{State: story.StatePtr(story.Ready), Illustration: &ref}
	}

	_, applyErr := b.doc.ApplyPageUpdate(index, update)
	if applyErr != nil {
		b.log.Error("Failed to apply illustration result: %v", applyErr)

		return
	}

	if index == b.cursor {
		reactErr := b.reactLocked()
		if reactErr != nil {
			b.log.Error("Failed to re-evaluate page %d: %v", index+1, reactErr)
		}
	}
}

// Classify maps a provider error onto a page failure kind.
func Classify(err error) story.FailureKind {
	if errors.Is(err, core.ErrPermissionDenied) {
		return story.FailurePermissionDenied
	}

	return story.FailureTransient
}

// PageView is one page as presented to a reader.
type PageView struct {
	Number               int                     `json:"number"`
	Text                 string                  `json:"text"`
	State                story.IllustrationState `json:"illustration_state"`
	Illustration         core.AssetRef           `json:"illustration"`
	Failure              story.FailureKind       `json:"failure"`
	Notice               string                  `json:"notice,omitempty"`
	NeedsReauthorization bool                    `json:"needs_reauthorization"`
}

// Snapshot is the full presentable state of an open book.
type Snapshot struct {
	StoryID   string          `json:"story_id"`
	Title     string          `json:"title"`
	Quality   string          `json:"quality"`
	Current   int             `json:"current"`
	Progress  int             `json:"progress"`
	Pages     []PageView      `json:"pages"`
	Narration playback.Status `json:"narration"`
}

// CurrentPage returns the view of the page under the cursor.
func (s Snapshot) CurrentPage() PageView {
	return s.Pages[s.Current]
}

// Snapshot captures the current state.
func (b *Book) Snapshot() Snapshot {
	b.mu.Lock()
	cursor := b.cursor
	b.mu.Unlock()

	doc := b.doc.Story()
	pages := make([]PageView, len(doc.Pages))

	for i, page := range doc.Pages {
		pages[i] = PageView{
			Number:               i + 1,
			Text:                 page.Text,
			State:                page.State,
			Illustration:         page.Illustration,
			Failure:              page.Failure,
			Notice:               page.Failure.Notice(),
			NeedsReauthorization: page.State == story.Failed && page.Failure == story.FailurePermissionDenied,
		}
	}

	return Snapshot{
		StoryID:   doc.ID,
		Title:     doc.Title,
		Quality:   b.tier.String(),
		Current:   cursor,
		Progress:  int(math.Round(float64(cursor+1) / float64(len(pages)) * 100)),
		Pages:     pages,
		Narration: b.narration.Status(),
	}
}
