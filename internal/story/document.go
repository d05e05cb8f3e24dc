// Package story holds the in-memory story document and its single mutation path.
package story

import (
	"errors"
	"fmt"
	"sync"

	"github.com/book-expert/storybook-service/internal/core"
	"github.com/google/uuid"
)

// Page count bounds for a generated story.
const (
	MinPages = 4
	MaxPages = 6
)

var (
	// ErrPageIndex indicates an update addressed a page that does not exist.
	ErrPageIndex = errors.New("page index out of range")
	// ErrInvalidTransition indicates an update that would break the page state machine.
	ErrInvalidTransition = errors.New("invalid illustration state transition")
	// ErrMissingIllustration indicates a Ready update without an asset reference.
	ErrMissingIllustration = errors.New("ready page requires an illustration")
	// ErrMissingFailure indicates a Failed update without a failure kind.
	ErrMissingFailure = errors.New("failed page requires a failure kind")
	// ErrPageCount indicates a skeleton with too few or too many pages.
	ErrPageCount = errors.New("story must have between 4 and 6 pages")
	// ErrEmptyTitle indicates a skeleton without a title.
	ErrEmptyTitle = errors.New("story title cannot be empty")
	// ErrUnknownName indicates a state or failure name that does not decode.
	ErrUnknownName = errors.New("unknown name")
)

// IllustrationState is the per-page illustration state machine.
type IllustrationState int

// Illustration states.
const (
	Absent IllustrationState = iota
	Pending
	Ready
	Failed
)

func (s IllustrationState) String() string {
	switch s {
	case Pending:
		return "pending"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "absent"
	}
}

// MarshalText encodes the state by name.
func (s IllustrationState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *IllustrationState) UnmarshalText(text []byte) error {
	for _, candidate := range []IllustrationState{Absent, Pending, Ready, Failed} {
		if candidate.String() == string(text) {
			*s = candidate

			return nil
		}
	}

	return fmt.Errorf("%w: '%s'", ErrUnknownName, text)
}

// FailureKind classifies an illustration failure.
type FailureKind int

// Failure kinds. FailureNone is only valid outside the Failed state.
const (
	FailureNone FailureKind = iota
	FailureTransient
	FailurePermissionDenied
)

func (k FailureKind) String() string {
	switch k {
	case FailureTransient:
		return "transient"
	case FailurePermissionDenied:
		return "permission_denied"
	default:
		return "none"
	}
}

// MarshalText encodes the kind by name.
func (k FailureKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText decodes a kind name.
func (k *FailureKind) UnmarshalText(text []byte) error {
	for _, candidate := range []FailureKind{FailureNone, FailureTransient, FailurePermissionDenied} {
		if candidate.String() == string(text) {
			*k = candidate

			return nil
		}
	}

	return fmt.Errorf("%w: '%s'", ErrUnknownName, text)
}

// Notice returns the user-facing message for a failure kind.
func (k FailureKind) Notice() string {
	switch k {
	case FailurePermissionDenied:
		return "Magic key permission error! You might need to select a key from a paid GCP project."
	case FailureTransient:
		return "The magic brush slipped! Try moving to the next page and back."
	default:
		return ""
	}
}

// Page is one page of a story.
type Page struct {
	Text         string            `json:"text"`
	Illustration core.AssetRef     `json:"illustration"`
	State        IllustrationState `json:"illustration_state"`
	Failure      FailureKind       `json:"failure"`
}

// PageUpdate is a partial page update. Nil fields are left untouched.
type PageUpdate struct {
	State        *IllustrationState
	Illustration *core.AssetRef
	Failure      *FailureKind
}

// Listener observes applied page updates. It must not call back into the document synchronously.
type Listener func(index int, page Page)

// Story is a generated story with a fixed number of pages.
type Story struct {
	ID    string
	Title string
	Pages []Page
}

// Document guards a Story and funnels every page mutation through ApplyPageUpdate.
type Document struct {
	mu        sync.RWMutex
	story     Story
	listeners []Listener
}

// New builds a document from a generated skeleton. Every page starts Absent.
func New(skeleton core.Skeleton) (*Document, error) {
	if skeleton.Title == "" {
		return nil, ErrEmptyTitle
	}

	count := len(skeleton.PageTexts)
	if count < MinPages || count > MaxPages {
		return nil, fmt.Errorf("%w: got %d", ErrPageCount, count)
	}

	pages := make([]Page, count)
	for i, text := range skeleton.PageTexts {
		pages[i] = Page{Text: text, State: Absent}
	}

	return &Document{
		story: Story{
			ID:    uuid.NewString(),
			Title: skeleton.Title,
			Pages: pages,
		},
	}, nil
}

// ID returns the story identifier.
func (d *Document) ID() string {
	return d.story.ID
}

// Title returns the story title.
func (d *Document) Title() string {
	return d.story.Title
}

// Len returns the number of pages.
func (d *Document) Len() int {
	return len(d.story.Pages)
}

// Page returns a copy of the page at index.
func (d *Document) Page(index int) (Page, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if index < 0 || index >= len(d.story.Pages) {
		return Page{}, fmt.Errorf("%w: %d", ErrPageIndex, index)
	}

	return d.story.Pages[index], nil
}

// Story returns a deep copy of the story.
func (d *Document) Story() Story {
	d.mu.RLock()
	defer d.mu.RUnlock()

	pages := make([]Page, len(d.story.Pages))
	copy(pages, d.story.Pages)

	return Story{ID: d.story.ID, Title: d.story.Title, Pages: pages}
}

// OnUpdate registers a listener for applied page updates.
func (d *Document) OnUpdate(listener Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.listeners = append(d.listeners, listener)
}

// ApplyPageUpdate merges update into the page at index, leaving other pages and fields untouched.
func (d *Document) ApplyPageUpdate(index int, update PageUpdate) (Page, error) {
	d.mu.Lock()

	if index < 0 || index >= len(d.story.Pages) {
		d.mu.Unlock()

		return Page{}, fmt.Errorf("%w: %d", ErrPageIndex, index)
	}

	merged := mergePage(d.story.Pages[index], update)

	err := validateTransition(d.story.Pages[index], merged)
	if err != nil {
		d.mu.Unlock()

		return Page{}, fmt.Errorf("page %d: %w", index, err)
	}

	d.story.Pages[index] = merged
	listeners := append([]Listener(nil), d.listeners...)
	d.mu.Unlock()

	for _, listener := range listeners {
		listener(index, merged)
	}

	return merged, nil
}

func mergePage(page Page, update PageUpdate) Page {
	if update.State != nil {
		page.State = *update.State
	}

	if update.Illustration != nil {
		page.Illustration = *update.Illustration
	}

	if update.Failure != nil {
		page.Failure = *update.Failure
	}

	// A failure kind only survives in the Failed state.
	if page.State != Failed {
		page.Failure = FailureNone
	}

	// An Absent page has no illustration to show.
	if page.State == Absent {
		page.Illustration = core.AssetRef{}
	}

	return page
}

func validateTransition(from, to Page) error {
	if from.State != to.State && !allowedTransition(from.State, to.State) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from.State, to.State)
	}

	switch to.State {
	case Ready:
		if to.Illustration.IsZero() {
			return ErrMissingIllustration
		}
	case Failed:
		if to.Failure == FailureNone {
			return ErrMissingFailure
		}
	case Absent, Pending:
	}

	return nil
}

func allowedTransition(from, to IllustrationState) bool {
	switch from {
	case Absent:
		return to == Pending
	case Pending:
		return to == Ready || to == Failed
	case Failed:
		return to == Absent || to == Pending
	case Ready:
		return to == Absent
	default:
		return false
	}
}

// StatePtr returns a pointer to s, for building a PageUpdate.
func StatePtr(s IllustrationState) *IllustrationState {
	return &s
}

// FailurePtr returns a pointer to k, for building a PageUpdate.
func FailurePtr(k FailureKind) *FailureKind {
	return &k
}
