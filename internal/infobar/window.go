package infobar

import (
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders notifications in a box.
type Priority int

const (
	PriorityInfo Priority = iota
	PriorityWarning
	PriorityWarningHigh
	PriorityCritical
)

// Notification is one entry in a notification box.
type Notification struct {
	ID       string
	L10nID   string
	Args     map[string]string
	Priority Priority
	Shown    time.Time
}

// NotificationBox holds the notifications of one window, at most one per id.
type NotificationBox struct {
	mu    sync.Mutex
	items []Notification
}

// Get returns the notification with id, if present.
func (b *NotificationBox) Get(id string) (Notification, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, n := range b.items {
		if n.ID == id {
			return n, true
		}
	}
	return Notification{}, false
}

// Append adds n unless a notification with the same id is shown.
func (b *NotificationBox) Append(n Notification) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, existing := range b.items {
		if existing.ID == n.ID {
			return false
		}
	}
	if n.Shown.IsZero() {
		n.Shown = time.Now()
	}
	b.items = append(b.items, n)
	return true
}

// Remove dismisses the notification with id.
func (b *NotificationBox) Remove(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, n := range b.items {
		if n.ID == id {
			b.items = slices.Delete(b.items, i, i+1)
			return true
		}
	}
	return false
}

// List returns the notifications, highest priority first.
func (b *NotificationBox) List() []Notification {
	b.mu.Lock()
	out := slices.Clone(b.items)
	b.mu.Unlock()
	slices.SortStableFunc(out, func(a, b Notification) int { return int(b.Priority) - int(a.Priority) })
	return out
}

// Window is a browser window with its notification box.
type Window struct {
	ID     string
	Opened time.Time
	Box    *NotificationBox

	closed bool
}

// WindowTracker knows the open windows and which one was used last.
type WindowTracker struct {
	mu sync.Mutex
	// windows ordered from least to most recently used.
	windows []*Window
}

// NewWindowTracker creates a tracker with no windows.
func NewWindowTracker() *WindowTracker {
	return &WindowTracker{}
}

// Open adds a window and makes it the most recent one.
func (t *WindowTracker) Open() *Window {
	w := &Window{
		ID:     uuid.NewString(),
		Opened: time.Now(),
		Box:    &NotificationBox{},
	}
	t.mu.Lock()
	t.windows = append(t.windows, w)
	t.mu.Unlock()
	return w
}

// Focus makes the window with id the most recent one.
func (t *WindowTracker) Focus(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(id)
	if i < 0 {
		return false
	}
	w := t.windows[i]
	t.windows = append(slices.Delete(t.windows, i, i+1), w)
	return true
}

// Close removes the window with id.
func (t *WindowTracker) Close(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	i := t.index(id)
	if i < 0 {
		return false
	}
	t.windows[i].closed = true
	t.windows = slices.Delete(t.windows, i, i+1)
	return true
}

// MostRecent returns the last used open window, or nil.
func (t *WindowTracker) MostRecent() *Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := len(t.windows) - 1; i >= 0; i-- {
		if !t.windows[i].closed {
			return t.windows[i]
		}
	}
	return nil
}

// All returns the open windows, least recently used first.
func (t *WindowTracker) All() []*Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	return slices.Clone(t.windows)
}

// Get returns the open window with id, or nil.
func (t *WindowTracker) Get(id string) *Window {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.index(id); i >= 0 {
		return t.windows[i]
	}
	return nil
}

// Len returns the number of open windows.
func (t *WindowTracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.windows)
}

func (t *WindowTracker) index(id string) int {
	return slices.IndexFunc(t.windows, func(w *Window) bool { return w.ID == id })
}
