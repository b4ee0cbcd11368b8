package core

import "sync"

// Lifecycle signal names.
const (
	SignalWindowsRestored    = "sessionstore-windows-restored"
	SignalRestoringOnStartup = "sessionstore-restoring-on-startup"
)

// Signal is a one-shot notification: it fires at most once per process and
// every observer runs at most once. Observers registered after the signal
// fired run immediately, like continuations on a resolved future.
type Signal struct {
	name string

	mu        sync.Mutex
	fired     bool
	done      chan struct{}
	nextID    uint64
	observers []signalObserver
}

type signalObserver struct {
	id uint64
	fn func()
}

// NewSignal creates an unfired signal.
func NewSignal(name string) *Signal {
	return &Signal{name: name, done: make(chan struct{})}
}

// Name returns the signal name.
func (s *Signal) Name() string { return s.name }

// Fire resolves the signal. Only the first call has any effect.
func (s *Signal) Fire() bool {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		return false
	}
	s.fired = true
	observers := s.observers
	s.observers = nil
	close(s.done)
	s.mu.Unlock()

	Log.Debugf("Core", "Signal %q fired (%d observers)", s.name, len(observers))
	for _, o := range observers {
		o.fn()
	}
	return true
}

// Fired reports whether Fire has been called.
func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fired
}

// Done returns a channel closed when the signal fires.
func (s *Signal) Done() <-chan struct{} { return s.done }

// Observe registers fn to run once when the signal fires. The returned
// function drops the registration if fn has not run yet.
func (s *Signal) Observe(fn func()) (cancel func()) {
	s.mu.Lock()
	if s.fired {
		s.mu.Unlock()
		fn()
		return func() {}
	}
	s.nextID++
	id := s.nextID
	s.observers = append(s.observers, signalObserver{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, o := range s.observers {
			if o.id == id {
				s.observers = append(s.observers[:i:i], s.observers[i+1:]...)
				return
			}
		}
	}
}

// Signals holds the named one-shot signals of the process.
type Signals struct {
	WindowsRestored    *Signal
	RestoringOnStartup *Signal
}

// NewSignals creates the unfired process signals.
func NewSignals() *Signals {
	return &Signals{
		WindowsRestored:    NewSignal(SignalWindowsRestored),
		RestoringOnStartup: NewSignal(SignalRestoringOnStartup),
	}
}

// ByName returns the signal with the given name, or nil.
func (s *Signals) ByName(name string) *Signal {
	switch name {
	case SignalWindowsRestored:
		return s.WindowsRestored
	case SignalRestoringOnStartup:
		return s.RestoringOnStartup
	default:
		return nil
	}
}
