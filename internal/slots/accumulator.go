package slots

import (
	"strings"
	"sync"
	"time"
)

// DefaultGrace bounds how long a partial answer may sit in the buffer
// before it is flushed and classified as-is.
const DefaultGrace = 4 * time.Second

// Accumulator buffers utterance fragments for one session while the caller
// is still mid-answer. A grace timer flushes whatever has been collected if
// no further speech arrives.
type Accumulator struct {
	mu        sync.Mutex
	fragments []string
	timer     *time.Timer
	grace     time.Duration
	onFlush   func(combined string)
}

// NewAccumulator builds a fragment buffer. onFlush is invoked (on the timer
// goroutine) with the combined text when the grace period expires with
// fragments still pending; it may be nil.
func NewAccumulator(grace time.Duration, onFlush func(combined string)) *Accumulator {
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Accumulator{grace: grace, onFlush: onFlush}
}

// Combine joins any pending fragments with the new utterance, in arrival
// order. It does not modify the buffer.
func (a *Accumulator) Combine(utterance string) string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.fragments) == 0 {
		return utterance
	}
	parts := append(append([]string{}, a.fragments...), utterance)
	return strings.Join(parts, " ")
}

// Add appends a fragment and (re)arms the grace timer.
func (a *Accumulator) Add(fragment string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.fragments = append(a.fragments, fragment)
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(a.grace, a.fire)
}

func (a *Accumulator) fire() {
	combined := a.Flush()
	if combined != "" && a.onFlush != nil {
		a.onFlush(combined)
	}
}

// Flush returns the buffered text and clears the buffer and timer.
func (a *Accumulator) Flush() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
	if len(a.fragments) == 0 {
		return ""
	}
	out := strings.Join(a.fragments, " ")
	a.fragments = nil
	return out
}

// Pending reports whether fragments are buffered.
func (a *Accumulator) Pending() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.fragments) > 0
}
