package tts

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/audio"
)

// EventKind discriminates synthesis events.
type EventKind int

const (
	EventStarted EventKind = iota
	EventChunk
	EventDone
	EventFailed
)

// Event is one synthesis lifecycle notification. Every request emits
// Started, zero or more Chunks, and at most one terminal Done or Failed.
// Cancelled requests emit no terminal event: cancellation is the caller's
// own action, not an outcome to report back.
type Event struct {
	Kind       EventKind
	ID         string
	Audio      []byte        // Chunk: 8 kHz mu-law
	TotalBytes int           // Done
	Duration   time.Duration // Done: playback length of the audio
	Err        error         // Failed
}

// cancelMemory is how many recently cancelled request ids are remembered so
// late vendor chunks for them are discarded silently.
const cancelMemory = 16

// attemptTimeout bounds a single backend streaming attempt.
const attemptTimeout = 30 * time.Second

// Synthesizer correlates vendor audio streams with request ids. Only the
// most recent request is current; chunks tagged with any other id are
// dropped, which makes barge-in races harmless.
type Synthesizer struct {
	backend Backend
	events  chan Event
	log     *zap.Logger

	retryInterval time.Duration

	mu       sync.Mutex
	current  string
	cancelFn context.CancelFunc
	recent   []string
}

// NewSynthesizer builds the facade over a vendor backend.
func NewSynthesizer(backend Backend, log *zap.Logger) *Synthesizer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Synthesizer{
		backend:       backend,
		events:        make(chan Event, 256),
		log:           log,
		retryInterval: 500 * time.Millisecond,
	}
}

// Events is the synthesis notification stream. The channel is never closed.
func (s *Synthesizer) Events() <-chan Event { return s.events }

// Synthesize starts a new request and returns its id. Any in-flight request
// is superseded: it is cancelled and its remaining events are discarded.
func (s *Synthesizer) Synthesize(ctx context.Context, text, voice string) string {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(ctx)

	s.mu.Lock()
	if s.current != "" {
		s.rememberLocked(s.current)
		if s.cancelFn != nil {
			s.cancelFn()
		}
	}
	s.current = id
	s.cancelFn = cancel
	s.mu.Unlock()

	s.emit(Event{Kind: EventStarted, ID: id})
	go s.run(ctx, cancel, id, text, voice)
	return id
}

// Cancel stops the request with the given id. Idempotent: unknown, already
// cancelled, and completed ids are all no-ops.
func (s *Synthesizer) Cancel(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id == "" || s.cancelledLocked(id) || s.current != id {
		return
	}
	s.rememberLocked(id)
	s.current = ""
	if s.cancelFn != nil {
		s.cancelFn()
		s.cancelFn = nil
	}
}

func (s *Synthesizer) run(ctx context.Context, cancel context.CancelFunc, id, text, voice string) {
	defer cancel()

	var total int
	attempt := func() error {
		actx, done := context.WithTimeout(ctx, attemptTimeout)
		defer done()

		chunks, errCh := s.backend.Stream(actx, text, voice)
		for chunk := range chunks {
			if !s.isCurrent(id) {
				// cancelled or superseded mid-stream; drain silently
				continue
			}
			total += len(chunk)
			s.emit(Event{Kind: EventChunk, ID: id, Audio: chunk})
		}
		if err := <-errCh; err != nil {
			if total > 0 || ctx.Err() != nil {
				// audio already went out, or we were cancelled: do not
				// restart the utterance
				return backoff.Permanent(err)
			}
			return err
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.retryInterval
	err := backoff.Retry(attempt, backoff.WithContext(backoff.WithMaxRetries(policy, 1), ctx))

	s.mu.Lock()
	cancelled := s.cancelledLocked(id)
	if s.current == id {
		s.current = ""
		s.cancelFn = nil
	}
	s.mu.Unlock()

	if cancelled {
		return
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		s.emit(Event{Kind: EventFailed, ID: id, Err: err})
		return
	}
	s.emit(Event{
		Kind:       EventDone,
		ID:         id,
		TotalBytes: total,
		Duration:   audio.DurationForBytes(total),
	})
}

// Active reports whether the id is the in-flight request: false once it
// completed, failed, was cancelled, or was superseded.
func (s *Synthesizer) Active(id string) bool { return s.isCurrent(id) }

// Cancelled reports whether the id was cancelled or superseded. False for
// naturally completed ids.
func (s *Synthesizer) Cancelled(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cancelledLocked(id)
}

// CancelActive cancels whatever request is currently in flight, if any.
func (s *Synthesizer) CancelActive() {
	s.mu.Lock()
	id := s.current
	s.mu.Unlock()
	s.Cancel(id)
}

func (s *Synthesizer) isCurrent(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current == id
}

func (s *Synthesizer) cancelledLocked(id string) bool {
	for _, r := range s.recent {
		if r == id {
			return true
		}
	}
	return false
}

func (s *Synthesizer) rememberLocked(id string) {
	s.recent = append(s.recent, id)
	if len(s.recent) > cancelMemory {
		s.recent = s.recent[len(s.recent)-cancelMemory:]
	}
}

func (s *Synthesizer) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.log.Warn("tts event dropped, consumer too slow",
			zap.String("request_id", ev.ID), zap.Int("kind", int(ev.Kind)))
	}
}
