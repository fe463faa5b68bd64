package session

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/asr"
	"github.com/habibshahid/aiva-advanced-sub007/internal/catalog"
	"github.com/habibshahid/aiva-advanced-sub007/internal/content"
	"github.com/habibshahid/aiva-advanced-sub007/internal/flow"
	"github.com/habibshahid/aiva-advanced-sub007/internal/intent"
	"github.com/habibshahid/aiva-advanced-sub007/internal/llm"
	"github.com/habibshahid/aiva-advanced-sub007/internal/playback"
	"github.com/habibshahid/aiva-advanced-sub007/internal/tts"
)

// Events is the outbound side of a session: paced audio, completion side
// effects, and call control. Implementations must be safe for calls from
// the pacer goroutine (AudioDelta/AudioDone) alongside the session loop.
type Events interface {
	AudioDelta(frame []byte)
	AudioDone()
	FunctionCall(name string, args map[string]any)
	Transfer(queue string)
	Hangup()
}

// IntentClassifier is the slice of the intent package a session needs.
type IntentClassifier interface {
	Classify(ctx context.Context, transcript string, history []llm.Message) intent.Result
}

// Turn is one exchange in the call history.
type Turn struct {
	Role string
	Text string
	At   time.Time
}

const maxHistoryTurns = 50

// Engine-authored prompts when the catalog carries no entry for them.
var builtinPrompts = map[string]string{
	"fallback":  "Sorry, I didn't catch that. Could you tell me what you need help with?",
	"clarify":   "Did you mean {{suggestion}}?",
	"apology":   "I'm sorry, something went wrong. Let me connect you to an agent.",
	"main_menu": "What else can I help you with?",
}

// Config wires a Session.
type Config struct {
	CallID     string
	Catalog    *catalog.Catalog
	Intents    IntentClassifier
	Slots      flow.SlotClassifier
	Synth      *tts.Synthesizer
	Recognizer *asr.Stream // nil for tests that inject finals directly
	Resolver   *content.Resolver
	Events     Events
	// Language is a caller-profile override; when set, script detection is
	// skipped entirely.
	Language        string
	DefaultRetries  int
	ResponseTimeout time.Duration
	FragmentGrace   time.Duration
	HTTPClient      *http.Client // fetches cached audio clips
	Log             *zap.Logger
}

// Session orchestrates one call: recognition events in, flow decisions,
// synthesis and paced audio out. One goroutine (Run) owns all flow state;
// a pump goroutine translates recognition events into barge-in calls and
// final transcripts.
type Session struct {
	callID     string
	cat        *catalog.Catalog
	intents    IntentClassifier
	synth      *tts.Synthesizer
	recognizer *asr.Stream
	resolver   *content.Resolver
	events     Events
	httpClient *http.Client
	log        *zap.Logger

	engine   *flow.Engine
	playback *playback.Controller

	finals  chan string
	flushed chan string

	history      []Turn
	respTimer    *time.Timer
	langDetected bool
}

// New builds a session. Call Run to start it.
func New(cfg Config) *Session {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	log = log.With(zap.String("call_id", cfg.CallID))
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}

	s := &Session{
		callID:     cfg.CallID,
		cat:        cfg.Catalog,
		intents:    cfg.Intents,
		synth:      cfg.Synth,
		recognizer: cfg.Recognizer,
		resolver:   cfg.Resolver,
		events:     cfg.Events,
		httpClient: cfg.HTTPClient,
		log:        log,
		finals:     make(chan string, 1),
		flushed:    make(chan string, 1),
		// an explicit profile language beats script detection
		langDetected: cfg.Language != "",
	}
	s.engine = flow.NewEngine(flow.Config{
		Catalog:        cfg.Catalog,
		Classifier:     cfg.Slots,
		Language:       cfg.Language,
		DefaultRetries: cfg.DefaultRetries,
		DefaultTimeout: cfg.ResponseTimeout,
		FragmentGrace:  cfg.FragmentGrace,
		OnFragmentFlush: func(combined string) {
			select {
			case s.flushed <- combined:
			default:
			}
		},
		Log: log,
	})
	s.playback = playback.New(cfg.Events, func() {
		if s.synth != nil {
			s.synth.CancelActive()
		}
	}, log)
	return s
}

// WriteAudio pushes one inbound mu-law frame toward recognition. Frames
// arriving while the recognizer is reconnecting are dropped, not queued.
func (s *Session) WriteAudio(frame []byte) {
	if s.recognizer != nil {
		s.recognizer.SendAudio(frame)
	}
}

// Run drives the session until ctx ends or recognition goes permanently
// down. All flow state transitions happen on this goroutine.
func (s *Session) Run(ctx context.Context) error {
	defer s.playback.Close()
	if s.recognizer != nil {
		go s.pumpRecognition(ctx)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.recognizerDown():
			s.speakAgentField(ctx, "apology", nil)
			s.events.Transfer("")
			return fmt.Errorf("session %s: recognition stream down", s.callID)
		case text := <-s.finals:
			s.handleFinal(ctx, text)
		case combined := <-s.flushed:
			s.handleFlushed(ctx, combined)
		case <-s.timerC():
			s.respTimer = nil
			s.handleTimeout(ctx)
		}
	}
}

func (s *Session) recognizerDown() <-chan struct{} {
	if s.recognizer == nil {
		return nil
	}
	return s.recognizer.Done()
}

// pumpRecognition turns interims into barge-in and forwards finals to the
// session loop. The one-slot finals channel is the re-entrancy guard: a
// final arriving while a previous one is still being processed is dropped.
func (s *Session) pumpRecognition(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.recognizer.Events():
			switch ev.Kind {
			case asr.EventInterim:
				if strings.TrimSpace(ev.Text) != "" {
					s.playback.BargeIn()
				}
			case asr.EventFinal:
				text := strings.TrimSpace(ev.Text)
				if text == "" {
					continue
				}
				select {
				case s.finals <- text:
				default:
					s.log.Debug("dropped transcript, previous one still processing",
						zap.String("text", text))
				}
			case asr.EventDisconnected:
				// transient; the stream reconnects itself
			}
		}
	}
}

func (s *Session) handleFinal(ctx context.Context, text string) {
	s.maybeDetectLanguage(text)
	s.appendTurn("user", text)
	s.stopTimer()

	if s.engine.Active() {
		acts, err := s.engine.HandleUtterance(ctx, text)
		if err != nil {
			s.log.Error("fatal flow error", zap.Error(err))
		}
		s.execute(ctx, acts)
	} else {
		s.classifyIntent(ctx, text)
	}
	s.armTimer()
}

func (s *Session) handleFlushed(ctx context.Context, combined string) {
	s.stopTimer()
	acts, err := s.engine.HandleFlushed(ctx, combined)
	if err != nil {
		s.log.Error("fatal flow error", zap.Error(err))
	}
	s.execute(ctx, acts)
	s.armTimer()
}

func (s *Session) handleTimeout(ctx context.Context) {
	s.execute(ctx, s.engine.HandleTimeout())
	s.armTimer()
}

func (s *Session) classifyIntent(ctx context.Context, text string) {
	if s.intents == nil {
		return
	}
	res := s.intents.Classify(ctx, text, s.historyMessages())
	switch {
	case res.Intent != nil:
		fl := s.cat.FlowByID(res.Intent.FlowID)
		if fl == nil {
			s.log.Warn("matched intent has no flow", zap.String("intent", res.Intent.ID))
			s.speakAgentField(ctx, "fallback", nil)
			return
		}
		s.log.Info("intent matched",
			zap.String("intent", res.Intent.ID), zap.Float64("confidence", res.Confidence))
		s.execute(ctx, s.engine.StartFlow(fl))
	case res.Suggested != "":
		s.speakAgentField(ctx, "clarify", map[string]string{"suggestion": res.Suggested})
	default:
		s.speakAgentField(ctx, "fallback", nil)
	}
}

func (s *Session) execute(ctx context.Context, acts []flow.Action) {
	for _, a := range acts {
		switch a.Kind {
		case flow.ActionSay:
			s.speak(ctx, a)
		case flow.ActionCallFunction:
			s.events.FunctionCall(a.Function.Name, a.Function.Arguments)
		case flow.ActionTransfer:
			s.events.Transfer(a.Queue)
		case flow.ActionHangup:
			s.events.Hangup()
		case flow.ActionMainMenu:
			s.speakAgentField(ctx, "main_menu", nil)
		case flow.ActionReclassify:
			s.classifyIntent(ctx, a.Utterance)
		}
	}
}

func (s *Session) speak(ctx context.Context, a flow.Action) {
	if a.Text != "" && a.Content == (flow.ContentRef{}) {
		s.appendTurn("assistant", a.Text)
		s.say(ctx, a.Text, catalog.ContentEntry{})
		return
	}

	if s.resolver == nil {
		return
	}
	lang := s.engine.Language()
	res, err := s.resolver.Resolve(s.cat, a.Content.EntityType, a.Content.EntityID, a.Content.Field, lang)
	if err != nil {
		s.log.Warn("content missing, prompt skipped",
			zap.String("entity", a.Content.EntityID), zap.String("field", a.Content.Field),
			zap.String("lang", lang), zap.Error(err))
		return
	}

	run := func() {
		if res.AudioURL != "" && len(a.Vars) == 0 {
			clip, err := s.fetchAudio(ctx, res.AudioURL)
			if err == nil {
				s.appendTurn("assistant", res.Text)
				_ = s.playback.Play(ctx, clip)
				return
			}
			s.log.Warn("cached audio fetch failed, synthesizing instead",
				zap.String("url", res.AudioURL), zap.Error(err))
		}
		text := content.Render(res.Text, a.Vars)
		if text == "" {
			return
		}
		s.appendTurn("assistant", text)
		entry := catalog.ContentEntry{}
		if len(a.Vars) == 0 && !content.Templated(text) {
			entry = catalog.ContentEntry{
				EntityType: a.Content.EntityType,
				EntityID:   a.Content.EntityID,
				Field:      a.Content.Field,
				Language:   res.Language,
				Text:       text,
			}
		}
		s.say(ctx, text, entry)
	}

	// short acknowledgements are never cut off mid-word
	if a.Content.Field == flow.FieldAck {
		s.playback.Protect(run)
	} else {
		run()
	}
}

// speakAgentField speaks agent-level content (fallbacks, clarifications),
// degrading to a built-in prompt when the catalog has none.
func (s *Session) speakAgentField(ctx context.Context, field string, vars map[string]string) {
	if s.resolver != nil && s.cat != nil {
		if _, err := s.resolver.Resolve(s.cat, "agent", "default", field, s.engine.Language()); err == nil {
			s.speak(ctx, flow.Action{
				Kind:    flow.ActionSay,
				Content: flow.ContentRef{EntityType: "agent", EntityID: "default", Field: field},
				Vars:    vars,
			})
			return
		}
	}
	if text := content.Render(builtinPrompts[field], vars); text != "" {
		s.appendTurn("assistant", text)
		s.say(ctx, text, catalog.ContentEntry{})
	}
}

// say synthesizes text and paces the chunks out, blocking until playback
// finished, was barged in on, or failed. A non-empty entry makes the
// rendered audio cacheable for future sessions.
func (s *Session) say(ctx context.Context, text string, entry catalog.ContentEntry) {
	if s.synth == nil {
		return
	}
	id := s.synth.Synthesize(ctx, text, s.voice())
	var buf []byte
	cacheable := entry.EntityType != "" && s.resolver != nil

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case ev := <-s.synth.Events():
			if ev.ID != id {
				continue // stale event from a superseded request
			}
			switch ev.Kind {
			case tts.EventChunk:
				s.playback.EnqueueChunk(ev.Audio)
				if cacheable {
					buf = append(buf, ev.Audio...)
				}
			case tts.EventDone:
				s.playback.FinishStream()
				_ = s.playback.Wait(ctx)
				if cacheable && len(buf) > 0 {
					go s.cacheAudio(entry, buf)
				}
				return
			case tts.EventFailed:
				// contained to this one utterance; the session carries on
				s.log.Warn("synthesis failed, playback dropped", zap.Error(ev.Err))
				s.playback.Stop()
				return
			}
		case <-ticker.C:
			if s.synth.Cancelled(id) {
				// barge-in cancelled the request; playback already stopped
				return
			}
		case <-ctx.Done():
			s.synth.Cancel(id)
			s.playback.Stop()
			return
		}
	}
}

func (s *Session) cacheAudio(entry catalog.ContentEntry, mulaw []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := s.resolver.CacheSynthesizedAudio(ctx, entry, mulaw); err != nil {
		s.log.Debug("audio caching skipped", zap.Error(err))
	}
}

func (s *Session) fetchAudio(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("audio fetch status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 10<<20))
}

func (s *Session) voice() string {
	if s.cat == nil {
		return ""
	}
	return s.cat.VoiceForLanguage(s.engine.Language())
}

func (s *Session) maybeDetectLanguage(text string) {
	if s.langDetected || len(strings.Fields(text)) == 0 {
		return
	}
	s.langDetected = true
	if code := flow.DetectLanguage(s.cat, text); code != "" {
		s.engine.SetLanguage(code)
		s.log.Info("language detected from script", zap.String("lang", code))
	}
}

func (s *Session) appendTurn(role, text string) {
	s.history = append(s.history, Turn{Role: role, Text: text, At: time.Now()})
	if len(s.history) > maxHistoryTurns {
		s.history = s.history[len(s.history)-maxHistoryTurns:]
	}
}

// History returns a copy of the call transcript so far.
func (s *Session) History() []Turn {
	out := make([]Turn, len(s.history))
	copy(out, s.history)
	return out
}

func (s *Session) historyMessages() []llm.Message {
	out := make([]llm.Message, 0, len(s.history))
	for _, t := range s.history {
		out = append(out, llm.Message{Role: t.Role, Content: t.Text})
	}
	return out
}

func (s *Session) timerC() <-chan time.Time {
	if s.respTimer == nil {
		return nil
	}
	return s.respTimer.C
}

func (s *Session) stopTimer() {
	if s.respTimer != nil {
		s.respTimer.Stop()
		s.respTimer = nil
	}
}

func (s *Session) armTimer() {
	s.stopTimer()
	switch s.engine.State() {
	case flow.StateAwaitingStep, flow.StateAwaitingConfirmation:
		s.respTimer = time.NewTimer(s.engine.ResponseTimeout())
	}
}
