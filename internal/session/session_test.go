package session

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/habibshahid/aiva-advanced-sub007/internal/audio"
	"github.com/habibshahid/aiva-advanced-sub007/internal/catalog"
	"github.com/habibshahid/aiva-advanced-sub007/internal/content"
	"github.com/habibshahid/aiva-advanced-sub007/internal/intent"
	"github.com/habibshahid/aiva-advanced-sub007/internal/llm"
	"github.com/habibshahid/aiva-advanced-sub007/internal/slots"
	"github.com/habibshahid/aiva-advanced-sub007/internal/tts"
)

type recordedCall struct {
	Name string
	Args map[string]any
}

type recordedEvents struct {
	mu        sync.Mutex
	deltas    int
	dones     int
	functions []recordedCall
	transfers []string
	hangups   int
}

func (r *recordedEvents) AudioDelta(frame []byte) {
	r.mu.Lock()
	r.deltas++
	r.mu.Unlock()
}

func (r *recordedEvents) AudioDone() {
	r.mu.Lock()
	r.dones++
	r.mu.Unlock()
}

func (r *recordedEvents) FunctionCall(name string, args map[string]any) {
	r.mu.Lock()
	r.functions = append(r.functions, recordedCall{Name: name, Args: args})
	r.mu.Unlock()
}

func (r *recordedEvents) Transfer(queue string) {
	r.mu.Lock()
	r.transfers = append(r.transfers, queue)
	r.mu.Unlock()
}

func (r *recordedEvents) Hangup() {
	r.mu.Lock()
	r.hangups++
	r.mu.Unlock()
}

type fakeIntents struct {
	res intent.Result
	got []string
}

func (f *fakeIntents) Classify(ctx context.Context, transcript string, history []llm.Message) intent.Result {
	f.got = append(f.got, transcript)
	return f.res
}

type scriptedSlots struct {
	outcomes []slots.Outcome
}

func (s *scriptedSlots) Classify(ctx context.Context, utterance string, acc *slots.Accumulator, opts slots.Options) slots.Outcome {
	if len(s.outcomes) == 0 {
		return slots.Outcome{Kind: slots.Store, Value: utterance, Confidence: 0.5}
	}
	out := s.outcomes[0]
	s.outcomes = s.outcomes[1:]
	return out
}

// oneFrameBackend emits one silence frame per synthesis.
type oneFrameBackend struct{}

func (oneFrameBackend) Stream(ctx context.Context, text, voice string) (<-chan []byte, <-chan error) {
	out := make(chan []byte, 1)
	errCh := make(chan error, 1)
	out <- bytes.Repeat([]byte{0xFF}, audio.FrameBytes)
	close(out)
	close(errCh)
	return out, errCh
}

func testCatalog() *catalog.Catalog {
	return &catalog.Catalog{
		DefaultLanguage: "en",
		Languages: []catalog.Language{
			{Code: "en", Voice: "aura-2-thalia-en"},
			{Code: "ur", Voice: "aura-2-orion-ur", Script: "Arabic"},
		},
		Intents: []catalog.Intent{
			{ID: "check_balance", Name: "Check Balance", FlowID: "balance_flow"},
		},
		Flows: []catalog.Flow{{
			ID: "balance_flow",
			Steps: []catalog.Step{
				{Slot: "account_last4", Type: "id", Prompt: "ask_last4"},
			},
			Completion: &catalog.FunctionSpec{
				Name: "check_balance",
				Parameters: []catalog.FunctionParam{
					{Name: "last4digits", FromSlot: "account_last4", Required: true},
				},
			},
		}},
		Content: []catalog.ContentEntry{
			{EntityType: "flow", EntityID: "balance_flow", Field: "intro", Language: "en", Text: "Balance check."},
			{EntityType: "flow", EntityID: "balance_flow", Field: "ask_last4", Language: "en", Text: "Last four digits please."},
			{EntityType: "flow", EntityID: "balance_flow", Field: "completed", Language: "en", Text: "Here is your balance."},
			{EntityType: "flow", EntityID: "balance_flow", Field: "closing", Language: "en", Text: "Goodbye."},
		},
	}
}

func newTestSession(t *testing.T, cat *catalog.Catalog, intents IntentClassifier, sc *scriptedSlots, ev Events) *Session {
	t.Helper()
	s := New(Config{
		CallID:   "test-call",
		Catalog:  cat,
		Intents:  intents,
		Slots:    sc,
		Synth:    tts.NewSynthesizer(oneFrameBackend{}, nil),
		Resolver: content.NewResolver(nil, nil, nil),
		Events:   ev,
	})
	t.Cleanup(s.playback.Close)
	return s
}

func TestSession_CheckBalanceEndToEnd(t *testing.T) {
	cat := testCatalog()
	ev := &recordedEvents{}
	fi := &fakeIntents{res: intent.Result{Intent: cat.IntentByID("check_balance"), Confidence: 0.9}}
	sc := &scriptedSlots{outcomes: []slots.Outcome{
		{Kind: slots.Store, Value: "1234", Confidence: 0.9},
	}}
	s := newTestSession(t, cat, fi, sc, ev)
	ctx := context.Background()

	s.handleFinal(ctx, "check my balance")
	require.True(t, s.engine.Active(), "flow should have started")
	require.NotNil(t, s.respTimer, "a response timer must be armed while awaiting an answer")

	s.handleFinal(ctx, "1234")

	ev.mu.Lock()
	defer ev.mu.Unlock()
	require.Len(t, ev.functions, 1, "completion function must be emitted exactly once")
	assert.Equal(t, "check_balance", ev.functions[0].Name)
	assert.Equal(t, "1234", ev.functions[0].Args["last4digits"])
	assert.Greater(t, ev.deltas, 0, "prompts should have produced paced audio")
	assert.Greater(t, ev.dones, 0)
	assert.False(t, s.engine.Active())
	assert.Nil(t, s.respTimer, "no timer once the flow is done")
}

func TestSession_NoIntentSpeaksBuiltinFallback(t *testing.T) {
	ev := &recordedEvents{}
	fi := &fakeIntents{res: intent.Result{}}
	s := newTestSession(t, testCatalog(), fi, &scriptedSlots{}, ev)

	s.handleFinal(context.Background(), "mumble mumble")

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Greater(t, ev.deltas, 0, "the fallback prompt should have been spoken")
	assert.Empty(t, ev.functions)
	turns := s.History()
	require.Len(t, turns, 2)
	assert.Equal(t, "assistant", turns[1].Role)
	assert.Contains(t, turns[1].Text, "didn't catch")
}

func TestSession_SuggestionSpeaksClarification(t *testing.T) {
	ev := &recordedEvents{}
	fi := &fakeIntents{res: intent.Result{Suggested: "Check Balance", Confidence: 0.4}}
	s := newTestSession(t, testCatalog(), fi, &scriptedSlots{}, ev)

	s.handleFinal(context.Background(), "balance something maybe")

	turns := s.History()
	require.Len(t, turns, 2)
	assert.Contains(t, turns[1].Text, "Check Balance")
}

func TestSession_DetectsLanguageFromFirstUtterance(t *testing.T) {
	ev := &recordedEvents{}
	fi := &fakeIntents{res: intent.Result{}}
	s := newTestSession(t, testCatalog(), fi, &scriptedSlots{}, ev)

	s.handleFinal(context.Background(), "مجھے بیلنس چاہیے")
	assert.Equal(t, "ur", s.engine.Language())
	assert.Equal(t, "aura-2-orion-ur", s.voice())

	// later Latin-script utterances do not flip it back
	s.handleFinal(context.Background(), "ok")
	assert.Equal(t, "ur", s.engine.Language())
}

func TestSession_ProfileLanguageBeatsDetection(t *testing.T) {
	s := New(Config{
		CallID:   "c",
		Catalog:  testCatalog(),
		Intents:  &fakeIntents{},
		Slots:    &scriptedSlots{},
		Synth:    tts.NewSynthesizer(oneFrameBackend{}, nil),
		Resolver: content.NewResolver(nil, nil, nil),
		Events:   &recordedEvents{},
		Language: "en",
	})
	defer s.playback.Close()

	s.handleFinal(context.Background(), "مجھے بیلنس چاہیے")
	assert.Equal(t, "en", s.engine.Language())
}

func TestSession_TimeoutRepromptsViaEngine(t *testing.T) {
	cat := testCatalog()
	cat.Flows[0].MaxRetries = 2
	cat.Content = append(cat.Content,
		catalog.ContentEntry{EntityType: "flow", EntityID: "balance_flow", Field: "timeout", Language: "en", Text: "Are you still there?"})
	ev := &recordedEvents{}
	fi := &fakeIntents{res: intent.Result{Intent: cat.IntentByID("check_balance"), Confidence: 0.9}}
	s := newTestSession(t, cat, fi, &scriptedSlots{}, ev)
	ctx := context.Background()

	s.handleFinal(ctx, "check my balance")
	s.handleTimeout(ctx) // re-prompt, timer re-armed
	require.NotNil(t, s.respTimer)
	s.handleTimeout(ctx) // second re-prompt, still within the ceiling
	require.NotNil(t, s.respTimer)
	s.handleTimeout(ctx) // third exceeds the ceiling: default action hangs up

	ev.mu.Lock()
	defer ev.mu.Unlock()
	assert.Equal(t, 1, ev.hangups)
	assert.False(t, s.engine.Active())
	assert.Nil(t, s.respTimer)
}

func TestSession_HistoryBounded(t *testing.T) {
	s := newTestSession(t, testCatalog(), &fakeIntents{}, &scriptedSlots{}, &recordedEvents{})
	for i := 0; i < maxHistoryTurns+20; i++ {
		s.appendTurn("user", "turn")
	}
	assert.Len(t, s.History(), maxHistoryTurns)
}

func TestSession_ReentrancyGuardDropsSecondFinal(t *testing.T) {
	s := newTestSession(t, testCatalog(), &fakeIntents{}, &scriptedSlots{}, &recordedEvents{})

	// the one-slot finals channel is the guard: while one final waits to be
	// processed, a second is dropped rather than queued behind it
	select {
	case s.finals <- "first":
	default:
		t.Fatal("first final should be accepted")
	}
	select {
	case s.finals <- "second":
		t.Fatal("second final should have been dropped")
	default:
	}
}
