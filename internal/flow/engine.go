package flow

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/habibshahid/aiva-advanced-sub007/internal/catalog"
	"github.com/habibshahid/aiva-advanced-sub007/internal/slots"
)

// State of the conversation for one session.
type State int

const (
	StateIdle State = iota
	StateFlowIntro
	StateAwaitingStep
	StateAwaitingConfirmation
	StateCompleting
	StateAwaitingAnythingElse
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateFlowIntro:
		return "flow_intro"
	case StateAwaitingStep:
		return "awaiting_step_response"
	case StateAwaitingConfirmation:
		return "awaiting_confirmation"
	case StateCompleting:
		return "completing"
	case StateAwaitingAnythingElse:
		return "awaiting_anything_else"
	}
	return "unknown"
}

// SlotClassifier interprets one utterance against the current step.
type SlotClassifier interface {
	Classify(ctx context.Context, utterance string, acc *slots.Accumulator, opts slots.Options) slots.Outcome
}

// Config wires an Engine.
type Config struct {
	Catalog    *catalog.Catalog
	Classifier SlotClassifier
	Language   string // initial active language; empty uses the catalog default
	// DefaultRetries is the retry ceiling when neither step nor flow set one.
	DefaultRetries int
	// DefaultTimeout is the per-step response timeout when the step has none.
	DefaultTimeout time.Duration
	// FragmentGrace bounds how long a partial answer waits for its
	// continuation; OnFragmentFlush receives the combined text when it
	// expires (invoked on the timer goroutine).
	FragmentGrace   time.Duration
	OnFragmentFlush func(combined string)
	Log             *zap.Logger
}

// Engine is the per-session conversation state machine. It owns no I/O:
// every method returns the ordered Actions the session must carry out.
// Not safe for concurrent use; one session goroutine drives it.
type Engine struct {
	cat            *catalog.Catalog
	classifier     SlotClassifier
	log            *zap.Logger
	defaultRetries int
	defaultTimeout time.Duration

	lang string
	acc  *slots.Accumulator

	state        State
	flow         *catalog.Flow
	stepIndex    int
	slotValues   map[string]string
	retries      map[int]int
	timeoutCount int
}

// NewEngine builds an idle engine.
func NewEngine(cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.DefaultRetries <= 0 {
		cfg.DefaultRetries = 3
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 15 * time.Second
	}
	lang := cfg.Language
	if lang == "" && cfg.Catalog != nil {
		lang = cfg.Catalog.DefaultLanguage
	}
	return &Engine{
		cat:            cfg.Catalog,
		classifier:     cfg.Classifier,
		log:            cfg.Log,
		defaultRetries: cfg.DefaultRetries,
		defaultTimeout: cfg.DefaultTimeout,
		lang:           lang,
		acc:            slots.NewAccumulator(cfg.FragmentGrace, cfg.OnFragmentFlush),
		state:          StateIdle,
	}
}

// State returns the current conversation state.
func (e *Engine) State() State { return e.state }

// Active reports whether a flow is in progress.
func (e *Engine) Active() bool { return e.state != StateIdle }

// Language returns the active language code.
func (e *Engine) Language() string { return e.lang }

// SetLanguage overrides the active language (caller profile or detection).
func (e *Engine) SetLanguage(code string) {
	if code != "" {
		e.lang = code
	}
}

// StepIndex returns the current step index; meaningful only while active.
func (e *Engine) StepIndex() int { return e.stepIndex }

// SlotValues returns a copy of the collected slot values.
func (e *Engine) SlotValues() map[string]string {
	out := make(map[string]string, len(e.slotValues))
	for k, v := range e.slotValues {
		out[k] = v
	}
	return out
}

// ResponseTimeout is how long the session should wait for an answer to the
// current step before calling HandleTimeout.
func (e *Engine) ResponseTimeout() time.Duration {
	if step := e.currentStep(); step != nil && step.TimeoutSeconds > 0 {
		return time.Duration(step.TimeoutSeconds) * time.Second
	}
	return e.defaultTimeout
}

// StartFlow enters the flow matched from an intent: intro, then the first
// step's prompt. A flow with no steps completes immediately.
func (e *Engine) StartFlow(f *catalog.Flow) []Action {
	e.flow = f
	e.stepIndex = 0
	e.slotValues = make(map[string]string)
	e.retries = make(map[int]int)
	e.timeoutCount = 0
	e.state = StateFlowIntro

	actions := []Action{say(f.ID, FieldIntro)}
	if len(f.Steps) == 0 {
		return append(actions, e.complete()...)
	}
	e.state = StateAwaitingStep
	return append(actions, e.promptCurrent())
}

// HandleUtterance processes one final transcript. Returns nil actions when
// the engine is idle (the session routes those through intent
// classification). A non-nil error marks a fatal flow error; the returned
// actions already include the apology and transfer.
func (e *Engine) HandleUtterance(ctx context.Context, utterance string) ([]Action, error) {
	return e.handle(ctx, utterance, false)
}

// HandleFlushed classifies fragment text whose grace period expired.
func (e *Engine) HandleFlushed(ctx context.Context, combined string) ([]Action, error) {
	return e.handle(ctx, combined, true)
}

func (e *Engine) handle(ctx context.Context, utterance string, force bool) ([]Action, error) {
	switch e.state {
	case StateAwaitingAnythingElse:
		return e.handleAnythingElse(utterance), nil
	case StateAwaitingStep, StateAwaitingConfirmation:
	default:
		return nil, nil
	}

	if e.isCancelPhrase(utterance) {
		return e.handleCancel(), nil
	}

	step := e.currentStep()
	if step == nil {
		return nil, nil
	}
	out := e.classifier.Classify(ctx, utterance, e.acc, slots.Options{
		Slot:         step.Slot,
		Type:         slots.InferSlotType(step.Slot, step.Type),
		Question:     step.Prompt,
		Confirmation: e.state == StateAwaitingConfirmation,
		FilledSlots:  e.filledSlots(),
		Language:     e.lang,
		Force:        force,
	})
	return e.apply(out, utterance, step)
}

func (e *Engine) apply(out slots.Outcome, raw string, step *catalog.Step) ([]Action, error) {
	switch out.Kind {
	case slots.WaitMore:
		return []Action{say(e.flow.ID, FieldAck)}, nil

	case slots.Repeat:
		if e.state == StateAwaitingConfirmation {
			return []Action{e.confirmPrompt(step)}, nil
		}
		return []Action{e.promptCurrent()}, nil

	case slots.Store:
		e.slotValues[step.Slot] = out.Value
		e.retries[e.stepIndex] = 0
		if step.Confirm != "" {
			e.state = StateAwaitingConfirmation
			return []Action{e.confirmPrompt(step)}, nil
		}
		return e.advance(), nil

	case slots.ConfirmYes:
		if e.state != StateAwaitingConfirmation {
			return []Action{e.promptCurrent()}, nil
		}
		e.state = StateAwaitingStep
		return e.advance(), nil

	case slots.ConfirmNo:
		delete(e.slotValues, step.Slot)
		e.state = StateAwaitingStep
		return []Action{e.promptCurrent()}, nil

	case slots.CorrectSlot:
		target := e.stepIndexBySlot(out.TargetSlot)
		if target < 0 {
			target = e.stepIndex - 1
			if target < 0 {
				target = 0
			}
		}
		e.stepIndex = target
		delete(e.slotValues, e.flow.Steps[target].Slot)
		e.state = StateAwaitingStep
		return []Action{e.promptCurrent()}, nil

	case slots.Invalid:
		// a ceiling of n replays the prompt for n invalids; the overflow
		// action fires on the n+1th
		e.retries[e.stepIndex]++
		if e.retries[e.stepIndex] <= e.retryCeiling(step) {
			var acts []Action
			if out.Reason != "" {
				acts = append(acts, sayText(out.Reason))
			}
			return append(acts, e.promptCurrent()), nil
		}
		return e.invalidCeiling(step, raw)
	}
	return nil, nil
}

func (e *Engine) invalidCeiling(step *catalog.Step, raw string) ([]Action, error) {
	switch step.OnInvalidAction {
	case "skip":
		// keep whatever the caller said; downstream systems get to judge it
		e.slotValues[step.Slot] = raw
		return e.advance(), nil
	case "transfer":
		queue := e.flow.TransferQueue
		e.resetToIdle()
		return []Action{{Kind: ActionTransfer, Queue: queue}}, nil
	default:
		flowID, queue := e.flow.ID, e.flow.TransferQueue
		slot := step.Slot
		e.resetToIdle()
		acts := []Action{say(flowID, FieldApology), {Kind: ActionTransfer, Queue: queue}}
		return acts, fmt.Errorf("flow %s: slot %s exhausted retries with no fallback action", flowID, slot)
	}
}

// HandleTimeout fires when no answer arrived within the step's response
// timeout: bounded re-prompting, then the flow's on_timeout_action.
func (e *Engine) HandleTimeout() []Action {
	if e.state != StateAwaitingStep && e.state != StateAwaitingConfirmation {
		return nil
	}
	e.timeoutCount++
	if e.timeoutCount <= e.retryCeiling(e.currentStep()) {
		return []Action{say(e.flow.ID, FieldTimeout), e.promptCurrent()}
	}
	switch e.flow.OnTimeoutAction {
	case "transfer":
		queue := e.flow.TransferQueue
		e.resetToIdle()
		return []Action{{Kind: ActionTransfer, Queue: queue}}
	case "skip":
		e.state = StateAwaitingStep
		return e.advance()
	default:
		flowID := e.flow.ID
		e.resetToIdle()
		return []Action{say(flowID, FieldClosing), {Kind: ActionHangup}}
	}
}

func (e *Engine) handleAnythingElse(utterance string) []Action {
	if isNoPhrase(utterance, e.lang) {
		flowID := e.flow.ID
		e.resetToIdle()
		return []Action{say(flowID, FieldClosing), {Kind: ActionHangup}}
	}
	// anything that isn't a refusal is a fresh request
	e.resetToIdle()
	return []Action{{Kind: ActionReclassify, Utterance: utterance}}
}

func (e *Engine) handleCancel() []Action {
	flowID := e.flow.ID
	acts := []Action{say(flowID, FieldCancelled)}
	switch e.flow.OnCancelAction {
	case "transfer":
		acts = append(acts, Action{Kind: ActionTransfer, Queue: e.flow.TransferQueue})
	case "main_menu":
		acts = append(acts, Action{Kind: ActionMainMenu})
	default:
		acts = append(acts, say(flowID, FieldClosing), Action{Kind: ActionHangup})
	}
	e.resetToIdle()
	return acts
}

// advance moves to the next step, or completes the flow past the last one.
func (e *Engine) advance() []Action {
	e.stepIndex++
	e.timeoutCount = 0
	if e.stepIndex >= len(e.flow.Steps) {
		return e.complete()
	}
	e.state = StateAwaitingStep
	return []Action{e.promptCurrent()}
}

func (e *Engine) complete() []Action {
	e.state = StateCompleting
	flowID := e.flow.ID
	askMore := e.flow.AskAnythingElse

	var acts []Action
	if fc := e.buildFunctionCall(); fc != nil {
		acts = append(acts, Action{Kind: ActionCallFunction, Function: fc})
	}
	acts = append(acts, say(flowID, FieldCompleted))

	if askMore {
		e.state = StateAwaitingAnythingElse
		return append(acts, say(flowID, FieldAnythingElse))
	}
	e.resetToIdle()
	return append(acts, say(flowID, FieldClosing))
}

func (e *Engine) buildFunctionCall() *FunctionCall {
	spec := e.flow.Completion
	if spec == nil {
		return nil
	}
	args := make(map[string]any, len(spec.Parameters))
	for _, p := range spec.Parameters {
		if v, ok := e.slotValues[p.FromSlot]; ok {
			args[p.Name] = v
			continue
		}
		if !p.Required && p.Default != "" {
			args[p.Name] = p.Default
			continue
		}
		if p.Required {
			e.log.Warn("required completion parameter has no collected value",
				zap.String("flow", e.flow.ID), zap.String("param", p.Name))
		}
	}
	return &FunctionCall{Name: spec.Name, Arguments: args}
}

func (e *Engine) confirmPrompt(step *catalog.Step) Action {
	return sayVars(e.flow.ID, step.Confirm, map[string]string{
		"value":   e.slotValues[step.Slot],
		step.Slot: e.slotValues[step.Slot],
	})
}

func (e *Engine) promptCurrent() Action {
	return say(e.flow.ID, e.currentStep().Prompt)
}

func (e *Engine) currentStep() *catalog.Step {
	if e.flow == nil || e.stepIndex < 0 || e.stepIndex >= len(e.flow.Steps) {
		return nil
	}
	return &e.flow.Steps[e.stepIndex]
}

func (e *Engine) stepIndexBySlot(slot string) int {
	if slot == "" {
		return -1
	}
	for i := range e.flow.Steps {
		if e.flow.Steps[i].Slot == slot {
			return i
		}
	}
	return -1
}

func (e *Engine) filledSlots() []string {
	var out []string
	for i := range e.flow.Steps {
		if _, ok := e.slotValues[e.flow.Steps[i].Slot]; ok {
			out = append(out, e.flow.Steps[i].Slot)
		}
	}
	return out
}

func (e *Engine) retryCeiling(step *catalog.Step) int {
	if step != nil && step.MaxRetries > 0 {
		return step.MaxRetries
	}
	if e.flow != nil && e.flow.MaxRetries > 0 {
		return e.flow.MaxRetries
	}
	return e.defaultRetries
}

func (e *Engine) isCancelPhrase(utterance string) bool {
	norm := normalize(utterance)
	for _, p := range e.flow.CancelPhrases {
		if p == "" {
			continue
		}
		if strings.Contains(norm, normalize(p)) {
			return true
		}
	}
	return false
}

func (e *Engine) resetToIdle() {
	e.state = StateIdle
	e.flow = nil
	e.stepIndex = 0
	e.slotValues = nil
	e.retries = nil
	e.timeoutCount = 0
	e.acc.Flush()
}

// noPhrases is the baseline pattern list for refusing the "anything else"
// question, keyed by language with a language-independent core.
var noPhrases = map[string][]string{
	"":   {"no", "nope", "nothing", "nothing else", "no thanks", "no thank you", "that's all", "that is all", "i'm done", "im done"},
	"ur": {"nahi", "bas", "shukriya nahi"},
}

func isNoPhrase(utterance, lang string) bool {
	norm := normalize(utterance)
	if norm == "" {
		return false
	}
	check := func(phrases []string) bool {
		for _, p := range phrases {
			if norm == p {
				return true
			}
			if strings.Contains(p, " ") && strings.Contains(norm, p) {
				return true
			}
		}
		return false
	}
	if check(noPhrases[""]) {
		return true
	}
	return check(noPhrases[lang])
}

func normalize(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.Trim(s, ".,!?")
	return strings.Join(strings.Fields(s), " ")
}
