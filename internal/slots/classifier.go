package slots

import (
	"context"
	"fmt"
	"strings"

	"github.com/habibshahid/aiva-advanced-sub007/internal/llm"
	"go.uber.org/zap"
)

// continuationWords mark an utterance that trails off mid-thought. A final
// transcript ending on one of these is buffered rather than classified.
var continuationWords = map[string]struct{}{
	"and": {}, "or": {}, "but": {}, "so": {}, "then": {},
	"the": {}, "a": {}, "an": {}, "my": {}, "to": {}, "of": {},
	"in": {}, "at": {}, "on": {}, "near": {}, "behind": {},
	"um": {}, "uh": {}, "umm": {}, "hmm": {}, "like": {},
}

// JSONCompleter is the structured-output slice of the LLM client.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, messages []llm.Message, out any) error
}

// Options describes the step the utterance answers.
type Options struct {
	Slot         string
	Type         SlotType
	Question     string   // the prompt the caller is answering
	Confirmation bool     // true while a read-back confirmation is pending
	FilledSlots  []string // earlier slots in this flow, correction targets
	Language     string
	Force        bool // classify even if the text still looks incomplete
}

// Classifier interprets one caller utterance against the slot currently
// being collected. Outcomes form a closed set; callers switch on Kind.
type Classifier struct {
	model JSONCompleter // nil disables the LLM strategy
	log   *zap.Logger
}

// New builds a slot-response classifier.
func New(model JSONCompleter, log *zap.Logger) *Classifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{model: model, log: log}
}

// Classify resolves the utterance to an Outcome. When acc is non-nil,
// pending fragments are prepended and utterances that still look incomplete
// are buffered (WaitMore) instead of being sent to the model, so a caller
// spelling an address across three transcripts costs one model call, not
// three.
func (c *Classifier) Classify(ctx context.Context, utterance string, acc *Accumulator, opts Options) Outcome {
	text := strings.TrimSpace(utterance)
	if acc != nil {
		text = strings.TrimSpace(acc.Combine(text))
	}
	if text == "" {
		return Outcome{Kind: Repeat}
	}

	if !opts.Force && looksIncomplete(text, opts.Type) {
		if acc != nil {
			acc.Add(strings.TrimSpace(utterance))
		}
		return Outcome{Kind: WaitMore}
	}
	if acc != nil {
		acc.Flush()
	}

	if c.model != nil {
		if out, err := c.classifyLLM(ctx, text, opts); err == nil {
			return out
		} else {
			c.log.Warn("llm slot classification failed, using heuristics",
				zap.String("slot", opts.Slot), zap.Error(err))
		}
	}
	return heuristicClassify(text, opts)
}

// looksIncomplete flags utterances that trail off on a connective or, for
// multi-part slot types, are too short to be a whole answer.
func looksIncomplete(text string, t SlotType) bool {
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return false
	}
	last := strings.Trim(words[len(words)-1], ".,!?")
	if _, ok := continuationWords[last]; ok {
		return true
	}
	if strings.HasSuffix(strings.TrimSpace(text), ",") {
		return true
	}
	return multiPart(t) && len(words) < 3
}

type llmDecision struct {
	Outcome    string  `json:"outcome"`
	Value      string  `json:"value"`
	TargetSlot string  `json:"target_slot"`
	Confidence float64 `json:"confidence"`
	Reason     string  `json:"reason"`
}

func (c *Classifier) classifyLLM(ctx context.Context, text string, opts Options) (Outcome, error) {
	var sb strings.Builder
	sb.WriteString("You interpret a phone caller's reply while a voice agent collects form fields.\n")
	fmt.Fprintf(&sb, "Current field: %s (%s). The caller was asked: %q.\n", opts.Slot, typeHint(opts.Type), opts.Question)
	if opts.Confirmation {
		sb.WriteString("A read-back confirmation is pending; yes/no style replies mean confirm_yes/confirm_no.\n")
	}
	if len(opts.FilledSlots) > 0 {
		fmt.Fprintf(&sb, "Already collected fields the caller may correct: %s.\n", strings.Join(opts.FilledSlots, ", "))
	}
	sb.WriteString("Respond with JSON: {\"outcome\":\"store|repeat|correct_slot|confirm_yes|confirm_no|invalid\",")
	sb.WriteString("\"value\":\"\",\"target_slot\":\"\",\"confidence\":0.0,\"reason\":\"\"}. ")
	sb.WriteString("store carries the cleaned value; correct_slot names one of the collected fields in target_slot ")
	sb.WriteString("and the new value in value; invalid carries a short reason")
	if opts.Language != "" {
		fmt.Fprintf(&sb, " written in language %q", opts.Language)
	}
	sb.WriteString(".")

	messages := []llm.Message{
		{Role: "system", Content: sb.String()},
		{Role: "user", Content: text},
	}

	var d llmDecision
	if err := c.model.CompleteJSON(ctx, messages, &d); err != nil {
		return Outcome{}, err
	}
	return decisionToOutcome(d, text, opts), nil
}

func decisionToOutcome(d llmDecision, raw string, opts Options) Outcome {
	switch d.Outcome {
	case "repeat":
		return Outcome{Kind: Repeat}
	case "confirm_yes":
		return Outcome{Kind: ConfirmYes}
	case "confirm_no":
		return Outcome{Kind: ConfirmNo}
	case "invalid":
		return Outcome{Kind: Invalid, Reason: d.Reason}
	case "correct_slot":
		if d.TargetSlot != "" && contains(opts.FilledSlots, d.TargetSlot) {
			return Outcome{Kind: CorrectSlot, TargetSlot: d.TargetSlot, Value: d.Value}
		}
		// unknown target: treat as an answer to the current slot
		fallthrough
	case "store":
		value := d.Value
		if value == "" {
			value = raw
		}
		conf := d.Confidence
		if conf <= 0 {
			conf = 0.5
		}
		return Outcome{Kind: Store, Value: value, Confidence: conf}
	}
	// unrecognized outcome: degrade to storing the raw utterance with low
	// confidence rather than dead-ending the step
	return Outcome{Kind: Store, Value: raw, Confidence: 0.3}
}

// heuristicClassify is the offline strategy: yes/no words during
// confirmation, digit extraction for numeric slots, raw passthrough
// otherwise.
func heuristicClassify(text string, opts Options) Outcome {
	norm := strings.ToLower(strings.TrimSpace(text))
	if opts.Confirmation {
		switch {
		case matchesAny(norm, "yes", "yeah", "yep", "correct", "right", "that's right", "exactly", "haan", "ji"):
			return Outcome{Kind: ConfirmYes}
		case matchesAny(norm, "no", "nope", "wrong", "incorrect", "that's wrong", "nahi"):
			return Outcome{Kind: ConfirmNo}
		}
	}
	if matchesAny(norm, "repeat", "say that again", "pardon", "what was that", "come again") {
		return Outcome{Kind: Repeat}
	}
	switch opts.Type {
	case TypePhone, TypeOTP, TypeID, TypeAmount:
		if digits := extractDigits(norm); digits != "" {
			return Outcome{Kind: Store, Value: digits, Confidence: 0.7}
		}
	}
	return Outcome{Kind: Store, Value: strings.TrimSpace(text), Confidence: 0.5}
}

func matchesAny(norm string, phrases ...string) bool {
	words := strings.Fields(norm)
	for _, p := range phrases {
		if norm == p {
			return true
		}
		if !strings.Contains(p, " ") {
			for _, w := range words {
				if strings.Trim(w, ".,!?") == p {
					return true
				}
			}
		} else if strings.Contains(norm, p) {
			return true
		}
	}
	return false
}

var spokenDigits = map[string]byte{
	"zero": '0', "oh": '0', "one": '1', "two": '2', "three": '3',
	"four": '4', "five": '5', "six": '6', "seven": '7', "eight": '8',
	"nine": '9',
}

func extractDigits(norm string) string {
	var out strings.Builder
	for _, w := range strings.Fields(norm) {
		w = strings.Trim(w, ".,!?")
		if d, ok := spokenDigits[w]; ok {
			out.WriteByte(d)
			continue
		}
		for _, r := range w {
			if r >= '0' && r <= '9' {
				out.WriteRune(r)
			}
		}
	}
	return out.String()
}

func contains(items []string, want string) bool {
	for _, it := range items {
		if it == want {
			return true
		}
	}
	return false
}
