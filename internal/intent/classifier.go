package intent

import (
	"context"
	"fmt"
	"strings"

	"github.com/habibshahid/aiva-advanced-sub007/internal/catalog"
	"github.com/habibshahid/aiva-advanced-sub007/internal/llm"
	"go.uber.org/zap"
)

// Result of classifying one transcript. Either Intent is set (a confident
// match) or it is nil and Suggested may carry the model's best guess.
type Result struct {
	Intent       *catalog.Intent
	Confidence   float64
	Suggested    string
	EnglishQuery string // translation for downstream knowledge lookup
}

// JSONCompleter is the structured-output slice of the LLM client.
type JSONCompleter interface {
	CompleteJSON(ctx context.Context, messages []llm.Message, out any) error
}

// Classifier maps a transcript to a configured intent. The LLM strategy is
// preferred when a model is available; keyword scoring is both the fallback
// and the offline strategy. Classification never hard-fails the call.
type Classifier struct {
	intents   []catalog.Intent
	model     JSONCompleter // nil disables the LLM strategy
	threshold float64
	log       *zap.Logger
}

// New builds a Classifier over the configured intents.
func New(intents []catalog.Intent, model JSONCompleter, threshold float64, log *zap.Logger) *Classifier {
	if threshold <= 0 {
		threshold = 0.6
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Classifier{intents: intents, model: model, threshold: threshold, log: log}
}

// Classify resolves the transcript against the candidate intents. Recent
// history is mandatory context for the LLM strategy: short acknowledgement
// phrases are ambiguous without knowing what was just asked.
func (c *Classifier) Classify(ctx context.Context, transcript string, history []llm.Message) Result {
	if c.model != nil {
		if res, err := c.classifyLLM(ctx, transcript, history); err == nil {
			return res
		} else {
			c.log.Warn("llm intent classification failed, falling back to keywords", zap.Error(err))
		}
	}
	return c.classifyKeywords(transcript)
}

type llmDecision struct {
	IntentID    string  `json:"intent_id"`
	IntentName  string  `json:"intent_name"`
	Confidence  float64 `json:"confidence"`
	Suggested   string  `json:"suggested"`
	Translation string  `json:"english_translation"`
}

func (c *Classifier) classifyLLM(ctx context.Context, transcript string, history []llm.Message) (Result, error) {
	var sb strings.Builder
	sb.WriteString("You classify a phone caller's request into one of the configured intents.\n")
	sb.WriteString("Candidates:\n")
	for _, in := range c.intents {
		sb.WriteString(fmt.Sprintf("- id=%s name=%q", in.ID, in.Name))
		if in.Description != "" {
			sb.WriteString(" description=" + in.Description)
		}
		if len(in.Examples) > 0 {
			sb.WriteString(" examples=" + strings.Join(in.Examples, "; "))
		}
		sb.WriteString("\n")
	}
	sb.WriteString("\nRespond with JSON: {\"intent_id\":\"\",\"intent_name\":\"\",\"confidence\":0.0,")
	sb.WriteString("\"suggested\":\"\",\"english_translation\":\"\"}. ")
	sb.WriteString("intent_id must be one of the candidate ids or empty when nothing matches. ")
	sb.WriteString("english_translation is the caller's query translated to English.")

	messages := []llm.Message{{Role: "system", Content: sb.String()}}
	// last few turns only; the full call history is noise
	start := 0
	if len(history) > 6 {
		start = len(history) - 6
	}
	messages = append(messages, history[start:]...)
	messages = append(messages, llm.Message{Role: "user", Content: transcript})

	var d llmDecision
	if err := c.model.CompleteJSON(ctx, messages, &d); err != nil {
		return Result{}, err
	}

	res := Result{Confidence: d.Confidence, Suggested: d.Suggested, EnglishQuery: d.Translation}
	matched := c.intentByIDOrName(d.IntentID, d.IntentName)
	if matched != nil && d.Confidence >= c.thresholdFor(matched) {
		res.Intent = matched
	} else if matched != nil && res.Suggested == "" {
		res.Suggested = matched.Name
	}
	return res, nil
}

func (c *Classifier) intentByIDOrName(id, name string) *catalog.Intent {
	for i := range c.intents {
		if c.intents[i].ID == id || (name != "" && strings.EqualFold(c.intents[i].Name, name)) {
			return &c.intents[i]
		}
	}
	return nil
}

func (c *Classifier) thresholdFor(in *catalog.Intent) float64 {
	if in.Threshold > 0 {
		return in.Threshold
	}
	return c.threshold
}

// classifyKeywords scores each candidate:
// phrase containment 0.95, partial word overlap ratio*0.8, keyword overlap
// ratio*0.7; highest score wins when it clears the intent's threshold.
func (c *Classifier) classifyKeywords(transcript string) Result {
	norm := normalize(transcript)
	words := wordSet(norm)

	var best *catalog.Intent
	var bestScore float64
	for i := range c.intents {
		score := c.scoreIntent(&c.intents[i], norm, words)
		if score > bestScore {
			bestScore = score
			best = &c.intents[i]
		}
	}
	if best != nil && bestScore >= c.thresholdFor(best) {
		return Result{Intent: best, Confidence: bestScore}
	}
	res := Result{Confidence: bestScore}
	if best != nil {
		res.Suggested = best.Name
	}
	return res
}

func (c *Classifier) scoreIntent(in *catalog.Intent, norm string, words map[string]struct{}) float64 {
	var score float64
	for _, ex := range in.Examples {
		exNorm := normalize(ex)
		if exNorm == "" {
			continue
		}
		if strings.Contains(norm, exNorm) {
			if 0.95 > score {
				score = 0.95
			}
			continue
		}
		if s := overlapRatio(words, wordSet(exNorm)) * 0.8; s > score {
			score = s
		}
	}
	if len(in.Keywords) > 0 {
		matched := 0
		for _, kw := range in.Keywords {
			if _, ok := words[normalize(kw)]; ok {
				matched++
			}
		}
		if s := float64(matched) / float64(len(in.Keywords)) * 0.7; s > score {
			score = s
		}
	}
	return score
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(strings.TrimSpace(s))), " ")
}

func wordSet(s string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range strings.Fields(s) {
		out[strings.Trim(w, ".,!?")] = struct{}{}
	}
	return out
}

// overlapRatio is shared words over the smaller set, so a short utterance
// fully covered by an example still scores high.
func overlapRatio(a, b map[string]struct{}) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	small, large := a, b
	if len(b) < len(a) {
		small, large = b, a
	}
	shared := 0
	for w := range small {
		if _, ok := large[w]; ok {
			shared++
		}
	}
	return float64(shared) / float64(len(small))
}
