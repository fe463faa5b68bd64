package catalog

// Catalog is the read-only configuration snapshot a call session works from:
// intents, flows, localized content and the per-agent language set. It is
// loaded once per process (file) or pulled from the configuration API and
// treated as immutable by the engine.
type Catalog struct {
	DefaultLanguage string         `yaml:"default_language" json:"default_language"`
	Languages       []Language     `yaml:"languages" json:"languages"`
	Intents         []Intent       `yaml:"intents" json:"intents"`
	Flows           []Flow         `yaml:"flows" json:"flows"`
	Content         []ContentEntry `yaml:"content" json:"content"`
}

// Language describes one supported caller language.
type Language struct {
	Code   string `yaml:"code" json:"code"`
	Voice  string `yaml:"voice" json:"voice"`   // default synthesis voice
	Script string `yaml:"script" json:"script"` // unicode script name for auto-detection, e.g. "Arabic"
}

// Intent is one configured trigger with example phrases and keywords.
type Intent struct {
	ID          string   `yaml:"id" json:"id"`
	Name        string   `yaml:"name" json:"name"`
	Description string   `yaml:"description" json:"description"`
	Examples    []string `yaml:"examples" json:"examples"`
	Keywords    []string `yaml:"keywords" json:"keywords"`
	Threshold   float64  `yaml:"threshold" json:"threshold"` // 0 means use the global default
	FlowID      string   `yaml:"flow_id" json:"flow_id"`
}

// Flow is an ordered slot-collection dialogue. Immutable once loaded for a
// session.
type Flow struct {
	ID    string `yaml:"id" json:"id"`
	Name  string `yaml:"name" json:"name"`
	Steps []Step `yaml:"steps" json:"steps"`

	CancelPhrases   []string `yaml:"cancel_phrases" json:"cancel_phrases"`
	OnCancelAction  string   `yaml:"on_cancel_action" json:"on_cancel_action"`   // transfer | main_menu | end
	OnTimeoutAction string   `yaml:"on_timeout_action" json:"on_timeout_action"` // transfer | skip | end
	MaxRetries      int      `yaml:"max_retries" json:"max_retries"`
	TransferQueue   string   `yaml:"transfer_queue" json:"transfer_queue"`
	AskAnythingElse bool     `yaml:"ask_anything_else" json:"ask_anything_else"`

	Completion *FunctionSpec `yaml:"completion" json:"completion"`
}

// Step collects one slot.
type Step struct {
	Slot   string `yaml:"slot" json:"slot"`
	Type   string `yaml:"type" json:"type"` // phone|amount|id|otp|date|address|freetext; inferred from name when empty
	Prompt string `yaml:"prompt" json:"prompt"`
	// Confirm names the read-back prompt field; empty skips confirmation.
	Confirm         string `yaml:"confirm" json:"confirm"`
	MaxRetries      int    `yaml:"max_retries" json:"max_retries"` // 0 means use the flow ceiling
	TimeoutSeconds  int    `yaml:"timeout_seconds" json:"timeout_seconds"`
	OnInvalidAction string `yaml:"on_invalid_action" json:"on_invalid_action"` // skip | transfer | empty = fatal
}

// FunctionSpec names the side-effecting call made on flow completion.
type FunctionSpec struct {
	Name       string          `yaml:"name" json:"name"`
	Parameters []FunctionParam `yaml:"parameters" json:"parameters"`
}

// FunctionParam maps a function argument to a collected slot, with an
// optional schema default for uncollected optional parameters.
type FunctionParam struct {
	Name     string `yaml:"name" json:"name"`
	FromSlot string `yaml:"from_slot" json:"from_slot"`
	Required bool   `yaml:"required" json:"required"`
	Default  any    `yaml:"default" json:"default"`
}

// ContentEntry is localized text and/or a pre-recorded audio reference for a
// (entity type, entity id, field, language) tuple.
type ContentEntry struct {
	EntityType string `yaml:"entity_type" json:"entity_type"`
	EntityID   string `yaml:"entity_id" json:"entity_id"`
	Field      string `yaml:"field" json:"field"`
	Language   string `yaml:"language" json:"language"`
	Text       string `yaml:"text" json:"text"`
	AudioURL   string `yaml:"audio_url" json:"audio_url"`
}

// IntentByID returns the configured intent, or nil.
func (c *Catalog) IntentByID(id string) *Intent {
	for i := range c.Intents {
		if c.Intents[i].ID == id {
			return &c.Intents[i]
		}
	}
	return nil
}

// FlowByID returns the configured flow, or nil.
func (c *Catalog) FlowByID(id string) *Flow {
	for i := range c.Flows {
		if c.Flows[i].ID == id {
			return &c.Flows[i]
		}
	}
	return nil
}

// VoiceForLanguage returns the default synthesis voice for a language code,
// falling back to the default language's voice.
func (c *Catalog) VoiceForLanguage(code string) string {
	var fallback string
	for _, l := range c.Languages {
		if l.Code == code {
			return l.Voice
		}
		if l.Code == c.DefaultLanguage {
			fallback = l.Voice
		}
	}
	return fallback
}

// LanguageForScript maps a unicode script name to a configured language
// code; empty when no language claims the script.
func (c *Catalog) LanguageForScript(script string) string {
	for _, l := range c.Languages {
		if l.Script == script {
			return l.Code
		}
	}
	return ""
}

// FindContent looks up the entry for an exact (entity, field, language)
// tuple; nil on miss. Fallback policy lives in the content resolver, not
// here.
func (c *Catalog) FindContent(entityType, entityID, field, language string) *ContentEntry {
	for i := range c.Content {
		e := &c.Content[i]
		if e.EntityType == entityType && e.EntityID == entityID &&
			e.Field == field && e.Language == language {
			return e
		}
	}
	return nil
}
