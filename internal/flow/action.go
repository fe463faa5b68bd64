package flow

// Well-known flow content fields. Prompt text/audio for these is resolved
// per flow and language through the content fallback chain.
const (
	FieldIntro        = "intro"
	FieldAck          = "ack"
	FieldCancelled    = "cancelled"
	FieldCompleted    = "completed"
	FieldAnythingElse = "anything_else"
	FieldClosing      = "closing"
	FieldTimeout      = "timeout"
	FieldApology      = "apology"
)

// ActionKind discriminates engine effects.
type ActionKind int

const (
	// ActionSay speaks content: either a catalog reference (Entity fields
	// set) or literal text (Text set).
	ActionSay ActionKind = iota
	// ActionCallFunction emits a side-effecting function call to the
	// external executor.
	ActionCallFunction
	// ActionTransfer hands the call to a human queue.
	ActionTransfer
	// ActionHangup ends the call after pending speech.
	ActionHangup
	// ActionMainMenu returns the caller to intent collection.
	ActionMainMenu
	// ActionReclassify reprocesses the utterance as a fresh intent.
	ActionReclassify
)

// ContentRef addresses one localizable content entry.
type ContentRef struct {
	EntityType string
	EntityID   string
	Field      string
}

// FunctionCall is the completion side effect of a finished flow.
type FunctionCall struct {
	Name      string
	Arguments map[string]any
}

// Action is one engine effect for the session to carry out, in order.
type Action struct {
	Kind      ActionKind
	Content   ContentRef        // Say: catalog reference
	Vars      map[string]string // Say: template variables for the prompt text
	Text      string            // Say: literal text when Content is empty
	Function  *FunctionCall     // CallFunction
	Queue     string            // Transfer
	Utterance string            // Reclassify
}

func say(flowID, field string) Action {
	return Action{Kind: ActionSay, Content: ContentRef{EntityType: "flow", EntityID: flowID, Field: field}}
}

func sayVars(flowID, field string, vars map[string]string) Action {
	a := say(flowID, field)
	a.Vars = vars
	return a
}

func sayText(text string) Action {
	return Action{Kind: ActionSay, Text: text}
}
