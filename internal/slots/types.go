package slots

import "strings"

// OutcomeKind is the closed set of slot-response classifications.
type OutcomeKind int

const (
	WaitMore OutcomeKind = iota
	Repeat
	CorrectSlot
	ConfirmYes
	ConfirmNo
	Store
	Invalid
)

func (k OutcomeKind) String() string {
	switch k {
	case WaitMore:
		return "wait_more"
	case Repeat:
		return "repeat"
	case CorrectSlot:
		return "correct_slot"
	case ConfirmYes:
		return "confirm_yes"
	case ConfirmNo:
		return "confirm_no"
	case Store:
		return "store"
	case Invalid:
		return "invalid"
	}
	return "unknown"
}

// Outcome is the result of classifying one caller utterance against the
// expected slot. Produced fresh per utterance, never persisted.
type Outcome struct {
	Kind       OutcomeKind
	Value      string  // Store: cleaned value
	Confidence float64 // Store
	TargetSlot string  // CorrectSlot
	Reason     string  // Invalid: human-readable, in the call's language
}

// SlotType describes what kind of answer a step expects.
type SlotType string

const (
	TypePhone    SlotType = "phone"
	TypeAmount   SlotType = "amount"
	TypeID       SlotType = "id"
	TypeOTP      SlotType = "otp"
	TypeDate     SlotType = "date"
	TypeAddress  SlotType = "address"
	TypeFreeText SlotType = "freetext"
)

// InferSlotType resolves a step's type: an explicit declaration wins,
// otherwise the slot name is matched against conventional substrings.
func InferSlotType(slotName, declared string) SlotType {
	if declared != "" {
		return SlotType(declared)
	}
	name := strings.ToLower(slotName)
	switch {
	case strings.Contains(name, "phone") || strings.Contains(name, "mobile") || strings.Contains(name, "msisdn"):
		return TypePhone
	case strings.Contains(name, "amount") || strings.Contains(name, "price") || strings.Contains(name, "balance"):
		return TypeAmount
	case strings.Contains(name, "otp") || strings.Contains(name, "pin") || strings.Contains(name, "code"):
		return TypeOTP
	case strings.Contains(name, "date") || strings.Contains(name, "dob") || strings.Contains(name, "expiry"):
		return TypeDate
	case strings.Contains(name, "address") || strings.Contains(name, "location"):
		return TypeAddress
	case strings.Contains(name, "id") || strings.Contains(name, "account") || strings.Contains(name, "number"):
		return TypeID
	}
	return TypeFreeText
}

// typeHint is extra guidance handed to the model per slot type.
func typeHint(t SlotType) string {
	switch t {
	case TypePhone:
		return "a phone number; normalize to digits only, keep a leading country code if spoken"
	case TypeAmount:
		return "a monetary amount; normalize to a plain number without currency words"
	case TypeID:
		return "an account or reference identifier; normalize spelled-out digits"
	case TypeOTP:
		return "a one-time passcode, usually 4-8 digits spoken one by one"
	case TypeDate:
		return "a calendar date; normalize to YYYY-MM-DD when unambiguous"
	case TypeAddress:
		return "a street address; answers often arrive in several parts, keep all of them"
	default:
		return "free text; keep the caller's wording"
	}
}

// multiPart reports whether answers of this type commonly arrive as several
// utterance fragments.
func multiPart(t SlotType) bool { return t == TypeAddress }
