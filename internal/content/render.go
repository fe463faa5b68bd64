package content

import "strings"

// Render substitutes {{var}} placeholders in prompt text. Unknown
// placeholders are left intact so the refusal in CacheSynthesizedAudio can
// still spot them.
func Render(text string, vars map[string]string) string {
	if len(vars) == 0 || !strings.Contains(text, "{{") {
		return text
	}
	for k, v := range vars {
		text = strings.ReplaceAll(text, "{{"+k+"}}", v)
	}
	return text
}

// Templated reports whether text still carries unresolved placeholders.
func Templated(text string) bool { return strings.Contains(text, "{{") }
