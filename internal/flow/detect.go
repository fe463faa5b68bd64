package flow

import (
	"unicode"

	"github.com/habibshahid/aiva-advanced-sub007/internal/catalog"
)

// DetectLanguage inspects the Unicode script of an utterance and maps it to
// a configured language. Only languages that declare a Script in the catalog
// participate; Latin-script text returns "" so the default language stays in
// effect. A caller profile override always beats detection.
func DetectLanguage(cat *catalog.Catalog, utterance string) string {
	if cat == nil {
		return ""
	}
	for _, r := range utterance {
		if !unicode.IsLetter(r) {
			continue
		}
		for _, lang := range cat.Languages {
			if lang.Script == "" {
				continue
			}
			table, ok := unicode.Scripts[lang.Script]
			if !ok {
				continue
			}
			if unicode.Is(table, r) {
				return lang.Code
			}
		}
	}
	return ""
}
