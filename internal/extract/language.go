package extract

import (
	"fmt"
	"strings"

	"github.com/pemistahl/lingua-go"
)

// LanguageDetector returns a lowercase ISO 639-1 code, or "" when the text is inconclusive.
type LanguageDetector interface {
	Detect(text string) string
}

var supportedLanguages = map[string]lingua.Language{
	"en": lingua.English,
	"de": lingua.German,
	"fr": lingua.French,
	"es": lingua.Spanish,
	"it": lingua.Italian,
	"pt": lingua.Portuguese,
	"nl": lingua.Dutch,
	"pl": lingua.Polish,
	"sv": lingua.Swedish,
	"da": lingua.Danish,
	"tr": lingua.Turkish,
	"ru": lingua.Russian,
}

// LinguaDetector wraps a lingua detector restricted to a candidate set.
type LinguaDetector struct {
	detector lingua.LanguageDetector
	only     string
}

// NewLinguaDetector builds a detector for the given ISO 639-1 codes.
func NewLinguaDetector(codes []string) (*LinguaDetector, error) {
	langs := make([]lingua.Language, 0, len(codes))
	seen := make(map[lingua.Language]struct{}, len(codes))
	for _, code := range codes {
		lang, ok := supportedLanguages[strings.ToLower(strings.TrimSpace(code))]
		if !ok {
			return nil, fmt.Errorf("unsupported language %q", code)
		}
		if _, dup := seen[lang]; dup {
			continue
		}
		seen[lang] = struct{}{}
		langs = append(langs, lang)
	}
	switch len(langs) {
	case 0:
		return nil, fmt.Errorf("at least one candidate language is required")
	case 1:
		// lingua needs two candidates to choose between.
		return &LinguaDetector{only: isoCode(langs[0])}, nil
	}
	return &LinguaDetector{
		detector: lingua.NewLanguageDetectorBuilder().FromLanguages(langs...).Build(),
	}, nil
}

// Detect implements LanguageDetector.
func (d *LinguaDetector) Detect(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}
	if d.detector == nil {
		return d.only
	}
	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return ""
	}
	return isoCode(lang)
}

func isoCode(lang lingua.Language) string {
	return strings.ToLower(lang.IsoCode639_1().String())
}
