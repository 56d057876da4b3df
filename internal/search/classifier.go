package search

import (
	"regexp"
	"strings"
	"unicode"
)

// Features are the lexical signals extracted from a query. Extraction is
// deterministic and model-free.
type Features struct {
	HasQuotes  bool
	IsQuestion bool
	HasCode    bool
	TokenCount int
}

// Classification is the classifier's verdict for one query.
type Classification struct {
	Strategy   Strategy
	Complexity Complexity
	Features   Features
}

var (
	quotedPhraseRe = regexp.MustCompile(`"[^"]+"`)
	questionWordRe = regexp.MustCompile(`(?i)^(who|what|when|where|why|how|which|can|could|should|would|does|do|is|are|will)\b`)
	camelCaseRe    = regexp.MustCompile(`\b[a-z]+[A-Z][A-Za-z]*\b`)
	funcCallRe     = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\(`)
)

// symbolDensityThreshold marks a query as code-like when this fraction of
// its runes are programming symbols.
const symbolDensityThreshold = 0.15

// Classify maps a query string to a retrieval strategy and complexity class.
//
// Quoted phrases bias toward sparse lexical matching, questions without
// quotes toward the dense-leaning hybrid default.
func Classify(text string) Classification {
	f := extractFeatures(text)

	strategy := StrategyHybrid
	if f.HasQuotes && !f.IsQuestion {
		strategy = StrategySparse
	}

	var complexity Complexity
	switch {
	case f.TokenCount <= 4 && !f.HasCode:
		complexity = ComplexitySimple
	case f.TokenCount > 12 || (f.HasCode && f.IsQuestion):
		complexity = ComplexityComplex
	default:
		complexity = ComplexityModerate
	}

	return Classification{Strategy: strategy, Complexity: complexity, Features: f}
}

func extractFeatures(text string) Features {
	trimmed := strings.TrimSpace(text)
	return Features{
		HasQuotes:  quotedPhraseRe.MatchString(trimmed),
		IsQuestion: strings.HasSuffix(trimmed, "?") || questionWordRe.MatchString(trimmed),
		HasCode:    looksLikeCode(trimmed),
		TokenCount: len(strings.Fields(trimmed)),
	}
}

func looksLikeCode(text string) bool {
	if strings.Contains(text, "```") {
		return true
	}
	for _, m := range camelCaseRe.FindAllString(text, -1) {
		if len(m) >= 4 {
			return true
		}
	}
	if funcCallRe.MatchString(text) {
		return true
	}
	return symbolDensity(text) >= symbolDensityThreshold
}

func symbolDensity(text string) float64 {
	if text == "" {
		return 0
	}
	total, symbols := 0, 0
	for _, r := range text {
		if unicode.IsSpace(r) {
			continue
		}
		total++
		switch r {
		case '{', '}', '(', ')', '[', ']', ';', ':', '=', '<', '>', '.', '_', '/', '\\', '&', '|', '*', '+', '-':
			symbols++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(symbols) / float64(total)
}
