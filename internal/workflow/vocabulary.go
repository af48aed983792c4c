package workflow

import (
	_ "embed"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/boddenberg/pharmacy-assistant-go/internal/domain"
)

//go:embed vocabulary.yaml
var defaultVocabularyYAML []byte

var (
	defaultOnce  sync.Once
	defaultVocab *Vocabulary
	defaultSet   domain.VocabularySet
)

// DefaultVocabularySet returns the embedded keyword lists.
func DefaultVocabularySet() domain.VocabularySet {
	loadDefaults()
	return defaultSet
}

// DefaultVocabulary returns the compiled embedded vocabulary.
func DefaultVocabulary() *Vocabulary {
	loadDefaults()
	return defaultVocab
}

func loadDefaults() {
	defaultOnce.Do(func() {
		set, err := ParseVocabularySet(defaultVocabularyYAML)
		if err != nil {
			panic(fmt.Sprintf("workflow: embedded vocabulary: %v", err))
		}
		v, err := CompileVocabulary(set)
		if err != nil {
			panic(fmt.Sprintf("workflow: embedded vocabulary: %v", err))
		}
		defaultSet, defaultVocab = set, v
	})
}

// ParseVocabularySet decodes a YAML vocabulary document.
func ParseVocabularySet(data []byte) (domain.VocabularySet, error) {
	var set domain.VocabularySet
	if err := yaml.Unmarshal(data, &set); err != nil {
		return domain.VocabularySet{}, fmt.Errorf("parse vocabulary: %w", err)
	}
	return set, nil
}

// DocumentMatcher extracts a document number with one pattern.
type DocumentMatcher struct {
	re *regexp.Regexp
}

// Match returns the first capture group (or the whole match when the
// pattern has no group).
func (m DocumentMatcher) Match(text string) (string, bool) {
	sub := m.re.FindStringSubmatch(text)
	if sub == nil {
		return "", false
	}
	if len(sub) > 1 {
		return sub[1], sub[1] != ""
	}
	return sub[0], true
}

// Vocabulary is the compiled, normalised form of a VocabularySet. It is
// immutable and safe for concurrent use.
type Vocabulary struct {
	affirmative []string
	negative    []string
	invoice     []string
	confirm     []string
	debtQuery   []string
	outOfScope  []string
	escape      []string
	matchers    []DocumentMatcher
}

// CompileVocabulary normalises keyword lists and compiles document patterns
// in their configured order.
func CompileVocabulary(set domain.VocabularySet) (*Vocabulary, error) {
	v := &Vocabulary{
		affirmative: normalizeAll(set.Affirmative),
		negative:    normalizeAll(set.Negative),
		invoice:     normalizeAll(set.Invoice),
		confirm:     normalizeAll(set.Confirm),
		debtQuery:   normalizeAll(set.DebtQuery),
		outOfScope:  normalizeAll(set.OutOfScope),
		escape:      normalizeAll(set.DocumentEscape),
	}
	for i, p := range set.DocumentPatterns {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("document pattern %d: %w", i, err)
		}
		v.matchers = append(v.matchers, DocumentMatcher{re: re})
	}
	return v, nil
}

// IsAffirmative reports a yes. The whole message must be an affirmative
// word or phrase, or a short message (up to 3 words) must start with one.
func (v *Vocabulary) IsAffirmative(msg string) bool {
	return matchesAnswer(v.affirmative, msg)
}

// IsNegative reports a no. The whole message must be a negative word or
// phrase.
func (v *Vocabulary) IsNegative(msg string) bool {
	return matchesExact(v.negative, msg)
}

func (v *Vocabulary) MentionsInvoice(msg string) bool { return containsAny(v.invoice, msg) }
func (v *Vocabulary) MentionsConfirm(msg string) bool { return containsAny(v.confirm, msg) }
func (v *Vocabulary) MentionsDebt(msg string) bool { return containsAny(v.debtQuery, msg) }
func (v *Vocabulary) IsOutOfScope(msg string) bool { return containsAny(v.outOfScope, msg) }
func (v *Vocabulary) IsDocumentEscape(msg string) bool { return containsAny(v.escape, msg) }

// KeywordIntent returns the keyword intent of msg in priority order
// invoice > confirm > debt query, or "" when nothing matches.
func (v *Vocabulary) KeywordIntent(msg string) string {
	switch {
	case v.MentionsInvoice(msg):
		return domain.IntentInvoice
	case v.MentionsConfirm(msg):
		return domain.IntentConfirm
	case v.MentionsDebt(msg):
		return domain.IntentDebtQuery
	}
	return ""
}

// FallbackIntent classifies msg without a model, for when no classifier is
// configured or it fails.
func (v *Vocabulary) FallbackIntent(msg string) *domain.IntentResult {
	if intent := v.KeywordIntent(msg); intent != "" {
		return &domain.IntentResult{Intent: intent, Confidence: 1}
	}
	if v.IsOutOfScope(msg) {
		return &domain.IntentResult{Intent: domain.IntentOutOfScope, IsOutOfScope: true, Confidence: 1}
	}
	return &domain.IntentResult{Intent: domain.IntentUnknown}
}

// ExtractDocument runs the document matchers in order and returns the first
// hit. Thousands separators ("30.123.456") are removed first.
func (v *Vocabulary) ExtractDocument(msg string) (string, bool) {
	text := collapseDigitDots(msg)
	for _, m := range v.matchers {
		if doc, ok := m.Match(text); ok {
			return doc, true
		}
	}
	return "", false
}

var digitDot = regexp.MustCompile(`(\d)\.(\d)`)

func collapseDigitDots(s string) string {
	for {
		next := digitDot.ReplaceAllString(s, "$1$2")
		if next == s {
			return s
		}
		s = next
	}
}

var (
	punctuation = strings.NewReplacer(
		".", " ", ",", " ", "!", " ", "¡", " ", "?", " ", "¿", " ", ";", " ", ":", " ",
	)
	accents = strings.NewReplacer(
		"á", "a", "é", "e", "í", "i", "ó", "o", "ú", "u", "ü", "u",
	)
)

// normalize lowercases, folds accents and strips punctuation so keyword
// comparisons are insensitive to how people type on a phone.
func normalize(s string) string {
	s = accents.Replace(strings.ToLower(s))
	s = punctuation.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

func normalizeAll(words []string) []string {
	out := make([]string, 0, len(words))
	for _, w := range words {
		if n := normalize(w); n != "" {
			out = append(out, n)
		}
	}
	return out
}

// matchesAnswer accepts the whole message or, for short messages, a leading
// keyword ("si, dale").
func matchesAnswer(words []string, msg string) bool {
	n := normalize(msg)
	if n == "" {
		return false
	}
	tokens := strings.Fields(n)
	for _, w := range words {
		if n == w {
			return true
		}
		if len(tokens) <= 3 && tokens[0] == w {
			return true
		}
	}
	return false
}

// matchesExact accepts only a message that is one of words. A leading "no"
// also starts questions ("no entiendo").
func matchesExact(words []string, msg string) bool {
	n := normalize(msg)
	if n == "" {
		return false
	}
	for _, w := range words {
		if n == w {
			return true
		}
	}
	return false
}

// containsAny matches whole words or phrases, never fragments of a word.
func containsAny(words []string, msg string) bool {
	n := " " + normalize(msg) + " "
	for _, w := range words {
		if strings.Contains(n, " "+w+" ") {
			return true
		}
	}
	return false
}
