package domain

// VocabularySet holds the keyword lists one organization uses for routing
// and the ordered document extraction patterns. It is plain data; the
// workflow compiles it before use.
type VocabularySet struct {
	Affirmative      []string `yaml:"affirmative" json:"affirmative,omitempty"`
	Negative         []string `yaml:"negative" json:"negative,omitempty"`
	Invoice          []string `yaml:"invoice" json:"invoice,omitempty"`
	Confirm          []string `yaml:"confirm" json:"confirm,omitempty"`
	DebtQuery        []string `yaml:"debt_query" json:"debt_query,omitempty"`
	OutOfScope       []string `yaml:"out_of_scope" json:"out_of_scope,omitempty"`
	DocumentEscape   []string `yaml:"document_escape" json:"document_escape,omitempty"`
	DocumentPatterns []string `yaml:"document_patterns" json:"document_patterns,omitempty"`
}

// Merge returns base with every non-empty list of override replacing the
// corresponding list.
func (base VocabularySet) Merge(override *VocabularySet) VocabularySet {
	if override == nil {
		return base
	}
	pick := func(b, o []string) []string {
		if len(o) > 0 {
			return append([]string(nil), o...)
		}
		return b
	}
	return VocabularySet{
		Affirmative:      pick(base.Affirmative, override.Affirmative),
		Negative:         pick(base.Negative, override.Negative),
		Invoice:          pick(base.Invoice, override.Invoice),
		Confirm:          pick(base.Confirm, override.Confirm),
		DebtQuery:        pick(base.DebtQuery, override.DebtQuery),
		OutOfScope:       pick(base.OutOfScope, override.OutOfScope),
		DocumentEscape:   pick(base.DocumentEscape, override.DocumentEscape),
		DocumentPatterns: pick(base.DocumentPatterns, override.DocumentPatterns),
	}
}
