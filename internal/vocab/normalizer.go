package vocab

import "strings"

// Outcome classifies the result of normalizing a recognition hypothesis.
type Outcome int

const (
	// OutcomeEmpty means the hypothesis carried no usable text at all.
	OutcomeEmpty Outcome = iota
	// OutcomeNoMatch means text was present but no vocabulary token matched.
	OutcomeNoMatch
	// OutcomeMatch means a canonical token was found.
	OutcomeMatch
)

// Result carries the outcome of a normalization. Token is set only when
// Outcome is OutcomeMatch.
type Result struct {
	Outcome Outcome
	Token   string
}

// Matched reports whether the normalization produced a canonical token.
func (r Result) Matched() bool {
	return r.Outcome == OutcomeMatch
}

// aliases maps recognized surface forms to canonical spellings. Phrase-level
// entries must be checked before hyphen splitting destroys the compound.
var aliases = map[string]string{
	"weiß":        "weiss",
	"weiss":       "weiss",
	"grün":        "gruen",
	"gruen":       "gruen",
	"türkis":      "tuerkis",
	"turkis":      "tuerkis",
	"hell-blau":   "hellblau",
	"dunkel-blau": "dunkelblau",
	"hell-grün":   "hellgruen",
	"dunkel-grün": "dunkelgruen",
	"violet":      "violett",
	"purple":      "violett",
}

// Normalizer converts raw recognition hypotheses into canonical tokens.
type Normalizer struct {
	vocab Vocabulary
}

func NewNormalizer(v Vocabulary) *Normalizer {
	return &Normalizer{vocab: v}
}

// Vocabulary returns the canonical token set backing this normalizer.
func (n *Normalizer) Vocabulary() Vocabulary {
	return n.vocab
}

// Normalize turns a hypothesis into a canonical token. Hypotheses are noisy
// and may carry filler words around the target; the first vocabulary member
// scanning left to right wins.
func (n *Normalizer) Normalize(raw string) Result {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Result{Outcome: OutcomeEmpty}
	}
	s = strings.ToLower(s)

	// Anything outside the vocabulary alphabet becomes a space so that
	// punctuation and digits cannot glue words together.
	s = strings.Map(func(r rune) rune {
		if r >= 'a' && r <= 'z' {
			return r
		}
		switch r {
		case ' ', '-', 'ä', 'ö', 'ü', 'ß':
			return r
		}
		return ' '
	}, s)

	s = strings.Join(strings.Fields(s), " ")
	if s == "" {
		return Result{Outcome: OutcomeEmpty}
	}

	// Phrase-level alias before splitting, so hyphenated compounds can map
	// to a single canonical token.
	if target, ok := aliases[s]; ok {
		s = target
	}

	for _, word := range splitCandidates(s) {
		if target, ok := aliases[word]; ok {
			word = target
		}
		if n.vocab.Contains(word) {
			return Result{Outcome: OutcomeMatch, Token: word}
		}
	}
	return Result{Outcome: OutcomeNoMatch}
}

// splitCandidates splits on spaces and internal hyphens, preserving order.
func splitCandidates(s string) []string {
	var words []string
	for _, field := range strings.Split(s, " ") {
		for _, word := range strings.Split(field, "-") {
			if word != "" {
				words = append(words, word)
			}
		}
	}
	return words
}
