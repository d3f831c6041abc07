package vocab

import (
	"bufio"
	"log/slog"
	"os"
	"strings"
)

// Vocabulary is the set of canonical tokens the relay is allowed to carry.
// It is never empty: loading falls back to the built-in default set.
type Vocabulary struct {
	tokens map[string]struct{}
}

func defaultTokens() []string {
	return []string{
		"rot", "blau", "gruen", "gelb", "orange", "lila", "rosa", "pink", "braun", "grau",
		"schwarz", "weiss", "tuerkis", "cyan", "magenta", "beige", "silber", "gold",
		"hellblau", "dunkelblau", "hellgruen", "dunkelgruen", "dunkelrot", "oliv", "mint", "violett",
	}
}

// Default returns the built-in German color vocabulary.
func Default() Vocabulary {
	return fromTokens(defaultTokens())
}

func fromTokens(tokens []string) Vocabulary {
	v := Vocabulary{tokens: make(map[string]struct{}, len(tokens))}
	for _, t := range tokens {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" {
			continue
		}
		v.tokens[t] = struct{}{}
	}
	return v
}

// Load reads a newline-delimited token file. Tokens are trimmed, lowercased
// and deduplicated. A missing or empty source yields the default vocabulary;
// Load never fails and never returns an empty set.
func Load(path string, log *slog.Logger) Vocabulary {
	if log == nil {
		log = slog.Default()
	}
	file, err := os.Open(path)
	if err != nil {
		log.Warn("vocabulary source unavailable, using built-in default",
			slog.String("path", path), slog.String("error", err.Error()))
		return Default()
	}
	defer file.Close()

	var tokens []string
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			tokens = append(tokens, line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Warn("vocabulary source unreadable, using built-in default",
			slog.String("path", path), slog.String("error", err.Error()))
		return Default()
	}
	if len(tokens) == 0 {
		log.Warn("vocabulary source empty, using built-in default", slog.String("path", path))
		return Default()
	}
	v := fromTokens(tokens)
	log.Info("vocabulary loaded", slog.String("path", path), slog.Int("tokens", v.Size()))
	return v
}

// Contains reports whether token is a canonical vocabulary member.
func (v Vocabulary) Contains(token string) bool {
	_, ok := v.tokens[token]
	return ok
}

// Size returns the number of canonical tokens.
func (v Vocabulary) Size() int {
	return len(v.tokens)
}
